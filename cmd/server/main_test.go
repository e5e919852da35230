package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/tokenrelay/internal/authkit"
	"go.uber.org/zap"
	"google.golang.org/api/idtoken"
)

const testSigningKey = "0123456789abcdef0123456789abcdef"

func setValidConfig() {
	viper.Set("listen_addr", ":0")
	viper.Set("jwt_signing_key", testSigningKey)
	viper.Set("jwt_issuer", "tokenrelay-test")
	viper.Set("access_ttl", time.Minute)
	viper.Set("refresh_ttl", time.Hour)
	viper.Set("cookie_name", "refresh_token")
	viper.Set("cookie_secure", true)
	viper.Set("cookie_http_only", true)
	viper.Set("cookie_same_site", "strict")
	viper.Set("oauth_state_ttl", 5*time.Minute)
	viper.Set("login_max_attempts", 5)
	viper.Set("login_attempt_window", time.Minute)
}

func commandWithConfig(t *testing.T) *cobra.Command {
	t.Helper()
	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	command := &cobra.Command{}
	command.SetContext(context.WithValue(context.Background(), serverConfigContextKey, config))
	return command
}

func resetViper(t *testing.T) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	viper.Reset()
	t.Cleanup(viper.Reset)
}

func withServeHTTPStub(stub func(server *http.Server) error) func() {
	previous := serveHTTP
	serveHTTP = stub
	return func() {
		serveHTTP = previous
	}
}

type noopGoogleValidator struct{}

func (noopGoogleValidator) Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error) {
	return &idtoken.Payload{}, nil
}

func withGoogleValidatorBuilderStub(stub func(ctx context.Context) (authkit.GoogleTokenValidator, error)) func() {
	previous := buildGoogleTokenValidator
	buildGoogleTokenValidator = stub
	return func() {
		buildGoogleTokenValidator = previous
	}
}

func TestZapLoggerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(zapLoggerMiddleware(zap.NewNop()))
	router.GET("/ping", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
}

func TestRunServerMissingConfig(t *testing.T) {
	resetViper(t)

	err := runServer(&cobra.Command{}, nil)
	expectedMessage := "config.uninitialized_server_config: server configuration not prepared; PreRunE must execute before RunE"
	if err == nil || err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %v", expectedMessage, err)
	}
}

func TestLoadServerConfigValidation(t *testing.T) {
	testCases := []struct {
		name     string
		override func()
		expected string
	}{
		{
			name:     "missing signing key",
			override: func() { viper.Set("jwt_signing_key", "") },
			expected: "config.missing_jwt_signing_key: jwt_signing_key must be provided",
		},
		{
			name:     "short signing key",
			override: func() { viper.Set("jwt_signing_key", "short-secret") },
			expected: "config.short_jwt_signing_key: jwt_signing_key must be at least 32 bytes",
		},
		{
			name:     "blank issuer",
			override: func() { viper.Set("jwt_issuer", "  ") },
			expected: "config.missing_jwt_issuer: jwt_issuer must be provided",
		},
		{
			name:     "non-positive access ttl",
			override: func() { viper.Set("access_ttl", 0) },
			expected: "config.invalid_access_ttl: access_ttl must be greater than zero",
		},
		{
			name:     "non-positive refresh ttl",
			override: func() { viper.Set("refresh_ttl", -time.Second) },
			expected: "config.invalid_refresh_ttl: refresh_ttl must be greater than zero",
		},
		{
			name:     "unknown same site",
			override: func() { viper.Set("cookie_same_site", "sometimes") },
			expected: `config.invalid_cookie_same_site: cookie_same_site "sometimes" must be lax, strict, or none`,
		},
		{
			name: "same site none without secure",
			override: func() {
				viper.Set("cookie_same_site", "none")
				viper.Set("cookie_secure", false)
			},
			expected: "config.insecure_cookie_same_site_none: cookie_same_site=none requires cookie_secure",
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			resetViper(t)
			setValidConfig()
			testCase.override()

			_, err := LoadServerConfig()
			if err == nil || err.Error() != testCase.expected {
				t.Fatalf("expected error %q, got %v", testCase.expected, err)
			}
		})
	}
}

func TestLoadServerConfigDefaults(t *testing.T) {
	resetViper(t)
	setValidConfig()
	viper.Set("cookie_same_site", "LAX")
	viper.Set("revoke_family_on_reuse", true)

	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if config.SameSiteMode != http.SameSiteLaxMode {
		t.Fatalf("expected lax same site, got %v", config.SameSiteMode)
	}
	if !config.RevokeFamilyOnReuse || !config.CookieSecure || !config.CookieHTTPOnly {
		t.Fatalf("unexpected flags %+v", config)
	}
	if len(config.BypassPrefixes) != len(authkit.DefaultBypassPrefixes) {
		t.Fatalf("expected default bypass prefixes")
	}
}

func TestListSettingSplitsCommaSeparatedValues(t *testing.T) {
	resetViper(t)
	viper.Set("federated_providers", "google, github,,")
	providers := listSetting("federated_providers")
	if strings.Join(providers, "|") != "google|github" {
		t.Fatalf("unexpected providers %v", providers)
	}
}

func TestRunServerInMemoryStore(t *testing.T) {
	resetViper(t)
	setValidConfig()

	var handler http.Handler
	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		handler = server.Handler
		return http.ErrServerClosed
	})
	defer restoreServe()

	if err := runServer(commandWithConfig(t), nil); err != nil {
		t.Fatalf("expected runServer to succeed with in-memory store, got %v", err)
	}
	if handler == nil {
		t.Fatalf("expected handler to be configured")
	}

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected health 200, got %d", recorder.Code)
	}
	var health struct {
		Status string `json:"status"`
		Store  string `json:"store"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "ok" || health.Store != "memory" {
		t.Fatalf("unexpected health payload %+v", health)
	}

	meRecorder := httptest.NewRecorder()
	handler.ServeHTTP(meRecorder, httptest.NewRequest(http.MethodGet, "/api/me", nil))
	if meRecorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for anonymous /api/me, got %d", meRecorder.Code)
	}
}

func TestRunServerFullStack(t *testing.T) {
	resetViper(t)
	setValidConfig()

	redisServer := miniredis.RunT(t)
	viper.Set("database_url", "sqlite://"+filepath.Join(t.TempDir(), "server.db"))
	viper.Set("store_backend", "gorm")
	viper.Set("redis_url", "redis://"+redisServer.Addr())
	viper.Set("cors_allowed_origins", []string{"https://app.example.com"})
	viper.Set("frontend_success_redirect", "https://app.example.com/auth/success")
	viper.Set("federated_providers", "google,github")
	for _, provider := range []string{"google", "github"} {
		viper.Set(provider+"_client_id", provider+"-client")
		viper.Set(provider+"_client_secret", provider+"-secret")
		viper.Set(provider+"_redirect_url", "https://api.example.com/login/oauth2/code/"+provider)
	}

	restoreValidator := withGoogleValidatorBuilderStub(func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
		return noopGoogleValidator{}, nil
	})
	defer restoreValidator()

	// Requests run while the server is live; runServer closes the store and
	// the redis client once serveHTTP returns.
	var (
		served       bool
		consentCode  int
		consentURL   string
		stateKeys    []string
		healthRecord *httptest.ResponseRecorder
	)
	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		served = true
		recorder := httptest.NewRecorder()
		server.Handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/oauth2/authorization/github", nil))
		consentCode = recorder.Code
		consentURL = recorder.Header().Get("Location")
		stateKeys = redisServer.Keys()

		healthRecord = httptest.NewRecorder()
		server.Handler.ServeHTTP(healthRecord, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		return http.ErrServerClosed
	})
	defer restoreServe()

	if err := runServer(commandWithConfig(t), nil); err != nil {
		t.Fatalf("expected runServer to succeed, got %v", err)
	}
	if !served {
		t.Fatalf("expected serveHTTP to be invoked")
	}
	if consentCode != http.StatusFound {
		t.Fatalf("expected redirect to github, got %d", consentCode)
	}
	if !strings.HasPrefix(consentURL, "https://github.com/login/oauth/authorize") || !strings.Contains(consentURL, "code_challenge=") {
		t.Fatalf("unexpected consent url %q", consentURL)
	}
	if len(stateKeys) != 1 {
		t.Fatalf("expected oauth state in redis, got keys %v", stateKeys)
	}
	if healthRecord.Code != http.StatusOK || !strings.Contains(healthRecord.Body.String(), `"store":"sqlite"`) {
		t.Fatalf("unexpected health response %d %s", healthRecord.Code, healthRecord.Body.String())
	}
}

func TestRunServerValidatorInitFailure(t *testing.T) {
	resetViper(t)
	setValidConfig()
	viper.Set("federated_providers", "google")
	viper.Set("google_client_id", "client")
	viper.Set("google_client_secret", "secret")
	viper.Set("google_redirect_url", "https://api.example.com/login/oauth2/code/google")

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		return http.ErrServerClosed
	})
	defer restoreServe()

	restoreValidator := withGoogleValidatorBuilderStub(func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
		return nil, errors.New("validator_fail")
	})
	defer restoreValidator()

	if err := runServer(commandWithConfig(t), nil); err == nil || err.Error() != "config.google_validator_init: validator_fail" {
		t.Fatalf("expected google validator init error, got %v", err)
	}
}

func TestRunServerRejectsBadWiring(t *testing.T) {
	testCases := []struct {
		name     string
		override func()
		prefix   string
	}{
		{
			name:     "unsupported provider",
			override: func() { viper.Set("federated_providers", "myspace") },
			prefix:   configCodeMissingProviderClient,
		},
		{
			name: "unsupported provider with credentials",
			override: func() {
				viper.Set("federated_providers", "myspace")
				viper.Set("myspace_client_id", "id")
				viper.Set("myspace_client_secret", "secret")
				viper.Set("myspace_redirect_url", "https://api.example.com/cb")
			},
			prefix: configCodeUnsupportedProvider,
		},
		{
			name:     "missing github credentials",
			override: func() { viper.Set("federated_providers", "github") },
			prefix:   configCodeMissingProviderClient,
		},
		{
			name: "unknown store backend",
			override: func() {
				viper.Set("database_url", "sqlite://unused.db")
				viper.Set("store_backend", "mongo")
			},
			prefix: configCodeInvalidStoreBackend,
		},
		{
			name:     "unsupported database scheme",
			override: func() { viper.Set("database_url", "mysql://localhost/app") },
			prefix:   configCodeStoreInit,
		},
		{
			name:     "bad redis url",
			override: func() { viper.Set("redis_url", "not a url") },
			prefix:   configCodeRedisInit,
		},
		{
			name:     "wildcard cors origin",
			override: func() { viper.Set("cors_allowed_origins", []string{"*"}) },
			prefix:   configCodeCORS,
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			resetViper(t)
			setValidConfig()
			testCase.override()

			restoreServe := withServeHTTPStub(func(server *http.Server) error {
				t.Fatalf("server must not start")
				return nil
			})
			defer restoreServe()

			err := runServer(commandWithConfig(t), nil)
			if err == nil || !strings.HasPrefix(err.Error(), testCase.prefix) {
				t.Fatalf("expected %s error, got %v", testCase.prefix, err)
			}
		})
	}
}

func TestNewRootCommandHelp(t *testing.T) {
	resetViper(t)
	cmd := newRootCommand()
	cmd.SetArgs([]string{"--help"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("expected help execution to succeed: %v", err)
	}
}
