package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tyemirov/tokenrelay/internal/authkit"
	"github.com/tyemirov/tokenrelay/internal/web"
	"go.uber.org/zap"
	"google.golang.org/api/idtoken"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleTokenValidator = func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
	return idtoken.NewValidator(ctx)
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "config.dotenv_load: %v\n", err)
		os.Exit(1)
	}
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "tokenrelay",
		Short:   "Session service issuing JWT access tokens and single-use rotating refresh tokens",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	flags := rootCmd.Flags()
	flags.String("listen_addr", ":8080", "HTTP listen address")
	flags.String("database_url", "", "Credential store URL (postgres:// or sqlite://); empty for in-memory store")
	flags.String("store_backend", storeBackendGORM, "Store implementation for database_url: gorm or pgx")
	flags.String("redis_url", "", "Redis URL for login throttling and OAuth state; empty disables throttling")
	flags.String("jwt_signing_key", "", "HS256 signing secret, at least 32 bytes")
	flags.String("jwt_issuer", "tokenrelay", "Issuer claim for minted tokens")
	flags.Duration("access_ttl", 15*time.Minute, "Access token TTL")
	flags.Duration("refresh_ttl", 30*24*time.Hour, "Refresh token TTL")
	flags.String("cookie_name", "refresh_token", "Refresh token cookie name")
	flags.String("cookie_domain", "", "Cookie domain; empty for host-only")
	flags.Bool("cookie_secure", true, "Mark the refresh cookie Secure")
	flags.Bool("cookie_http_only", true, "Mark the refresh cookie HttpOnly")
	flags.String("cookie_same_site", "strict", "Refresh cookie SameSite mode: lax, strict, or none")
	flags.StringSlice("cors_allowed_origins", []string{}, "Origins allowed to call the API with credentials; empty disables CORS")
	flags.String("frontend_success_redirect", "", "Frontend URL receiving ?token= after federated login")
	flags.StringSlice("federated_providers", []string{}, "Enabled federated providers: google, github")
	flags.String("google_client_id", "", "Google OAuth client id")
	flags.String("google_client_secret", "", "Google OAuth client secret")
	flags.String("google_redirect_url", "", "Google OAuth redirect URL")
	flags.String("github_client_id", "", "GitHub OAuth client id")
	flags.String("github_client_secret", "", "GitHub OAuth client secret")
	flags.String("github_redirect_url", "", "GitHub OAuth redirect URL")
	flags.Duration("oauth_state_ttl", 10*time.Minute, "Lifetime of a federated login state value")
	flags.Int("login_max_attempts", 5, "Login attempts allowed per email within login_attempt_window")
	flags.Duration("login_attempt_window", 15*time.Minute, "Login throttle window")
	flags.Bool("revoke_family_on_reuse", false, "Revoke all of a user's refresh tokens when a redeemed token is replayed")

	flags.VisitAll(func(flag *pflag.Flag) {
		_ = viper.BindPFlag(flag.Name, flag)
	})

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	storeBackendGORM = "gorm"
	storeBackendPGX  = "pgx"

	configCodeMissingJWTSigningKey    = "config.missing_jwt_signing_key"
	configCodeShortJWTSigningKey      = "config.short_jwt_signing_key"
	configCodeMissingJWTIssuer        = "config.missing_jwt_issuer"
	configCodeInvalidAccessTTL        = "config.invalid_access_ttl"
	configCodeInvalidRefreshTTL       = "config.invalid_refresh_ttl"
	configCodeMissingCookieName       = "config.missing_cookie_name"
	configCodeInvalidSameSite         = "config.invalid_cookie_same_site"
	configCodeInsecureSameSiteNone    = "config.insecure_cookie_same_site_none"
	configCodeInvalidStateTTL         = "config.invalid_oauth_state_ttl"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeInvalidStoreBackend     = "config.invalid_store_backend"
	configCodeStoreInit               = "config.store_init"
	configCodeRedisInit               = "config.redis_init"
	configCodeInvalidLoginThrottle    = "config.invalid_login_throttle"
	configCodeUnsupportedProvider     = "config.unsupported_federated_provider"
	configCodeMissingProviderClient   = "config.missing_provider_client"
	configCodeGoogleValidatorInit     = "config.google_validator_init"
	configCodeCORS                    = "config.invalid_cors_allowed_origins"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig reads and validates the token, cookie, and redirect settings.
func LoadServerConfig() (authkit.ServerConfig, error) {
	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}
	if len(jwtSigningKey) < authkit.MinSigningKeyLength {
		return authkit.ServerConfig{}, configError(configCodeShortJWTSigningKey, fmt.Sprintf("jwt_signing_key must be at least %d bytes", authkit.MinSigningKeyLength))
	}

	jwtIssuer := strings.TrimSpace(viper.GetString("jwt_issuer"))
	if jwtIssuer == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingJWTIssuer, "jwt_issuer must be provided")
	}

	accessTTL := viper.GetDuration("access_ttl")
	if accessTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidAccessTTL, "access_ttl must be greater than zero")
	}

	refreshTTL := viper.GetDuration("refresh_ttl")
	if refreshTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must be greater than zero")
	}

	cookieName := strings.TrimSpace(viper.GetString("cookie_name"))
	if cookieName == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingCookieName, "cookie_name must be provided")
	}

	cookieSecure := viper.GetBool("cookie_secure")
	sameSiteMode, sameSiteErr := parseSameSite(viper.GetString("cookie_same_site"))
	if sameSiteErr != nil {
		return authkit.ServerConfig{}, sameSiteErr
	}
	if sameSiteMode == http.SameSiteNoneMode && !cookieSecure {
		return authkit.ServerConfig{}, configError(configCodeInsecureSameSiteNone, "cookie_same_site=none requires cookie_secure")
	}

	stateTTL := viper.GetDuration("oauth_state_ttl")
	if stateTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidStateTTL, "oauth_state_ttl must be greater than zero")
	}

	return authkit.ServerConfig{
		AppJWTSigningKey:        []byte(jwtSigningKey),
		AppJWTIssuer:            jwtIssuer,
		AccessTTL:               accessTTL,
		RefreshTTL:              refreshTTL,
		RefreshCookieName:       cookieName,
		CookieDomain:            viper.GetString("cookie_domain"),
		CookieSecure:            cookieSecure,
		CookieHTTPOnly:          viper.GetBool("cookie_http_only"),
		SameSiteMode:            sameSiteMode,
		FrontendSuccessRedirect: strings.TrimSpace(viper.GetString("frontend_success_redirect")),
		OAuthStateTTL:           stateTTL,
		RevokeFamilyOnReuse:     viper.GetBool("revoke_family_on_reuse"),
		BypassPrefixes:          authkit.DefaultBypassPrefixes,
	}, nil
}

func parseSameSite(value string) (http.SameSite, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "lax":
		return http.SameSiteLaxMode, nil
	case "strict", "":
		return http.SameSiteStrictMode, nil
	case "none":
		return http.SameSiteNoneMode, nil
	default:
		return 0, configError(configCodeInvalidSameSite, fmt.Sprintf("cookie_same_site %q must be lax, strict, or none", value))
	}
}

// listSetting reads a list key that may arrive as repeated flags or as a
// comma separated environment variable.
func listSetting(key string) []string {
	var values []string
	for _, entry := range viper.GetStringSlice(key) {
		for _, part := range strings.Split(entry, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				values = append(values, trimmed)
			}
		}
	}
	return values
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(authkit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	services, assembleErr := assembleServices(commandContext, serverConfig, logger)
	if assembleErr != nil {
		return assembleErr
	}
	defer services.close()

	router, routerErr := buildRouter(serverConfig, services, logger)
	if routerErr != nil {
		return routerErr
	}

	listenAddr := viper.GetString("listen_addr")
	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.String("code", "server.shutdown_failed"), zap.Error(err))
		}
	}()

	logger.Info("listening",
		zap.String("addr", listenAddr),
		zap.String("store", services.store.Driver()),
		zap.Strings("federated_providers", services.providers))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func buildRouter(serverConfig authkit.ServerConfig, services *serviceSet, logger *zap.Logger) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if corsAllowedOrigins := listSetting("cors_allowed_origins"); len(corsAllowedOrigins) > 0 {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return nil, fmt.Errorf("%s: %w", configCodeCORS, corsErr)
		}
		router.Use(corsMiddleware)
	}

	router.Use(authkit.AuthenticationBoundary(authkit.BoundaryConfig{
		Codec:          services.codec,
		Users:          services.store,
		Logger:         logger,
		Metrics:        services.metrics,
		BypassPrefixes: serverConfig.BypassPrefixes,
	}))

	authkit.MountHealthRoute(router, services.store, services.metrics)
	authkit.MountAuthRoutes(router, serverConfig, services.sessions, logger)

	protected := router.Group("/api")
	protected.Use(authkit.RequirePrincipal())
	protected.GET("/me", web.HandleWhoAmI(logger))

	return router, nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
