package authkit

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type sessionResponse struct {
	AccessToken      string      `json:"accessToken"`
	RefreshToken     string      `json:"refreshToken"`
	TokenType        string      `json:"tokenType"`
	AccessTTLSeconds int64       `json:"accessTtlSeconds"`
	User             UserProfile `json:"user"`
}

type healthResponse struct {
	Status   string           `json:"status"`
	Store    string           `json:"store"`
	Counters map[string]int64 `json:"counters"`
}

// MountAuthRoutes registers registration, login, refresh, logout, and the
// federated login start and callback endpoints.
func MountAuthRoutes(router gin.IRouter, configuration ServerConfig, service *SessionService, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}

	router.POST("/auth/register", func(contextGin *gin.Context) {
		var inbound struct {
			Email    string `json:"email"`
			Password string `json:"password"`
			Name     string `json:"name"`
		}
		if bindErr := contextGin.ShouldBindJSON(&inbound); bindErr != nil {
			abortWithEnvelope(contextGin, http.StatusBadRequest, "Invalid request body")
			return
		}
		created, registerErr := service.Register(contextGin.Request.Context(), RegistrationRequest{
			Email:    inbound.Email,
			Password: inbound.Password,
			Name:     inbound.Name,
		})
		if registerErr != nil {
			logRequestFailure(logger, "auth.register.failed", contextGin, registerErr)
			respondWithError(contextGin, registerErr)
			return
		}
		contextGin.JSON(http.StatusCreated, NewUserProfile(created))
	})

	router.POST("/auth/login", func(contextGin *gin.Context) {
		var inbound struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if bindErr := contextGin.ShouldBindJSON(&inbound); bindErr != nil {
			abortWithEnvelope(contextGin, http.StatusBadRequest, "Invalid request body")
			return
		}
		issued, loginErr := service.Login(contextGin.Request.Context(), inbound.Email, inbound.Password)
		if loginErr != nil {
			logRequestFailure(logger, "auth.login.failed", contextGin, loginErr)
			respondWithError(contextGin, loginErr)
			return
		}
		writeSessionResponse(contextGin, configuration, issued)
	})

	router.POST("/auth/refresh", func(contextGin *gin.Context) {
		presentedToken := extractRefreshToken(contextGin, configuration, service.Codec(), readBodyRefreshToken(contextGin))
		issued, refreshErr := service.Refresh(contextGin.Request.Context(), presentedToken)
		if refreshErr != nil {
			logRequestFailure(logger, "auth.refresh.failed", contextGin, refreshErr)
			respondWithError(contextGin, refreshErr)
			return
		}
		writeSessionResponse(contextGin, configuration, issued)
	})

	router.POST("/auth/logout", func(contextGin *gin.Context) {
		presentedToken := extractRefreshToken(contextGin, configuration, service.Codec(), readBodyRefreshToken(contextGin))
		service.Logout(contextGin.Request.Context(), presentedToken)
		clearRefreshCookie(contextGin, configuration)
		clearPrincipal(contextGin)
		contextGin.Status(http.StatusNoContent)
	})

	router.GET("/oauth2/authorization/:provider", func(contextGin *gin.Context) {
		consentURL, startErr := service.StartFederatedLogin(contextGin.Request.Context(), contextGin.Param("provider"))
		if startErr != nil {
			logRequestFailure(logger, "auth.federated.start_failed", contextGin, startErr)
			respondWithError(contextGin, startErr)
			return
		}
		writeNoStoreHeaders(contextGin)
		contextGin.Redirect(http.StatusFound, consentURL)
	})

	router.GET("/login/oauth2/code/:provider", func(contextGin *gin.Context) {
		providerID := contextGin.Param("provider")
		if providerError := contextGin.Query("error"); providerError != "" {
			logger.Info("identity provider returned an error",
				zap.String("code", "auth.federated.provider_error"),
				zap.String("provider", providerID),
				zap.String("provider_error", providerError))
			respondWithError(contextGin, ErrFederatedLoginFailed)
			return
		}
		issued, finishErr := service.FinishFederatedLogin(contextGin.Request.Context(), providerID, contextGin.Query("state"), contextGin.Query("code"))
		if finishErr != nil {
			logRequestFailure(logger, "auth.federated.callback_failed", contextGin, finishErr)
			respondWithError(contextGin, finishErr)
			return
		}
		writeRefreshCookie(contextGin, configuration, issued.Tokens.Refresh.Value)
		contextGin.Header("Authorization", "Bearer "+issued.Tokens.Access.Value)
		redirectTarget, redirectErr := buildFrontendRedirect(configuration.FrontendSuccessRedirect, issued.Tokens.Access.Value)
		if redirectErr != nil {
			logger.Warn("frontend redirect unavailable; returning tokens as JSON",
				zap.String("code", "auth.federated.redirect_unavailable"),
				zap.Error(redirectErr))
			contextGin.JSON(http.StatusOK, newSessionResponse(configuration, issued))
			return
		}
		contextGin.Redirect(http.StatusFound, redirectTarget)
	})
}

// MountHealthRoute registers /healthz reporting the store driver and counters.
func MountHealthRoute(router gin.IRouter, store CredentialStore, metrics *CounterMetrics) {
	router.GET("/healthz", func(contextGin *gin.Context) {
		counters := map[string]int64{}
		if metrics != nil {
			counters = metrics.Snapshot()
		}
		contextGin.JSON(http.StatusOK, healthResponse{Status: "ok", Store: store.Driver(), Counters: counters})
	})
}

func writeSessionResponse(contextGin *gin.Context, configuration ServerConfig, issued IssuedSession) {
	writeRefreshCookie(contextGin, configuration, issued.Tokens.Refresh.Value)
	contextGin.JSON(http.StatusOK, newSessionResponse(configuration, issued))
}

func newSessionResponse(configuration ServerConfig, issued IssuedSession) sessionResponse {
	return sessionResponse{
		AccessToken:      issued.Tokens.Access.Value,
		RefreshToken:     issued.Tokens.Refresh.Value,
		TokenType:        "Bearer",
		AccessTTLSeconds: int64(configuration.AccessTTL.Seconds()),
		User:             NewUserProfile(issued.User),
	}
}

func readBodyRefreshToken(contextGin *gin.Context) string {
	if contextGin.Request.Body == nil || contextGin.Request.ContentLength == 0 {
		return ""
	}
	var inbound struct {
		RefreshToken string `json:"refreshToken"`
	}
	if bindErr := contextGin.ShouldBindJSON(&inbound); bindErr != nil {
		return ""
	}
	return inbound.RefreshToken
}

func buildFrontendRedirect(frontendURL string, accessToken string) (string, error) {
	if strings.TrimSpace(frontendURL) == "" {
		return "", errMissingFrontendRedirect
	}
	parsed, parseErr := url.Parse(frontendURL)
	if parseErr != nil {
		return "", parseErr
	}
	query := parsed.Query()
	query.Set("token", accessToken)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func logRequestFailure(logger *zap.Logger, code string, contextGin *gin.Context, err error) {
	status, _ := StatusForError(err)
	fields := []zap.Field{
		zap.String("code", code),
		zap.String("path", contextGin.Request.URL.Path),
		zap.Int("status", status),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		logger.Error("auth request failed", fields...)
		return
	}
	logger.Info("auth request rejected", fields...)
}
