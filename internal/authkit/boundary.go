package authkit

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const bearerPrefix = "bearer "

// BoundaryConfig wires the authentication boundary.
type BoundaryConfig struct {
	Codec          *TokenCodec
	Users          UserStore
	Logger         *zap.Logger
	Metrics        MetricsRecorder
	BypassPrefixes []string
}

// AuthenticationBoundary converts an access token from the Authorization
// header into a Principal. It never aborts: requests it cannot authenticate
// continue without a principal and with an advisory reason attached.
func AuthenticationBoundary(configuration BoundaryConfig) gin.HandlerFunc {
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := configuration.Metrics
	if metrics == nil {
		metrics = NewCounterMetrics()
	}
	bypassPrefixes := configuration.BypassPrefixes
	if bypassPrefixes == nil {
		bypassPrefixes = DefaultBypassPrefixes
	}
	return func(contextGin *gin.Context) {
		if isBypassedPath(contextGin.Request.URL.Path, bypassPrefixes) {
			contextGin.Next()
			return
		}
		if _, established := PrincipalFromGin(contextGin); established {
			contextGin.Next()
			return
		}
		principal, reason, ok := resolvePrincipal(contextGin, configuration, logger)
		if ok {
			attachPrincipal(contextGin, principal)
			metrics.Increment(metricBoundaryAccepted)
		} else if reason != "" {
			contextGin.Set(authFailureReasonKey, reason)
			metrics.Increment(metricBoundaryDeclined)
		}
		contextGin.Next()
	}
}

// RequirePrincipal aborts with 401 unless the boundary attached a principal.
func RequirePrincipal() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		if _, ok := PrincipalFromGin(contextGin); ok {
			contextGin.Next()
			return
		}
		message := AuthFailureReason(contextGin)
		if message == "" {
			message = "Authentication required"
		}
		abortWithEnvelope(contextGin, http.StatusUnauthorized, message)
	}
}

func resolvePrincipal(contextGin *gin.Context, configuration BoundaryConfig, logger *zap.Logger) (principal Principal, reason string, ok bool) {
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Error("authentication boundary recovered from panic",
				zap.String("code", "auth.boundary.panic"),
				zap.Any("panic", recovered))
			principal, reason, ok = Principal{}, ReasonTokenInvalid, false
		}
	}()

	bearerToken := extractBearerToken(contextGin.GetHeader("Authorization"))
	if bearerToken == "" {
		return Principal{}, "", false
	}
	claims, parseErr := configuration.Codec.Parse(bearerToken)
	if parseErr != nil {
		if errors.Is(parseErr, ErrTokenExpired) {
			logger.Debug("access token expired", zap.String("code", "auth.boundary.token_expired"))
			return Principal{}, ReasonTokenExpired, false
		}
		logger.Debug("access token invalid", zap.String("code", "auth.boundary.token_invalid"))
		return Principal{}, ReasonTokenInvalid, false
	}
	if TypeOf(claims) != TokenKindAccess {
		logger.Debug("non-access token presented as bearer", zap.String("code", "auth.boundary.wrong_type"))
		return Principal{}, ReasonTokenInvalid, false
	}
	user, userErr := configuration.Users.FindUserByID(contextGin.Request.Context(), claims.Subject)
	if userErr != nil {
		if !errors.Is(userErr, ErrUserNotFound) {
			logger.Warn("failed to resolve access token subject",
				zap.String("code", "auth.boundary.lookup_failed"),
				zap.Error(userErr))
		}
		return Principal{}, ReasonTokenInvalid, false
	}
	if !user.Enabled {
		logger.Debug("disabled user presented access token",
			zap.String("code", "auth.boundary.account_disabled"),
			zap.String("user_id", user.ID))
		return Principal{}, ReasonTokenInvalid, false
	}
	return NewPrincipal(user), "", true
}

func extractBearerToken(headerValue string) string {
	trimmed := strings.TrimSpace(headerValue)
	if len(trimmed) <= len(bearerPrefix) || !strings.EqualFold(trimmed[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(trimmed[len(bearerPrefix):])
}

func isBypassedPath(requestPath string, bypassPrefixes []string) bool {
	for _, prefix := range bypassPrefixes {
		if prefix != "" && strings.HasPrefix(requestPath, prefix) {
			return true
		}
	}
	return false
}
