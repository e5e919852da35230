package authkit

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

func writeRefreshCookie(contextGin *gin.Context, configuration ServerConfig, refreshToken string) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     configuration.RefreshCookieName,
		Value:    refreshToken,
		Path:     "/",
		Domain:   configuration.CookieDomain,
		MaxAge:   int(configuration.RefreshTTL.Seconds()),
		Secure:   configuration.CookieSecure,
		HttpOnly: configuration.CookieHTTPOnly,
		SameSite: configuration.SameSiteMode,
	})
	writeNoStoreHeaders(contextGin)
}

// clearRefreshCookie emits Max-Age=0 with the same attributes as the live cookie.
func clearRefreshCookie(contextGin *gin.Context, configuration ServerConfig) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     configuration.RefreshCookieName,
		Value:    "",
		Path:     "/",
		Domain:   configuration.CookieDomain,
		MaxAge:   -1,
		Secure:   configuration.CookieSecure,
		HttpOnly: configuration.CookieHTTPOnly,
		SameSite: configuration.SameSiteMode,
	})
	writeNoStoreHeaders(contextGin)
}

func writeNoStoreHeaders(contextGin *gin.Context) {
	contextGin.Header("Cache-Control", "no-store, no-cache, must-revalidate")
	contextGin.Header("Pragma", "no-cache")
	contextGin.Header("Expires", "0")
}

// extractRefreshToken locates a refresh token by priority: cookie, JSON body
// field, X-Refresh-Token header, then an Authorization bearer value that
// parses as a refresh token.
func extractRefreshToken(contextGin *gin.Context, configuration ServerConfig, codec *TokenCodec, bodyToken string) string {
	if refreshCookie, cookieErr := contextGin.Request.Cookie(configuration.RefreshCookieName); cookieErr == nil && refreshCookie != nil {
		if value := strings.TrimSpace(refreshCookie.Value); value != "" {
			return value
		}
	}
	if value := strings.TrimSpace(bodyToken); value != "" {
		return value
	}
	if value := strings.TrimSpace(contextGin.GetHeader(RefreshTokenHeader)); value != "" {
		return value
	}
	bearerToken := extractBearerToken(contextGin.GetHeader("Authorization"))
	if bearerToken == "" {
		return ""
	}
	if isRefresh, parseErr := codec.IsRefreshToken(bearerToken); parseErr == nil && isRefresh {
		return bearerToken
	}
	return ""
}
