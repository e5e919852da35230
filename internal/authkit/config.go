package authkit

import (
	"net/http"
	"time"
)

// RefreshTokenHeader carries a refresh token for clients that cannot use cookies.
const RefreshTokenHeader = "X-Refresh-Token"

// ServerConfig configures token signing, TTLs, cookies, and the federated-login redirect.
type ServerConfig struct {
	AppJWTSigningKey []byte
	AppJWTIssuer     string
	AccessTTL        time.Duration
	RefreshTTL       time.Duration

	RefreshCookieName string
	CookieDomain      string
	CookieSecure      bool
	CookieHTTPOnly    bool
	SameSiteMode      http.SameSite

	FrontendSuccessRedirect string
	OAuthStateTTL           time.Duration

	// RevokeFamilyOnReuse revokes every live refresh token of a user when an
	// already-redeemed refresh token is presented again.
	RevokeFamilyOnReuse bool

	// BypassPrefixes lists request path prefixes the authentication boundary ignores.
	BypassPrefixes []string
}

// DefaultBypassPrefixes are the identity-provider, public auth, and health paths.
var DefaultBypassPrefixes = []string{
	"/oauth2/",
	"/login/oauth2/",
	"/auth/",
	"/healthz",
	"/error",
}
