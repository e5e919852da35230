package authkit

import (
	"context"

	"github.com/gin-gonic/gin"
)

const (
	principalContextKey  = "auth_principal"
	authFailureReasonKey = "auth_failure_reason"
)

// Reasons recorded on a request whose bearer token could not be accepted.
const (
	ReasonTokenExpired = "Token Expired"
	ReasonTokenInvalid = "Invalid Token"
)

type principalKey struct{}

// Principal is the authenticated identity attached to a request. It is built
// once by the boundary and never mutated afterwards.
type Principal struct {
	userID      string
	email       string
	name        string
	avatarURL   string
	authorities []string
}

// NewPrincipal derives a principal from a stored user; roles become authorities.
func NewPrincipal(user User) Principal {
	return Principal{
		userID:      user.ID,
		email:       user.Email,
		name:        user.DisplayName,
		avatarURL:   user.AvatarURL,
		authorities: cloneRoles(user.Roles),
	}
}

func (principal Principal) UserID() string    { return principal.userID }
func (principal Principal) Email() string     { return principal.email }
func (principal Principal) Name() string      { return principal.name }
func (principal Principal) AvatarURL() string { return principal.avatarURL }

// Authorities returns a copy of the granted authorities.
func (principal Principal) Authorities() []string {
	return cloneRoles(principal.authorities)
}

// HasAuthority reports whether the principal carries the named authority.
func (principal Principal) HasAuthority(authority string) bool {
	for _, granted := range principal.authorities {
		if granted == authority {
			return true
		}
	}
	return false
}

// WithPrincipal returns a child context carrying principal.
func WithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

// PrincipalFromContext returns the principal stored on ctx, if any.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	principal, ok := ctx.Value(principalKey{}).(Principal)
	return principal, ok
}

// PrincipalFromGin returns the principal attached by the boundary, if any.
func PrincipalFromGin(contextGin *gin.Context) (Principal, bool) {
	value, exists := contextGin.Get(principalContextKey)
	if !exists {
		return PrincipalFromContext(contextGin.Request.Context())
	}
	principal, ok := value.(Principal)
	return principal, ok
}

// AuthFailureReason returns the advisory reason recorded when a bearer token was declined.
func AuthFailureReason(contextGin *gin.Context) string {
	return contextGin.GetString(authFailureReasonKey)
}

func attachPrincipal(contextGin *gin.Context, principal Principal) {
	contextGin.Set(principalContextKey, principal)
	contextGin.Request = contextGin.Request.WithContext(WithPrincipal(contextGin.Request.Context(), principal))
}

// clearPrincipal drops any principal from the request context; gin keys are
// reset with the request so only the request context needs clearing.
func clearPrincipal(contextGin *gin.Context) {
	if _, ok := PrincipalFromContext(contextGin.Request.Context()); ok {
		contextGin.Request = contextGin.Request.WithContext(context.WithValue(contextGin.Request.Context(), principalKey{}, nil))
	}
	if _, exists := contextGin.Get(principalContextKey); exists {
		delete(contextGin.Keys, principalContextKey)
	}
}
