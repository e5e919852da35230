package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tokenrelay/internal/authkit"
	"go.uber.org/zap"
)

type whoAmIResponse struct {
	UserID    string   `json:"id"`
	Email     string   `json:"email"`
	Name      string   `json:"name"`
	AvatarURL string   `json:"avatarUrl,omitempty"`
	Roles     []string `json:"roles"`
}

// HandleWhoAmI returns the authenticated principal. Mount it behind
// authkit.RequirePrincipal.
func HandleWhoAmI(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		principal, found := authkit.PrincipalFromGin(contextGin)
		if !found {
			logger.Warn("principal missing on protected route",
				zap.String("code", "api.me.missing_principal"),
				zap.String("path", contextGin.Request.URL.Path))
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, authkit.ErrorEnvelope{
				Status:  http.StatusUnauthorized,
				Error:   http.StatusText(http.StatusUnauthorized),
				Message: "Authentication required",
				Path:    contextGin.Request.URL.Path,
			})
			return
		}
		contextGin.JSON(http.StatusOK, whoAmIResponse{
			UserID:    principal.UserID(),
			Email:     principal.Email(),
			Name:      principal.Name(),
			AvatarURL: principal.AvatarURL(),
			Roles:     principal.Authorities(),
		})
	}
}
