package authkit

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ErrorEnvelope is the uniform JSON body for failed requests.
type ErrorEnvelope struct {
	Status  int    `json:"status"`
	Error   string `json:"error"`
	Message string `json:"message"`
	Path    string `json:"path"`
}

type errorMapping struct {
	target  error
	status  int
	message string
}

var errorMappings = []errorMapping{
	{target: ErrCredentialsInvalid, status: http.StatusBadRequest, message: "Invalid email or password"},
	{target: ErrAccountDisabled, status: http.StatusBadRequest, message: "Account is disabled"},
	{target: ErrTokenExpired, status: http.StatusBadRequest, message: ReasonTokenExpired},
	{target: ErrTokenInvalid, status: http.StatusBadRequest, message: ReasonTokenInvalid},
	{target: ErrTokenUnrecognized, status: http.StatusBadRequest, message: "Refresh token not recognized"},
	{target: ErrTokenRejected, status: http.StatusBadRequest, message: "Refresh token revoked or expired"},
	{target: ErrTokenMismatch, status: http.StatusBadRequest, message: "Refresh token does not match user"},
	{target: ErrCredentialMissing, status: http.StatusBadRequest, message: "Refresh token is missing"},
	{target: ErrUnsupportedProvider, status: http.StatusBadRequest, message: "Unsupported identity provider"},
	{target: ErrFederatedStateInvalid, status: http.StatusBadRequest, message: "Invalid or expired login state"},
	{target: ErrFederatedLoginFailed, status: http.StatusBadRequest, message: "Identity provider login failed"},
	{target: ErrRegistrationInvalid, status: http.StatusBadRequest, message: "Email and password are required"},
	{target: ErrPasswordTooLong, status: http.StatusBadRequest, message: "Password must be at most 72 bytes"},
	{target: ErrEmailTaken, status: http.StatusConflict, message: "Email is already registered"},
	{target: ErrLoginThrottled, status: http.StatusTooManyRequests, message: "Too many login attempts"},
}

// StatusForError maps a core error to its HTTP status and client message.
// Unknown errors become 500 with a generic message.
func StatusForError(err error) (int, string) {
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.target) {
			return mapping.status, mapping.message
		}
	}
	return http.StatusInternalServerError, "Internal error"
}

func respondWithError(contextGin *gin.Context, err error) {
	status, message := StatusForError(err)
	abortWithEnvelope(contextGin, status, message)
}

func abortWithEnvelope(contextGin *gin.Context, status int, message string) {
	contextGin.AbortWithStatusJSON(status, ErrorEnvelope{
		Status:  status,
		Error:   http.StatusText(status),
		Message: message,
		Path:    contextGin.Request.URL.Path,
	})
}
