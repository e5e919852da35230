package authkit

import "errors"

var (
	// ErrCredentialsInvalid indicates a failed email/password login.
	ErrCredentialsInvalid = errors.New("auth.credentials_invalid")
	// ErrAccountDisabled indicates the resolved user is not allowed to receive tokens.
	ErrAccountDisabled = errors.New("auth.account_disabled")
	// ErrTokenInvalid indicates a bad signature, malformed structure, or wrong token type.
	ErrTokenInvalid = errors.New("token.invalid")
	// ErrTokenExpired indicates a correctly signed token past its expiry.
	ErrTokenExpired = errors.New("token.expired")
	// ErrTokenUnrecognized indicates no stored refresh record matches the token id.
	ErrTokenUnrecognized = errors.New("refresh.unrecognized")
	// ErrTokenRejected indicates the stored refresh record is revoked or expired.
	ErrTokenRejected = errors.New("refresh.rejected")
	// ErrTokenMismatch indicates the stored refresh record belongs to another user.
	ErrTokenMismatch = errors.New("refresh.owner_mismatch")
	// ErrCredentialMissing indicates no refresh token was found on any channel.
	ErrCredentialMissing = errors.New("refresh.missing")
	// ErrUnsupportedProvider indicates a federated provider outside the configured set.
	ErrUnsupportedProvider = errors.New("federated.unsupported_provider")
	// ErrFederatedStateInvalid indicates a missing, expired, or foreign OAuth state value.
	ErrFederatedStateInvalid = errors.New("federated.invalid_state")
	// ErrEmailTaken indicates registration with an email that already exists.
	ErrEmailTaken = errors.New("user.email_taken")
	// ErrLoginThrottled indicates too many recent login attempts for an email.
	ErrLoginThrottled = errors.New("auth.login_throttled")
	// ErrRegistrationInvalid indicates a registration request without email or password.
	ErrRegistrationInvalid = errors.New("user.registration_invalid")
	// ErrPasswordTooLong indicates a password beyond bcrypt's 72-byte input limit.
	ErrPasswordTooLong = errors.New("user.password_too_long")
	// ErrFederatedLoginFailed indicates the provider code exchange or profile fetch failed.
	ErrFederatedLoginFailed = errors.New("federated.login_failed")
)

var (
	// ErrUserNotFound indicates no user matched the lookup key.
	ErrUserNotFound = errors.New("user_store.not_found")
	// ErrRefreshTokenNotFound indicates no refresh record matched the token id.
	ErrRefreshTokenNotFound = errors.New("refresh_store.not_found")
	// ErrRefreshTokenConflict indicates a conditional rotation lost to a concurrent writer
	// or found the record already revoked or expired.
	ErrRefreshTokenConflict = errors.New("refresh_store.conflict")
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("store.unsupported_dialect")
)

var errMissingFrontendRedirect = errors.New("federated.missing_frontend_redirect")
