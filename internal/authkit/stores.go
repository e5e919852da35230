package authkit

import (
	"context"
	"strings"
	"time"
)

// Origin records how a user account was created.
type Origin string

// OriginLocal marks accounts created through registration.
const OriginLocal Origin = "LOCAL"

// OriginForProvider maps a federated provider id to its account origin.
func OriginForProvider(providerID string) Origin {
	return Origin(strings.ToUpper(strings.TrimSpace(providerID)))
}

// DefaultRole is granted to every newly created account.
const DefaultRole = "ROLE_USER"

// User is the stored identity record. PasswordHash never leaves the core.
type User struct {
	ID                string
	Email             string
	PasswordHash      string
	DisplayName       string
	AvatarURL         string
	Enabled           bool
	Origin            Origin
	ProviderSubjectID string
	Roles             []string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// RefreshToken is the server-side record of an issued refresh credential.
type RefreshToken struct {
	TokenID    string
	UserID     string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	Revoked    bool
	ReplacedBy string
}

// UserStore persists and retrieves application users.
type UserStore interface {
	CreateUser(ctx context.Context, user User) (User, error)
	FindUserByID(ctx context.Context, userID string) (User, error)
	FindUserByEmail(ctx context.Context, email string) (User, error)
	SetUserEnabled(ctx context.Context, userID string, enabled bool) error
}

// RefreshTokenStore persists refresh token records. Only ids and metadata are stored.
type RefreshTokenStore interface {
	InsertRefreshToken(ctx context.Context, record RefreshToken) error
	FindRefreshToken(ctx context.Context, tokenID string) (RefreshToken, error)
	// RotateRefreshToken revokes previousTokenID, links it to successor, and inserts
	// successor in one atomic step. It fails with ErrRefreshTokenConflict unless the
	// previous record is unrevoked and unexpired at now.
	RotateRefreshToken(ctx context.Context, previousTokenID string, successor RefreshToken, now time.Time) error
	// RevokeRefreshToken reports whether the record changed from live to revoked.
	RevokeRefreshToken(ctx context.Context, tokenID string) (bool, error)
	RevokeUserRefreshTokens(ctx context.Context, userID string) (int64, error)
	PurgeExpiredRefreshTokens(ctx context.Context, before time.Time) (int64, error)
}

// CredentialStore is the combined persistence layer used by the service.
type CredentialStore interface {
	UserStore
	RefreshTokenStore
	Driver() string
}

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
