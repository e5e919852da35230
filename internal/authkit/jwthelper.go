package authkit

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// MinSigningKeyLength is the minimum HMAC key size in bytes (256 bits).
const MinSigningKeyLength = 32

// TokenKind discriminates access tokens from refresh tokens.
type TokenKind string

const (
	TokenKindAccess  TokenKind = "access"
	TokenKindRefresh TokenKind = "refresh"
)

var (
	errSigningKeyTooShort = errors.New("jwt.config.signing_key_too_short")
	errMissingIssuer      = errors.New("jwt.config.missing_issuer")
	errInvalidTTL         = errors.New("jwt.config.invalid_ttl")
)

// TokenClaims are carried by every token minted by the codec.
type TokenClaims struct {
	TokenType TokenKind `json:"typ"`
	Email     string    `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// ExtraClaims are caller-supplied claims. Refresh tokens require TokenID.
type ExtraClaims struct {
	TokenID string
	Email   string
}

// MintedToken is a signed token with its expiry.
type MintedToken struct {
	Value     string
	ExpiresAt time.Time
}

// TokenCodec signs and parses access and refresh tokens with one HS256 key.
type TokenCodec struct {
	signingKey []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	clock      Clock
}

// NewTokenCodec validates key material and TTLs and returns a codec.
func NewTokenCodec(signingKey []byte, issuer string, accessTTL time.Duration, refreshTTL time.Duration, clock Clock) (*TokenCodec, error) {
	if len(signingKey) < MinSigningKeyLength {
		return nil, fmt.Errorf("jwt.new_codec: %w", errSigningKeyTooShort)
	}
	if strings.TrimSpace(issuer) == "" {
		return nil, fmt.Errorf("jwt.new_codec: %w", errMissingIssuer)
	}
	if accessTTL <= 0 || refreshTTL <= 0 {
		return nil, fmt.Errorf("jwt.new_codec: %w", errInvalidTTL)
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	keyCopy := make([]byte, len(signingKey))
	copy(keyCopy, signingKey)
	return &TokenCodec{
		signingKey: keyCopy,
		issuer:     issuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		clock:      clock,
	}, nil
}

// AccessTTL returns the configured access token lifetime.
func (codec *TokenCodec) AccessTTL() time.Duration {
	return codec.accessTTL
}

// RefreshTTL returns the configured refresh token lifetime.
func (codec *TokenCodec) RefreshTTL() time.Duration {
	return codec.refreshTTL
}

// Mint signs a token of the given kind for subject.
func (codec *TokenCodec) Mint(kind TokenKind, subject string, extra ExtraClaims) (MintedToken, error) {
	if strings.TrimSpace(subject) == "" {
		return MintedToken{}, errors.New("jwt.mint.failure: subject must be non-empty")
	}
	issuedAt := codec.clock.Now().UTC()
	claims := TokenClaims{
		TokenType: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   codec.issuer,
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(issuedAt),
		},
	}
	var ttl time.Duration
	switch kind {
	case TokenKindAccess:
		ttl = codec.accessTTL
		claims.Email = extra.Email
		claims.ID = extra.TokenID
		if claims.ID == "" {
			claims.ID = uuid.NewString()
		}
	case TokenKindRefresh:
		if strings.TrimSpace(extra.TokenID) == "" {
			return MintedToken{}, errors.New("jwt.mint.failure: refresh token requires a token id")
		}
		ttl = codec.refreshTTL
		claims.ID = extra.TokenID
	default:
		return MintedToken{}, fmt.Errorf("jwt.mint.failure: unknown token kind %q", kind)
	}
	expiresAt := issuedAt.Add(ttl)
	claims.ExpiresAt = jwt.NewNumericDate(expiresAt)

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(codec.signingKey)
	if err != nil {
		return MintedToken{}, fmt.Errorf("jwt.mint.failure: %w", err)
	}
	return MintedToken{Value: signed, ExpiresAt: expiresAt}, nil
}

// MintAccess signs an access token carrying the user's email.
func (codec *TokenCodec) MintAccess(user User) (MintedToken, error) {
	return codec.Mint(TokenKindAccess, user.ID, ExtraClaims{Email: user.Email})
}

// MintRefresh signs a refresh token bound to a stored record id.
func (codec *TokenCodec) MintRefresh(user User, tokenID string) (MintedToken, error) {
	return codec.Mint(TokenKindRefresh, user.ID, ExtraClaims{TokenID: tokenID})
}

// Parse verifies signature, issuer, and expiry. It returns ErrTokenExpired for
// correctly signed tokens past expiry and ErrTokenInvalid for everything else.
func (codec *TokenCodec) Parse(tokenString string) (*TokenClaims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("jwt.parse: %w", ErrTokenInvalid)
	}
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(parsed *jwt.Token) (interface{}, error) {
		return codec.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(codec.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(codec.clock.Now),
	)
	if parseErr != nil {
		if errors.Is(parseErr, jwt.ErrTokenExpired) && !errors.Is(parseErr, jwt.ErrTokenInvalidIssuer) {
			return nil, fmt.Errorf("jwt.parse: %w", ErrTokenExpired)
		}
		return nil, fmt.Errorf("jwt.parse: %w", ErrTokenInvalid)
	}
	if parsedToken == nil || !parsedToken.Valid {
		return nil, fmt.Errorf("jwt.parse: %w", ErrTokenInvalid)
	}
	claims, ok := parsedToken.Claims.(*TokenClaims)
	if !ok || strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("jwt.parse: %w", ErrTokenInvalid)
	}
	if claims.TokenType != TokenKindAccess && claims.TokenType != TokenKindRefresh {
		return nil, fmt.Errorf("jwt.parse: %w", ErrTokenInvalid)
	}
	return claims, nil
}

// TypeOf returns the kind discriminator of parsed claims.
func TypeOf(claims *TokenClaims) TokenKind {
	if claims == nil {
		return ""
	}
	return claims.TokenType
}

// IsAccessToken parses tokenString and reports whether it is an access token.
func (codec *TokenCodec) IsAccessToken(tokenString string) (bool, error) {
	claims, err := codec.Parse(tokenString)
	if err != nil {
		return false, err
	}
	return TypeOf(claims) == TokenKindAccess, nil
}

// IsRefreshToken parses tokenString and reports whether it is a refresh token.
func (codec *TokenCodec) IsRefreshToken(tokenString string) (bool, error) {
	claims, err := codec.Parse(tokenString)
	if err != nil {
		return false, err
	}
	return TypeOf(claims) == TokenKindRefresh, nil
}
