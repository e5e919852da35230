package authkit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// TokenPair is a freshly minted access token and refresh token.
type TokenPair struct {
	Access         MintedToken
	Refresh        MintedToken
	RefreshTokenID string
}

// IssuedSession is the result of issuing or rotating a session.
type IssuedSession struct {
	Tokens TokenPair
	User   User
}

// RotationEngineConfig wires the rotation engine.
type RotationEngineConfig struct {
	Store               CredentialStore
	Codec               *TokenCodec
	Clock               Clock
	Logger              *zap.Logger
	Metrics             MetricsRecorder
	RevokeFamilyOnReuse bool
}

// RotationEngine governs the refresh token life cycle: issue, single-use
// redemption, and revocation.
type RotationEngine struct {
	store               CredentialStore
	codec               *TokenCodec
	clock               Clock
	logger              *zap.Logger
	metrics             MetricsRecorder
	revokeFamilyOnReuse bool
}

// NewRotationEngine constructs an engine; Store and Codec are required.
func NewRotationEngine(configuration RotationEngineConfig) (*RotationEngine, error) {
	if configuration.Store == nil {
		return nil, errors.New("refresh.engine: store is required")
	}
	if configuration.Codec == nil {
		return nil, errors.New("refresh.engine: codec is required")
	}
	engine := &RotationEngine{
		store:               configuration.Store,
		codec:               configuration.Codec,
		clock:               configuration.Clock,
		logger:              configuration.Logger,
		metrics:             configuration.Metrics,
		revokeFamilyOnReuse: configuration.RevokeFamilyOnReuse,
	}
	if engine.clock == nil {
		engine.clock = NewSystemClock()
	}
	if engine.logger == nil {
		engine.logger = zap.NewNop()
	}
	if engine.metrics == nil {
		engine.metrics = NewCounterMetrics()
	}
	return engine, nil
}

// Issue stores a new refresh record for user and mints a token pair.
func (engine *RotationEngine) Issue(ctx context.Context, user User) (IssuedSession, error) {
	if !user.Enabled {
		return IssuedSession{}, fmt.Errorf("refresh.issue: %w", ErrAccountDisabled)
	}
	now := engine.now()
	tokenID, idErr := newRefreshTokenID()
	if idErr != nil {
		return IssuedSession{}, fmt.Errorf("refresh.issue: %w", idErr)
	}
	record := RefreshToken{
		TokenID:   tokenID,
		UserID:    user.ID,
		IssuedAt:  now,
		ExpiresAt: now.Add(engine.codec.RefreshTTL()),
	}
	if insertErr := engine.store.InsertRefreshToken(ctx, record); insertErr != nil {
		return IssuedSession{}, fmt.Errorf("refresh.issue: %w", insertErr)
	}
	pair, mintErr := engine.mintPair(user, tokenID)
	if mintErr != nil {
		return IssuedSession{}, fmt.Errorf("refresh.issue: %w", mintErr)
	}
	engine.metrics.Increment(metricRefreshIssued)
	return IssuedSession{Tokens: pair, User: user}, nil
}

// Redeem exchanges a live refresh token for a new pair and permanently
// invalidates the presented one.
func (engine *RotationEngine) Redeem(ctx context.Context, presentedToken string) (IssuedSession, error) {
	claims, parseErr := engine.codec.Parse(presentedToken)
	if parseErr != nil {
		engine.metrics.Increment(metricRefreshRejected)
		return IssuedSession{}, fmt.Errorf("refresh.redeem: %w", parseErr)
	}
	if TypeOf(claims) != TokenKindRefresh || claims.ID == "" {
		engine.metrics.Increment(metricRefreshRejected)
		return IssuedSession{}, fmt.Errorf("refresh.redeem: %w", ErrTokenInvalid)
	}
	tokenID := claims.ID
	subject := claims.Subject

	stored, findErr := engine.store.FindRefreshToken(ctx, tokenID)
	if findErr != nil {
		if errors.Is(findErr, ErrRefreshTokenNotFound) {
			engine.metrics.Increment(metricRefreshUnrecognized)
			engine.logger.Warn("refresh token not recognized",
				zap.String("code", "auth.refresh.unrecognized"),
				zap.String("subject", subject))
			return IssuedSession{}, fmt.Errorf("refresh.redeem: %w", ErrTokenUnrecognized)
		}
		return IssuedSession{}, fmt.Errorf("refresh.redeem: %w", findErr)
	}

	now := engine.now()
	if stored.Revoked {
		engine.handleRevokedPresentation(ctx, stored)
		return IssuedSession{}, fmt.Errorf("refresh.redeem: %w", ErrTokenRejected)
	}
	if !stored.ExpiresAt.After(now) {
		if _, revokeErr := engine.store.RevokeRefreshToken(ctx, stored.TokenID); revokeErr != nil {
			engine.logger.Warn("failed to revoke expired refresh token",
				zap.String("code", "auth.refresh.expire_revoke_failed"),
				zap.Error(revokeErr))
		}
		engine.metrics.Increment(metricRefreshRejected)
		return IssuedSession{}, fmt.Errorf("refresh.redeem: %w", ErrTokenRejected)
	}
	if stored.UserID != subject {
		engine.metrics.Increment(metricRefreshMismatch)
		engine.logger.Warn("refresh token owner mismatch",
			zap.String("code", "auth.refresh.owner_mismatch"),
			zap.String("subject", subject),
			zap.String("owner", stored.UserID))
		return IssuedSession{}, fmt.Errorf("refresh.redeem: %w", ErrTokenMismatch)
	}

	user, userErr := engine.store.FindUserByID(ctx, stored.UserID)
	if userErr != nil {
		if errors.Is(userErr, ErrUserNotFound) {
			return IssuedSession{}, fmt.Errorf("refresh.redeem: %w", ErrTokenUnrecognized)
		}
		return IssuedSession{}, fmt.Errorf("refresh.redeem: %w", userErr)
	}
	if !user.Enabled {
		engine.metrics.Increment(metricRefreshRejected)
		return IssuedSession{}, fmt.Errorf("refresh.redeem: %w", ErrAccountDisabled)
	}

	successorID, idErr := newRefreshTokenID()
	if idErr != nil {
		return IssuedSession{}, fmt.Errorf("refresh.redeem: %w", idErr)
	}
	successor := RefreshToken{
		TokenID:   successorID,
		UserID:    user.ID,
		IssuedAt:  now,
		ExpiresAt: now.Add(engine.codec.RefreshTTL()),
	}
	if rotateErr := engine.store.RotateRefreshToken(ctx, stored.TokenID, successor, now); rotateErr != nil {
		switch {
		case errors.Is(rotateErr, ErrRefreshTokenConflict):
			engine.metrics.Increment(metricRefreshRejected)
			engine.logger.Warn("refresh token redeemed concurrently",
				zap.String("code", "auth.refresh.conflict"),
				zap.String("user_id", user.ID))
			return IssuedSession{}, fmt.Errorf("refresh.redeem: %w", ErrTokenRejected)
		case errors.Is(rotateErr, ErrRefreshTokenNotFound):
			return IssuedSession{}, fmt.Errorf("refresh.redeem: %w", ErrTokenUnrecognized)
		default:
			return IssuedSession{}, fmt.Errorf("refresh.redeem: %w", rotateErr)
		}
	}

	pair, mintErr := engine.mintPair(user, successorID)
	if mintErr != nil {
		return IssuedSession{}, fmt.Errorf("refresh.redeem: %w", mintErr)
	}
	engine.metrics.Increment(metricRefreshRotated)
	return IssuedSession{Tokens: pair, User: user}, nil
}

// Revoke marks tokenID revoked. Unknown and already-revoked ids are not errors.
func (engine *RotationEngine) Revoke(ctx context.Context, tokenID string) error {
	if tokenID == "" {
		return nil
	}
	changed, err := engine.store.RevokeRefreshToken(ctx, tokenID)
	if err != nil {
		if errors.Is(err, ErrRefreshTokenNotFound) {
			return nil
		}
		return fmt.Errorf("refresh.revoke: %w", err)
	}
	if changed {
		engine.metrics.Increment(metricRefreshRevoked)
	}
	return nil
}

func (engine *RotationEngine) handleRevokedPresentation(ctx context.Context, stored RefreshToken) {
	engine.metrics.Increment(metricRefreshRejected)
	if stored.ReplacedBy == "" {
		return
	}
	engine.metrics.Increment(metricRefreshReplay)
	engine.logger.Warn("redeemed refresh token presented again",
		zap.String("code", "auth.refresh.replay"),
		zap.String("user_id", stored.UserID),
		zap.Bool("revoke_family", engine.revokeFamilyOnReuse))
	if !engine.revokeFamilyOnReuse {
		return
	}
	revokedCount, revokeErr := engine.store.RevokeUserRefreshTokens(ctx, stored.UserID)
	if revokeErr != nil {
		engine.logger.Error("failed to revoke refresh token family",
			zap.String("code", "auth.refresh.family_revoke_failed"),
			zap.String("user_id", stored.UserID),
			zap.Error(revokeErr))
		return
	}
	engine.logger.Info("revoked refresh token family",
		zap.String("code", "auth.refresh.family_revoked"),
		zap.String("user_id", stored.UserID),
		zap.Int64("revoked", revokedCount))
}

func (engine *RotationEngine) mintPair(user User, refreshTokenID string) (TokenPair, error) {
	access, accessErr := engine.codec.MintAccess(user)
	if accessErr != nil {
		return TokenPair{}, accessErr
	}
	refresh, refreshErr := engine.codec.MintRefresh(user, refreshTokenID)
	if refreshErr != nil {
		return TokenPair{}, refreshErr
	}
	return TokenPair{Access: access, Refresh: refresh, RefreshTokenID: refreshTokenID}, nil
}

func (engine *RotationEngine) now() time.Time {
	return engine.clock.Now().UTC().Truncate(time.Second)
}
