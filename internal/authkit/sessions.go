package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// SessionServiceConfig wires the session orchestrator. Throttle, Sources,
// States, and Reconciler are optional; without them the corresponding
// features are disabled.
type SessionServiceConfig struct {
	Engine        *RotationEngine
	Codec         *TokenCodec
	Users         UserStore
	Authenticator Authenticator
	Hasher        PasswordHasher
	Throttle      LoginThrottle
	Reconciler    *IdentityReconciler
	Sources       map[string]ProfileSource
	States        OAuthStateStore
	Logger        *zap.Logger
	Metrics       MetricsRecorder
}

// RegistrationRequest carries the fields accepted by Register.
type RegistrationRequest struct {
	Email    string
	Password string
	Name     string
}

// SessionService coordinates login, refresh, logout, registration, and
// federated login on top of the rotation engine.
type SessionService struct {
	engine        *RotationEngine
	codec         *TokenCodec
	users         UserStore
	authenticator Authenticator
	hasher        PasswordHasher
	throttle      LoginThrottle
	reconciler    *IdentityReconciler
	sources       map[string]ProfileSource
	states        OAuthStateStore
	logger        *zap.Logger
	metrics       MetricsRecorder
}

// NewSessionService validates required collaborators and applies defaults.
func NewSessionService(configuration SessionServiceConfig) (*SessionService, error) {
	if configuration.Engine == nil || configuration.Codec == nil || configuration.Users == nil {
		return nil, errors.New("session_service: engine, codec, and users are required")
	}
	service := &SessionService{
		engine:        configuration.Engine,
		codec:         configuration.Codec,
		users:         configuration.Users,
		authenticator: configuration.Authenticator,
		hasher:        configuration.Hasher,
		throttle:      configuration.Throttle,
		reconciler:    configuration.Reconciler,
		sources:       configuration.Sources,
		states:        configuration.States,
		logger:        configuration.Logger,
		metrics:       configuration.Metrics,
	}
	if service.hasher == nil {
		service.hasher = NewBcryptHasher()
	}
	if service.authenticator == nil {
		service.authenticator = NewStoreAuthenticator(configuration.Users, service.hasher)
	}
	if service.logger == nil {
		service.logger = zap.NewNop()
	}
	if service.metrics == nil {
		service.metrics = NewCounterMetrics()
	}
	if service.sources == nil {
		service.sources = map[string]ProfileSource{}
	}
	if len(service.sources) > 0 && (service.states == nil || service.reconciler == nil) {
		return nil, errors.New("session_service: federated sources need a state store and a reconciler")
	}
	return service, nil
}

// Codec exposes the token codec used for issued tokens.
func (service *SessionService) Codec() *TokenCodec {
	return service.codec
}

// Register creates an enabled local user with the default role.
func (service *SessionService) Register(ctx context.Context, request RegistrationRequest) (User, error) {
	email := NormalizeEmail(request.Email)
	if email == "" || request.Password == "" {
		return User{}, fmt.Errorf("session.register: %w", ErrRegistrationInvalid)
	}
	passwordHash, hashErr := service.hasher.Hash(request.Password)
	if hashErr != nil {
		return User{}, fmt.Errorf("session.register: %w", hashErr)
	}
	created, createErr := service.users.CreateUser(ctx, User{
		Email:        email,
		PasswordHash: passwordHash,
		DisplayName:  strings.TrimSpace(request.Name),
		Enabled:      true,
		Origin:       OriginLocal,
		Roles:        []string{DefaultRole},
	})
	if createErr != nil {
		return User{}, fmt.Errorf("session.register: %w", createErr)
	}
	service.logger.Info("registered user",
		zap.String("code", "auth.register.success"),
		zap.String("user_id", created.ID))
	return created, nil
}

// Login verifies credentials and issues a new session.
func (service *SessionService) Login(ctx context.Context, email string, password string) (IssuedSession, error) {
	if throttleErr := service.registerLoginAttempt(ctx, email); throttleErr != nil {
		return IssuedSession{}, throttleErr
	}
	user, authErr := service.authenticator.Authenticate(ctx, email, password)
	if authErr != nil {
		service.metrics.Increment(metricLoginFailed)
		return IssuedSession{}, fmt.Errorf("session.login: %w", authErr)
	}
	if !user.Enabled {
		service.metrics.Increment(metricLoginFailed)
		return IssuedSession{}, fmt.Errorf("session.login: %w", ErrAccountDisabled)
	}
	issued, issueErr := service.engine.Issue(ctx, user)
	if issueErr != nil {
		return IssuedSession{}, fmt.Errorf("session.login: %w", issueErr)
	}
	if service.throttle != nil {
		if resetErr := service.throttle.Reset(ctx, email); resetErr != nil {
			service.logger.Warn("failed to reset login throttle",
				zap.String("code", "auth.login.throttle_reset_failed"),
				zap.Error(resetErr))
		}
	}
	service.metrics.Increment(metricLoginSucceeded)
	return issued, nil
}

// Refresh redeems a presented refresh token for a new session.
func (service *SessionService) Refresh(ctx context.Context, presentedToken string) (IssuedSession, error) {
	if strings.TrimSpace(presentedToken) == "" {
		return IssuedSession{}, fmt.Errorf("session.refresh: %w", ErrCredentialMissing)
	}
	issued, redeemErr := service.engine.Redeem(ctx, presentedToken)
	if redeemErr != nil {
		return IssuedSession{}, fmt.Errorf("session.refresh: %w", redeemErr)
	}
	return issued, nil
}

// Logout revokes the refresh token if one can be resolved. It never fails.
func (service *SessionService) Logout(ctx context.Context, presentedToken string) {
	service.metrics.Increment(metricLogout)
	if strings.TrimSpace(presentedToken) == "" {
		return
	}
	claims, parseErr := service.codec.Parse(presentedToken)
	if parseErr != nil || TypeOf(claims) != TokenKindRefresh {
		return
	}
	if revokeErr := service.engine.Revoke(ctx, claims.ID); revokeErr != nil {
		service.logger.Warn("failed to revoke refresh token on logout",
			zap.String("code", "auth.logout.revoke_failed"),
			zap.Error(revokeErr))
	}
}

// StartFederatedLogin issues OAuth state and returns the provider consent URL.
func (service *SessionService) StartFederatedLogin(ctx context.Context, providerID string) (string, error) {
	source, ok := service.sources[providerID]
	if !ok {
		return "", fmt.Errorf("session.federated_start.%s: %w", providerID, ErrUnsupportedProvider)
	}
	state, issueErr := service.states.Issue(ctx, providerID)
	if issueErr != nil {
		return "", fmt.Errorf("session.federated_start: %w", issueErr)
	}
	return source.AuthCodeURL(state), nil
}

// FinishFederatedLogin validates the callback state, exchanges the code, and
// completes the login for the resulting provider profile.
func (service *SessionService) FinishFederatedLogin(ctx context.Context, providerID string, stateValue string, code string) (IssuedSession, error) {
	source, ok := service.sources[providerID]
	if !ok {
		return IssuedSession{}, fmt.Errorf("session.federated_finish.%s: %w", providerID, ErrUnsupportedProvider)
	}
	state, consumeErr := service.states.Consume(ctx, stateValue, providerID)
	if consumeErr != nil {
		service.metrics.Increment(metricFederatedFailure)
		return IssuedSession{}, fmt.Errorf("session.federated_finish: %w", consumeErr)
	}
	attributes, fetchErr := source.FetchAttributes(ctx, code, state.CodeVerifier)
	if fetchErr != nil {
		service.metrics.Increment(metricFederatedFailure)
		service.logger.Warn("federated profile fetch failed",
			zap.String("code", "auth.federated.fetch_failed"),
			zap.String("provider", providerID),
			zap.Error(fetchErr))
		return IssuedSession{}, fmt.Errorf("session.federated_finish: %w: %v", ErrFederatedLoginFailed, fetchErr)
	}
	return service.CompleteFederatedLogin(ctx, providerID, attributes)
}

// CompleteFederatedLogin reconciles a provider profile to a local user and issues a session.
func (service *SessionService) CompleteFederatedLogin(ctx context.Context, providerID string, attributes map[string]any) (IssuedSession, error) {
	if service.reconciler == nil {
		return IssuedSession{}, fmt.Errorf("session.federated_complete.%s: %w", providerID, ErrUnsupportedProvider)
	}
	user, reconcileErr := service.reconciler.Reconcile(ctx, providerID, attributes)
	if reconcileErr != nil {
		service.metrics.Increment(metricFederatedFailure)
		return IssuedSession{}, fmt.Errorf("session.federated_complete: %w", reconcileErr)
	}
	if !user.Enabled {
		service.metrics.Increment(metricFederatedFailure)
		return IssuedSession{}, fmt.Errorf("session.federated_complete: %w", ErrAccountDisabled)
	}
	issued, issueErr := service.engine.Issue(ctx, user)
	if issueErr != nil {
		return IssuedSession{}, fmt.Errorf("session.federated_complete: %w", issueErr)
	}
	service.metrics.Increment(metricFederatedLogin)
	return issued, nil
}

func (service *SessionService) registerLoginAttempt(ctx context.Context, email string) error {
	if service.throttle == nil {
		return nil
	}
	throttleErr := service.throttle.RegisterAttempt(ctx, email)
	if throttleErr == nil {
		return nil
	}
	if errors.Is(throttleErr, ErrLoginThrottled) {
		service.metrics.Increment(metricLoginThrottled)
		return fmt.Errorf("session.login: %w", throttleErr)
	}
	// Throttle backend outages do not block logins.
	service.logger.Warn("login throttle unavailable",
		zap.String("code", "auth.login.throttle_unavailable"),
		zap.Error(throttleErr))
	return nil
}
