package authkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
)

const oauthStateKeyPrefix = "oauth_state:"

// OAuthState binds an authorization redirect to its callback.
type OAuthState struct {
	Value        string    `json:"value"`
	ProviderID   string    `json:"provider"`
	CodeVerifier string    `json:"verifier"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// OAuthStateStore issues one-time state values for federated login.
type OAuthStateStore interface {
	// Issue creates a state value and PKCE verifier for providerID.
	Issue(ctx context.Context, providerID string) (OAuthState, error)
	// Consume invalidates value and returns its entry. Missing, expired, or
	// foreign-provider values fail with ErrFederatedStateInvalid.
	Consume(ctx context.Context, value string, providerID string) (OAuthState, error)
}

type memoryStateStore struct {
	mutex   sync.Mutex
	entries map[string]OAuthState
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryStateStore constructs a process-local OAuthStateStore.
func NewMemoryStateStore(ttl time.Duration) OAuthStateStore {
	return &memoryStateStore{
		entries: make(map[string]OAuthState),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (store *memoryStateStore) Issue(ctx context.Context, providerID string) (OAuthState, error) {
	state, err := newOAuthState(providerID, store.now().Add(store.ttl))
	if err != nil {
		return OAuthState{}, err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeExpiredLocked()
	store.entries[state.Value] = state
	return state, nil
}

func (store *memoryStateStore) Consume(ctx context.Context, value string, providerID string) (OAuthState, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	state, ok := store.entries[value]
	if ok {
		delete(store.entries, value)
	}
	store.purgeExpiredLocked()
	return validateConsumedState(state, ok, providerID, store.now())
}

func (store *memoryStateStore) purgeExpiredLocked() {
	now := store.now()
	for value, state := range store.entries {
		if now.After(state.ExpiresAt) {
			delete(store.entries, value)
		}
	}
}

// RedisStateStore shares OAuth state across instances through Redis.
type RedisStateStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStateStore constructs a Redis-backed OAuthStateStore.
func NewRedisStateStore(client redis.UniversalClient, ttl time.Duration) *RedisStateStore {
	return &RedisStateStore{client: client, ttl: ttl, now: time.Now}
}

func (store *RedisStateStore) Issue(ctx context.Context, providerID string) (OAuthState, error) {
	state, err := newOAuthState(providerID, store.now().Add(store.ttl))
	if err != nil {
		return OAuthState{}, err
	}
	payload, marshalErr := json.Marshal(state)
	if marshalErr != nil {
		return OAuthState{}, fmt.Errorf("oauth_state.issue: %w", marshalErr)
	}
	if setErr := store.client.Set(ctx, oauthStateKeyPrefix+state.Value, payload, store.ttl).Err(); setErr != nil {
		return OAuthState{}, fmt.Errorf("oauth_state.issue: %w", setErr)
	}
	return state, nil
}

func (store *RedisStateStore) Consume(ctx context.Context, value string, providerID string) (OAuthState, error) {
	if value == "" {
		return OAuthState{}, fmt.Errorf("oauth_state.consume: %w", ErrFederatedStateInvalid)
	}
	payload, getErr := store.client.GetDel(ctx, oauthStateKeyPrefix+value).Bytes()
	if getErr != nil {
		if errors.Is(getErr, redis.Nil) {
			return OAuthState{}, fmt.Errorf("oauth_state.consume: %w", ErrFederatedStateInvalid)
		}
		return OAuthState{}, fmt.Errorf("oauth_state.consume: %w", getErr)
	}
	var state OAuthState
	if unmarshalErr := json.Unmarshal(payload, &state); unmarshalErr != nil {
		return OAuthState{}, fmt.Errorf("oauth_state.consume: %w", ErrFederatedStateInvalid)
	}
	return validateConsumedState(state, true, providerID, store.now())
}

func newOAuthState(providerID string, expiresAt time.Time) (OAuthState, error) {
	value, err := newOpaqueValue()
	if err != nil {
		return OAuthState{}, fmt.Errorf("oauth_state.issue: %w", err)
	}
	return OAuthState{
		Value:        value,
		ProviderID:   providerID,
		CodeVerifier: oauth2.GenerateVerifier(),
		ExpiresAt:    expiresAt,
	}, nil
}

func validateConsumedState(state OAuthState, found bool, providerID string, now time.Time) (OAuthState, error) {
	if !found || now.After(state.ExpiresAt) || state.ProviderID != providerID {
		return OAuthState{}, fmt.Errorf("oauth_state.consume: %w", ErrFederatedStateInvalid)
	}
	return state, nil
}
