package authkit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryStateStoreIssueAndConsume(t *testing.T) {
	t.Parallel()
	store := NewMemoryStateStore(2 * time.Minute).(*memoryStateStore)
	store.now = func() time.Time { return time.Unix(1000, 0) }

	state, err := store.Issue(context.Background(), ProviderGitHub)
	if err != nil {
		t.Fatalf("issue state: %v", err)
	}
	if state.Value == "" || state.CodeVerifier == "" {
		t.Fatalf("expected state value and verifier, got %+v", state)
	}

	consumed, err := store.Consume(context.Background(), state.Value, ProviderGitHub)
	if err != nil {
		t.Fatalf("consume state: %v", err)
	}
	if consumed.CodeVerifier != state.CodeVerifier {
		t.Fatalf("expected verifier to round trip")
	}

	if _, err := store.Consume(context.Background(), state.Value, ProviderGitHub); !errors.Is(err, ErrFederatedStateInvalid) {
		t.Fatalf("expected ErrFederatedStateInvalid on reuse, got %v", err)
	}
}

func TestMemoryStateStoreRejectsExpiredAndForeignProvider(t *testing.T) {
	t.Parallel()
	store := NewMemoryStateStore(time.Minute).(*memoryStateStore)
	current := time.Unix(1000, 0)
	store.now = func() time.Time { return current }

	expiring, err := store.Issue(context.Background(), ProviderGoogle)
	if err != nil {
		t.Fatalf("issue state: %v", err)
	}
	foreign, err := store.Issue(context.Background(), ProviderGoogle)
	if err != nil {
		t.Fatalf("issue state: %v", err)
	}

	if _, err := store.Consume(context.Background(), foreign.Value, ProviderGitHub); !errors.Is(err, ErrFederatedStateInvalid) {
		t.Fatalf("expected ErrFederatedStateInvalid for provider mismatch, got %v", err)
	}

	current = current.Add(2 * time.Minute)
	if _, err := store.Consume(context.Background(), expiring.Value, ProviderGoogle); !errors.Is(err, ErrFederatedStateInvalid) {
		t.Fatalf("expected ErrFederatedStateInvalid for expired state, got %v", err)
	}
}

func TestRedisStateStoreConsumesOnce(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisStateStore(client, time.Minute)

	state, err := store.Issue(context.Background(), ProviderGoogle)
	if err != nil {
		t.Fatalf("issue state: %v", err)
	}
	if ttl := server.TTL(oauthStateKeyPrefix + state.Value); ttl != time.Minute {
		t.Fatalf("expected one minute ttl, got %v", ttl)
	}
	consumed, err := store.Consume(context.Background(), state.Value, ProviderGoogle)
	if err != nil {
		t.Fatalf("consume state: %v", err)
	}
	if consumed.CodeVerifier != state.CodeVerifier || consumed.ProviderID != ProviderGoogle {
		t.Fatalf("unexpected consumed state %+v", consumed)
	}
	if _, err := store.Consume(context.Background(), state.Value, ProviderGoogle); !errors.Is(err, ErrFederatedStateInvalid) {
		t.Fatalf("expected ErrFederatedStateInvalid on reuse, got %v", err)
	}
	if _, err := store.Consume(context.Background(), "", ProviderGoogle); !errors.Is(err, ErrFederatedStateInvalid) {
		t.Fatalf("expected ErrFederatedStateInvalid for empty state, got %v", err)
	}
}
