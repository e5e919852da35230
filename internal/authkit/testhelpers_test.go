package authkit

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type controllableClock struct {
	mutex   sync.Mutex
	current time.Time
}

func newControllableClock() *controllableClock {
	return &controllableClock{current: time.Now().UTC().Truncate(time.Second)}
}

func (clock *controllableClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *controllableClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(duration)
}

type storeFactory struct {
	name  string
	build func(t *testing.T, clock Clock) CredentialStore
}

func credentialStoreFactories() []storeFactory {
	return []storeFactory{
		{
			name: "memory",
			build: func(t *testing.T, clock Clock) CredentialStore {
				t.Helper()
				return NewMemoryStore(clock)
			},
		},
		{
			name: "sqlite",
			build: func(t *testing.T, clock Clock) CredentialStore {
				t.Helper()
				databaseURL := "sqlite://" + filepath.Join(t.TempDir(), "credentials.db")
				store, err := NewDatabaseStore(context.Background(), databaseURL, clock)
				if err != nil {
					t.Fatalf("failed to create sqlite store: %v", err)
				}
				t.Cleanup(func() { _ = store.Close() })
				return store
			},
		},
	}
}

func countRefreshTokens(t *testing.T, store CredentialStore) int {
	t.Helper()
	switch typed := store.(type) {
	case *MemoryStore:
		return typed.RefreshTokenCount()
	case *DatabaseStore:
		var count int64
		if err := typed.db.Model(&refreshTokenRecord{}).Count(&count).Error; err != nil {
			t.Fatalf("count refresh tokens: %v", err)
		}
		return int(count)
	default:
		t.Fatalf("unsupported store type %T", store)
		return 0
	}
}

func createTestUser(t *testing.T, store UserStore, email string, enabled bool) User {
	t.Helper()
	user, err := store.CreateUser(context.Background(), User{
		Email:       email,
		DisplayName: "Test User",
		Enabled:     enabled,
		Origin:      OriginLocal,
		Roles:       []string{DefaultRole},
	})
	if err != nil {
		t.Fatalf("create user %s: %v", email, err)
	}
	return user
}
