package authkit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory CredentialStore intended for tests and dev.
type MemoryStore struct {
	mutex         sync.Mutex
	usersByID     map[string]User
	userIDByEmail map[string]string
	refreshByID   map[string]RefreshToken
	clock         Clock
}

// NewMemoryStore creates an empty in-memory credential store.
func NewMemoryStore(clock Clock) *MemoryStore {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &MemoryStore{
		usersByID:     make(map[string]User),
		userIDByEmail: make(map[string]string),
		refreshByID:   make(map[string]RefreshToken),
		clock:         clock,
	}
}

// Driver labels the store for logs and health output.
func (store *MemoryStore) Driver() string {
	return "memory"
}

// CreateUser stores a new user, assigning an id when absent.
func (store *MemoryStore) CreateUser(ctx context.Context, user User) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	user.Email = NormalizeEmail(user.Email)
	if _, exists := store.userIDByEmail[user.Email]; exists {
		return User{}, fmt.Errorf("user_store.create.memory: %w", ErrEmailTaken)
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	now := store.clock.Now()
	user.CreatedAt = now
	user.UpdatedAt = now
	user.Roles = cloneRoles(user.Roles)
	store.usersByID[user.ID] = user
	store.userIDByEmail[user.Email] = user.ID
	return cloneUser(user), nil
}

// FindUserByID returns the user with the given id.
func (store *MemoryStore) FindUserByID(ctx context.Context, userID string) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	user, ok := store.usersByID[userID]
	if !ok {
		return User{}, fmt.Errorf("user_store.find.memory: %w", ErrUserNotFound)
	}
	return cloneUser(user), nil
}

// FindUserByEmail returns the user with the given normalized email.
func (store *MemoryStore) FindUserByEmail(ctx context.Context, email string) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	userID, ok := store.userIDByEmail[NormalizeEmail(email)]
	if !ok {
		return User{}, fmt.Errorf("user_store.find_email.memory: %w", ErrUserNotFound)
	}
	return cloneUser(store.usersByID[userID]), nil
}

// SetUserEnabled toggles the enabled flag.
func (store *MemoryStore) SetUserEnabled(ctx context.Context, userID string, enabled bool) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	user, ok := store.usersByID[userID]
	if !ok {
		return fmt.Errorf("user_store.set_enabled.memory: %w", ErrUserNotFound)
	}
	user.Enabled = enabled
	user.UpdatedAt = store.clock.Now()
	store.usersByID[userID] = user
	return nil
}

// InsertRefreshToken stores a new refresh record.
func (store *MemoryStore) InsertRefreshToken(ctx context.Context, record RefreshToken) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if _, exists := store.refreshByID[record.TokenID]; exists {
		return fmt.Errorf("refresh_store.insert.memory: duplicate token id %s", record.TokenID)
	}
	store.refreshByID[record.TokenID] = record
	return nil
}

// FindRefreshToken returns the refresh record for tokenID.
func (store *MemoryStore) FindRefreshToken(ctx context.Context, tokenID string) (RefreshToken, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, ok := store.refreshByID[tokenID]
	if !ok {
		return RefreshToken{}, fmt.Errorf("refresh_store.find.memory: %w", ErrRefreshTokenNotFound)
	}
	return record, nil
}

// RotateRefreshToken atomically revokes the previous record and inserts successor.
func (store *MemoryStore) RotateRefreshToken(ctx context.Context, previousTokenID string, successor RefreshToken, now time.Time) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	previous, ok := store.refreshByID[previousTokenID]
	if !ok {
		return fmt.Errorf("refresh_store.rotate.memory: %w", ErrRefreshTokenNotFound)
	}
	if previous.Revoked || !previous.ExpiresAt.After(now) {
		return fmt.Errorf("refresh_store.rotate.memory: %w", ErrRefreshTokenConflict)
	}
	if _, exists := store.refreshByID[successor.TokenID]; exists {
		return fmt.Errorf("refresh_store.rotate.memory: duplicate token id %s", successor.TokenID)
	}
	previous.Revoked = true
	previous.ReplacedBy = successor.TokenID
	store.refreshByID[previousTokenID] = previous
	store.refreshByID[successor.TokenID] = successor
	return nil
}

// RevokeRefreshToken marks a record revoked and reports whether it changed.
func (store *MemoryStore) RevokeRefreshToken(ctx context.Context, tokenID string) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, ok := store.refreshByID[tokenID]
	if !ok {
		return false, fmt.Errorf("refresh_store.revoke.memory: %w", ErrRefreshTokenNotFound)
	}
	if record.Revoked {
		return false, nil
	}
	record.Revoked = true
	store.refreshByID[tokenID] = record
	return true, nil
}

// RevokeUserRefreshTokens revokes every live record owned by userID.
func (store *MemoryStore) RevokeUserRefreshTokens(ctx context.Context, userID string) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	var revoked int64
	for tokenID, record := range store.refreshByID {
		if record.UserID != userID || record.Revoked {
			continue
		}
		record.Revoked = true
		store.refreshByID[tokenID] = record
		revoked++
	}
	return revoked, nil
}

// PurgeExpiredRefreshTokens deletes records that expired before the cutoff.
func (store *MemoryStore) PurgeExpiredRefreshTokens(ctx context.Context, before time.Time) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	var purged int64
	for tokenID, record := range store.refreshByID {
		if record.ExpiresAt.Before(before) {
			delete(store.refreshByID, tokenID)
			purged++
		}
	}
	return purged, nil
}

// RefreshTokenCount returns the number of stored refresh records.
func (store *MemoryStore) RefreshTokenCount() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return len(store.refreshByID)
}

func cloneUser(user User) User {
	user.Roles = cloneRoles(user.Roles)
	return user
}

func cloneRoles(roles []string) []string {
	if roles == nil {
		return nil
	}
	cloned := make([]string, len(roles))
	copy(cloned, roles)
	return cloned
}
