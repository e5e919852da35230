package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// PasswordHasher encodes and verifies passwords.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(hash string, password string) bool
}

// BcryptHasher hashes passwords with bcrypt at the configured cost.
type BcryptHasher struct {
	Cost int
}

// NewBcryptHasher returns a hasher using bcrypt.DefaultCost.
func NewBcryptHasher() BcryptHasher {
	return BcryptHasher{Cost: bcrypt.DefaultCost}
}

func (hasher BcryptHasher) Hash(password string) (string, error) {
	cost := hasher.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hashBytes, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return "", fmt.Errorf("password.hash: %w", ErrPasswordTooLong)
	}
	if err != nil {
		return "", fmt.Errorf("password.hash: %w", err)
	}
	return string(hashBytes), nil
}

func (hasher BcryptHasher) Verify(hash string, password string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Authenticator verifies an email and password and returns the matching user.
type Authenticator interface {
	Authenticate(ctx context.Context, email string, password string) (User, error)
}

// StoreAuthenticator checks passwords against users held in a UserStore.
type StoreAuthenticator struct {
	users  UserStore
	hasher PasswordHasher
}

// NewStoreAuthenticator wires an authenticator; a nil hasher defaults to bcrypt.
func NewStoreAuthenticator(users UserStore, hasher PasswordHasher) *StoreAuthenticator {
	if hasher == nil {
		hasher = NewBcryptHasher()
	}
	return &StoreAuthenticator{users: users, hasher: hasher}
}

// Authenticate returns ErrCredentialsInvalid for unknown emails, federated
// accounts without a password, and wrong passwords alike.
func (authenticator *StoreAuthenticator) Authenticate(ctx context.Context, email string, password string) (User, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return User{}, fmt.Errorf("auth.authenticate: %w", ErrCredentialsInvalid)
	}
	user, findErr := authenticator.users.FindUserByEmail(ctx, email)
	if findErr != nil {
		if errors.Is(findErr, ErrUserNotFound) {
			return User{}, fmt.Errorf("auth.authenticate: %w", ErrCredentialsInvalid)
		}
		return User{}, fmt.Errorf("auth.authenticate: %w", findErr)
	}
	if !authenticator.hasher.Verify(user.PasswordHash, password) {
		return User{}, fmt.Errorf("auth.authenticate: %w", ErrCredentialsInvalid)
	}
	return user, nil
}
