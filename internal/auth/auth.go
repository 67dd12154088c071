// Package auth handles password hashing and opaque bearer tokens.
//
// Tokens are random uuids stored server-side with an expiry, so revocation
// is just a row delete and nothing about the user leaks from the token
// itself. The agent core never sees credentials — only the resolved user id.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/kbrandt/vigor/internal/store"
)

// ErrInvalidCredentials is returned by Login for a bad username or password.
// Deliberately indistinguishable between the two cases.
var ErrInvalidCredentials = errors.New("invalid username or password")

// ErrInvalidToken is returned when a bearer token is unknown or expired.
var ErrInvalidToken = errors.New("invalid or expired token")

// Manager issues and validates bearer tokens backed by the store.
type Manager struct {
	store    *store.Store
	tokenTTL time.Duration
}

// NewManager creates an auth manager. ttl bounds token lifetime.
func NewManager(s *store.Store, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Manager{store: s, tokenTTL: ttl}
}

// Register creates a new account with a bcrypt password hash.
// Returns the new user id, or store.ErrUsernameTaken.
func (m *Manager) Register(ctx context.Context, username, password string) (int64, error) {
	if username == "" || password == "" {
		return 0, fmt.Errorf("username and password are required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return 0, fmt.Errorf("hash password: %w", err)
	}

	return m.store.CreateUser(ctx, username, string(hash))
}

// Login verifies credentials and issues a fresh bearer token.
func (m *Manager) Login(ctx context.Context, username, password string) (token string, expiresAt time.Time, err error) {
	user, err := m.store.GetUserByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return "", time.Time{}, ErrInvalidCredentials
	}
	if err != nil {
		return "", time.Time{}, err
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return "", time.Time{}, ErrInvalidCredentials
	}

	token = uuid.New().String()
	expiresAt = time.Now().Add(m.tokenTTL)
	if err := m.store.SaveToken(ctx, token, user.ID, expiresAt); err != nil {
		return "", time.Time{}, err
	}

	// Opportunistic cleanup; login is rare enough to absorb the cost.
	_, _ = m.store.PurgeExpiredTokens(ctx)

	return token, expiresAt, nil
}

// Validate resolves a bearer token to the acting user id.
func (m *Manager) Validate(ctx context.Context, token string) (int64, error) {
	if token == "" {
		return 0, ErrInvalidToken
	}

	userID, expiresAt, err := m.store.LookupToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return 0, ErrInvalidToken
	}
	if err != nil {
		return 0, err
	}

	if time.Now().After(expiresAt) {
		return 0, ErrInvalidToken
	}
	return userID, nil
}
