// Package store provides SQLite persistence for users, workout records,
// and chat history.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested row does not exist or does not
// belong to the acting user.
var ErrNotFound = errors.New("not found")

// ErrUsernameTaken is returned by CreateUser for duplicate usernames.
var ErrUsernameTaken = errors.New("username already taken")

// Store is a SQLite-backed data store. The *sql.DB is injected so the
// server binary and the tests can choose their own driver.
type Store struct {
	db *sql.DB
}

// New creates a store, running migrations on first use.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		username      TEXT UNIQUE NOT NULL,
		password_hash TEXT NOT NULL,
		birth_date    TEXT,
		height        REAL,
		weight        REAL,
		created_at    TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS fitness_records (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id    INTEGER NOT NULL,
		date       TEXT NOT NULL,
		part       TEXT NOT NULL,
		exercise   TEXT,
		sets       INTEGER,
		reps       INTEGER,
		distance   REAL,
		minutes    INTEGER,
		seconds    INTEGER,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (user_id) REFERENCES users (id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_fitness_records_user_date ON fitness_records(user_id, date);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id         TEXT PRIMARY KEY,
		user_id    INTEGER NOT NULL,
		message    TEXT NOT NULL,
		response   TEXT,
		rounds     INTEGER DEFAULT 0,
		degraded   BOOLEAN DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users (id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_chat_messages_user ON chat_messages(user_id, created_at);

	CREATE TABLE IF NOT EXISTS auth_tokens (
		token      TEXT PRIMARY KEY,
		user_id    INTEGER NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users (id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_auth_tokens_expiry ON auth_tokens(expires_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Users ---

// User is an account row. PasswordHash is never serialized.
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`

	PasswordHash string `json:"-"`
}

// Profile holds the optional body metrics attached to a user. Nil fields
// have never been set.
type Profile struct {
	BirthDate *string  `json:"birth_date"`
	Height    *float64 `json:"height"`
	Weight    *float64 `json:"weight"`
}

// CreateUser inserts a new account and returns its id.
// Returns ErrUsernameTaken when the username exists. The UNIQUE constraint
// is the only uniqueness check; a pre-query would race with concurrent
// registrations.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash) VALUES (?, ?)`,
		username, passwordHash)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrUsernameTaken
		}
		return 0, fmt.Errorf("insert user: %w", err)
	}
	return res.LastInsertId()
}

// isUniqueViolation matches SQLite's UNIQUE constraint failure across both
// drivers in use (mattn/go-sqlite3 in the binary, modernc.org/sqlite in
// tests); neither exposes a shared error type to errors.As against.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// GetUserByUsername looks up an account for login.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash FROM users WHERE username = ?`,
		username).Scan(&u.ID, &u.Username, &u.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select user: %w", err)
	}
	return &u, nil
}

// GetProfile returns the body metrics for a user.
func (s *Store) GetProfile(ctx context.Context, userID int64) (*Profile, error) {
	var p Profile
	err := s.db.QueryRowContext(ctx,
		`SELECT birth_date, height, weight FROM users WHERE id = ?`,
		userID).Scan(&p.BirthDate, &p.Height, &p.Weight)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select profile: %w", err)
	}
	return &p, nil
}

// UpdateProfile replaces the body metrics for a user.
func (s *Store) UpdateProfile(ctx context.Context, userID int64, p Profile) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET birth_date = ?, height = ?, weight = ? WHERE id = ?`,
		p.BirthDate, p.Height, p.Weight, userID)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Fitness records ---

// FitnessRecord is one workout entry. Dates are stored as "2006-01-02"
// strings so lexical ordering matches chronological ordering.
type FitnessRecord struct {
	ID       int64    `json:"id"`
	UserID   int64    `json:"user_id"`
	Date     string   `json:"date"`
	Part     string   `json:"part"`
	Exercise string   `json:"exercise,omitempty"`
	Sets     *int     `json:"sets,omitempty"`
	Reps     *int     `json:"reps,omitempty"`
	Distance *float64 `json:"distance,omitempty"`
	Minutes  *int     `json:"minutes,omitempty"`
	Seconds  *int     `json:"seconds,omitempty"`
}

// CreateRecord inserts a workout row and returns its id.
func (s *Store) CreateRecord(ctx context.Context, r FitnessRecord) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO fitness_records
			(user_id, date, part, exercise, sets, reps, distance, minutes, seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.UserID, r.Date, r.Part, r.Exercise,
		r.Sets, r.Reps, r.Distance, r.Minutes, r.Seconds)
	if err != nil {
		return 0, fmt.Errorf("insert record: %w", err)
	}
	return res.LastInsertId()
}

// QueryRecords returns a user's workout rows intersecting the optional
// date range, most recent first. Empty bounds mean unbounded.
func (s *Store) QueryRecords(ctx context.Context, userID int64, startDate, endDate string) ([]FitnessRecord, error) {
	query := `
		SELECT id, user_id, date, part, COALESCE(exercise, ''),
		       sets, reps, distance, minutes, seconds
		FROM fitness_records WHERE user_id = ?`
	args := []any{userID}

	if startDate != "" {
		query += ` AND date >= ?`
		args = append(args, startDate)
	}
	if endDate != "" {
		query += ` AND date <= ?`
		args = append(args, endDate)
	}
	query += ` ORDER BY date DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []FitnessRecord
	for rows.Next() {
		var r FitnessRecord
		if err := rows.Scan(&r.ID, &r.UserID, &r.Date, &r.Part, &r.Exercise,
			&r.Sets, &r.Reps, &r.Distance, &r.Minutes, &r.Seconds); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// DeleteRecord removes a workout row. The user id guard prevents deleting
// another user's rows; a mismatch reads as ErrNotFound.
func (s *Store) DeleteRecord(ctx context.Context, userID, recordID int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM fitness_records WHERE id = ? AND user_id = ?`,
		recordID, userID)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Chat messages ---

// ChatMessage is one persisted chat exchange. Response stays empty until
// the agent turn completes; CompleteChatMessage always fills it, so the
// stored history never carries a question without an answer.
type ChatMessage struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id"`
	Message   string    `json:"message"`
	Response  string    `json:"response"`
	Rounds    int       `json:"rounds"`
	Degraded  bool      `json:"degraded"`
	CreatedAt time.Time `json:"created_at"`
}

// SaveChatMessage records an incoming user message and returns its id.
func (s *Store) SaveChatMessage(ctx context.Context, userID int64, message string) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("message id: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, user_id, message, created_at)
		VALUES (?, ?, ?, ?)`,
		id.String(), userID, message, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("insert chat message: %w", err)
	}
	return id.String(), nil
}

// CompleteChatMessage attaches the agent's answer to a saved message.
func (s *Store) CompleteChatMessage(ctx context.Context, messageID, response string, rounds int, degraded bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chat_messages SET response = ?, rounds = ?, degraded = ?
		WHERE id = ?`,
		response, rounds, degraded, messageID)
	if err != nil {
		return fmt.Errorf("complete chat message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetChatHistory returns a page of a user's chat exchanges, newest first.
// A non-positive limit selects the default page size.
func (s *Store) GetChatHistory(ctx context.Context, userID int64, limit int) ([]ChatMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 500 {
		limit = 500
	}

	return s.chatMessages(ctx, `
		SELECT id, user_id, message, COALESCE(response, ''), rounds, degraded, created_at
		FROM chat_messages
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, userID, limit)
}

// GetFullChatHistory returns every chat exchange for a user, newest first.
// Exports use this; unlike GetChatHistory it never pages.
func (s *Store) GetFullChatHistory(ctx context.Context, userID int64) ([]ChatMessage, error) {
	return s.chatMessages(ctx, `
		SELECT id, user_id, message, COALESCE(response, ''), rounds, degraded, created_at
		FROM chat_messages
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC`, userID)
}

func (s *Store) chatMessages(ctx context.Context, query string, args ...any) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chat history: %w", err)
	}
	defer rows.Close()

	var messages []ChatMessage
	for rows.Next() {
		var m ChatMessage
		if err := rows.Scan(&m.ID, &m.UserID, &m.Message, &m.Response,
			&m.Rounds, &m.Degraded, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// --- Auth tokens ---

// SaveToken persists a bearer token with its expiry.
func (s *Store) SaveToken(ctx context.Context, token string, userID int64, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_tokens (token, user_id, expires_at) VALUES (?, ?, ?)`,
		token, userID, expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

// LookupToken resolves a bearer token to a user id and expiry.
func (s *Store) LookupToken(ctx context.Context, token string) (int64, time.Time, error) {
	var userID int64
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, expires_at FROM auth_tokens WHERE token = ?`,
		token).Scan(&userID, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, time.Time{}, ErrNotFound
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("select token: %w", err)
	}
	return userID, expiresAt, nil
}

// PurgeExpiredTokens deletes tokens past their expiry. Returns the number
// removed. Called opportunistically; correctness does not depend on it.
func (s *Store) PurgeExpiredTokens(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM auth_tokens WHERE expires_at < ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("purge tokens: %w", err)
	}
	return res.RowsAffected()
}
