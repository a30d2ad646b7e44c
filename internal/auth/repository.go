package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const rawRefreshTokenBytes = 48

// Repository is the Postgres implementation of the auth stores.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func hashRefreshToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func newRawRefreshToken() (string, error) {
	b := make([]byte, rawRefreshTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// --- user directory ---

func (r *Repository) FindByEmail(ctx context.Context, email string) (User, error) {
	return r.findUser(ctx, `
		SELECT id, username, name, email, password_hash, created_at, updated_at
		FROM users
		WHERE email = $1
	`, email)
}

func (r *Repository) FindByUsername(ctx context.Context, username string) (User, error) {
	return r.findUser(ctx, `
		SELECT id, username, name, email, password_hash, created_at, updated_at
		FROM users
		WHERE username = $1
	`, username)
}

func (r *Repository) FindByID(ctx context.Context, id string) (User, error) {
	return r.findUser(ctx, `
		SELECT id, username, name, email, password_hash, created_at, updated_at
		FROM users
		WHERE id = $1
	`, id)
}

func (r *Repository) findUser(ctx context.Context, query, arg string) (User, error) {
	var user User
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&user.ID, &user.Username, &user.Name, &user.Email,
		&user.PasswordHash, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("query user: %w", err)
	}

	roles, err := r.loadRoles(ctx, user.ID)
	if err != nil {
		return User{}, err
	}
	user.Roles = roles

	return user, nil
}

func (r *Repository) loadRoles(ctx context.Context, userID string) ([]Role, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT role FROM user_roles WHERE user_id = $1 ORDER BY role
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query user roles: %w", err)
	}
	defer rows.Close()

	roles := make([]Role, 0, 2)
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role); err != nil {
			return nil, fmt.Errorf("scan user role: %w", err)
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user roles: %w", err)
	}

	return roles, nil
}

// Register inserts a new user with the USER role. Duplicate usernames or
// emails surface as ErrUsernameTaken / ErrEmailTaken.
func (r *Repository) Register(ctx context.Context, username, name, email, plainPassword string) (User, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return User{}, fmt.Errorf("generate user id: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(plainPassword), bcrypt.DefaultCost)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, fmt.Errorf("begin register tx: %w", err)
	}
	defer tx.Rollback()

	var taken bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE username = $1)`, username,
	).Scan(&taken); err != nil {
		return User{}, fmt.Errorf("check username: %w", err)
	}
	if taken {
		return User{}, ErrUsernameTaken
	}

	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE email = $1)`, email,
	).Scan(&taken); err != nil {
		return User{}, fmt.Errorf("check email: %w", err)
	}
	if taken {
		return User{}, ErrEmailTaken
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO users (id, username, name, email, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, id.String(), username, name, email, string(hash), now); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO user_roles (user_id, role) VALUES ($1, $2)
	`, id.String(), RoleUser); err != nil {
		return User{}, fmt.Errorf("insert user role: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return User{}, fmt.Errorf("commit register tx: %w", err)
	}

	return User{
		ID:           id.String(),
		Username:     username,
		Name:         name,
		Email:        email,
		PasswordHash: string(hash),
		Roles:        []Role{RoleUser},
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func (r *Repository) SetPasswordHash(ctx context.Context, userID, hash string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET password_hash = $2, updated_at = $3 WHERE id = $1
	`, userID, hash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	return nil
}

// EnsureAdmin seeds the bootstrap administrator on startup. An existing
// account with the given email gets its password refreshed and the ADMIN
// role ensured; other accounts are left alone.
func (r *Repository) EnsureAdmin(ctx context.Context, username, name, email, plainPassword string) error {
	user, err := r.FindByEmail(ctx, email)
	switch {
	case errors.Is(err, ErrUserNotFound):
		user, err = r.Register(ctx, username, name, email, plainPassword)
		if err != nil {
			return fmt.Errorf("seed admin user: %w", err)
		}
	case err != nil:
		return err
	default:
		hash, hashErr := bcrypt.GenerateFromPassword([]byte(plainPassword), bcrypt.DefaultCost)
		if hashErr != nil {
			return fmt.Errorf("hash admin password: %w", hashErr)
		}
		if err := r.SetPasswordHash(ctx, user.ID, string(hash)); err != nil {
			return err
		}
	}

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO user_roles (user_id, role) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, user.ID, RoleAdmin); err != nil {
		return fmt.Errorf("ensure admin role: %w", err)
	}

	return nil
}

// --- refresh token store ---

// CreateRefreshToken rotates the principal's session: any existing token is
// deleted in the same transaction, so at most one survives per user.
// The raw token is returned to the caller; only its hash is stored.
func (r *Repository) CreateRefreshToken(ctx context.Context, userID string, ttl time.Duration) (string, error) {
	raw, err := newRawRefreshToken()
	if err != nil {
		return "", err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate refresh token id: %w", err)
	}

	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin refresh create tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM refresh_tokens WHERE user_id = $1
	`, userID); err != nil {
		return "", fmt.Errorf("delete superseded refresh token: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, id.String(), userID, hashRefreshToken(raw), now.Add(ttl), now); err != nil {
		return "", fmt.Errorf("insert refresh token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit refresh create tx: %w", err)
	}

	return raw, nil
}

func (r *Repository) FindRefreshToken(ctx context.Context, raw string) (RefreshTokenRecord, error) {
	var rec RefreshTokenRecord
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, token_hash, expires_at, created_at
		FROM refresh_tokens
		WHERE token_hash = $1
	`, hashRefreshToken(raw)).Scan(&rec.ID, &rec.UserID, &rec.TokenHash, &rec.ExpiresAt, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RefreshTokenRecord{}, ErrRefreshNotFound
		}
		return RefreshTokenRecord{}, fmt.Errorf("query refresh token: %w", err)
	}

	return rec, nil
}

// VerifyRefreshToken returns the live record for a raw token. An expired
// record is deleted inside the same transaction and reported as
// ErrRefreshExpired; the row lock guarantees that of two racing refreshes
// at most one observes the token as live.
func (r *Repository) VerifyRefreshToken(ctx context.Context, raw string) (RefreshTokenRecord, error) {
	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return RefreshTokenRecord{}, fmt.Errorf("begin refresh verify tx: %w", err)
	}
	defer tx.Rollback()

	var rec RefreshTokenRecord
	err = tx.QueryRowContext(ctx, `
		SELECT id, user_id, token_hash, expires_at, created_at
		FROM refresh_tokens
		WHERE token_hash = $1
		FOR UPDATE
	`, hashRefreshToken(raw)).Scan(&rec.ID, &rec.UserID, &rec.TokenHash, &rec.ExpiresAt, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RefreshTokenRecord{}, ErrRefreshNotFound
		}
		return RefreshTokenRecord{}, fmt.Errorf("lock refresh token: %w", err)
	}

	if rec.ExpiresAt.Before(now) {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM refresh_tokens WHERE id = $1
		`, rec.ID); err != nil {
			return RefreshTokenRecord{}, fmt.Errorf("delete expired refresh token: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return RefreshTokenRecord{}, fmt.Errorf("commit refresh expiry tx: %w", err)
		}
		return RefreshTokenRecord{}, ErrRefreshExpired
	}

	if err := tx.Commit(); err != nil {
		return RefreshTokenRecord{}, fmt.Errorf("commit refresh verify tx: %w", err)
	}

	return rec, nil
}

// DeleteRefreshTokenForUser removes the user's session token. No-op when
// none exists.
func (r *Repository) DeleteRefreshTokenForUser(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM refresh_tokens WHERE user_id = $1
	`, userID)
	if err != nil {
		return fmt.Errorf("delete refresh token: %w", err)
	}
	return nil
}

// --- login attempt store ---

func (r *Repository) GetLoginAttempt(ctx context.Context, email string) (LoginAttempt, error) {
	attempt := LoginAttempt{Email: email}

	var lockedUntil sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT failed_attempts, locked_until
		FROM login_attempts
		WHERE email = $1
	`, email).Scan(&attempt.FailedAttempts, &lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return attempt, nil
		}
		return LoginAttempt{}, fmt.Errorf("query login attempt: %w", err)
	}
	if lockedUntil.Valid {
		value := lockedUntil.Time.UTC()
		attempt.LockedUntil = &value
	}

	return attempt, nil
}

// RecordLoginFailure increments the failure counter under a row lock and
// sets the lockout timestamp whenever the counter is at or past the
// threshold. The counter itself is never reset here; only a successful
// authentication clears it.
func (r *Repository) RecordLoginFailure(ctx context.Context, email string, threshold int, lockFor time.Duration, now time.Time) (*time.Time, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin login failure tx: %w", err)
	}
	defer tx.Rollback()

	var failed int
	var lockedUntil sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT failed_attempts, locked_until
		FROM login_attempts
		WHERE email = $1
		FOR UPDATE
	`, email).Scan(&failed, &lockedUntil)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lock login attempt row: %w", err)
	}

	failed++

	var nextLock *time.Time
	var nextLockValue any
	if lockedUntil.Valid {
		value := lockedUntil.Time.UTC()
		nextLock = &value
		nextLockValue = value
	}
	if failed >= threshold {
		until := now.UTC().Add(lockFor)
		nextLock = &until
		nextLockValue = until
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO login_attempts (email, failed_attempts, locked_until, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (email)
		DO UPDATE SET
			failed_attempts = EXCLUDED.failed_attempts,
			locked_until = EXCLUDED.locked_until,
			updated_at = EXCLUDED.updated_at
	`, email, failed, nextLockValue, now.UTC()); err != nil {
		return nil, fmt.Errorf("upsert login attempt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit login failure tx: %w", err)
	}

	return nextLock, nil
}

func (r *Repository) ResetLoginAttempts(ctx context.Context, email string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM login_attempts WHERE email = $1
	`, email)
	if err != nil {
		return fmt.Errorf("reset login attempts: %w", err)
	}
	return nil
}

// --- maintenance ---

// PurgeResult reports how many stale rows a cleanup pass removed.
type PurgeResult struct {
	ExpiredRefreshTokens int64 `json:"expired_refresh_tokens"`
	StaleLoginAttempts   int64 `json:"stale_login_attempts"`
}

// PurgeExpired removes refresh tokens past their expiry and login-attempt
// rows that are both stale and no longer locked.
func (r *Repository) PurgeExpired(ctx context.Context, attemptRetention time.Duration, batchSize int) (PurgeResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	if attemptRetention <= 0 {
		attemptRetention = 30 * 24 * time.Hour
	}
	cutoff := time.Now().UTC().Add(-attemptRetention)

	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id FROM refresh_tokens
			WHERE expires_at < NOW()
			ORDER BY created_at ASC
			LIMIT $1
		)
		DELETE FROM refresh_tokens t
		USING stale
		WHERE t.id = stale.id
	`, batchSize)
	if err != nil {
		return PurgeResult{}, fmt.Errorf("delete expired refresh tokens: %w", err)
	}
	deletedTokens, err := res.RowsAffected()
	if err != nil {
		return PurgeResult{}, fmt.Errorf("expired refresh tokens rows affected: %w", err)
	}

	res, err = r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT email FROM login_attempts
			WHERE updated_at < $1
			  AND (locked_until IS NULL OR locked_until < NOW())
			ORDER BY updated_at ASC
			LIMIT $2
		)
		DELETE FROM login_attempts t
		USING stale
		WHERE t.email = stale.email
	`, cutoff, batchSize)
	if err != nil {
		return PurgeResult{}, fmt.Errorf("delete stale login attempts: %w", err)
	}
	deletedAttempts, err := res.RowsAffected()
	if err != nil {
		return PurgeResult{}, fmt.Errorf("stale login attempts rows affected: %w", err)
	}

	return PurgeResult{
		ExpiredRefreshTokens: deletedTokens,
		StaleLoginAttempts:   deletedAttempts,
	}, nil
}

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrUsernameTaken   = errors.New("username already taken")
	ErrEmailTaken      = errors.New("email already in use")
	ErrRefreshNotFound = errors.New("refresh token not found")
	ErrRefreshExpired  = errors.New("refresh token expired")
)
