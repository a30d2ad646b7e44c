package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"recordkeeper/internal/token"
)

// UserDirectory is the user-lookup collaborator. Roles are loaded eagerly
// with every user.
type UserDirectory interface {
	FindByEmail(ctx context.Context, email string) (User, error)
	FindByID(ctx context.Context, id string) (User, error)
	FindByUsername(ctx context.Context, username string) (User, error)
	Register(ctx context.Context, username, name, email, plainPassword string) (User, error)
	SetPasswordHash(ctx context.Context, userID, hash string) error
}

// RefreshTokenStore owns the one-live-token-per-principal invariant.
type RefreshTokenStore interface {
	CreateRefreshToken(ctx context.Context, userID string, ttl time.Duration) (string, error)
	FindRefreshToken(ctx context.Context, raw string) (RefreshTokenRecord, error)
	VerifyRefreshToken(ctx context.Context, raw string) (RefreshTokenRecord, error)
	DeleteRefreshTokenForUser(ctx context.Context, userID string) error
}

// LoginResult is returned on a successful credential exchange.
type LoginResult struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int64     `json:"expires_in"`
	Principal    Principal `json:"user"`
}

// RefreshResult carries the reissued access token. The refresh token string
// is the one the client presented; the default flow does not rotate it.
type RefreshResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Username     string `json:"username"`
	TokenType    string `json:"token_type"`
}

// Service implements login, refresh, registration, logout and password
// changes on top of the narrow store interfaces.
type Service struct {
	users      UserDirectory
	sessions   RefreshTokenStore
	guard      *LoginGuard
	codec      *token.Codec
	refreshTTL time.Duration
}

func NewService(users UserDirectory, sessions RefreshTokenStore, guard *LoginGuard, codec *token.Codec, refreshTTL time.Duration) *Service {
	if refreshTTL <= 0 {
		refreshTTL = 30 * 24 * time.Hour
	}

	return &Service{
		users:      users,
		sessions:   sessions,
		guard:      guard,
		codec:      codec,
		refreshTTL: refreshTTL,
	}
}

// Login exchanges credentials for an access/refresh token pair. Locked
// identities are rejected before any password comparison so response timing
// cannot reveal whether the password would have matched.
func (s *Service) Login(ctx context.Context, email, password string) (LoginResult, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	password = strings.TrimSpace(password)
	if email == "" || password == "" {
		return LoginResult{}, ErrInvalidCredentials
	}

	lockedUntil, err := s.guard.LockedUntil(ctx, email)
	if err != nil {
		return LoginResult{}, err
	}
	if lockedUntil != nil {
		return LoginResult{}, ErrLoginLocked{Until: *lockedUntil}
	}

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			// Unknown identities are rejected without touching the attempt
			// store, so spraying random emails cannot grow it.
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return LoginResult{}, s.failAttempt(ctx, email)
	}

	if err := s.guard.RecordSuccess(ctx, email); err != nil {
		return LoginResult{}, err
	}

	access, err := s.codec.Issue(user.Email, user.Username, roleLabels(user.Roles))
	if err != nil {
		return LoginResult{}, err
	}

	refresh, err := s.sessions.CreateRefreshToken(ctx, user.ID, s.refreshTTL)
	if err != nil {
		return LoginResult{}, err
	}

	return LoginResult{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.codec.TTL().Seconds()),
		Principal:    user.Principal(),
	}, nil
}

func (s *Service) failAttempt(ctx context.Context, email string) error {
	lockedUntil, err := s.guard.RecordFailure(ctx, email)
	if err != nil {
		return err
	}
	if lockedUntil != nil {
		return ErrLoginLocked{Until: *lockedUntil}
	}
	return ErrInvalidCredentials
}

// Refresh validates a stored refresh token and reissues an access token.
// Expired and unknown tokens both collapse to ErrInvalidRefreshToken at the
// boundary so validity-window details do not leak.
func (s *Service) Refresh(ctx context.Context, rawToken string) (RefreshResult, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return RefreshResult{}, ErrInvalidRefreshToken
	}

	rec, err := s.sessions.VerifyRefreshToken(ctx, rawToken)
	if err != nil {
		if errors.Is(err, ErrRefreshNotFound) || errors.Is(err, ErrRefreshExpired) {
			return RefreshResult{}, ErrInvalidRefreshToken
		}
		return RefreshResult{}, err
	}

	user, err := s.users.FindByID(ctx, rec.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return RefreshResult{}, ErrInvalidRefreshToken
		}
		return RefreshResult{}, err
	}

	access, err := s.codec.Issue(user.Email, user.Username, roleLabels(user.Roles))
	if err != nil {
		return RefreshResult{}, err
	}

	return RefreshResult{
		AccessToken:  access,
		RefreshToken: rawToken,
		Username:     user.Username,
		TokenType:    "Bearer",
	}, nil
}

// Logout invalidates the principal's refresh token. Idempotent.
func (s *Service) Logout(ctx context.Context, userID string) error {
	return s.sessions.DeleteRefreshTokenForUser(ctx, userID)
}

// Register creates a new account carrying the USER role.
func (s *Service) Register(ctx context.Context, username, name, email, password string) (Principal, error) {
	username = strings.TrimSpace(strings.ToLower(username))
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(strings.ToLower(email))

	user, err := s.users.Register(ctx, username, name, email, password)
	if err != nil {
		return Principal{}, err
	}

	return user.Principal(), nil
}

// ChangePassword verifies the old password before storing a new hash.
func (s *Service) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(oldPassword)); err != nil {
		return ErrWrongPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash new password: %w", err)
	}

	return s.users.SetPasswordHash(ctx, userID, string(hash))
}

var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrWrongPassword       = errors.New("old password does not match")
)

// ErrLoginLocked signals an active lockout; no credential check happened.
type ErrLoginLocked struct {
	Until time.Time
}

func (e ErrLoginLocked) Error() string {
	return "login temporarily locked"
}
