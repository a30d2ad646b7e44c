package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"recordkeeper/internal/token"
)

const testSecret = "dGhpcy1pcy1hLTMyLWJ5dGUtdGVzdC1zZWNyZXQta2V5" // 32+ bytes, base64

type fixture struct {
	service  *Service
	users    *memoryUsers
	tokens   *memorySessions
	attempts *memoryAttempts
	clock    *fakeClock
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := &fakeClock{t: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}

	codec, err := token.NewCodec(testSecret, 15*time.Minute)
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}

	users := &memoryUsers{users: map[string]User{}}
	sessions := &memorySessions{records: map[string]RefreshTokenRecord{}, clock: clock}
	attempts := &memoryAttempts{attempts: map[string]LoginAttempt{}}

	guard := NewLoginGuard(attempts, 5, 15*time.Minute)
	guard.now = clock.Now

	service := NewService(users, sessions, guard, codec, 7*24*time.Hour)

	return &fixture{service: service, users: users, tokens: sessions, attempts: attempts, clock: clock}
}

func (f *fixture) addUser(t *testing.T, username, email, password string, roles ...Role) User {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	if len(roles) == 0 {
		roles = []Role{RoleUser}
	}

	user := User{
		ID:           "id-" + username,
		Username:     username,
		Name:         username,
		Email:        email,
		PasswordHash: string(hash),
		Roles:        roles,
	}
	f.users.users[email] = user
	return user
}

type memoryUsers struct {
	users map[string]User // keyed by email
}

func (m *memoryUsers) FindByEmail(_ context.Context, email string) (User, error) {
	user, ok := m.users[email]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (m *memoryUsers) FindByID(_ context.Context, id string) (User, error) {
	for _, user := range m.users {
		if user.ID == id {
			return user, nil
		}
	}
	return User{}, ErrUserNotFound
}

func (m *memoryUsers) FindByUsername(_ context.Context, username string) (User, error) {
	for _, user := range m.users {
		if user.Username == username {
			return user, nil
		}
	}
	return User{}, ErrUserNotFound
}

func (m *memoryUsers) Register(_ context.Context, username, name, email, plainPassword string) (User, error) {
	if _, ok := m.users[email]; ok {
		return User{}, ErrEmailTaken
	}
	for _, user := range m.users {
		if user.Username == username {
			return User{}, ErrUsernameTaken
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(plainPassword), bcrypt.MinCost)
	if err != nil {
		return User{}, err
	}

	user := User{
		ID:           "id-" + username,
		Username:     username,
		Name:         name,
		Email:        email,
		PasswordHash: string(hash),
		Roles:        []Role{RoleUser},
	}
	m.users[email] = user
	return user, nil
}

func (m *memoryUsers) SetPasswordHash(_ context.Context, userID, hash string) error {
	for email, user := range m.users {
		if user.ID == userID {
			user.PasswordHash = hash
			m.users[email] = user
			return nil
		}
	}
	return ErrUserNotFound
}

type memorySessions struct {
	records map[string]RefreshTokenRecord // keyed by raw token
	clock   *fakeClock
}

func (m *memorySessions) CreateRefreshToken(_ context.Context, userID string, ttl time.Duration) (string, error) {
	for raw, rec := range m.records {
		if rec.UserID == userID {
			delete(m.records, raw)
		}
	}

	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	raw := hex.EncodeToString(buf)

	m.records[raw] = RefreshTokenRecord{
		ID:        "rt-" + raw[:8],
		UserID:    userID,
		ExpiresAt: m.clock.Now().Add(ttl),
		CreatedAt: m.clock.Now(),
	}
	return raw, nil
}

func (m *memorySessions) FindRefreshToken(_ context.Context, raw string) (RefreshTokenRecord, error) {
	rec, ok := m.records[raw]
	if !ok {
		return RefreshTokenRecord{}, ErrRefreshNotFound
	}
	return rec, nil
}

func (m *memorySessions) VerifyRefreshToken(_ context.Context, raw string) (RefreshTokenRecord, error) {
	rec, ok := m.records[raw]
	if !ok {
		return RefreshTokenRecord{}, ErrRefreshNotFound
	}
	if !rec.ExpiresAt.After(m.clock.Now()) {
		delete(m.records, raw)
		return RefreshTokenRecord{}, ErrRefreshExpired
	}
	return rec, nil
}

func (m *memorySessions) DeleteRefreshTokenForUser(_ context.Context, userID string) error {
	for raw, rec := range m.records {
		if rec.UserID == userID {
			delete(m.records, raw)
		}
	}
	return nil
}

type memoryAttempts struct {
	attempts map[string]LoginAttempt
}

func (m *memoryAttempts) GetLoginAttempt(_ context.Context, email string) (LoginAttempt, error) {
	return m.attempts[email], nil
}

func (m *memoryAttempts) RecordLoginFailure(_ context.Context, email string, threshold int, lockFor time.Duration, now time.Time) (*time.Time, error) {
	attempt := m.attempts[email]
	attempt.Email = email
	attempt.FailedAttempts++
	if attempt.FailedAttempts >= threshold {
		until := now.Add(lockFor)
		attempt.LockedUntil = &until
	}
	m.attempts[email] = attempt
	if attempt.LockedUntil != nil {
		until := *attempt.LockedUntil
		return &until, nil
	}
	return nil, nil
}

func (m *memoryAttempts) ResetLoginAttempts(_ context.Context, email string) error {
	delete(m.attempts, email)
	return nil
}

func TestLoginSuccess(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "alice", "alice@example.com", "correct horse battery")

	result, err := f.service.Login(context.Background(), "Alice@Example.com", "correct horse battery")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if result.AccessToken == "" || result.RefreshToken == "" {
		t.Fatal("empty tokens")
	}
	if result.TokenType != "Bearer" {
		t.Fatalf("token type = %q", result.TokenType)
	}
	if result.ExpiresIn != int64((15 * time.Minute).Seconds()) {
		t.Fatalf("expires_in = %d", result.ExpiresIn)
	}
	if result.Principal.Username != "alice" {
		t.Fatalf("principal = %+v", result.Principal)
	}
	if _, err := f.tokens.FindRefreshToken(context.Background(), result.RefreshToken); err != nil {
		t.Fatalf("refresh token not persisted: %v", err)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "alice", "alice@example.com", "correct horse battery")

	_, err := f.service.Login(context.Background(), "alice@example.com", "wrong")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestLoginUnknownEmail(t *testing.T) {
	f := newFixture(t)

	// Only existing identities are tracked: spraying unknown emails must
	// neither lock anything nor leave attempt rows behind.
	for i := 0; i < 10; i++ {
		_, err := f.service.Login(context.Background(), "ghost@example.com", "whatever")
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: err = %v, want ErrInvalidCredentials", i+1, err)
		}
	}
	if len(f.attempts.attempts) != 0 {
		t.Fatalf("attempt rows = %d, want none for unknown identities", len(f.attempts.attempts))
	}
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "alice", "alice@example.com", "correct horse battery")

	for i := 0; i < 4; i++ {
		_, err := f.service.Login(context.Background(), "alice@example.com", "wrong")
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: err = %v, want ErrInvalidCredentials", i+1, err)
		}
	}

	// The fifth failure crosses the threshold.
	_, err := f.service.Login(context.Background(), "alice@example.com", "wrong")
	var locked ErrLoginLocked
	if !errors.As(err, &locked) {
		t.Fatalf("err = %v, want ErrLoginLocked", err)
	}
	wantUntil := f.clock.Now().Add(15 * time.Minute)
	if !locked.Until.Equal(wantUntil) {
		t.Fatalf("locked until %v, want %v", locked.Until, wantUntil)
	}

	// Correct credentials are not even checked while the lock holds.
	_, err = f.service.Login(context.Background(), "alice@example.com", "correct horse battery")
	if !errors.As(err, &locked) {
		t.Fatalf("err = %v, want ErrLoginLocked during lockout", err)
	}

	// After the lock expires the account works again and the counter clears.
	f.clock.Advance(15*time.Minute + time.Second)
	if _, err := f.service.Login(context.Background(), "alice@example.com", "correct horse battery"); err != nil {
		t.Fatalf("login after lock expiry: %v", err)
	}
	if _, err := f.service.Login(context.Background(), "alice@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want a plain failure after reset", err)
	}
}

func TestSuccessResetsFailureCounter(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "alice", "alice@example.com", "correct horse battery")

	for i := 0; i < 4; i++ {
		f.service.Login(context.Background(), "alice@example.com", "wrong")
	}
	if _, err := f.service.Login(context.Background(), "alice@example.com", "correct horse battery"); err != nil {
		t.Fatalf("login: %v", err)
	}

	// A single failure after the reset must not lock.
	_, err := f.service.Login(context.Background(), "alice@example.com", "wrong")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestRefreshReturnsSameToken(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "alice", "alice@example.com", "correct horse battery")

	login, err := f.service.Login(context.Background(), "alice@example.com", "correct horse battery")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	result, err := f.service.Refresh(context.Background(), login.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if result.RefreshToken != login.RefreshToken {
		t.Fatal("refresh token changed across refresh")
	}
	if result.AccessToken == "" || result.Username != "alice" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestRefreshUnknownToken(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Refresh(context.Background(), "deadbeef")
	if !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("err = %v, want ErrInvalidRefreshToken", err)
	}
}

func TestRefreshExpiredTokenIsDeleted(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "alice", "alice@example.com", "correct horse battery")

	login, err := f.service.Login(context.Background(), "alice@example.com", "correct horse battery")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	f.clock.Advance(8 * 24 * time.Hour)

	_, err = f.service.Refresh(context.Background(), login.RefreshToken)
	if !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("err = %v, want ErrInvalidRefreshToken", err)
	}
	if _, err := f.tokens.FindRefreshToken(context.Background(), login.RefreshToken); !errors.Is(err, ErrRefreshNotFound) {
		t.Fatal("expired token still stored")
	}
}

func TestSecondLoginReplacesRefreshToken(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "alice", "alice@example.com", "correct horse battery")

	first, err := f.service.Login(context.Background(), "alice@example.com", "correct horse battery")
	if err != nil {
		t.Fatalf("first login: %v", err)
	}
	second, err := f.service.Login(context.Background(), "alice@example.com", "correct horse battery")
	if err != nil {
		t.Fatalf("second login: %v", err)
	}

	if _, err := f.tokens.FindRefreshToken(context.Background(), first.RefreshToken); !errors.Is(err, ErrRefreshNotFound) {
		t.Fatal("first refresh token survived the second login")
	}
	if _, err := f.tokens.FindRefreshToken(context.Background(), second.RefreshToken); err != nil {
		t.Fatalf("second refresh token missing: %v", err)
	}
}

func TestLogoutInvalidatesRefreshToken(t *testing.T) {
	f := newFixture(t)
	user := f.addUser(t, "alice", "alice@example.com", "correct horse battery")

	login, err := f.service.Login(context.Background(), "alice@example.com", "correct horse battery")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	if err := f.service.Logout(context.Background(), user.ID); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := f.service.Refresh(context.Background(), login.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("err = %v, want ErrInvalidRefreshToken after logout", err)
	}

	// Logging out twice is fine.
	if err := f.service.Logout(context.Background(), user.ID); err != nil {
		t.Fatalf("second logout: %v", err)
	}
}

func TestChangePassword(t *testing.T) {
	f := newFixture(t)
	user := f.addUser(t, "alice", "alice@example.com", "correct horse battery")

	err := f.service.ChangePassword(context.Background(), user.ID, "not the password", "a new password!")
	if !errors.Is(err, ErrWrongPassword) {
		t.Fatalf("err = %v, want ErrWrongPassword", err)
	}

	if err := f.service.ChangePassword(context.Background(), user.ID, "correct horse battery", "a new password!"); err != nil {
		t.Fatalf("change password: %v", err)
	}
	if _, err := f.service.Login(context.Background(), "alice@example.com", "a new password!"); err != nil {
		t.Fatalf("login with new password: %v", err)
	}
}
