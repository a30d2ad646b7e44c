package token

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const minKeyBytes = 32

// Claims carried by an access token. Subject is the principal's email.
type Claims struct {
	jwt.RegisteredClaims
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
}

// Codec signs and verifies access tokens with a server-wide HMAC key.
// It performs no I/O; the clock is injectable for tests.
type Codec struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewCodec builds a codec from a base64-encoded signing secret.
func NewCodec(secretBase64 string, ttl time.Duration) (*Codec, error) {
	key, err := base64.StdEncoding.DecodeString(secretBase64)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}
	if len(key) < minKeyBytes {
		return nil, fmt.Errorf("signing secret must decode to at least %d bytes", minKeyBytes)
	}
	if ttl <= 0 {
		return nil, errors.New("access token ttl must be positive")
	}

	return &Codec{key: key, ttl: ttl, now: time.Now}, nil
}

// TTL reports the configured access-token lifetime.
func (c *Codec) TTL() time.Duration {
	return c.ttl
}

// Issue signs a fresh access token for the given subject. Roles are
// snapshotted into the token and never re-read from it server-side.
func (c *Codec) Issue(email, username string, roles []string) (string, error) {
	now := c.now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
		Username: username,
		Roles:    roles,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}

	return signed, nil
}

// Validate reports whether the token carries a valid signature, has not
// expired, and names expectedSubject (case-sensitive). Every parse failure
// collapses to false; nothing escapes this boundary.
func (c *Codec) Validate(tokenString, expectedSubject string) bool {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, c.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil || !parsed.Valid {
		return false
	}

	return claims.Subject == expectedSubject
}

// ExtractSubject reads the subject out of a token before any principal is
// loaded. The signature is still checked, but expiry is reported separately:
// a well-formed expired token yields its subject alongside ErrTokenExpired,
// while garbage yields ErrTokenMalformed.
func (c *Codec) ExtractSubject(tokenString string) (string, error) {
	claims := &Claims{}
	_, err := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	).ParseWithClaims(tokenString, claims, c.keyFunc)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTokenMalformed, err)
	}
	if claims.Subject == "" {
		return "", ErrTokenMalformed
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(c.now()) {
		return claims.Subject, ErrTokenExpired
	}

	return claims.Subject, nil
}

func (c *Codec) keyFunc(_ *jwt.Token) (any, error) {
	return c.key, nil
}

var (
	ErrTokenMalformed = errors.New("malformed access token")
	ErrTokenExpired   = errors.New("access token expired")
)
