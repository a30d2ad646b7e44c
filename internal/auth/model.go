package auth

import "time"

// Role is a label in a principal's unordered role set.
type Role string

const (
	RoleAdmin Role = "ADMIN"
	RoleUser  Role = "USER"
)

// User is the persisted account record. The password hash never leaves
// this package; handlers expose only the Principal view.
type User struct {
	ID           string
	Username     string
	Name         string
	Email        string
	PasswordHash string
	Roles        []Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Principal is the authenticated identity bound to a request. Roles are
// loaded eagerly with the user so authorization checks need no extra lookup.
type Principal struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Roles    []Role `json:"roles"`
}

// Principal returns the request-facing view of the user.
func (u User) Principal() Principal {
	return Principal{
		ID:       u.ID,
		Username: u.Username,
		Name:     u.Name,
		Email:    u.Email,
		Roles:    u.Roles,
	}
}

// HasRole reports membership in the principal's role set.
func (p Principal) HasRole(role Role) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func roleLabels(roles []Role) []string {
	labels := make([]string, 0, len(roles))
	for _, r := range roles {
		labels = append(labels, string(r))
	}
	return labels
}

// RefreshTokenRecord is the server-side state of a long-lived session.
// Only the SHA-256 hash of the raw token is persisted.
type RefreshTokenRecord struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// LoginAttempt tracks consecutive failures for one login identity.
// A missing row means zero failures and no lockout.
type LoginAttempt struct {
	Email          string
	FailedAttempts int
	LockedUntil    *time.Time
}
