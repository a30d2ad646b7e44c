package authz

import (
	"context"
	"errors"
	"time"

	"recordkeeper/internal/auth"
)

const (
	auditActionGrant  = "GRANT"
	auditActionRevoke = "REVOKE"
)

// AuditEntry is one recorded role change.
type AuditEntry struct {
	ID             int64     `json:"id"`
	Action         string    `json:"action"`
	TargetUsername string    `json:"target_username"`
	PerformedBy    string    `json:"performed_by"`
	PerformedAt    time.Time `json:"performed_at"`
	Details        string    `json:"details"`
}

// AuditPage is a slice of the audit log, newest first.
type AuditPage struct {
	Entries []AuditEntry `json:"entries"`
	Total   int64        `json:"total"`
	Page    int          `json:"page"`
	Size    int          `json:"size"`
}

// RoleStore is the persistence boundary for role membership and the audit
// sink. GrantAdmin and RevokeAdmin are atomic: the role change and its
// audit entry land together or not at all, and RevokeAdmin enforces the
// at-least-one-administrator rule against a consistent view of the role
// set, failing with ErrNotAdmin or ErrLastAdmin without state changes.
type RoleStore interface {
	FindIDByUsername(ctx context.Context, username string) (string, error)
	GrantAdmin(ctx context.Context, userID string, entry AuditEntry) error
	RevokeAdmin(ctx context.Context, userID string, entry AuditEntry) error
	ListAdmins(ctx context.Context) ([]auth.Principal, error)
	AuditPage(ctx context.Context, page, size int) (AuditPage, error)
}

// Service performs role grants and revocations.
type Service struct {
	store RoleStore
	now   func() time.Time
}

func NewService(store RoleStore) *Service {
	return &Service{store: store, now: time.Now}
}

// GrantAdmin adds the ADMIN role to the target and records the change.
// Granting to an existing administrator is a no-op without an audit row.
func (s *Service) GrantAdmin(ctx context.Context, targetUsername, performedBy string) error {
	userID, err := s.store.FindIDByUsername(ctx, targetUsername)
	if err != nil {
		return err
	}

	return s.store.GrantAdmin(ctx, userID, AuditEntry{
		Action:         auditActionGrant,
		TargetUsername: targetUsername,
		PerformedBy:    performedBy,
		PerformedAt:    s.now().UTC(),
		Details:        "granted ADMIN role",
	})
}

// RevokeAdmin removes the ADMIN role from the target. With at most one
// administrator left the operation aborts with ErrLastAdmin and no state
// changes.
func (s *Service) RevokeAdmin(ctx context.Context, targetUsername, performedBy string) error {
	userID, err := s.store.FindIDByUsername(ctx, targetUsername)
	if err != nil {
		return err
	}

	return s.store.RevokeAdmin(ctx, userID, AuditEntry{
		Action:         auditActionRevoke,
		TargetUsername: targetUsername,
		PerformedBy:    performedBy,
		PerformedAt:    s.now().UTC(),
		Details:        "revoked ADMIN role",
	})
}

// Admins lists all current administrators.
func (s *Service) Admins(ctx context.Context) ([]auth.Principal, error) {
	return s.store.ListAdmins(ctx)
}

// Audit returns one page of the role-change log, newest first.
func (s *Service) Audit(ctx context.Context, page, size int) (AuditPage, error) {
	if page < 0 {
		page = 0
	}
	if size <= 0 || size > 200 {
		size = 20
	}
	return s.store.AuditPage(ctx, page, size)
}

var (
	// ErrLastAdmin aborts a revoke that would leave zero administrators.
	ErrLastAdmin = errors.New("cannot revoke the last administrator")
	// ErrNotAdmin means the target does not hold the ADMIN role.
	ErrNotAdmin = errors.New("user does not hold the administrator role")
)
