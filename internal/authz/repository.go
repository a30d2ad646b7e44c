package authz

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"recordkeeper/internal/auth"
)

// Repository is the Postgres implementation of RoleStore. Grant and revoke
// run as single transactions so a role change and its audit row commit
// together, and the revoke's admin count is taken under row locks.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) FindIDByUsername(ctx context.Context, username string) (string, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `
		SELECT id FROM users WHERE username = $1
	`, username).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", auth.ErrUserNotFound
		}
		return "", fmt.Errorf("query user id: %w", err)
	}
	return id, nil
}

// GrantAdmin adds the role and its audit row in one transaction. Granting
// to an existing administrator commits nothing and writes no audit row.
func (r *Repository) GrantAdmin(ctx context.Context, userID string, entry AuditEntry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin grant tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO user_roles (user_id, role) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, userID, auth.RoleAdmin)
	if err != nil {
		return fmt.Errorf("add admin role: %w", err)
	}
	added, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("grant rows affected: %w", err)
	}
	if added == 0 {
		return nil
	}

	if err := appendAudit(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit grant tx: %w", err)
	}
	return nil
}

// RevokeAdmin locks the admin role set, verifies membership and the
// remaining count, then deletes the role and writes the audit row, all in
// one transaction. Two racing revokes serialize on the row locks, so the
// second observes the reduced count and aborts with ErrLastAdmin.
func (r *Repository) RevokeAdmin(ctx context.Context, userID string, entry AuditEntry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin revoke tx: %w", err)
	}
	defer tx.Rollback()

	count, isAdmin, err := lockAdminSet(ctx, tx, userID)
	if err != nil {
		return err
	}
	if !isAdmin {
		return ErrNotAdmin
	}
	if count <= 1 {
		return ErrLastAdmin
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM user_roles WHERE user_id = $1 AND role = $2
	`, userID, auth.RoleAdmin); err != nil {
		return fmt.Errorf("remove admin role: %w", err)
	}

	if err := appendAudit(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit revoke tx: %w", err)
	}
	return nil
}

func lockAdminSet(ctx context.Context, tx *sql.Tx, userID string) (count int, isAdmin bool, err error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT user_id FROM user_roles WHERE role = $1 FOR UPDATE
	`, auth.RoleAdmin)
	if err != nil {
		return 0, false, fmt.Errorf("lock admin role set: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, false, fmt.Errorf("scan admin row: %w", err)
		}
		count++
		if id == userID {
			isAdmin = true
		}
	}
	if err := rows.Err(); err != nil {
		return 0, false, fmt.Errorf("iterate admin rows: %w", err)
	}

	return count, isAdmin, nil
}

func appendAudit(ctx context.Context, tx *sql.Tx, entry AuditEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO role_audit (action, target_username, performed_by, performed_at, details)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.Action, entry.TargetUsername, entry.PerformedBy, entry.PerformedAt, entry.Details)
	if err != nil {
		return fmt.Errorf("append role audit: %w", err)
	}
	return nil
}

func (r *Repository) ListAdmins(ctx context.Context) ([]auth.Principal, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT u.id, u.username, u.name, u.email
		FROM users u
		JOIN user_roles r ON r.user_id = u.id
		WHERE r.role = $1
		ORDER BY u.username
	`, auth.RoleAdmin)
	if err != nil {
		return nil, fmt.Errorf("query administrators: %w", err)
	}
	defer rows.Close()

	admins := make([]auth.Principal, 0)
	for rows.Next() {
		var p auth.Principal
		if err := rows.Scan(&p.ID, &p.Username, &p.Name, &p.Email); err != nil {
			return nil, fmt.Errorf("scan administrator: %w", err)
		}
		p.Roles = []auth.Role{auth.RoleAdmin}
		admins = append(admins, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate administrators: %w", err)
	}

	return admins, nil
}

func (r *Repository) AuditPage(ctx context.Context, page, size int) (AuditPage, error) {
	var total int64
	if err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM role_audit
	`).Scan(&total); err != nil {
		return AuditPage{}, fmt.Errorf("count role audit: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, action, target_username, performed_by, performed_at, details
		FROM role_audit
		ORDER BY performed_at DESC, id DESC
		LIMIT $1 OFFSET $2
	`, size, page*size)
	if err != nil {
		return AuditPage{}, fmt.Errorf("query role audit: %w", err)
	}
	defer rows.Close()

	entries := make([]AuditEntry, 0, size)
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Action, &e.TargetUsername, &e.PerformedBy, &e.PerformedAt, &e.Details); err != nil {
			return AuditPage{}, fmt.Errorf("scan role audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return AuditPage{}, fmt.Errorf("iterate role audit: %w", err)
	}

	return AuditPage{Entries: entries, Total: total, Page: page, Size: size}, nil
}
