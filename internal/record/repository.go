package record

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) ListByOwner(ctx context.Context, ownerID string) ([]Record, error) {
	return r.list(ctx, `
		SELECT id, owner_id, COALESCE(reviewer_username, ''), title, content, status, created_at, updated_at
		FROM records
		WHERE owner_id = $1
		ORDER BY created_at DESC
	`, ownerID)
}

func (r *Repository) ListByReviewer(ctx context.Context, reviewerUsername string) ([]Record, error) {
	return r.list(ctx, `
		SELECT id, owner_id, COALESCE(reviewer_username, ''), title, content, status, created_at, updated_at
		FROM records
		WHERE reviewer_username = $1
		ORDER BY created_at DESC
	`, reviewerUsername)
}

func (r *Repository) list(ctx context.Context, query string, arg any) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.OwnerID, &rec.ReviewerUsername, &rec.Title, &rec.Content, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}

	return records, nil
}

func (r *Repository) Find(ctx context.Context, id string) (Record, error) {
	var rec Record
	err := r.db.QueryRowContext(ctx, `
		SELECT id, owner_id, COALESCE(reviewer_username, ''), title, content, status, created_at, updated_at
		FROM records
		WHERE id = $1
	`, id).Scan(&rec.ID, &rec.OwnerID, &rec.ReviewerUsername, &rec.Title, &rec.Content, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("find record: %w", err)
	}

	return rec, nil
}

func (r *Repository) Create(ctx context.Context, ownerID string, input RecordInput) (Record, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Record{}, fmt.Errorf("generate uuid v7: %w", err)
	}

	now := time.Now().UTC()
	rec := Record{
		ID:               id.String(),
		OwnerID:          ownerID,
		ReviewerUsername: input.ReviewerUsername,
		Title:            input.Title,
		Content:          input.Content,
		Status:           StatusDraft,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO records (id, owner_id, reviewer_username, title, content, status, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8)
	`, rec.ID, rec.OwnerID, rec.ReviewerUsername, rec.Title, rec.Content, rec.Status, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return Record{}, fmt.Errorf("insert record: %w", err)
	}

	return rec, nil
}

func (r *Repository) Update(ctx context.Context, id string, input RecordInput) (Record, error) {
	var rec Record
	rec.UpdatedAt = time.Now().UTC()

	err := r.db.QueryRowContext(ctx, `
		UPDATE records
		SET title = $2, content = $3, reviewer_username = NULLIF($4, ''), updated_at = $5
		WHERE id = $1
		RETURNING id, owner_id, COALESCE(reviewer_username, ''), title, content, status, created_at, updated_at
	`, id, input.Title, input.Content, input.ReviewerUsername, rec.UpdatedAt).
		Scan(&rec.ID, &rec.OwnerID, &rec.ReviewerUsername, &rec.Title, &rec.Content, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("update record: %w", err)
	}

	return rec, nil
}

func (r *Repository) SetStatus(ctx context.Context, id string, status Status) (Record, error) {
	var rec Record
	rec.UpdatedAt = time.Now().UTC()

	err := r.db.QueryRowContext(ctx, `
		UPDATE records
		SET status = $2, updated_at = $3
		WHERE id = $1
		RETURNING id, owner_id, COALESCE(reviewer_username, ''), title, content, status, created_at, updated_at
	`, id, status, rec.UpdatedAt).
		Scan(&rec.ID, &rec.OwnerID, &rec.ReviewerUsername, &rec.Title, &rec.Content, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("set record status: %w", err)
	}

	return rec, nil
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM records WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}

	return nil
}

// OwnerID resolves a record to its owner's user id.
func (r *Repository) OwnerID(ctx context.Context, recordID string) (string, error) {
	var ownerID string
	err := r.db.QueryRowContext(ctx, `SELECT owner_id FROM records WHERE id = $1`, recordID).Scan(&ownerID)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", err
		}
		return "", fmt.Errorf("resolve record owner: %w", err)
	}
	return ownerID, nil
}

// ReviewerExists reports whether any record designates the username as
// its reviewer.
func (r *Repository) ReviewerExists(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM records WHERE reviewer_username = $1)
	`, username).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check reviewer: %w", err)
	}
	return exists, nil
}
