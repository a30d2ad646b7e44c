package record

import "time"

// Status is the review state of a record.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusSubmitted Status = "SUBMITTED"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
)

// ValidStatus reports whether s is one of the known review states.
func ValidStatus(s Status) bool {
	switch s {
	case StatusDraft, StatusSubmitted, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// Record is one tenant-owned entry with an optional designated reviewer.
type Record struct {
	ID               string    `json:"id"`
	OwnerID          string    `json:"owner_id"`
	ReviewerUsername string    `json:"reviewer_username,omitempty"`
	Title            string    `json:"title"`
	Content          string    `json:"content"`
	Status           Status    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// RecordInput carries the client-editable fields.
type RecordInput struct {
	Title            string `json:"title"`
	Content          string `json:"content"`
	ReviewerUsername string `json:"reviewer_username"`
}
