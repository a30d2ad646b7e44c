// Package authz evaluates request-scoped authorization predicates and
// owns role administration, including the rule that the system must never
// be left without an administrator.
package authz

import (
	"context"

	"recordkeeper/internal/auth"
)

// RecordDirectory resolves record ownership and reviewer designation by
// identifier, keeping the object graph free of embedded back-references.
type RecordDirectory interface {
	OwnerID(ctx context.Context, recordID string) (string, error)
	ReviewerExists(ctx context.Context, username string) (bool, error)
}

// Guard answers ownership and role questions for one request. All
// predicates fail closed: lookup errors read as "not permitted".
type Guard struct {
	records RecordDirectory
}

func NewGuard(records RecordDirectory) *Guard {
	return &Guard{records: records}
}

// IsOwner reports whether the principal owns the record.
func (g *Guard) IsOwner(ctx context.Context, p auth.Principal, recordID string) bool {
	ownerID, err := g.records.OwnerID(ctx, recordID)
	if err != nil {
		return false
	}
	return ownerID == p.ID
}

// IsInRole is a set-membership check against the eagerly loaded role set.
func (g *Guard) IsInRole(p auth.Principal, role auth.Role) bool {
	return p.HasRole(role)
}

// IsReviewer reports whether any record designates the principal as its
// reviewer. The property is derived from the records, not stored on the
// principal.
func (g *Guard) IsReviewer(ctx context.Context, p auth.Principal) bool {
	exists, err := g.records.ReviewerExists(ctx, p.Username)
	if err != nil {
		return false
	}
	return exists
}

// CanManage reports whether the principal may act on another user's
// record: administrators and designated reviewers may.
func (g *Guard) CanManage(ctx context.Context, p auth.Principal) bool {
	return g.IsInRole(p, auth.RoleAdmin) || g.IsReviewer(ctx, p)
}
