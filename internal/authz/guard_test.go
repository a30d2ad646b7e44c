package authz

import (
	"context"
	"errors"
	"testing"

	"recordkeeper/internal/auth"
)

type memoryRecordDirectory struct {
	owners    map[string]string // recordID -> ownerID
	reviewers map[string]bool   // username -> designated
	failing   bool
}

func (m *memoryRecordDirectory) OwnerID(_ context.Context, recordID string) (string, error) {
	if m.failing {
		return "", errors.New("directory unavailable")
	}
	owner, ok := m.owners[recordID]
	if !ok {
		return "", auth.ErrUserNotFound
	}
	return owner, nil
}

func (m *memoryRecordDirectory) ReviewerExists(_ context.Context, username string) (bool, error) {
	if m.failing {
		return false, errors.New("directory unavailable")
	}
	return m.reviewers[username], nil
}

func TestIsOwner(t *testing.T) {
	guard := NewGuard(&memoryRecordDirectory{owners: map[string]string{"rec-1": "u1"}})
	owner := auth.Principal{ID: "u1", Username: "alice"}
	other := auth.Principal{ID: "u2", Username: "bob"}

	if !guard.IsOwner(context.Background(), owner, "rec-1") {
		t.Fatal("owner denied")
	}
	if guard.IsOwner(context.Background(), other, "rec-1") {
		t.Fatal("non-owner admitted")
	}
	if guard.IsOwner(context.Background(), owner, "rec-missing") {
		t.Fatal("missing record admitted")
	}
}

func TestGuardFailsClosed(t *testing.T) {
	guard := NewGuard(&memoryRecordDirectory{failing: true})
	p := auth.Principal{ID: "u1", Username: "alice"}

	if guard.IsOwner(context.Background(), p, "rec-1") {
		t.Fatal("IsOwner admitted on lookup error")
	}
	if guard.IsReviewer(context.Background(), p) {
		t.Fatal("IsReviewer admitted on lookup error")
	}
}

func TestCanManage(t *testing.T) {
	dir := &memoryRecordDirectory{reviewers: map[string]bool{"rita": true}}
	guard := NewGuard(dir)

	admin := auth.Principal{ID: "u1", Username: "root", Roles: []auth.Role{auth.RoleAdmin}}
	reviewer := auth.Principal{ID: "u2", Username: "rita", Roles: []auth.Role{auth.RoleUser}}
	plain := auth.Principal{ID: "u3", Username: "bob", Roles: []auth.Role{auth.RoleUser}}

	if !guard.CanManage(context.Background(), admin) {
		t.Fatal("administrator denied")
	}
	if !guard.CanManage(context.Background(), reviewer) {
		t.Fatal("reviewer denied")
	}
	if guard.CanManage(context.Background(), plain) {
		t.Fatal("plain user admitted")
	}
}
