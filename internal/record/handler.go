package record

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"recordkeeper/internal/auth"
	"recordkeeper/internal/authz"
)

const maxJSONBodyBytes = 1 << 20

type Handler struct {
	repo  *Repository
	guard *authz.Guard
}

func NewHandler(repo *Repository, guard *authz.Guard) *Handler {
	return &Handler{repo: repo, guard: guard}
}

// ListRecords returns the caller's own records.
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	records, err := h.repo.ListByOwner(r.Context(), p.ID)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list records")
		return
	}

	writeJSON(w, http.StatusOK, records)
}

// ReviewQueue returns the records that designate the caller as reviewer.
func (h *Handler) ReviewQueue(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	records, err := h.repo.ListByReviewer(r.Context(), p.Username)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list records")
		return
	}

	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	p, rec, ok := h.loadRecord(w, r)
	if !ok {
		return
	}

	if rec.OwnerID != p.ID && rec.ReviewerUsername != p.Username && !h.guard.IsInRole(p, auth.RoleAdmin) {
		writeError(w, http.StatusForbidden, "forbidden", "you may not view this record")
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	input, ok := parseInput(w, r)
	if !ok {
		return
	}

	rec, err := h.repo.Create(r.Context(), p.ID, input)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create record")
		return
	}

	writeJSON(w, http.StatusCreated, rec)
}

// UpdateRecord rewrites the editable fields. Only the owner may update.
func (h *Handler) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	p, rec, ok := h.loadRecord(w, r)
	if !ok {
		return
	}

	if !h.guard.IsOwner(r.Context(), p, rec.ID) {
		writeError(w, http.StatusForbidden, "forbidden", "only the owner may update a record")
		return
	}

	input, ok := parseInput(w, r)
	if !ok {
		return
	}

	updated, err := h.repo.Update(r.Context(), rec.ID, input)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found", "record not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to update record")
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

// SetStatus moves a record through its review states. Only the record's
// designated reviewer or an administrator may change the status.
func (h *Handler) SetStatus(w http.ResponseWriter, r *http.Request) {
	p, rec, ok := h.loadRecord(w, r)
	if !ok {
		return
	}

	if rec.ReviewerUsername != p.Username && !h.guard.IsInRole(p, auth.RoleAdmin) {
		writeError(w, http.StatusForbidden, "forbidden", "only the reviewer may change the status")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	var body struct {
		Status Status `json:"status"`
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid json body")
		return
	}
	if !ValidStatus(body.Status) {
		writeError(w, http.StatusBadRequest, "invalid_status", "unknown status value")
		return
	}

	updated, err := h.repo.SetStatus(r.Context(), rec.ID, body.Status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found", "record not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to change status")
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

// DeleteRecord removes a record. The owner or an administrator may delete.
func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	p, rec, ok := h.loadRecord(w, r)
	if !ok {
		return
	}

	if !h.guard.IsOwner(r.Context(), p, rec.ID) && !h.guard.IsInRole(p, auth.RoleAdmin) {
		writeError(w, http.StatusForbidden, "forbidden", "you may not delete this record")
		return
	}

	if err := h.repo.Delete(r.Context(), rec.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found", "record not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete record")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) loadRecord(w http.ResponseWriter, r *http.Request) (auth.Principal, Record, bool) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return auth.Principal{}, Record{}, false
	}

	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "invalid record id")
		return auth.Principal{}, Record{}, false
	}

	rec, err := h.repo.Find(r.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found", "record not found")
			return auth.Principal{}, Record{}, false
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load record")
		return auth.Principal{}, Record{}, false
	}

	return p, rec, true
}

func parseInput(w http.ResponseWriter, r *http.Request) (RecordInput, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var input RecordInput
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid json body")
		return RecordInput{}, false
	}

	input.Title = strings.TrimSpace(input.Title)
	input.Content = strings.TrimSpace(input.Content)
	input.ReviewerUsername = strings.TrimSpace(input.ReviewerUsername)

	if input.Title == "" {
		writeError(w, http.StatusBadRequest, "invalid_title", "title is required")
		return RecordInput{}, false
	}
	if !utf8.ValidString(input.Title) || len(input.Title) > 150 {
		writeError(w, http.StatusBadRequest, "invalid_title", "title is invalid")
		return RecordInput{}, false
	}
	if !utf8.ValidString(input.Content) || len(input.Content) > 10000 {
		writeError(w, http.StatusBadRequest, "invalid_content", "content is invalid")
		return RecordInput{}, false
	}

	return input, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
