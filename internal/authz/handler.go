package authz

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/getsentry/sentry-go"

	"recordkeeper/internal/auth"
)

// Handler exposes role administration. Routes are mounted behind
// RequireRole(ADMIN); the self-revocation rule is a policy knob enforced
// here, not a data invariant inside the service.
type Handler struct {
	service         *Service
	allowSelfRevoke bool
}

func NewHandler(service *Service, allowSelfRevoke bool) *Handler {
	return &Handler{service: service, allowSelfRevoke: allowSelfRevoke}
}

func (h *Handler) ListAdmins(w http.ResponseWriter, r *http.Request) {
	admins, err := h.service.Admins(r.Context())
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list administrators")
		return
	}

	writeJSON(w, http.StatusOK, admins)
}

func (h *Handler) GrantAdmin(w http.ResponseWriter, r *http.Request) {
	target := r.PathValue("username")
	caller, _ := auth.PrincipalFrom(r.Context())

	if err := h.service.GrantAdmin(r.Context(), target, caller.Username); err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "user_not_found", "user not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to grant role")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ADMIN granted", "username": target})
}

func (h *Handler) RevokeAdmin(w http.ResponseWriter, r *http.Request) {
	target := r.PathValue("username")
	caller, _ := auth.PrincipalFrom(r.Context())

	if !h.allowSelfRevoke && caller.Username == target {
		writeError(w, http.StatusBadRequest, "self_revoke", "you cannot revoke your own administrator role")
		return
	}

	if err := h.service.RevokeAdmin(r.Context(), target, caller.Username); err != nil {
		switch {
		case errors.Is(err, auth.ErrUserNotFound):
			writeError(w, http.StatusNotFound, "user_not_found", "user not found")
		case errors.Is(err, ErrNotAdmin):
			writeError(w, http.StatusBadRequest, "not_admin", "user does not hold the administrator role")
		case errors.Is(err, ErrLastAdmin):
			writeError(w, http.StatusConflict, "last_admin", "at least one administrator must remain")
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to revoke role")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ADMIN revoked", "username": target})
}

func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("size"))

	result, err := h.service.Audit(r.Context(), page, size)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load role audit")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
