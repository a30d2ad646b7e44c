package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
)

var (
	usernameRegex = regexp.MustCompile(`^[a-z0-9_.-]{3,32}$`)
	emailRegex    = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

const (
	maxJSONBodyBytes  = 1 << 20
	minPasswordLength = 10
	maxPasswordLength = 200
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type registerRequest struct {
	Username string `json:"username"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.Username = strings.TrimSpace(strings.ToLower(body.Username))
	body.Email = strings.TrimSpace(strings.ToLower(body.Email))
	body.Name = strings.TrimSpace(body.Name)
	if !usernameRegex.MatchString(body.Username) {
		writeError(w, http.StatusBadRequest, "invalid_request", "username format is invalid")
		return
	}
	if !emailRegex.MatchString(body.Email) {
		writeError(w, http.StatusBadRequest, "invalid_request", "email format is invalid")
		return
	}
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "name is required")
		return
	}
	if !validPassword(body.Password) {
		writeError(w, http.StatusBadRequest, "invalid_request", "password format is invalid")
		return
	}

	principal, err := h.service.Register(r.Context(), body.Username, body.Name, body.Email, body.Password)
	if err != nil {
		switch {
		case errors.Is(err, ErrUsernameTaken):
			writeError(w, http.StatusBadRequest, "username_taken", "username already taken")
		case errors.Is(err, ErrEmailTaken):
			writeError(w, http.StatusBadRequest, "email_taken", "email already in use")
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to register")
		}
		return
	}

	writeJSON(w, http.StatusCreated, principal)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	result, err := h.service.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		var locked ErrLoginLocked
		switch {
		case errors.Is(err, ErrInvalidCredentials):
			writeError(w, http.StatusUnauthorized, "invalid_credentials", "email or password is invalid")
		case errors.As(err, &locked):
			retryAfter := int(time.Until(locked.Until).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusLocked, "account_locked", "account temporarily locked after too many failed attempts")
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to login")
		}
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	result, err := h.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) {
			writeError(w, http.StatusUnauthorized, "invalid_token", "refresh token is invalid")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to refresh token")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	if err := h.service.Logout(r.Context(), principal.ID); err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to logout")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	writeJSON(w, http.StatusOK, principal)
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	var body changePasswordRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if !validPassword(body.NewPassword) {
		writeError(w, http.StatusBadRequest, "invalid_request", "new password format is invalid")
		return
	}

	if err := h.service.ChangePassword(r.Context(), principal.ID, body.OldPassword, body.NewPassword); err != nil {
		if errors.Is(err, ErrWrongPassword) {
			writeError(w, http.StatusBadRequest, "wrong_password", "old password does not match")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to change password")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "password changed"})
}

func validPassword(password string) bool {
	return len(password) >= minPasswordLength && len(password) <= maxPasswordLength
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
