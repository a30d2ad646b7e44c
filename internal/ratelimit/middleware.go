package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"recordkeeper/internal/observability"
)

// Middleware applies the fixed-window limiter to inbound requests. Bypass
// prefixes are checked before the client address is even extracted; a
// failing primary backend degrades to the local fallback for that request
// rather than rejecting or failing it.
type Middleware struct {
	primary       Counter
	fallback      Counter
	windowSeconds int
	bypass        []string
	logger        *observability.Logger
}

// NewMiddleware wires a limiter chain. fallback may be nil when the
// primary backend is already in-process.
func NewMiddleware(primary, fallback Counter, windowSeconds int, bypass []string, logger *observability.Logger) *Middleware {
	if windowSeconds <= 0 {
		windowSeconds = DefaultWindowSeconds
	}

	return &Middleware{
		primary:       primary,
		fallback:      fallback,
		windowSeconds: windowSeconds,
		bypass:        bypass,
		logger:        logger,
	}
}

func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.bypassed(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		addr := ClientAddr(r)

		admitted, err := m.primary.Admit(r.Context(), addr)
		if err != nil {
			m.logger.Warn("rate_counter_degraded", map[string]any{
				"addr":  addr,
				"error": err.Error(),
			})
			if m.fallback != nil {
				admitted, _ = m.fallback.Admit(r.Context(), addr)
			} else {
				admitted = true
			}
		}

		if !admitted {
			w.Header().Set("Retry-After", strconv.Itoa(m.windowSeconds))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":   "rate_limited",
				"message": "too many requests",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) bypassed(path string) bool {
	for _, prefix := range m.bypass {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// ClientAddr prefers the first entry of X-Forwarded-For and falls back to
// the transport-level remote address.
func ClientAddr(r *http.Request) string {
	forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			addr := strings.TrimSpace(parts[0])
			if addr != "" {
				return addr
			}
		}
	}

	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}

	return "unknown"
}
