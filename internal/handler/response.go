// internal/handler/response.go
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/zalo-scheduler/internal/errors"
)

// ActorHeader carries the acting user's id. Authentication happens upstream.
const ActorHeader = "X-User-ID"

// ActorID returns the acting user, or "" when the header is missing.
func ActorID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(ActorHeader))
}

// RequireActor rejects requests without an acting user so audit entries never
// lose who made a change.
func RequireActor(log *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ActorID(r) == "" {
				WriteError(w, log, appErrors.NewValidation("missing %s header", ActorHeader))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func WriteJSON(w http.ResponseWriter, status int, body map[string]any) {
	if body == nil {
		body = map[string]any{}
	}
	if _, ok := body["success"]; !ok {
		body["success"] = status < http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(err error) int {
	switch appErrors.Kind(err) {
	case appErrors.KindValidation:
		return http.StatusBadRequest
	case appErrors.KindNotFound:
		return http.StatusNotFound
	case appErrors.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes {"success":false,"error":...}. Storage errors are logged and
// reported without driver detail.
func WriteError(w http.ResponseWriter, log *zap.SugaredLogger, err error) {
	status := StatusFor(err)
	body := map[string]any{"success": false, "error": err.Error(), "kind": appErrors.Kind(err)}

	var rl *appErrors.RateLimitError
	if appErrors.As(err, &rl) {
		body["reason"] = rl.Reason
		if !rl.RetryAt.IsZero() {
			body["retryAt"] = rl.RetryAt
			secs := int(time.Until(rl.RetryAt).Seconds()) + 1
			if secs > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(secs))
			}
		}
	}
	if status == http.StatusInternalServerError {
		log.Errorw("request failed", "error_kind", appErrors.Kind(err), "error", err)
		body["error"] = "internal error"
	}
	WriteJSON(w, status, body)
}

// DecodeJSON reads the request body into dst and reports a validation error on bad input.
func DecodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return appErrors.NewValidation("invalid request body: %v", err)
	}
	return nil
}

// Paging reads ?page= and ?limit=. Missing or malformed values become zero and
// the service applies its defaults.
func Paging(r *http.Request) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return page, limit
}
