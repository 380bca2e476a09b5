// internal/handler/health_handler.go
package handler

import (
	"context"
	"net/http"
	"time"
)

// HealthHandler reports liveness and, when Ping is set, storage reachability.
type HealthHandler struct {
	Ping func(ctx context.Context) error
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Ping(ctx); err != nil {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"success": false, "error": "storage unreachable"})
			return
		}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "time": time.Now().Format(time.RFC3339)})
}
