// internal/handler/account_handler.go
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/unclebandit/zalo-scheduler/internal/service"
)

// AccountHandler exposes the rate limiter and account quota settings
type AccountHandler struct {
	Service *service.ScheduleService
	Logger  *zap.SugaredLogger
}

// Reserve takes one action from the account budget for an external executor.
// A refused reservation is still a 200; the decision says why.
func (h *AccountHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	decision, err := h.Service.CheckAndReserve(r.Context(), id)
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"allowed": decision.Allowed, "decision": decision})
}

func (h *AccountHandler) UpdateLimits(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body struct {
		RateLimitPerHour int  `json:"rateLimitPerHour"`
		RateLimitPerDay  int  `json:"rateLimitPerDay"`
		IsLocked         bool `json:"isLocked"`
	}
	if err := DecodeJSON(r, &body); err != nil {
		WriteError(w, h.Logger, err)
		return
	}

	acc, err := h.Service.UpdateAccountLimits(r.Context(), ActorID(r), id, body.RateLimitPerHour, body.RateLimitPerDay, body.IsLocked)
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": acc})
}
