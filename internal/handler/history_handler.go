// internal/handler/history_handler.go
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/unclebandit/zalo-scheduler/internal/service"
)

// HistoryHandler serves the audit trail
type HistoryHandler struct {
	Service *service.ScheduleService
	Logger  *zap.SugaredLogger
}

// ForSchedule returns the execution entries of a schedule, newest first
func (h *HistoryHandler) ForSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entries, err := h.Service.HistoryForSchedule(r.Context(), id)
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": entries})
}

// ForCustomer returns the latest entries for a customer
func (h *HistoryHandler) ForCustomer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entries, err := h.Service.HistoryForCustomer(r.Context(), id)
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": entries})
}
