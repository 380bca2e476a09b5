// internal/controller/schedule_controller.go
package controller

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/unclebandit/zalo-scheduler/internal/handler"
	"github.com/unclebandit/zalo-scheduler/internal/service"
)

type ScheduleController struct {
	ScheduleService *service.ScheduleService
	Logger          *zap.SugaredLogger
}

func (c *ScheduleController) ListRunning(w http.ResponseWriter, r *http.Request) {
	page, limit := handler.Paging(r)

	jobs, pagination, err := c.ScheduleService.ListRunning(r.Context(), page, limit)
	if err != nil {
		handler.WriteError(w, c.Logger, err)
		return
	}

	handler.WriteJSON(w, http.StatusOK, map[string]any{
		"data":       jobs,
		"pagination": pagination,
	})
}

func (c *ScheduleController) ListArchived(w http.ResponseWriter, r *http.Request) {
	page, limit := handler.Paging(r)

	jobs, pagination, err := c.ScheduleService.ListArchived(r.Context(), page, limit)
	if err != nil {
		handler.WriteError(w, c.Logger, err)
		return
	}

	handler.WriteJSON(w, http.StatusOK, map[string]any{
		"data":       jobs,
		"pagination": pagination,
	})
}

func (c *ScheduleController) GetSchedule(w http.ResponseWriter, r *http.Request) {
	job, err := c.ScheduleService.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handler.WriteError(w, c.Logger, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, map[string]any{"data": job})
}

func (c *ScheduleController) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	var body service.CreateScheduleInput
	if err := handler.DecodeJSON(r, &body); err != nil {
		handler.WriteError(w, c.Logger, err)
		return
	}

	job, err := c.ScheduleService.CreateSchedule(r.Context(), handler.ActorID(r), body)
	if err != nil {
		handler.WriteError(w, c.Logger, err)
		return
	}
	handler.WriteJSON(w, http.StatusCreated, map[string]any{"data": job})
}

func (c *ScheduleController) StopSchedule(w http.ResponseWriter, r *http.Request) {
	archived, err := c.ScheduleService.StopSchedule(r.Context(), handler.ActorID(r), chi.URLParam(r, "id"))
	if err != nil {
		handler.WriteError(w, c.Logger, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, map[string]any{"data": archived})
}

func (c *ScheduleController) RemoveTask(w http.ResponseWriter, r *http.Request) {
	job, err := c.ScheduleService.RemoveTask(r.Context(), handler.ActorID(r), chi.URLParam(r, "id"), chi.URLParam(r, "taskId"))
	if err != nil {
		handler.WriteError(w, c.Logger, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, map[string]any{"data": job})
}

// ReserveTask is the first half of an external execution: the task is claimed
// and the rendered message returned. 429 leaves the task pending.
func (c *ScheduleController) ReserveTask(w http.ResponseWriter, r *http.Request) {
	res, err := c.ScheduleService.ReserveTask(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "taskId"))
	if err != nil {
		handler.WriteError(w, c.Logger, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, map[string]any{"data": res})
}

// ReportResult is the second half: the executor posts what happened.
func (c *ScheduleController) ReportResult(w http.ResponseWriter, r *http.Request) {
	var body service.ExecutorResult
	if err := handler.DecodeJSON(r, &body); err != nil {
		handler.WriteError(w, c.Logger, err)
		return
	}

	res, err := c.ScheduleService.ReportTaskResult(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "taskId"), body)
	if err != nil {
		handler.WriteError(w, c.Logger, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, map[string]any{"data": res})
}
