package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	appErrors "github.com/unclebandit/zalo-scheduler/internal/errors"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{appErrors.NewValidation("bad"), http.StatusBadRequest},
		{appErrors.Wrap(appErrors.ErrTaskNotPending, "task-1"), http.StatusBadRequest},
		{appErrors.NewNotFound("schedule", "job-1"), http.StatusNotFound},
		{appErrors.NewRateLimitExceeded("acc-1", "hourly_limit_reached", time.Now()), http.StatusTooManyRequests},
		{appErrors.NewStorage(errors.New("connection refused"), "get job"), http.StatusInternalServerError},
		{appErrors.NewPartialIntegrity("archive", "job-1", "2 references left"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.status, StatusFor(tc.err), tc.err.Error())
	}
}

func TestWriteErrorHidesStorageDetail(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	w := httptest.NewRecorder()

	WriteError(w, zap.New(core).Sugar(), appErrors.NewStorage(errors.New("pq: password authentication failed"), "get job"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "password")

	var body map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "internal error", body["error"])
	assert.Equal(t, "storage", body["kind"])
	assert.Equal(t, false, body["success"])

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "request failed", logs.All()[0].Message)
}

func TestWriteErrorRateLimited(t *testing.T) {
	w := httptest.NewRecorder()
	retryAt := time.Now().Add(10 * time.Minute)

	WriteError(w, zap.NewNop().Sugar(), appErrors.NewRateLimitExceeded("acc-1", "hourly_limit_reached", retryAt))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	after, err := strconv.Atoi(w.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.InDelta(t, 600, after, 2)

	var body map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "hourly_limit_reached", body["reason"])
	assert.Equal(t, "rate_limited", body["kind"])
}

func TestWriteErrorKeepsClientMessages(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, zap.NewNop().Sugar(), appErrors.NewNotFound("schedule", "job-9"))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "job-9")
}

func TestActorIDAndPaging(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/schedules/running?page=3&limit=abc", nil)
	r.Header.Set(ActorHeader, "  user-7 ")

	assert.Equal(t, "user-7", ActorID(r))
	page, limit := Paging(r)
	assert.Equal(t, 3, page)
	assert.Equal(t, 0, limit)
}

func TestDecodeJSON(t *testing.T) {
	var dst struct {
		Name string `json:"name"`
	}
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":`))
	err := DecodeJSON(r, &dst)
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"Lịch"}`))
	require.NoError(t, DecodeJSON(r, &dst))
	assert.Equal(t, "Lịch", dst.Name)
}

func TestRequireActor(t *testing.T) {
	called := false
	h := RequireActor(zap.NewNop().Sugar())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusNoContent)
	}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/schedules/job-1/stop", nil)
	r.Header.Set(ActorHeader, "   ")
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, called)
	assert.Contains(t, w.Body.String(), ActorHeader)

	w = httptest.NewRecorder()
	r.Header.Set(ActorHeader, "user-1")
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.True(t, called)
}
