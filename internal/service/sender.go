// internal/service/sender.go
package service

import (
	"context"
	"encoding/json"
	"math/rand"

	"github.com/unclebandit/zalo-scheduler/internal/model"
)

// SendRequest is everything an outbound integration needs to act on one task.
type SendRequest struct {
	JobID      string           `json:"job_id"`
	TaskID     string           `json:"task_id"`
	AccountID  string           `json:"account_id"`
	ActionType model.ActionType `json:"action_type"`
	Person     model.Person     `json:"person"`
	Message    string           `json:"message,omitempty"`
}

// ExecutorResult is what the executor reports back for one task.
type ExecutorResult struct {
	Success bool            `json:"success"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Sender performs the outbound action. It is called with no lock held.
type Sender interface {
	Send(ctx context.Context, req SendRequest) (ExecutorResult, error)
}

type SenderFunc func(ctx context.Context, req SendRequest) (ExecutorResult, error)

func (f SenderFunc) Send(ctx context.Context, req SendRequest) (ExecutorResult, error) {
	return f(ctx, req)
}

// MockSender simulates the messaging platform with the given success rate.
type MockSender struct {
	SuccessRate float64
}

func (m MockSender) Send(_ context.Context, req SendRequest) (ExecutorResult, error) {
	if rand.Float64() < m.SuccessRate {
		payload, _ := json.Marshal(map[string]any{"delivered": true, "action": req.ActionType, "uid": req.Person.UID})
		return ExecutorResult{Success: true, Payload: payload}, nil
	}
	return ExecutorResult{Success: false, Error: "mock sending failed"}, nil
}
