// internal/errors/errors.go
package appErrors

import (
	"fmt"
	"time"

	crdb "github.com/cockroachdb/errors"
)

var (
	New   = crdb.New
	Newf  = crdb.Newf
	Wrap  = crdb.Wrap
	Wrapf = crdb.Wrapf
	Is    = crdb.Is
	As    = crdb.As
)

// Kinds of failure a domain operation can report.
var (
	ErrValidation        = crdb.New("validation error")
	ErrNotFound          = crdb.New("not found")
	ErrRateLimitExceeded = crdb.New("rate limit exceeded")
	ErrStorage           = crdb.New("storage error")
	ErrPartialIntegrity  = crdb.New("partial integrity error")
)

// ErrTaskNotPending is returned when a task is asked to do something only a pending task can do.
var ErrTaskNotPending = crdb.Wrap(ErrValidation, "task is not pending")

// NotFoundError names the entity that was missing.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func NewNotFound(entity, id string) error {
	return crdb.WithStack(&NotFoundError{Entity: entity, ID: id})
}

// RateLimitError is the retry-later signal for an account that has used its budget.
type RateLimitError struct {
	AccountID string
	Reason    string
	RetryAt   time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("account %s rate limited: %s", e.AccountID, e.Reason)
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimitExceeded }

func NewRateLimitExceeded(accountID, reason string, retryAt time.Time) error {
	return &RateLimitError{AccountID: accountID, Reason: reason, RetryAt: retryAt}
}

func NewValidation(format string, args ...any) error {
	return crdb.Wrap(ErrValidation, fmt.Sprintf(format, args...))
}

// NewStorage wraps a driver error. Typed errors pass through untouched so a
// NotFound raised inside a transaction is not reclassified.
func NewStorage(err error, op string) error {
	if err == nil {
		return nil
	}
	if crdb.IsAny(err, ErrNotFound, ErrValidation, ErrRateLimitExceeded, ErrStorage) {
		return err
	}
	return crdb.Mark(crdb.Wrap(err, op), ErrStorage)
}

func NewPartialIntegrity(op, jobID, detail string) error {
	err := crdb.Wrapf(ErrPartialIntegrity, "%s on job %s", op, jobID)
	return crdb.WithDetail(err, detail)
}

const (
	KindValidation       = "validation"
	KindNotFound         = "not_found"
	KindRateLimited      = "rate_limited"
	KindPartialIntegrity = "partial_integrity"
	KindStorage          = "storage"
)

// Kind returns a short label for logs and transport mapping.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case crdb.Is(err, ErrValidation):
		return KindValidation
	case crdb.Is(err, ErrNotFound):
		return KindNotFound
	case crdb.Is(err, ErrRateLimitExceeded):
		return KindRateLimited
	case crdb.Is(err, ErrPartialIntegrity):
		return KindPartialIntegrity
	default:
		return KindStorage
	}
}
