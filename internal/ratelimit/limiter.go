// internal/ratelimit/limiter.go
package ratelimit

import (
	"context"
	"time"

	"github.com/unclebandit/zalo-scheduler/internal/model"
)

const (
	HourWindow = time.Hour
	DayWindow  = 24 * time.Hour
)

const (
	ReasonLocked      = "account_locked"
	ReasonHourlyLimit = "hourly_limit_reached"
	ReasonDailyLimit  = "daily_limit_reached"
	ReasonContention  = "reservation_contention"
)

// Decision is the answer to one reservation attempt.
type Decision struct {
	Allowed      bool      `json:"allowed"`
	Reason       string    `json:"reason,omitempty"`
	UsedThisHour int       `json:"actions_used_this_hour"`
	UsedThisDay  int       `json:"actions_used_this_day"`
	RetryAt      time.Time `json:"retry_at,omitempty"`
}

// Limiter reserves one action for an account. Implementations must be atomic per account.
type Limiter interface {
	CheckAndReserve(ctx context.Context, accountID string, now time.Time) (Decision, error)
}

// Reserve rolls the windows forward and takes one action from both budgets if allowed.
// The account is mutated in place; the caller persists it.
func Reserve(acc *model.ZaloAccount, now time.Time) Decision {
	d := Explain(acc, now)
	if d.Reason != "" {
		return d
	}
	acc.ActionsUsedThisHour++
	acc.ActionsUsedThisDay++
	return Decision{
		Allowed:      true,
		UsedThisHour: acc.ActionsUsedThisHour,
		UsedThisDay:  acc.ActionsUsedThisDay,
	}
}

// Explain rolls the windows forward and reports why a reservation would be refused.
// An empty Reason means capacity is available.
func Explain(acc *model.ZaloAccount, now time.Time) Decision {
	resetWindows(acc, now)

	d := Decision{UsedThisHour: acc.ActionsUsedThisHour, UsedThisDay: acc.ActionsUsedThisDay}
	switch {
	case acc.IsLocked:
		d.Reason = ReasonLocked
	case acc.ActionsUsedThisHour >= acc.RateLimitPerHour:
		d.Reason = ReasonHourlyLimit
		d.RetryAt = acc.RateLimitHourStart.Add(HourWindow)
	case acc.ActionsUsedThisDay >= acc.RateLimitPerDay:
		d.Reason = ReasonDailyLimit
		d.RetryAt = acc.RateLimitDayStart.Add(DayWindow)
	}
	return d
}

func resetWindows(acc *model.ZaloAccount, now time.Time) {
	if now.Sub(acc.RateLimitHourStart) >= HourWindow {
		acc.ActionsUsedThisHour = 0
		acc.RateLimitHourStart = now
	}
	if now.Sub(acc.RateLimitDayStart) >= DayWindow {
		acc.ActionsUsedThisDay = 0
		acc.RateLimitDayStart = now
	}
}
