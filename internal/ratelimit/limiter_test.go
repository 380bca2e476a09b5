package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/unclebandit/zalo-scheduler/internal/model"
)

var base = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func account(perHour, perDay int) *model.ZaloAccount {
	return &model.ZaloAccount{
		ID:                 "acc-1",
		RateLimitPerHour:   perHour,
		RateLimitPerDay:    perDay,
		RateLimitHourStart: base,
		RateLimitDayStart:  base,
	}
}

func TestReserveCountsBothWindows(t *testing.T) {
	acc := account(2, 10)

	d := Reserve(acc, base.Add(time.Minute))
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, acc.ActionsUsedThisHour)
	assert.Equal(t, 1, acc.ActionsUsedThisDay)

	d = Reserve(acc, base.Add(2*time.Minute))
	assert.True(t, d.Allowed)

	d = Reserve(acc, base.Add(3*time.Minute))
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonHourlyLimit, d.Reason)
	assert.Equal(t, base.Add(time.Hour), d.RetryAt)
	assert.Equal(t, 2, acc.ActionsUsedThisHour, "a refused reservation does not count")
}

func TestReserveHourWindowReset(t *testing.T) {
	acc := account(1, 10)
	acc.ActionsUsedThisHour = 1
	acc.ActionsUsedThisDay = 1

	now := base.Add(time.Hour)
	d := Reserve(acc, now)

	assert.True(t, d.Allowed)
	assert.Equal(t, 1, acc.ActionsUsedThisHour)
	assert.Equal(t, now, acc.RateLimitHourStart)
	assert.Equal(t, 2, acc.ActionsUsedThisDay)
	assert.Equal(t, base, acc.RateLimitDayStart)
}

func TestReserveDayWindowReset(t *testing.T) {
	acc := account(100, 3)
	acc.ActionsUsedThisDay = 3

	d := Reserve(acc, base.Add(23*time.Hour))
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonDailyLimit, d.Reason)
	assert.Equal(t, base.Add(24*time.Hour), d.RetryAt)

	now := base.Add(24 * time.Hour)
	d = Reserve(acc, now)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, acc.ActionsUsedThisDay)
	assert.Equal(t, now, acc.RateLimitDayStart)
}

func TestReserveLockedAccount(t *testing.T) {
	acc := account(10, 10)
	acc.IsLocked = true

	d := Reserve(acc, base)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonLocked, d.Reason)
	assert.Zero(t, acc.ActionsUsedThisHour)
}

func TestReserveZeroStartResets(t *testing.T) {
	acc := &model.ZaloAccount{RateLimitPerHour: 5, RateLimitPerDay: 5, ActionsUsedThisHour: 5, ActionsUsedThisDay: 5}

	d := Reserve(acc, base)
	assert.True(t, d.Allowed)
	assert.Equal(t, base, acc.RateLimitHourStart)
	assert.Equal(t, base, acc.RateLimitDayStart)
}

func TestExplainDoesNotConsume(t *testing.T) {
	acc := account(3, 3)

	d := Explain(acc, base)
	assert.Empty(t, d.Reason)
	assert.Zero(t, acc.ActionsUsedThisHour)
}
