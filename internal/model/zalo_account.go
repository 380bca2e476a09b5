// internal/model/zalo_account.go
package model

import "time"

const (
	DefaultRateLimitPerHour = 30
	DefaultRateLimitPerDay  = 200
)

type ZaloAccount struct {
	ID                  string    `db:"id" json:"id"`
	Name                string    `db:"name" json:"name"`
	Phone               string    `db:"phone" json:"phone"`
	Avatar              string    `db:"avatar" json:"avatar"`
	TokenActive         bool      `db:"token_active" json:"token_active"`
	RateLimitPerHour    int       `db:"rate_limit_per_hour" json:"rate_limit_per_hour"`
	ActionsUsedThisHour int       `db:"actions_used_this_hour" json:"actions_used_this_hour"`
	RateLimitHourStart  time.Time `db:"rate_limit_hour_start" json:"rate_limit_hour_start"`
	RateLimitPerDay     int       `db:"rate_limit_per_day" json:"rate_limit_per_day"`
	ActionsUsedThisDay  int       `db:"actions_used_this_day" json:"actions_used_this_day"`
	RateLimitDayStart   time.Time `db:"rate_limit_day_start" json:"rate_limit_day_start"`
	AssignedUserIDs     []string  `db:"assigned_user_ids" json:"assigned_user_ids"`
	IsLocked            bool      `db:"is_locked" json:"is_locked"`
}

// ApplyDefaults fills zero limits with the account defaults.
func (a *ZaloAccount) ApplyDefaults() {
	if a.RateLimitPerHour <= 0 {
		a.RateLimitPerHour = DefaultRateLimitPerHour
	}
	if a.RateLimitPerDay <= 0 {
		a.RateLimitPerDay = DefaultRateLimitPerDay
	}
}
