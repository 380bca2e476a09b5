// internal/repository/account_repository.go
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/zalo-scheduler/internal/errors"
	"github.com/unclebandit/zalo-scheduler/internal/model"
	"github.com/unclebandit/zalo-scheduler/internal/ratelimit"
)

type AccountRepositoryInterface interface {
	GetByID(ctx context.Context, id string) (*model.ZaloAccount, error)
	Create(ctx context.Context, acc *model.ZaloAccount) error
	UpdateLimits(ctx context.Context, id string, perHour, perDay int, locked bool) (*model.ZaloAccount, error)
	ratelimit.Limiter
	ratelimit.UsageRecorder
}

type AccountRepository struct {
	DB *sql.DB
}

const accountColumns = `id, name, phone, avatar, token_active,
    rate_limit_per_hour, actions_used_this_hour, rate_limit_hour_start,
    rate_limit_per_day, actions_used_this_day, rate_limit_day_start,
    assigned_user_ids, is_locked`

func scanAccount(row interface{ Scan(...any) error }) (*model.ZaloAccount, error) {
	var a model.ZaloAccount
	err := row.Scan(
		&a.ID, &a.Name, &a.Phone, &a.Avatar, &a.TokenActive,
		&a.RateLimitPerHour, &a.ActionsUsedThisHour, &a.RateLimitHourStart,
		&a.RateLimitPerDay, &a.ActionsUsedThisDay, &a.RateLimitDayStart,
		pq.Array(&a.AssignedUserIDs), &a.IsLocked,
	)
	return &a, err
}

func (r *AccountRepository) GetByID(ctx context.Context, id string) (*model.ZaloAccount, error) {
	acc, err := scanAccount(r.DB.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM zalo_accounts WHERE id=$1`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewNotFound("zalo account", id)
		}
		return nil, appErrors.NewStorage(err, "get account")
	}
	return acc, nil
}

func (r *AccountRepository) Create(ctx context.Context, acc *model.ZaloAccount) error {
	acc.ApplyDefaults()
	if acc.AssignedUserIDs == nil {
		acc.AssignedUserIDs = []string{}
	}
	query := `
        INSERT INTO zalo_accounts (` + accountColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
    `
	_, err := r.DB.ExecContext(ctx, query,
		acc.ID, acc.Name, acc.Phone, acc.Avatar, acc.TokenActive,
		acc.RateLimitPerHour, acc.ActionsUsedThisHour, acc.RateLimitHourStart,
		acc.RateLimitPerDay, acc.ActionsUsedThisDay, acc.RateLimitDayStart,
		pq.Array(acc.AssignedUserIDs), acc.IsLocked,
	)
	return appErrors.NewStorage(err, "create account")
}

func (r *AccountRepository) UpdateLimits(ctx context.Context, id string, perHour, perDay int, locked bool) (*model.ZaloAccount, error) {
	query := `
        UPDATE zalo_accounts
        SET rate_limit_per_hour=$2, rate_limit_per_day=$3, is_locked=$4
        WHERE id=$1
        RETURNING ` + accountColumns
	acc, err := scanAccount(r.DB.QueryRowContext(ctx, query, id, perHour, perDay, locked))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewNotFound("zalo account", id)
		}
		return nil, appErrors.NewStorage(err, "update limits")
	}
	return acc, nil
}

// RecordUsage overwrites the window counters with ones kept by an external limiter.
func (r *AccountRepository) RecordUsage(ctx context.Context, accountID string, u ratelimit.Usage) error {
	res, err := r.DB.ExecContext(ctx, `
        UPDATE zalo_accounts
        SET actions_used_this_hour=$2, rate_limit_hour_start=$3, actions_used_this_day=$4, rate_limit_day_start=$5
        WHERE id=$1`,
		accountID, u.UsedThisHour, u.HourStart, u.UsedThisDay, u.DayStart)
	if err != nil {
		return appErrors.NewStorage(err, "record usage")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return appErrors.NewNotFound("zalo account", accountID)
	}
	return nil
}

// The window expressions below mirror ratelimit.Reserve. The UPDATE takes the row
// lock, so concurrent reservations on one account are applied one after another and
// each sees the counters left by the previous one.
const (
	hourExpired = `$2::timestamptz - rate_limit_hour_start >= INTERVAL '1 hour'`
	dayExpired  = `$2::timestamptz - rate_limit_day_start >= INTERVAL '1 day'`
	hourUsed    = `(CASE WHEN ` + hourExpired + ` THEN 0 ELSE actions_used_this_hour END)`
	dayUsed     = `(CASE WHEN ` + dayExpired + ` THEN 0 ELSE actions_used_this_day END)`
	hourStart   = `(CASE WHEN ` + hourExpired + ` THEN $2::timestamptz ELSE rate_limit_hour_start END)`
	dayStart    = `(CASE WHEN ` + dayExpired + ` THEN $2::timestamptz ELSE rate_limit_day_start END)`
)

const reserveQuery = `
    UPDATE zalo_accounts SET
        actions_used_this_hour = ` + hourUsed + ` + 1,
        rate_limit_hour_start  = ` + hourStart + `,
        actions_used_this_day  = ` + dayUsed + ` + 1,
        rate_limit_day_start   = ` + dayStart + `
    WHERE id = $1
      AND NOT is_locked
      AND ` + hourUsed + ` < rate_limit_per_hour
      AND ` + dayUsed + ` < rate_limit_per_day
    RETURNING actions_used_this_hour, actions_used_this_day`

const rollWindowsQuery = `
    UPDATE zalo_accounts SET
        actions_used_this_hour = ` + hourUsed + `,
        rate_limit_hour_start  = ` + hourStart + `,
        actions_used_this_day  = ` + dayUsed + `,
        rate_limit_day_start   = ` + dayStart + `
    WHERE id = $1
    RETURNING ` + accountColumns

// CheckAndReserve takes one action from the account's hourly and daily budgets with a
// single conditional UPDATE. When the update matches nothing the windows are still
// rolled forward and persisted so the refusal reason reflects the current window.
func (r *AccountRepository) CheckAndReserve(ctx context.Context, accountID string, now time.Time) (ratelimit.Decision, error) {
	var d ratelimit.Decision
	err := r.DB.QueryRowContext(ctx, reserveQuery, accountID, now).Scan(&d.UsedThisHour, &d.UsedThisDay)
	if err == nil {
		d.Allowed = true
		return d, nil
	}
	if err != sql.ErrNoRows {
		return ratelimit.Decision{}, appErrors.NewStorage(err, "reserve")
	}

	acc, err := scanAccount(r.DB.QueryRowContext(ctx, rollWindowsQuery, accountID, now))
	if err != nil {
		if err == sql.ErrNoRows {
			return ratelimit.Decision{}, appErrors.NewNotFound("zalo account", accountID)
		}
		return ratelimit.Decision{}, appErrors.NewStorage(err, "roll rate windows")
	}

	d = ratelimit.Explain(acc, now)
	if d.Reason == "" {
		// Capacity appeared between the two statements (limits raised or a
		// concurrent reset); report a refusal and let the executor retry.
		d.Reason = ratelimit.ReasonContention
		d.RetryAt = now
	}
	return d, nil
}

var _ AccountRepositoryInterface = (*AccountRepository)(nil)
