package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/zalo-scheduler/internal/errors"
	"github.com/unclebandit/zalo-scheduler/internal/ratelimit"
)

var accountCols = []string{
	"id", "name", "phone", "avatar", "token_active",
	"rate_limit_per_hour", "actions_used_this_hour", "rate_limit_hour_start",
	"rate_limit_per_day", "actions_used_this_day", "rate_limit_day_start",
	"assigned_user_ids", "is_locked",
}

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func TestAccountRepository_CheckAndReserve_Allowed(t *testing.T) {
	db, mock := newMock(t)
	repo := &AccountRepository{DB: db}
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`UPDATE zalo_accounts SET .* AND NOT is_locked .* RETURNING actions_used_this_hour, actions_used_this_day`).
		WithArgs("acc-1", now).
		WillReturnRows(sqlmock.NewRows([]string{"actions_used_this_hour", "actions_used_this_day"}).AddRow(3, 7))

	d, err := repo.CheckAndReserve(context.Background(), "acc-1", now)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 3, d.UsedThisHour)
	assert.Equal(t, 7, d.UsedThisDay)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountRepository_CheckAndReserve_HourlyLimit(t *testing.T) {
	db, mock := newMock(t)
	repo := &AccountRepository{DB: db}
	now := time.Date(2026, 3, 2, 9, 10, 0, 0, time.UTC)
	hourStart := now.Add(-10 * time.Minute)

	mock.ExpectQuery(`AND NOT is_locked`).
		WithArgs("acc-1", now).
		WillReturnRows(sqlmock.NewRows([]string{"actions_used_this_hour", "actions_used_this_day"}))
	mock.ExpectQuery(`UPDATE zalo_accounts SET .* WHERE id = \$1 RETURNING id, name`).
		WithArgs("acc-1", now).
		WillReturnRows(sqlmock.NewRows(accountCols).AddRow(
			"acc-1", "Tuyển sinh", "0900000001", "", true,
			30, 30, hourStart,
			200, 45, hourStart,
			"{user-1}", false,
		))

	d, err := repo.CheckAndReserve(context.Background(), "acc-1", now)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ratelimit.ReasonHourlyLimit, d.Reason)
	assert.Equal(t, hourStart.Add(time.Hour), d.RetryAt)
	assert.Equal(t, 30, d.UsedThisHour)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountRepository_CheckAndReserve_Locked(t *testing.T) {
	db, mock := newMock(t)
	repo := &AccountRepository{DB: db}
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`AND NOT is_locked`).
		WillReturnRows(sqlmock.NewRows([]string{"actions_used_this_hour", "actions_used_this_day"}))
	mock.ExpectQuery(`RETURNING id, name`).
		WillReturnRows(sqlmock.NewRows(accountCols).AddRow(
			"acc-1", "Tuyển sinh", "", "", true,
			30, 0, now, 200, 0, now, "{}", true,
		))

	d, err := repo.CheckAndReserve(context.Background(), "acc-1", now)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ratelimit.ReasonLocked, d.Reason)
}

func TestAccountRepository_CheckAndReserve_Contention(t *testing.T) {
	db, mock := newMock(t)
	repo := &AccountRepository{DB: db}
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	// limits were raised between the two statements
	mock.ExpectQuery(`AND NOT is_locked`).
		WillReturnRows(sqlmock.NewRows([]string{"actions_used_this_hour", "actions_used_this_day"}))
	mock.ExpectQuery(`RETURNING id, name`).
		WillReturnRows(sqlmock.NewRows(accountCols).AddRow(
			"acc-1", "Tuyển sinh", "", "", true,
			50, 30, now, 200, 30, now, "{}", false,
		))

	d, err := repo.CheckAndReserve(context.Background(), "acc-1", now)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ratelimit.ReasonContention, d.Reason)
	assert.Equal(t, now, d.RetryAt)
}

func TestAccountRepository_CheckAndReserve_UnknownAccount(t *testing.T) {
	db, mock := newMock(t)
	repo := &AccountRepository{DB: db}
	now := time.Now()

	mock.ExpectQuery(`AND NOT is_locked`).
		WillReturnRows(sqlmock.NewRows([]string{"actions_used_this_hour", "actions_used_this_day"}))
	mock.ExpectQuery(`RETURNING id, name`).
		WillReturnRows(sqlmock.NewRows(accountCols))

	_, err := repo.CheckAndReserve(context.Background(), "missing", now)
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestAccountRepository_CheckAndReserve_StorageError(t *testing.T) {
	db, mock := newMock(t)
	repo := &AccountRepository{DB: db}

	mock.ExpectQuery(`AND NOT is_locked`).WillReturnError(errors.New("connection reset"))

	_, err := repo.CheckAndReserve(context.Background(), "acc-1", time.Now())
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrStorage))
	assert.Equal(t, appErrors.KindStorage, appErrors.Kind(err))
}

func TestAccountRepository_GetByID(t *testing.T) {
	db, mock := newMock(t)
	repo := &AccountRepository{DB: db}
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT id, name, .* FROM zalo_accounts WHERE id=\$1`).
		WithArgs("acc-1").
		WillReturnRows(sqlmock.NewRows(accountCols).AddRow(
			"acc-1", "Tuyển sinh", "0900000001", "https://cdn/a.png", true,
			30, 4, now, 200, 12, now, "{user-1,user-2}", false,
		))
	mock.ExpectQuery(`FROM zalo_accounts WHERE id=\$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	acc, err := repo.GetByID(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "Tuyển sinh", acc.Name)
	assert.Equal(t, 4, acc.ActionsUsedThisHour)
	assert.Equal(t, []string{"user-1", "user-2"}, acc.AssignedUserIDs)

	_, err = repo.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountRepository_UpdateLimits(t *testing.T) {
	db, mock := newMock(t)
	repo := &AccountRepository{DB: db}
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`UPDATE zalo_accounts SET rate_limit_per_hour=\$2, rate_limit_per_day=\$3, is_locked=\$4 WHERE id=\$1`).
		WithArgs("acc-1", 10, 100, true).
		WillReturnRows(sqlmock.NewRows(accountCols).AddRow(
			"acc-1", "Tuyển sinh", "", "", true,
			10, 0, now, 100, 0, now, "{}", true,
		))

	acc, err := repo.UpdateLimits(context.Background(), "acc-1", 10, 100, true)
	require.NoError(t, err)
	assert.Equal(t, 10, acc.RateLimitPerHour)
	assert.Equal(t, 100, acc.RateLimitPerDay)
	assert.True(t, acc.IsLocked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountRepository_RecordUsage(t *testing.T) {
	db, mock := newMock(t)
	repo := &AccountRepository{DB: db}
	hour := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	day := hour.Add(-3 * time.Hour)

	mock.ExpectExec(`UPDATE zalo_accounts SET actions_used_this_hour=\$2, rate_limit_hour_start=\$3, actions_used_this_day=\$4, rate_limit_day_start=\$5 WHERE id=\$1`).
		WithArgs("acc-1", 4, hour, 12, day).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE zalo_accounts SET actions_used_this_hour`).
		WithArgs("missing", 1, hour, 1, day).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.RecordUsage(context.Background(), "acc-1", ratelimit.Usage{UsedThisHour: 4, HourStart: hour, UsedThisDay: 12, DayStart: day}))

	err := repo.RecordUsage(context.Background(), "missing", ratelimit.Usage{UsedThisHour: 1, HourStart: hour, UsedThisDay: 1, DayStart: day})
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
