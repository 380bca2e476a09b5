// internal/ratelimit/redis.go
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/zalo-scheduler/internal/errors"
	"github.com/unclebandit/zalo-scheduler/internal/model"
)

// AccountSource supplies limits and the lock flag for an account.
type AccountSource interface {
	GetByID(ctx context.Context, id string) (*model.ZaloAccount, error)
}

// Usage is a snapshot of an account's window counters.
type Usage struct {
	UsedThisHour int
	HourStart    time.Time
	UsedThisDay  int
	DayStart     time.Time
}

// UsageRecorder copies counters kept outside the account store back onto the account.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, accountID string, u Usage) error
}

// reserveScript runs the same window logic as Reserve inside Redis, which makes it
// atomic across every worker sharing the server.
var reserveScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local hourLimit = tonumber(ARGV[2])
local dayLimit = tonumber(ARGV[3])
local locked = ARGV[4] == '1'

local h = redis.call('HMGET', KEYS[1], 'hour_used', 'hour_start', 'day_used', 'day_start')
local hu = tonumber(h[1]) or 0
local hs = tonumber(h[2]) or 0
local du = tonumber(h[3]) or 0
local ds = tonumber(h[4]) or 0

if now - hs >= 3600000 then hu = 0; hs = now end
if now - ds >= 86400000 then du = 0; ds = now end

local allowed = 0
local reason = ''
if locked then
  reason = 'account_locked'
elseif hu >= hourLimit then
  reason = 'hourly_limit_reached'
elseif du >= dayLimit then
  reason = 'daily_limit_reached'
else
  hu = hu + 1
  du = du + 1
  allowed = 1
end

redis.call('HSET', KEYS[1], 'hour_used', hu, 'hour_start', hs, 'day_used', du, 'day_start', ds)
redis.call('PEXPIRE', KEYS[1], 172800000)
return {allowed, reason, hu, hs, du, ds}
`)

// RedisLimiter keeps the authoritative window counters in Redis and reads limits
// from the account store. When Usage is set every attempt is mirrored onto the
// account so account reads show current usage.
type RedisLimiter struct {
	Rdb      redis.UniversalClient
	Accounts AccountSource
	Usage    UsageRecorder
	Prefix   string
	Log      *zap.SugaredLogger
}

// NewRedisLimiter mirrors usage onto accounts when the store can record it.
func NewRedisLimiter(rdb redis.UniversalClient, accounts AccountSource, prefix string, log *zap.SugaredLogger) *RedisLimiter {
	l := &RedisLimiter{Rdb: rdb, Accounts: accounts, Prefix: prefix, Log: log}
	if rec, ok := accounts.(UsageRecorder); ok {
		l.Usage = rec
	}
	return l
}

func (l *RedisLimiter) key(accountID string) string {
	return l.Prefix + "ratelimit:" + accountID
}

func (l *RedisLimiter) CheckAndReserve(ctx context.Context, accountID string, now time.Time) (Decision, error) {
	acc, err := l.Accounts.GetByID(ctx, accountID)
	if err != nil {
		return Decision{}, err
	}

	locked := "0"
	if acc.IsLocked {
		locked = "1"
	}
	res, err := reserveScript.Run(ctx, l.Rdb, []string{l.key(accountID)},
		now.UnixMilli(), acc.RateLimitPerHour, acc.RateLimitPerDay, locked).Slice()
	if err != nil {
		return Decision{}, appErrors.NewStorage(err, "redis reserve")
	}
	if len(res) != 6 {
		return Decision{}, appErrors.NewStorage(appErrors.Newf("unexpected reply %v", res), "redis reserve")
	}

	d := Decision{
		Allowed:      toInt64(res[0]) == 1,
		UsedThisHour: int(toInt64(res[2])),
		UsedThisDay:  int(toInt64(res[4])),
	}
	d.Reason, _ = res[1].(string)
	switch d.Reason {
	case ReasonHourlyLimit:
		d.RetryAt = time.UnixMilli(toInt64(res[3])).Add(HourWindow)
	case ReasonDailyLimit:
		d.RetryAt = time.UnixMilli(toInt64(res[5])).Add(DayWindow)
	}

	if l.Usage != nil {
		u := Usage{
			UsedThisHour: d.UsedThisHour,
			HourStart:    time.UnixMilli(toInt64(res[3])),
			UsedThisDay:  d.UsedThisDay,
			DayStart:     time.UnixMilli(toInt64(res[5])),
		}
		// the reservation already stands in Redis
		if err := l.Usage.RecordUsage(ctx, accountID, u); err != nil && l.Log != nil {
			l.Log.Warnw("mirror usage to account failed", "account_id", accountID, "error", err)
		}
	}

	if l.Log != nil {
		l.Log.Debugw("redis reservation", "account_id", accountID, "allowed", d.Allowed, "reason", d.Reason)
	}
	return d, nil
}

// Reset drops the counters for an account, e.g. after an admin edits its limits.
func (l *RedisLimiter) Reset(ctx context.Context, accountID string) error {
	if err := l.Rdb.Del(ctx, l.key(accountID)).Err(); err != nil {
		return appErrors.NewStorage(err, "redis reset")
	}
	return nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}

var _ Limiter = (*RedisLimiter)(nil)
