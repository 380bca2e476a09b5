// internal/app/app.go
package app

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/unclebandit/zalo-scheduler/internal/config"
	"github.com/unclebandit/zalo-scheduler/internal/db"
	appErrors "github.com/unclebandit/zalo-scheduler/internal/errors"
	"github.com/unclebandit/zalo-scheduler/internal/model"
	"github.com/unclebandit/zalo-scheduler/internal/queue"
	"github.com/unclebandit/zalo-scheduler/internal/ratelimit"
	"github.com/unclebandit/zalo-scheduler/internal/repository"
	"github.com/unclebandit/zalo-scheduler/internal/repository/memory"
	"github.com/unclebandit/zalo-scheduler/internal/service"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendAMQP     = "amqp"
)

// App holds the shared dependencies of the server and the worker.
type App struct {
	Config    *config.Config
	DB        *sql.DB
	Redis     redis.UniversalClient
	Memory    *memory.Store
	Schedules *service.ScheduleService
	Logger    *zap.SugaredLogger
}

// Build opens storage according to cfg and wires the schedule service.
func Build(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (*App, error) {
	a := &App{Config: cfg, Logger: log}

	var (
		jobs      repository.JobRepositoryInterface
		accounts  repository.AccountRepositoryInterface
		customers repository.CustomerRepositoryInterface
		history   repository.HistoryRepositoryInterface
	)

	switch cfg.Store {
	case BackendPostgres:
		conn, err := db.Open(ctx, cfg.Database, log)
		if err != nil {
			return nil, err
		}
		a.DB = conn
		jobs = &repository.JobRepository{DB: conn}
		accounts = &repository.AccountRepository{DB: conn}
		customers = &repository.CustomerRepository{DB: conn}
		history = &repository.HistoryRepository{DB: conn}
	case BackendMemory:
		log.Warnw("using in-memory store, data is lost on exit")
		a.Memory = memory.New()
		if err := seedMemory(ctx, a.Memory); err != nil {
			return nil, err
		}
		jobs = a.Memory.Jobs()
		accounts = a.Memory.Accounts()
		customers = a.Memory.Customers()
		history = a.Memory.History()
	default:
		return nil, appErrors.Newf("unknown store backend %q", cfg.Store)
	}

	a.Schedules = service.NewScheduleService(jobs, accounts, customers, history, log)

	if cfg.RateLimit.Backend == BackendRedis || cfg.Worker.LeaseBackend == BackendRedis {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			a.Close()
			rdb.Close()
			return nil, appErrors.Wrap(err, "failed to ping redis")
		}
		a.Redis = rdb
	}

	switch cfg.RateLimit.Backend {
	case BackendRedis:
		a.Schedules.Limiter = ratelimit.NewRedisLimiter(a.Redis, accounts, cfg.Redis.KeyPrefix, log)
		log.Infow("rate limiter backed by redis", "addr", cfg.Redis.Addr)
	case BackendPostgres, BackendMemory, "":
		// the account store reserves in place
	default:
		a.Close()
		return nil, appErrors.Newf("unknown rate limit backend %q", cfg.RateLimit.Backend)
	}

	return a, nil
}

// seedMemory loads the same sample accounts and customers as seed/*.sql so a
// memory-backed server is usable straight away.
func seedMemory(ctx context.Context, s *memory.Store) error {
	accounts := []model.ZaloAccount{
		{ID: "acc-admissions-1", Name: "Tuyển sinh 1", Phone: "0901000001", RateLimitPerHour: 30, RateLimitPerDay: 200},
		{ID: "acc-admissions-2", Name: "Tuyển sinh 2", Phone: "0901000002", RateLimitPerHour: 20, RateLimitPerDay: 150},
	}
	for i := range accounts {
		if err := s.Accounts().Create(ctx, &accounts[i]); err != nil {
			return err
		}
	}
	customers := []model.Customer{
		{ID: "cus-0001", Name: "Nguyễn Văn An", Phone: "0912000001"},
		{ID: "cus-0002", Name: "Trần Thị Bình", Phone: "0912000002"},
		{ID: "cus-0003", Name: "Lê Minh Châu", Phone: "0912000003", UID: "zuid-3"},
	}
	for i := range customers {
		if err := s.Customers().Upsert(ctx, &customers[i]); err != nil {
			return err
		}
	}
	return nil
}

// Leaser returns the dispatch lease store named by the worker config.
func (a *App) Leaser() queue.Leaser {
	if a.Config.Worker.LeaseBackend == BackendRedis && a.Redis != nil {
		return &queue.RedisLeaser{Rdb: a.Redis, Prefix: a.Config.Redis.KeyPrefix}
	}
	return queue.NewMemoryLeaser()
}

// Ping checks the storage backend.
func (a *App) Ping(ctx context.Context) error {
	if a.DB != nil {
		if err := a.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if a.Redis != nil {
		return a.Redis.Ping(ctx).Err()
	}
	return nil
}

func (a *App) Close() {
	if a.DB != nil {
		a.DB.Close()
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
}
