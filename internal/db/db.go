// internal/db/db.go
package db

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"sort"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/unclebandit/zalo-scheduler/internal/config"
	appErrors "github.com/unclebandit/zalo-scheduler/internal/errors"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Open connects to Postgres and pings it.
func Open(ctx context.Context, cfg config.Database, log *zap.SugaredLogger) (*sql.DB, error) {
	log.Infow("connecting to database", "host", cfg.Host, "name", cfg.Name, "user", cfg.User)

	conn, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, appErrors.Wrap(err, "failed to open DB")
	}
	conn.SetMaxOpenConns(20)
	conn.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, appErrors.Wrap(err, "failed to ping DB")
	}

	log.Infow("connected to database")
	return conn, nil
}

// Migrate applies the embedded schema files in name order. Every statement is idempotent.
func Migrate(ctx context.Context, conn *sql.DB, log *zap.SugaredLogger) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)

	for _, name := range names {
		content, err := migrations.ReadFile(name)
		if err != nil {
			return appErrors.Wrapf(err, "read %s", name)
		}
		if _, err := conn.ExecContext(ctx, string(content)); err != nil {
			return appErrors.Wrapf(err, "apply %s", name)
		}
		log.Infow("applied migration", "file", name)
	}
	return nil
}
