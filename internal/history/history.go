// Package history persists samples, alert events and backup jobs so that
// state survives restarts and can be inspected with `autosys history`.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"

	"github.com/shizukutanaka/autosys/internal/config"
	apperrors "github.com/shizukutanaka/autosys/internal/errors"
)

// slowQuery is the duration above which statements are logged.
const slowQuery = 100 * time.Millisecond

// DB is the history database.
type DB struct {
	logger *zap.Logger
	db     *sql.DB
	driver string
}

// Open connects to the configured database and creates the schema.
func Open(ctx context.Context, logger *zap.Logger, cfg config.HistoryConfig) (*DB, error) {
	driver := cfg.Driver
	switch driver {
	case "sqlite", "sqlite3":
		driver = "sqlite3"
	case "postgres", "postgresql":
		driver = "postgres"
	default:
		return nil, apperrors.New(apperrors.TypeConfigurationInvalid, "history.open",
			fmt.Sprintf("unsupported database driver: %s", cfg.Driver))
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == "sqlite3" {
		// sqlite allows a single writer.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	d := &DB{logger: logger, db: db, driver: driver}
	if err := d.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("History database connected", zap.String("driver", driver))
	return d, nil
}

// Close closes the connection pool.
func (d *DB) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Ping checks connectivity.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	query = d.rebind(query)
	start := time.Now()
	res, err := d.db.ExecContext(ctx, query, args...)
	d.logSlow(query, time.Since(start))
	return res, err
}

func (d *DB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	query = d.rebind(query)
	start := time.Now()
	rows, err := d.db.QueryContext(ctx, query, args...)
	d.logSlow(query, time.Since(start))
	return rows, err
}

func (d *DB) logSlow(query string, took time.Duration) {
	if took > slowQuery {
		d.logger.Warn("Slow query",
			zap.String("query", query),
			zap.Duration("duration", took),
		)
	}
}

// rebind rewrites ? placeholders to $n for postgres.
func (d *DB) rebind(query string) string {
	if d.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS samples (
		ts BIGINT NOT NULL,
		cpu_percent REAL NOT NULL,
		memory_percent REAL NOT NULL,
		disk_percent REAL NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_samples_ts ON samples (ts)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		rule TEXT NOT NULL,
		metric TEXT NOT NULL,
		severity TEXT NOT NULL,
		threshold REAL NOT NULL,
		value REAL NOT NULL,
		raised_at BIGINT NOT NULL,
		resolved_at BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_raised ON alerts (raised_at)`,
	`CREATE TABLE IF NOT EXISTS backup_jobs (
		id TEXT PRIMARY KEY,
		source_path TEXT NOT NULL,
		destination_path TEXT NOT NULL,
		scheduled_at BIGINT NOT NULL,
		status TEXT NOT NULL,
		attempt_count INTEGER NOT NULL,
		artifact TEXT,
		size_bytes BIGINT,
		checksum TEXT,
		error TEXT,
		body TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_backup_jobs_scheduled ON backup_jobs (scheduled_at)`,
}

func (d *DB) migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	for _, stmt := range schema {
		if _, err := d.exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
