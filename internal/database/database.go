package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Config represents database configuration
type Config struct {
	Driver             string        `yaml:"driver" json:"driver"`
	DSN                string        `yaml:"dsn" json:"dsn"`
	MaxOpenConns       int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns       int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime    time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold" json:"slow_query_threshold"`
}

// DefaultConfig returns a configuration with sensible default values
func DefaultConfig() Config {
	return Config{
		Driver:             DriverSQLite,
		DSN:                "./data/qrguard.db",
		MaxOpenConns:       10,
		MaxIdleConns:       5,
		ConnMaxLifetime:    30 * time.Minute,
		SlowQueryThreshold: 100 * time.Millisecond,
	}
}

// NormalizeDriver maps accepted driver aliases to the registered driver name.
func NormalizeDriver(driver string) (string, error) {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return DriverSQLite, nil
	case "postgres", "postgresql":
		return DriverPostgres, nil
	default:
		return "", fmt.Errorf("unsupported database driver: %s", driver)
	}
}

// DB wraps a connection pool with placeholder rebinding and slow query
// logging.
type DB struct {
	logger *zap.Logger
	db     *sql.DB
	driver string
	slow   time.Duration
}

// Open connects to the configured database and verifies the connection.
func Open(logger *zap.Logger, config Config) (*DB, error) {
	driver, err := NormalizeDriver(config.Driver)
	if err != nil {
		return nil, err
	}
	if config.DSN == "" {
		return nil, errors.New("database dsn is required")
	}
	d := DefaultConfig()

	db, err := sql.Open(driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxOpen := config.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = d.MaxOpenConns
	}
	// Every SQLite in-memory connection is a separate database.
	if driver == DriverSQLite && strings.Contains(config.DSN, ":memory:") {
		maxOpen = 1
	}
	db.SetMaxOpenConns(maxOpen)

	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(d.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(d.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	wrapped, err := Wrap(logger, db, driver, config.SlowQueryThreshold)
	if err != nil {
		db.Close()
		return nil, err
	}

	wrapped.logger.Info("Database connected",
		zap.String("driver", driver),
		zap.Int("max_open_conns", maxOpen),
	)
	return wrapped, nil
}

// Wrap adopts an existing pool.
func Wrap(logger *zap.Logger, db *sql.DB, driver string, slowQuery time.Duration) (*DB, error) {
	if db == nil {
		return nil, errors.New("database handle is nil")
	}
	normalized, err := NormalizeDriver(driver)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if slowQuery <= 0 {
		slowQuery = DefaultConfig().SlowQueryThreshold
	}
	return &DB{logger: logger, db: db, driver: normalized, slow: slowQuery}, nil
}

// Driver returns the normalized driver name.
func (d *DB) Driver() string {
	return d.driver
}

// Rebind rewrites '?' placeholders into the driver's bind style.
func (d *DB) Rebind(query string) string {
	if d.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func (d *DB) observe(query string, start time.Time) {
	if elapsed := time.Since(start); elapsed > d.slow {
		d.logger.Warn("Slow query",
			zap.String("query", query),
			zap.Duration("duration", elapsed),
		)
	}
}

// ExecContext executes a query without returning rows.
func (d *DB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	defer d.observe(query, time.Now())
	return d.db.ExecContext(ctx, d.Rebind(query), args...)
}

// QueryContext executes a query that returns rows.
func (d *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	defer d.observe(query, time.Now())
	return d.db.QueryContext(ctx, d.Rebind(query), args...)
}

// QueryRowContext executes a query that returns at most one row.
func (d *DB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	defer d.observe(query, time.Now())
	return d.db.QueryRowContext(ctx, d.Rebind(query), args...)
}

// BeginTx starts a transaction.
func (d *DB) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return d.db.BeginTx(ctx, nil)
}

// Ping checks database connectivity
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.db.Close()
}

// GetStats returns connection pool statistics
func (d *DB) GetStats() map[string]interface{} {
	s := d.db.Stats()
	return map[string]interface{}{
		"driver":           d.driver,
		"open_connections": s.OpenConnections,
		"in_use":           s.InUse,
		"idle":             s.Idle,
		"wait_count":       s.WaitCount,
		"wait_duration":    s.WaitDuration.String(),
	}
}
