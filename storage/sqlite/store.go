// Package sqlite provides a durable on-device OfflineCache backed by SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	stdSync "sync"
	"time"

	syncErrors "github.com/c0deZ3R0/facility-sync/errors"
	"github.com/c0deZ3R0/facility-sync/logging"
	"github.com/c0deZ3R0/facility-sync/synckit"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

const component = "storage/sqlite"

// ErrStoreClosed is returned by every call after Close.
var ErrStoreClosed = errors.New("store is closed")

var validTableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config holds configuration options for the Cache.
//
// DefaultConfig enables WAL mode and a modest connection pool.
type Config struct {
	// DataSourceName is the SQLite connection string, e.g. "file:offline.db".
	DataSourceName string

	// EnableWAL appends "?_journal_mode=WAL" to DataSourceName.
	EnableWAL bool

	// Logger defaults to the package logger for this component.
	Logger *slog.Logger

	// TableName defaults to "offline_cache".
	TableName string

	MaxOpenConns    int           // Default: 25
	MaxIdleConns    int           // Default: 5
	ConnMaxLifetime time.Duration // Default: 1h
	ConnMaxIdleTime time.Duration // Default: 5m
}

func (c *Config) setDefaults() {
	if c.TableName == "" {
		c.TableName = "offline_cache"
	}
	if c.Logger == nil {
		c.Logger = logging.WithComponent(logging.Component(component)).Logger
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.EnableWAL && !strings.Contains(c.DataSourceName, "_journal_mode=") {
		sep := "?"
		if strings.Contains(c.DataSourceName, "?") {
			sep = "&"
		}
		c.DataSourceName += sep + "_journal_mode=WAL"
	}
}

// DefaultConfig returns a Config with WAL enabled.
func DefaultConfig(dataSourceName string) *Config {
	return &Config{DataSourceName: dataSourceName, EnableWAL: true}
}

// NewWithDataSource is a convenience constructor.
func NewWithDataSource(dataSourceName string) (*Cache, error) {
	return New(DefaultConfig(dataSourceName))
}

// Cache stores one JSON record per key. Writes are upserts, so each key
// always holds the last whole value written.
type Cache struct {
	db        *sql.DB
	mu        stdSync.RWMutex
	closed    bool
	logger    *slog.Logger
	tableName string
}

var (
	_ synckit.OfflineCache = (*Cache)(nil)
	_ synckit.KeyLister    = (*Cache)(nil)
)

// New opens the database and creates the table if needed.
func New(config *Config) (*Cache, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()
	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}
	if !validTableName.MatchString(config.TableName) {
		return nil, fmt.Errorf("invalid table name %q", config.TableName)
	}

	logger := config.Logger
	logger.Info("opening SQLite offline cache",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL),
	)

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	c := &Cache{db: db, logger: logger, tableName: config.TableName}
	if err := c.setupSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to setup database schema: %w", err)
	}
	return c, nil
}

func (c *Cache) setupSchema() error {
	query := fmt.Sprintf(`
    CREATE TABLE IF NOT EXISTS %s (
        key         TEXT PRIMARY KEY,
        value       TEXT NOT NULL,
        updated_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP
    );`, c.tableName)
	_, err := c.db.Exec(query)
	return err
}

func (c *Cache) checkOpen() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrStoreClosed
	}
	return nil
}

// GetCachedData returns the record stored under key.
func (c *Cache) GetCachedData(ctx context.Context, key string) (synckit.Record, bool, error) {
	if err := c.checkOpen(); err != nil {
		return nil, false, syncErrors.NewCacheError(syncErrors.OpCacheRead, key, err)
	}

	var raw string
	query := fmt.Sprintf(`SELECT value FROM %s WHERE key = ?`, c.tableName)
	err := c.db.QueryRowContext(ctx, query, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, syncErrors.NewCacheError(syncErrors.OpCacheRead, key, err)
	}

	var rec synckit.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, false, syncErrors.NewCacheError(syncErrors.OpCacheRead, key, err)
	}
	return rec, true, nil
}

// CacheData upserts value under key.
func (c *Cache) CacheData(ctx context.Context, key string, value synckit.Record) error {
	if err := c.checkOpen(); err != nil {
		return syncErrors.NewCacheError(syncErrors.OpCacheWrite, key, err)
	}

	b, err := json.Marshal(value)
	if err != nil {
		return syncErrors.NewCacheError(syncErrors.OpCacheWrite, key, err)
	}
	query := fmt.Sprintf(`
    INSERT INTO %s (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
    ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`, c.tableName)
	if _, err := c.db.ExecContext(ctx, query, key, string(b)); err != nil {
		c.logger.Warn("cache write failed", "key", key, "error", err)
		return syncErrors.NewCacheError(syncErrors.OpCacheWrite, key, err)
	}
	return nil
}

// Keys lists stored keys with the given prefix, sorted.
func (c *Cache) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT key FROM %s WHERE substr(key, 1, ?) = ? ORDER BY key`, c.tableName)
	rows, err := c.db.QueryContext(ctx, query, len(prefix), prefix)
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, syncErrors.OpCacheRead, component)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan key row: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return keys, nil
}

// Stats returns database statistics for monitoring.
func (c *Cache) Stats() sql.DBStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return sql.DBStats{}
	}
	return c.db.Stats()
}

// Close closes the database connection.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.db.Close()
}
