// internal/database/schema.go
// Database schema and migration logic for the federation store
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const Schema = `
-- Remote feeds we subscribe to over PuSH
CREATE TABLE IF NOT EXISTS feedsub (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    uri TEXT UNIQUE NOT NULL,
    huburi TEXT NOT NULL DEFAULT '',
    secret TEXT NOT NULL DEFAULT '',
    sub_state TEXT NOT NULL DEFAULT 'inactive',
    sub_start TIMESTAMP,
    sub_end TIMESTAMP,
    last_update TIMESTAMP,
    version INTEGER NOT NULL DEFAULT 1,
    created TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    modified TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Local features that still need a remote feed
CREATE TABLE IF NOT EXISTS feed_consumers (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    topic TEXT NOT NULL,
    consumer TEXT NOT NULL,
    created TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(topic, consumer)
);

-- External subscribers to our feeds
CREATE TABLE IF NOT EXISTS hubsub (
    hashkey TEXT PRIMARY KEY,
    topic TEXT NOT NULL,
    callback TEXT NOT NULL,
    secret TEXT NOT NULL DEFAULT '',
    lease_seconds INTEGER NOT NULL DEFAULT 0,
    sub_start TIMESTAMP,
    sub_end TIMESTAMP,
    created TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    modified TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Signing keypairs of local actors
CREATE TABLE IF NOT EXISTS magicsig (
    actor_id TEXT PRIMARY KEY,
    keypair TEXT NOT NULL,
    alg TEXT NOT NULL,
    created TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Public keys of remote actors learned through discovery
CREATE TABLE IF NOT EXISTS remote_keys (
    actor_uri TEXT PRIMARY KEY,
    keypair TEXT NOT NULL,
    salmon_url TEXT NOT NULL DEFAULT '',
    fetched_at TIMESTAMP NOT NULL
);

-- Persistent work queue
CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    queue TEXT NOT NULL,
    payload BLOB NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    available_at TIMESTAMP NOT NULL,
    claimed_at TIMESTAMP,
    failed_at TIMESTAMP,
    last_error TEXT NOT NULL DEFAULT '',
    created TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Accepted inbound entries, unique by entry URI
CREATE TABLE IF NOT EXISTS inbox (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    entry_uri TEXT UNIQUE NOT NULL,
    source TEXT NOT NULL,
    actor_uri TEXT NOT NULL DEFAULT '',
    verb TEXT NOT NULL DEFAULT '',
    payload TEXT NOT NULL,
    received TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);`

const Indexes = `
CREATE INDEX IF NOT EXISTS idx_feedsub_state ON feedsub(sub_state);
CREATE INDEX IF NOT EXISTS idx_feedsub_end ON feedsub(sub_end) WHERE sub_end IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_feed_consumers_topic ON feed_consumers(topic);
CREATE INDEX IF NOT EXISTS idx_hubsub_topic ON hubsub(topic);
CREATE INDEX IF NOT EXISTS idx_hubsub_end ON hubsub(sub_end);
CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs(available_at) WHERE failed_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_inbox_received ON inbox(received DESC);`

// DB represents our database connection and operations
type DB struct {
	*sql.DB
}

// Configuration for the database
type Config struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns the default database configuration
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    25,
		MaxIdleConns:    10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// NewDB creates a new database connection with optimized settings
func NewDB(dbPath string, cfg Config) (*DB, error) {
	// Add query parameters to optimize SQLite performance
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=ON&_synchronous=NORMAL",
		dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("error creating schema: %w", err)
	}

	return &DB{db}, nil
}

func createSchema(db *sql.DB) error {
	if _, err := db.Exec(`
        PRAGMA journal_mode=WAL;
        PRAGMA synchronous=NORMAL;
        PRAGMA cache_size=10000;
        PRAGMA temp_store=MEMORY;
    `); err != nil {
		return fmt.Errorf("error setting pragmas: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(Schema); err != nil {
		return fmt.Errorf("error executing schema: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing schema: %w", err)
	}

	// Columns added after the first release
	columnUpdates := []struct {
		table, column, definition string
	}{
		{"feedsub", "version", "INTEGER NOT NULL DEFAULT 1"},
		{"feedsub", "last_update", "TIMESTAMP"},
		{"remote_keys", "salmon_url", "TEXT NOT NULL DEFAULT ''"},
		{"jobs", "failed_at", "TIMESTAMP"},
	}

	for _, col := range columnUpdates {
		exists, err := columnExists(db, col.table, col.column)
		if err != nil {
			return fmt.Errorf("error checking column %s.%s: %w", col.table, col.column, err)
		}
		if !exists {
			_, err := db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
				col.table, col.column, col.definition))
			if err != nil {
				return fmt.Errorf("error adding column %s.%s: %w", col.table, col.column, err)
			}
		}
	}

	// Create indexes after tables are committed
	if _, err := db.Exec(Indexes); err != nil {
		return fmt.Errorf("error creating indexes: %w", err)
	}

	return nil
}

func columnExists(db *sql.DB, tableName, columnName string) (bool, error) {
	query := fmt.Sprintf("PRAGMA table_info(%s);", tableName)
	rows, err := db.Query(query)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue sql.NullString
		var pk int

		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == columnName {
			return true, nil
		}
	}

	return false, rows.Err()
}
