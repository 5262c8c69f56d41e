package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"palletsync/go-mqtt-server/internal/model"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store wraps the SQLite database connection and schema lifecycle.
type Store struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	return s.db.PingContext(ctx)
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			vehicle_id TEXT,
			type TEXT NOT NULL CHECK (type IN ('LOAD', 'UNLOAD')),
			bottle_count INTEGER NOT NULL CHECK (bottle_count > 0),
			total_bottles_after INTEGER NOT NULL,
			weight_delta_grams INTEGER NOT NULL,
			occurred_at TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			device_timestamp INTEGER,
			recorded_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_occurred ON transactions(occurred_at DESC, sequence DESC);`,
		`CREATE TRIGGER IF NOT EXISTS transactions_append_only_update BEFORE UPDATE ON transactions
		 BEGIN SELECT RAISE(ABORT, 'transactions are append-only'); END;`,
		`CREATE TRIGGER IF NOT EXISTS transactions_append_only_delete BEFORE DELETE ON transactions
		 BEGIN SELECT RAISE(ABORT, 'transactions are append-only'); END;`,
		`CREATE TABLE IF NOT EXISTS products (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			bottles_per_case INTEGER NOT NULL CHECK (bottles_per_case > 0),
			unit_price TEXT NOT NULL DEFAULT '0'
		);`,
		`CREATE TABLE IF NOT EXISTS stock_quantities (
			product_id INTEGER PRIMARY KEY REFERENCES products(id),
			cases_qty INTEGER NOT NULL CHECK (cases_qty >= 0),
			bottles_qty INTEGER NOT NULL CHECK (bottles_qty >= 0),
			total_bottles INTEGER NOT NULL CHECK (total_bottles >= 0),
			total_value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS stock_movements (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			product_id INTEGER NOT NULL REFERENCES products(id),
			delta_cases INTEGER NOT NULL,
			delta_bottles INTEGER NOT NULL,
			reason TEXT,
			transaction_id TEXT,
			cases_after INTEGER NOT NULL,
			bottles_after INTEGER NOT NULL,
			total_after INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_stock_movements_product ON stock_movements(product_id, id);`,
		`CREATE TABLE IF NOT EXISTS ingestion_errors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT,
			topic TEXT,
			payload TEXT,
			error TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// InsertIngestionError records a payload that failed validation.
func (s *Store) InsertIngestionError(ctx context.Context, e model.IngestionError) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO ingestion_errors (device_id, topic, payload, error, created_at) VALUES (?, ?, ?, ?, ?);`,
		e.DeviceID,
		e.Topic,
		e.Payload,
		e.Error,
		formatTime(createdAt),
	)
	if err != nil {
		return fmt.Errorf("insert ingestion error: %w", err)
	}
	return nil
}

// RecentIngestionErrors returns rejected payloads newest first.
func (s *Store) RecentIngestionErrors(ctx context.Context, limit int) ([]model.IngestionError, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT device_id, topic, payload, error, created_at
		 FROM ingestion_errors
		 ORDER BY id DESC
		 LIMIT ?;`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query ingestion errors: %w", err)
	}
	defer rows.Close()

	entries := make([]model.IngestionError, 0, limit)
	for rows.Next() {
		var (
			deviceID, topic, payload sql.NullString
			errText, createdAt       string
		)
		if err := rows.Scan(&deviceID, &topic, &payload, &errText, &createdAt); err != nil {
			return nil, fmt.Errorf("scan ingestion error: %w", err)
		}
		entries = append(entries, model.IngestionError{
			DeviceID:  deviceID.String,
			Topic:     topic.String,
			Payload:   payload.String,
			Error:     errText,
			CreatedAt: parseTime(createdAt),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ingestion errors: %w", err)
	}

	return entries, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	ts, err := time.Parse(timeLayout, s)
	if err != nil {
		ts, _ = time.Parse(time.RFC3339Nano, s)
	}
	return ts.UTC()
}
