package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/soilsnap/edge/internal/types"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the SQLite-backed durable local store.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// Open opens (creating if needed) the store at dbPath and ensures both tables
// exist. Any failure is wrapped in ErrUnavailable so callers can degrade to
// network-only behavior.
func Open(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("%w: create database directory: %w", ErrUnavailable, err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %w", ErrUnavailable, err)
	}
	// One connection keeps ":memory:" databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: enable pragmas: %w", ErrUnavailable, err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// enablePragmas sets SQLite pragmas for durability and concurrent readers.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// AddPending appends op to the queue and returns its assigned id.
// Ids are strictly increasing and never reused.
func (s *SQLiteStore) AddPending(ctx context.Context, op types.Operation) (int64, error) {
	raw, err := json.Marshal(op)
	if err != nil {
		return 0, fmt.Errorf("encode operation: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pending (op, created_at) VALUES (?, ?)`,
		string(raw), s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("insert pending: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("pending id: %w", err)
	}
	return id, nil
}

// GetAllPending returns every queued operation, oldest first.
func (s *SQLiteStore) GetAllPending(ctx context.Context) ([]types.PendingOperation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, op, created_at FROM pending ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	items := []types.PendingOperation{}
	for rows.Next() {
		var (
			item      types.PendingOperation
			rawOp     string
			createdAt string
		)
		if err := rows.Scan(&item.ID, &rawOp, &createdAt); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		if err := json.Unmarshal([]byte(rawOp), &item.Op); err != nil {
			return nil, fmt.Errorf("decode pending %d: %w", item.ID, err)
		}
		if item.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("decode pending %d created_at: %w", item.ID, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending: %w", err)
	}

	return items, nil
}

// DeletePending removes one queued operation. Deleting an absent id is a no-op.
func (s *SQLiteStore) DeletePending(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete pending %d: %w", id, err)
	}
	return nil
}

// CountPending returns the number of queued operations.
func (s *SQLiteStore) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// PutData upserts a record by id. The last write wins.
func (s *SQLiteStore) PutData(ctx context.Context, rec types.Record) error {
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRecord)
	}
	if !json.Valid(rec.Payload) {
		return fmt.Errorf("%w: payload for %q is not valid JSON", ErrInvalidRecord, rec.ID)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO data (id, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at
	`, rec.ID, string(rec.Payload), s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put data %q: %w", rec.ID, err)
	}
	return nil
}

// GetData returns the record stored under id, or ErrNotFound.
func (s *SQLiteStore) GetData(ctx context.Context, id string) (*types.Record, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM data WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get data %q: %w", id, err)
	}
	return &types.Record{ID: id, Payload: json.RawMessage(payload)}, nil
}
