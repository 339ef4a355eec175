package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key   BLOB PRIMARY KEY,
	value BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS kv_set (
	seq     INTEGER PRIMARY KEY AUTOINCREMENT,
	set_key BLOB NOT NULL,
	member  BLOB NOT NULL,
	UNIQUE (set_key, member)
);
CREATE INDEX IF NOT EXISTS kv_set_order ON kv_set (set_key, seq);
`

// SQLiteStore implements Store on an embedded SQLite database (pure Go, no
// cgo). Suited to single-node deployments and tests with ":memory:".
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store.NewSQLiteStore: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single writer; also keeps ":memory:" on one connection
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store.NewSQLiteStore: apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Get(ctx context.Context, key Key) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key[:]).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store.SQLiteStore.Get %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) Apply(ctx context.Context, batch Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store.SQLiteStore.Apply: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, op := range batch {
		switch op.Kind {
		case OpPut:
			_, err = tx.ExecContext(ctx,
				`INSERT INTO kv (key, value) VALUES (?, ?)
				 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
				op.Key[:], op.Value)
		case OpDelete:
			_, err = tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, op.Key[:])
		case OpSetAdd:
			_, err = tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO kv_set (set_key, member) VALUES (?, ?)`,
				op.Key[:], op.Member[:])
		case OpSetRemove:
			_, err = tx.ExecContext(ctx,
				`DELETE FROM kv_set WHERE set_key = ? AND member = ?`,
				op.Key[:], op.Member[:])
		}
		if err != nil {
			return fmt.Errorf("store.SQLiteStore.Apply: op %d on %s: %w", op.Kind, op.Key, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) SetMembers(ctx context.Context, set Key, offset, limit int) ([]Key, error) {
	if offset < 0 {
		offset = 0
	}
	// LIMIT -1 means no limit in SQLite.
	if limit < 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT member FROM kv_set WHERE set_key = ? ORDER BY seq LIMIT ? OFFSET ?`,
		set[:], limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store.SQLiteStore.SetMembers %s: %w", set, err)
	}
	defer rows.Close()

	var members []Key
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var k Key
		copy(k[:], raw)
		members = append(members, k)
	}
	return members, rows.Err()
}

func (s *SQLiteStore) SetCount(ctx context.Context, set Key) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM kv_set WHERE set_key = ?`, set[:]).Scan(&n); err != nil {
		return 0, fmt.Errorf("store.SQLiteStore.SetCount %s: %w", set, err)
	}
	return n, nil
}

func (s *SQLiteStore) SetContains(ctx context.Context, set Key, member Key) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM kv_set WHERE set_key = ? AND member = ?`,
		set[:], member[:]).Scan(&n); err != nil {
		return false, fmt.Errorf("store.SQLiteStore.SetContains %s: %w", set, err)
	}
	return n > 0, nil
}
