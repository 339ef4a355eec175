package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key   BYTEA PRIMARY KEY,
	value BYTEA NOT NULL
);
CREATE TABLE IF NOT EXISTS kv_set (
	set_key BYTEA  NOT NULL,
	member  BYTEA  NOT NULL,
	seq     BIGSERIAL,
	PRIMARY KEY (set_key, member)
);
CREATE INDEX IF NOT EXISTS kv_set_order ON kv_set (set_key, seq);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Each Apply runs in a single database transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate kv schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key Key) ([]byte, error) {
	var value []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM kv WHERE key = $1`, key[:]).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

func (s *PostgresStore) Apply(ctx context.Context, batch Batch) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, op := range batch {
			var err error
			switch op.Kind {
			case OpPut:
				_, err = tx.Exec(ctx,
					`INSERT INTO kv (key, value) VALUES ($1, $2)
					 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
					op.Key[:], op.Value)
			case OpDelete:
				_, err = tx.Exec(ctx, `DELETE FROM kv WHERE key = $1`, op.Key[:])
			case OpSetAdd:
				_, err = tx.Exec(ctx,
					`INSERT INTO kv_set (set_key, member) VALUES ($1, $2)
					 ON CONFLICT (set_key, member) DO NOTHING`,
					op.Key[:], op.Member[:])
			case OpSetRemove:
				_, err = tx.Exec(ctx,
					`DELETE FROM kv_set WHERE set_key = $1 AND member = $2`,
					op.Key[:], op.Member[:])
			}
			if err != nil {
				return fmt.Errorf("apply op %d on %s: %w", op.Kind, op.Key, err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) SetMembers(ctx context.Context, set Key, offset, limit int) ([]Key, error) {
	if offset < 0 {
		offset = 0
	}
	// LIMIT NULL means no limit.
	var lim *int
	if limit >= 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT member FROM kv_set WHERE set_key = $1
		 ORDER BY seq OFFSET $2 LIMIT $3`,
		set[:], offset, lim)
	if err != nil {
		return nil, fmt.Errorf("set members %s: %w", set, err)
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

func (s *PostgresStore) SetCount(ctx context.Context, set Key) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM kv_set WHERE set_key = $1`, set[:]).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("set count %s: %w", set, err)
	}
	return n, nil
}

func (s *PostgresStore) SetContains(ctx context.Context, set Key, member Key) (bool, error) {
	var found bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM kv_set WHERE set_key = $1 AND member = $2)`,
		set[:], member[:]).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("set contains %s: %w", set, err)
	}
	return found, nil
}
