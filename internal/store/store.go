// Package store journals keeper dispatches to Postgres.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Store struct {
	db *DB
}

type DB struct {
	raw *sql.DB
}

type Tx struct {
	raw *sql.Tx
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.raw.QueryContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := db.raw.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{raw: tx}, nil
}

func (db *DB) Close() error {
	return db.raw.Close()
}

func (tx *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tx.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) Commit() error {
	return tx.raw.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.raw.Rollback()
}

func rebindPostgresPlaceholders(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 16)

	arg := 1
	inSingleQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			out.WriteByte(ch)
			if inSingleQuote {
				// SQL escape: two single quotes inside a string literal.
				if i+1 < len(query) && query[i+1] == '\'' {
					out.WriteByte(query[i+1])
					i++
					continue
				}
				inSingleQuote = false
			} else {
				inSingleQuote = true
			}
			continue
		}

		if ch == '?' && !inSingleQuote {
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(arg))
			arg++
			continue
		}

		out.WriteByte(ch)
	}

	return out.String()
}

func NewStore(dbDSN string) (*Store, error) {
	db, err := sql.Open("pgx", dbDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetConnMaxIdleTime(30 * time.Second)
	db.SetMaxIdleConns(2)
	db.SetMaxOpenConns(8)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store, err := newStore(context.Background(), db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func newStore(ctx context.Context, db *sql.DB) (*Store, error) {
	store := &Store{db: &DB{raw: db}}
	if err := store.migrate(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS keeper_batches (
			id BIGSERIAL PRIMARY KEY,
			tick_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			batch_index INTEGER NOT NULL,
			target_count INTEGER NOT NULL,
			signature TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			dispatched_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_keeper_batches_tick ON keeper_batches(tick_id);`,
		`CREATE INDEX IF NOT EXISTS idx_keeper_batches_dispatched ON keeper_batches(dispatched_at DESC);`,
		`CREATE TABLE IF NOT EXISTS keeper_windows (
			kind TEXT PRIMARY KEY,
			last_refresh BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
	}

	for _, query := range ddl {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

type BatchRecord struct {
	TickID       string    `json:"tick_id"`
	Kind         string    `json:"kind"`
	BatchIndex   int       `json:"batch_index"`
	TargetCount  int       `json:"target_count"`
	Signature    string    `json:"signature,omitempty"`
	Error        string    `json:"error,omitempty"`
	DispatchedAt time.Time `json:"dispatched_at"`
}

// RecordTick writes every batch of one tick atomically.
func (s *Store) RecordTick(ctx context.Context, batches []BatchRecord) error {
	if len(batches) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx *Tx) error {
		for _, batch := range batches {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO keeper_batches (tick_id, kind, batch_index, target_count, signature, error, dispatched_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, batch.TickID, batch.Kind, batch.BatchIndex, batch.TargetCount, batch.Signature, batch.Error, batch.DispatchedAt.UnixMilli()); err != nil {
				return fmt.Errorf("insert keeper batch %s/%s#%d: %w", batch.TickID, batch.Kind, batch.BatchIndex, err)
			}
		}
		return nil
	})
}

func (s *Store) SaveWindow(ctx context.Context, kind string, lastRefresh time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO keeper_windows (kind, last_refresh, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(kind) DO UPDATE SET
			last_refresh = excluded.last_refresh,
			updated_at = excluded.updated_at
	`, kind, lastRefresh.UnixMilli(), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save %s window: %w", kind, err)
	}
	return nil
}

// LoadWindow returns the last refresh time saved for kind. ok is false when
// nothing was saved yet.
func (s *Store) LoadWindow(ctx context.Context, kind string) (lastRefresh time.Time, ok bool, err error) {
	var millis int64
	err = s.db.QueryRowContext(ctx, `SELECT last_refresh FROM keeper_windows WHERE kind = ?`, kind).Scan(&millis)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("load %s window: %w", kind, err)
	}
	return time.UnixMilli(millis), true, nil
}

func (s *Store) RecentBatches(ctx context.Context, limit int) ([]BatchRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT tick_id, kind, batch_index, target_count, signature, error, dispatched_at
		FROM keeper_batches
		ORDER BY dispatched_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query keeper batches: %w", err)
	}
	defer rows.Close()

	var out []BatchRecord
	for rows.Next() {
		var (
			rec    BatchRecord
			millis int64
		)
		if err := rows.Scan(&rec.TickID, &rec.Kind, &rec.BatchIndex, &rec.TargetCount, &rec.Signature, &rec.Error, &millis); err != nil {
			return nil, fmt.Errorf("scan keeper batch: %w", err)
		}
		rec.DispatchedAt = time.UnixMilli(millis)
		out = append(out, rec)
	}
	return out, rows.Err()
}
