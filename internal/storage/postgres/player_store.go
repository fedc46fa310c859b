// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/battlewatch/tracker/internal/tracker"
)

// upsertPlayerSQL calls the upsert_player function owned by the storage
// schema: it inserts a new row when the account is absent and updates the
// mutable fields only when the battles counter differs from the stored
// value. The battles-change condition also drives the daily total/diff
// history triggers, so it must never be bypassed here.
const upsertPlayerSQL = `SELECT upsert_player($1::int, $2::text, ` +
	`to_timestamp($3)::timestamp, to_timestamp($4)::timestamp, ` +
	`to_timestamp($5)::timestamp, $6::int, ` +
	`to_timestamp($7)::timestamp, $8::text)`

const maxAccountSQL = `SELECT MAX(account_id) FROM players ` +
	`WHERE console = $1 AND _last_api_pull >= to_timestamp($2)::timestamp`

type pgConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close(ctx context.Context) error
}

// PlayerStore writes player rows over a single Postgres connection. Each
// ingest worker owns one store, so the store itself needs no locking.
type PlayerStore struct {
	conn pgConn
}

// Connect opens a dedicated connection and wraps it in a PlayerStore.
func Connect(ctx context.Context, dsn string) (*PlayerStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PlayerStore{conn: conn}, nil
}

// NewPlayerStoreWithConn constructs a store from an existing connection
// (primarily for testing).
func NewPlayerStoreWithConn(conn pgConn) (*PlayerStore, error) {
	if conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	return &PlayerStore{conn: conn}, nil
}

// Close releases the underlying connection.
func (s *PlayerStore) Close(ctx context.Context) error {
	if s == nil || s.conn == nil {
		return nil
	}
	if err := s.conn.Close(ctx); err != nil {
		return fmt.Errorf("close postgres connection: %w", err)
	}
	return nil
}

// UpsertPlayer applies one pulled record through upsert_player. Applying the
// same record twice is a no-op after the first application.
func (s *PlayerStore) UpsertPlayer(
	ctx context.Context,
	rec tracker.PlayerRecord,
	pulledAt int64,
	realm tracker.Realm,
) error {
	_, err := s.conn.Exec(ctx, upsertPlayerSQL,
		rec.AccountID,
		rec.Nickname,
		rec.CreatedAt,
		rec.LastBattleTime,
		rec.UpdatedAt,
		rec.Battles,
		pulledAt,
		string(realm),
	)
	if err != nil {
		return fmt.Errorf("upsert player %d: %w", rec.AccountID, err)
	}
	return nil
}

// MaxAccountID returns the highest account id pulled for the realm within
// the trailing window. A non-positive window means all time.
func (s *PlayerStore) MaxAccountID(
	ctx context.Context,
	realm tracker.Realm,
	windowSeconds int64,
) (int64, bool, error) {
	var since int64
	if windowSeconds > 0 {
		since = nowEpoch() - windowSeconds
	}
	var id *int64
	err := s.conn.QueryRow(ctx, maxAccountSQL, string(realm), since).Scan(&id)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("query max account id: %w", err)
	}
	if id == nil {
		return 0, false, nil
	}
	return *id, true, nil
}
