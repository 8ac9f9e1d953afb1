// Package postgres implements the ledger store on PostgreSQL.
//
// It holds the canonical rows for jobs, events, conversations, messages and
// evaluations, and provides the transactional claim/heartbeat/finalize
// primitives the worker runtime depends on. Every write a dashboard cares
// about emits pg_notify on the dashboard_events channel inside the same
// transaction, so a notification is never observable before the row it
// references.
package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

//go:generate mockery --config=.mockery-pgx.yml

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// NotifyChannel is the LISTEN/NOTIFY channel carrying change payloads.
const NotifyChannel = "dashboard_events"
