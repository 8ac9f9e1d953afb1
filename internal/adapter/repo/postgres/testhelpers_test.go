package postgres_test

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// rowStub implements pgx.Row.
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

// rowsStub implements pgx.Rows over a list of scan funcs.
type rowsStub struct {
	scans []func(dest ...any) error
	i     int
	err   error
}

func (r *rowsStub) Close()                                       {}
func (r *rowsStub) Err() error                                   { return r.err }
func (r *rowsStub) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *rowsStub) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rowsStub) Next() bool                                   { r.i++; return r.i <= len(r.scans) }
func (r *rowsStub) Scan(dest ...any) error                       { return r.scans[r.i-1](dest...) }
func (r *rowsStub) Values() ([]any, error)                       { return nil, nil }
func (r *rowsStub) RawValues() [][]byte                          { return nil }
func (r *rowsStub) Conn() *pgx.Conn                              { return nil }

type execCall struct {
	sql  string
	args []any
}

// txStub implements pgx.Tx, recording every Exec and dispatching QueryRow and
// Query by SQL substring.
type txStub struct {
	execs      []execCall
	execErrFor func(sql string) error
	rowFor     func(sql string, args ...any) pgx.Row
	rowsFor    func(sql string, args ...any) pgx.Rows
	commitErr  error
	committed  bool
	rolledBack bool
}

func (t *txStub) Begin(_ context.Context) (pgx.Tx, error) { return t, nil }
func (t *txStub) Commit(_ context.Context) error {
	t.committed = true
	return t.commitErr
}
func (t *txStub) Rollback(_ context.Context) error { t.rolledBack = true; return nil }
func (t *txStub) CopyFrom(_ context.Context, _ pgx.Identifier, _ []string, _ pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *txStub) SendBatch(_ context.Context, _ *pgx.Batch) pgx.BatchResults { return nil }
func (t *txStub) LargeObjects() pgx.LargeObjects                             { return pgx.LargeObjects{} }
func (t *txStub) Prepare(_ context.Context, _, _ string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *txStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.execs = append(t.execs, execCall{sql: sql, args: args})
	if t.execErrFor != nil {
		if err := t.execErrFor(sql); err != nil {
			return pgconn.CommandTag{}, err
		}
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}
func (t *txStub) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	if t.rowsFor != nil {
		return t.rowsFor(sql, args...), nil
	}
	return &rowsStub{}, nil
}
func (t *txStub) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	if t.rowFor != nil {
		return t.rowFor(sql, args...)
	}
	return rowStub{scan: func(_ ...any) error { return errors.New("no row configured") }}
}
func (t *txStub) Conn() *pgx.Conn { return nil }

// execSeen reports whether any recorded Exec contains the substring.
func (t *txStub) execSeen(substr string) bool {
	for _, c := range t.execs {
		if strings.Contains(c.sql, substr) {
			return true
		}
	}
	return false
}

// poolStub implements postgres.PgxPool for tests.
type poolStub struct {
	execTag  pgconn.CommandTag
	execErr  error
	execs    []execCall
	row      pgx.Row
	rowFor   func(sql string, args ...any) pgx.Row
	rows     pgx.Rows
	queryErr error
	tx       *txStub
	beginErr error
}

func (p *poolStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.execs = append(p.execs, execCall{sql: sql, args: args})
	return p.execTag, p.execErr
}

func (p *poolStub) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	if p.rowFor != nil {
		return p.rowFor(sql, args...)
	}
	if p.row == nil {
		return rowStub{scan: func(_ ...any) error { return errors.New("no row configured") }}
	}
	return p.row
}

func (p *poolStub) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	if p.queryErr != nil {
		return nil, p.queryErr
	}
	if p.rows == nil {
		return &rowsStub{}, nil
	}
	return p.rows, nil
}

func (p *poolStub) BeginTx(_ context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	if p.beginErr != nil {
		return nil, p.beginErr
	}
	if p.tx == nil {
		p.tx = &txStub{}
	}
	return p.tx, nil
}
