// Package sqlsource runs database/sql queries as cache sources.
//
// A Query declares the tables it reads. When it runs under a cache population the
// tables are registered on the scoped invalidation subscription, so a later
// notification for any of them evicts the cached result.
package sqlsource

import (
	"context"
	"database/sql"
	"fmt"
	"iter"

	"github.com/krisalay/query-cache/invalidation"
)

// Querier is satisfied by *sql.DB, *sql.Tx and *sql.Conn.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Execer is satisfied by *sql.DB, *sql.Tx and *sql.Conn.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Notifier reports changed tables; *invalidation.Hub implements it.
type Notifier interface {
	Notify(ctx context.Context, topic, payload string) error
}

// ScanFunc turns the current row into an item.
type ScanFunc[T any] func(rows *sql.Rows) (T, error)

// Query is a Source backed by a SQL statement.
type Query[T any] struct {
	DB     Querier
	SQL    string
	Args   []any
	Tables []string
	Scan   ScanFunc[T]
}

// Rows runs the statement and yields one item per row. Rows are pulled lazily:
// the statement stays open until the caller stops or the result is exhausted.
func (q Query[T]) Rows(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T

		if err := invalidation.Watch(ctx, q.Tables...); err != nil {
			yield(zero, fmt.Errorf("sqlsource: watch %v: %w", q.Tables, err))
			return
		}

		rows, err := q.DB.QueryContext(ctx, q.SQL, q.Args...)
		if err != nil {
			yield(zero, fmt.Errorf("sqlsource: query: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			item, err := q.Scan(rows)
			if err != nil {
				yield(zero, fmt.Errorf("sqlsource: scan: %w", err))
				return
			}
			if !yield(item, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(zero, fmt.Errorf("sqlsource: rows: %w", err))
		}
	}
}

// ExecAndNotify runs a write and, if it succeeds, reports every table as changed.
// Use it for databases without a server-side change feed (SQLite).
func ExecAndNotify(ctx context.Context, db Execer, n Notifier, query string, args []any, tables ...string) (sql.Result, error) {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlsource: exec: %w", err)
	}
	for _, table := range tables {
		if err := n.Notify(ctx, table, query); err != nil {
			return res, fmt.Errorf("sqlsource: notify %s: %w", table, err)
		}
	}
	return res, nil
}
