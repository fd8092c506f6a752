// Package pgsource runs pgx queries as cache sources.
package pgsource

import (
	"context"
	"fmt"
	"iter"

	"github.com/jackc/pgx/v5"

	"github.com/krisalay/query-cache/invalidation"
)

// Querier is satisfied by *pgx.Conn, *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

/*
Query is a Source backed by a PostgreSQL statement.

Tables are the topics registered on the scoped invalidation subscription. Pair it
with pgnotify.Listener so that a NOTIFY naming one of them evicts the result.

Scan defaults to pgx.RowToStructByName[T].
*/
type Query[T any] struct {
	DB     Querier
	SQL    string
	Args   []any
	Tables []string
	Scan   pgx.RowToFunc[T]
}

// Rows implements the cache source contract. Rows are pulled from the connection
// one at a time as the caller ranges.
func (q Query[T]) Rows(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T

		if err := invalidation.Watch(ctx, q.Tables...); err != nil {
			yield(zero, fmt.Errorf("pgsource: watch %v: %w", q.Tables, err))
			return
		}

		scan := q.Scan
		if scan == nil {
			scan = pgx.RowToStructByName[T]
		}

		rows, err := q.DB.Query(ctx, q.SQL, q.Args...)
		if err != nil {
			yield(zero, fmt.Errorf("pgsource: query: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			item, err := scan(rows)
			if err != nil {
				yield(zero, fmt.Errorf("pgsource: scan: %w", err))
				return
			}
			if !yield(item, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(zero, fmt.Errorf("pgsource: rows: %w", err))
		}
	}
}
