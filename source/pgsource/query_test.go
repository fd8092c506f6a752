package pgsource

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krisalay/query-cache/invalidation"
)

type order struct {
	ID    int64
	Total int64
}

// fakeRows serves pre-baked (id, total) rows.
type fakeRows struct {
	data   [][2]int64
	pos    int
	err    error
	closed bool
}

func (r *fakeRows) Close()                                       { r.closed = true }
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.closed || r.pos >= len(r.data) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.data[r.pos-1]
	for i, d := range dest {
		p, ok := d.(*int64)
		if !ok {
			return errors.New("unsupported destination")
		}
		*p = row[i]
	}
	return nil
}

func (r *fakeRows) Values() ([]any, error) {
	row := r.data[r.pos-1]
	return []any{row[0], row[1]}, nil
}

type fakeDB struct {
	rows    *fakeRows
	err     error
	queries int
}

func (db *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	db.queries++
	if db.err != nil {
		return nil, db.err
	}
	return db.rows, nil
}

func scanOrder(row pgx.CollectableRow) (order, error) {
	var o order
	err := row.Scan(&o.ID, &o.Total)
	return o, err
}

// recordingSub captures watched topics.
type recordingSub struct{ topics []string }

func (s *recordingSub) ID() string { return "rec" }
func (s *recordingSub) Watch(topics ...string) error {
	s.topics = append(s.topics, topics...)
	return nil
}
func (s *recordingSub) Cancel() {}

func TestRowsScansInOrderAndWatchesTables(t *testing.T) {
	db := &fakeDB{rows: &fakeRows{data: [][2]int64{{1, 100}, {2, 250}}}}
	q := Query[order]{DB: db, SQL: "SELECT id, total FROM orders", Tables: []string{"orders"}, Scan: scanOrder}

	sub := &recordingSub{}
	ctx := invalidation.WithSubscription(context.Background(), sub)

	var got []order
	for o, err := range q.Rows(ctx) {
		require.NoError(t, err)
		got = append(got, o)
	}

	assert.Equal(t, []order{{1, 100}, {2, 250}}, got)
	assert.Equal(t, []string{"orders"}, sub.topics)
	assert.True(t, db.rows.closed)
}

func TestRowsStopsEarlyAndCloses(t *testing.T) {
	db := &fakeDB{rows: &fakeRows{data: [][2]int64{{1, 1}, {2, 2}, {3, 3}}}}
	q := Query[order]{DB: db, Scan: scanOrder}

	for range q.Rows(context.Background()) {
		break
	}
	assert.Equal(t, 1, db.rows.pos)
	assert.True(t, db.rows.closed)
}

func TestQueryErrorIsWrapped(t *testing.T) {
	boom := errors.New("connection refused")
	q := Query[order]{DB: &fakeDB{err: boom}, Scan: scanOrder}

	var errs []error
	for _, err := range q.Rows(context.Background()) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], boom)
}

func TestRowsErrorAfterIteration(t *testing.T) {
	boom := errors.New("conn reset")
	db := &fakeDB{rows: &fakeRows{data: [][2]int64{{1, 1}}, err: boom}}
	q := Query[order]{DB: db, Scan: scanOrder}

	var items int
	var last error
	for _, err := range q.Rows(context.Background()) {
		if err != nil {
			last = err
			continue
		}
		items++
	}
	assert.Equal(t, 1, items)
	assert.ErrorIs(t, last, boom)
}
