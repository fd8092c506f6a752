package pgnotify

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cache "github.com/krisalay/query-cache"
	"github.com/krisalay/query-cache/engine"
	"github.com/krisalay/query-cache/source/pgsource"
)

func TestParsePayload(t *testing.T) {
	tests := []struct {
		payload string
		topic   string
		detail  string
		wantErr bool
	}{
		{"orders", "orders", "", false},
		{"orders:id=7", "orders", "id=7", false},
		{" orders :a:b", "orders", "a:b", false},
		{"", "", "", true},
		{":detail", "", "", true},
	}

	for _, tt := range tests {
		topic, detail, err := ParsePayload(tt.payload)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrBadPayload, tt.payload)
			continue
		}
		require.NoError(t, err, tt.payload)
		assert.Equal(t, tt.topic, topic)
		assert.Equal(t, tt.detail, detail)
	}
}

func TestTriggerSQLQuotes(t *testing.T) {
	sql := TriggerSQL("cache'changes", "orders")

	assert.Contains(t, sql, `"querycache_notify_orders"()`)
	assert.Contains(t, sql, `pg_notify('cache''changes', TG_TABLE_NAME)`)
	assert.Contains(t, sql, `ON "orders"`)
	assert.Equal(t, 2, strings.Count(sql, `"querycache_orders"`))
}

// TestListenerIntegration needs a PostgreSQL server: set QUERYCACHE_PG_DSN.
func TestListenerIntegration(t *testing.T) {
	dsn := os.Getenv("QUERYCACHE_PG_DSN")
	if dsn == "" {
		t.Skip("QUERYCACHE_PG_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := pgx.Connect(ctx, dsn)
	require.NoError(t, err)
	defer db.Close(ctx)

	_, err = db.Exec(ctx, `CREATE TEMP TABLE qc_orders (id BIGINT PRIMARY KEY, total BIGINT NOT NULL)`)
	require.NoError(t, err)
	_, err = db.Exec(ctx, `INSERT INTO qc_orders VALUES (1, 10), (2, 20)`)
	require.NoError(t, err)

	l, err := Connect(ctx, dsn, "qc_test", 8, nil)
	require.NoError(t, err)
	defer l.Close(context.Background())

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go l.Run(runCtx)

	type order struct {
		ID    int64
		Total int64
	}
	c := cache.NewQueryCache[order](nil, engine.NewCacheEngine(l, nil, nil))
	q := pgsource.Query[order]{DB: db, SQL: `SELECT id, total FROM qc_orders ORDER BY id`, Tables: []string{"qc_orders"}}

	got, _, err := c.Collect(ctx, "orders", q)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, 1, c.Len())

	// LISTEN is issued by Run; give it a moment before notifying.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, Notify(ctx, db, "qc_test", "qc_orders", "test"))
	require.Eventually(t, func() bool { return c.Len() == 0 }, 10*time.Second, 20*time.Millisecond)
}
