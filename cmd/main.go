package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	cache "github.com/krisalay/query-cache"
	"github.com/krisalay/query-cache/config"
	"github.com/krisalay/query-cache/engine"
	"github.com/krisalay/query-cache/invalidation"
	"github.com/krisalay/query-cache/invalidation/pgnotify"
	"github.com/krisalay/query-cache/logging"
	"github.com/krisalay/query-cache/metrics"
	"github.com/krisalay/query-cache/source/pgsource"
	"github.com/krisalay/query-cache/source/sqlsource"
	"github.com/krisalay/query-cache/store"
)

type User struct {
	ID   int64
	Name string
}

const usersSQL = `SELECT id, name FROM qc_demo_users ORDER BY id`

// ================= BACKEND =================

// backend hides the database flavor from the scenarios.
type backend struct {
	bridge invalidation.Bridge
	users  cache.Source[User]

	// insert adds a user and reports the table as changed.
	insert func(ctx context.Context, id int64, name string) error

	// touch reports the table as changed without writing.
	touch func(ctx context.Context) error

	close func()
}

func openSQLite(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backend, error) {
	db, err := sql.Open("sqlite", cfg.Source.DSN)
	if err != nil {
		return nil, err
	}
	// One connection: ":memory:" is per connection.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS qc_demo_users (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`,
		`DELETE FROM qc_demo_users`,
		`INSERT INTO qc_demo_users (id, name) VALUES (1, 'ada'), (2, 'grace'), (3, 'linus')`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, err
		}
	}

	hub := invalidation.NewHub(cfg.Invalidation.Buffer, invalidation.WithLogger(logger))

	return &backend{
		bridge: hub,
		users: sqlsource.Query[User]{
			DB:     db,
			SQL:    usersSQL,
			Tables: []string{"qc_demo_users"},
			Scan: func(rows *sql.Rows) (User, error) {
				var u User
				err := rows.Scan(&u.ID, &u.Name)
				return u, err
			},
		},
		insert: func(ctx context.Context, id int64, name string) error {
			_, err := sqlsource.ExecAndNotify(ctx, db, hub,
				`INSERT INTO qc_demo_users (id, name) VALUES (?, ?)`, []any{id, name}, "qc_demo_users")
			return err
		},
		touch: func(ctx context.Context) error {
			return hub.Notify(ctx, "qc_demo_users", "touch")
		},
		close: func() {
			hub.Close()
			db.Close()
		},
	}, nil
}

func openPostgres(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backend, error) {
	pool, err := pgxpool.New(ctx, cfg.Source.DSN)
	if err != nil {
		return nil, err
	}

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS qc_demo_users (id BIGINT PRIMARY KEY, name TEXT NOT NULL)`,
		pgnotify.TriggerSQL(cfg.Invalidation.Channel, "qc_demo_users"),
		`TRUNCATE qc_demo_users`,
		`INSERT INTO qc_demo_users (id, name) VALUES (1, 'ada'), (2, 'grace'), (3, 'linus')`,
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, err
		}
	}

	listener, err := pgnotify.Connect(ctx, cfg.Source.DSN, cfg.Invalidation.Channel, cfg.Invalidation.Buffer, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	runCtx, stop := context.WithCancel(context.Background())
	go func() {
		if err := listener.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("listener stopped", zap.Error(err))
		}
	}()
	// LISTEN must be in place before the first population subscribes.
	time.Sleep(200 * time.Millisecond)

	return &backend{
		bridge: listener,
		users:  pgsource.Query[User]{DB: pool, SQL: usersSQL, Tables: []string{"qc_demo_users"}},
		insert: func(ctx context.Context, id int64, name string) error {
			// The trigger notifies.
			_, err := pool.Exec(ctx, `INSERT INTO qc_demo_users (id, name) VALUES ($1, $2)`, id, name)
			return err
		},
		touch: func(ctx context.Context) error {
			return pgnotify.Notify(ctx, pool, cfg.Invalidation.Channel, "qc_demo_users", "touch")
		},
		close: func() {
			stop()
			listener.Close(context.Background())
			pool.Close()
		},
	}, nil
}

// ================= HELPERS =================

// observed returns an observer option and a wait function for its first call.
func observed() (cache.Option, func() bool) {
	ch := make(chan cache.Invalidation, 1)
	opt := cache.WithInvalidationObserver(func(inv cache.Invalidation) {
		fmt.Printf("OBSERVER → %s invalidated (tag=%v, topic=%s)\n", inv.Key, inv.Tag, inv.Event.Topic)
		ch <- inv
	})
	wait := func() bool {
		select {
		case <-ch:
			return true
		case <-time.After(5 * time.Second):
			return false
		}
	}
	return opt, wait
}

func show(label string, users []User, meta cache.Meta) {
	fmt.Printf("%-7s→ %d users from %s (at %s)\n", label, len(users), meta.Source, meta.Time.Format(time.RFC3339Nano))
}

func must(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// ================= MAIN =================

func main() {
	configPath := flag.String("config", "", "YAML or TOML config file")
	dsn := flag.String("db", "", "database DSN (overrides the config)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		must(err)
		cfg = loaded
	}
	if *dsn != "" {
		cfg.Source.DSN = *dsn
	}
	must(cfg.Validate())

	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Development: cfg.Log.Development})
	must(err)
	defer logger.Sync()

	ctx := context.Background()

	fmt.Println("\n==================== SYSTEM BOOT ====================")
	fmt.Println("DRIVER          :", cfg.Source.Driver)
	fmt.Println("DSN             :", cfg.Source.DSN)
	fmt.Println("HUB BUFFER      :", cfg.Invalidation.Buffer)

	// ---------------- Backend ----------------
	var be *backend
	switch cfg.Source.Driver {
	case "postgres":
		be, err = openPostgres(ctx, cfg, logger)
	default:
		be, err = openSQLite(ctx, cfg, logger)
	}
	must(err)
	defer be.close()

	// ---------------- Metrics ----------------
	prom := metrics.NewPrometheus(cfg.Metrics.Namespace)
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", prom.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
				logger.Error("metrics endpoint stopped", zap.Error(err))
			}
		}()
		fmt.Println("METRICS         : http://" + cfg.Metrics.Addr + "/metrics")
	}

	// ---------------- Cache ----------------
	registry := store.NewRegistry()
	c := cache.NewQueryCache(
		store.For[User](registry),
		engine.NewCacheEngine(be.bridge, prom, logger),
	)
	key := cache.Key("users", usersSQL)
	fmt.Println("CACHE KEY       :", key)

	// ====================================================
	fmt.Println("\n==================== 1) FIRST CALL, THEN CACHED ====================")
	users, meta, err := c.Collect(ctx, key, be.users)
	must(err)
	show("CALL 1", users, meta)

	users, meta, err = c.Collect(ctx, key, be.users)
	must(err)
	show("CALL 2", users, meta)

	// ====================================================
	fmt.Println("\n==================== 2) INVALIDATION MID-STREAM ====================")
	c.Remove(key)
	opt, wait := observed()
	var mid cache.Meta
	n := 0
	for u, err := range c.Enumerate(ctx, key, be.users, opt, cache.WithMeta(&mid), cache.WithTag("mid-stream")) {
		must(err)
		n++
		fmt.Printf("STREAM → %d %s\n", u.ID, u.Name)
		if n == 1 {
			must(be.touch(ctx))
			if !wait() {
				fmt.Println("OBSERVER → timed out")
			}
		}
	}
	fmt.Println("CACHE  → population started", mid.Time.Format(time.RFC3339Nano), "from", mid.Source)
	fmt.Println("CACHE  → entries after mid-stream invalidation =", c.Len())

	users, meta, err = c.Collect(ctx, key, be.users)
	must(err)
	show("CALL 3", users, meta)

	// ====================================================
	fmt.Println("\n==================== 3) WRITE INVALIDATES ====================")
	// Observers are only registered by populations.
	c.Remove(key)
	opt, wait = observed()
	users, meta, err = c.Collect(ctx, key, be.users, opt, cache.WithTag("after-write"))
	must(err)
	show("CALL 4", users, meta)

	must(be.insert(ctx, 4, "barbara"))
	if !wait() {
		fmt.Println("OBSERVER → timed out")
	}
	users, meta, err = c.Collect(ctx, key, be.users)
	must(err)
	show("CALL 5", users, meta)

	// ====================================================
	fmt.Println("\n==================== 4) REMOVE ====================")
	c.Remove(key)
	fmt.Println("CACHE  → REMOVE", key)
	users, meta, err = c.Collect(ctx, key, be.users)
	must(err)
	show("CALL 6", users, meta)

	// ====================================================
	fmt.Println("\n==================== 5) PURGE ====================")
	other := cache.Key("users", usersSQL, "copy")
	_, _, err = c.Collect(ctx, other, be.users)
	must(err)
	fmt.Println("CACHE  → entries before purge =", c.Len())
	fmt.Println("CACHE  → purged", registry.PurgeAll(), "entries")
	users, meta, err = c.Collect(ctx, key, be.users)
	must(err)
	show("CALL 7", users, meta)

	// ====================================================
	fmt.Println("\n==================== METRICS ====================")
	for _, ev := range []string{
		metrics.EventHit, metrics.EventMiss, metrics.EventPublish,
		metrics.EventDecline, metrics.EventInvalidate, metrics.EventDiscard,
	} {
		fmt.Printf("%-10s : %.0f\n", ev, prom.Count(ev))
	}

	// ====================================================
	fmt.Println("\n==================== SHUTDOWN ====================")
}
