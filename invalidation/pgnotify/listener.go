// Package pgnotify feeds PostgreSQL LISTEN/NOTIFY into an invalidation hub.
//
// Writers (or triggers, see TriggerSQL) send NOTIFY on one channel with the changed
// table as payload, optionally followed by ':' and free-form detail. Sources such as
// pgsource.Query watch table names, so the payload topic evicts their results.
package pgnotify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/krisalay/query-cache/invalidation"
)

// ErrBadPayload is returned for notifications that name no table.
var ErrBadPayload = errors.New("pgnotify: payload names no table")

// Execer is satisfied by *pgx.Conn, *pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ParsePayload splits "table[:detail]".
func ParsePayload(payload string) (topic, detail string, err error) {
	topic, detail, _ = strings.Cut(payload, ":")
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return "", "", fmt.Errorf("%w: %q", ErrBadPayload, payload)
	}
	return topic, detail, nil
}

/*
Listener is a Bridge backed by a dedicated connection in LISTEN mode.

The connection must not be shared: WaitForNotification holds it for as long as Run
is running.

When Run returns, for whatever reason, the hub is closed. Without a feed nothing
can invalidate a cached result any more, so every live subscription fires with
InfoClosed and later populations stream uncached.
*/
type Listener struct {
	conn    *pgx.Conn
	channel string
	hub     *invalidation.Hub
	logger  *zap.Logger
}

// New wraps conn. buffer sizes the hub queue.
func New(conn *pgx.Conn, channel string, buffer int, logger *zap.Logger) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		conn:    conn,
		channel: channel,
		hub:     invalidation.NewHub(buffer, invalidation.WithLogger(logger)),
		logger:  logger,
	}
}

// Connect opens a dedicated connection for dsn and wraps it.
func Connect(ctx context.Context, dsn, channel string, buffer int, logger *zap.Logger) (*Listener, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgnotify: connect: %w", err)
	}
	return New(conn, channel, buffer, logger), nil
}

// Subscribe implements invalidation.Bridge.
func (l *Listener) Subscribe(onChange func(invalidation.Event)) (invalidation.Subscription, error) {
	return l.hub.Subscribe(onChange)
}

// Hub exposes the underlying hub.
func (l *Listener) Hub() *invalidation.Hub { return l.hub }

// Run issues LISTEN and forwards notifications until ctx is done or the connection fails.
func (l *Listener) Run(ctx context.Context) error {
	defer l.hub.Close()

	if _, err := l.conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return fmt.Errorf("pgnotify: listen %s: %w", l.channel, err)
	}
	l.logger.Info("listening", zap.String("channel", l.channel))

	for {
		n, err := l.conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("pgnotify: wait: %w", err)
		}

		topic, _, err := ParsePayload(n.Payload)
		if err != nil {
			l.logger.Warn("ignoring notification", zap.Uint32("pid", n.PID), zap.Error(err))
			continue
		}
		if err := l.hub.Notify(ctx, topic, n.Payload); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("pgnotify: %w", err)
		}
	}
}

// Close closes the hub and the connection.
func (l *Listener) Close(ctx context.Context) error {
	return errors.Join(l.hub.Close(), l.conn.Close(ctx))
}

// Notify reports table as changed on channel. It takes effect when the
// surrounding transaction, if any, commits.
func Notify(ctx context.Context, db Execer, channel, table, detail string) error {
	payload := table
	if detail != "" {
		payload += ":" + detail
	}
	if _, err := db.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return fmt.Errorf("pgnotify: notify %s: %w", table, err)
	}
	return nil
}

// TriggerSQL returns statements that make every INSERT, UPDATE, DELETE or TRUNCATE
// on table notify channel with the table name, so no writer has to call Notify.
func TriggerSQL(channel, table string) string {
	fn := pgx.Identifier{"querycache_notify_" + table}.Sanitize()
	trigger := pgx.Identifier{"querycache_" + table}.Sanitize()
	lit := "'" + strings.ReplaceAll(channel, "'", "''") + "'"

	return fmt.Sprintf(`CREATE OR REPLACE FUNCTION %[1]s() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify(%[2]s, TG_TABLE_NAME);
	RETURN NULL;
END;
$$ LANGUAGE plpgsql;
DROP TRIGGER IF EXISTS %[3]s ON %[4]s;
CREATE TRIGGER %[3]s AFTER INSERT OR UPDATE OR DELETE OR TRUNCATE ON %[4]s
	FOR EACH STATEMENT EXECUTE FUNCTION %[1]s();`,
		fn, lit, trigger, pgx.Identifier{table}.Sanitize())
}
