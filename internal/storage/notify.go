package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/jackc/pgx/v5"
)

// ChannelEvents carries the investigation id of every appended event so that
// other instances can wake their long-poll waiters.
const ChannelEvents = "olorin_events"

var errNoListener = errors.New("storage: notify connection not configured")

// listener owns the LISTEN connection. A connection that dropped is redialled
// on the next use and subscribed to every channel it listened to before.
type listener struct {
	dsn string

	mu       sync.Mutex
	conn     *pgx.Conn
	channels []string
}

func (l *listener) connect(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return fmt.Errorf("storage: connect notify: %w", err)
	}
	for _, ch := range l.channels {
		if err := execListen(ctx, conn, ch); err != nil {
			_ = conn.Close(ctx)
			return err
		}
	}
	l.conn = conn
	return nil
}

// live returns an open connection, redialling if needed. Caller holds mu.
func (l *listener) live(ctx context.Context) (*pgx.Conn, error) {
	if l.conn != nil && !l.conn.IsClosed() {
		return l.conn, nil
	}
	if err := l.connect(ctx); err != nil {
		return nil, err
	}
	return l.conn, nil
}

func (l *listener) close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close(ctx)
	l.conn = nil
	return err
}

func execListen(ctx context.Context, conn *pgx.Conn, channel string) error {
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// HasNotifyConn reports whether LISTEN/NOTIFY is available.
func (db *DB) HasNotifyConn() bool {
	return db.listen != nil
}

// Listen subscribes to channel. The subscription survives reconnects.
func (db *DB) Listen(ctx context.Context, channel string) error {
	if db.listen == nil {
		return errNoListener
	}
	l := db.listen
	l.mu.Lock()
	defer l.mu.Unlock()
	conn, err := l.live(ctx)
	if err != nil {
		return err
	}
	if err := execListen(ctx, conn, channel); err != nil {
		return err
	}
	if !slices.Contains(l.channels, channel) {
		l.channels = append(l.channels, channel)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on a listened
// channel. After a connection error the next call reconnects.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	if db.listen == nil {
		return "", "", errNoListener
	}
	l := db.listen
	l.mu.Lock()
	conn, err := l.live(ctx)
	l.mu.Unlock()
	if err != nil {
		return "", "", err
	}
	n, err := conn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return n.Channel, n.Payload, nil
}

// notifyEvent publishes investigationID on ChannelEvents through the pool.
func (db *DB) notifyEvent(ctx context.Context, investigationID string) error {
	if _, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", ChannelEvents, investigationID); err != nil {
		return fmt.Errorf("storage: notify %s: %w", ChannelEvents, err)
	}
	return nil
}
