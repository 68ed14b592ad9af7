package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgresTransport LISTEN/NOTIFY through a pq.Listener. Each Dial opens a
// fresh listener; the bridge, not pq, owns reconnects.
type PostgresTransport struct {
	dsn          string
	pingInterval time.Duration
	logger       *zap.Logger
}

func NewPostgresTransport(dsn string, logger *zap.Logger) *PostgresTransport {
	return &PostgresTransport{
		dsn:          dsn,
		pingInterval: 90 * time.Second,
		logger:       logger,
	}
}

func (t *PostgresTransport) Name() string { return "postgres" }

type listenerEvent struct {
	kind pq.ListenerEventType
	err  error
}

func (t *PostgresTransport) Dial(ctx context.Context) (Conn, error) {
	events := make(chan listenerEvent, 8)
	callback := func(kind pq.ListenerEventType, err error) {
		select {
		case events <- listenerEvent{kind: kind, err: err}:
		default:
		}
	}

	// pq's own retry interval is irrelevant: the listener is closed on its
	// first disconnect.
	listener := pq.NewListener(t.dsn, time.Second, time.Minute, callback)

	select {
	case ev := <-events:
		if ev.kind != pq.ListenerEventConnected {
			listener.Close()
			return nil, fmt.Errorf("failed to connect listener: %v", ev.err)
		}
	case <-ctx.Done():
		listener.Close()
		return nil, ctx.Err()
	}

	return &pgConn{listener: listener, events: events, pingInterval: t.pingInterval}, nil
}

type pgConn struct {
	listener     *pq.Listener
	events       chan listenerEvent
	pingInterval time.Duration
}

func (c *pgConn) Listen(ctx context.Context, topics []string) error {
	for _, topic := range topics {
		if err := c.listener.Listen(topic); err != nil && !errors.Is(err, pq.ErrChannelAlreadyOpen) {
			return fmt.Errorf("failed to listen on %s: %w", topic, err)
		}
	}
	return nil
}

func (c *pgConn) Receive(ctx context.Context) (Notification, error) {
	ping := time.NewTimer(c.pingInterval)
	defer ping.Stop()

	for {
		select {
		case n, ok := <-c.listener.Notify:
			if !ok {
				return Notification{}, ErrConnClosed
			}
			if n == nil {
				// pq re-established the session; anything sent meanwhile is gone
				return Notification{}, errors.New("listener connection was re-established")
			}
			return Notification{Topic: n.Channel, Payload: []byte(n.Extra)}, nil
		case ev := <-c.events:
			switch ev.kind {
			case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
				return Notification{}, fmt.Errorf("listener disconnected: %v", ev.err)
			}
		case <-ping.C:
			if err := c.listener.Ping(); err != nil {
				return Notification{}, fmt.Errorf("listener ping failed: %w", err)
			}
			ping.Reset(c.pingInterval)
		case <-ctx.Done():
			return Notification{}, ctx.Err()
		}
	}
}

func (c *pgConn) Close() error {
	return c.listener.Close()
}
