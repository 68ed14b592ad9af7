package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"shipwatch/shipwatch-triage/internal/models"

	"go.uber.org/zap"
)

// State connection lifecycle of the bridge
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateListening    State = "listening"
	StateError        State = "error"
	StateClosed       State = "closed"
)

// ErrConnClosed returned by Conn.Receive after Close
var ErrConnClosed = errors.New("notification connection closed")

// Notification raw message as delivered by a transport
type Notification struct {
	Topic   string
	Payload []byte
}

// Transport dials notification connections
type Transport interface {
	Name() string
	Dial(ctx context.Context) (Conn, error)
}

// Conn one live notification subscription. Receive blocks until a message
// arrives or the connection fails; after Close it returns an error.
type Conn interface {
	Listen(ctx context.Context, topics []string) error
	Receive(ctx context.Context) (Notification, error)
	Close() error
}

// Handler receives normalized events in arrival order
type Handler func(models.Event)

// Option configures a Bridge
type Option func(*Bridge)

// WithScheduler replaces time.AfterFunc for reconnect timers
func WithScheduler(s Scheduler) Option {
	return func(b *Bridge) {
		if s != nil {
			b.sched = s
		}
	}
}

// WithBackoff floor and ceiling of the reconnect delay
func WithBackoff(floor, ceiling time.Duration) Option {
	return func(b *Bridge) {
		b.backoff = NewBackoff(floor, ceiling)
	}
}

// WithStateObserver called on every state change, under no lock
func WithStateObserver(fn func(State)) Option {
	return func(b *Bridge) {
		b.observer = fn
	}
}

// WithClock overrides time.Now for Event.ReceivedAt
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) {
		if now != nil {
			b.now = now
		}
	}
}

// Bridge keeps one live subscription to the store's change channel and
// forwards every message to the handler. Failures release the connection
// and schedule exactly one reconnect with doubling backoff.
type Bridge struct {
	transport Transport
	topics    []string
	handler   Handler
	sched     Scheduler
	backoff   *Backoff
	observer  func(State)
	now       func() time.Time
	logger    *zap.Logger

	mu      sync.Mutex
	state   State
	gen     uint64
	conn    *managedConn
	timer   Timer
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	stopOnce sync.Once
}

// New creates a bridge in the disconnected state
func New(transport Transport, topics []string, handler Handler, logger *zap.Logger, opts ...Option) *Bridge {
	b := &Bridge{
		transport: transport,
		topics:    append([]string(nil), topics...),
		handler:   handler,
		sched:     RealScheduler(),
		backoff:   NewBackoff(DefaultBackoffFloor, DefaultBackoffCeiling),
		now:       time.Now,
		logger:    logger.With(zap.String("transport", transport.Name())),
		state:     StateDisconnected,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// State current lifecycle state
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Start begins connecting in the background. Calls after the first, or after
// Stop, do nothing.
func (b *Bridge) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started || b.stopped {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	b.mu.Unlock()

	b.logger.Info("Starting notification bridge", zap.Strings("topics", b.topics))
	go func() {
		defer b.wg.Done()
		b.connect()
	}()
}

// Stop cancels any pending reconnect and closes the current connection.
// Safe from any state and safe to call more than once.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.stopped = true
		b.gen++
		if b.timer != nil {
			b.timer.Stop()
			b.timer = nil
		}
		conn := b.conn
		b.conn = nil
		cancel := b.cancel
		b.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if conn != nil {
			conn.close()
		}
		b.wg.Wait()
		b.setState(StateClosed)
		b.logger.Info("Notification bridge stopped")
	})
}

func (b *Bridge) connect() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.timer = nil
	b.gen++
	gen := b.gen
	ctx := b.ctx
	b.mu.Unlock()
	if ctx.Err() != nil {
		b.setState(StateClosed)
		return
	}
	b.setState(StateConnecting)

	raw, err := b.transport.Dial(ctx)
	if err != nil {
		b.fail(gen, nil, fmt.Errorf("failed to dial: %w", err))
		return
	}
	conn := &managedConn{Conn: raw}

	if err := conn.Listen(ctx, b.topics); err != nil {
		b.fail(gen, conn, fmt.Errorf("failed to listen: %w", err))
		return
	}

	b.mu.Lock()
	if b.stopped || gen != b.gen {
		b.mu.Unlock()
		conn.close()
		return
	}
	b.conn = conn
	b.backoff.Reset()
	b.wg.Add(1)
	b.mu.Unlock()
	b.setState(StateListening)
	b.logger.Info("Notification bridge listening", zap.Strings("topics", b.topics))

	go func() {
		defer b.wg.Done()
		b.receiveLoop(ctx, gen, conn)
	}()
}

func (b *Bridge) receiveLoop(ctx context.Context, gen uint64, conn *managedConn) {
	for {
		n, err := conn.Receive(ctx)
		if err != nil {
			b.fail(gen, conn, fmt.Errorf("failed to receive: %w", err))
			return
		}

		event, err := Normalize(n.Topic, n.Payload, b.now())
		if err != nil {
			b.logger.Warn("Dropping malformed notification",
				zap.String("topic", n.Topic),
				zap.Int("payload_bytes", len(n.Payload)),
				zap.Error(err),
			)
			continue
		}
		b.handler(event)
	}
}

// fail handles the first failure of generation gen; later reports for the same
// generation, and reports after Stop, only release their connection. No
// reconnect is scheduled once the context given to Start is done.
func (b *Bridge) fail(gen uint64, conn *managedConn, err error) {
	b.mu.Lock()
	if b.stopped || gen != b.gen {
		b.mu.Unlock()
		if conn != nil {
			conn.close()
		}
		return
	}
	b.gen++
	if b.conn == conn {
		b.conn = nil
	}
	parentDone := b.ctx != nil && b.ctx.Err() != nil
	b.mu.Unlock()

	// A cancelled parent context ends the bridge the same way Stop does.
	if parentDone {
		if conn != nil {
			conn.close()
		}
		b.setState(StateClosed)
		b.logger.Info("Notification bridge context cancelled, not reconnecting")
		return
	}

	b.setState(StateError)
	b.logger.Warn("Notification bridge connection failed", zap.Error(err))

	// detach before anything new is dialled
	if conn != nil {
		conn.close()
	}

	b.setState(StateDisconnected)

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	delay := b.backoff.Next()
	b.timer = b.sched.AfterFunc(delay, b.reconnect)
	b.mu.Unlock()
	b.logger.Info("Scheduled reconnect", zap.Duration("delay", delay))
}

func (b *Bridge) reconnect() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()
	defer b.wg.Done()
	b.connect()
}

func (b *Bridge) setState(s State) {
	b.mu.Lock()
	if b.stopped && s != StateClosed {
		b.mu.Unlock()
		return
	}
	changed := b.state != s
	b.state = s
	b.mu.Unlock()
	if changed && b.observer != nil {
		b.observer(s)
	}
}

// managedConn closes the underlying connection exactly once
type managedConn struct {
	Conn
	once sync.Once
}

func (c *managedConn) close() {
	c.once.Do(func() {
		_ = c.Conn.Close()
	})
}
