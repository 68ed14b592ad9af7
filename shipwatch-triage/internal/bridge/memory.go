package bridge

import (
	"context"
	"errors"
	"sync"
)

const memoryConnBuffer = 1024

var (
	errBusUnavailable = errors.New("memory bus unavailable")
	errMailboxFull    = errors.New("memory bus subscriber fell behind")
)

// MemoryBus in-process notification channel. It is both the store's
// Notifier and the bridge's Transport in the single-process mode.
type MemoryBus struct {
	mu        sync.Mutex
	conns     map[*memoryConn]struct{}
	failDials int
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{conns: make(map[*memoryConn]struct{})}
}

func (b *MemoryBus) Name() string { return "memory" }

func (b *MemoryBus) Dial(ctx context.Context) (Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failDials > 0 {
		b.failDials--
		return nil, errBusUnavailable
	}
	c := &memoryConn{
		bus:    b,
		topics: make(map[string]struct{}),
		ch:     make(chan Notification, memoryConnBuffer),
		done:   make(chan struct{}),
	}
	b.conns[c] = struct{}{}
	return c, nil
}

// Publish delivers to every connection listening on topic, in call order
func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	n := Notification{Topic: topic, Payload: append([]byte(nil), payload...)}

	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.conns {
		if !c.listening(topic) {
			continue
		}
		select {
		case c.ch <- n:
		default:
			c.fail(errMailboxFull)
			delete(b.conns, c)
		}
	}
	return nil
}

// Break fails every live connection with err
func (b *MemoryBus) Break(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.conns {
		c.fail(err)
		delete(b.conns, c)
	}
}

// FailNextDials makes the next n Dial calls fail
func (b *MemoryBus) FailNextDials(n int) {
	b.mu.Lock()
	b.failDials = n
	b.mu.Unlock()
}

// Subscribers live connections listening on topic
func (b *MemoryBus) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for c := range b.conns {
		if c.listening(topic) {
			n++
		}
	}
	return n
}

func (b *MemoryBus) remove(c *memoryConn) {
	b.mu.Lock()
	delete(b.conns, c)
	b.mu.Unlock()
}

type memoryConn struct {
	bus *MemoryBus

	mu     sync.Mutex
	topics map[string]struct{}

	ch   chan Notification
	done chan struct{}
	once sync.Once
	err  error
}

func (c *memoryConn) Listen(ctx context.Context, topics []string) error {
	select {
	case <-c.done:
		return c.err
	default:
	}
	c.mu.Lock()
	for _, t := range topics {
		c.topics[t] = struct{}{}
	}
	c.mu.Unlock()
	return nil
}

func (c *memoryConn) listening(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.topics[topic]
	return ok
}

func (c *memoryConn) Receive(ctx context.Context) (Notification, error) {
	// queued messages win over a later failure
	select {
	case n := <-c.ch:
		return n, nil
	default:
	}
	select {
	case n := <-c.ch:
		return n, nil
	case <-c.done:
		return Notification{}, c.err
	case <-ctx.Done():
		return Notification{}, ctx.Err()
	}
}

func (c *memoryConn) Close() error {
	c.fail(ErrConnClosed)
	c.bus.remove(c)
	return nil
}

func (c *memoryConn) fail(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}
