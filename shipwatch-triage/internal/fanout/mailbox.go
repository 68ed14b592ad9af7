package fanout

import "sync"

// mailbox ordered queue drained into out by its own goroutine, so push never
// waits on the reader
type mailbox struct {
	mu      sync.Mutex
	queue   []Message
	limit   int
	dropped uint64
	closed  bool

	wake chan struct{}
	done chan struct{}
	out  chan Message
}

func newMailbox(limit int) *mailbox {
	m := &mailbox{
		limit: limit,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
		out:   make(chan Message),
	}
	go m.pump()
	return m
}

// push reports whether an old message had to be dropped
func (m *mailbox) push(msg Message) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	dropped := false
	if len(m.queue) >= m.limit {
		m.queue = m.queue[1:]
		m.dropped++
		dropped = true
	}
	m.queue = append(m.queue, msg)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return dropped
}

func (m *mailbox) pump() {
	defer close(m.out)
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			select {
			case <-m.wake:
				continue
			case <-m.done:
				return
			}
		}
		msg := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		select {
		case m.out <- msg:
		case <-m.done:
			return
		}
	}
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.queue = nil
	close(m.done)
}

func (m *mailbox) droppedCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}
