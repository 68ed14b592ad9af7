package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AllTopics subscribes to every routing key
const AllTopics = "*"

const defaultMailboxLimit = 1024

// Message one delivery on a routing key
type Message struct {
	Topic   string          `json:"topic"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

// Option configures a Hub
type Option func(*Hub)

// WithMailboxLimit bounds each subscriber's queue; the oldest message is
// dropped once it is full
func WithMailboxLimit(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.mailboxLimit = n
		}
	}
}

// WithClock overrides time.Now for Message.At
func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

// Hub routes messages to subscribers by topic. Publishing never blocks on a
// subscriber; a subscriber that joins late sees only later messages.
type Hub struct {
	mu           sync.RWMutex
	subs         map[string]map[*mailbox]struct{}
	closed       bool
	mailboxLimit int
	now          func() time.Time
	logger       *zap.Logger

	sinkWG sync.WaitGroup
}

func NewHub(logger *zap.Logger, opts ...Option) *Hub {
	h := &Hub{
		subs:         make(map[string]map[*mailbox]struct{}),
		mailboxLimit: defaultMailboxLimit,
		now:          time.Now,
		logger:       logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Subscription live registration on one topic
type Subscription struct {
	// C closed after Close
	C <-chan Message

	topic string
	box   *mailbox
	once  sync.Once
	hub   *Hub
}

// Topic routing key this subscription listens on
func (s *Subscription) Topic() string { return s.topic }

// Dropped messages discarded because the subscriber fell behind
func (s *Subscription) Dropped() uint64 { return s.box.droppedCount() }

// Close unregisters and closes C; safe to call more than once
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s.topic, s.box)
	})
}

// Subscribe registers on topic, or on every topic with AllTopics
func (h *Hub) Subscribe(topic string) *Subscription {
	box := newMailbox(h.mailboxLimit)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		box.close()
		return &Subscription{C: box.out, topic: topic, box: box, hub: h}
	}
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[*mailbox]struct{})
	}
	h.subs[topic][box] = struct{}{}
	h.mu.Unlock()

	return &Subscription{C: box.out, topic: topic, box: box, hub: h}
}

func (h *Hub) remove(topic string, box *mailbox) {
	h.mu.Lock()
	if set := h.subs[topic]; set != nil {
		delete(set, box)
		if len(set) == 0 {
			delete(h.subs, topic)
		}
	}
	h.mu.Unlock()
	box.close()
}

// Publish marshals payload once and queues it for every subscriber of topic
// and of AllTopics
func (h *Hub) Publish(topic, kind string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", topic, err)
	}
	h.PublishRaw(topic, kind, raw)
	return nil
}

// PublishRaw queues an already encoded payload
func (h *Hub) PublishRaw(topic, kind string, payload []byte) {
	// exclusive so concurrent publishers reach every mailbox in one order
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	msg := Message{Topic: topic, Kind: kind, Payload: payload, At: h.now()}
	for box := range h.subs[topic] {
		h.enqueue(box, msg)
	}
	if topic != AllTopics {
		for box := range h.subs[AllTopics] {
			h.enqueue(box, msg)
		}
	}
}

func (h *Hub) enqueue(box *mailbox, msg Message) {
	if box.push(msg) {
		h.logger.Warn("Subscriber fell behind, dropped oldest message",
			zap.String("topic", msg.Topic),
			zap.Uint64("dropped", box.droppedCount()),
		)
	}
}

// Subscribers registrations on exactly topic
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}

// AttachSink feeds every published message to sink on its own goroutine
// until ctx is done or the hub is closed
func (h *Hub) AttachSink(ctx context.Context, sink Sink) *Subscription {
	sub := h.Subscribe(AllTopics)
	h.sinkWG.Add(1)
	go func() {
		defer h.sinkWG.Done()
		for {
			select {
			case msg, ok := <-sub.C:
				if !ok {
					return
				}
				if err := sink.Deliver(ctx, msg); err != nil {
					h.logger.Warn("Failed to deliver to sink",
						zap.String("sink", sink.Name()),
						zap.String("topic", msg.Topic),
						zap.Error(err),
					)
				}
			case <-ctx.Done():
				sub.Close()
				return
			}
		}
	}()
	return sub
}

// Close closes every subscription and waits for sink goroutines
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var boxes []*mailbox
	for _, set := range h.subs {
		for box := range set {
			boxes = append(boxes, box)
		}
	}
	h.subs = make(map[string]map[*mailbox]struct{})
	h.mu.Unlock()

	for _, box := range boxes {
		box.close()
	}
	h.sinkWG.Wait()
}
