package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	rediscommon "shipwatch/ship-common/redis"

	"github.com/go-redis/redis/v8"
)

// Sink external consumer of hub messages
type Sink interface {
	Name() string
	Deliver(ctx context.Context, msg Message) error
}

// Journal sink that can read back what it recorded
type Journal interface {
	Sink
	Recent(ctx context.Context, count int64) ([]Message, error)
}

var errBrokerOffline = errors.New("mqtt broker not connected")

// ErrNoJournal no journal sink is attached
var ErrNoJournal = errors.New("event journal is not enabled")

// MQTTPublisher satisfied by ship-common/mqtt.Client
type MQTTPublisher interface {
	Publish(topic string, payload []byte, timeout time.Duration) error
	IsConnected() bool
}

// MQTTSink republishes each message on <prefix>/<topic>
type MQTTSink struct {
	client  MQTTPublisher
	prefix  string
	timeout time.Duration
}

func NewMQTTSink(client MQTTPublisher, prefix string, timeout time.Duration) *MQTTSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &MQTTSink{client: client, prefix: prefix, timeout: timeout}
}

func (s *MQTTSink) Name() string { return "mqtt" }

func (s *MQTTSink) Topic(topic string) string {
	if s.prefix == "" {
		return topic
	}
	return s.prefix + "/" + topic
}

// Deliver fails fast while the broker is away instead of queueing in paho
func (s *MQTTSink) Deliver(ctx context.Context, msg Message) error {
	if !s.client.IsConnected() {
		return errBrokerOffline
	}
	return s.client.Publish(s.Topic(msg.Topic), msg.Payload, s.timeout)
}

// StreamSink appends each message, envelope included, to a Redis stream as an
// event journal
type StreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewStreamSink(client *redis.Client, stream string, maxLen int64) *StreamSink {
	return &StreamSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *StreamSink) Name() string { return "redis-stream" }

func (s *StreamSink) Deliver(ctx context.Context, msg Message) error {
	if _, err := rediscommon.PublishJSONToStream(ctx, s.client, s.stream, msg.Topic, msg, s.maxLen); err != nil {
		return fmt.Errorf("failed to journal %s: %w", msg.Topic, err)
	}
	return nil
}

// Recent newest journal entries first; entries that do not decode are skipped
func (s *StreamSink) Recent(ctx context.Context, count int64) ([]Message, error) {
	entries, err := rediscommon.ReadRecent(ctx, s.client, s.stream, count)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(entries))
	for _, e := range entries {
		data, ok := e.Values["data"].(string)
		if !ok {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

var _ Journal = (*StreamSink)(nil)
