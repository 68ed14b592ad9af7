package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// StreamMessage one Redis Streams entry
type StreamMessage struct {
	Stream string
	ID     string
	Values map[string]interface{}
}

// PublishJSONToStream appends data as JSON under the "data" field together with
// topic and a unix timestamp. maxLen > 0 trims the stream approximately.
func PublishJSONToStream(ctx context.Context, client *redis.Client, stream, topic string, data interface{}, maxLen int64) (string, error) {
	var payload string
	switch v := data.(type) {
	case []byte:
		payload = string(v)
	case json.RawMessage:
		payload = string(v)
	case string:
		payload = v
	default:
		raw, err := json.Marshal(data)
		if err != nil {
			return "", fmt.Errorf("failed to marshal stream payload: %w", err)
		}
		payload = string(raw)
	}

	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"topic":     topic,
			"data":      payload,
			"timestamp": time.Now().Unix(),
		},
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}

	id, err := client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish to stream %s: %w", stream, err)
	}
	return id, nil
}

// ReadRecent returns up to count newest entries, newest first.
func ReadRecent(ctx context.Context, client *redis.Client, stream string, count int64) ([]StreamMessage, error) {
	entries, err := client.XRevRangeN(ctx, stream, "+", "-", count).Result()
	if err != nil {
		if err == redis.Nil {
			return []StreamMessage{}, nil
		}
		return nil, fmt.Errorf("failed to read stream %s: %w", stream, err)
	}

	messages := make([]StreamMessage, 0, len(entries))
	for _, e := range entries {
		messages = append(messages, StreamMessage{
			Stream: stream,
			ID:     e.ID,
			Values: e.Values,
		})
	}
	return messages, nil
}
