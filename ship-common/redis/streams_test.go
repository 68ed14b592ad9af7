package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishJSONToStream_ReadRecent(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	_, err := PublishJSONToStream(ctx, client, "shipwatch:events", "crew:c1", map[string]any{"crew_id": "c1"}, 0)
	require.NoError(t, err)
	_, err = PublishJSONToStream(ctx, client, "shipwatch:events", "triage", []byte(`{"visit_id":"v1"}`), 100)
	require.NoError(t, err)

	msgs, err := ReadRecent(ctx, client, "shipwatch:events", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, "triage", msgs[0].Values["topic"])
	assert.Equal(t, `{"visit_id":"v1"}`, msgs[0].Values["data"])
	assert.Equal(t, "crew:c1", msgs[1].Values["topic"])
	assert.JSONEq(t, `{"crew_id":"c1"}`, msgs[1].Values["data"].(string))
}

func TestReadRecent_MissingStream(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	msgs, err := ReadRecent(context.Background(), client, "nope", 5)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
