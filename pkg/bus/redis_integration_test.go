//go:build integration

package bus_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduitapp/conduit/pkg/bus"
	"github.com/conduitapp/conduit/pkg/redis"
)

func testBus(t *testing.T) *bus.RedisBus {
	t.Helper()

	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}

	client, err := redis.Open(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return bus.NewRedis(client)
}

func TestRedisBus_PublishSubscribe(t *testing.T) {
	b := testBus(t)
	ctx := context.Background()
	channel := "chat:" + uuid.NewString()

	sub, err := b.Subscribe(ctx, channel)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(ctx, channel, []byte(`{"type":"delta"}`)))

	payload, err := sub.Receive(ctx, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"delta"}`, string(payload))
}

func TestRedisBus_FanOutOrdering(t *testing.T) {
	b := testBus(t)
	ctx := context.Background()
	channel := "chat:" + uuid.NewString()

	sub1, err := b.Subscribe(ctx, channel)
	require.NoError(t, err)
	defer sub1.Close()

	sub2, err := b.Subscribe(ctx, channel)
	require.NoError(t, err)
	defer sub2.Close()

	const messages = 5
	for i := range messages {
		require.NoError(t, b.Publish(ctx, channel, fmt.Appendf(nil, "m%d", i)))
	}

	for _, sub := range []bus.Subscription{sub1, sub2} {
		for i := range messages {
			payload, err := sub.Receive(ctx, 2*time.Second)
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("m%d", i), string(payload))
		}
	}
}

func TestRedisBus_ReceiveTimeout(t *testing.T) {
	b := testBus(t)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "chat:"+uuid.NewString())
	require.NoError(t, err)
	defer sub.Close()

	_, err = sub.Receive(ctx, 200*time.Millisecond)
	assert.ErrorIs(t, err, bus.ErrNoMessage)
}

func TestRedisBus_CloseIsIdempotent(t *testing.T) {
	b := testBus(t)

	sub, err := b.Subscribe(context.Background(), "chat:"+uuid.NewString())
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
}
