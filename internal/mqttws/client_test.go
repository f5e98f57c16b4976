package mqttws

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p2pconf/core/internal/observability"
)

func TestConnectSubscribePublish(t *testing.T) {
	broker := newTestBroker()
	defer broker.close()

	client := NewClient(broker.wsURL(), "client-a", observability.NewNopLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, client.Connect(ctx, nil))
	assert.True(t, client.Connected())

	received := make(chan string, 1)
	require.NoError(t, client.Subscribe(ctx, "p2p-conf/room-abc", func(topic string, payload []byte) {
		received <- string(payload)
	}))

	ok := client.Publish("p2p-conf/room-abc", []byte(`{"v":1,"type":"announce"}`))
	assert.True(t, ok)

	select {
	case payload := <-received:
		assert.Equal(t, `{"v":1,"type":"announce"}`, payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for publish echo")
	}

	client.Disconnect()
	assert.False(t, client.Connected())
}

func TestPublishFailsWhenNotConnected(t *testing.T) {
	client := NewClient("ws://example.invalid", "c", observability.NewNopLogger())
	assert.False(t, client.Publish("topic", []byte("x")))
}

func TestDisconnectFiresCallbackOnce(t *testing.T) {
	broker := newTestBroker()
	defer broker.close()

	client := NewClient(broker.wsURL(), "client-a", observability.NewNopLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx, nil))

	var fired int
	client.OnDisconnect(func() { fired++ })
	client.Disconnect()
	client.Disconnect()

	assert.Equal(t, 1, fired)
}
