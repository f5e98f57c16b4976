package localbus

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p2pconf/core/internal/observability"
)

func TestPostDeliversToOtherInstanceInSameRoom(t *testing.T) {
	room := "room-localbus-1"
	a, err := New(room, "AAAA", observability.NewNopLogger())
	require.NoError(t, err)
	defer a.Close()

	b, err := New(room, "BBBB", observability.NewNopLogger())
	require.NoError(t, err)
	defer b.Close()

	received := make(chan []byte, 1)
	b.Subscribe(func(payload []byte) { received <- payload })

	require.NoError(t, a.Post([]byte("hello")))

	select {
	case got := <-received:
		assert.Equal(t, "hello", string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for local delivery")
	}
}

func TestPostDoesNotDeliverToSelf(t *testing.T) {
	room := "room-localbus-2"
	a, err := New(room, "SELF1", observability.NewNopLogger())
	require.NoError(t, err)
	defer a.Close()

	received := make(chan []byte, 1)
	a.Subscribe(func(payload []byte) { received <- payload })

	require.NoError(t, a.Post([]byte("ignored")))

	select {
	case <-received:
		t.Fatal("should not have received own broadcast")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCloseRemovesRendezvousEntry(t *testing.T) {
	room := "room-localbus-3"
	a, err := New(room, "CCCC", observability.NewNopLogger())
	require.NoError(t, err)

	require.NoError(t, a.Close())
	_, statErr := os.Stat(a.selfPath)
	assert.True(t, os.IsNotExist(statErr))

	b, err := New(room, "DDDD", observability.NewNopLogger())
	require.NoError(t, err)
	defer b.Close()

	// The closed peer's entry is gone, so b has no other entry to send
	// to and Post succeeds.
	require.NoError(t, b.Post([]byte("x")))
}
