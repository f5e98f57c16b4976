package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p2pconf/core/internal/config"
	"github.com/p2pconf/core/internal/observability"
	"github.com/p2pconf/core/internal/signal"
)

func newTestFacade(t *testing.T) *Facade {
	t.Helper()
	cfg := config.Default()
	cfg.RTC.ICEServers = nil
	cfg.Fabric.BrokerURLs = nil
	return New(cfg, nil, observability.NewNopLogger(), nil)
}

func TestJoinRejectsInvalidRoomID(t *testing.T) {
	f := newTestFacade(t)
	err := f.Join(context.Background(), "abc", "alice")
	assert.ErrorIs(t, err, signal.ErrRoomInvalid)
}

func TestJoinLifecycleReachesJoinedThenIdleOnLeave(t *testing.T) {
	f := newTestFacade(t)
	defer f.Dispose()

	var states []string
	var mu sync.Mutex
	f.OnSignalingState(func(ev SignalingStateEvent) {
		mu.Lock()
		states = append(states, ev.State)
		mu.Unlock()
	})

	room := uniqueRoomID("facade-lifecycle")
	require.NoError(t, f.Join(context.Background(), room, "alice"))

	snap := f.GetSnapshot()
	assert.Equal(t, "joined", snap.SignalingState)
	assert.Equal(t, 0, snap.PeerCount)
	assert.NotEmpty(t, snap.DebugInfo.SelfID)

	f.Leave("test done")

	mu.Lock()
	got := append([]string(nil), states...)
	mu.Unlock()
	assert.Equal(t, []string{"joining", "joined", "leaving", "idle"}, got)
}

func TestJoinTwiceReturnsAlreadyJoined(t *testing.T) {
	f := newTestFacade(t)
	defer f.Dispose()

	room := uniqueRoomID("facade-double-join")
	require.NoError(t, f.Join(context.Background(), room, "alice"))
	err := f.Join(context.Background(), room, "alice")
	assert.ErrorIs(t, err, ErrAlreadyJoined)
}

func TestDisposePreventsFurtherJoins(t *testing.T) {
	f := newTestFacade(t)
	f.Dispose()

	err := f.Join(context.Background(), uniqueRoomID("facade-disposed"), "alice")
	assert.ErrorIs(t, err, ErrDisposed)
}

func TestLegacyAndTypedCallbacksBothFire(t *testing.T) {
	f := newTestFacade(t)
	defer f.Dispose()

	var typedCount, legacyCount int
	var mu sync.Mutex
	f.OnSignalingState(func(ev SignalingStateEvent) {
		mu.Lock()
		typedCount++
		mu.Unlock()
	})
	f.SetLegacyCallbacks(LegacyCallbacks{
		OnSignalingState: func(state string) {
			mu.Lock()
			legacyCount++
			mu.Unlock()
		},
	})

	require.NoError(t, f.Join(context.Background(), uniqueRoomID("facade-legacy"), "alice"))
	f.Leave("done")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, typedCount, legacyCount)
	assert.Equal(t, 4, typedCount) // joining, joined, leaving, idle
}

func TestSendChatMessageIsSafeWithNoPeers(t *testing.T) {
	f := newTestFacade(t)
	defer f.Dispose()

	require.NoError(t, f.Join(context.Background(), uniqueRoomID("facade-chat"), "alice"))
	assert.NotPanics(t, func() { f.SendChatMessage("hello, room") })
	f.Leave("done")
}

func TestGetSnapshotBeforeJoinIsIdleWithNoPeers(t *testing.T) {
	f := newTestFacade(t)
	defer f.Dispose()

	snap := f.GetSnapshot()
	assert.Equal(t, "idle", snap.SignalingState)
	assert.Equal(t, 0, snap.PeerCount)
}

func TestLeaveIsIdempotentBeforeJoin(t *testing.T) {
	f := newTestFacade(t)
	defer f.Dispose()

	assert.NotPanics(t, func() { f.Leave("never joined") })
}

var roomCounter int
var roomCounterMu sync.Mutex

// uniqueRoomID avoids cross-test collisions on the same-host rendezvous
// directory (internal/localbus keys its directory by room id).
func uniqueRoomID(prefix string) string {
	roomCounterMu.Lock()
	roomCounter++
	n := roomCounter
	roomCounterMu.Unlock()
	return prefix + "-" + time.Now().Format("150405") + "-" + itoa(n)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
