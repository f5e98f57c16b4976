package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p2pconf/core/internal/observability"
	"github.com/p2pconf/core/internal/peerstate"
	"github.com/p2pconf/core/internal/rtc"
	"github.com/p2pconf/core/internal/signal"
)

type fakeBroadcaster struct {
	mu        sync.Mutex
	broadcast []signal.Envelope
	toPeer    []signal.Envelope
}

func (f *fakeBroadcaster) Broadcast(msg signal.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast = append(f.broadcast, msg)
}

func (f *fakeBroadcaster) SendToPeer(peerID string, msg signal.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg.To = peerID
	f.toPeer = append(f.toPeer, msg)
}

func (f *fakeBroadcaster) count() (broadcastN, toPeerN int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.broadcast), len(f.toPeer)
}

type fakeFabric struct {
	connectedOnCall []int
	calls           int
}

func (f *fakeFabric) ConnectAll(ctx context.Context) int {
	n := 0
	if f.calls < len(f.connectedOnCall) {
		n = f.connectedOnCall[f.calls]
	}
	f.calls++
	return n
}

type stubPeerConnection struct{}

func (stubPeerConnection) CreateDataChannel(label string, ordered bool) (rtc.DataChannel, error) {
	return nil, nil
}
func (stubPeerConnection) CreateOffer(bool) (webrtc.SessionDescription, error) { return webrtc.SessionDescription{}, nil }
func (stubPeerConnection) CreateAnswer() (webrtc.SessionDescription, error)    { return webrtc.SessionDescription{}, nil }
func (stubPeerConnection) SetLocalDescription(webrtc.SessionDescription) error  { return nil }
func (stubPeerConnection) SetRemoteDescription(webrtc.SessionDescription) error { return nil }
func (stubPeerConnection) AddICECandidate(webrtc.ICECandidateInit) error        { return nil }
func (stubPeerConnection) ConnectionState() webrtc.PeerConnectionState          { return webrtc.PeerConnectionStateNew }
func (stubPeerConnection) ICEConnectionState() webrtc.ICEConnectionState        { return webrtc.ICEConnectionStateNew }
func (stubPeerConnection) GetStats() webrtc.StatsReport                        { return webrtc.StatsReport{} }
func (stubPeerConnection) Close() error                                        { return nil }
func (stubPeerConnection) OnICECandidate(func(*webrtc.ICECandidate))           {}
func (stubPeerConnection) OnICEConnectionStateChange(func(webrtc.ICEConnectionState)) {}
func (stubPeerConnection) OnConnectionStateChange(func(webrtc.PeerConnectionState))   {}
func (stubPeerConnection) OnDataChannel(func(rtc.DataChannel))                 {}
func (stubPeerConnection) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}
func (stubPeerConnection) AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) { return nil, nil }
func (stubPeerConnection) GetSenders() []*webrtc.RTPSender                      { return nil }
func (stubPeerConnection) RemoveTrack(*webrtc.RTPSender) error                  { return nil }

func newTestMachine() *peerstate.Machine {
	return peerstate.New("SELFSELF0000001", noopSender{}, func() (rtc.PeerConnection, error) {
		return stubPeerConnection{}, nil
	}, observability.NewNopLogger())
}

// iceStatePeerConnection is stubPeerConnection with a settable ICE state,
// used to exercise the reconnect workflow's live-ICE-state peer scan.
type iceStatePeerConnection struct {
	stubPeerConnection
	state webrtc.ICEConnectionState
}

func (p *iceStatePeerConnection) ICEConnectionState() webrtc.ICEConnectionState { return p.state }

func newTestMachineWithPCs(selfID string, pcs *[]*iceStatePeerConnection) *peerstate.Machine {
	return peerstate.New(selfID, noopSender{}, func() (rtc.PeerConnection, error) {
		pc := &iceStatePeerConnection{state: webrtc.ICEConnectionStateNew}
		*pcs = append(*pcs, pc)
		return pc, nil
	}, observability.NewNopLogger())
}

type noopSender struct{}

func (noopSender) SendToPeer(peerID string, msg signal.Envelope) {}

func TestStartAnnounceEmitsImmediatelyAndOnInterval(t *testing.T) {
	b := &fakeBroadcaster{}
	m := New(Identity{SelfID: "SELF", UserName: "alice", Platform: "linux"}, 1, b, &fakeFabric{}, newTestMachine(), observability.NewNopLogger())

	m.StartAnnounce()
	defer m.StopAnnounce()

	time.Sleep(50 * time.Millisecond)
	n, _ := b.count()
	assert.GreaterOrEqual(t, n, 1)
}

func TestStopAnnounceHaltsLoop(t *testing.T) {
	b := &fakeBroadcaster{}
	m := New(Identity{SelfID: "SELF"}, 1, b, &fakeFabric{}, newTestMachine(), observability.NewNopLogger())

	m.StartAnnounce()
	time.Sleep(20 * time.Millisecond)
	m.StopAnnounce()
	n1, _ := b.count()
	time.Sleep(50 * time.Millisecond)
	n2, _ := b.count()
	assert.Equal(t, n1, n2)
}

func TestHeartbeatPingsStalePeersOnly(t *testing.T) {
	b := &fakeBroadcaster{}
	peers := newTestMachine()
	m := New(Identity{SelfID: "SELF"}, 1, b, &fakeFabric{}, peers, observability.NewNopLogger())

	peers.HandleAnnounce("FRESHFRESH00000", "fresh", "linux")
	peers.HandleAnnounce("STALESTALE00000", "stale", "linux")

	m.Touch("FRESHFRESH00000")
	m.mu.Lock()
	m.lastSeen["STALESTALE00000"] = time.Now().Add(-20 * time.Second)
	m.mu.Unlock()

	m.checkPeerLiveness()

	_, toPeerN := b.count()
	require.Equal(t, 1, toPeerN)
	assert.Equal(t, "STALESTALE00000", b.toPeer[0].To)
}

func TestHandlePingRepliesWithPong(t *testing.T) {
	b := &fakeBroadcaster{}
	m := New(Identity{SelfID: "SELF"}, 1, b, &fakeFabric{}, newTestMachine(), observability.NewNopLogger())

	m.HandlePing("OTHER")

	_, toPeerN := b.count()
	require.Equal(t, 1, toPeerN)
	assert.Equal(t, signal.TypePong, b.toPeer[0].Type)
}

func TestAttemptICERestartCapsAtThreeAttempts(t *testing.T) {
	m := New(Identity{SelfID: "SELF"}, 1, &fakeBroadcaster{}, &fakeFabric{}, newTestMachine(), observability.NewNopLogger())
	peer := &peerstate.Peer{PeerID: "P"}

	var exhausted int
	for i := 0; i < 3; i++ {
		m.AttemptICERestart(peer, func() error { return nil }, func() { exhausted++ })
	}
	assert.Equal(t, 3, peer.IceRestartAttempts)
	assert.Equal(t, 0, exhausted)

	m.AttemptICERestart(peer, func() error { return nil }, func() { exhausted++ })
	assert.Equal(t, 1, exhausted)
}

func TestBackoffDelayRespectsCapAndRange(t *testing.T) {
	d := backoffDelay(10)
	assert.LessOrEqual(t, d, networkReconnectMaxDelay+networkReconnectMaxDelay/5)
	assert.GreaterOrEqual(t, d, networkReconnectMaxDelay-networkReconnectMaxDelay*15/100)
}

func TestNetworkOnlineNoopWhenNotOffline(t *testing.T) {
	b := &fakeBroadcaster{}
	fab := &fakeFabric{connectedOnCall: []int{1}}
	m := New(Identity{SelfID: "SELF"}, 1, b, fab, newTestMachine(), observability.NewNopLogger())

	m.NetworkOnline(context.Background(), func() {}, func(*peerstate.Peer) {})
	assert.Equal(t, 0, fab.calls)
}

func TestNetworkOfflineThenOnlineReconnects(t *testing.T) {
	b := &fakeBroadcaster{}
	fab := &fakeFabric{connectedOnCall: []int{1}}
	m := New(Identity{SelfID: "SELF"}, 1, b, fab, newTestMachine(), observability.NewNopLogger())

	var statuses []bool
	m.OnNetworkStatus(func(isOnline bool) { statuses = append(statuses, isOnline) })

	m.NetworkOffline()
	resubscribed := false
	m.NetworkOnline(context.Background(), func() { resubscribed = true }, func(*peerstate.Peer) {})

	assert.True(t, resubscribed)
	assert.Equal(t, 1, fab.calls)
	require.Len(t, statuses, 2)
	assert.False(t, statuses[0])
	assert.True(t, statuses[1])
}

func TestNetworkOnlineRestartsOnlyDisconnectedOrFailedPeers(t *testing.T) {
	b := &fakeBroadcaster{}
	fab := &fakeFabric{connectedOnCall: []int{1}}
	var pcs []*iceStatePeerConnection
	peers := newTestMachineWithPCs("SELF", &pcs)
	m := New(Identity{SelfID: "SELF"}, 1, b, fab, peers, observability.NewNopLogger())

	peers.HandleAnnounce("ZZZZDISCONNECT0", "disconnected-peer", "linux")
	peers.HandleAnnounce("ZZZZFAILEDPEER0", "failed-peer", "linux")
	peers.HandleAnnounce("ZZZZHEALTHYPEER", "healthy-peer", "linux")
	require.Len(t, pcs, 3)
	pcs[0].state = webrtc.ICEConnectionStateDisconnected
	pcs[1].state = webrtc.ICEConnectionStateFailed
	pcs[2].state = webrtc.ICEConnectionStateConnected

	var restarted []string
	m.NetworkOffline()
	m.NetworkOnline(context.Background(), func() {}, func(p *peerstate.Peer) {
		restarted = append(restarted, p.PeerID)
	})

	assert.ElementsMatch(t, []string{"ZZZZDISCONNECT0", "ZZZZFAILEDPEER0"}, restarted)
}
