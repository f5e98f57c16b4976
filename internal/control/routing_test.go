package control

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p2pconf/core/internal/peerstate"
	"github.com/p2pconf/core/internal/rtc"
)

func newTestAudioTrack(t *testing.T) webrtc.TrackLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "p2pconf")
	require.NoError(t, err)
	return track
}

func newTestPeerConnection(t *testing.T) rtc.PeerConnection {
	t.Helper()
	pc, err := rtc.NewPeerConnection(rtc.DefaultICEServers())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })
	return pc
}

func TestBroadcastModeAttachesTrackToEveryPeer(t *testing.T) {
	pcB := newTestPeerConnection(t)
	pcC := newTestPeerConnection(t)

	peers := &fakePeers{peers: map[string]*peerstate.Peer{
		"B": {PeerID: "B", PC: pcB},
		"C": {PeerID: "C", PC: pcC},
	}}
	h := New("A", peers, zerolog.Nop())
	h.SetLocalAudioTrack(newTestAudioTrack(t))

	require.NoError(t, h.SetAudioRoutingMode(RoutingBroadcast, ""))

	assert.Len(t, pcB.GetSenders(), 1)
	assert.Len(t, pcC.GetSenders(), 1)
}

func TestExclusiveModeDetachesNonTargetPeers(t *testing.T) {
	pcB := newTestPeerConnection(t)
	pcC := newTestPeerConnection(t)

	peers := &fakePeers{peers: map[string]*peerstate.Peer{
		"B": {PeerID: "B", PC: pcB},
		"C": {PeerID: "C", PC: pcC},
	}}
	h := New("A", peers, zerolog.Nop())
	h.SetLocalAudioTrack(newTestAudioTrack(t))

	require.NoError(t, h.SetAudioRoutingMode(RoutingBroadcast, ""))
	require.NoError(t, h.SetAudioRoutingMode(RoutingExclusive, "C"))

	require.Len(t, pcB.GetSenders(), 1)
	assert.Nil(t, pcB.GetSenders()[0].Track(), "non-target sender should have its track detached, not removed")

	require.Len(t, pcC.GetSenders(), 1)
	assert.NotNil(t, pcC.GetSenders()[0].Track())
}
