package control

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p2pconf/core/internal/peerstate"
)

type fakeDataChannel struct {
	sent [][]byte
}

func (f *fakeDataChannel) Label() string                          { return "fake" }
func (f *fakeDataChannel) ReadyState() webrtc.DataChannelState     { return webrtc.DataChannelStateOpen }
func (f *fakeDataChannel) Send(data []byte) error                  { f.sent = append(f.sent, data); return nil }
func (f *fakeDataChannel) Close() error                            { return nil }
func (f *fakeDataChannel) OnOpen(func())                           {}
func (f *fakeDataChannel) OnMessage(func(data []byte))             {}
func (f *fakeDataChannel) OnClose(func())                          {}
func (f *fakeDataChannel) OnError(func(error))                     {}

type fakePeers struct {
	peers map[string]*peerstate.Peer
}

func newFakePeers(ids ...string) *fakePeers {
	fp := &fakePeers{peers: make(map[string]*peerstate.Peer)}
	for _, id := range ids {
		fp.peers[id] = &peerstate.Peer{
			PeerID:         id,
			ChatChannel:    &fakeDataChannel{},
			ControlChannel: &fakeDataChannel{},
		}
	}
	return fp
}

func (fp *fakePeers) Peers() []*peerstate.Peer {
	out := make([]*peerstate.Peer, 0, len(fp.peers))
	for _, p := range fp.peers {
		out = append(out, p)
	}
	return out
}

func (fp *fakePeers) Peer(peerID string) (*peerstate.Peer, bool) {
	p, ok := fp.peers[peerID]
	return p, ok
}

func TestSendChatMessageTruncatesTo500Bytes(t *testing.T) {
	peers := newFakePeers("B")
	h := New("A", peers, zerolog.Nop())

	h.SendChatMessage(strings.Repeat("x", 600), "alice")

	dc := peers.peers["B"].ChatChannel.(*fakeDataChannel)
	require.Len(t, dc.sent, 1)

	var msg ChatMessage
	require.NoError(t, json.Unmarshal(dc.sent[0], &msg))
	assert.Len(t, []byte(msg.Content), 500)
}

func TestChatRoundTripDispatchesEvent(t *testing.T) {
	peers := newFakePeers("B")
	h := New("A", peers, zerolog.Nop())

	var got ChatEvent
	h.OnChatMessage(func(e ChatEvent) { got = e })

	payload, _ := json.Marshal(ChatMessage{Type: typeChat, SenderID: "B", SenderName: "bob", Content: "hi", Timestamp: 1})
	h.HandleChannelMessage("B", payload)

	assert.Equal(t, "B", got.SenderID)
	assert.Equal(t, "hi", got.Content)
}

func TestHandleChannelMessageIgnoresMalformedJSON(t *testing.T) {
	peers := newFakePeers()
	h := New("A", peers, zerolog.Nop())

	called := false
	h.OnChatMessage(func(e ChatEvent) { called = true })

	h.HandleChannelMessage("B", []byte("not json"))
	h.HandleChannelMessage("B", []byte(`"a string root"`))
	h.HandleChannelMessage("B", []byte(`{"type": 5}`))

	assert.False(t, called)
}

func TestPeerLeftClearsRoutingSender(t *testing.T) {
	peers := newFakePeers("B")
	h := New("A", peers, zerolog.Nop())
	h.routing.senders["B"] = trackSender{}

	h.PeerLeft("B")

	h.mu.Lock()
	_, ok := h.routing.senders["B"]
	h.mu.Unlock()
	assert.False(t, ok)
}
