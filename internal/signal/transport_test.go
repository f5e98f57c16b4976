package signal

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p2pconf/core/internal/dedup"
	"github.com/p2pconf/core/internal/observability"
)

type fakeFabric struct {
	mu        sync.Mutex
	published [][]byte
	handler   func(topic string, payload []byte)
}

func (f *fakeFabric) Publish(topic string, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, payload)
}

func (f *fakeFabric) SubscribeAll(ctx context.Context, topic string, handler func(topic string, payload []byte), msgIDFromPayload func([]byte) string) {
	f.handler = func(t string, p []byte) {
		handler(t, p)
	}
}

func (f *fakeFabric) deliver(topic string, payload []byte) {
	f.handler(topic, payload)
}

type fakeLocal struct {
	mu        sync.Mutex
	posted    [][]byte
	subscriber func([]byte)
}

func (l *fakeLocal) Post(payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.posted = append(l.posted, payload)
	return nil
}
func (l *fakeLocal) Subscribe(h func([]byte)) { l.subscriber = h }
func (l *fakeLocal) Close() error             { return nil }

func TestBroadcastAssignsMsgIDAndStamps(t *testing.T) {
	fab := &fakeFabric{}
	local := &fakeLocal{}
	tr := New(fab, local, dedup.New(), observability.NewNopLogger(), "AAAA0000AAAA0000", "room-abc", 1)
	tr.Start(context.Background())

	tr.Broadcast(Envelope{Type: TypeAnnounce})

	require.Len(t, fab.published, 1)
	var out Envelope
	require.NoError(t, json.Unmarshal(fab.published[0], &out))
	assert.NotEmpty(t, out.MsgID)
	assert.Equal(t, "AAAA0000AAAA0000", out.From)
	assert.Equal(t, ProtocolVersion, out.V)
}

func TestInboundFilterDropsSelfEcho(t *testing.T) {
	fab := &fakeFabric{}
	tr := New(fab, nil, dedup.New(), observability.NewNopLogger(), "SELF", "room-abc", 1)
	tr.Start(context.Background())

	var received int
	tr.OnEnvelope(func(e Envelope) { received++ })

	payload, _ := json.Marshal(Envelope{Type: TypeAnnounce, From: "SELF", MsgID: "m1"})
	fab.deliver("p2p-conf/room-abc", payload)
	assert.Equal(t, 0, received)
}

func TestInboundFilterDropsMistargeted(t *testing.T) {
	fab := &fakeFabric{}
	tr := New(fab, nil, dedup.New(), observability.NewNopLogger(), "SELF", "room-abc", 1)
	tr.Start(context.Background())

	var received int
	tr.OnEnvelope(func(e Envelope) { received++ })

	payload, _ := json.Marshal(Envelope{Type: TypeOffer, From: "OTHER", To: "someone-else", MsgID: "m1"})
	fab.deliver("p2p-conf/room-abc", payload)
	assert.Equal(t, 0, received)
}

func TestInboundFilterDropsStaleSession(t *testing.T) {
	fab := &fakeFabric{}
	tr := New(fab, nil, dedup.New(), observability.NewNopLogger(), "SELF", "room-abc", 5)
	tr.Start(context.Background())

	var received int
	tr.OnEnvelope(func(e Envelope) { received++ })

	payload, _ := json.Marshal(Envelope{Type: TypeOffer, From: "OTHER", SessionID: 1, MsgID: "m1"})
	fab.deliver("p2p-conf/room-abc", payload)
	assert.Equal(t, 0, received)
}

func TestInboundFilterDispatchesValid(t *testing.T) {
	fab := &fakeFabric{}
	tr := New(fab, nil, dedup.New(), observability.NewNopLogger(), "SELF", "room-abc", 1)
	tr.Start(context.Background())

	var received []Envelope
	tr.OnEnvelope(func(e Envelope) { received = append(received, e) })

	payload, _ := json.Marshal(Envelope{Type: TypeAnnounce, From: "OTHER", MsgID: "m1"})
	fab.deliver("p2p-conf/room-abc", payload)
	require.Len(t, received, 1)
	assert.Equal(t, "OTHER", received[0].From)
}

func TestLeaveIsDedupExempt(t *testing.T) {
	fab := &fakeFabric{}
	tr := New(fab, nil, dedup.New(), observability.NewNopLogger(), "SELF", "room-abc", 1)
	tr.Start(context.Background())

	var received int
	tr.OnEnvelope(func(e Envelope) { received++ })

	payload, _ := json.Marshal(Envelope{Type: TypeLeave, From: "OTHER", MsgID: "leave-1"})
	fab.deliver("p2p-conf/room-abc", payload)
	fab.deliver("p2p-conf/room-abc", payload)
	assert.Equal(t, 2, received)
}
