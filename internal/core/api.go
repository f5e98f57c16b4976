package core

import (
	"context"
	"encoding/json"

	"github.com/pion/webrtc/v4"

	"github.com/p2pconf/core/internal/control"
	"github.com/p2pconf/core/internal/observability"
	"github.com/p2pconf/core/internal/rtc"
	"github.com/p2pconf/core/internal/signal"
)

// SendChatMessage broadcasts content (truncated to <=500 bytes, spec
// §4.7) over every connected peer's chat data channel.
func (f *Facade) SendChatMessage(content string) {
	if f.control == nil {
		return
	}
	if f.metrics != nil {
		f.metrics.ChatMessagesSent.Inc()
	}
	f.control.SendChatMessage(content, f.userName)
}

// RequestRemoteMic asks targetPeerID to hand off its microphone to this
// node, returning the correlation id. Fails if this node already holds
// an active or pending remote-mic role (spec §4.7 busy guard).
func (f *Facade) RequestRemoteMic(targetPeerID string) (string, error) {
	return f.control.RequestRemoteMic(targetPeerID, f.userName)
}

// RespondRemoteMic accepts or rejects a pending incoming remote-mic
// request identified by requestID.
func (f *Facade) RespondRemoteMic(requestID string, accept bool, reason string) {
	f.control.RespondRemoteMic(requestID, accept, reason)
}

// StopRemoteMic tears down the active or pending-outgoing remote-mic
// handoff identified by requestID.
func (f *Facade) StopRemoteMic(requestID, reason string) {
	f.control.StopRemoteMic(requestID, reason)
}

// SendRemoteMicHeartbeat emits a liveness ping for the active
// remote-mic handoff, if any. Intended to be called on a UI-side
// interval (spec §4.7's rm_heartbeat has no prescribed cadence).
func (f *Facade) SendRemoteMicHeartbeat() {
	f.control.SendRemoteMicHeartbeat()
}

// SetLocalAudioTrack registers the local microphone track that
// SetAudioRoutingMode attaches or detaches per peer.
func (f *Facade) SetLocalAudioTrack(track webrtc.TrackLocal) {
	f.control.SetLocalAudioTrack(track)
}

// SetAudioRoutingMode switches between broadcast (every peer receives
// local audio) and exclusive (only targetPeerID does) routing.
func (f *Facade) SetAudioRoutingMode(mode control.RoutingMode, targetPeerID string) error {
	return f.control.SetAudioRoutingMode(mode, targetPeerID)
}

// LockRoom broadcasts a room-lock envelope claiming ownership for this
// node and updates local moderation state to match.
func (f *Facade) LockRoom() {
	f.control.ApplyRoomLock(true, f.selfID)
	f.broadcastRoomLock(true, f.selfID)
}

// UnlockRoom broadcasts a room-locked envelope with locked=false and
// clears local moderation state.
func (f *Facade) UnlockRoom() {
	f.control.ApplyRoomLock(false, "")
	f.broadcastRoomLock(false, "")
}

func (f *Facade) broadcastRoomLock(locked bool, ownerID string) {
	if f.transport == nil {
		return
	}
	data, err := json.Marshal(roomLockPayload{Locked: locked, OwnerID: ownerID})
	if err != nil {
		f.logger.Warn().Err(err).Msg("failed to marshal room-lock payload")
		return
	}
	t := signal.TypeRoomLock
	if !locked {
		t = signal.TypeRoomLocked
	}
	f.transport.Broadcast(signal.Envelope{Type: t, Data: data})
}

// RoomLockSnapshot reports the current room-lock state.
func (f *Facade) RoomLockSnapshot() (locked bool, ownerPeerID string) {
	return f.control.RoomLockSnapshot()
}

// RequestMuteAll broadcasts a moderation mute-all request to every
// connected peer's control channel.
func (f *Facade) RequestMuteAll() string {
	return f.control.RequestMuteAll(f.userName)
}

// RespondMuteAll sends this node's mute-all compliance back to the
// requester.
func (f *Facade) RespondMuteAll(requesterPeerID, requestID string, accepted bool) {
	f.control.RespondMuteAll(requesterPeerID, requestID, accepted)
}

// RaiseHand broadcasts a fire-and-forget hand-raise event.
func (f *Facade) RaiseHand() {
	f.control.RaiseHand()
}

// LowerHand broadcasts a fire-and-forget hand-lower event.
func (f *Facade) LowerHand() {
	f.control.LowerHand()
}

// RaisedHands returns a snapshot of peerId -> raised-at time.
func (f *Facade) RaisedHands() map[string]int64 {
	out := make(map[string]int64)
	for k, v := range f.control.RaisedHands() {
		out[k] = v.UnixMilli()
	}
	return out
}

// BroadcastMuteStatus broadcasts this node's own mute status so every
// peer (even ones not yet WebRTC-connected) can reflect it.
func (f *Facade) BroadcastMuteStatus(status MuteStatusInput) {
	if f.transport == nil {
		return
	}
	data, err := json.Marshal(status)
	if err != nil {
		f.logger.Warn().Err(err).Msg("failed to marshal mute-status payload")
		return
	}
	f.transport.Broadcast(signal.Envelope{Type: signal.TypeMuteStatus, Data: data})
}

// MuteStatusInput mirrors peerstate.MuteStatus's JSON shape, exposed as
// a facade-level type so callers don't need to import internal/peerstate.
type MuteStatusInput struct {
	MicMuted        bool `json:"micMuted"`
	SpeakerMuted    bool `json:"speakerMuted"`
	VideoMuted      bool `json:"videoMuted,omitempty"`
	IsScreenSharing bool `json:"isScreenSharing,omitempty"`
}

// GetConnectionStats samples RTT/packet-loss/jitter/quality for every
// currently connected peer (spec §6's getConnectionStats contract).
func (f *Facade) GetConnectionStats() map[string]rtc.ConnectionStats {
	out := make(map[string]rtc.ConnectionStats)
	if f.peers == nil || f.statsCollector == nil {
		return out
	}
	for _, p := range f.peers.Peers() {
		if p.PC == nil || !p.IsConnected {
			continue
		}
		report := p.PC.GetStats()
		stats := f.statsCollector.Sample(p.PeerID, report)
		if f.metrics != nil {
			f.metrics.ConnectionRTT.WithLabelValues(p.PeerID).Observe(stats.RTTMillis)
			f.metrics.ConnectionPacketLoss.WithLabelValues(p.PeerID).Observe(stats.PacketLossPct / 100)
		}
		out[p.PeerID] = stats
	}
	return out
}

// NotifyNetworkOffline tells the facade the host OS reports the
// network went away while a room is joined (spec §4.6).
func (f *Facade) NotifyNetworkOffline() {
	if f.sessionMgr != nil {
		f.sessionMgr.NetworkOffline()
	}
}

// NotifyNetworkOnline runs the process-level reconnect workflow (spec
// §4.6): fabric reconnect with backoff, resubscribe, discovery restart,
// and ICE restart for any stuck peer. A no-op if the facade was not
// latched offline.
func (f *Facade) NotifyNetworkOnline(ctx context.Context) {
	if f.sessionMgr == nil {
		return
	}
	f.sessionMgr.NetworkOnline(ctx, f.resubscribe(ctx), f.restartPeerICE)
}

// ManualReconnect runs the same recovery workflow as
// NotifyNetworkOnline but bypasses the offline latch, for a UI-exposed
// manual retry button.
func (f *Facade) ManualReconnect(ctx context.Context) {
	if f.sessionMgr == nil {
		return
	}
	f.sessionMgr.ManualReconnect(ctx, f.resubscribe(ctx), f.restartPeerICE)
}

// Snapshot is the facade's getSnapshot() accessor (spec §4.8).
type Snapshot struct {
	PeerCount      int
	SignalingState string
	Network        NetworkSnapshot
	DebugInfo      DebugInfo
}

// NetworkSnapshot mirrors session.NetworkSnapshot at the facade surface.
type NetworkSnapshot struct {
	IsOnline             bool
	WasInRoomWhenOffline bool
	ReconnectAttempts    int
}

// DebugInfo carries the lower-level diagnostics a settings/debug panel
// would want: per-broker connectivity, the current room/self id, and
// whether every registered health check (fabric connectivity, signaling
// online state) currently passes.
type DebugInfo struct {
	SelfID    string
	RoomID    string
	Brokers   []BrokerSnapshot
	IsHealthy bool
}

// BrokerSnapshot mirrors fabric.BrokerSnapshot at the facade surface.
type BrokerSnapshot struct {
	URL               string
	Connected         bool
	ReconnectAttempts int
}

// GetSnapshot returns the current room/network/debug snapshot.
func (f *Facade) GetSnapshot() Snapshot {
	f.mu.Lock()
	state := f.state
	selfID := f.selfID
	roomID := f.roomID
	f.mu.Unlock()

	snap := Snapshot{
		SignalingState: string(state),
		DebugInfo:      DebugInfo{SelfID: selfID, RoomID: roomID},
	}
	if f.peers != nil {
		snap.PeerCount = f.peers.HealthyPeerCount()
	}
	if f.sessionMgr != nil {
		ns := f.sessionMgr.NetworkSnapshot()
		snap.Network = NetworkSnapshot{
			IsOnline:             ns.IsOnline,
			WasInRoomWhenOffline: ns.WasInRoomWhenOffline,
			ReconnectAttempts:    ns.ReconnectAttempts,
		}
	}
	if f.fabric != nil {
		for _, b := range f.fabric.Snapshot() {
			snap.DebugInfo.Brokers = append(snap.DebugInfo.Brokers, BrokerSnapshot{
				URL: b.URL, Connected: b.Connected, ReconnectAttempts: b.ReconnectAttempts,
			})
		}
	}
	if f.dedup != nil && f.metrics != nil {
		f.metrics.DedupCacheSize.Set(float64(f.dedup.Len()))
	}
	if f.health != nil {
		snap.DebugInfo.IsHealthy = f.health.Check(context.Background()).IsHealthy()
	}
	return snap
}

// CheckHealth runs every registered health check (fabric connectivity,
// signaling online state) and returns the full per-component report, for
// a host that wants more than GetSnapshot's summarized IsHealthy bool.
func (f *Facade) CheckHealth(ctx context.Context) *observability.Health {
	if f.health == nil {
		return nil
	}
	return f.health.Check(ctx)
}

// SelfID returns the local peer id, empty until the first Join.
func (f *Facade) SelfID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.selfID
}
