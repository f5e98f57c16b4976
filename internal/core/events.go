package core

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/p2pconf/core/internal/control"
	"github.com/p2pconf/core/internal/peerstate"
)

// Event payload types, one per entry in the typed-event surface of
// spec §4.8 (signalingState, peerJoin, peerLeave, remoteStream, error,
// peerMuteChange, chatMessage, remoteMicControl, moderationControl,
// networkStatus).
type (
	SignalingStateEvent struct{ State string }
	PeerJoinEvent       struct{ PeerID, UserName, Platform string }
	PeerLeaveEvent      struct{ PeerID string }
	RemoteStreamEvent   struct {
		PeerID   string
		Track    *webrtc.TrackRemote
		Receiver *webrtc.RTPReceiver
	}
	ErrorEvent struct {
		Err     error
		Context string
	}
	PeerMuteChangeEvent struct {
		PeerID string
		Status peerstate.MuteStatus
	}
	NetworkStatusEvent struct{ IsOnline bool }
)

// LegacyCallbacks is the onPeerJoin/onPeerLeave/... callback block of
// spec §4.8, "maintained in parallel" with the typed event hub: setting
// any field here fires alongside (never instead of) the matching typed
// subscription. A zero-value field is simply never called.
type LegacyCallbacks struct {
	OnSignalingState     func(state string)
	OnPeerJoin           func(peerID, userName, platform string)
	OnPeerLeave          func(peerID string)
	OnRemoteStream       func(peerID string, track *webrtc.TrackRemote)
	OnError              func(err error, context string)
	OnPeerMuteChange     func(peerID string, status peerstate.MuteStatus)
	OnChatMessage        func(control.ChatEvent)
	OnRemoteMicControl   func(control.RemoteMicEvent)
	OnModerationControl  func(control.ModerationEvent)
	OnNetworkStatus      func(isOnline bool)
}

// eventListeners holds every typed-event subscriber slice. Subscribing
// never replaces a prior subscriber — the facade supports any number of
// listeners per event, matching a UI with several independently
// mounted panels.
type eventListeners struct {
	mu sync.RWMutex

	signalingState    []func(SignalingStateEvent)
	peerJoin          []func(PeerJoinEvent)
	peerLeave         []func(PeerLeaveEvent)
	remoteStream      []func(RemoteStreamEvent)
	error             []func(ErrorEvent)
	peerMuteChange    []func(PeerMuteChangeEvent)
	chatMessage       []func(control.ChatEvent)
	remoteMicControl  []func(control.RemoteMicEvent)
	moderationControl []func(control.ModerationEvent)
	networkStatus     []func(NetworkStatusEvent)
}

func (e *eventListeners) clear() {
	e.mu.Lock()
	e.signalingState = nil
	e.peerJoin = nil
	e.peerLeave = nil
	e.remoteStream = nil
	e.error = nil
	e.peerMuteChange = nil
	e.chatMessage = nil
	e.remoteMicControl = nil
	e.moderationControl = nil
	e.networkStatus = nil
	e.mu.Unlock()
}

// OnSignalingState subscribes to lifecycle transitions
// (idle/joining/joined/leaving).
func (f *Facade) OnSignalingState(fn func(SignalingStateEvent)) {
	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	f.events.signalingState = append(f.events.signalingState, fn)
}

// OnPeerJoinEvent subscribes to a remote peer's first `connected`
// transition.
func (f *Facade) OnPeerJoinEvent(fn func(PeerJoinEvent)) {
	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	f.events.peerJoin = append(f.events.peerJoin, fn)
}

// OnPeerLeaveEvent subscribes to a peer's record being torn down.
func (f *Facade) OnPeerLeaveEvent(fn func(PeerLeaveEvent)) {
	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	f.events.peerLeave = append(f.events.peerLeave, fn)
}

// OnRemoteStream subscribes to inbound remote media tracks.
func (f *Facade) OnRemoteStream(fn func(RemoteStreamEvent)) {
	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	f.events.remoteStream = append(f.events.remoteStream, fn)
}

// OnErrorEvent subscribes to user-visible failure surfacing (spec §7).
func (f *Facade) OnErrorEvent(fn func(ErrorEvent)) {
	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	f.events.error = append(f.events.error, fn)
}

// OnPeerMuteChange subscribes to inbound `mute-status` updates.
func (f *Facade) OnPeerMuteChange(fn func(PeerMuteChangeEvent)) {
	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	f.events.peerMuteChange = append(f.events.peerMuteChange, fn)
}

// OnChatMessage subscribes to inbound chat-channel messages.
func (f *Facade) OnChatMessage(fn func(control.ChatEvent)) {
	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	f.events.chatMessage = append(f.events.chatMessage, fn)
}

// OnRemoteMicControl subscribes to remote-microphone handoff lifecycle
// events (request/accepted/rejected/started/stopped).
func (f *Facade) OnRemoteMicControl(fn func(control.RemoteMicEvent)) {
	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	f.events.remoteMicControl = append(f.events.remoteMicControl, fn)
}

// OnModerationControl subscribes to room-lock/mute-all/hand-raise events.
func (f *Facade) OnModerationControl(fn func(control.ModerationEvent)) {
	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	f.events.moderationControl = append(f.events.moderationControl, fn)
}

// OnNetworkStatus subscribes to process-level online/offline transitions.
func (f *Facade) OnNetworkStatus(fn func(NetworkStatusEvent)) {
	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	f.events.networkStatus = append(f.events.networkStatus, fn)
}

// SetLegacyCallbacks installs the legacy callback block. Safe to call
// again to replace it wholesale; individual nil fields are simply
// skipped when firing.
func (f *Facade) SetLegacyCallbacks(cb LegacyCallbacks) {
	f.legacyMu.Lock()
	defer f.legacyMu.Unlock()
	f.legacy = cb
}

func (f *Facade) emitSignalingState(s signalingState) {
	f.events.mu.RLock()
	fns := append([]func(SignalingStateEvent){}, f.events.signalingState...)
	f.events.mu.RUnlock()
	ev := SignalingStateEvent{State: string(s)}
	for _, fn := range fns {
		fn(ev)
	}
	f.legacyMu.RLock()
	cb := f.legacy.OnSignalingState
	f.legacyMu.RUnlock()
	if cb != nil {
		cb(ev.State)
	}
}

func (f *Facade) emitPeerJoin(peerID, userName, platform string) {
	if f.metrics != nil {
		f.metrics.PeerConnectionsTotal.WithLabelValues("connected").Inc()
	}
	f.events.mu.RLock()
	fns := append([]func(PeerJoinEvent){}, f.events.peerJoin...)
	f.events.mu.RUnlock()
	ev := PeerJoinEvent{PeerID: peerID, UserName: userName, Platform: platform}
	for _, fn := range fns {
		fn(ev)
	}
	f.legacyMu.RLock()
	cb := f.legacy.OnPeerJoin
	f.legacyMu.RUnlock()
	if cb != nil {
		cb(peerID, userName, platform)
	}
}

func (f *Facade) emitPeerLeave(peerID string) {
	if f.metrics != nil {
		f.metrics.PeerConnectionsTotal.WithLabelValues("left").Inc()
	}
	f.events.mu.RLock()
	fns := append([]func(PeerLeaveEvent){}, f.events.peerLeave...)
	f.events.mu.RUnlock()
	ev := PeerLeaveEvent{PeerID: peerID}
	for _, fn := range fns {
		fn(ev)
	}
	f.legacyMu.RLock()
	cb := f.legacy.OnPeerLeave
	f.legacyMu.RUnlock()
	if cb != nil {
		cb(peerID)
	}
}

func (f *Facade) emitRemoteStream(peerID string, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	f.events.mu.RLock()
	fns := append([]func(RemoteStreamEvent){}, f.events.remoteStream...)
	f.events.mu.RUnlock()
	ev := RemoteStreamEvent{PeerID: peerID, Track: track, Receiver: receiver}
	for _, fn := range fns {
		fn(ev)
	}
	f.legacyMu.RLock()
	cb := f.legacy.OnRemoteStream
	f.legacyMu.RUnlock()
	if cb != nil {
		cb(peerID, track)
	}
}

func (f *Facade) emitError(err error, context string) {
	f.logger.Warn().Err(err).Str("context", context).Msg("surfacing error event")
	f.events.mu.RLock()
	fns := append([]func(ErrorEvent){}, f.events.error...)
	f.events.mu.RUnlock()
	ev := ErrorEvent{Err: err, Context: context}
	for _, fn := range fns {
		fn(ev)
	}
	f.legacyMu.RLock()
	cb := f.legacy.OnError
	f.legacyMu.RUnlock()
	if cb != nil {
		cb(err, context)
	}
}

func (f *Facade) emitPeerMuteChange(peerID string, status peerstate.MuteStatus) {
	f.events.mu.RLock()
	fns := append([]func(PeerMuteChangeEvent){}, f.events.peerMuteChange...)
	f.events.mu.RUnlock()
	ev := PeerMuteChangeEvent{PeerID: peerID, Status: status}
	for _, fn := range fns {
		fn(ev)
	}
	f.legacyMu.RLock()
	cb := f.legacy.OnPeerMuteChange
	f.legacyMu.RUnlock()
	if cb != nil {
		cb(peerID, status)
	}
}

func (f *Facade) emitChatMessage(ev control.ChatEvent) {
	f.events.mu.RLock()
	fns := append([]func(control.ChatEvent){}, f.events.chatMessage...)
	f.events.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
	f.legacyMu.RLock()
	cb := f.legacy.OnChatMessage
	f.legacyMu.RUnlock()
	if cb != nil {
		cb(ev)
	}
}

func (f *Facade) emitRemoteMicControl(ev control.RemoteMicEvent) {
	if f.metrics != nil {
		f.metrics.RemoteMicHandoffsTotal.WithLabelValues(ev.Kind).Inc()
	}
	f.events.mu.RLock()
	fns := append([]func(control.RemoteMicEvent){}, f.events.remoteMicControl...)
	f.events.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
	f.legacyMu.RLock()
	cb := f.legacy.OnRemoteMicControl
	f.legacyMu.RUnlock()
	if cb != nil {
		cb(ev)
	}
}

func (f *Facade) emitModerationControl(ev control.ModerationEvent) {
	if f.metrics != nil {
		f.metrics.ModerationEventsTotal.WithLabelValues(ev.Kind).Inc()
	}
	f.events.mu.RLock()
	fns := append([]func(control.ModerationEvent){}, f.events.moderationControl...)
	f.events.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
	f.legacyMu.RLock()
	cb := f.legacy.OnModerationControl
	f.legacyMu.RUnlock()
	if cb != nil {
		cb(ev)
	}
}

func (f *Facade) emitNetworkStatus(isOnline bool) {
	if f.metrics != nil && isOnline {
		f.metrics.NetworkReconnectsTotal.Inc()
	}
	f.events.mu.RLock()
	fns := append([]func(NetworkStatusEvent){}, f.events.networkStatus...)
	f.events.mu.RUnlock()
	ev := NetworkStatusEvent{IsOnline: isOnline}
	for _, fn := range fns {
		fn(ev)
	}
	f.legacyMu.RLock()
	cb := f.legacy.OnNetworkStatus
	f.legacyMu.RUnlock()
	if cb != nil {
		cb(isOnline)
	}
}
