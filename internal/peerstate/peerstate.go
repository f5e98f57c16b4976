// Package peerstate implements the per-peer signaling state machine
// from spec §4.5: tie-broken offer/answer negotiation, ICE candidate
// queuing, and connection-outcome transitions, built on the
// internal/rtc peer connection abstraction. Grounded on the teacher's
// internal/voice/engine.go peer map (AddPeer/HandleOffer/HandleAnswer/
// AddICECandidate), generalized from a single-mixer voice engine to a
// multi-state-per-peer signaling machine.
package peerstate

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/p2pconf/core/internal/rtc"
	"github.com/p2pconf/core/internal/signal"
)

// State is a peer's position in the signaling state machine.
type State string

const (
	StateNew           State = "new"
	StateOffering      State = "offering"
	StateAnswering     State = "answering"
	StateICEGathering  State = "ice-gathering"
	StateConnected     State = "connected"
	StateReconnecting  State = "reconnecting"
	StateDisconnected  State = "disconnected"
	StateFailed        State = "failed"
	StateLeft          State = "left"
)

// MuteStatus mirrors the per-peer mute fields of spec §3's peer record.
type MuteStatus struct {
	MicMuted        bool `json:"micMuted"`
	SpeakerMuted    bool `json:"speakerMuted"`
	VideoMuted      bool `json:"videoMuted,omitempty"`
	IsScreenSharing bool `json:"isScreenSharing,omitempty"`
}

// Peer is the per-remote-peer record described in spec §3.
type Peer struct {
	PeerID              string
	UserName            string
	Platform            string
	ConnectionStartTime time.Time
	State               State
	IsConnected         bool
	MuteStatus          MuteStatus

	PC                   rtc.PeerConnection
	ChatChannel          rtc.DataChannel
	ControlChannel       rtc.DataChannel
	PendingCandidates    []webrtc.ICECandidateInit
	RemoteDescriptionSet bool
	IceRestartAttempts   int
	IceRestartInProgress bool

	DisconnectTimer *time.Timer
	ReconnectTimer  *time.Timer

	mu sync.Mutex
}

func (p *Peer) snapshotState() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.State
}

func (p *Peer) setState(s State) {
	p.mu.Lock()
	p.State = s
	p.mu.Unlock()
}

// SnapshotMuteStatus returns a copy of p's current mute status,
// guarded by the peer's own mutex rather than the machine's.
func (p *Peer) SnapshotMuteStatus() MuteStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.MuteStatus
}

// offerPayload/answerPayload/candidatePayload are the type-specific
// `data` shapes carried inside a signal.Envelope for offer/answer/
// ice-candidate envelopes (spec §6 wire format 2).
type offerPayload struct {
	SDP string `json:"sdp"`
}

type answerPayload struct {
	SDP string `json:"sdp"`
}

type candidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Sender is the subset of signal.Transport the machine needs to send
// targeted offer/answer/ice-candidate envelopes.
type Sender interface {
	SendToPeer(peerID string, msg signal.Envelope)
}

// PeerConnectionFactory constructs a new rtc.PeerConnection, injected
// so tests can substitute a fake.
type PeerConnectionFactory func() (rtc.PeerConnection, error)

// Machine owns every remote peer record for the current room.
type Machine struct {
	mu     sync.RWMutex
	peers  map[string]*Peer
	selfID string
	logger zerolog.Logger

	sender  Sender
	newPC   PeerConnectionFactory

	onPeerJoin      func(peerID, userName, platform string)
	onPeerLeave     func(peerID string)
	onError         func(peerID string, err error)
	onICEStateChange func(peer *Peer, state webrtc.ICEConnectionState)
	onDataChannel    func(peer *Peer, dc rtc.DataChannel)
	onTrack          func(peer *Peer, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
}

// New creates a signaling state machine for the local peer selfID.
func New(selfID string, sender Sender, newPC PeerConnectionFactory, logger zerolog.Logger) *Machine {
	return &Machine{
		peers:  make(map[string]*Peer),
		selfID: selfID,
		sender: sender,
		newPC:  newPC,
		logger: logger.With().Str("component", "peerstate").Logger(),
	}
}

func (m *Machine) OnPeerJoin(fn func(peerID, userName, platform string)) { m.onPeerJoin = fn }
func (m *Machine) OnPeerLeave(fn func(peerID string))                    { m.onPeerLeave = fn }
func (m *Machine) OnError(fn func(peerID string, err error))             { m.onError = fn }

// OnICEStateChange registers a callback fired whenever a peer's ICE
// connection state transitions, driving the disconnect-grace timer and
// the ICE-restart ladder from the caller side.
func (m *Machine) OnICEStateChange(fn func(peer *Peer, state webrtc.ICEConnectionState)) {
	m.onICEStateChange = fn
}

// OnDataChannel registers a callback fired once per data channel
// (chat, control) as soon as it exists on either the offering or
// answering side, so a caller can wire dc.OnMessage before any frames
// arrive.
func (m *Machine) OnDataChannel(fn func(peer *Peer, dc rtc.DataChannel)) {
	m.onDataChannel = fn
}

// OnTrack registers a callback fired when a peer's connection receives
// a remote media track, backing the facade's remoteStream event.
func (m *Machine) OnTrack(fn func(peer *Peer, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	m.onTrack = fn
}

// Peer returns the record for peerID, if any.
func (m *Machine) Peer(peerID string) (*Peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[peerID]
	return p, ok
}

// Peers returns a snapshot slice of all current peer records.
func (m *Machine) Peers() []*Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	return out
}

// SetMuteStatus updates peerID's mute status from an inbound
// `mute-status` envelope. Reports false if the peer is unknown.
func (m *Machine) SetMuteStatus(peerID string, status MuteStatus) bool {
	m.mu.RLock()
	peer, ok := m.peers[peerID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	peer.mu.Lock()
	peer.MuteStatus = status
	peer.mu.Unlock()
	return true
}

// HealthyPeerCount returns the number of peers currently connected,
// used by the session manager to drive the announce steady-state
// condition (spec §4.5).
func (m *Machine) HealthyPeerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, p := range m.peers {
		if p.snapshotState() == StateConnected {
			n++
		}
	}
	return n
}

// HandleAnnounce processes an inbound `announce` envelope. If the peer
// is unknown, it creates the record and applies lexicographic
// tie-breaking (spec §4.5): the lower selfId initiates.
func (m *Machine) HandleAnnounce(peerID, userName, platform string) {
	if peerID == m.selfID {
		return
	}

	m.mu.Lock()
	_, exists := m.peers[peerID]
	m.mu.Unlock()
	if exists {
		return
	}

	peer := &Peer{
		PeerID:              peerID,
		UserName:            userName,
		Platform:            platform,
		ConnectionStartTime: time.Now(),
		State:               StateNew,
	}
	m.mu.Lock()
	m.peers[peerID] = peer
	m.mu.Unlock()

	if m.selfID < peerID {
		m.initiate(peer)
	} else {
		m.prepareResponder(peer)
		// Reply so p observes self and initiates its own offer.
		m.sender.SendToPeer(peerID, signal.Envelope{Type: signal.TypeAnnounce})
	}
}

func (m *Machine) initiate(peer *Peer) {
	pc, err := m.newPC()
	if err != nil {
		m.fail(peer, fmt.Errorf("peerstate: create peer connection: %w", err))
		return
	}
	peer.PC = pc
	m.wireConnectionCallbacks(peer)

	chat, err := pc.CreateDataChannel("chat", true)
	if err != nil {
		m.fail(peer, fmt.Errorf("peerstate: create chat channel: %w", err))
		return
	}
	peer.ChatChannel = chat
	if m.onDataChannel != nil {
		m.onDataChannel(peer, chat)
	}

	control, err := pc.CreateDataChannel("control", true)
	if err != nil {
		m.fail(peer, fmt.Errorf("peerstate: create control channel: %w", err))
		return
	}
	peer.ControlChannel = control
	if m.onDataChannel != nil {
		m.onDataChannel(peer, control)
	}

	peer.setState(StateOffering)

	offer, err := pc.CreateOffer(false)
	if err != nil {
		m.fail(peer, fmt.Errorf("peerstate: create offer: %w", err))
		return
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		m.fail(peer, fmt.Errorf("peerstate: set local description: %w", err))
		return
	}

	m.sendSDP(peer.PeerID, signal.TypeOffer, offer.SDP)
}

func (m *Machine) prepareResponder(peer *Peer) {
	pc, err := m.newPC()
	if err != nil {
		m.fail(peer, fmt.Errorf("peerstate: create peer connection: %w", err))
		return
	}
	peer.PC = pc
	m.wireConnectionCallbacks(peer)

	pc.OnDataChannel(func(dc rtc.DataChannel) {
		switch dc.Label() {
		case "chat":
			peer.mu.Lock()
			peer.ChatChannel = dc
			peer.mu.Unlock()
		case "control":
			peer.mu.Lock()
			peer.ControlChannel = dc
			peer.mu.Unlock()
		}
		if m.onDataChannel != nil {
			m.onDataChannel(peer, dc)
		}
	})
}

// HandleOffer processes an inbound `offer` envelope.
func (m *Machine) HandleOffer(peerID, userName, platform, sdp string) {
	peer, ok := m.Peer(peerID)
	if !ok {
		peer = &Peer{PeerID: peerID, UserName: userName, Platform: platform, ConnectionStartTime: time.Now(), State: StateNew}
		m.mu.Lock()
		m.peers[peerID] = peer
		m.mu.Unlock()
		m.prepareResponder(peer)
	}

	peer.setState(StateAnswering)

	if err := peer.PC.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		m.fail(peer, fmt.Errorf("peerstate: set remote description (offer): %w", err))
		return
	}
	peer.mu.Lock()
	peer.RemoteDescriptionSet = true
	peer.mu.Unlock()
	m.drainPending(peer)

	answer, err := peer.PC.CreateAnswer()
	if err != nil {
		m.fail(peer, fmt.Errorf("peerstate: create answer: %w", err))
		return
	}
	if err := peer.PC.SetLocalDescription(answer); err != nil {
		m.fail(peer, fmt.Errorf("peerstate: set local description (answer): %w", err))
		return
	}
	peer.setState(StateICEGathering)

	m.sendSDP(peerID, signal.TypeAnswer, answer.SDP)
}

// HandleAnswer processes an inbound `answer` envelope.
func (m *Machine) HandleAnswer(peerID, sdp string) {
	peer, ok := m.Peer(peerID)
	if !ok {
		return
	}
	if err := peer.PC.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		m.fail(peer, fmt.Errorf("peerstate: set remote description (answer): %w", err))
		return
	}
	peer.mu.Lock()
	peer.RemoteDescriptionSet = true
	peer.mu.Unlock()
	m.drainPending(peer)
	peer.setState(StateICEGathering)
}

// HandleICECandidate processes an inbound `ice-candidate` envelope,
// queuing it if the remote description has not yet been set.
func (m *Machine) HandleICECandidate(peerID, candidate string, sdpMid *string, sdpMLineIndex *uint16) {
	peer, ok := m.Peer(peerID)
	if !ok {
		return
	}

	init := webrtc.ICECandidateInit{Candidate: candidate, SDPMid: sdpMid, SDPMLineIndex: sdpMLineIndex}

	peer.mu.Lock()
	remoteSet := peer.RemoteDescriptionSet
	peer.mu.Unlock()

	if !remoteSet {
		peer.mu.Lock()
		peer.PendingCandidates = append(peer.PendingCandidates, init)
		peer.mu.Unlock()
		return
	}

	if err := peer.PC.AddICECandidate(init); err != nil {
		m.logger.Debug().Err(err).Str("peer_id", peerID).Msg("failed to add ICE candidate")
	}
}

// HandleLeave tears down peerID's record: closes pc, drops all state,
// fires onPeerLeave. The caller (session manager) is responsible for
// restarting discovery if HealthyPeerCount drops to zero.
func (m *Machine) HandleLeave(peerID string) {
	m.mu.Lock()
	peer, ok := m.peers[peerID]
	if ok {
		delete(m.peers, peerID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	m.teardown(peer, StateLeft)

	if m.onPeerLeave != nil {
		m.onPeerLeave(peerID)
	}
}

// RemoveAll tears down every peer record, used by leave/dispose.
func (m *Machine) RemoveAll() {
	m.mu.Lock()
	all := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		all = append(all, p)
	}
	m.peers = make(map[string]*Peer)
	m.mu.Unlock()

	for _, p := range all {
		m.teardown(p, StateLeft)
	}
}

func (m *Machine) teardown(peer *Peer, finalState State) {
	peer.mu.Lock()
	if peer.DisconnectTimer != nil {
		peer.DisconnectTimer.Stop()
	}
	if peer.ReconnectTimer != nil {
		peer.ReconnectTimer.Stop()
	}
	peer.State = finalState
	pc := peer.PC
	peer.mu.Unlock()

	if pc != nil {
		if err := pc.Close(); err != nil {
			m.logger.Debug().Err(err).Str("peer_id", peer.PeerID).Msg("error closing peer connection")
		}
	}
}

func (m *Machine) drainPending(peer *Peer) {
	peer.mu.Lock()
	pending := peer.PendingCandidates
	peer.PendingCandidates = nil
	pc := peer.PC
	peer.mu.Unlock()

	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			m.logger.Debug().Err(err).Str("peer_id", peer.PeerID).Msg("failed to drain queued ICE candidate")
		}
	}
}

func (m *Machine) wireConnectionCallbacks(peer *Peer) {
	pc := peer.PC

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		data, _ := json.Marshal(candidatePayload{Candidate: init.Candidate, SDPMid: init.SDPMid, SDPMLineIndex: init.SDPMLineIndex})
		m.sender.SendToPeer(peer.PeerID, signal.Envelope{Type: signal.TypeICECandidate, Data: data})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if m.onTrack != nil {
			m.onTrack(peer, track, receiver)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			first := !peer.snapshotState().isFinalOrConnected()
			peer.mu.Lock()
			peer.IsConnected = true
			peer.IceRestartAttempts = 0
			peer.State = StateConnected
			if peer.DisconnectTimer != nil {
				peer.DisconnectTimer.Stop()
				peer.DisconnectTimer = nil
			}
			peer.mu.Unlock()
			if first && m.onPeerJoin != nil {
				m.onPeerJoin(peer.PeerID, peer.UserName, peer.Platform)
			}
		case webrtc.PeerConnectionStateFailed:
			peer.setState(StateFailed)
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		switch state {
		case webrtc.ICEConnectionStateDisconnected:
			peer.setState(StateDisconnected)
		case webrtc.ICEConnectionStateFailed:
			peer.setState(StateFailed)
		}
		if m.onICEStateChange != nil {
			m.onICEStateChange(peer, state)
		}
	})
}

func (s State) isFinalOrConnected() bool {
	return s == StateConnected || s == StateLeft || s == StateFailed
}

func (m *Machine) sendSDP(peerID string, t signal.Type, sdp string) {
	var data []byte
	switch t {
	case signal.TypeOffer:
		data, _ = json.Marshal(offerPayload{SDP: sdp})
	case signal.TypeAnswer:
		data, _ = json.Marshal(answerPayload{SDP: sdp})
	}
	m.sender.SendToPeer(peerID, signal.Envelope{Type: t, Data: data})
}

// RestartICE renegotiates peer's connection with an ICE restart offer. It
// is intended as the restart closure driving a session manager's
// ICE-restart ladder once peer's ICE connection state has gone stale.
func (m *Machine) RestartICE(peer *Peer) error {
	offer, err := peer.PC.CreateOffer(true)
	if err != nil {
		return fmt.Errorf("peerstate: create restart offer: %w", err)
	}
	if err := peer.PC.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("peerstate: set restart local description: %w", err)
	}
	peer.setState(StateReconnecting)
	m.sendSDP(peer.PeerID, signal.TypeOffer, offer.SDP)
	return nil
}

func (m *Machine) fail(peer *Peer, err error) {
	peer.setState(StateFailed)
	m.logger.Warn().Err(err).Str("peer_id", peer.PeerID).Msg("peer negotiation failed")
	if m.onError != nil {
		m.onError(peer.PeerID, err)
	}
}
