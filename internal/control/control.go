// Package control implements the application-level traffic carried over
// the two WebRTC data channels negotiated per peer (spec §4.7): chat,
// the remote-microphone handoff protocol, audio-routing mode switching,
// and moderation (room lock, mute-all, hand raise). Grounded on the
// teacher's pkg/protocol message-type dispatch and internal/voice engine
// callback wiring, generalized from a single binary wire protocol to the
// spec's one-JSON-object-per-message-event data-channel convention.
package control

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p2pconf/core/internal/peerstate"
)

// messageType discriminates the JSON object carried over either data
// channel. Chat uses "chat"; control uses the rm_*/moderation set.
type messageType string

const (
	typeChat           messageType = "chat"
	typeRMRequest      messageType = "rm_request"
	typeRMResponse     messageType = "rm_response"
	typeRMStart        messageType = "rm_start"
	typeRMHeartbeat    messageType = "rm_heartbeat"
	typeRMStop         messageType = "rm_stop"
	typeMuteAllRequest messageType = "mute-all-request"
	typeMuteAllResp    messageType = "mute-all-response"
	typeHandRaise      messageType = "hand-raise"
	typeHandLower      messageType = "hand-lower"
)

// probe extracts just the "type" discriminant from a raw data-channel
// payload, matching spec §9's tagged-variant rejection strategy:
// messages whose type isn't a string or isn't in the known set are
// silently ignored.
type probe struct {
	Type string `json:"type"`
}

const maxChatBytes = 500

// ChatMessage is the chat-channel payload (spec §4.7).
type ChatMessage struct {
	Type      messageType `json:"type"`
	ID        string      `json:"id"`
	SenderID  string      `json:"senderId"`
	SenderName string     `json:"senderName"`
	Content   string      `json:"content"`
	Timestamp int64       `json:"timestamp"`
}

// Events surfaced to the facade's event hub (spec §4.8).
type ChatEvent struct {
	SenderID   string
	SenderName string
	Content    string
	Timestamp  int64
}

type RemoteMicEvent struct {
	Kind      string // request, accepted, rejected, started, stopped
	RequestID string
	PeerID    string
	Reason    string
}

type ModerationEvent struct {
	Kind          string // room-locked, room-unlocked, mute-all-request, mute-all-response, hand-raised, hand-lowered
	PeerID        string
	RequestID     string
	Accepted      bool
	Timestamp     int64
}

// Sender is the subset of a peer's data channels the hub writes to.
type Sender interface {
	SendChat(data []byte) error
	SendControl(data []byte) error
}

// PeerLister is the subset of peerstate.Machine the hub needs to fan a
// message out to every connected peer's data channel.
type PeerLister interface {
	Peers() []*peerstate.Peer
	Peer(peerID string) (*peerstate.Peer, bool)
}

// Hub owns every piece of control-layer state described in spec §3:
// remote-mic handoff, audio-routing mode, and moderation.
type Hub struct {
	mu     sync.Mutex
	selfID string
	peers  PeerLister
	logger zerolog.Logger

	remoteMic  remoteMicState
	moderation moderationState
	routing    routingState

	onChat       func(ChatEvent)
	onRemoteMic  func(RemoteMicEvent)
	onModeration func(ModerationEvent)
}

// New creates a control hub for the local peer selfID. peers is used to
// fan outbound messages to every connected peer's data channel.
func New(selfID string, peers PeerLister, logger zerolog.Logger) *Hub {
	return &Hub{
		selfID: selfID,
		peers:  peers,
		logger: logger.With().Str("component", "control").Logger(),
		remoteMic: remoteMicState{
			pendingIncoming: make(map[string]string),
		},
		moderation: moderationState{
			raisedHands:        make(map[string]time.Time),
			pendingMuteAllReqs: make(map[string]bool),
		},
		routing: routingState{
			mode:    RoutingBroadcast,
			senders: make(map[string]trackSender),
		},
	}
}

func (h *Hub) OnChatMessage(fn func(ChatEvent))           { h.onChat = fn }
func (h *Hub) OnRemoteMicControl(fn func(RemoteMicEvent)) { h.onRemoteMic = fn }
func (h *Hub) OnModerationControl(fn func(ModerationEvent)) { h.onModeration = fn }

// HandleChannelMessage dispatches a single JSON object received on
// either the chat or control data channel from peerID. Malformed JSON,
// non-object roots, or an unrecognized type are silently ignored (spec
// §4.7/§9).
func (h *Hub) HandleChannelMessage(peerID string, payload []byte) {
	var p probe
	if err := json.Unmarshal(payload, &p); err != nil || p.Type == "" {
		return
	}

	switch messageType(p.Type) {
	case typeChat:
		h.handleChat(peerID, payload)
	case typeRMRequest:
		h.handleRMRequest(peerID, payload)
	case typeRMResponse:
		h.handleRMResponse(peerID, payload)
	case typeRMStart:
		h.handleRMStart(peerID, payload)
	case typeRMHeartbeat:
		// liveness refresh only; no state change (spec §4.7).
	case typeRMStop:
		h.handleRMStop(peerID, payload)
	case typeMuteAllRequest:
		h.handleMuteAllRequest(peerID, payload)
	case typeMuteAllResp:
		h.handleMuteAllResponse(peerID, payload)
	case typeHandRaise:
		h.handleHandRaise(peerID, payload)
	case typeHandLower:
		h.handleHandLower(peerID)
	default:
		h.logger.Debug().Str("type", p.Type).Str("peer_id", peerID).Msg("ignoring unknown control message type")
	}
}

// SendChatMessage truncates content to <=500 bytes, stamps the
// envelope, and writes it to every connected chat channel.
func (h *Hub) SendChatMessage(content, senderName string) {
	if len(content) > maxChatBytes {
		content = truncateUTF8(content, maxChatBytes)
	}

	msg := ChatMessage{
		Type:       typeChat,
		ID:         uuid.NewString(),
		SenderID:   h.selfID,
		SenderName: senderName,
		Content:    content,
		Timestamp:  time.Now().UnixMilli(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to marshal chat message")
		return
	}

	for _, p := range h.peers.Peers() {
		if p.ChatChannel == nil {
			continue
		}
		if err := p.ChatChannel.Send(data); err != nil {
			h.logger.Debug().Err(err).Str("peer_id", p.PeerID).Msg("chat send failed")
		}
	}
}

func (h *Hub) handleChat(peerID string, payload []byte) {
	var msg ChatMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return
	}
	if h.onChat != nil {
		h.onChat(ChatEvent{SenderID: msg.SenderID, SenderName: msg.SenderName, Content: msg.Content, Timestamp: msg.Timestamp})
	}
}

// truncateUTF8 trims s to at most n bytes without splitting a multi-byte
// rune in the middle.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	b := []byte(s)[:n]
	for len(b) > 0 && (b[len(b)-1]&0xC0) == 0x80 {
		b = b[:len(b)-1]
	}
	return string(b)
}

func (h *Hub) sendControl(peerID string, v interface{}) {
	peer, ok := h.peers.Peer(peerID)
	if !ok || peer.ControlChannel == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to marshal control message")
		return
	}
	if err := peer.ControlChannel.Send(data); err != nil {
		h.logger.Debug().Err(err).Str("peer_id", peerID).Msg("control send failed")
	}
}

func (h *Hub) broadcastControl(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to marshal control message")
		return
	}
	for _, p := range h.peers.Peers() {
		if p.ControlChannel == nil {
			continue
		}
		if err := p.ControlChannel.Send(data); err != nil {
			h.logger.Debug().Err(err).Str("peer_id", p.PeerID).Msg("control broadcast failed")
		}
	}
}

// PeerLeft drops every piece of per-peer state when peerID disconnects:
// its routing sender, raised-hand entry, and any remote-mic handoff it
// was party to (surfaced as a "stopped" event so the UI can clear up).
func (h *Hub) PeerLeft(peerID string) {
	h.mu.Lock()
	delete(h.routing.senders, peerID)
	delete(h.moderation.raisedHands, peerID)

	var droppedRequestID string
	s := &h.remoteMic
	switch {
	case s.activeSourcePeerID == peerID || s.activeTargetPeerID == peerID:
		droppedRequestID = s.activeRequestID
		s.activeRequestID, s.activeSourcePeerID, s.activeTargetPeerID = "", "", ""
	case s.pendingOutgoingRequestID != "" && s.activeTargetPeerID == peerID:
		droppedRequestID = s.pendingOutgoingRequestID
		s.pendingOutgoingRequestID = ""
	default:
		for reqID, src := range s.pendingIncoming {
			if src == peerID {
				droppedRequestID = reqID
				delete(s.pendingIncoming, reqID)
				break
			}
		}
	}
	h.mu.Unlock()

	if droppedRequestID != "" {
		h.applyRoutingMode(RoutingBroadcast, "")
		if h.onRemoteMic != nil {
			h.onRemoteMic(RemoteMicEvent{Kind: "stopped", RequestID: droppedRequestID, PeerID: peerID, Reason: "stopped-by-source"})
		}
	}
}

// Reset clears every piece of control-layer state, called on leave/dispose.
func (h *Hub) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remoteMic = remoteMicState{pendingIncoming: make(map[string]string)}
	h.moderation = moderationState{
		raisedHands:        make(map[string]time.Time),
		pendingMuteAllReqs: make(map[string]bool),
	}
	h.routing = routingState{mode: RoutingBroadcast, senders: make(map[string]trackSender)}
}
