package control

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/p2pconf/core/internal/idgen"
)

// legalStopReasons are the stop reasons spec §4.7 lists verbatim; any
// other value normalizes to "stopped-by-source".
var legalStopReasons = map[string]bool{
	"busy":                            true,
	"virtual-device-missing":          true,
	"virtual-device-install-failed":   true,
	"virtual-device-restart-required": true,
	"user-cancelled":                  true,
	"rejected":                        true,
	"stopped-by-source":               true,
	"unknown":                         true,
}

func normalizeStopReason(reason string) string {
	if legalStopReasons[reason] {
		return reason
	}
	return "stopped-by-source"
}

type rmRequestMsg struct {
	Type         messageType `json:"type"`
	RequestID    string      `json:"requestId"`
	SourcePeerID string      `json:"sourcePeerId"`
	SourceName   string      `json:"sourceName"`
	TargetPeerID string      `json:"targetPeerId"`
	TS           int64       `json:"ts"`
}

type rmResponseMsg struct {
	Type      messageType `json:"type"`
	RequestID string      `json:"requestId"`
	Accepted  bool        `json:"accepted"`
	Reason    string      `json:"reason"`
	TS        int64       `json:"ts"`
}

type rmStartMsg struct {
	Type      messageType `json:"type"`
	RequestID string      `json:"requestId"`
	TS        int64       `json:"ts"`
}

type rmHeartbeatMsg struct {
	Type      messageType `json:"type"`
	RequestID string      `json:"requestId"`
	TS        int64       `json:"ts"`
}

type rmStopMsg struct {
	Type      messageType `json:"type"`
	RequestID string      `json:"requestId"`
	Reason    string      `json:"reason"`
	TS        int64       `json:"ts"`
}

// remoteMicState is the §3 control-layer remote-mic field set, owned
// exclusively by the local node (no cross-node shared memory).
type remoteMicState struct {
	pendingIncoming             map[string]string // requestId -> sourcePeerId
	pendingOutgoingRequestID    string
	activeTargetPeerID          string
	activeSourcePeerID          string
	activeRequestID             string
}

// Busy reports whether this node already holds an active or pending
// remote-mic role, per the §4.7 busy guard.
func (h *Hub) Busy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.busyLocked()
}

func (h *Hub) busyLocked() bool {
	s := &h.remoteMic
	return s.pendingOutgoingRequestID != "" || s.activeRequestID != "" || len(s.pendingIncoming) > 0
}

// RequestRemoteMic asks targetPeerID to hand off its microphone to this
// node. Fails if this node is already busy with a remote-mic role.
func (h *Hub) RequestRemoteMic(targetPeerID, sourceName string) (string, error) {
	h.mu.Lock()
	if h.busyLocked() {
		h.mu.Unlock()
		return "", fmt.Errorf("control: remote-mic request rejected: already busy")
	}
	requestID := idgen.NewRequestID()
	h.remoteMic.pendingOutgoingRequestID = requestID
	h.mu.Unlock()

	h.sendControl(targetPeerID, rmRequestMsg{
		Type: typeRMRequest, RequestID: requestID,
		SourcePeerID: h.selfID, SourceName: sourceName,
		TargetPeerID: targetPeerID, TS: time.Now().UnixMilli(),
	})
	return requestID, nil
}

func (h *Hub) handleRMRequest(peerID string, payload []byte) {
	var msg rmRequestMsg
	if err := json.Unmarshal(payload, &msg); err != nil || msg.RequestID == "" {
		return
	}

	h.mu.Lock()
	if h.busyLocked() {
		h.mu.Unlock()
		h.sendControl(peerID, rmResponseMsg{Type: typeRMResponse, RequestID: msg.RequestID, Accepted: false, Reason: "busy", TS: time.Now().UnixMilli()})
		return
	}
	h.remoteMic.pendingIncoming[msg.RequestID] = peerID
	h.mu.Unlock()

	if h.onRemoteMic != nil {
		h.onRemoteMic(RemoteMicEvent{Kind: "request", RequestID: msg.RequestID, PeerID: peerID})
	}
}

// RespondRemoteMic accepts or rejects a pending incoming request,
// identified by requestID. Unknown request ids are ignored (§7
// logic-guard failures never mutate state on unmatched correlation).
func (h *Hub) RespondRemoteMic(requestID string, accept bool, reason string) {
	h.mu.Lock()
	sourcePeerID, ok := h.remoteMic.pendingIncoming[requestID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.remoteMic.pendingIncoming, requestID)
	if accept {
		h.remoteMic.activeSourcePeerID = sourcePeerID
		h.remoteMic.activeRequestID = requestID
		if reason == "" {
			reason = "accepted"
		}
	}
	h.mu.Unlock()

	h.sendControl(sourcePeerID, rmResponseMsg{Type: typeRMResponse, RequestID: requestID, Accepted: accept, Reason: reason, TS: time.Now().UnixMilli()})
}

func (h *Hub) handleRMResponse(peerID string, payload []byte) {
	var msg rmResponseMsg
	if err := json.Unmarshal(payload, &msg); err != nil || msg.RequestID == "" {
		return
	}

	h.mu.Lock()
	if h.remoteMic.pendingOutgoingRequestID != msg.RequestID {
		h.mu.Unlock()
		return
	}
	h.remoteMic.pendingOutgoingRequestID = ""

	if !msg.Accepted {
		h.mu.Unlock()
		if h.onRemoteMic != nil {
			h.onRemoteMic(RemoteMicEvent{Kind: "rejected", RequestID: msg.RequestID, PeerID: peerID, Reason: msg.Reason})
		}
		return
	}

	h.remoteMic.activeTargetPeerID = peerID
	h.remoteMic.activeRequestID = msg.RequestID
	h.mu.Unlock()

	h.applyRoutingMode(RoutingExclusive, peerID)

	h.sendControl(peerID, rmStartMsg{Type: typeRMStart, RequestID: msg.RequestID, TS: time.Now().UnixMilli()})

	if h.onRemoteMic != nil {
		h.onRemoteMic(RemoteMicEvent{Kind: "accepted", RequestID: msg.RequestID, PeerID: peerID})
	}
}

func (h *Hub) handleRMStart(peerID string, payload []byte) {
	var msg rmStartMsg
	if err := json.Unmarshal(payload, &msg); err != nil || msg.RequestID == "" {
		return
	}

	h.mu.Lock()
	matches := h.remoteMic.activeRequestID == msg.RequestID &&
		(h.remoteMic.activeSourcePeerID == peerID || h.remoteMic.activeTargetPeerID == peerID)
	h.mu.Unlock()
	if !matches {
		return
	}

	if h.onRemoteMic != nil {
		h.onRemoteMic(RemoteMicEvent{Kind: "started", RequestID: msg.RequestID, PeerID: peerID})
	}
}

// StopRemoteMic tears down the active (or pending outgoing) handoff
// identified by requestID, notifying the counterpart peer.
func (h *Hub) StopRemoteMic(requestID, reason string) {
	h.mu.Lock()
	counterpart := h.counterpartForLocked(requestID)
	h.clearRemoteMicLocked(requestID)
	h.mu.Unlock()

	if counterpart == "" {
		return
	}
	h.applyRoutingMode(RoutingBroadcast, "")
	h.sendControl(counterpart, rmStopMsg{Type: typeRMStop, RequestID: requestID, Reason: normalizeStopReason(reason), TS: time.Now().UnixMilli()})
}

func (h *Hub) handleRMStop(peerID string, payload []byte) {
	var msg rmStopMsg
	if err := json.Unmarshal(payload, &msg); err != nil || msg.RequestID == "" {
		return
	}

	h.mu.Lock()
	counterpart := h.counterpartForLocked(msg.RequestID)
	if counterpart == "" {
		h.mu.Unlock()
		return
	}
	h.clearRemoteMicLocked(msg.RequestID)
	h.mu.Unlock()

	h.applyRoutingMode(RoutingBroadcast, "")

	if h.onRemoteMic != nil {
		h.onRemoteMic(RemoteMicEvent{Kind: "stopped", RequestID: msg.RequestID, PeerID: peerID, Reason: normalizeStopReason(msg.Reason)})
	}
}

// SendRemoteMicHeartbeat emits a liveness ping for the active handoff,
// if any, to the peer on the other end.
func (h *Hub) SendRemoteMicHeartbeat() {
	h.mu.Lock()
	requestID := h.remoteMic.activeRequestID
	counterpart := h.counterpartForLocked(requestID)
	h.mu.Unlock()
	if requestID == "" || counterpart == "" {
		return
	}
	h.sendControl(counterpart, rmHeartbeatMsg{Type: typeRMHeartbeat, RequestID: requestID, TS: time.Now().UnixMilli()})
}

// counterpartForLocked resolves the peer id on the other end of
// requestID, across every state slot it could be living in. Must be
// called with h.mu held.
func (h *Hub) counterpartForLocked(requestID string) string {
	s := &h.remoteMic
	if s.pendingOutgoingRequestID == requestID {
		return s.activeTargetPeerID
	}
	if s.activeRequestID == requestID {
		if s.activeTargetPeerID != "" {
			return s.activeTargetPeerID
		}
		return s.activeSourcePeerID
	}
	if src, ok := s.pendingIncoming[requestID]; ok {
		return src
	}
	return ""
}

// clearRemoteMicLocked resets every field belonging to requestID. Must
// be called with h.mu held.
func (h *Hub) clearRemoteMicLocked(requestID string) {
	s := &h.remoteMic
	if s.pendingOutgoingRequestID == requestID {
		s.pendingOutgoingRequestID = ""
	}
	if s.activeRequestID == requestID {
		s.activeRequestID = ""
		s.activeSourcePeerID = ""
		s.activeTargetPeerID = ""
	}
	delete(s.pendingIncoming, requestID)
}
