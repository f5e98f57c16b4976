package control

import (
	"encoding/json"
	"time"

	"github.com/p2pconf/core/internal/idgen"
)

type muteAllRequestMsg struct {
	Type          messageType `json:"type"`
	RequestID     string      `json:"requestId"`
	RequesterName string      `json:"requesterName"`
	TS            int64       `json:"ts"`
}

type muteAllResponseMsg struct {
	Type      messageType `json:"type"`
	RequestID string      `json:"requestId"`
	Accepted  bool        `json:"accepted"`
	TS        int64       `json:"ts"`
}

type handRaiseMsg struct {
	Type messageType `json:"type"`
	TS   int64       `json:"ts"`
}

type handLowerMsg struct {
	Type messageType `json:"type"`
}

// moderationState is the §3 moderation field set: room lock, hand
// raise, and outstanding mute-all request/response correlation.
type moderationState struct {
	roomLocked         bool
	roomLockOwnerID    string
	raisedHands        map[string]time.Time
	localHandRaised    bool
	pendingMuteAllReqs map[string]bool
}

// ApplyRoomLock updates the locked/owner fields from an inbound
// `room-lock`/`room-locked` signal envelope (spec §3/§4.7); those
// envelope types travel over the MQTT/local-channel fabric rather than
// a data channel, since a lock must be visible to peers not yet
// WebRTC-connected, so the facade calls this directly rather than
// routing it through HandleChannelMessage.
func (h *Hub) ApplyRoomLock(locked bool, ownerPeerID string) {
	h.mu.Lock()
	h.moderation.roomLocked = locked
	if locked {
		h.moderation.roomLockOwnerID = ownerPeerID
	} else {
		h.moderation.roomLockOwnerID = ""
	}
	h.mu.Unlock()

	kind := "room-unlocked"
	if locked {
		kind = "room-locked"
	}
	if h.onModeration != nil {
		h.onModeration(ModerationEvent{Kind: kind, PeerID: ownerPeerID})
	}
}

// RoomLockSnapshot reports the current room-lock state.
func (h *Hub) RoomLockSnapshot() (locked bool, ownerPeerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.moderation.roomLocked, h.moderation.roomLockOwnerID
}

// RequestMuteAll broadcasts a mute-all request to every connected
// peer's control channel and returns the correlation id.
func (h *Hub) RequestMuteAll(requesterName string) string {
	requestID := idgen.NewRequestID()
	h.mu.Lock()
	h.moderation.pendingMuteAllReqs[requestID] = true
	h.mu.Unlock()

	h.broadcastControl(muteAllRequestMsg{Type: typeMuteAllRequest, RequestID: requestID, RequesterName: requesterName, TS: time.Now().UnixMilli()})
	return requestID
}

func (h *Hub) handleMuteAllRequest(peerID string, payload []byte) {
	var msg muteAllRequestMsg
	if err := json.Unmarshal(payload, &msg); err != nil || msg.RequestID == "" {
		return
	}
	if h.onModeration != nil {
		h.onModeration(ModerationEvent{Kind: "mute-all-request", PeerID: peerID, RequestID: msg.RequestID})
	}
}

// RespondMuteAll sends this node's mute-all compliance back to the
// requester over its control channel.
func (h *Hub) RespondMuteAll(requesterPeerID, requestID string, accepted bool) {
	h.sendControl(requesterPeerID, muteAllResponseMsg{Type: typeMuteAllResp, RequestID: requestID, Accepted: accepted, TS: time.Now().UnixMilli()})
}

func (h *Hub) handleMuteAllResponse(peerID string, payload []byte) {
	var msg muteAllResponseMsg
	if err := json.Unmarshal(payload, &msg); err != nil || msg.RequestID == "" {
		return
	}
	h.mu.Lock()
	_, ok := h.moderation.pendingMuteAllReqs[msg.RequestID]
	h.mu.Unlock()
	if !ok {
		return
	}
	if h.onModeration != nil {
		h.onModeration(ModerationEvent{Kind: "mute-all-response", PeerID: peerID, RequestID: msg.RequestID, Accepted: msg.Accepted})
	}
}

// RaiseHand broadcasts a fire-and-forget hand-raise event and marks
// this node's own local flag.
func (h *Hub) RaiseHand() {
	h.mu.Lock()
	h.moderation.localHandRaised = true
	h.mu.Unlock()
	h.broadcastControl(handRaiseMsg{Type: typeHandRaise, TS: time.Now().UnixMilli()})
}

// LowerHand clears this node's own local flag and notifies peers.
func (h *Hub) LowerHand() {
	h.mu.Lock()
	h.moderation.localHandRaised = false
	h.mu.Unlock()
	h.broadcastControl(handLowerMsg{Type: typeHandLower})
}

func (h *Hub) handleHandRaise(peerID string, payload []byte) {
	var msg handRaiseMsg
	if err := json.Unmarshal(payload, &msg); err != nil {
		return
	}
	ts := msg.TS
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	h.mu.Lock()
	h.moderation.raisedHands[peerID] = time.UnixMilli(ts)
	h.mu.Unlock()

	if h.onModeration != nil {
		h.onModeration(ModerationEvent{Kind: "hand-raised", PeerID: peerID, Timestamp: ts})
	}
}

func (h *Hub) handleHandLower(peerID string) {
	h.mu.Lock()
	_, existed := h.moderation.raisedHands[peerID]
	delete(h.moderation.raisedHands, peerID)
	h.mu.Unlock()
	if !existed {
		return
	}
	if h.onModeration != nil {
		h.onModeration(ModerationEvent{Kind: "hand-lowered", PeerID: peerID})
	}
}

// RaisedHands returns a snapshot of peerId -> raised-at time.
func (h *Hub) RaisedHands() map[string]time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]time.Time, len(h.moderation.raisedHands))
	for k, v := range h.moderation.raisedHands {
		out[k] = v
	}
	return out
}
