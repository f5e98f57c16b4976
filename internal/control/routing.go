package control

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// RoutingMode is the audio-routing mode of spec §3/§4.7.
type RoutingMode string

const (
	RoutingBroadcast RoutingMode = "broadcast"
	RoutingExclusive RoutingMode = "exclusive"
)

type trackSender struct {
	sender *webrtc.RTPSender
}

type routingState struct {
	mode    RoutingMode
	target  string
	track   webrtc.TrackLocal
	senders map[string]trackSender
}

// SetLocalAudioTrack registers the local microphone track that
// setAudioRoutingMode attaches or detaches per peer. Safe to call
// again if the underlying device track is replaced.
func (h *Hub) SetLocalAudioTrack(track webrtc.TrackLocal) {
	h.mu.Lock()
	h.routing.track = track
	h.mu.Unlock()
}

// SetAudioRoutingMode switches the local audio-routing mode (spec
// §4.7): broadcast attaches the local track to every connected peer;
// exclusive attaches it to targetPeerID only, detaching it elsewhere.
// Existing RTP senders are reused via ReplaceTrack where possible,
// falling back to AddTrack for peers with no sender yet.
func (h *Hub) SetAudioRoutingMode(mode RoutingMode, targetPeerID string) error {
	return h.applyRoutingMode(mode, targetPeerID)
}

func (h *Hub) applyRoutingMode(mode RoutingMode, targetPeerID string) error {
	h.mu.Lock()
	h.routing.mode = mode
	h.routing.target = targetPeerID
	track := h.routing.track
	h.mu.Unlock()

	if track == nil {
		return nil
	}

	var firstErr error
	for _, p := range h.peers.Peers() {
		wantAttached := mode == RoutingBroadcast || p.PeerID == targetPeerID
		if err := h.applyTrackToPeer(p.PeerID, p.PC, track, wantAttached); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *Hub) applyTrackToPeer(peerID string, pc peerConnectionTrackAPI, track webrtc.TrackLocal, attach bool) error {
	if pc == nil {
		return nil
	}

	h.mu.Lock()
	existing, hasSender := h.routing.senders[peerID]
	h.mu.Unlock()

	if attach {
		if hasSender {
			if err := existing.sender.ReplaceTrack(track); err != nil {
				return fmt.Errorf("control: replace track for %s: %w", peerID, err)
			}
			return nil
		}
		sender, err := pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("control: add track for %s: %w", peerID, err)
		}
		h.mu.Lock()
		h.routing.senders[peerID] = trackSender{sender: sender}
		h.mu.Unlock()
		return nil
	}

	if hasSender {
		if err := existing.sender.ReplaceTrack(nil); err != nil {
			return fmt.Errorf("control: detach track for %s: %w", peerID, err)
		}
	}
	return nil
}

// peerConnectionTrackAPI is the narrow slice of rtc.PeerConnection this
// file needs; any rtc.PeerConnection satisfies it.
type peerConnectionTrackAPI interface {
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	GetSenders() []*webrtc.RTPSender
	RemoveTrack(sender *webrtc.RTPSender) error
}

// AttachNewPeer applies the current routing mode to a newly connected
// peer (spec §4.5: "apply current audio-routing mode to this peer" on
// first connect).
func (h *Hub) AttachNewPeer(peerID string, pc peerConnectionTrackAPI) {
	h.mu.Lock()
	mode := h.routing.mode
	target := h.routing.target
	track := h.routing.track
	h.mu.Unlock()
	if track == nil {
		return
	}
	wantAttached := mode == RoutingBroadcast || peerID == target
	if err := h.applyTrackToPeer(peerID, pc, track, wantAttached); err != nil {
		h.logger.Debug().Err(err).Str("peer_id", peerID).Msg("failed to apply routing mode to new peer")
	}
}

// RoutingSnapshot reports the current audio-routing mode and target,
// for the facade's getSnapshot().
type RoutingSnapshot struct {
	Mode   RoutingMode
	Target string
}

func (h *Hub) RoutingSnapshot() RoutingSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return RoutingSnapshot{Mode: h.routing.mode, Target: h.routing.target}
}
