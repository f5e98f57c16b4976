package core

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"

	"github.com/p2pconf/core/internal/control"
	"github.com/p2pconf/core/internal/peerstate"
	"github.com/p2pconf/core/internal/rtc"
	"github.com/p2pconf/core/internal/signal"
)

// offerAnswerPayload/candidatePayload/muteStatusPayload/roomLockPayload
// mirror the type-specific `data` shapes of spec §3's signal envelope
// (wire format 2, §6). They are declared here, rather than imported
// from internal/peerstate, because that package keeps its mirror of
// the same shapes unexported — the wire contract is duplicated at each
// boundary that needs it, not shared as a type.
type offerAnswerPayload struct {
	SDP string `json:"sdp"`
}

type candidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

type roomLockPayload struct {
	Locked  bool   `json:"locked"`
	OwnerID string `json:"ownerId"`
}

// wirePeerCallbacks attaches every peerstate.Machine callback: each one
// bridges signaling-state-machine outcomes into the liveness manager
// (disconnect grace / ICE restart ladder), the control hub (routing
// attach, data-channel message dispatch), and the typed event hub.
func (f *Facade) wirePeerCallbacks() {
	f.peers.OnPeerJoin(func(peerID, userName, platform string) {
		if peer, ok := f.peers.Peer(peerID); ok {
			f.control.AttachNewPeer(peerID, peer.PC)
		}
		f.emitPeerJoin(peerID, userName, platform)
	})

	f.peers.OnPeerLeave(func(peerID string) {
		f.statsCollector.Forget(peerID)
		f.control.PeerLeft(peerID)
		f.emitPeerLeave(peerID)
	})

	f.peers.OnError(func(peerID string, err error) {
		f.emitError(err, "peer:"+peerID)
	})

	f.peers.OnICEStateChange(func(peer *peerstate.Peer, state webrtc.ICEConnectionState) {
		f.handleICEStateChange(peer, state)
	})

	f.peers.OnDataChannel(func(peer *peerstate.Peer, dc rtc.DataChannel) {
		dc.OnMessage(func(data []byte) {
			f.control.HandleChannelMessage(peer.PeerID, data)
		})
	})

	f.peers.OnTrack(func(peer *peerstate.Peer, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		f.emitRemoteStream(peer.PeerID, track, receiver)
	})
}

// handleICEStateChange implements the disconnect-grace / ICE-restart
// ladder transitions of spec §4.6: `disconnected` arms a 15s grace
// timer before the ladder starts; `failed` skips the grace period and
// restarts immediately; recovery to `connected` cancels any pending
// timer and resets the ladder.
func (f *Facade) handleICEStateChange(peer *peerstate.Peer, state webrtc.ICEConnectionState) {
	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		f.sessionMgr.CancelDisconnectGrace(peer)
		f.sessionMgr.ResetICERestart(peer)
	case webrtc.ICEConnectionStateDisconnected:
		f.sessionMgr.StartDisconnectGrace(peer, func() {
			f.restartPeerICE(peer)
		})
	case webrtc.ICEConnectionStateFailed:
		f.sessionMgr.CancelDisconnectGrace(peer)
		f.restartPeerICE(peer)
	}
}

// wireControlCallbacks bridges the control hub's chat/remote-mic/
// moderation callbacks into the typed event hub (and metrics, via the
// emit* helpers).
func (f *Facade) wireControlCallbacks() {
	f.control.OnChatMessage(func(ev control.ChatEvent) {
		f.emitChatMessage(ev)
	})
	f.control.OnRemoteMicControl(func(ev control.RemoteMicEvent) {
		f.emitRemoteMicControl(ev)
	})
	f.control.OnModerationControl(func(ev control.ModerationEvent) {
		f.emitModerationControl(ev)
	})
}

// handleEnvelope dispatches one envelope that survived the transport's
// inbound filter (spec §4.4) to the signaling state machine, the
// liveness manager's last-seen bookkeeping, or the control hub's
// room-wide moderation state, depending on its type.
func (f *Facade) handleEnvelope(env signal.Envelope) {
	if f.sessionMgr != nil && env.From != "" {
		f.sessionMgr.Touch(env.From)
	}

	switch env.Type {
	case signal.TypeAnnounce:
		f.peers.HandleAnnounce(env.From, env.UserName, string(env.Platform))

	case signal.TypeOffer:
		var p offerAnswerPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			f.logger.Warn().Err(err).Msg("malformed offer payload, dropping")
			return
		}
		f.peers.HandleOffer(env.From, env.UserName, string(env.Platform), p.SDP)

	case signal.TypeAnswer:
		var p offerAnswerPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			f.logger.Warn().Err(err).Msg("malformed answer payload, dropping")
			return
		}
		f.peers.HandleAnswer(env.From, p.SDP)

	case signal.TypeICECandidate:
		var p candidatePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			f.logger.Warn().Err(err).Msg("malformed ice-candidate payload, dropping")
			return
		}
		f.peers.HandleICECandidate(env.From, p.Candidate, p.SDPMid, p.SDPMLineIndex)

	case signal.TypeLeave:
		f.peers.HandleLeave(env.From)
		if f.peers.HealthyPeerCount() == 0 {
			f.sessionMgr.RestartDiscovery()
		}

	case signal.TypePing:
		f.sessionMgr.HandlePing(env.From)

	case signal.TypePong:
		// last-seen already refreshed above; no further action.

	case signal.TypeMuteStatus:
		var status peerstate.MuteStatus
		if err := json.Unmarshal(env.Data, &status); err != nil {
			f.logger.Warn().Err(err).Msg("malformed mute-status payload, dropping")
			return
		}
		if f.peers.SetMuteStatus(env.From, status) {
			f.emitPeerMuteChange(env.From, status)
		}

	case signal.TypeRoomLock, signal.TypeRoomLocked:
		var p roomLockPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			f.logger.Warn().Err(err).Msg("malformed room-lock payload, dropping")
			return
		}
		f.control.ApplyRoomLock(p.Locked, p.OwnerID)

	default:
		f.logger.Debug().Str("type", string(env.Type)).Msg("ignoring unrecognized envelope type")
	}
}
