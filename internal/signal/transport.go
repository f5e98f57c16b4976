package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/p2pconf/core/internal/dedup"
	"github.com/p2pconf/core/internal/idgen"
)

// Publisher is the subset of the multi-broker fabric the transport needs.
type Publisher interface {
	Publish(topic string, payload []byte)
	SubscribeAll(ctx context.Context, topic string, handler func(topic string, payload []byte), msgIDFromPayload func([]byte) string)
}

// LocalChannel is the same-host discovery channel (internal/localbus),
// abstracted so the transport can be tested without a real socket.
type LocalChannel interface {
	Post(payload []byte) error
	Subscribe(handler func(payload []byte))
	Close() error
}

// Handler receives envelopes that survive the inbound filter.
type Handler func(Envelope)

// Transport implements the room-wide broadcast/targeted-send API and
// the inbound filter described in spec §4.4.
type Transport struct {
	fabric Publisher
	local  LocalChannel
	dedup  *dedup.Deduplicator
	logger zerolog.Logger

	selfID    string
	sessionID int64
	roomID    string

	handler Handler
}

// New creates a Transport bound to a room. sessionID should be the
// current session id at construction time and is expected to be kept
// current by the caller as it advances across joins.
func New(fabric Publisher, local LocalChannel, dd *dedup.Deduplicator, logger zerolog.Logger, selfID, roomID string, sessionID int64) *Transport {
	return &Transport{
		fabric:    fabric,
		local:     local,
		dedup:     dd,
		logger:    logger.With().Str("component", "signal").Logger(),
		selfID:    selfID,
		roomID:    roomID,
		sessionID: sessionID,
	}
}

// SetSessionID updates the session id stamped on outbound envelopes,
// called whenever the facade advances it on join.
func (t *Transport) SetSessionID(sessionID int64) {
	t.sessionID = sessionID
}

// OnEnvelope registers the single handler invoked for envelopes that
// pass the inbound filter. Subsequent calls replace the previous handler.
func (t *Transport) OnEnvelope(h Handler) {
	t.handler = h
}

// Start subscribes to the room topic on the fabric and the local
// channel, wiring both into the shared inbound filter.
func (t *Transport) Start(ctx context.Context) {
	topic := RoomTopic(t.roomID)
	t.fabric.SubscribeAll(ctx, topic, t.onRawMessage, msgIDProbe)
	if t.local != nil {
		t.local.Subscribe(func(payload []byte) {
			t.onRawMessage(topic, payload)
		})
	}
}

// Broadcast assigns a msgId if absent, publishes the JSON-encoded
// envelope to the fabric, and best-effort posts to the local channel.
func (t *Transport) Broadcast(msg Envelope) {
	if msg.MsgID == "" {
		msg.MsgID = idgen.NewMessageID()
	}
	msg.V = ProtocolVersion
	msg.From = t.selfID
	if msg.TS == 0 {
		msg.TS = time.Now().UnixMilli()
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		t.logger.Warn().Err(err).Msg("failed to marshal outbound envelope")
		return
	}

	if !msg.Type.IsQuiet() {
		t.logger.Debug().Str("type", string(msg.Type)).Str("msgId", msg.MsgID).Msg("broadcasting envelope")
	}

	t.fabric.Publish(RoomTopic(t.roomID), payload)
	if t.local != nil {
		if err := t.local.Post(payload); err != nil {
			t.logger.Debug().Err(err).Msg("local channel post failed, ignoring")
		}
	}
}

// SendToPeer targets msg at peerID, stamping the current session id,
// then broadcasts it (delivery is still fan-out; the inbound filter on
// every other node drops it because `to` doesn't match their selfId).
func (t *Transport) SendToPeer(peerID string, msg Envelope) {
	msg.To = peerID
	msg.SessionID = t.sessionID
	t.Broadcast(msg)
}

// onRawMessage applies the inbound filter to a raw JSON payload
// delivered on topic and dispatches to the handler if it survives.
func (t *Transport) onRawMessage(topic string, payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		t.logger.Warn().Err(err).Msg("dropping malformed envelope")
		return
	}

	if reason, drop := t.filter(env); drop {
		if reason != "" {
			t.logger.Debug().Str("reason", reason).Str("type", string(env.Type)).Msg("dropping inbound envelope")
		}
		return
	}

	if t.handler != nil {
		t.handler(env)
	}
}

// filter implements the inbound drop rules from spec §4.4: self-echo,
// mistargeted, stale-session, and duplicate (duplicates are normally
// caught upstream by the fabric's dedup wrapper, but the local channel
// bypasses that wrapper so the check is repeated here for messages that
// arrive only locally).
func (t *Transport) filter(env Envelope) (reason string, drop bool) {
	if env.From == t.selfID {
		return "self-echo", true
	}
	if env.To != "" && env.To != t.selfID {
		return "mistargeted", true
	}
	if env.SessionID != 0 && env.SessionID != t.sessionID {
		return "stale-session", true
	}
	if env.MsgID != "" && env.Type != TypeLeave && t.dedup.Seen(env.MsgID) {
		return "duplicate", true
	}
	return "", false
}
