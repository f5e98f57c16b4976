// Package signal implements the room-wide signaling transport: the
// envelope wire shape, room-topic naming, room-id validation, and the
// inbound filter that drops self-echoes, mistargeted, stale-session,
// and duplicate envelopes before they ever reach the state machine.
package signal

import "encoding/json"

// Type enumerates the known envelope payload kinds.
type Type string

const (
	TypeAnnounce     Type = "announce"
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeICECandidate Type = "ice-candidate"
	TypeLeave        Type = "leave"
	TypePing         Type = "ping"
	TypePong         Type = "pong"
	TypeMuteStatus   Type = "mute-status"
	TypeRoomLock     Type = "room-lock"
	TypeRoomLocked   Type = "room-locked"
)

// ProtocolVersion is the "v" field stamped on every outbound envelope.
const ProtocolVersion = 1

// Platform identifies the host OS family of a peer.
type Platform string

const (
	PlatformWindows Platform = "win"
	PlatformMac     Platform = "mac"
	PlatformLinux   Platform = "linux"
)

// Envelope is the JSON control object carried over MQTT or the
// same-host channel.
type Envelope struct {
	V         int             `json:"v"`
	Type      Type            `json:"type"`
	From      string          `json:"from"`
	To        string          `json:"to,omitempty"`
	MsgID     string          `json:"msgId"`
	SessionID int64           `json:"sessionId"`
	TS        int64           `json:"ts"`
	UserName  string          `json:"userName,omitempty"`
	Platform  Platform        `json:"platform,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// quietTypes suppress debug-level transport logging to cut noise on
// high-frequency traffic.
var quietTypes = map[Type]bool{
	TypePing:       true,
	TypePong:       true,
	TypeMuteStatus: true,
}

// IsQuiet reports whether envelopes of this type should skip debug logs.
func (t Type) IsQuiet() bool {
	return quietTypes[t]
}

// msgIDProbe extracts the "msgId" field from raw envelope JSON without
// a full unmarshal, for the fabric's dedup wrapper which only needs the
// id and must stay cheap on the hot inbound path.
func msgIDProbe(payload []byte) string {
	var probe struct {
		MsgID string `json:"msgId"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	return probe.MsgID
}
