// Package idgen generates the identifiers used throughout the signaling
// core: the process-wide peer id, per-envelope message ids, and the
// correlation ids used by request/response control protocols.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// PeerIDLength is the fixed length of a self-assigned peer id.
// Collision space is 62^16, treated as impossible in practice.
const PeerIDLength = 16

// NewPeerID returns a 16-char alphanumeric identifier drawn from a
// cryptographic RNG. Called once per process, at join time.
func NewPeerID() (string, error) {
	out := make([]byte, PeerIDLength)
	idx := make([]byte, PeerIDLength)
	if _, err := rand.Read(idx); err != nil {
		return "", fmt.Errorf("idgen: peer id: %w", err)
	}
	for i, b := range idx {
		out[i] = alphanumeric[int(b)%len(alphanumeric)]
	}
	return string(out), nil
}

// NewMessageID returns a random 16-hex-char id for stamping envelopes
// that don't already carry one.
func NewMessageID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is a process-level emergency; fall back to
		// a uuid-derived value rather than sending an unidentifiable envelope.
		return uuid.NewString()[:16]
	}
	return hex.EncodeToString(buf)
}

// NewRequestID returns a correlation id for request/response control
// protocols (remote-mic handoff, mute-all). These have no length
// contract, unlike selfId/msgId, so a standard uuid is used.
func NewRequestID() string {
	return uuid.NewString()
}
