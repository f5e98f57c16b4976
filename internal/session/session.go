// Package session implements the liveness and reconnect logic of spec
// §4.6: announce cadence with steady-state exit, heartbeat pings,
// disconnect grace, the ICE restart ladder, and process-level network
// loss recovery. Grounded on the teacher's internal/presence.Tracker
// (seen-map + reaper goroutine), generalized from "is this user still
// online" bookkeeping to the full announce/heartbeat/ICE-ladder cycle.
package session

import (
	"context"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/p2pconf/core/internal/peerstate"
	"github.com/p2pconf/core/internal/signal"
)

const (
	announceInterval   = 3 * time.Second
	announceSteadyWait = 60 * time.Second
	heartbeatInterval  = 5 * time.Second
	heartbeatStaleness = 10 * time.Second
	disconnectGrace    = 15 * time.Second
	maxICERestarts     = 3

	networkReconnectMaxAttempts = 5
	networkReconnectBaseDelay   = 2 * time.Second
	networkReconnectMaxDelay    = 30 * time.Second
	networkReconnectFactor      = 1.5
	networkReconnectJitter      = 0.15
)

// Broadcaster is the subset of signal.Transport the manager needs to
// emit room-wide announce/ping/pong envelopes.
type Broadcaster interface {
	Broadcast(msg signal.Envelope)
	SendToPeer(peerID string, msg signal.Envelope)
}

// Fabric is the subset of the multi-broker fabric needed for
// process-level network-loss recovery.
type Fabric interface {
	ConnectAll(ctx context.Context) int
}

// Identity carries the fields stamped on every outbound announce.
type Identity struct {
	SelfID   string
	UserName string
	Platform string
}

// Manager owns the announce loop, heartbeat loop, and per-peer
// disconnect-grace / ICE-restart timers for the current room.
type Manager struct {
	mu sync.Mutex

	identity  Identity
	sessionID int64
	transport Broadcaster
	fabric    Fabric
	peers     *peerstate.Machine
	logger    zerolog.Logger

	announceStart   time.Time
	announceTicker  *time.Ticker
	announceStop    chan struct{}
	announceRunning bool

	heartbeatTicker *time.Ticker
	heartbeatStop   chan struct{}

	lastSeen map[string]time.Time

	offlineInRoom        bool
	wasInRoomWhenOffline bool
	networkAttempts      int

	onNetworkStatus func(isOnline bool)
}

// New creates a liveness manager. sessionID is the session id current
// at construction; advance it with SetSessionID on every join.
func New(identity Identity, sessionID int64, transport Broadcaster, fabric Fabric, peers *peerstate.Machine, logger zerolog.Logger) *Manager {
	return &Manager{
		identity:  identity,
		sessionID: sessionID,
		transport: transport,
		fabric:    fabric,
		peers:     peers,
		lastSeen:  make(map[string]time.Time),
		logger:    logger.With().Str("component", "session").Logger(),
	}
}

func (m *Manager) SetSessionID(sessionID int64) {
	m.mu.Lock()
	m.sessionID = sessionID
	m.mu.Unlock()
}

// OnNetworkStatus registers a callback fired whenever process-level
// online/offline status changes.
func (m *Manager) OnNetworkStatus(fn func(isOnline bool)) {
	m.onNetworkStatus = fn
}

// Touch refreshes peerLastSeen[p], called for every inbound envelope
// regardless of type (spec §4.6: "Every receipt of any envelope from p
// refreshes peerLastSeen[p]").
func (m *Manager) Touch(peerID string) {
	m.mu.Lock()
	m.lastSeen[peerID] = time.Now()
	m.mu.Unlock()
}

// StartAnnounce begins the announce loop: emit immediately, then every
// 3s, exiting steady-state per spec §4.5 once healthyPeerCount≥1 and
// ≥60s have elapsed. Safe to call again after StopAnnounce (e.g. on
// rediscovery restart) — each call resets announceStartTime.
func (m *Manager) StartAnnounce() {
	m.mu.Lock()
	if m.announceRunning {
		m.mu.Unlock()
		return
	}
	m.announceRunning = true
	m.announceStart = time.Now()
	m.announceStop = make(chan struct{})
	stop := m.announceStop
	m.mu.Unlock()

	m.emitAnnounce()

	go func() {
		ticker := time.NewTicker(announceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.mu.Lock()
				elapsed := time.Since(m.announceStart)
				m.mu.Unlock()
				if m.peers.HealthyPeerCount() >= 1 && elapsed >= announceSteadyWait {
					m.StopAnnounce()
					return
				}
				m.emitAnnounce()
			}
		}
	}()
}

// StopAnnounce halts the announce loop without affecting any other state.
func (m *Manager) StopAnnounce() {
	m.mu.Lock()
	if !m.announceRunning {
		m.mu.Unlock()
		return
	}
	m.announceRunning = false
	close(m.announceStop)
	m.mu.Unlock()
}

// RestartDiscovery is called whenever healthyPeerCount drops to 0
// while still in the room (spec §4.5's re-entry condition).
func (m *Manager) RestartDiscovery() {
	m.StopAnnounce()
	m.StartAnnounce()
}

func (m *Manager) emitAnnounce() {
	m.mu.Lock()
	sessionID := m.sessionID
	m.mu.Unlock()
	m.transport.Broadcast(signal.Envelope{
		Type:      signal.TypeAnnounce,
		SessionID: sessionID,
		UserName:  m.identity.UserName,
		Platform:  signal.Platform(m.identity.Platform),
	})
}

// StartHeartbeat begins the 5s heartbeat loop: for each peer record, if
// last inbound is >10s old or none has been seen, send a targeted ping.
// Peers are not filtered by connection state: records still negotiating
// are pinged as well.
func (m *Manager) StartHeartbeat() {
	m.mu.Lock()
	if m.heartbeatTicker != nil {
		m.mu.Unlock()
		return
	}
	m.heartbeatTicker = time.NewTicker(heartbeatInterval)
	m.heartbeatStop = make(chan struct{})
	ticker := m.heartbeatTicker
	stop := m.heartbeatStop
	m.mu.Unlock()

	go func() {
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.checkPeerLiveness()
			}
		}
	}()
}

func (m *Manager) checkPeerLiveness() {
	now := time.Now()
	for _, p := range m.peers.Peers() {
		m.mu.Lock()
		last, ok := m.lastSeen[p.PeerID]
		m.mu.Unlock()
		if ok && now.Sub(last) <= heartbeatStaleness {
			continue
		}
		m.transport.SendToPeer(p.PeerID, signal.Envelope{Type: signal.TypePing})
	}
}

// StopHeartbeat halts the heartbeat loop.
func (m *Manager) StopHeartbeat() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.heartbeatTicker == nil {
		return
	}
	m.heartbeatTicker.Stop()
	close(m.heartbeatStop)
	m.heartbeatTicker = nil
}

// HandlePing replies to a targeted ping with a pong.
func (m *Manager) HandlePing(peerID string) {
	m.transport.SendToPeer(peerID, signal.Envelope{Type: signal.TypePong})
}

// StartDisconnectGrace arms the 15s disconnect timer for peerID. If it
// fires without being cancelled, onExpire runs the ICE restart ladder.
func (m *Manager) StartDisconnectGrace(peer *peerstate.Peer, onExpire func()) {
	peer.DisconnectTimer = time.AfterFunc(disconnectGrace, onExpire)
}

// CancelDisconnectGrace stops peer's disconnect timer if armed, called
// when the connection recovers before expiry.
func (m *Manager) CancelDisconnectGrace(peer *peerstate.Peer) {
	if peer.DisconnectTimer != nil {
		peer.DisconnectTimer.Stop()
		peer.DisconnectTimer = nil
	}
}

// AttemptICERestart runs one rung of the restart ladder for peer,
// capped at 3 attempts (spec §4.6). restartFn should call
// createOffer({iceRestart:true})/setLocalDescription and send the
// resulting offer; onExhausted is invoked once the cap is reached.
func (m *Manager) AttemptICERestart(peer *peerstate.Peer, restartFn func() error, onExhausted func()) {
	if peer.IceRestartAttempts >= maxICERestarts {
		onExhausted()
		return
	}
	peer.IceRestartAttempts++
	peer.IceRestartInProgress = true
	if err := restartFn(); err != nil {
		m.logger.Warn().Err(err).Str("peer_id", peer.PeerID).Int("attempt", peer.IceRestartAttempts).Msg("ICE restart attempt failed")
		if peer.IceRestartAttempts >= maxICERestarts {
			onExhausted()
		}
	}
}

// ResetICERestart clears a peer's restart ladder state on recovery.
func (m *Manager) ResetICERestart(peer *peerstate.Peer) {
	peer.IceRestartAttempts = 0
	peer.IceRestartInProgress = false
}

// NetworkOffline latches offline-in-room state, called when the host
// OS reports the network went away while a room is joined.
func (m *Manager) NetworkOffline() {
	m.mu.Lock()
	m.offlineInRoom = true
	m.wasInRoomWhenOffline = true
	m.mu.Unlock()
	if m.onNetworkStatus != nil {
		m.onNetworkStatus(false)
	}
}

// NetworkOnline runs the process-level reconnect workflow of spec
// §4.6: fabric reconnect with backoff, resubscribe (performed by the
// caller via resubscribe, since topic/handler live outside this
// package), restart discovery, and trigger ICE restart for any peer
// stuck in disconnected/failed.
func (m *Manager) NetworkOnline(ctx context.Context, resubscribe func(), restartPeerICE func(*peerstate.Peer)) {
	m.mu.Lock()
	wasOffline := m.offlineInRoom
	m.offlineInRoom = false
	m.mu.Unlock()
	if !wasOffline {
		return
	}
	m.reconnect(ctx, resubscribe, restartPeerICE)
}

// ManualReconnect behaves identically to NetworkOnline's recovery
// workflow but bypasses the offline latch, for a UI-triggered retry.
func (m *Manager) ManualReconnect(ctx context.Context, resubscribe func(), restartPeerICE func(*peerstate.Peer)) {
	m.reconnect(ctx, resubscribe, restartPeerICE)
}

func (m *Manager) reconnect(ctx context.Context, resubscribe func(), restartPeerICE func(*peerstate.Peer)) {
	connected := m.connectWithBackoff(ctx)
	if connected == 0 {
		m.logger.Warn().Msg("network reconnect exhausted attempts with no broker connected")
	}
	resubscribe()

	m.RestartDiscovery()

	for _, p := range m.peers.Peers() {
		if p.PC == nil {
			continue
		}
		switch p.PC.ICEConnectionState() {
		case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateFailed:
			p.IceRestartAttempts = 0
			restartPeerICE(p)
		}
	}

	if m.onNetworkStatus != nil {
		m.onNetworkStatus(true)
	}
}

func (m *Manager) connectWithBackoff(ctx context.Context) int {
	attempt := 0
	for attempt < networkReconnectMaxAttempts {
		attempt++
		m.mu.Lock()
		m.networkAttempts = attempt
		m.mu.Unlock()

		n := m.fabric.ConnectAll(ctx)
		if n > 0 {
			m.mu.Lock()
			m.networkAttempts = 0
			m.mu.Unlock()
			return n
		}
		if attempt >= networkReconnectMaxAttempts {
			break
		}
		time.Sleep(backoffDelay(attempt))
	}
	return 0
}

// backoffDelay computes min(30s, 2s * 1.5^(attempt-1)) with +-15%
// jitter, matching the fabric's per-broker backoff (internal/fabric).
func backoffDelay(attempt int) time.Duration {
	delay := float64(networkReconnectBaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= networkReconnectFactor
	}
	if delay > float64(networkReconnectMaxDelay) {
		delay = float64(networkReconnectMaxDelay)
	}
	jitter := (mrand.Float64()*2 - 1) * networkReconnectJitter * delay
	return time.Duration(delay + jitter)
}

// NetworkSnapshot is the network-facing portion of the facade's
// getSnapshot() (spec §4.8).
type NetworkSnapshot struct {
	IsOnline             bool
	WasInRoomWhenOffline bool
	ReconnectAttempts    int
}

func (m *Manager) NetworkSnapshot() NetworkSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return NetworkSnapshot{
		IsOnline:             !m.offlineInRoom,
		WasInRoomWhenOffline: m.wasInRoomWhenOffline,
		ReconnectAttempts:    m.networkAttempts,
	}
}

// Reset clears all liveness state, called on leave/dispose.
func (m *Manager) Reset() {
	m.StopAnnounce()
	m.StopHeartbeat()
	m.mu.Lock()
	m.lastSeen = make(map[string]time.Time)
	m.offlineInRoom = false
	m.wasInRoomWhenOffline = false
	m.networkAttempts = 0
	m.mu.Unlock()
}
