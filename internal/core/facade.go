// Package core implements the single entry point a host application
// uses to drive a room: init/join/leave/dispose lifecycle, a typed
// event-hub surface, and a legacy callback block that fires in
// parallel with it (spec §4.8). Grounded on the teacher's
// internal/voice engine, which plays the same "one façade owns every
// subsystem" role for a single audio mixer; here it is generalized to
// own the fabric, local channel, signaling transport, peer state
// machine, liveness manager, and control hub as one cohesive room
// session.
package core

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/p2pconf/core/internal/config"
	"github.com/p2pconf/core/internal/control"
	"github.com/p2pconf/core/internal/dedup"
	"github.com/p2pconf/core/internal/fabric"
	"github.com/p2pconf/core/internal/idgen"
	"github.com/p2pconf/core/internal/localbus"
	"github.com/p2pconf/core/internal/mqttws"
	"github.com/p2pconf/core/internal/observability"
	"github.com/p2pconf/core/internal/peerstate"
	"github.com/p2pconf/core/internal/rtc"
	"github.com/p2pconf/core/internal/session"
	"github.com/p2pconf/core/internal/signal"
)

// signalingState is the coarse lifecycle state reported by the
// signalingState event and getSnapshot() (spec §4.8).
type signalingState string

const (
	StateIdle    signalingState = "idle"
	StateJoining signalingState = "joining"
	StateJoined  signalingState = "joined"
	StateLeaving signalingState = "leaving"
)

var (
	// ErrJoinInProgress is returned by Join when a previous Join call on
	// this facade has not yet completed.
	ErrJoinInProgress = errors.New("core: join already in progress")
	// ErrAlreadyJoined is returned by Join when the facade is already
	// attached to a room; Leave first.
	ErrAlreadyJoined = errors.New("core: already joined a room, leave first")
	// ErrDisposed is returned by any call made after Dispose.
	ErrDisposed = errors.New("core: facade has been disposed")
)

// Facade is the event-hub entry point described in spec §4.8. One
// Facade owns at most one joined room at a time.
type Facade struct {
	cfg        *config.Config
	logger     zerolog.Logger
	metrics    *observability.Metrics
	credLoader *rtc.CachingLoader

	mu       sync.Mutex
	state    signalingState
	disposed bool

	selfID    string
	userName  string
	roomID    string
	sessionID int64

	initOnce sync.Once

	dedup          *dedup.Deduplicator
	fabric         *fabric.Fabric
	localBus       *localbus.Bus
	transport      *signal.Transport
	peers          *peerstate.Machine
	sessionMgr     *session.Manager
	control        *control.Hub
	statsCollector *rtc.Collector
	health         *observability.HealthChecker

	joinCancel context.CancelFunc

	events  eventListeners
	legacy  LegacyCallbacks
	legacyMu sync.RWMutex
}

// New creates a Facade. loader supplies the ICE-server/MQTT-broker
// lists consumed at Init/Join time; pass nil to fall back to cfg's
// static RTC/Fabric sections (and ultimately rtc.DefaultICEServers()
// with no brokers, for same-host-only operation).
func New(cfg *config.Config, loader rtc.Loader, logger zerolog.Logger, metrics *observability.Metrics) *Facade {
	if loader == nil {
		loader = staticLoaderFromConfig(cfg)
	}
	return &Facade{
		cfg:        cfg,
		logger:     logger.With().Str("component", "core").Logger(),
		metrics:    metrics,
		credLoader: rtc.NewCachingLoader(loader, logger),
		state:      StateIdle,
	}
}

// staticLoaderFromConfig builds the StaticLoader fallback from cfg's
// RTC/Fabric sections, applying DefaultICEServers() if none are
// configured.
func staticLoaderFromConfig(cfg *config.Config) rtc.Loader {
	var servers []webrtc.ICEServer
	for _, s := range cfg.RTC.ICEServers {
		servers = append(servers, webrtc.ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential})
	}
	if len(servers) == 0 {
		servers = rtc.DefaultICEServers()
	}
	return rtc.StaticLoader{ICEServers: servers, MQTTBrokers: cfg.Fabric.BrokerURLs}
}

// Init preloads ICE/MQTT credentials. Safe to call more than once; a
// list that already loaded successfully is not reloaded (spec §6).
// Callers do not need to call Init before Join — Join calls it if it
// hasn't run yet — but calling it ahead of time lets a host warm the
// cache before the user picks a room.
func (f *Facade) Init(ctx context.Context) error {
	f.mu.Lock()
	if f.disposed {
		f.mu.Unlock()
		return ErrDisposed
	}
	f.mu.Unlock()

	f.initOnce.Do(func() {
		f.credLoader.Init(ctx)
	})
	return nil
}

// detectPlatform maps the host OS to the signal package's closed
// three-value Platform enum.
func detectPlatform() signal.Platform {
	switch runtime.GOOS {
	case "windows":
		return signal.PlatformWindows
	case "darwin":
		return signal.PlatformMac
	default:
		return signal.PlatformLinux
	}
}

// Join attaches the facade to roomID under userName: it validates the
// room id, resolves (or reuses) the local peer identity, loads ICE/MQTT
// credentials, wires every subsystem, and starts the announce/heartbeat
// loops. Join is not reentrant — call Leave before joining a different
// room.
func (f *Facade) Join(ctx context.Context, roomID, userName string) error {
	if err := signal.ValidateRoomID(roomID); err != nil {
		return err
	}

	f.mu.Lock()
	if f.disposed {
		f.mu.Unlock()
		return ErrDisposed
	}
	switch f.state {
	case StateJoining:
		f.mu.Unlock()
		return ErrJoinInProgress
	case StateJoined, StateLeaving:
		f.mu.Unlock()
		return ErrAlreadyJoined
	}
	f.state = StateJoining
	f.mu.Unlock()
	f.emitSignalingState(StateJoining)

	f.credLoader.Init(ctx)

	if f.selfID == "" {
		id, err := idgen.NewPeerID()
		if err != nil {
			f.mu.Lock()
			f.state = StateIdle
			f.mu.Unlock()
			f.emitSignalingState(StateIdle)
			return fmt.Errorf("core: generate peer id: %w", err)
		}
		f.selfID = id
	}
	f.userName = userName
	f.roomID = roomID
	sessionID := time.Now().UnixNano()
	f.sessionID = sessionID

	iceServers, err := f.credLoader.ICEServers(ctx)
	if err != nil {
		f.logger.Warn().Err(err).Msg("continuing with no ICE servers")
	}

	brokerURLs, err := f.credLoader.MQTTBrokers(ctx)
	if err != nil {
		f.logger.Warn().Err(err).Msg("continuing with no MQTT brokers, same-host channel only")
	}

	var creds *mqttws.Credentials
	if f.cfg.Fabric.Username != "" || f.cfg.Fabric.Password != "" {
		creds = &mqttws.Credentials{Username: f.cfg.Fabric.Username, Password: f.cfg.Fabric.Password}
	}

	f.dedup = dedup.New()
	f.fabric = fabric.New(brokerURLs, f.selfID, creds, f.dedup, f.logger)
	connected := f.fabric.ConnectAll(ctx)
	if connected == 0 && len(brokerURLs) > 0 {
		f.logger.Warn().Msg("no MQTT broker reachable, continuing with same-host channel only")
	}
	if f.metrics != nil {
		for _, b := range f.fabric.Snapshot() {
			state := 0.0
			if b.Connected {
				state = 1.0
			}
			f.metrics.BrokerConnected.WithLabelValues(b.URL).Set(state)
		}
	}

	var local signal.LocalChannel
	bus, err := localbus.New(roomID, f.selfID, f.logger)
	if err != nil {
		f.logger.Warn().Err(err).Msg("same-host discovery channel unavailable, continuing with fabric only")
	} else {
		f.localBus = bus
		local = bus
	}

	f.transport = signal.New(f.fabric, local, f.dedup, f.logger, f.selfID, roomID, sessionID)

	if connected == 0 && local == nil {
		f.emitError(fmt.Errorf("core: no MQTT broker reachable and no same-host channel available"), "join")
	}

	newPC := func() (rtc.PeerConnection, error) {
		return rtc.NewPeerConnection(iceServers)
	}
	f.peers = peerstate.New(f.selfID, f.transport, newPC, f.logger)

	identity := session.Identity{SelfID: f.selfID, UserName: userName, Platform: string(detectPlatform())}
	f.sessionMgr = session.New(identity, sessionID, f.transport, f.fabric, f.peers, f.logger)

	f.control = control.New(f.selfID, f.peers, f.logger)
	f.statsCollector = rtc.NewCollector()

	f.health = observability.NewHealthChecker(f.logger, f.cfg.App.Version)
	f.health.RegisterCheck(observability.CheckFabric, observability.FabricHealthCheck(func() int {
		connected := 0
		for _, b := range f.fabric.Snapshot() {
			if b.Connected {
				connected++
			}
		}
		return connected
	}))
	f.health.RegisterCheck(observability.CheckSignaling, observability.SignalingHealthCheck(func() bool {
		return f.sessionMgr.NetworkSnapshot().IsOnline
	}))

	f.wirePeerCallbacks()
	f.wireControlCallbacks()
	f.transport.OnEnvelope(f.handleEnvelope)

	_, cancel := context.WithCancel(context.Background())
	f.joinCancel = cancel

	f.sessionMgr.OnNetworkStatus(f.emitNetworkStatus)

	f.transport.Start(ctx)
	f.sessionMgr.StartAnnounce()
	f.sessionMgr.StartHeartbeat()

	f.mu.Lock()
	f.state = StateJoined
	f.mu.Unlock()
	f.emitSignalingState(StateJoined)

	return nil
}

// resubscribe re-subscribes the transport to the room topic on every
// broker that just (re)connected, used by the network-loss recovery
// workflow in internal/session.
func (f *Facade) resubscribe(ctx context.Context) func() {
	return func() {
		f.transport.Start(ctx)
	}
}

// restartPeerICE is the per-peer restart closure handed to
// session.Manager's disconnect-grace expiry and network-recovery paths.
func (f *Facade) restartPeerICE(peer *peerstate.Peer) {
	if f.metrics != nil {
		f.metrics.ICERestartsTotal.WithLabelValues("attempted").Inc()
	}
	f.sessionMgr.AttemptICERestart(peer, func() error {
		return f.peers.RestartICE(peer)
	}, func() {
		if f.metrics != nil {
			f.metrics.ICERestartsTotal.WithLabelValues("exhausted").Inc()
		}
		f.peers.HandleLeave(peer.PeerID)
		if f.peers.HealthyPeerCount() == 0 {
			f.sessionMgr.RestartDiscovery()
		}
	})
}

// Leave tears the room down: stops the announce/heartbeat loops,
// best-effort broadcasts a leave envelope, closes every peer
// connection, disconnects the fabric, closes the local channel, and
// resets every subsystem's state. Leave is infallible (spec §7) — it
// always succeeds from the caller's point of view, logging anything
// that goes wrong along the way.
func (f *Facade) Leave(reason string) {
	f.mu.Lock()
	if f.state == StateIdle || f.state == StateLeaving {
		f.mu.Unlock()
		return
	}
	f.state = StateLeaving
	f.mu.Unlock()
	f.emitSignalingState(StateLeaving)

	if f.joinCancel != nil {
		f.joinCancel()
	}

	if f.transport != nil {
		f.transport.Broadcast(signal.Envelope{Type: signal.TypeLeave})
	}

	if f.sessionMgr != nil {
		f.sessionMgr.Reset()
	}
	if f.peers != nil {
		f.peers.RemoveAll()
	}
	if f.control != nil {
		f.control.Reset()
	}
	if f.fabric != nil {
		f.fabric.Disconnect()
	}
	if f.localBus != nil {
		if err := f.localBus.Close(); err != nil {
			f.logger.Debug().Err(err).Msg("error closing local channel")
		}
	}
	f.health = nil

	f.mu.Lock()
	f.state = StateIdle
	f.mu.Unlock()
	f.emitSignalingState(StateIdle)
}

// Dispose leaves the current room (if any) and permanently retires the
// facade: no further Init/Join calls will succeed, and every listener
// is dropped.
func (f *Facade) Dispose() {
	f.Leave("disposed")

	f.mu.Lock()
	f.disposed = true
	f.mu.Unlock()

	f.legacyMu.Lock()
	f.legacy = LegacyCallbacks{}
	f.legacyMu.Unlock()

	f.events.clear()
}
