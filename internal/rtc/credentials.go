package rtc

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Loader is the credential loader consumed by the facade (spec §6):
// getICEServers()/getMQTTBrokers(), each normally backed by a remote
// config endpoint. Grounded on the teacher's
// internal/voice/ice_config.go ICECredentialsProvider, generalized from
// TURN-REST credential minting to a flat static/fetched server list
// since this core has no per-user TURN credential scheme.
type Loader interface {
	LoadICEServers(ctx context.Context) ([]webrtc.ICEServer, error)
	LoadMQTTBrokers(ctx context.Context) ([]string, error)
}

// StaticLoader returns a fixed list, used when no remote credential
// endpoint is configured (e.g. local/offline testing, or a deployment
// that only needs STUN and a fixed broker set).
type StaticLoader struct {
	ICEServers   []webrtc.ICEServer
	MQTTBrokers  []string
}

func (s StaticLoader) LoadICEServers(_ context.Context) ([]webrtc.ICEServer, error) {
	return s.ICEServers, nil
}

func (s StaticLoader) LoadMQTTBrokers(_ context.Context) ([]string, error) {
	return s.MQTTBrokers, nil
}

// DefaultICEServers mirrors the teacher's DefaultEngineConfig STUN
// fallback, used when no TURN/STUN list has been configured at all.
func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{URLs: []string{"stun:stun1.l.google.com:19302"}},
	}
}

// CachingLoader wraps a Loader so the first successful load of each
// list is cached process-wide, per spec §6 ("Results are cached; first
// successful load populates process-wide lists. Load failures are
// logged and tolerated (same-host mode still works).").
type CachingLoader struct {
	inner  Loader
	logger zerolog.Logger

	mu          sync.Mutex
	iceServers  []webrtc.ICEServer
	iceLoaded   bool
	mqttBrokers []string
	mqttLoaded  bool
}

// NewCachingLoader wraps inner with caching and tolerant-failure
// semantics. inner may be nil, in which case every load is treated as
// already-failed and callers fall back to DefaultICEServers/an empty
// broker list — same-host mode keeps working without ICE/MQTT.
func NewCachingLoader(inner Loader, logger zerolog.Logger) *CachingLoader {
	return &CachingLoader{inner: inner, logger: logger.With().Str("component", "rtc-credentials").Logger()}
}

// Init preloads both lists. Safe to call twice — once a list has
// loaded successfully, subsequent calls are no-ops for it, matching
// the facade's "safe to call init twice" contract.
func (c *CachingLoader) Init(ctx context.Context) {
	c.mu.Lock()
	alreadyLoaded := c.iceLoaded && c.mqttLoaded
	c.mu.Unlock()
	if alreadyLoaded {
		return
	}
	if _, err := c.ICEServers(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("ICE server load failed, continuing without TURN/STUN")
	}
	if _, err := c.MQTTBrokers(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("MQTT broker load failed, continuing with same-host channel only")
	}
}

// ICEServers returns the cached ICE server list, loading it on first
// call. A failed load is tolerated: it returns the error but does not
// poison future attempts.
func (c *CachingLoader) ICEServers(ctx context.Context) ([]webrtc.ICEServer, error) {
	c.mu.Lock()
	if c.iceLoaded {
		servers := c.iceServers
		c.mu.Unlock()
		return servers, nil
	}
	c.mu.Unlock()

	if c.inner == nil {
		return nil, errNoLoaderConfigured
	}

	servers, err := c.inner.LoadICEServers(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.iceServers = servers
	c.iceLoaded = true
	c.mu.Unlock()
	return servers, nil
}

// MQTTBrokers returns the cached broker URL list, loading it on first call.
func (c *CachingLoader) MQTTBrokers(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	if c.mqttLoaded {
		brokers := c.mqttBrokers
		c.mu.Unlock()
		return brokers, nil
	}
	c.mu.Unlock()

	if c.inner == nil {
		return nil, errNoLoaderConfigured
	}

	brokers, err := c.inner.LoadMQTTBrokers(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.mqttBrokers = brokers
	c.mqttLoaded = true
	c.mu.Unlock()
	return brokers, nil
}

type loaderError string

func (e loaderError) Error() string { return string(e) }

const errNoLoaderConfigured = loaderError("rtc: no credential loader configured")
