// Package fabric owns the set of MQTT brokers a session is attached to:
// it fans outbound publishes to every connected broker, deduplicates
// inbound deliveries across brokers by msgId, and drives a per-broker
// exponential-backoff reconnect with resubscription on recovery.
package fabric

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p2pconf/core/internal/dedup"
	"github.com/p2pconf/core/internal/mqttws"
)

const (
	maxReconnectAttempts = 5
	baseBackoff          = 2 * time.Second
	maxBackoff           = 30 * time.Second
	backoffFactor        = 1.5
	jitterFraction       = 0.15
)

// BrokerSnapshot is the per-broker health surface exposed through the
// facade's getSnapshot().debugInfo.
type BrokerSnapshot struct {
	URL               string
	Connected         bool
	ReconnectAttempts int
}

type retainedSub struct {
	topic   string
	handler mqttws.PublishHandler
}

// Fabric fans signaling traffic out across every configured broker.
type Fabric struct {
	clientID string
	creds    *mqttws.Credentials
	dedup    *dedup.Deduplicator
	logger   zerolog.Logger

	mu                 sync.Mutex
	clients            map[string]*mqttws.Client
	reconnectAttempts  map[string]int
	reconnectTimers    map[string]*time.Timer
	suppressReconnect  map[string]bool
	subs               []retainedSub
	shuttingDown       bool
}

// New creates a Fabric over the given broker URLs. Clients are not
// dialed until ConnectAll is called.
func New(brokerURLs []string, clientID string, creds *mqttws.Credentials, dd *dedup.Deduplicator, logger zerolog.Logger) *Fabric {
	f := &Fabric{
		clientID:          clientID,
		creds:             creds,
		dedup:             dd,
		logger:            logger.With().Str("component", "fabric").Logger(),
		clients:           make(map[string]*mqttws.Client),
		reconnectAttempts: make(map[string]int),
		reconnectTimers:   make(map[string]*time.Timer),
		suppressReconnect: make(map[string]bool),
	}
	for _, url := range brokerURLs {
		f.clients[url] = mqttws.NewClient(url, clientID, logger)
	}
	return f
}

// ConnectAll dials every broker concurrently and returns the number
// that succeeded. A fully failed fan-out (0 connected) is a valid,
// reportable outcome rather than an error.
func (f *Fabric) ConnectAll(ctx context.Context) int {
	f.mu.Lock()
	urls := make([]string, 0, len(f.clients))
	for url := range f.clients {
		urls = append(urls, url)
	}
	f.mu.Unlock()

	var wg sync.WaitGroup
	var mu sync.Mutex
	connected := 0

	for _, url := range urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			if f.connectOne(ctx, url) {
				mu.Lock()
				connected++
				mu.Unlock()
			}
		}(url)
	}
	wg.Wait()
	return connected
}

func (f *Fabric) connectOne(ctx context.Context, url string) bool {
	f.mu.Lock()
	client := f.clients[url]
	f.mu.Unlock()
	if client == nil {
		return false
	}

	client.OnDisconnect(func() { f.onBrokerDisconnect(url) })

	if err := client.Connect(ctx, f.creds); err != nil {
		f.logger.Warn().Err(err).Str("broker", url).Msg("broker connect failed")
		f.scheduleReconnect(url)
		return false
	}

	f.mu.Lock()
	f.reconnectAttempts[url] = 0
	subs := append([]retainedSub(nil), f.subs...)
	f.mu.Unlock()

	for _, sub := range subs {
		f.subscribeOne(ctx, url, sub.topic, sub.handler)
	}
	return true
}

// SubscribeAll subscribes every currently connected client to topic,
// wrapping handler with a dedup check keyed on the envelope's msgId
// (extracted by msgIDFromPayload, a cheap field-only JSON probe).
//
// handler is an unnamed func type, not mqttws.PublishHandler, so that
// *Fabric satisfies signal.Publisher's identically-shaped method
// structurally without either package importing the other's named type.
func (f *Fabric) SubscribeAll(ctx context.Context, topic string, handler func(topic string, payload []byte), msgIDFromPayload func([]byte) string) {
	wrapped := func(t string, payload []byte) {
		id := msgIDFromPayload(payload)
		if id != "" && f.dedup.Seen(id) {
			return
		}
		handler(t, payload)
	}

	f.mu.Lock()
	f.subs = append(f.subs, retainedSub{topic: topic, handler: wrapped})
	urls := make([]string, 0, len(f.clients))
	for url := range f.clients {
		urls = append(urls, url)
	}
	f.mu.Unlock()

	for _, url := range urls {
		f.subscribeOne(ctx, url, topic, wrapped)
	}
}

func (f *Fabric) subscribeOne(ctx context.Context, url, topic string, handler func(topic string, payload []byte)) {
	f.mu.Lock()
	client := f.clients[url]
	f.mu.Unlock()
	if client == nil || !client.Connected() {
		return
	}
	if err := client.Subscribe(ctx, topic, handler); err != nil {
		f.logger.Warn().Err(err).Str("broker", url).Str("topic", topic).Msg("subscribe failed")
	}
}

// Publish fans payload out to every connected broker, best-effort;
// per-broker failures are ignored (the caller has no single broker to
// blame).
func (f *Fabric) Publish(topic string, payload []byte) {
	f.mu.Lock()
	clients := make([]*mqttws.Client, 0, len(f.clients))
	for _, c := range f.clients {
		clients = append(clients, c)
	}
	f.mu.Unlock()

	for _, c := range clients {
		if c.Connected() {
			c.Publish(topic, payload)
		}
	}
}

// Snapshot reports per-broker connectivity and reconnect-attempt counts.
func (f *Fabric) Snapshot() []BrokerSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]BrokerSnapshot, 0, len(f.clients))
	for url, c := range f.clients {
		out = append(out, BrokerSnapshot{
			URL:               url,
			Connected:         c.Connected(),
			ReconnectAttempts: f.reconnectAttempts[url],
		})
	}
	return out
}

// Disconnect cancels all reconnect timers, closes every client, and
// clears subscription bookkeeping and the deduplicator.
func (f *Fabric) Disconnect() {
	f.mu.Lock()
	f.shuttingDown = true
	for url := range f.clients {
		f.suppressReconnect[url] = true
	}
	for url, timer := range f.reconnectTimers {
		timer.Stop()
		delete(f.reconnectTimers, url)
	}
	clients := make([]*mqttws.Client, 0, len(f.clients))
	for _, c := range f.clients {
		clients = append(clients, c)
	}
	f.subs = nil
	f.mu.Unlock()

	for _, c := range clients {
		c.Disconnect()
	}
	f.dedup.Clear()
}

func (f *Fabric) onBrokerDisconnect(url string) {
	f.mu.Lock()
	suppressed := f.suppressReconnect[url]
	f.suppressReconnect[url] = false
	f.mu.Unlock()

	if suppressed {
		return
	}
	f.scheduleReconnect(url)
}

func (f *Fabric) scheduleReconnect(url string) {
	f.mu.Lock()
	if f.shuttingDown {
		f.mu.Unlock()
		return
	}
	f.reconnectAttempts[url]++
	attempt := f.reconnectAttempts[url]
	f.mu.Unlock()

	if attempt > maxReconnectAttempts {
		f.logger.Warn().Str("broker", url).Msg("broker exhausted reconnect attempts, giving up")
		return
	}

	delay := backoffDelay(attempt)
	f.logger.Info().Str("broker", url).Int("attempt", attempt).Dur("delay", delay).Msg("scheduling broker reconnect")

	timer := time.AfterFunc(delay, func() {
		f.connectOne(context.Background(), url)
	})

	f.mu.Lock()
	f.reconnectTimers[url] = timer
	f.mu.Unlock()
}

// backoffDelay computes min(30s, 2s * 1.5^(attempt-1)) with +-15% jitter.
func backoffDelay(attempt int) time.Duration {
	base := float64(baseBackoff) * pow(backoffFactor, attempt-1)
	if base > float64(maxBackoff) {
		base = float64(maxBackoff)
	}
	jitter := (rand.Float64()*2 - 1) * jitterFraction * base
	return time.Duration(base + jitter)
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}
