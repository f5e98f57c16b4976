// Package mqttws implements a single-broker MQTT 3.1.1 client carried
// over a WebSocket binary-frame transport, built on the teacher's
// signaling-client shape (mutex-guarded connection, handler registry,
// cancellable read loop) and the codec in internal/mqttcodec.
package mqttws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/p2pconf/core/internal/mqttcodec"
)

const (
	connectTimeout   = 10 * time.Second
	keepAliveSend    = 20 * time.Second
	keepAliveDeclare = 60 * time.Second
)

// ErrNotConnected is returned by operations that require an open session.
var ErrNotConnected = errors.New("mqttws: not connected")

// ErrKeepAliveTimeout is the close reason when PINGRESP doesn't arrive in time.
var ErrKeepAliveTimeout = errors.New("mqttws: keep-alive timeout")

// Credentials carries optional CONNECT username/password.
type Credentials struct {
	Username string
	Password string
}

// PublishHandler receives a decoded inbound PUBLISH payload for a
// subscribed topic.
type PublishHandler func(topic string, payload []byte)

// Subscription is a retained topic/handler pair, surfaced so callers
// (the fabric) can replay subscriptions across a reconnect.
type Subscription struct {
	Topic   string
	Handler PublishHandler
}

// Client is a single-broker MQTT session.
type Client struct {
	url      string
	clientID string
	logger   zerolog.Logger

	mu           sync.Mutex
	conn         *websocket.Conn
	connected    bool
	acc          *mqttcodec.Accumulator
	nextPacketID uint16
	subsByTopic  map[string]PublishHandler
	pendingSubs  map[uint16]chan error
	lastSend     time.Time

	onDisconnect func()
	disconnectFired bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient creates a client bound to a single broker URL. clientID is
// used verbatim as the MQTT CONNECT client identifier.
func NewClient(url, clientID string, logger zerolog.Logger) *Client {
	return &Client{
		url:         url,
		clientID:    clientID,
		logger:      logger.With().Str("component", "mqttws").Str("broker", url).Logger(),
		acc:         mqttcodec.NewAccumulator(),
		subsByTopic: make(map[string]PublishHandler),
		pendingSubs: make(map[uint16]chan error),
	}
}

// OnDisconnect registers a callback fired at most once per connected
// session when the transport closes, whether initiated locally or not.
func (c *Client) OnDisconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = fn
}

// Connect dials the broker, performs the MQTT handshake, and starts the
// read and keep-alive loops. It resolves once CONNACK return code 0 is received.
func (c *Client) Connect(parent context.Context, creds *Credentials) error {
	dialCtx, cancelDial := context.WithTimeout(parent, connectTimeout)
	defer cancelDial()

	dialer := websocket.Dialer{HandshakeTimeout: connectTimeout}
	conn, _, err := dialer.DialContext(dialCtx, c.url, nil)
	if err != nil {
		return fmt.Errorf("mqttws: dial: %w", err)
	}

	opts := mqttcodec.ConnectOptions{
		ClientID:     c.clientID,
		KeepAlive:    uint16(keepAliveDeclare.Seconds()),
		CleanSession: true,
	}
	if creds != nil {
		opts.Username = creds.Username
		opts.Password = creds.Password
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, mqttcodec.EncodeConnect(opts)); err != nil {
		_ = conn.Close()
		return fmt.Errorf("mqttws: send connect: %w", err)
	}

	connAckCh := make(chan error, 1)
	c.mu.Lock()
	c.conn = conn
	c.lastSend = time.Now()
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.readLoop(ctx, connAckCh)
	go c.keepAliveLoop(ctx)

	select {
	case err := <-connAckCh:
		if err != nil {
			cancel()
			return err
		}
	case <-dialCtx.Done():
		cancel()
		return fmt.Errorf("mqttws: connect timeout")
	}

	c.mu.Lock()
	c.connected = true
	c.disconnectFired = false
	c.mu.Unlock()

	c.logger.Info().Msg("mqtt connected")
	return nil
}

// Subscribe registers handler for topic, issuing a SUBSCRIBE and
// waiting for the matching SUBACK. Subscription state is retained
// across disconnects so callers may resubscribe after a reconnect.
func (c *Client) Subscribe(ctx context.Context, topic string, handler PublishHandler) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	pid := c.allocatePacketIDLocked()
	resultCh := make(chan error, 1)
	c.pendingSubs[pid] = resultCh
	c.subsByTopic[topic] = handler
	conn := c.conn
	c.mu.Unlock()

	frame := mqttcodec.EncodeSubscribe(pid, topic)
	if err := c.writeFrame(conn, frame); err != nil {
		return fmt.Errorf("mqttws: send subscribe: %w", err)
	}

	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish writes a PUBLISH frame for topic/payload at QoS 0. It is
// non-blocking and returns false if the transport is not open.
func (c *Client) Publish(topic string, payload []byte) bool {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return false
	}
	conn := c.conn
	c.mu.Unlock()

	frame := mqttcodec.EncodePublish(topic, payload, false, false)
	if err := c.writeFrame(conn, frame); err != nil {
		c.logger.Warn().Err(err).Msg("publish failed")
		return false
	}
	return true
}

// Disconnect sends a best-effort DISCONNECT, stops the keep-alive loop,
// and closes the transport. The on-disconnect callback fires exactly
// once per connected session.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	wasConnected := c.connected
	c.connected = false
	c.mu.Unlock()

	if wasConnected && conn != nil {
		_ = conn.WriteMessage(websocket.BinaryMessage, mqttcodec.EncodeDisconnect())
	}
	if c.cancel != nil {
		c.cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	c.fireDisconnect()
}

// Connected reports whether the session is currently established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Subscriptions returns a snapshot of retained topic/handler pairs, used
// by the fabric to resubscribe after a reconnect.
func (c *Client) Subscriptions() []Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Subscription, 0, len(c.subsByTopic))
	for topic, handler := range c.subsByTopic {
		out = append(out, Subscription{Topic: topic, Handler: handler})
	}
	return out
}

func (c *Client) allocatePacketIDLocked() uint16 {
	c.nextPacketID++
	if c.nextPacketID == 0 {
		c.nextPacketID = 1
	}
	return c.nextPacketID
}

func (c *Client) writeFrame(conn *websocket.Conn, frame []byte) error {
	c.mu.Lock()
	c.lastSend = time.Now()
	c.mu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *Client) fireDisconnect() {
	c.mu.Lock()
	if c.disconnectFired {
		c.mu.Unlock()
		return
	}
	c.disconnectFired = true
	cb := c.onDisconnect
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (c *Client) readLoop(ctx context.Context, connAckCh chan<- error) {
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		c.fireDisconnect()
	}()

	gotConnAck := false
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if !gotConnAck {
				select {
				case connAckCh <- fmt.Errorf("mqttws: connection closed before connack: %w", err):
				default:
				}
			}
			c.logger.Debug().Err(err).Msg("read loop closed")
			return
		}

		frames, err := c.acc.Feed(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("malformed frame, dropping connection")
			return
		}

		for _, frame := range frames {
			if err := c.handleFrame(frame, connAckCh, &gotConnAck); err != nil {
				c.logger.Warn().Err(err).Msg("error handling frame")
			}
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (c *Client) handleFrame(frame mqttcodec.Frame, connAckCh chan<- error, gotConnAck *bool) error {
	switch frame.Type {
	case mqttcodec.TypeConnAck:
		_, err := mqttcodec.DecodeConnAck(frame.Remaining)
		*gotConnAck = true
		connAckCh <- err
		return nil

	case mqttcodec.TypeSubAck:
		pid, err := mqttcodec.DecodeSubAck(frame.Remaining)
		c.mu.Lock()
		ch, ok := c.pendingSubs[pid]
		if ok {
			delete(c.pendingSubs, pid)
		}
		c.mu.Unlock()
		if ok {
			ch <- err
		}
		return nil

	case mqttcodec.TypePublish:
		msg, err := mqttcodec.DecodePublish(frame.Flags, frame.Remaining)
		if err != nil {
			return err
		}
		c.mu.Lock()
		handler := c.subsByTopic[msg.Topic]
		c.mu.Unlock()
		if handler != nil {
			handler(msg.Topic, msg.Payload)
		}
		return nil

	case mqttcodec.TypePingResp:
		return nil

	default:
		return fmt.Errorf("%w: type %d", mqttcodec.ErrUnsupportedFrameType, frame.Type)
	}
}

func (c *Client) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var awaitingPong bool
	var pingSentAt time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			idle := time.Since(c.lastSend)
			conn := c.conn
			connected := c.connected
			c.mu.Unlock()

			if !connected || conn == nil {
				continue
			}

			if awaitingPong && time.Since(pingSentAt) > keepAliveDeclare {
				c.logger.Warn().Msg("keep-alive timeout, closing connection")
				c.Disconnect()
				return
			}

			if idle >= keepAliveSend {
				if err := c.writeFrame(conn, mqttcodec.EncodePingReq()); err != nil {
					c.logger.Warn().Err(err).Msg("pingreq failed")
					continue
				}
				awaitingPong = true
				pingSentAt = time.Now()
			}
		}
	}
}
