package mqttws

import (
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/p2pconf/core/internal/mqttcodec"
)

// testBroker is a minimal MQTT-over-WebSocket broker double, grounded
// on the teacher's WebSocket signaling server: it upgrades connections,
// always accepts CONNECT/SUBSCRIBE, and fans PUBLISH out to every
// connected session subscribed to the topic.
type testBroker struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions []*testSession
}

type testSession struct {
	conn *websocket.Conn
	acc  *mqttcodec.Accumulator
	subs map[string]bool
	mu   sync.Mutex
}

func newTestBroker() *testBroker {
	b := &testBroker{}
	b.server = httptest.NewServer(http.HandlerFunc(b.handle))
	return b
}

func (b *testBroker) wsURL() string {
	return "ws" + b.server.URL[len("http"):]
}

func (b *testBroker) close() {
	b.server.Close()
}

func (b *testBroker) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sess := &testSession{conn: conn, acc: mqttcodec.NewAccumulator(), subs: make(map[string]bool)}
	b.mu.Lock()
	b.sessions = append(b.sessions, sess)
	b.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frames, err := sess.acc.Feed(data)
		if err != nil {
			return
		}
		for _, f := range frames {
			b.handleFrame(sess, f)
		}
	}
}

func (b *testBroker) handleFrame(sess *testSession, f mqttcodec.Frame) {
	switch f.Type {
	case mqttcodec.TypeConnect:
		_ = sess.conn.WriteMessage(websocket.BinaryMessage, connAckAccept())
	case mqttcodec.TypeSubscribe:
		if len(f.Remaining) < 2 {
			return
		}
		pid := uint16(f.Remaining[0])<<8 | uint16(f.Remaining[1])
		topic, _, err := decodeTopicForTest(f.Remaining[2:])
		if err == nil {
			sess.mu.Lock()
			sess.subs[topic] = true
			sess.mu.Unlock()
		}
		_ = sess.conn.WriteMessage(websocket.BinaryMessage, subAckGranted(pid))
	case mqttcodec.TypePublish:
		msg, err := mqttcodec.DecodePublish(f.Flags, f.Remaining)
		if err != nil {
			return
		}
		b.fanOut(msg.Topic, msg.Payload)
	case mqttcodec.TypePingReq:
		_ = sess.conn.WriteMessage(websocket.BinaryMessage, pingResp())
	case mqttcodec.TypeDisconnect:
		_ = sess.conn.Close()
	}
}

func (b *testBroker) fanOut(topic string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sess := range b.sessions {
		sess.mu.Lock()
		subscribed := sess.subs[topic]
		sess.mu.Unlock()
		if subscribed {
			_ = sess.conn.WriteMessage(websocket.BinaryMessage, mqttcodec.EncodePublish(topic, payload, false, false))
		}
	}
}

func connAckAccept() []byte {
	return []byte{0x20, 0x02, 0x00, 0x00}
}

func subAckGranted(pid uint16) []byte {
	return []byte{0x90, 0x03, byte(pid >> 8), byte(pid), 0x00}
}

func pingResp() []byte {
	return []byte{0xD0, 0x00}
}

func decodeTopicForTest(buf []byte) (string, int, error) {
	n := int(buf[0])<<8 | int(buf[1])
	return string(buf[2 : 2+n]), 2 + n, nil
}
