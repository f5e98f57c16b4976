// Package localbus implements the same-host discovery channel: a
// best-effort broadcast among processes on the same machine that are
// joined to the same room, used alongside (never instead of) the MQTT
// fabric. There is no third-party pub/sub library in the retrieval
// pack for local inter-process delivery, so this is built directly on
// net.ListenUDP over loopback with a filesystem rendezvous directory —
// see DESIGN.md for why no pack dependency fit this concern.
package localbus

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

const maxDatagramSize = 64 * 1024

// Bus is one process's handle onto the same-host channel for a room.
type Bus struct {
	dir      string
	selfPath string
	conn     *net.UDPConn
	logger   zerolog.Logger

	mu      sync.Mutex
	handler func([]byte)
	closed  bool
}

// New binds a loopback UDP socket and registers its address in the
// room's rendezvous directory so other same-host processes can find it.
func New(roomID, selfID string, logger zerolog.Logger) (*Bus, error) {
	dir := filepath.Join(os.TempDir(), "p2pconf", roomID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("localbus: rendezvous dir: %w", err)
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		return nil, fmt.Errorf("localbus: listen: %w", err)
	}

	selfPath := filepath.Join(dir, selfID+".addr")
	if err := os.WriteFile(selfPath, []byte(conn.LocalAddr().String()), 0o600); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("localbus: register rendezvous entry: %w", err)
	}

	return &Bus{
		dir:      dir,
		selfPath: selfPath,
		conn:     conn,
		logger:   logger.With().Str("component", "localbus").Logger(),
	}, nil
}

// Subscribe registers the handler invoked for every datagram received.
// Only one handler is retained at a time.
func (b *Bus) Subscribe(handler func(payload []byte)) {
	b.mu.Lock()
	b.handler = handler
	b.mu.Unlock()
	go b.readLoop()
}

func (b *Bus) readLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, _, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		b.mu.Lock()
		h := b.handler
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return
		}
		if h != nil {
			h(append([]byte(nil), buf[:n]...))
		}
	}
}

// Post broadcasts payload to every other rendezvous entry in the room
// directory. A failed send to one entry is logged and does not stop
// the others; the last such error is returned.
func (b *Bus) Post(payload []byte) error {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return fmt.Errorf("localbus: read rendezvous dir: %w", err)
	}

	var lastErr error
	for _, e := range entries {
		path := filepath.Join(b.dir, e.Name())
		if path == b.selfPath {
			continue
		}
		if err := b.sendTo(path, payload); err != nil {
			b.logger.Debug().Err(err).Str("peer", e.Name()).Msg("local channel send failed")
			lastErr = err
		}
	}
	return lastErr
}

func (b *Bus) sendTo(rendezvousPath string, payload []byte) error {
	raw, err := os.ReadFile(rendezvousPath)
	if err != nil {
		return err
	}
	addr, err := net.ResolveUDPAddr("udp", string(raw))
	if err != nil {
		return err
	}
	_, err = b.conn.WriteToUDP(payload, addr)
	return err
}

// Close shuts down the socket and removes this process's rendezvous entry.
func (b *Bus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	err := b.conn.Close()
	_ = os.Remove(b.selfPath)
	return err
}
