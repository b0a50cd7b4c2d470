package plex

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pingInterval   = 10 * time.Second
	pingWriteWait  = 5 * time.Second
	handshakeWait  = 5 * time.Second
	frameQueueSize = 16
)

// PushChannel is one epoch of the server's push-notification stream.
// It delivers raw frames until the connection drops or Close is called.
// It never reconnects on its own; liveness recovery belongs to the
// connection watchdog.
type PushChannel struct {
	conn   *websocket.Conn
	frames chan []byte

	mu     sync.Mutex
	alive  bool
	closed bool
	cancel context.CancelFunc
}

// DialPush opens the push channel for the given server. The caller's
// context bounds the handshake only; once established, the channel
// lives until the connection drops or Close is called.
func DialPush(ctx context.Context, baseURL, token string) (*PushChannel, error) {
	wsURL := strings.Replace(baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/:/websockets/notifications"

	dialCtx, cancel := context.WithTimeout(ctx, handshakeWait)
	defer cancel()

	header := http.Header{"X-Plex-Token": {token}}
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, header)
	if err != nil {
		return nil, err
	}

	// not the dial context: a handshake timeout must not tear down the loops
	loopCtx, loopCancel := context.WithCancel(context.Background())
	ch := &PushChannel{
		conn:   conn,
		frames: make(chan []byte, frameQueueSize),
		alive:  true,
		cancel: loopCancel,
	}
	go ch.pingLoop(loopCtx)
	go ch.readLoop(loopCtx)
	return ch, nil
}

// Frames returns the inbound frame stream. The channel is closed when
// the connection ends, whatever the reason.
func (p *PushChannel) Frames() <-chan []byte {
	return p.frames
}

// Alive reports whether the channel is still delivering frames.
func (p *PushChannel) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

// Close tears the channel down. Safe to call more than once.
func (p *PushChannel) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.alive = false
	p.mu.Unlock()

	p.cancel()
	return p.conn.Close()
}

func (p *PushChannel) markDead() {
	p.mu.Lock()
	p.alive = false
	p.mu.Unlock()
}

func (p *PushChannel) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.conn.WriteControl(
				websocket.PingMessage, nil,
				time.Now().Add(pingWriteWait),
			); err != nil {
				p.markDead()
				return
			}
		}
	}
}

func (p *PushChannel) readLoop(ctx context.Context) {
	defer close(p.frames)
	defer p.markDead()
	for {
		_, msg, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case p.frames <- msg:
		case <-ctx.Done():
			return
		}
	}
}
