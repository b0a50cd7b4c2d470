package device

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"plexlink/internal/models"
)

const (
	connectTimeout   = 5 * time.Second
	watchdogInterval = 10 * time.Second
	maxRetries       = 10
)

// pushConn is the transport side of one connection epoch.
type pushConn interface {
	Frames() <-chan []byte
	Alive() bool
	Close() error
}

type dialFunc func(ctx context.Context) (pushConn, error)

// ConnectionManager owns exactly one logical connection epoch to the
// push channel and keeps it alive under network flakiness. Connect is
// single-flight: concurrent callers share one underlying attempt and
// observe the same outcome. Failed reconnects are retried by the
// watchdog up to a bounded budget; exhaustion is terminal until an
// external Connect or Disconnect.
type ConnectionManager struct {
	deviceID string
	dial     dialFunc

	// transition hooks, set once before first Connect
	onState   func(state models.ConnectionState, message string)
	onChannel func(epoch uint64, ch pushConn)

	// test overrides
	interval       time.Duration
	handshakeLimit time.Duration

	sf singleflight.Group

	mu          sync.Mutex
	state       models.ConnectionState
	channel     pushConn
	epoch       uint64
	retries     int
	watchCancel context.CancelFunc
}

func NewConnectionManager(deviceID string, dial dialFunc) *ConnectionManager {
	return &ConnectionManager{
		deviceID:       deviceID,
		dial:           dial,
		state:          models.ConnDisconnected,
		interval:       watchdogInterval,
		handshakeLimit: connectTimeout,
	}
}

func (m *ConnectionManager) State() models.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Epoch returns the current connection epoch. Background work tagged
// with an older epoch must discard its results.
func (m *ConnectionManager) Epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// Retries returns the watchdog retry counter.
func (m *ConnectionManager) Retries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retries
}

// Connect establishes the push channel. Idempotent and safe to call
// concurrently; every caller receives the outcome of the one underlying
// attempt.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	_, err, _ := m.sf.Do("connect", func() (any, error) {
		return nil, m.connect(ctx)
	})
	return err
}

func (m *ConnectionManager) connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == models.ConnConnected && m.channel != nil && m.channel.Alive() {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	m.setState(models.ConnConnecting, "")

	dialCtx, cancel := context.WithTimeout(ctx, m.handshakeLimit)
	defer cancel()
	ch, err := m.dial(dialCtx)
	if err != nil {
		// stay out of DISCONNECTED: the watchdog decides what happens next
		m.setState(models.ConnError, err.Error())
		return err
	}

	m.mu.Lock()
	old := m.channel
	m.channel = ch
	m.epoch++
	epoch := m.epoch
	m.retries = 0
	if m.watchCancel == nil {
		wctx, wcancel := context.WithCancel(context.Background())
		m.watchCancel = wcancel
		go m.watchdog(wctx)
	}
	onChannel := m.onChannel
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}
	m.setState(models.ConnConnected, "")
	if onChannel != nil {
		onChannel(epoch, ch)
	}
	return nil
}

// Disconnect tears down the current epoch: watchdog cancelled, channel
// closed, epoch bumped so in-flight background fetches become stale.
// Idempotent; no update events are delivered after it returns.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	cancel := m.watchCancel
	m.watchCancel = nil
	ch := m.channel
	m.channel = nil
	m.epoch++
	m.retries = 0
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ch != nil {
		ch.Close()
	}
	m.setState(models.ConnDisconnected, "")
}

func (m *ConnectionManager) watchdog(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.channelAlive() {
				m.mu.Lock()
				if m.retries > 0 {
					m.retries = 0
					log.Printf("push channel %s recovered", m.deviceID)
				}
				m.mu.Unlock()
				continue
			}

			m.mu.Lock()
			m.retries++
			n := m.retries
			m.mu.Unlock()

			if n > maxRetries {
				log.Printf("push channel %s: reconnect budget exhausted, stopping watchdog", m.deviceID)
				m.mu.Lock()
				cancel := m.watchCancel
				m.watchCancel = nil
				m.mu.Unlock()
				m.setState(models.ConnError, "reconnect attempts exhausted")
				if cancel != nil {
					cancel()
				}
				return
			}

			log.Printf("push channel %s not live, reconnect %d/%d", m.deviceID, n, maxRetries)
			rctx, cancel := context.WithTimeout(ctx, 2*m.handshakeLimit)
			if err := m.Connect(rctx); err != nil {
				log.Printf("reconnect %s: %v", m.deviceID, err)
			}
			cancel()
		}
	}
}

func (m *ConnectionManager) channelAlive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channel != nil && m.channel.Alive()
}

func (m *ConnectionManager) setState(state models.ConnectionState, message string) {
	m.mu.Lock()
	changed := m.state != state
	m.state = state
	onState := m.onState
	m.mu.Unlock()

	// error-to-error transitions still carry a fresh diagnostic
	if (changed || message != "") && onState != nil {
		onState(state, message)
	}
}
