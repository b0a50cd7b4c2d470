package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"plexlink/internal/device"
	"plexlink/internal/models"
)

// DefaultWorkers bounds concurrent blocking server calls (session
// lookups, credential sign-in) across all devices.
const DefaultWorkers = 4

// Registry owns the lifecycle of every configured device session and
// fans their events into one stream. Sessions share a single worker
// gate so a flaky server cannot starve the process of goroutines.
type Registry struct {
	workers *semaphore.Weighted

	mu       sync.RWMutex
	sessions map[string]*device.DeviceSession
	handles  map[string]chan device.Event

	subMu       sync.Mutex
	subscribers map[chan device.Event]struct{}
	closed      bool
}

type Option func(*Registry)

// WithWorkers overrides the shared blocking-call budget.
func WithWorkers(n int64) Option {
	return func(r *Registry) {
		if n > 0 {
			r.workers = semaphore.NewWeighted(n)
		}
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{
		workers:     semaphore.NewWeighted(DefaultWorkers),
		sessions:    make(map[string]*device.DeviceSession),
		handles:     make(map[string]chan device.Event),
		subscribers: make(map[chan device.Event]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add creates the session for a configured device and starts forwarding
// its events. The device stays disconnected until Connect is called.
func (r *Registry) Add(cfg models.DeviceConfig) (*device.DeviceSession, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, exists := r.sessions[cfg.Identifier]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("device %s already registered", cfg.Identifier)
	}
	s := device.NewSession(cfg, r.workers)
	handle := s.Subscribe()
	r.sessions[cfg.Identifier] = s
	r.handles[cfg.Identifier] = handle
	r.mu.Unlock()

	go r.forward(handle)
	return s, nil
}

// Remove disconnects and drops a device. Returns models.ErrNotFound for
// unknown identifiers.
func (r *Registry) Remove(identifier string) error {
	r.mu.Lock()
	s, ok := r.sessions[identifier]
	if !ok {
		r.mu.Unlock()
		return models.ErrNotFound
	}
	handle := r.handles[identifier]
	delete(r.sessions, identifier)
	delete(r.handles, identifier)
	r.mu.Unlock()

	s.Disconnect()
	s.Unsubscribe(handle)
	return nil
}

// Update replaces a device's configuration. The session is rebuilt from
// scratch; if the old one was connected the replacement reconnects.
func (r *Registry) Update(ctx context.Context, cfg models.DeviceConfig) (*device.DeviceSession, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	old, ok := r.sessions[cfg.Identifier]
	r.mu.RUnlock()
	if !ok {
		return nil, models.ErrNotFound
	}
	wasConnected := old.ConnectionState() == models.ConnConnected ||
		old.ConnectionState() == models.ConnConnecting

	if err := r.Remove(cfg.Identifier); err != nil {
		return nil, err
	}
	s, err := r.Add(cfg)
	if err != nil {
		return nil, err
	}
	if wasConnected {
		go s.Connect(ctx)
	}
	return s, nil
}

// Get returns the session for an identifier.
func (r *Registry) Get(identifier string) (*device.DeviceSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[identifier]
	return s, ok
}

// List returns all sessions ordered by identifier.
func (r *Registry) List() []*device.DeviceSession {
	r.mu.RLock()
	out := make([]*device.DeviceSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Identifier() < out[j].Identifier() })
	return out
}

// ConnectAll connects every registered device. Attempts run in parallel
// and individual failures do not abort the rest.
func (r *Registry) ConnectAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, s := range r.List() {
		wg.Add(1)
		go func(s *device.DeviceSession) {
			defer wg.Done()
			s.Connect(ctx)
		}(s)
	}
	wg.Wait()
}

// DisconnectAll tears down every device connection.
func (r *Registry) DisconnectAll() {
	for _, s := range r.List() {
		s.Disconnect()
	}
}

// Subscribe registers a channel for the merged event stream of all
// devices.
func (r *Registry) Subscribe() chan device.Event {
	ch := make(chan device.Event, 64)
	r.subMu.Lock()
	if r.closed {
		r.subMu.Unlock()
		close(ch)
		return ch
	}
	r.subscribers[ch] = struct{}{}
	r.subMu.Unlock()
	return ch
}

func (r *Registry) Unsubscribe(ch chan device.Event) {
	r.subMu.Lock()
	_, exists := r.subscribers[ch]
	delete(r.subscribers, ch)
	r.subMu.Unlock()
	if exists {
		close(ch)
	}
}

// Close disconnects everything and closes all subscriber channels.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	handles := r.handles
	r.sessions = make(map[string]*device.DeviceSession)
	r.handles = make(map[string]chan device.Event)
	r.mu.Unlock()

	for id, s := range sessions {
		s.Disconnect()
		s.Unsubscribe(handles[id])
	}

	r.subMu.Lock()
	r.closed = true
	for ch := range r.subscribers {
		close(ch)
	}
	r.subscribers = make(map[chan device.Event]struct{})
	r.subMu.Unlock()
}

// forward pumps one device's events into the merged stream until the
// device is removed.
func (r *Registry) forward(handle chan device.Event) {
	for ev := range handle {
		r.subMu.Lock()
		for ch := range r.subscribers {
			select {
			case ch <- ev:
			default:
				// slow subscriber, drop
			}
		}
		r.subMu.Unlock()
	}
}
