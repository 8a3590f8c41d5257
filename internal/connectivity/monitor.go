// Package connectivity tracks whether the remote server is reachable and
// emits edge-triggered online/offline transitions.
//
// State is the single source of truth: there is no internal queue of
// events, and subscribers are expected to resample Online() in addition
// to reacting to transitions, which avoids lost-event races when a
// transition fires between a check and a subscribe.
package connectivity

import (
	"context"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

// Event is an edge-triggered connectivity transition.
type Event int

const (
	// BecameOnline fires when the link has been up for the stability window.
	BecameOnline Event = iota
	// BecameOffline fires when the link has been down for the stability window.
	BecameOffline
)

// String returns a human-readable representation of the event.
func (e Event) String() string {
	switch e {
	case BecameOnline:
		return "became_online"
	case BecameOffline:
		return "became_offline"
	default:
		return "unknown"
	}
}

// Config holds configuration for the monitor.
type Config struct {
	// HealthURL is probed to determine reachability.
	HealthURL string

	// ProbeInterval is how often the health endpoint is probed.
	ProbeInterval time.Duration

	// StabilityWindow is how long an observed state must hold before a
	// transition fires. Debounces flapping links.
	StabilityWindow time.Duration

	// Logger for monitor activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ProbeInterval:   5 * time.Second,
		StabilityWindow: 2 * time.Second,
		Logger:          log.New(os.Stderr, "[monitor] ", log.LstdFlags),
	}
}

// Monitor tracks online/offline state with debounced transitions.
type Monitor struct {
	config *Config
	client *http.Client

	mu          sync.Mutex
	online      bool      // debounced, published state
	observed    bool      // raw state from the last observation
	observedAt  time.Time // when the raw state last changed
	subscribers []chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a monitor. The initial published state is offline until a
// probe or an explicit observation says otherwise.
func New(config *Config) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[monitor] ", log.LstdFlags)
	}
	if config.ProbeInterval == 0 {
		config.ProbeInterval = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Monitor{
		config: config,
		client: &http.Client{Timeout: 3 * time.Second},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Online returns the current debounced state. Consumers must use this in
// addition to subscribing, never instead of it.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe returns a channel delivering edge-triggered transitions. The
// channel is buffered; a slow consumer drops transitions rather than
// blocking the monitor, which is safe because state is resampled.
func (m *Monitor) Subscribe() <-chan Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan Event, 4)
	m.subscribers = append(m.subscribers, ch)
	return ch
}

// Observe feeds a raw reachability observation into the debouncer. The
// probe loop calls this, and callers that learn about reachability out
// of band (a failed submission, a successful call) may call it directly.
func (m *Monitor) Observe(up bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if up != m.observed {
		m.observed = up
		m.observedAt = now
	}

	if up == m.online {
		return
	}

	// The new state must hold for the stability window before publishing.
	if m.config.StabilityWindow > 0 && now.Sub(m.observedAt) < m.config.StabilityWindow {
		return
	}

	m.online = up
	event := BecameOffline
	if up {
		event = BecameOnline
	}
	m.config.Logger.Printf("Connectivity transition: %s", event)

	for _, ch := range m.subscribers {
		select {
		case ch <- event:
		default:
			// Dropped; subscriber resamples Online() anyway.
		}
	}
}

// ProbeOnce probes the health endpoint once and publishes the result
// immediately, bypassing the stability window. One-shot commands that
// never run the probe loop use this to settle the state before acting
// on it.
func (m *Monitor) ProbeOnce(ctx context.Context) bool {
	up := m.probe(ctx)

	m.mu.Lock()
	m.observed = up
	m.observedAt = time.Now()
	m.online = up
	m.mu.Unlock()

	return up
}

// Start launches the probe loop. It blocks until Stop is called or the
// given context is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.probeLoop(ctx)
}

// Stop shuts the probe loop down and waits for it to finish.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

// probeLoop periodically probes the health endpoint and feeds the result
// into the debouncer.
func (m *Monitor) probeLoop(ctx context.Context) {
	defer m.wg.Done()

	// Probe immediately so startup state settles fast.
	m.Observe(m.probe(ctx))

	ticker := time.NewTicker(m.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Observe(m.probe(ctx))
		}
	}
}

// probe checks the health endpoint once.
func (m *Monitor) probe(ctx context.Context) bool {
	if m.config.HealthURL == "" {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.config.HealthURL, nil)
	if err != nil {
		return false
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode < 500
}
