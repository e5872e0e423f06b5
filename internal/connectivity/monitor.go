// Package connectivity tracks whether the backend is reachable. The state is
// fed either by the platform (Set) or by probing a health endpoint.
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultProbeInterval = 30 * time.Second
	DefaultProbeTimeout  = 5 * time.Second
)

// Options configures a Monitor
type Options struct {
	// ProbeURL is polled when set; leave empty to rely on Set only
	ProbeURL string
	Interval time.Duration
	Timeout  time.Duration

	// Online is the state assumed before the first probe or Set
	Online bool

	Client *http.Client
}

// Monitor holds the current connectivity state and notifies listeners on change
type Monitor struct {
	probeURL string
	interval time.Duration
	client   *http.Client

	mu        sync.RWMutex
	online    bool
	changedAt time.Time
	listeners []func(online bool)
}

// NewMonitor creates a Monitor
func NewMonitor(opts Options) *Monitor {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultProbeTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Monitor{
		probeURL:  opts.ProbeURL,
		interval:  interval,
		client:    client,
		online:    opts.Online,
		changedAt: time.Now(),
	}
}

// Online reports the last known state
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Status returns the last known state and when it last changed
func (m *Monitor) Status() (online bool, since time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online, m.changedAt
}

// OnChange registers fn to be called after every state change
func (m *Monitor) OnChange(fn func(online bool)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Set records a new state. Listeners run synchronously, outside the lock,
// and only when the state actually changed.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.changedAt = time.Now()
	listeners := append([]func(bool){}, m.listeners...)
	m.mu.Unlock()

	log.Info().Bool("online", online).Msg("connectivity changed")
	for _, fn := range listeners {
		fn(online)
	}
}

// Probe checks the health endpoint once and records the result. Any response
// below 500 counts as reachable.
func (m *Monitor) Probe(ctx context.Context) bool {
	if m.probeURL == "" {
		return m.Online()
	}

	online := false
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.probeURL, nil)
	if err == nil {
		resp, err := m.client.Do(req)
		if err == nil {
			resp.Body.Close()
			online = resp.StatusCode < http.StatusInternalServerError
		} else {
			log.Debug().Err(err).Str("url", m.probeURL).Msg("connectivity probe failed")
		}
	}
	if ctx.Err() != nil {
		return m.Online()
	}

	m.Set(online)
	return online
}

// Run probes until ctx ends. Without a probe URL it returns immediately.
func (m *Monitor) Run(ctx context.Context) {
	if m.probeURL == "" {
		return
	}

	m.Probe(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}
