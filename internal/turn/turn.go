// Package turn manages a pool of TURN relay servers: health probing,
// latency tracking, credential refresh, and latency-ordered selection.
package turn

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/swarmlink/pkg/metrics"
)

// Config describes one TURN server entry.
type Config struct {
	URL            string
	Username       string
	Credential     string
	CredentialType string
	ExpiresAt      *time.Time
	Region         string
	Priority       int
}

// CredentialRefresher fetches new credentials for a server ahead of expiry.
type CredentialRefresher interface {
	Refresh(ctx context.Context, cfg Config) (username, credential string, expiresAt time.Time, err error)
}

// RelayProbe gathers a relay candidate under iceTransportPolicy=relay and
// reports the observed latency.
type RelayProbe interface {
	ProbeRelay(ctx context.Context, cfg Config) (latency time.Duration, err error)
}

// Event is emitted on credential refresh, allocation, and failure.
type Event struct {
	Kind      string // credential_refresh | allocation | failure
	ServerURL string
	Detail    string
	At        time.Time
}

type serverState struct {
	cfg                  Config
	consecutiveFailures  int
	healthy              bool
	latencySamples       []time.Duration
	refreshing           bool
}

// Manager owns a set of TURN configs and their live health state.
type Manager struct {
	mu                     sync.Mutex
	servers                map[string]*serverState
	refresher              CredentialRefresher
	prober                 RelayProbe
	maxConsecutiveFailures int
	refreshMargin          time.Duration
	logger                 *zap.Logger
	listeners              []func(Event)
	metrics                *metrics.Metrics
}

// SetMetrics attaches a Prometheus metrics sink, recorded into as servers
// are probed and credentials refreshed.
func (m *Manager) SetMetrics(mx *metrics.Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = mx
}

// ManagerConfig tunes health and refresh policy.
type ManagerConfig struct {
	MaxConsecutiveFailures int
	RefreshMargin          time.Duration
}

// NewManager creates a TURN manager seeded with servers.
func NewManager(servers []Config, refresher CredentialRefresher, prober RelayProbe, cfg ManagerConfig, logger *zap.Logger) *Manager {
	m := &Manager{
		servers:                make(map[string]*serverState),
		refresher:              refresher,
		prober:                 prober,
		maxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		refreshMargin:          cfg.RefreshMargin,
		logger:                 logger,
	}
	if m.maxConsecutiveFailures <= 0 {
		m.maxConsecutiveFailures = 3
	}
	for _, s := range servers {
		m.servers[s.URL] = &serverState{cfg: s, healthy: true}
	}
	return m
}

// OnEvent registers a listener invoked synchronously when events fire.
func (m *Manager) OnEvent(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) emit(ev Event) {
	ev.At = time.Now()
	for _, fn := range m.listeners {
		fn(ev)
	}
}

// ProbeAll runs a relay-gathering probe against every known server and
// updates health state and latency samples.
func (m *Manager) ProbeAll(ctx context.Context) {
	m.mu.Lock()
	states := make([]*serverState, 0, len(m.servers))
	for _, s := range m.servers {
		states = append(states, s)
	}
	m.mu.Unlock()

	for _, s := range states {
		latency, err := m.prober.ProbeRelay(ctx, s.cfg)

		m.mu.Lock()
		if err != nil {
			s.consecutiveFailures++
			if s.consecutiveFailures >= m.maxConsecutiveFailures {
				s.healthy = false
			}
			m.emit(Event{Kind: "failure", ServerURL: s.cfg.URL, Detail: err.Error()})
			if m.metrics != nil {
				m.metrics.UpdateTURNServerHealth(s.cfg.URL, s.healthy, avgLatency(s.latencySamples))
			}
		} else {
			s.consecutiveFailures = 0
			s.healthy = true
			s.latencySamples = append(s.latencySamples, latency)
			if len(s.latencySamples) > 20 {
				s.latencySamples = s.latencySamples[len(s.latencySamples)-20:]
			}
			m.emit(Event{Kind: "allocation", ServerURL: s.cfg.URL, Detail: latency.String()})
			if m.metrics != nil {
				m.metrics.UpdateTURNServerHealth(s.cfg.URL, s.healthy, latency)
			}
		}
		m.mu.Unlock()
	}
}

func avgLatency(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return time.Hour // unknown servers sort last
	}
	var total time.Duration
	for _, s := range samples {
		total += s
	}
	return total / time.Duration(len(samples))
}

// Selection is the result of choosing among healthy TURN servers.
type Selection struct {
	Chosen       Config
	Alternatives []Config
}

// Select returns the lowest-latency healthy server plus ordered alternatives.
func (m *Manager) Select() (Selection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type candidate struct {
		cfg     Config
		latency time.Duration
	}
	candidates := make([]candidate, 0, len(m.servers))
	for _, s := range m.servers {
		if !s.healthy {
			continue
		}
		candidates = append(candidates, candidate{cfg: s.cfg, latency: avgLatency(s.latencySamples)})
	}
	if len(candidates) == 0 {
		return Selection{}, fmt.Errorf("turn: no healthy servers available")
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].latency < candidates[j].latency
	})

	alternatives := make([]Config, 0, len(candidates)-1)
	for _, c := range candidates[1:] {
		alternatives = append(alternatives, c.cfg)
	}

	return Selection{Chosen: candidates[0].cfg, Alternatives: alternatives}, nil
}

// RefreshDue refreshes credentials for any server within refreshMargin of
// expiry, with bounded retries and exponential backoff. A refresh already
// in flight for a server is not duplicated.
func (m *Manager) RefreshDue(ctx context.Context, now time.Time, maxRetries int) {
	m.mu.Lock()
	due := make([]*serverState, 0)
	for _, s := range m.servers {
		if s.refreshing || s.cfg.ExpiresAt == nil {
			continue
		}
		if now.Add(m.refreshMargin).Before(*s.cfg.ExpiresAt) {
			continue
		}
		s.refreshing = true
		due = append(due, s)
	}
	m.mu.Unlock()

	for _, s := range due {
		go m.refreshWithBackoff(ctx, s, maxRetries)
	}
}

func (m *Manager) refreshWithBackoff(ctx context.Context, s *serverState, maxRetries int) {
	defer func() {
		m.mu.Lock()
		s.refreshing = false
		m.mu.Unlock()
	}()

	backoff := 500 * time.Millisecond
	for attempt := 0; attempt <= maxRetries; attempt++ {
		username, credential, expiresAt, err := m.refresher.Refresh(ctx, s.cfg)
		if err == nil {
			m.mu.Lock()
			s.cfg.Username = username
			s.cfg.Credential = credential
			s.cfg.ExpiresAt = &expiresAt
			m.mu.Unlock()
			m.emit(Event{Kind: "credential_refresh", ServerURL: s.cfg.URL, Detail: "ok"})
			if m.metrics != nil {
				m.metrics.RecordTURNCredentialRefresh(s.cfg.URL, "success")
			}
			return
		}

		if m.logger != nil {
			m.logger.Warn("turn credential refresh failed",
				zap.String("server", s.cfg.URL), zap.Int("attempt", attempt), zap.Error(err))
		}
		if attempt == maxRetries {
			m.emit(Event{Kind: "failure", ServerURL: s.cfg.URL, Detail: "credential refresh exhausted retries"})
			if m.metrics != nil {
				m.metrics.RecordTURNCredentialRefresh(s.cfg.URL, "failure")
			}
			return
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
	}
}
