// Package coordinator is the top-level facade: it owns local identity, a
// peer registry, one health monitor and one sync orchestrator per peer, and
// drives the authentication handshake and typed event bus that the rest of
// the system observes.
package coordinator

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/swarmlink/internal/apierr"
	"github.com/ruvnet/swarmlink/internal/crdt"
	"github.com/ruvnet/swarmlink/internal/health"
	"github.com/ruvnet/swarmlink/internal/pattern"
	"github.com/ruvnet/swarmlink/internal/ratelimit"
	"github.com/ruvnet/swarmlink/internal/signaling"
	syncpkg "github.com/ruvnet/swarmlink/internal/sync"
	"github.com/ruvnet/swarmlink/pkg/metrics"
)

// ErrRateLimited is returned when a peer exceeds its inbound connection
// attempt quota.
var ErrRateLimited = fmt.Errorf("coordinator: rate limited")

// PeerState is a peer's connection lifecycle state as seen by the manager.
type PeerState int

const (
	PeerDisconnected PeerState = iota
	PeerAuthenticating
	PeerAuthenticated
)

func (s PeerState) String() string {
	switch s {
	case PeerDisconnected:
		return "disconnected"
	case PeerAuthenticating:
		return "authenticating"
	case PeerAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// PeerRecord tracks one peer's identity, state, and owned subsystems.
type PeerRecord struct {
	PeerID    string
	PublicKey ed25519.PublicKey
	State     PeerState
	Health    *health.Monitor
	Sync      *syncpkg.Orchestrator
	Challenge Challenge
}

// Config bundles the sub-configs for every owned subsystem.
type Config struct {
	EventBus  EventBusConfig
	Health    health.Config
	Sync      syncpkg.Config
	RateLimit ratelimit.Config
}

// DefaultConfig returns conservative defaults for every owned subsystem.
func DefaultConfig() Config {
	return Config{
		EventBus:  DefaultEventBusConfig(),
		Health:    health.DefaultConfig(),
		Sync:      syncpkg.DefaultConfig(),
		RateLimit: ratelimit.DefaultConfig(),
	}
}

// Pinger is satisfied by a transport capable of round-tripping an
// application-level ping to a named peer; adapted from the signaling
// client's heartbeat for use by the per-peer health monitor.
type Pinger interface {
	Ping(peerID string, timeout time.Duration) (time.Duration, error)
}

// Manager is the coordination core's top-level facade.
type Manager struct {
	mu        sync.RWMutex
	identity  Identity
	cfg       Config
	index     *pattern.Index
	store     *crdt.Store
	transport syncpkg.Transport
	pinger    Pinger
	signaling *signaling.Client
	bus       *EventBus
	limiter   *ratelimit.Limiter
	peers     map[string]*PeerRecord
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// SetMetrics attaches a Prometheus metrics sink; health and sync events for
// every peer authenticated after this call record into it. Safe to call at
// most once, before any peer connects.
func (m *Manager) SetMetrics(mx *metrics.Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = mx
}

// NewManager creates a coordination manager for the local identity. store
// may be nil, in which case per-peer orchestrators sync patterns but skip
// CRDT delta replication.
func NewManager(identity Identity, index *pattern.Index, store *crdt.Store, transport syncpkg.Transport, pinger Pinger, sigClient *signaling.Client, cfg Config, logger *zap.Logger) *Manager {
	return &Manager{
		identity:  identity,
		cfg:       cfg,
		index:     index,
		store:     store,
		transport: transport,
		pinger:    pinger,
		signaling: sigClient,
		bus:       NewEventBus(cfg.EventBus, logger),
		limiter:   ratelimit.New(cfg.RateLimit, logger),
		peers:     make(map[string]*PeerRecord),
		logger:    logger,
	}
}

// On registers a handler for eventType.
func (m *Manager) On(eventType EventType, handler Handler) (string, error) {
	return m.bus.On(eventType, handler)
}

// Connect begins the authentication handshake with peerID, registering it
// as Authenticating. Callers supply the peer's declared public key out of
// band (e.g. from room presence metadata).
func (m *Manager) Connect(ctx context.Context, peerID string, peerPublic ed25519.PublicKey) error {
	if !m.limiter.Allow(peerID) {
		return apierr.Wrap(fmt.Errorf("%w: peer %s", ErrRateLimited, peerID), apierr.CodeRateLimited, "connection attempt rate limited")
	}

	m.mu.Lock()
	rec, exists := m.peers[peerID]
	if !exists {
		rec = &PeerRecord{PeerID: peerID, PublicKey: peerPublic, State: PeerDisconnected}
		m.peers[peerID] = rec
	}
	rec.State = PeerAuthenticating
	rec.Challenge = NewChallenge()
	m.mu.Unlock()

	return nil
}

// HandleAuthResponse verifies a peer's signed challenge response. On
// success the peer transitions to Authenticated and its health monitor and
// sync orchestrator are started; on failure it transitions to Disconnected
// and the reason is logged.
func (m *Manager) HandleAuthResponse(peerID string, resp Response) error {
	m.mu.Lock()
	rec, exists := m.peers[peerID]
	if !exists {
		m.mu.Unlock()
		return apierr.New(apierr.CodeNotFound, fmt.Sprintf("unknown peer %s", peerID))
	}
	challenge := rec.Challenge
	publicKey := rec.PublicKey
	m.mu.Unlock()

	subject, err := Verify(resp, challenge, publicKey)
	if err != nil || subject != peerID {
		m.mu.Lock()
		rec.State = PeerDisconnected
		m.mu.Unlock()
		if m.logger != nil {
			m.logger.Warn("peer authentication failed", zap.String("peer", peerID), zap.Error(err))
		}
		return apierr.Wrap(fmt.Errorf("%w: peer %s", ErrAuthFailed, peerID), apierr.CodeAuthFailed, "peer authentication failed")
	}

	healthMonitor := health.NewMonitor(peerID, m.pinger, m.cfg.Health, m.logger)
	orchestrator := syncpkg.NewOrchestrator(m.index, m.store, m.transport, m.cfg.Sync, m.logger)

	m.mu.Lock()
	rec.State = PeerAuthenticated
	rec.Health = healthMonitor
	rec.Sync = orchestrator
	m.mu.Unlock()

	var syncMu sync.Mutex
	var syncStartedAt time.Time

	healthMonitor.OnChange(func(status health.Status) {
		m.bus.Emit(Event{Type: EventHealthChanged, PeerID: peerID, Payload: status})
		m.mu.RLock()
		mx := m.metrics
		m.mu.RUnlock()
		if mx != nil {
			mx.UpdatePeerHealth(peerID, status.Score, status.CurrentRTT, status.PacketLossPct)
		}
	})
	orchestrator.OnEvent(func(ev syncpkg.Event) {
		m.mu.RLock()
		mx := m.metrics
		m.mu.RUnlock()

		switch ev.Kind {
		case "SyncStarted":
			m.bus.Emit(Event{Type: EventSyncStarted, PeerID: peerID})
			syncMu.Lock()
			syncStartedAt = time.Now()
			syncMu.Unlock()
		case "SyncCompleted":
			m.bus.Emit(Event{Type: EventSyncCompleted, PeerID: peerID, Payload: ev.Result})
			if len(ev.Result.Conflicts) > 0 {
				m.bus.Emit(Event{Type: EventConflictDetected, PeerID: peerID, Payload: ev.Result.Conflicts})
			}
			if mx != nil {
				syncMu.Lock()
				started := syncStartedAt
				syncMu.Unlock()
				var duration time.Duration
				if !started.IsZero() {
					duration = time.Since(started)
				}
				mx.RecordSync(peerID, "success", duration, ev.Result.Synced)
				if len(ev.Result.Conflicts) > 0 {
					mx.RecordSyncConflicts(peerID, len(ev.Result.Conflicts))
				}
			}
		case "SyncFailed":
			m.bus.Emit(Event{Type: EventSyncFailed, PeerID: peerID, Payload: ev.Err})
			if mx != nil {
				syncMu.Lock()
				started := syncStartedAt
				syncMu.Unlock()
				var duration time.Duration
				if !started.IsZero() {
					duration = time.Since(started)
				}
				mx.RecordSync(peerID, "failure", duration, 0)
			}
		}
	})

	m.bus.Emit(Event{Type: EventPeerAuthenticated, PeerID: peerID})
	healthMonitor.StartLoop()
	return nil
}

// Disconnect tears down a peer's subsystems and marks it disconnected.
func (m *Manager) Disconnect(peerID string) {
	m.mu.Lock()
	rec, exists := m.peers[peerID]
	if !exists {
		m.mu.Unlock()
		return
	}
	if rec.Health != nil {
		rec.Health.StopLoop()
	}
	rec.State = PeerDisconnected
	m.mu.Unlock()

	m.bus.Emit(Event{Type: EventPeerDisconnected, PeerID: peerID})
}

// SyncPatterns runs an on-demand pattern sync pass with peerID.
func (m *Manager) SyncPatterns(ctx context.Context, peerID string, peerClocks map[string]map[string]uint64) (syncpkg.Result, error) {
	rec, ok := m.peerRecord(peerID)
	if !ok || rec.Sync == nil {
		return syncpkg.Result{}, apierr.NewNotOpen(fmt.Sprintf("peer %s not authenticated", peerID))
	}
	result, err := rec.Sync.SyncPatterns(ctx, peerID, peerClocks)
	if err != nil {
		return result, apierr.Handle(err)
	}
	return result, nil
}

// SyncDeltas ships pending CRDT deltas to peerID over its sync orchestrator.
func (m *Manager) SyncDeltas(ctx context.Context, peerID string) error {
	rec, ok := m.peerRecord(peerID)
	if !ok || rec.Sync == nil {
		return apierr.NewNotOpen(fmt.Sprintf("peer %s not authenticated", peerID))
	}
	if err := rec.Sync.SyncDeltas(ctx, peerID); err != nil {
		return apierr.Handle(err)
	}
	return nil
}

// GetHealth returns the last known health status for peerID.
func (m *Manager) GetHealth(peerID string) (health.Status, bool) {
	rec, ok := m.peerRecord(peerID)
	if !ok || rec.Health == nil {
		return health.Status{}, false
	}
	return rec.Health.Tick(), true
}

// GetMetrics returns the peer's current lifecycle state, a cheap
// always-available signal even before the health monitor has ticked.
func (m *Manager) GetMetrics(peerID string) (PeerState, bool) {
	rec, ok := m.peerRecord(peerID)
	if !ok {
		return PeerDisconnected, false
	}
	return rec.State, true
}

func (m *Manager) peerRecord(peerID string) (*PeerRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.peers[peerID]
	return rec, ok
}

// Close shuts down the event bus and every peer's health monitor.
func (m *Manager) Close() error {
	m.mu.Lock()
	for _, rec := range m.peers {
		if rec.Health != nil {
			rec.Health.StopLoop()
		}
	}
	m.mu.Unlock()
	m.limiter.Close()
	return m.bus.Close()
}
