// Package peerconn owns the per-peer data-channel lifecycle: offer/answer
// negotiation hooks, ICE candidate queuing, and reconnect scheduling.
// The actual transport (WebRTC, QUIC, raw TCP) is supplied by the caller
// through the Transport interface; this package only sequences events.
package peerconn

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNotOpen is returned by Send/SendRaw when the named channel is not open.
var ErrNotOpen = errors.New("peerconn: channel not open")

// ChannelKind distinguishes the two default data channels every peer
// connection establishes.
type ChannelKind string

const (
	ChannelReliable   ChannelKind = "reliable_ordered"
	ChannelUnreliable ChannelKind = "unreliable_unordered"
)

// State is the lifecycle state of a PeerConnection.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ICECandidate is an opaque transport-level candidate description.
type ICECandidate struct {
	Candidate string
	SDPMid    string
}

// Transport is the underlying connection machinery a PeerConnection drives.
// Implementations adapt a concrete WebRTC/QUIC/TCP stack.
type Transport interface {
	CreateOffer(ctx context.Context) (sdp string, err error)
	CreateAnswer(ctx context.Context, remoteSDP string) (sdp string, err error)
	SetRemoteDescription(ctx context.Context, sdp string) error
	AddICECandidate(ctx context.Context, c ICECandidate) error
	OpenChannel(kind ChannelKind) (Channel, error)
	Close() error
}

// Channel is a single open data channel.
type Channel interface {
	Send(data []byte) error
	IsOpen() bool
}

// Options configure Connect.
type Options struct {
	Initiator bool
}

// ReconnectConfig tunes the backoff schedule used after a peer disconnects
// or fails unexpectedly.
type ReconnectConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       float64
	MaxAttempts  int
}

// DefaultReconnectConfig matches the signaling client's defaults.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		InitialDelay: 500 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
		Jitter:       0.2,
		MaxAttempts:  10,
	}
}

// Event is emitted for offer/answer/ICE/state changes so a caller can relay
// them to the signaling transport or observe reconnects.
type Event struct {
	Kind    string
	PeerID  string
	SDP     string
	Cand    ICECandidate
	State   State
	Attempt int
}

// PeerConnection is the state owned for a single remote peer.
type PeerConnection struct {
	mu               sync.Mutex
	peerID           string
	transport        Transport
	initiator        bool
	state            State
	remoteDescSet    bool
	pendingICE       []ICECandidate
	channels         map[ChannelKind]Channel
	reconnectAttempt int
}

// Manager owns all active PeerConnections and relays their events.
type Manager struct {
	mu        sync.Mutex
	conns     map[string]*PeerConnection
	factory   func(peerID string) Transport
	reconnCfg ReconnectConfig
	logger    *zap.Logger
	listeners []func(Event)
}

// NewManager creates a manager whose connections are built via factory.
func NewManager(factory func(peerID string) Transport, cfg ReconnectConfig, logger *zap.Logger) *Manager {
	return &Manager{
		conns:     make(map[string]*PeerConnection),
		factory:   factory,
		reconnCfg: cfg,
		logger:    logger,
	}
}

// OnEvent registers an event listener.
func (m *Manager) OnEvent(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	listeners := append([]func(Event){}, m.listeners...)
	m.mu.Unlock()
	for _, l := range listeners {
		l(ev)
	}
}

// Connect initiates setup for peerID: creates an offer when opts.Initiator,
// and opens the default reliable and unreliable data channels.
func (m *Manager) Connect(ctx context.Context, peerID string, opts Options) (*PeerConnection, error) {
	m.mu.Lock()
	pc, exists := m.conns[peerID]
	if !exists {
		pc = &PeerConnection{
			peerID:    peerID,
			transport: m.factory(peerID),
			initiator: opts.Initiator,
			channels:  make(map[ChannelKind]Channel),
		}
		m.conns[peerID] = pc
	}
	m.mu.Unlock()

	pc.mu.Lock()
	pc.state = StateConnecting
	pc.mu.Unlock()

	if opts.Initiator {
		sdp, err := pc.transport.CreateOffer(ctx)
		if err != nil {
			m.fail(pc)
			return nil, err
		}
		m.emit(Event{Kind: "Offer", PeerID: peerID, SDP: sdp})
	}

	for _, kind := range []ChannelKind{ChannelReliable, ChannelUnreliable} {
		ch, err := pc.transport.OpenChannel(kind)
		if err != nil {
			m.fail(pc)
			return nil, err
		}
		pc.mu.Lock()
		pc.channels[kind] = ch
		pc.mu.Unlock()
	}

	pc.mu.Lock()
	pc.state = StateConnected
	pc.reconnectAttempt = 0
	pc.mu.Unlock()
	m.emit(Event{Kind: "Connected", PeerID: peerID, State: StateConnected})

	return pc, nil
}

// HandleRemoteOffer processes an incoming offer. If no local peer state
// exists yet, one is created implicitly in non-initiator mode.
func (m *Manager) HandleRemoteOffer(ctx context.Context, peerID, sdp string) (string, error) {
	m.mu.Lock()
	pc, exists := m.conns[peerID]
	if !exists {
		pc = &PeerConnection{
			peerID:    peerID,
			transport: m.factory(peerID),
			initiator: false,
			channels:  make(map[ChannelKind]Channel),
		}
		m.conns[peerID] = pc
	}
	m.mu.Unlock()

	answer, err := pc.transport.CreateAnswer(ctx, sdp)
	if err != nil {
		m.fail(pc)
		return "", err
	}

	pc.mu.Lock()
	pc.remoteDescSet = true
	queued := pc.pendingICE
	pc.pendingICE = nil
	pc.mu.Unlock()

	for _, c := range queued {
		_ = pc.transport.AddICECandidate(ctx, c)
	}

	m.emit(Event{Kind: "Answer", PeerID: peerID, SDP: answer})
	return answer, nil
}

// HandleRemoteAnswer sets the remote description for an offer we sent and
// flushes any ICE candidates received before it arrived.
func (m *Manager) HandleRemoteAnswer(ctx context.Context, peerID, sdp string) error {
	pc, ok := m.get(peerID)
	if !ok {
		return errNoPeer(peerID)
	}

	if err := pc.transport.SetRemoteDescription(ctx, sdp); err != nil {
		return err
	}

	pc.mu.Lock()
	pc.remoteDescSet = true
	queued := pc.pendingICE
	pc.pendingICE = nil
	pc.mu.Unlock()

	for _, c := range queued {
		_ = pc.transport.AddICECandidate(ctx, c)
	}
	return nil
}

// HandleRemoteICECandidate queues c until the remote description is set,
// then applies it immediately for connections that already have one.
func (m *Manager) HandleRemoteICECandidate(ctx context.Context, peerID string, c ICECandidate) error {
	pc, ok := m.get(peerID)
	if !ok {
		return errNoPeer(peerID)
	}

	pc.mu.Lock()
	ready := pc.remoteDescSet
	if !ready {
		pc.pendingICE = append(pc.pendingICE, c)
	}
	pc.mu.Unlock()

	if !ready {
		return nil
	}
	return pc.transport.AddICECandidate(ctx, c)
}

// Send publishes message on the named channel, failing with ErrNotOpen if
// it isn't currently open.
func (m *Manager) Send(peerID string, kind ChannelKind, data []byte) error {
	pc, ok := m.get(peerID)
	if !ok {
		return errNoPeer(peerID)
	}

	pc.mu.Lock()
	ch, ok := pc.channels[kind]
	pc.mu.Unlock()
	if !ok || !ch.IsOpen() {
		return ErrNotOpen
	}
	return ch.Send(data)
}

// SendRaw is an alias for Send retained for API symmetry with callers that
// distinguish typed messages from raw bytes at a higher layer.
func (m *Manager) SendRaw(peerID string, kind ChannelKind, data []byte) error {
	return m.Send(peerID, kind, data)
}

// Disconnect closes the peer's transport, emits a Disconnected event, and
// drops the peer's connection state. It sends no signaling message; a
// Renegotiate(reason=disconnect) notice, if wanted, is the caller's to send.
func (m *Manager) Disconnect(peerID string) error {
	pc, ok := m.get(peerID)
	if !ok {
		return nil
	}

	pc.mu.Lock()
	pc.state = StateDisconnected
	pc.mu.Unlock()

	err := pc.transport.Close()
	m.emit(Event{Kind: "Disconnected", PeerID: peerID, State: StateDisconnected})

	m.mu.Lock()
	delete(m.conns, peerID)
	m.mu.Unlock()

	return err
}

func (m *Manager) get(peerID string) (*PeerConnection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pc, ok := m.conns[peerID]
	return pc, ok
}

func (m *Manager) fail(pc *PeerConnection) {
	pc.mu.Lock()
	pc.state = StateFailed
	pc.mu.Unlock()
	m.emit(Event{Kind: "Failed", PeerID: pc.peerID, State: StateFailed})
}

// ScheduleReconnect computes the delay before the next reconnect attempt for
// a peer currently in Disconnected or Failed state, following
// initial_delay * multiplier^attempt capped at max_delay, with jitter.
func (m *Manager) ScheduleReconnect(ctx context.Context, peerID string, reconnect func(ctx context.Context) error) {
	pc, ok := m.get(peerID)
	if !ok {
		return
	}

	pc.mu.Lock()
	attempt := pc.reconnectAttempt
	pc.mu.Unlock()

	cfg := m.reconnCfg
	if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
		return
	}

	delay := float64(cfg.InitialDelay) * pow(cfg.Multiplier, attempt)
	if time.Duration(delay) > cfg.MaxDelay {
		delay = float64(cfg.MaxDelay)
	}
	jittered := applyJitter(time.Duration(delay), cfg.Jitter)

	go func() {
		select {
		case <-time.After(jittered):
		case <-ctx.Done():
			return
		}

		pc.mu.Lock()
		pc.reconnectAttempt++
		pc.mu.Unlock()

		if err := reconnect(ctx); err != nil {
			if m.logger != nil {
				m.logger.Warn("peer reconnect attempt failed", zap.String("peer", peerID), zap.Int("attempt", attempt+1))
			}
			m.ScheduleReconnect(ctx, peerID, reconnect)
			return
		}

		pc.mu.Lock()
		pc.reconnectAttempt = 0
		pc.mu.Unlock()
		m.emit(Event{Kind: "Reconnected", PeerID: peerID, State: StateConnected})
	}()
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

func applyJitter(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return base
	}
	delta := float64(base) * jitter
	offset := (rand.Float64()*2 - 1) * delta
	result := time.Duration(float64(base) + offset)
	if result < 0 {
		result = 0
	}
	return result
}

type peerNotFoundError struct{ peerID string }

func (e peerNotFoundError) Error() string { return "peerconn: no connection for peer " + e.peerID }

func errNoPeer(peerID string) error { return peerNotFoundError{peerID: peerID} }

// State returns the current lifecycle state for peerID.
func (pc *PeerConnection) State() State {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.state
}

// PeerID returns the remote peer identifier.
func (pc *PeerConnection) PeerID() string {
	return pc.peerID
}
