// Package punch drives peer-pair hole punching over a caller-supplied
// coordination channel, escalating through a ladder of connection
// strategies when simpler ones fail.
package punch

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/swarmlink/internal/nat"
	"github.com/ruvnet/swarmlink/pkg/metrics"
	"github.com/ruvnet/swarmlink/pkg/utils"
)

// Level is one rung of the escalation ladder.
type Level int

const (
	LevelDirect Level = iota
	LevelHolePunch
	LevelTCP
	LevelTurnUDP
	LevelTurnTCP
	LevelTurnTLS
	LevelExhausted
)

func (l Level) String() string {
	switch l {
	case LevelDirect:
		return "direct"
	case LevelHolePunch:
		return "hole_punch"
	case LevelTCP:
		return "tcp"
	case LevelTurnUDP:
		return "turn_udp"
	case LevelTurnTCP:
		return "turn_tcp"
	case LevelTurnTLS:
		return "turn_tls"
	default:
		return "exhausted"
	}
}

// State is the puncher's state machine position.
type State int

const (
	StateIdle State = iota
	StatePunching
	StateSucceeded
	StateFailed
	StateEscalate
	StateExhausted
)

// Channel is the caller-supplied coordination channel used to exchange
// ready/punch/ack control messages with the peer.
type Channel interface {
	Send(ctx context.Context, msg ControlMessage) error
	Recv(ctx context.Context) (ControlMessage, error)
}

// ControlMessage is one punch-protocol message. Port is the external port
// the sender is punching toward; it is 0 for cone-NAT attempts, where the
// peer's already-observed mapped port is used, and set to a predicted port
// for symmetric-NAT hole-punch attempts.
type ControlMessage struct {
	Kind    string // ready | punch | ack
	Attempt int
	Port    int
}

// Event is emitted on start, success, failure, and level change.
type Event struct {
	Kind  string
	Level Level
	Attempt int
	At    time.Time
}

// Config tunes the escalation ladder.
type Config struct {
	MaxAttemptsPerLevel int
	TimeoutPerLevel     time.Duration
	AutoEscalate        bool
}

// FallbackAction is returned by GetFallbackAction when direct attempts are
// exhausted.
type FallbackAction struct {
	UseTURN   bool
	Transport string // udp | tcp | tls
	Abort     bool
}

// Puncher drives one peer-pair's escalation through the ladder.
type Puncher struct {
	mu        sync.Mutex
	cfg       Config
	channel   Channel
	state     State
	level     Level
	attempt   int
	localNAT  nat.Classification
	remoteNAT nat.Classification
	logger    *zap.Logger
	listeners []func(Event)
	metrics   *metrics.Metrics
	peerID    string

	recentExternalPorts []int
}

// SetMetrics attaches a Prometheus metrics sink, recorded into as attempts
// fail, succeed, and escalate. peerID labels the per-peer gauges.
func (p *Puncher) SetMetrics(m *metrics.Metrics, peerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = m
	p.peerID = peerID
}

// NewPuncher creates a puncher for one peer pair.
func NewPuncher(channel Channel, cfg Config, localNAT, remoteNAT nat.Classification, logger *zap.Logger) *Puncher {
	if cfg.MaxAttemptsPerLevel <= 0 {
		cfg.MaxAttemptsPerLevel = 3
	}
	if cfg.TimeoutPerLevel <= 0 {
		cfg.TimeoutPerLevel = 2 * time.Second
	}
	return &Puncher{
		cfg:       cfg,
		channel:   channel,
		state:     StateIdle,
		level:     LevelDirect,
		localNAT:  localNAT,
		remoteNAT: remoteNAT,
		logger:    logger,
	}
}

// OnEvent registers a listener invoked synchronously as events fire.
func (p *Puncher) OnEvent(fn func(Event)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

func (p *Puncher) emit(kind string) {
	ev := Event{Kind: kind, Level: p.level, Attempt: p.attempt, At: time.Now()}
	for _, fn := range p.listeners {
		fn(ev)
	}
	p.recordMetrics(kind)
}

func (p *Puncher) recordMetrics(kind string) {
	if p.metrics == nil {
		return
	}
	switch kind {
	case "success":
		p.metrics.RecordPunchAttempt(p.level.String(), "success")
		p.metrics.RecordPunchSuccess()
		p.metrics.UpdatePunchLevel(p.peerID, int(p.level))
	case "failure":
		p.metrics.RecordPunchAttempt(p.level.String(), "failure")
	case "exhausted":
		p.metrics.RecordPunchAttempt(p.level.String(), "exhausted")
	case "level_change":
		p.metrics.UpdatePunchLevel(p.peerID, int(p.level))
	}
}

// Run drives the ladder to completion: a success at any level stops
// escalation; exhaustion at the top returns StateExhausted.
func (p *Puncher) Run(ctx context.Context) (State, error) {
	p.mu.Lock()
	p.state = StatePunching
	p.mu.Unlock()
	p.emit("start")

	for {
		succeeded, err := p.attemptLevel(ctx)
		if err != nil {
			return p.fail(), err
		}
		if succeeded {
			p.mu.Lock()
			p.state = StateSucceeded
			p.mu.Unlock()
			p.emit("success")
			return StateSucceeded, nil
		}

		if p.level >= LevelTurnTLS {
			p.mu.Lock()
			p.state = StateExhausted
			p.mu.Unlock()
			p.emit("exhausted")
			return StateExhausted, nil
		}

		if !p.cfg.AutoEscalate {
			p.mu.Lock()
			p.state = StateFailed
			p.mu.Unlock()
			p.emit("failure")
			return StateFailed, nil
		}

		p.advanceLevel(p.level + 1)
	}
}

func (p *Puncher) advanceLevel(next Level) {
	p.mu.Lock()
	p.level = next
	p.attempt = 0
	p.state = StateEscalate
	p.mu.Unlock()
	p.emit("level_change")
}

func (p *Puncher) fail() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = StateFailed
	return p.state
}

// attemptLevel runs up to MaxAttemptsPerLevel simultaneous-open rounds at
// the current level. TCP/TURN levels are handled by the caller's transport
// selection; the puncher only reports that direct strategies are exhausted.
func (p *Puncher) attemptLevel(ctx context.Context) (bool, error) {
	if p.level >= LevelTCP {
		return false, nil
	}
	if p.level == LevelHolePunch && (p.localNAT == nat.ClassSymmetric || p.remoteNAT == nat.ClassSymmetric) {
		return p.attemptPredictedPorts(ctx)
	}

	for attempt := 1; attempt <= p.cfg.MaxAttemptsPerLevel; attempt++ {
		p.mu.Lock()
		p.attempt = attempt
		p.mu.Unlock()

		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.TimeoutPerLevel)
		ok := p.simultaneousOpen(attemptCtx, attempt, 0)
		cancel()
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// attemptPredictedPorts punches one predicted external port per attempt for
// a symmetric-NAT peer, instead of the single fixed mapped port cone NATs
// use. Ports come from PredictPorts, seeded by ObserveExternalPort.
func (p *Puncher) attemptPredictedPorts(ctx context.Context) (bool, error) {
	prediction := p.PredictPorts(p.cfg.MaxAttemptsPerLevel)
	if p.logger != nil {
		p.logger.Debug("predicting symmetric peer external ports",
			zap.String("method", string(prediction.Method)),
			zap.Int("count", len(prediction.Ports)),
			zap.Float64("confidence", prediction.Confidence))
	}

	for i, port := range prediction.Ports {
		attempt := i + 1
		p.mu.Lock()
		p.attempt = attempt
		p.mu.Unlock()

		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.TimeoutPerLevel)
		ok := p.simultaneousOpen(attemptCtx, attempt, port)
		cancel()
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// simultaneousOpen exchanges ready/punch/ack messages for one attempt,
// targeting targetPort when punching a predicted port for a symmetric peer
// (0 when punching the already-known mapped port of a cone-type peer).
func (p *Puncher) simultaneousOpen(ctx context.Context, attempt int, targetPort int) bool {
	if err := p.channel.Send(ctx, ControlMessage{Kind: "ready", Attempt: attempt, Port: targetPort}); err != nil {
		return false
	}

	for {
		msg, err := p.channel.Recv(ctx)
		if err != nil {
			return false
		}
		switch msg.Kind {
		case "ready":
			_ = p.channel.Send(ctx, ControlMessage{Kind: "punch", Attempt: attempt, Port: targetPort})
		case "punch":
			_ = p.channel.Send(ctx, ControlMessage{Kind: "ack", Attempt: attempt, Port: targetPort})
		case "ack":
			return true
		}

		select {
		case <-ctx.Done():
			return false
		default:
		}
	}
}

// PortPredictionMethod names the approach used to predict a symmetric
// peer's next external port.
type PortPredictionMethod string

const (
	PredictLinear PortPredictionMethod = "linear"
	PredictHybrid PortPredictionMethod = "hybrid"
	PredictRandom PortPredictionMethod = "random"
)

// PortPrediction is the predicted next N external ports plus confidence.
type PortPrediction struct {
	Method     PortPredictionMethod
	Ports      []int
	Confidence float64
}

// ObserveExternalPort records a recently observed external port, used by
// PredictPorts for symmetric-NAT peers.
func (p *Puncher) ObserveExternalPort(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recentExternalPorts = append(p.recentExternalPorts, port)
	if len(p.recentExternalPorts) > 10 {
		p.recentExternalPorts = p.recentExternalPorts[len(p.recentExternalPorts)-10:]
	}
}

// PredictPorts predicts the next n external ports for a symmetric peer.
func (p *Puncher) PredictPorts(n int) PortPrediction {
	p.mu.Lock()
	ports := append([]int(nil), p.recentExternalPorts...)
	p.mu.Unlock()

	if len(ports) < 2 {
		return randomPrediction(ports, n)
	}

	increments := make([]float64, 0, len(ports)-1)
	for i := 1; i < len(ports); i++ {
		increments = append(increments, float64(ports[i]-ports[i-1]))
	}
	variance := varianceOf(increments)
	meanIncrement := utils.CalculateMean(increments)
	last := ports[len(ports)-1]

	if variance < 10 {
		predicted := make([]int, n)
		for i := range predicted {
			predicted[i] = last + int(meanIncrement)*(i+1)
		}
		return PortPrediction{Method: PredictLinear, Ports: predicted, Confidence: 0.9}
	}

	predicted := make([]int, 0, n)
	window := int(math.Max(1, math.Abs(meanIncrement)))
	expected := last + int(meanIncrement)
	for i := -window; i <= window && len(predicted) < n; i++ {
		predicted = append(predicted, expected+i)
	}
	return PortPrediction{Method: PredictHybrid, Ports: predicted, Confidence: 0.5}
}

func randomPrediction(ports []int, n int) PortPrediction {
	base := 1024
	if len(ports) > 0 {
		base = ports[len(ports)-1]
	}
	predicted := make([]int, n)
	for i := range predicted {
		predicted[i] = base + (i+1)*7
	}
	return PortPrediction{Method: PredictRandom, Ports: predicted, Confidence: 0.2}
}

func varianceOf(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	mean := utils.CalculateMean(vals)
	var sumSq float64
	for _, v := range vals {
		d := v - mean
		sumSq += d * d
	}
	return sumSq / float64(len(vals))
}

// GetFallbackAction decides what to do once direct attempts are exhausted.
func GetFallbackAction(turnAvailable bool, preferredTransport string) FallbackAction {
	if !turnAvailable {
		return FallbackAction{Abort: true}
	}
	if preferredTransport == "" {
		preferredTransport = "udp"
	}
	return FallbackAction{UseTURN: true, Transport: preferredTransport}
}
