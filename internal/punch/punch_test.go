package punch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ruvnet/swarmlink/internal/nat"
)

// loopbackChannel wires two Puncher instances together in-memory for tests.
type loopbackChannel struct {
	mu   sync.Mutex
	out  chan ControlMessage
	in   chan ControlMessage
}

func newLoopbackPair() (*loopbackChannel, *loopbackChannel) {
	a := make(chan ControlMessage, 10)
	b := make(chan ControlMessage, 10)
	return &loopbackChannel{out: a, in: b}, &loopbackChannel{out: b, in: a}
}

func (c *loopbackChannel) Send(ctx context.Context, msg ControlMessage) error {
	select {
	case c.out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *loopbackChannel) Recv(ctx context.Context) (ControlMessage, error) {
	select {
	case m := <-c.in:
		return m, nil
	case <-ctx.Done():
		return ControlMessage{}, ctx.Err()
	}
}

func TestSimultaneousOpenSucceedsForNonSymmetricPeers(t *testing.T) {
	chA, chB := newLoopbackPair()
	cfg := Config{MaxAttemptsPerLevel: 2, TimeoutPerLevel: time.Second}

	pa := NewPuncher(chA, cfg, nat.ClassFullCone, nat.ClassFullCone, nil)
	pb := NewPuncher(chB, cfg, nat.ClassFullCone, nat.ClassFullCone, nil)

	var wg sync.WaitGroup
	var stateA, stateB State
	wg.Add(2)
	go func() { defer wg.Done(); stateA, _ = pa.Run(context.Background()) }()
	go func() { defer wg.Done(); stateB, _ = pb.Run(context.Background()) }()
	wg.Wait()

	if stateA != StateSucceeded || stateB != StateSucceeded {
		t.Fatalf("expected both sides to succeed, got a=%v b=%v", stateA, stateB)
	}
}

// recordingChannel has no responder on the other end: every Send succeeds
// but Recv always blocks until ctx is done, so it records exactly which
// ports a Puncher attempted without ever acking them.
type recordingChannel struct {
	mu    sync.Mutex
	ports []int
}

func (c *recordingChannel) Send(ctx context.Context, msg ControlMessage) error {
	if msg.Kind == "ready" {
		c.mu.Lock()
		c.ports = append(c.ports, msg.Port)
		c.mu.Unlock()
	}
	return nil
}

func (c *recordingChannel) Recv(ctx context.Context) (ControlMessage, error) {
	<-ctx.Done()
	return ControlMessage{}, ctx.Err()
}

func TestSymmetricPeerPredictsPortsAtHolePunchLevelBeforeEscalating(t *testing.T) {
	ch := &recordingChannel{}
	cfg := Config{MaxAttemptsPerLevel: 2, TimeoutPerLevel: 20 * time.Millisecond, AutoEscalate: true}

	p := NewPuncher(ch, cfg, nat.ClassSymmetric, nat.ClassFullCone, nil)
	p.ObserveExternalPort(40000)
	p.ObserveExternalPort(40004)
	p.ObserveExternalPort(40008)

	state, _ := p.Run(context.Background())

	if state != StateExhausted {
		t.Fatalf("expected exhaustion since no TURN is wired in this test, got %v", state)
	}

	var predicted []int
	for _, port := range ch.ports {
		if port != 0 {
			predicted = append(predicted, port)
		}
	}
	if len(predicted) != cfg.MaxAttemptsPerLevel {
		t.Fatalf("expected %d port-prediction attempts at the hole-punch level, got %v", cfg.MaxAttemptsPerLevel, predicted)
	}
	if predicted[0] != 40012 || predicted[1] != 40016 {
		t.Fatalf("expected linear +4 port prediction, got %v", predicted)
	}
}

func TestPredictPortsLinearWhenStable(t *testing.T) {
	p := NewPuncher(nil, Config{}, nat.ClassSymmetric, nat.ClassSymmetric, nil)
	p.ObserveExternalPort(1000)
	p.ObserveExternalPort(1002)
	p.ObserveExternalPort(1004)

	pred := p.PredictPorts(3)
	if pred.Method != PredictLinear {
		t.Fatalf("expected linear prediction for stable increments, got %s", pred.Method)
	}
	if pred.Ports[0] != 1006 {
		t.Fatalf("expected next port 1006, got %d", pred.Ports[0])
	}
}

func TestGetFallbackActionAbortsWithoutTURN(t *testing.T) {
	action := GetFallbackAction(false, "")
	if !action.Abort {
		t.Fatalf("expected abort when no TURN available")
	}
}
