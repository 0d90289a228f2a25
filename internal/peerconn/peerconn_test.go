package peerconn

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeChannel struct {
	mu   sync.Mutex
	open bool
	sent [][]byte
}

func (c *fakeChannel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

type fakeTransport struct {
	mu         sync.Mutex
	candidates []ICECandidate
	closed     bool
}

func (t *fakeTransport) CreateOffer(ctx context.Context) (string, error) {
	return "offer-sdp", nil
}

func (t *fakeTransport) CreateAnswer(ctx context.Context, remoteSDP string) (string, error) {
	return "answer-sdp", nil
}

func (t *fakeTransport) SetRemoteDescription(ctx context.Context, sdp string) error {
	return nil
}

func (t *fakeTransport) AddICECandidate(ctx context.Context, c ICECandidate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.candidates = append(t.candidates, c)
	return nil
}

func (t *fakeTransport) OpenChannel(kind ChannelKind) (Channel, error) {
	return &fakeChannel{open: true}, nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func newTestManager() (*Manager, *fakeTransport) {
	transport := &fakeTransport{}
	mgr := NewManager(func(peerID string) Transport { return transport }, DefaultReconnectConfig(), nil)
	return mgr, transport
}

func TestConnectAsInitiatorEmitsOfferAndOpensChannels(t *testing.T) {
	mgr, _ := newTestManager()
	var events []Event
	mgr.OnEvent(func(e Event) { events = append(events, e) })

	pc, err := mgr.Connect(context.Background(), "peer-1", Options{Initiator: true})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if pc.State() != StateConnected {
		t.Fatalf("expected connected, got %s", pc.State())
	}

	var sawOffer, sawConnected bool
	for _, e := range events {
		if e.Kind == "Offer" {
			sawOffer = true
		}
		if e.Kind == "Connected" {
			sawConnected = true
		}
	}
	if !sawOffer || !sawConnected {
		t.Fatalf("expected Offer and Connected events, got %+v", events)
	}

	if err := mgr.Send("peer-1", ChannelReliable, []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestSendFailsForUnknownPeer(t *testing.T) {
	mgr, _ := newTestManager()
	if err := mgr.Send("ghost", ChannelReliable, []byte("x")); err == nil {
		t.Fatalf("expected error for unknown peer")
	}
}

func TestICECandidatesQueuedUntilRemoteDescriptionSet(t *testing.T) {
	mgr, transport := newTestManager()
	ctx := context.Background()

	if _, err := mgr.HandleRemoteOffer(ctx, "peer-2", "remote-offer-sdp"); err != nil {
		t.Fatalf("handle remote offer: %v", err)
	}

	// A second peer that has not yet received a remote description should
	// queue candidates rather than applying them immediately.
	pending := &Manager{conns: map[string]*PeerConnection{
		"peer-3": {peerID: "peer-3", transport: transport, channels: map[ChannelKind]Channel{}},
	}, reconnCfg: DefaultReconnectConfig()}

	if err := pending.HandleRemoteICECandidate(ctx, "peer-3", ICECandidate{Candidate: "cand-1"}); err != nil {
		t.Fatalf("queue candidate: %v", err)
	}
	pc, _ := pending.get("peer-3")
	if len(pc.pendingICE) != 1 {
		t.Fatalf("expected 1 queued candidate, got %d", len(pc.pendingICE))
	}

	if err := mgr.HandleRemoteAnswer(ctx, "peer-2", "remote-answer-sdp"); err != nil {
		t.Fatalf("handle remote answer: %v", err)
	}
}

func TestScheduleReconnectResetsAttemptOnSuccess(t *testing.T) {
	mgr, _ := newTestManager()
	ctx := context.Background()

	if _, err := mgr.Connect(ctx, "peer-4", Options{Initiator: true}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	mgr.Disconnect("peer-4")

	mgr.mu.Lock()
	mgr.conns["peer-4"] = &PeerConnection{peerID: "peer-4", transport: &fakeTransport{}, channels: map[ChannelKind]Channel{}, reconnectAttempt: 2}
	mgr.mu.Unlock()

	done := make(chan struct{})
	mgr.OnEvent(func(e Event) {
		if e.Kind == "Reconnected" {
			close(done)
		}
	})

	cfg := mgr.reconnCfg
	cfg.InitialDelay = time.Millisecond
	cfg.Jitter = 0
	mgr.reconnCfg = cfg

	mgr.ScheduleReconnect(ctx, "peer-4", func(ctx context.Context) error { return nil })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for reconnect event")
	}

	pc, _ := mgr.get("peer-4")
	if pc.reconnectAttempt != 0 {
		t.Fatalf("expected attempt reset to 0, got %d", pc.reconnectAttempt)
	}
}
