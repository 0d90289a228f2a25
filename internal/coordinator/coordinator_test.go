package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ruvnet/swarmlink/internal/crdt"
	"github.com/ruvnet/swarmlink/internal/pattern"
	"github.com/ruvnet/swarmlink/internal/ratelimit"
	syncpkg "github.com/ruvnet/swarmlink/internal/sync"
)

type fakePinger struct{}

func (fakePinger) Ping(peerID string, timeout time.Duration) (time.Duration, error) {
	return 10 * time.Millisecond, nil
}

type fakeSyncTransport struct {
	deltaBatches [][]*crdt.Delta
}

func (t *fakeSyncTransport) RequestPatternSync(ctx context.Context, peerID string, req syncpkg.PatternSyncRequest) (syncpkg.PatternSyncResponse, error) {
	return syncpkg.PatternSyncResponse{}, nil
}

func (t *fakeSyncTransport) SendDeltaBatch(ctx context.Context, peerID string, deltas []*crdt.Delta) error {
	t.deltaBatches = append(t.deltaBatches, deltas)
	return nil
}

func TestAuthHandshakeTransitionsToAuthenticated(t *testing.T) {
	local, err := NewIdentity("replica-local")
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	remote, err := NewIdentity("peer-remote")
	if err != nil {
		t.Fatalf("new remote identity: %v", err)
	}

	idx := pattern.NewIndex(pattern.DefaultIndexConfig())
	mgr := NewManager(local, idx, nil, nil, fakePinger{}, nil, DefaultConfig(), nil)

	var authenticated bool
	mgr.On(EventPeerAuthenticated, func(ctx context.Context, e Event) error {
		authenticated = true
		return nil
	})

	if err := mgr.Connect(context.Background(), "peer-remote", remote.Public); err != nil {
		t.Fatalf("connect: %v", err)
	}

	state, _ := mgr.GetMetrics("peer-remote")
	if state != PeerAuthenticating {
		t.Fatalf("expected authenticating state, got %s", state)
	}

	rec, _ := mgr.peerRecord("peer-remote")
	resp, err := Respond(rec.Challenge, remote)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}

	if err := mgr.HandleAuthResponse("peer-remote", resp); err != nil {
		t.Fatalf("handle auth response: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	if !authenticated {
		t.Fatalf("expected PeerAuthenticated event to fire")
	}

	state, _ = mgr.GetMetrics("peer-remote")
	if state != PeerAuthenticated {
		t.Fatalf("expected authenticated state, got %s", state)
	}
}

func TestAuthHandshakeRejectsWrongSigner(t *testing.T) {
	local, _ := NewIdentity("replica-local")
	remote, _ := NewIdentity("peer-remote")
	impostor, _ := NewIdentity("impostor")

	idx := pattern.NewIndex(pattern.DefaultIndexConfig())
	mgr := NewManager(local, idx, nil, nil, fakePinger{}, nil, DefaultConfig(), nil)

	mgr.Connect(context.Background(), "peer-remote", remote.Public)
	rec, _ := mgr.peerRecord("peer-remote")

	resp, err := Respond(rec.Challenge, impostor)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}

	if err := mgr.HandleAuthResponse("peer-remote", resp); err == nil {
		t.Fatalf("expected authentication to fail for mismatched signer")
	}

	state, _ := mgr.GetMetrics("peer-remote")
	if state != PeerDisconnected {
		t.Fatalf("expected disconnected state after failed auth, got %s", state)
	}
}

func TestManagerSyncDeltasShipsPendingDeltasAfterAuth(t *testing.T) {
	local, _ := NewIdentity("replica-local")
	remote, _ := NewIdentity("peer-remote")

	idx := pattern.NewIndex(pattern.DefaultIndexConfig())
	store := crdt.NewStore("replica-local", nil)
	counter := crdt.NewGCounter("ctr-1", "replica-local", time.Now())
	counter.Increment("replica-local", 3, time.Now())
	store.Put(counter)

	transport := &fakeSyncTransport{}
	mgr := NewManager(local, idx, store, transport, fakePinger{}, nil, DefaultConfig(), nil)
	defer mgr.Close()

	if err := mgr.Connect(context.Background(), "peer-remote", remote.Public); err != nil {
		t.Fatalf("connect: %v", err)
	}
	rec, _ := mgr.peerRecord("peer-remote")
	resp, err := Respond(rec.Challenge, remote)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if err := mgr.HandleAuthResponse("peer-remote", resp); err != nil {
		t.Fatalf("handle auth response: %v", err)
	}

	if err := mgr.SyncDeltas(context.Background(), "peer-remote"); err != nil {
		t.Fatalf("sync deltas: %v", err)
	}
	if len(transport.deltaBatches) == 0 {
		t.Fatalf("expected at least one delta batch sent to peer")
	}
}

func TestManagerSyncDeltasRejectsUnauthenticatedPeer(t *testing.T) {
	local, _ := NewIdentity("replica-local")
	idx := pattern.NewIndex(pattern.DefaultIndexConfig())
	store := crdt.NewStore("replica-local", nil)
	mgr := NewManager(local, idx, store, &fakeSyncTransport{}, fakePinger{}, nil, DefaultConfig(), nil)
	defer mgr.Close()

	if err := mgr.SyncDeltas(context.Background(), "peer-remote"); err == nil {
		t.Fatalf("expected error syncing deltas with an unauthenticated peer")
	}
}

func TestConnectRejectsFloodingPeer(t *testing.T) {
	local, _ := NewIdentity("replica-local")
	remote, _ := NewIdentity("peer-remote")

	cfg := DefaultConfig()
	cfg.RateLimit = ratelimit.DefaultConfig()
	cfg.RateLimit.DefaultLimit = 1

	idx := pattern.NewIndex(pattern.DefaultIndexConfig())
	mgr := NewManager(local, idx, nil, nil, fakePinger{}, nil, cfg, nil)
	defer mgr.Close()

	if err := mgr.Connect(context.Background(), "peer-remote", remote.Public); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	err := mgr.Connect(context.Background(), "peer-remote", remote.Public)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}
