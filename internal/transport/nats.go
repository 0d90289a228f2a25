// Package transport wires the sync orchestrator's peer-facing Transport
// interface onto a concrete wire protocol. NATSTransport uses request-reply
// subjects per peer, grounded on the nats.go client already present in the
// coordination core's dependency set for pattern/delta broadcast.
package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/ruvnet/swarmlink/internal/crdt"
	syncpkg "github.com/ruvnet/swarmlink/internal/sync"
)

// NATSConfig tunes the NATS-backed transport.
type NATSConfig struct {
	RequestTimeoutFallback bool
	SubjectPrefix          string
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{SubjectPrefix: "swarmlink.sync"}
}

// NATSTransport implements sync.Transport over a NATS connection. Pattern
// sync requests use NATS request-reply; delta batches are published
// fire-and-forget to a per-peer subject.
type NATSTransport struct {
	conn   *nats.Conn
	cfg    NATSConfig
	logger *zap.Logger
}

// NewNATSTransport wraps an established NATS connection.
func NewNATSTransport(conn *nats.Conn, cfg NATSConfig, logger *zap.Logger) *NATSTransport {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "swarmlink.sync"
	}
	return &NATSTransport{conn: conn, cfg: cfg, logger: logger}
}

func (t *NATSTransport) requestSubject(peerID string) string {
	return fmt.Sprintf("%s.%s.request", t.cfg.SubjectPrefix, peerID)
}

func (t *NATSTransport) deltaSubject(peerID string) string {
	return fmt.Sprintf("%s.%s.deltas", t.cfg.SubjectPrefix, peerID)
}

// RequestPatternSync sends req to peerID's request subject and waits for a
// reply, honoring ctx's deadline.
func (t *NATSTransport) RequestPatternSync(ctx context.Context, peerID string, req syncpkg.PatternSyncRequest) (syncpkg.PatternSyncResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return syncpkg.PatternSyncResponse{}, fmt.Errorf("transport: marshal request: %w", err)
	}

	msg, err := t.conn.RequestWithContext(ctx, t.requestSubject(peerID), payload)
	if err != nil {
		return syncpkg.PatternSyncResponse{}, fmt.Errorf("%w: nats request to %s: %v", syncpkg.ErrRetryable, peerID, err)
	}

	var resp syncpkg.PatternSyncResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return syncpkg.PatternSyncResponse{}, fmt.Errorf("transport: unmarshal response: %w", err)
	}
	return resp, nil
}

// SendDeltaBatch publishes deltas to peerID's delta subject.
func (t *NATSTransport) SendDeltaBatch(ctx context.Context, peerID string, deltas []*crdt.Delta) error {
	payload, err := json.Marshal(deltas)
	if err != nil {
		return fmt.Errorf("transport: marshal deltas: %w", err)
	}
	if err := t.conn.Publish(t.deltaSubject(peerID), payload); err != nil {
		return fmt.Errorf("%w: nats publish to %s: %v", syncpkg.ErrRetryable, peerID, err)
	}
	return nil
}

// Responder answers pattern sync requests for the local replica by reading
// candidate patterns from a caller-supplied resolver function, subscribing
// on the local peer's request subject.
type Responder struct {
	conn     *nats.Conn
	localID  string
	cfg      NATSConfig
	resolve  func(ctx context.Context, req syncpkg.PatternSyncRequest) (syncpkg.PatternSyncResponse, error)
	logger   *zap.Logger
	sub      *nats.Subscription
}

// NewResponder creates a responder that will answer sync requests
// addressed to localID once Start is called.
func NewResponder(conn *nats.Conn, localID string, cfg NATSConfig, resolve func(ctx context.Context, req syncpkg.PatternSyncRequest) (syncpkg.PatternSyncResponse, error), logger *zap.Logger) *Responder {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "swarmlink.sync"
	}
	return &Responder{conn: conn, localID: localID, cfg: cfg, resolve: resolve, logger: logger}
}

// Start subscribes to the local replica's request subject.
func (r *Responder) Start(ctx context.Context) error {
	subject := fmt.Sprintf("%s.%s.request", r.cfg.SubjectPrefix, r.localID)
	sub, err := r.conn.Subscribe(subject, func(msg *nats.Msg) {
		var req syncpkg.PatternSyncRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			if r.logger != nil {
				r.logger.Warn("responder: malformed sync request", zap.Error(err))
			}
			return
		}
		resp, err := r.resolve(ctx, req)
		if err != nil {
			if r.logger != nil {
				r.logger.Warn("responder: resolve failed", zap.Error(err))
			}
			return
		}
		data, err := json.Marshal(resp)
		if err != nil {
			return
		}
		_ = msg.Respond(data)
	})
	if err != nil {
		return fmt.Errorf("transport: subscribe %s: %w", subject, err)
	}
	r.sub = sub
	return nil
}

// Stop unsubscribes the responder.
func (r *Responder) Stop() error {
	if r.sub == nil {
		return nil
	}
	return r.sub.Unsubscribe()
}
