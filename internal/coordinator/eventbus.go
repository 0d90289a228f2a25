package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType enumerates the coordination manager's public event kinds.
type EventType string

const (
	EventPeerAuthenticated EventType = "PeerAuthenticated"
	EventSyncStarted       EventType = "SyncStarted"
	EventSyncCompleted     EventType = "SyncCompleted"
	EventSyncFailed        EventType = "SyncFailed"
	EventHealthChanged     EventType = "HealthChanged"
	EventConflictDetected  EventType = "ConflictDetected"
	EventPeerDisconnected  EventType = "PeerDisconnected"
)

// Event is the envelope delivered to subscribers. Payload's concrete type
// depends on Type (e.g. health.Status for HealthChanged, sync.Result for
// SyncCompleted).
type Event struct {
	Type      EventType
	PeerID    string
	Payload   interface{}
	Timestamp time.Time
}

// Handler processes a delivered event; a returned error is logged but does
// not block delivery to other subscribers.
type Handler func(ctx context.Context, event Event) error

// EventBusConfig tunes subscription and delivery limits.
type EventBusConfig struct {
	MaxSubscriptions int
	BufferSize       int
	DeliveryTimeout  time.Duration
}

// DefaultEventBusConfig returns conservative defaults.
func DefaultEventBusConfig() EventBusConfig {
	return EventBusConfig{
		MaxSubscriptions: 1000,
		BufferSize:       100,
		DeliveryTimeout:  30 * time.Second,
	}
}

type subscription struct {
	id     string
	etype  EventType
	handler Handler
	buffer chan Event
	active bool
}

// EventBus fans out typed coordination events to registered handlers, each
// delivered on its own goroutine so a slow handler cannot stall others.
type EventBus struct {
	mu        sync.RWMutex
	cfg       EventBusConfig
	subs      map[string]*subscription
	byType    map[EventType][]*subscription
	logger    *zap.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	nextID    uint64
}

// NewEventBus creates an event bus.
func NewEventBus(cfg EventBusConfig, logger *zap.Logger) *EventBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &EventBus{
		cfg:    cfg,
		subs:   make(map[string]*subscription),
		byType: make(map[EventType][]*subscription),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// On subscribes handler to events of type t, returning a subscription id
// usable with Off.
func (eb *EventBus) On(t EventType, handler Handler) (string, error) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if len(eb.subs) >= eb.cfg.MaxSubscriptions {
		return "", fmt.Errorf("coordinator: max subscriptions reached: %d", eb.cfg.MaxSubscriptions)
	}

	eb.nextID++
	id := fmt.Sprintf("sub-%d", eb.nextID)
	sub := &subscription{
		id:      id,
		etype:   t,
		handler: handler,
		buffer:  make(chan Event, eb.cfg.BufferSize),
		active:  true,
	}
	eb.subs[id] = sub
	eb.byType[t] = append(eb.byType[t], sub)

	eb.wg.Add(1)
	go eb.deliverLoop(sub)

	return id, nil
}

// Off cancels a subscription.
func (eb *EventBus) Off(subID string) error {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	sub, ok := eb.subs[subID]
	if !ok {
		return fmt.Errorf("coordinator: unknown subscription %s", subID)
	}
	sub.active = false
	close(sub.buffer)
	delete(eb.subs, subID)

	list := eb.byType[sub.etype]
	for i, s := range list {
		if s.id == subID {
			eb.byType[sub.etype] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return nil
}

// Emit publishes event to every subscriber of its type.
func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.RLock()
	subs := append([]*subscription{}, eb.byType[event.Type]...)
	eb.mu.RUnlock()

	for _, sub := range subs {
		if !sub.active {
			continue
		}
		select {
		case sub.buffer <- event:
		default:
			if eb.logger != nil {
				eb.logger.Warn("event buffer full, dropping delivery",
					zap.String("subscription", sub.id), zap.String("type", string(event.Type)))
			}
		}
	}
}

func (eb *EventBus) deliverLoop(sub *subscription) {
	defer eb.wg.Done()
	for {
		select {
		case event, ok := <-sub.buffer:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(eb.ctx, eb.cfg.DeliveryTimeout)
			if err := sub.handler(ctx, event); err != nil && eb.logger != nil {
				eb.logger.Error("event handler failed",
					zap.String("subscription", sub.id), zap.String("type", string(event.Type)), zap.Error(err))
			}
			cancel()
		case <-eb.ctx.Done():
			return
		}
	}
}

// Close shuts down every subscription and waits for in-flight deliveries.
func (eb *EventBus) Close() error {
	eb.cancel()

	eb.mu.Lock()
	for _, sub := range eb.subs {
		if sub.active {
			sub.active = false
			close(sub.buffer)
		}
	}
	eb.mu.Unlock()

	eb.wg.Wait()
	return nil
}
