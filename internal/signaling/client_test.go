package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// memStream is an in-memory Stream for client tests, backed by channels.
type memStream struct {
	mu     sync.Mutex
	toPeer chan []byte
	toMe   chan []byte
	closed bool
}

func newMemStreamPair() (*memStream, *memStream) {
	a := make(chan []byte, 16)
	b := make(chan []byte, 16)
	return &memStream{toPeer: a, toMe: b}, &memStream{toPeer: b, toMe: a}
}

func (m *memStream) WriteMessage(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return context.Canceled
	}
	m.toPeer <- data
	return nil
}

func (m *memStream) ReadMessage() ([]byte, error) {
	data, ok := <-m.toMe
	if !ok {
		return nil, context.Canceled
	}
	return data, nil
}

func (m *memStream) Close(code int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.toPeer)
	}
	return nil
}

type fixedDialer struct {
	stream Stream
}

func (d *fixedDialer) Dial(ctx context.Context, addr string) (Stream, error) {
	return d.stream, nil
}

func TestClientJoinRoomSendsLeaveThenJoin(t *testing.T) {
	serverSide, clientSide := newMemStreamPair()
	dialer := &fixedDialer{stream: clientSide}
	client := NewClient("mem://server", dialer, "peer-a", DefaultClientConfig(), nil)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	client.JoinRoom("room-1")
	client.JoinRoom("room-2")

	var types []MessageType
	for i := 0; i < 3; i++ {
		select {
		case data := <-serverSide.toMe:
			var msg Message
			json.Unmarshal(data, &msg)
			types = append(types, msg.Type)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}

	if types[0] != TypeJoinRoom || types[1] != TypeLeaveRoom || types[2] != TypeJoinRoom {
		t.Fatalf("unexpected message sequence: %v", types)
	}
}

func TestClientDispatchesPongOnPing(t *testing.T) {
	serverSide, clientSide := newMemStreamPair()
	dialer := &fixedDialer{stream: clientSide}
	cfg := DefaultClientConfig()
	cfg.HeartbeatInterval = 0
	client := NewClient("mem://server", dialer, "peer-a", cfg, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	ping := Message{Type: TypePing, From: "peer-b", Timestamp: 123}
	data, _ := json.Marshal(ping)
	if err := serverSide.WriteMessage(data); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	select {
	case raw := <-serverSide.toMe:
		var msg Message
		json.Unmarshal(raw, &msg)
		if msg.Type != TypePong {
			t.Fatalf("expected pong, got %s", msg.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for pong")
	}
}
