package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wsStream adapts a gorilla/websocket connection to the Stream interface.
type wsStream struct {
	conn *websocket.Conn
}

func (s *wsStream) WriteMessage(data []byte) error {
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsStream) ReadMessage() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	return data, err
}

func (s *wsStream) Close(code int) error {
	msg := websocket.FormatCloseMessage(code, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return s.conn.Close()
}

// WebSocketDialer dials signaling servers over ws(s):// URLs.
type WebSocketDialer struct{}

func (WebSocketDialer) Dial(ctx context.Context, addr string) (Stream, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, err
	}
	return &wsStream{conn: conn}, nil
}

// Room tracks the set of peer connections currently joined to a room,
// for the reference server-side fan-out.
type Room struct {
	ID      string
	Members map[string]*wsStream
}

// Server is a minimal signaling relay: it upgrades connections, tracks
// room membership, and fans out messages within a room. It is a reference
// implementation; production deployments may swap in any compliant relay.
type Server struct {
	mu       sync.RWMutex
	upgrader websocket.Upgrader
	rooms    map[string]*Room
	peers    map[string]*wsStream
	logger   *zap.Logger
}

// NewServer creates a signaling relay server.
func NewServer(logger *zap.Logger) *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		rooms:  make(map[string]*Room),
		peers:  make(map[string]*wsStream),
		logger: logger,
	}
}

// Handler returns the HTTP handler to mount at the signaling endpoint.
func (s *Server) Handler() http.HandlerFunc {
	return s.handleUpgrade
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("signaling upgrade failed", zap.Error(err))
		}
		return
	}
	stream := &wsStream{conn: conn}
	defer stream.Close(normalCloseCode)

	var peerID string
	for {
		data, err := stream.ReadMessage()
		if err != nil {
			s.removePeer(peerID)
			return
		}

		var msg Message
		if err := unmarshalMessage(data, &msg); err != nil {
			continue
		}
		if peerID == "" {
			peerID = msg.From
			s.mu.Lock()
			s.peers[peerID] = stream
			s.mu.Unlock()
		}
		s.route(msg, stream)
	}
}

func (s *Server) route(msg Message, from *wsStream) {
	switch msg.Type {
	case TypeJoinRoom:
		s.join(msg.RoomID, msg.From, from)
	case TypeLeaveRoom:
		s.leave(msg.RoomID, msg.From)
	default:
		s.relay(msg)
	}
}

func (s *Server) join(roomID, peerID string, stream *wsStream) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		room = &Room{ID: roomID, Members: make(map[string]*wsStream)}
		s.rooms[roomID] = room
	}
	room.Members[peerID] = stream
}

func (s *Server) leave(roomID, peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return
	}
	delete(room.Members, peerID)
	if len(room.Members) == 0 {
		delete(s.rooms, roomID)
	}
}

func (s *Server) removePeer(peerID string) {
	if peerID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, peerID)
	for _, room := range s.rooms {
		delete(room.Members, peerID)
	}
}

func (s *Server) relay(msg Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if msg.To != "" {
		if target, ok := s.peers[msg.To]; ok {
			writeMessage(target, msg)
		}
		return
	}
	if msg.RoomID != "" {
		room, ok := s.rooms[msg.RoomID]
		if !ok {
			return
		}
		for id, member := range room.Members {
			if id == msg.From {
				continue
			}
			writeMessage(member, msg)
		}
	}
}

func writeMessage(stream *wsStream, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = stream.WriteMessage(data)
}

func unmarshalMessage(data []byte, msg *Message) error {
	return json.Unmarshal(data, msg)
}
