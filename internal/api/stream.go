package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/reeve/internal/memory"
)

// writeWait bounds a single WebSocket write. A subscriber that cannot
// keep up gets dropped rather than stalling delivery.
const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

func (s *Server) trackConn(c *websocket.Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrackConn(c *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// handleEventStream pushes every bus event to the subscriber as JSON.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event bus unavailable")
		return
	}

	// Subscribe before upgrading so events published the moment the
	// client sees the handshake response are not lost.
	ch := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(ch)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	s.trackConn(conn)
	defer func() {
		s.untrackConn(conn)
		conn.Close()
	}()
	s.logger.Debug("event stream opened", "remote", r.RemoteAddr)

	// Read pump: subscribers never send anything meaningful, but reads
	// are how we notice the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		case <-closed:
			s.logger.Debug("event stream closed", "remote", r.RemoteAddr)
			return
		}
	}
}

func (s *Server) addRoomSub(room string, c *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c] = struct{}{}
	if s.roomSubs[room] == nil {
		s.roomSubs[room] = make(map[*websocket.Conn]struct{})
	}
	s.roomSubs[room][c] = struct{}{}
}

func (s *Server) removeRoomSub(room string, c *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
	if subs := s.roomSubs[room]; subs != nil {
		delete(subs, c)
		if len(subs) == 0 {
			delete(s.roomSubs, room)
		}
	}
}

// roomConns snapshots the subscribers for one room.
func (s *Server) roomConns(room string) []*websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.roomSubs[room]
	if len(subs) == 0 {
		return nil
	}
	out := make([]*websocket.Conn, 0, len(subs))
	for c := range subs {
		out = append(out, c)
	}
	return out
}

// handleRoomStream pushes the agent's messages for one room to the
// subscriber as they are delivered.
func (s *Server) handleRoomStream(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	s.addRoomSub(room, conn)
	defer func() {
		s.removeRoomSub(room, conn)
		conn.Close()
	}()
	s.logger.Debug("room stream opened", "room_id", room, "remote", r.RemoteAddr)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.logger.Debug("room stream closed", "room_id", room, "remote", r.RemoteAddr)
			return
		}
	}
}

// DeliverMessage pushes an outbound message to the room's stream
// subscribers. Turns for one room are serialized, so writes to a
// subscriber never race. A room with no subscribers is fine; the
// message stays queryable in the memory log.
func (s *Server) DeliverMessage(ctx context.Context, m *memory.Memory) (*memory.Memory, error) {
	for _, conn := range s.roomConns(m.RoomID) {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(m); err != nil {
			s.logger.Debug("room stream write failed", "room_id", m.RoomID, "error", err)
			conn.Close()
		}
	}
	return m, nil
}
