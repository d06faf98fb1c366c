// Package api implements the HTTP gateway: REST endpoints for pushing
// messages into rooms and querying what the agent remembers, plus
// WebSocket streams for replies and runtime events. The server is also
// the client adapter for the "api" source — outbound messages are
// pushed to room stream subscribers.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/reeve/internal/actions"
	"github.com/nugget/reeve/internal/actors"
	"github.com/nugget/reeve/internal/agent"
	"github.com/nugget/reeve/internal/buildinfo"
	"github.com/nugget/reeve/internal/events"
	"github.com/nugget/reeve/internal/llm"
	"github.com/nugget/reeve/internal/memory"
	"github.com/nugget/reeve/internal/web"
)

// turnTimeout caps a detached turn started by the async message
// endpoint. Generous: a turn can run several generation rounds plus
// action handlers.
const turnTimeout = 10 * time.Minute

// writeJSON encodes v to w. Encode errors usually mean the client
// disconnected mid-response; not actionable, but worth a debug line.
func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("write JSON response", "error", err)
	}
}

// Server is the HTTP gateway.
type Server struct {
	address   string
	port      int
	agent     actors.Actor
	loop      *agent.Loop
	store     memory.Store
	directory *actors.Store
	registry  *actions.Registry
	llm       llm.Client
	bus       *events.Bus
	ui        *web.UI
	logger    *slog.Logger
	server    *http.Server
	stats     *Stats
	baseCtx   context.Context
	unsub     func()

	mu       sync.Mutex
	conns    map[*websocket.Conn]struct{}
	roomSubs map[string]map[*websocket.Conn]struct{}
}

// NewServer creates the HTTP gateway. Optional collaborators are
// configured with the Set methods before Start.
func NewServer(address string, port int, agentActor actors.Actor, loop *agent.Loop, store memory.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:  address,
		port:     port,
		agent:    agentActor,
		loop:     loop,
		store:    store,
		logger:   logger.With("component", "api"),
		stats:    &Stats{},
		baseCtx:  context.Background(),
		conns:    make(map[*websocket.Conn]struct{}),
		roomSubs: make(map[string]map[*websocket.Conn]struct{}),
	}
}

// SetDirectory enables the room listing endpoint.
func (s *Server) SetDirectory(d *actors.Store) {
	s.directory = d
}

// SetRegistry enables the action catalog endpoint.
func (s *Server) SetRegistry(r *actions.Registry) {
	s.registry = r
}

// SetLLM enables the readiness probe against the configured providers.
func (s *Server) SetLLM(c llm.Client) {
	s.llm = c
}

// SetBus enables the event stream and session stats.
func (s *Server) SetBus(b *events.Bus) {
	s.bus = b
}

// SetWebUI mounts the operator web UI.
func (s *Server) SetWebUI(ui *web.UI) {
	s.ui = ui
}

// Stats returns the session counters.
func (s *Server) Stats() *Stats {
	return s.stats
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Inbound messages
	mux.HandleFunc("POST /v1/rooms/{room}/messages", s.handleCreateMessage)
	mux.HandleFunc("POST /v1/chat", s.handleChat)

	// Queries
	mux.HandleFunc("GET /v1/rooms", s.handleRooms)
	mux.HandleFunc("GET /v1/rooms/{room}/memories", s.handleRoomMemories)
	mux.HandleFunc("GET /v1/memories/{id}", s.handleMemory)
	mux.HandleFunc("GET /v1/actions", s.handleActions)
	mux.HandleFunc("GET /v1/stats", s.handleStats)

	// Streams
	mux.HandleFunc("GET /v1/events", s.handleEventStream)
	mux.HandleFunc("GET /v1/rooms/{room}/stream", s.handleRoomStream)

	// Health
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	// Operator web UI
	if s.ui != nil {
		s.ui.RegisterRoutes(mux)
	}

	return s.withLogging(mux)
}

// Start begins serving HTTP requests and blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx = ctx

	if s.bus != nil {
		ch := s.bus.Subscribe(256)
		s.unsub = func() { s.bus.Unsubscribe(ch) }
		go func() {
			for e := range ch {
				s.stats.Observe(e)
			}
		}()
	}

	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.routes(),
		ReadTimeout: 30 * time.Second,
		// Synchronous chat turns can run several generation rounds.
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown stops the listener and closes every live WebSocket.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.unsub != nil {
		s.unsub()
	}

	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg}, s.logger)
}

// inboundSender identifies who wrote an inbound message.
type inboundSender struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Username string `json:"username,omitempty"`
}

func (is inboundSender) actor() actors.Actor {
	return actors.Actor{ID: is.ID, Name: is.Name, Username: is.Username}
}

// inboundRequest is the body of the async message endpoint.
type inboundRequest struct {
	Text      string        `json:"text"`
	Sender    inboundSender `json:"sender"`
	RoomName  string        `json:"room_name,omitempty"`
	InReplyTo string        `json:"in_reply_to,omitempty"`
}

// handleCreateMessage accepts a message into a room and runs the turn
// on its own goroutine. Replies arrive on the room stream and in the
// memory log; the response only confirms acceptance.
func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")

	var req inboundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.errorResponse(w, http.StatusBadRequest, "text is required")
		return
	}
	if req.Sender.ID == "" {
		s.errorResponse(w, http.StatusBadRequest, "sender.id is required")
		return
	}

	in := agent.Inbound{
		RoomID:    room,
		RoomName:  req.RoomName,
		Sender:    req.Sender.actor(),
		Text:      req.Text,
		Source:    "api",
		InReplyTo: req.InReplyTo,
	}
	go func() {
		ctx, cancel := context.WithTimeout(s.baseCtx, turnTimeout)
		defer cancel()
		if err := s.loop.HandleMessage(ctx, in); err != nil {
			s.logger.Error("turn failed", "room_id", room, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "accepted",
		"room_id": room,
	}, s.logger)
}

// chatRequest is the body of the synchronous chat endpoint.
type chatRequest struct {
	RoomID string        `json:"room_id,omitempty"`
	Text   string        `json:"text"`
	Sender inboundSender `json:"sender,omitempty"`
}

// chatResponse carries what the agent said during the turn.
type chatResponse struct {
	RoomID  string   `json:"room_id"`
	Replies []string `json:"replies"`
}

// handleChat runs one turn synchronously and returns the agent's
// replies. Convenience for curl and scripts; the room stream is the
// canonical reply channel.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.errorResponse(w, http.StatusBadRequest, "text is required")
		return
	}

	roomID := req.RoomID
	if roomID == "" {
		roomID = "operator"
	}
	sender := req.Sender.actor()
	if sender.ID == "" {
		sender = actors.Actor{ID: "operator", Name: "Operator"}
	}

	start := time.Now().UTC()
	err := s.loop.HandleMessage(r.Context(), agent.Inbound{
		RoomID: roomID,
		Sender: sender,
		Text:   req.Text,
		Source: "api",
	})
	if err != nil {
		s.logger.Error("chat turn failed", "room_id", roomID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "agent error")
		return
	}

	// Turns for one room are serialized, so agent messages recorded
	// since start belong to this turn.
	mems, err := s.store.GetMemories(r.Context(), memory.Query{
		RoomID: roomID,
		Type:   memory.TypeMessage,
		Start:  start,
	})
	if err != nil {
		s.logger.Error("query replies", "room_id", roomID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "query replies")
		return
	}

	replies := []string{}
	for i := len(mems) - 1; i >= 0; i-- {
		if mems[i].UserID != s.agent.ID {
			continue
		}
		if mc, ok := mems[i].Message(); ok {
			replies = append(replies, mc.Text)
		}
	}
	writeJSON(w, http.StatusOK, chatResponse{RoomID: roomID, Replies: replies}, s.logger)
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	if s.directory == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "room directory unavailable")
		return
	}
	rooms, err := s.directory.Rooms(r.Context())
	if err != nil {
		s.logger.Error("list rooms", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "list rooms")
		return
	}
	if rooms == nil {
		rooms = []actors.Room{}
	}
	writeJSON(w, http.StatusOK, rooms, s.logger)
}

func (s *Server) handleRoomMemories(w http.ResponseWriter, r *http.Request) {
	q := memory.Query{RoomID: r.PathValue("room")}

	switch t := r.URL.Query().Get("type"); t {
	case "":
	case "message", "thought", "action":
		q.Type = memory.MemoryType(t)
	default:
		s.errorResponse(w, http.StatusBadRequest, "unknown memory type "+strconv.Quote(t))
		return
	}
	if c := r.URL.Query().Get("count"); c != "" {
		n, err := strconv.Atoi(c)
		if err != nil || n < 0 {
			s.errorResponse(w, http.StatusBadRequest, "invalid count")
			return
		}
		q.Count = n
	}

	mems, err := s.store.GetMemories(r.Context(), q)
	if err != nil {
		s.logger.Error("query memories", "room_id", q.RoomID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "query memories")
		return
	}
	if mems == nil {
		mems = []*memory.Memory{}
	}
	writeJSON(w, http.StatusOK, mems, s.logger)
}

func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetMemoryByID(r.Context(), r.PathValue("id"))
	if err != nil {
		s.logger.Error("get memory", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "get memory")
		return
	}
	if m == nil {
		s.errorResponse(w, http.StatusNotFound, "no such memory")
		return
	}
	writeJSON(w, http.StatusOK, m, s.logger)
}

// actionInfo is the catalog entry shape.
type actionInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	out := []actionInfo{}
	if s.registry != nil {
		for _, a := range s.registry.All() {
			out = append(out, actionInfo{
				Name:        a.Name,
				Description: a.Description,
				Enabled:     a.Enabled,
			})
		}
	}
	writeJSON(w, http.StatusOK, out, s.logger)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.Snapshot(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"}, s.logger)
}

// handleReady reports whether at least the configured text-generation
// providers answer. Without a configured client it reports ready.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.llm == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"}, s.logger)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.llm.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unready",
			"error":  err.Error(),
		}, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, buildinfo.Info(), s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    "Reeve",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}
