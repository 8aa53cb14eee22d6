// Package dashboard provides a real-time WebSocket feed of sync
// activity. It broadcasts cycle starts, per-item outcomes, and cycle
// summaries to connected clients so a browser or TUI can watch sync
// progress live.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/clubwarrior/clubwarrior/internal/engine"
)

// MessageType defines the type of dashboard message.
type MessageType string

const (
	// MessageTypeCycleStart indicates a sync cycle began.
	MessageTypeCycleStart MessageType = "cycle_start"

	// MessageTypeItemOutcome carries the outcome of one story/task pair.
	MessageTypeItemOutcome MessageType = "item_outcome"

	// MessageTypeCycleComplete carries the summary of a finished cycle.
	MessageTypeCycleComplete MessageType = "cycle_complete"
)

// Message is one dashboard broadcast.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// CycleStartData announces a new cycle.
type CycleStartData struct {
	DryRun bool `json:"dry_run"`
}

// CycleCompleteData summarizes a finished cycle.
type CycleCompleteData struct {
	Created   int           `json:"created"`
	Applied   int           `json:"applied"`
	Unchanged int           `json:"unchanged"`
	Failed    int           `json:"failed"`
	Orphaned  int           `json:"orphaned"`
	Conflicts int           `json:"conflicts"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// Server manages WebSocket connections and broadcasts sync events.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a dashboard server listening on addr.
func NewServer(addr string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      addr,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
}

// Start begins serving. It returns once the listener is bound; serving
// continues in the background until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleRoot)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("dashboard listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("dashboard server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("dashboard shutdown: %w", err)
	}
	s.wg.Wait()
	return nil
}

// CycleStarted broadcasts the start of a sync cycle.
func (s *Server) CycleStarted(dryRun bool) {
	s.send(MessageTypeCycleStart, CycleStartData{DryRun: dryRun})
}

// ItemSynced broadcasts one per-item outcome. It is safe to use as the
// engine's OnItem callback.
func (s *Server) ItemSynced(item engine.ItemOutcome) {
	s.send(MessageTypeItemOutcome, item)
}

// CycleCompleted broadcasts a cycle summary.
func (s *Server) CycleCompleted(report *engine.Report, duration time.Duration, runErr error) {
	data := CycleCompleteData{Duration: duration}
	if report != nil {
		data.Created = report.Created
		data.Applied = report.Applied
		data.Unchanged = report.Unchanged
		data.Failed = report.Failed
		data.Orphaned = report.Orphaned
		data.Conflicts = report.Conflicts
	}
	if runErr != nil {
		data.Error = runErr.Error()
	}
	s.send(MessageTypeCycleComplete, data)
}

func (s *Server) send(typ MessageType, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Printf("marshaling %s message: %v", typ, err)
		return
	}
	msg := Message{Type: typ, Timestamp: time.Now().UTC(), Data: data}
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Printf("broadcast channel full, dropping %s message", typ)
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("marshaling broadcast: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			// Write outside the lock so a slow client cannot stall
			// registration of new ones.
			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("websocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Printf("dashboard client connected (total: %d)", count)

	go s.readLoop(conn)
}

// readLoop drains client frames so pings are answered and disconnects
// are noticed. Client messages are otherwise ignored.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	_, exists := s.clients[conn]
	if exists {
		delete(s.clients, conn)
	}
	count := len(s.clients)
	s.clientsMu.Unlock()

	if exists {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("dashboard client disconnected (total: %d)", count)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.clientsMu.RLock()
	count := len(s.clients)
	s.clientsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": count,
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>clubwarrior</title>
</head>
<body>
    <h1>clubwarrior sync dashboard</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Health check: <a href="/health">/health</a></p>
    <p>Connect a WebSocket client to watch sync cycles live.</p>
</body>
</html>`, r.Host)
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
