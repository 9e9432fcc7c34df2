package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Config holds server configuration.
type Config struct {
	// Host to bind (default: all interfaces).
	Host string

	// Port to listen on; 0 picks a free port.
	Port int

	// Status supplies /health and the welcome message. Optional.
	Status StatusFunc

	// Logger for server activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns the settings used by 'pgsync dashboard'.
func DefaultConfig() *Config {
	return &Config{
		Port:   8090,
		Logger: log.New(os.Stderr, "[dashboard] ", log.LstdFlags),
	}
}

// Server accepts WebSocket clients and fans messages out to them.
type Server struct {
	addr     string
	status   StatusFunc
	logger   *log.Logger
	listener net.Listener
	http     *http.Server

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a server. Nothing listens until Start.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = DefaultConfig().Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:    net.JoinHostPort(config.Host, strconv.Itoa(config.Port)),
		status:  config.Status,
		logger:  logger,
		clients: make(map[*client]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start listens and serves /ws, /health and / in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleRoot)
	s.http = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard listening on %s", ln.Addr())
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop disconnects every client, shuts the listener down and waits for the
// server goroutines.
func (s *Server) Stop() error {
	s.cancel()

	s.mu.Lock()
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		if s.remove(c) {
			_ = c.conn.CloseNow()
		}
	}

	var err error
	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := s.http.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("server shutdown error: %w", shutdownErr)
		}
	}

	s.wg.Wait()
	s.logger.Println("Dashboard stopped")
	return err
}

// Broadcast queues msg for every client. It never blocks; a client whose
// queue is full is disconnected.
func (s *Server) Broadcast(msg Message) {
	if s.ctx.Err() != nil {
		return
	}
	frame, err := encode(msg)
	if err != nil {
		s.logger.Printf("Failed to marshal %s message: %v", msg.Type, err)
		return
	}

	var slow []*client
	s.mu.RLock()
	for c := range s.clients {
		if !c.enqueue(frame) {
			slow = append(slow, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range slow {
		if s.remove(c) {
			s.logger.Printf("Client queue full, disconnected")
			_ = c.conn.CloseNow()
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	c := newClient(conn)

	// Sent before registering so it is always the first frame.
	welcome := Message{Type: MessageTypeStatus}
	if status, err := s.snapshot(r.Context()); err != nil {
		s.logger.Printf("Failed to build status: %v", err)
	} else if status != nil {
		welcome.Data, _ = json.Marshal(status)
	}
	frame, _ := encode(welcome)
	if err := c.write(s.ctx, frame); err != nil {
		s.logger.Printf("Failed to send welcome message: %v", err)
		_ = conn.CloseNow()
		return
	}

	if !s.register(c) {
		_ = conn.CloseNow()
		return
	}
	go s.serve(c)
}

// register adds c unless the server is stopping.
func (s *Server) register(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c] = struct{}{}
	s.wg.Add(1)
	s.logger.Printf("Client connected (total: %d)", len(s.clients))
	return true
}

func (s *Server) serve(c *client) {
	defer s.wg.Done()
	defer func() {
		if s.remove(c) {
			_ = c.conn.Close(websocket.StatusNormalClosure, "")
		}
	}()

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	go func() {
		c.readLoop(ctx)
		cancel()
	}()

	if err := c.writeLoop(ctx); err != nil {
		s.logger.Printf("Failed to send to client: %v", err)
	}
}

// remove unregisters c and stops its writer. It reports false when c was
// already removed; the caller that gets true closes the connection.
func (s *Server) remove(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; !ok {
		return false
	}
	delete(s.clients, c)
	close(c.done)
	s.logger.Printf("Client disconnected (total: %d)", len(s.clients))
	return true
}

func (s *Server) snapshot(ctx context.Context) (*Status, error) {
	if s.status == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.status(ctx)
}

type healthResponse struct {
	Status  string  `json:"status"`
	Clients int     `json:"clients"`
	Error   string  `json:"error,omitempty"`
	Sync    *Status `json:"sync,omitempty"`
}

// handleHealth answers 503 when the status snapshot cannot be built.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Clients: s.ClientCount()}
	code := http.StatusOK

	status, err := s.snapshot(r.Context())
	if err != nil {
		resp.Status = "degraded"
		resp.Error = err.Error()
		code = http.StatusServiceUnavailable
	}
	resp.Sync = status

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>pgsync</title></head>
<body>
<h1>pgsync</h1>
<p>Live events: <code>ws://%[1]s/ws</code></p>
<p>Checkpoints: <a href="/health">/health</a></p>
</body>
</html>`, r.Host)
}

// GetAddr returns the listening address, or the configured one before Start.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
