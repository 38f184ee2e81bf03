package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marginalia/internal/apierr"
	"marginalia/internal/auth"
	"marginalia/internal/logging"
)

type IdentityResolver interface {
	Resolve(ctx context.Context, token string) (auth.Identity, error)
}

type ServerOptions struct {
	// AllowedOrigin is "*" or a single origin.
	AllowedOrigin  string
	SendBuffer     int
	MaxMessageSize int64
}

// Server upgrades authenticated requests to WebSocket connections.
type Server struct {
	resolver    IdentityResolver
	coordinator *Coordinator
	handler     *Handler
	options     ServerOptions
	upgrader    websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

func NewServer(resolver IdentityResolver, coordinator *Coordinator, handler *Handler, options ServerOptions) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		resolver:    resolver,
		coordinator: coordinator,
		handler:     handler,
		options:     options,
		ctx:         ctx,
		cancel:      cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		Subprotocols:    []string{auth.BearerSubprotocol},
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := strings.TrimSpace(s.options.AllowedOrigin)
	origin := r.Header.Get("Origin")
	if allowed == "" || allowed == "*" || origin == "" {
		return true
	}
	return strings.EqualFold(origin, allowed)
}

// ServeHTTP authenticates before upgrading. A bad credential gets a 401 and
// never reaches room operations.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.isClosing() {
		writeStatus(w, http.StatusServiceUnavailable, apierr.CodeServer, "Server is shutting down")
		return
	}

	token, _ := auth.TokenFromRequest(r)
	identity, err := s.resolver.Resolve(r.Context(), token)
	if err != nil {
		logging.From(r.Context()).Debugf("websocket auth: %v", err)
		writeStatus(w, http.StatusUnauthorized, apierr.CodeUnauthorized, "Authentication required")
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the error response.
		logging.From(r.Context()).Debugf("websocket upgrade: %v", err)
		return
	}

	// Registration and wg.Add happen under mu so Shutdown either sees this
	// connection in CloseAll or this handshake sees closing.
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		_ = ws.Close()
		return
	}
	conn := newConn(ws, identity, s.options.SendBuffer)
	s.coordinator.Connect(conn)
	s.wg.Add(2)
	s.mu.Unlock()
	conn.logger.Debug("connected")

	go func() {
		defer s.wg.Done()
		conn.writeLoop()
	}()
	go func() {
		defer s.wg.Done()
		conn.readLoop(s.ctx, s.handler, s.coordinator, s.options.MaxMessageSize)
		conn.logger.Debug("disconnected")
	}()
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func writeStatus(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":  code,
		"error": message,
	})
}

// Shutdown stops accepting handshakes, closes every connection and waits for
// their goroutines.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.cancel()
	s.coordinator.CloseAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
