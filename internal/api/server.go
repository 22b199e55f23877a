// Package api exposes the pairing and dispatch surface: session lifecycle
// endpoints for the remote-pairing channel, guard decision endpoints for the
// tool-execution dispatcher, and a WebSocket session channel admitted only
// with a channel token minted on successful code validation.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/relayguard/relayguard/internal/audit"
	"github.com/relayguard/relayguard/internal/guard"
	"github.com/relayguard/relayguard/internal/pairing"
)

// Server is the HTTP surface of the security core.
type Server struct {
	addr       string
	store      *pairing.Store
	paths      *guard.PathGuard
	commands   *guard.CommandGuard
	tier       guard.Tier
	recorder   *audit.Recorder
	tokens     *TokenIssuer
	logger     *slog.Logger
	httpServer *http.Server
	channels   *channelRegistry
}

// NewServer wires the guards, session store and audit recorder behind the
// HTTP surface.
func NewServer(
	addr string,
	store *pairing.Store,
	paths *guard.PathGuard,
	commands *guard.CommandGuard,
	tier guard.Tier,
	recorder *audit.Recorder,
	tokens *TokenIssuer,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:     addr,
		store:    store,
		paths:    paths,
		commands: commands,
		tier:     tier,
		recorder: recorder,
		tokens:   tokens,
		logger:   logger.With("component", "api"),
		channels: newChannelRegistry(logger),
	}
}

// Handler builds the route table. Split out from Start so tests can mount
// it on an httptest server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Owner-side pairing endpoints; the listen address binds these to the
	// local machine.
	mux.HandleFunc("POST /api/pairing/session", s.handleCreateSession)
	mux.HandleFunc("POST /api/pairing/validate", s.handleValidateCode)

	// Token-gated session and dispatch endpoints.
	mux.Handle("POST /api/session/extend", s.authMiddleware(http.HandlerFunc(s.handleExtendSession)))
	mux.Handle("POST /api/session/end", s.authMiddleware(http.HandlerFunc(s.handleEndSession)))
	mux.Handle("GET /api/session", s.authMiddleware(http.HandlerFunc(s.handleGetSession)))
	mux.Handle("POST /api/guard/path", s.authMiddleware(http.HandlerFunc(s.handleGuardPath)))
	mux.Handle("POST /api/guard/command", s.authMiddleware(http.HandlerFunc(s.handleGuardCommand)))
	mux.Handle("GET /api/session/channel", s.authMiddleware(http.HandlerFunc(s.handleChannel)))

	return s.loggingMiddleware(mux)
}

// Start runs the server until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "addr", s.addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down API server")
		s.channels.closeAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// recordActivity appends to the session activity log. The session can vanish
// between the middleware check and here; that is not worth failing the
// request over.
func (s *Server) recordActivity(sessionID, event string) {
	if err := s.store.RecordActivity(sessionID, event); err != nil {
		s.logger.Debug("record activity failed", "session_id", sessionID, "error", err)
	}
}

// clientID derives the client identifier used for lockout accounting and
// audit attribution from the transport layer.
func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) emit(ctx context.Context, category audit.Category, action, actor string, details map[string]string) {
	s.recorder.Record(ctx, audit.Event{
		Category: category,
		Action:   action,
		Actor:    actor,
		Details:  details,
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
