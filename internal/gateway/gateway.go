// ABOUTME: Gateway orchestrator that wires the store, service, broadcaster and HTTP server
// ABOUTME: Manages route registration, startup, readiness and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/chatterbox-im/readsync/internal/auth"
	"github.com/chatterbox-im/readsync/internal/config"
	"github.com/chatterbox-im/readsync/internal/conversation"
	"github.com/chatterbox-im/readsync/internal/dedupe"
	"github.com/chatterbox-im/readsync/internal/pubsub"
	"github.com/chatterbox-im/readsync/internal/store"
)

// Gateway orchestrates the readsync server components.
// It owns the store, the conversation service, the event broadcaster and the
// HTTP server that exposes them.
type Gateway struct {
	config      *config.Config
	store       store.Store
	service     *conversation.Service
	broadcaster *pubsub.Broadcaster
	verifier    *auth.JWTVerifier
	httpServer  *http.Server
	handler     http.Handler
	logger      *slog.Logger

	// dedupe absorbs client send retries so a retried request returns the
	// original message instead of appending a duplicate
	dedupe *dedupe.Cache
}

// initStore creates and returns a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("READSYNC_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	broadcaster := pubsub.NewBroadcaster(logger.With("component", "broadcaster"))
	service := conversation.New(s, broadcaster, logger.With("component", "conversation"))
	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	dedupeCache := dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxSize)

	gw := &Gateway{
		config:      cfg,
		store:       s,
		service:     service,
		broadcaster: broadcaster,
		verifier:    verifier,
		dedupe:      dedupeCache,
		logger:      logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)

	// Account endpoints - pre-auth by nature
	mux.HandleFunc("/api/register", gw.handleRegister)
	mux.HandleFunc("/api/login", gw.handleLogin)

	// Everything else requires a valid bearer token
	authMiddleware := auth.HTTPAuthMiddleware(s, verifier)
	mux.Handle("/api/conversations", authMiddleware(http.HandlerFunc(gw.handleConversations)))
	mux.Handle("/api/conversations/", authMiddleware(http.HandlerFunc(gw.handleConversationRoutes)))
	mux.Handle("/api/events", authMiddleware(http.HandlerFunc(gw.handleEvents)))

	gw.handler = mux
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Run starts the gateway server and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if the
// server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the HTTP server and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	// Closing the broadcaster terminates all SSE subscriber channels
	g.broadcaster.Close()
	g.dedupe.Close()

	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the store is reachable.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	// A miss on a nonexistent ID still proves the database answers queries
	_, err := g.store.GetParticipant(r.Context(), "readiness-probe")
	if err != nil && !errors.Is(err, store.ErrParticipantNotFound) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "store unavailable: %v", err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
