// Package api exposes the thin operator surface: a JSON CRUD API over the
// store and subsystems, and a WebSocket bridge re-broadcasting bus topics to
// UI clients. The HTML rendering layer lives elsewhere; this package only
// serves its data.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/led0r/poly-copy/internal/bus"
	"github.com/led0r/poly-copy/internal/config"
	"github.com/led0r/poly-copy/internal/copytrade"
	"github.com/led0r/poly-copy/internal/metadata"
	"github.com/led0r/poly-copy/internal/store"
	"github.com/led0r/poly-copy/internal/strategy"
	"github.com/led0r/poly-copy/internal/venue"
)

// Server runs the HTTP/WebSocket API.
type Server struct {
	cfg      config.ServerConfig
	handlers *Handlers
	hub      *Hub
	server   *http.Server
	logger   *slog.Logger
}

// Deps bundles the collaborators the handlers need.
type Deps struct {
	Store    *store.Store
	Watcher  *copytrade.Watcher
	Executor *copytrade.Executor
	Engine   *strategy.Engine
	Fetcher  *metadata.Fetcher
	Feed     *venue.Feed
	Bus      *bus.Bus
}

// NewServer wires the router.
func NewServer(cfg config.ServerConfig, deps Deps, logger *slog.Logger) *Server {
	hub := NewHub(deps.Bus, logger)
	handlers := NewHandlers(deps, hub, logger)

	r := mux.NewRouter()
	r.HandleFunc("/health", handlers.HandleHealth).Methods(http.MethodGet)

	apiR := r.PathPrefix("/api").Subrouter()
	apiR.HandleFunc("/credentials", handlers.HandleGetCredentials).Methods(http.MethodGet)
	apiR.HandleFunc("/credentials", handlers.HandleUpdateCredentials).Methods(http.MethodPut)

	apiR.HandleFunc("/tracked-users", handlers.HandleListTrackedUsers).Methods(http.MethodGet)
	apiR.HandleFunc("/tracked-users", handlers.HandleTrackUser).Methods(http.MethodPost)
	apiR.HandleFunc("/tracked-users/{address}", handlers.HandleUntrackUser).Methods(http.MethodDelete)
	apiR.HandleFunc("/tracked-users/{address}/restore", handlers.HandleRestoreUser).Methods(http.MethodPost)
	apiR.HandleFunc("/tracked-users/{address}/permanent", handlers.HandleDeleteUser).Methods(http.MethodDelete)

	apiR.HandleFunc("/settings", handlers.HandleGetSettings).Methods(http.MethodGet)
	apiR.HandleFunc("/settings", handlers.HandleUpdateSettings).Methods(http.MethodPut)

	apiR.HandleFunc("/copy-trades", handlers.HandleListCopyTrades).Methods(http.MethodGet)
	apiR.HandleFunc("/copy-trades/manual", handlers.HandleManualCopy).Methods(http.MethodPost)
	apiR.HandleFunc("/copy-trades/{id}/retry", handlers.HandleRetryCopyTrade).Methods(http.MethodPost)
	apiR.HandleFunc("/copy-trades/{id}", handlers.HandleDeleteCopyTrade).Methods(http.MethodDelete)

	apiR.HandleFunc("/strategies", handlers.HandleListStrategies).Methods(http.MethodGet)
	apiR.HandleFunc("/strategies", handlers.HandleCreateStrategy).Methods(http.MethodPost)
	apiR.HandleFunc("/strategies/{id}", handlers.HandleGetStrategy).Methods(http.MethodGet)
	apiR.HandleFunc("/strategies/{id}", handlers.HandleUpdateStrategy).Methods(http.MethodPut)
	apiR.HandleFunc("/strategies/{id}", handlers.HandleDeleteStrategy).Methods(http.MethodDelete)
	apiR.HandleFunc("/strategies/{id}/start", handlers.HandleStartStrategy).Methods(http.MethodPost)
	apiR.HandleFunc("/strategies/{id}/stop", handlers.HandleStopStrategy).Methods(http.MethodPost)
	apiR.HandleFunc("/strategies/{id}/pause", handlers.HandlePauseStrategy).Methods(http.MethodPost)
	apiR.HandleFunc("/strategies/{id}/resume", handlers.HandleResumeStrategy).Methods(http.MethodPost)
	apiR.HandleFunc("/strategies/{id}/events", handlers.HandleStrategyEvents).Methods(http.MethodGet)
	apiR.HandleFunc("/strategies/{id}/positions", handlers.HandleStrategyPositions).Methods(http.MethodGet)
	apiR.HandleFunc("/strategies/{id}/tokens", handlers.HandleStrategyTokens).Methods(http.MethodGet)

	apiR.HandleFunc("/trades", handlers.HandleListTrades).Methods(http.MethodGet)
	apiR.HandleFunc("/markets/search", handlers.HandleSearchMarkets).Methods(http.MethodGet)
	apiR.HandleFunc("/feed/status", handlers.HandleFeedStatus).Methods(http.MethodGet)

	r.HandleFunc("/ws", handlers.HandleWebSocket)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	handler := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(r)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		handlers: handlers,
		hub:      hub,
		server:   server,
		logger:   logger.With("component", "api_server"),
	}
}

// Start runs the hub and listens. Blocks until the server closes.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop drains in-flight requests.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
