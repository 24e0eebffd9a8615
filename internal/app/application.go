package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"lexrelay/internal/api"
	"lexrelay/internal/auth"
	"lexrelay/internal/config"
	"lexrelay/internal/pipeline"
	"lexrelay/internal/presence"
	"lexrelay/internal/ratelimit"
	"lexrelay/internal/rooms"
	"lexrelay/internal/server"
	"lexrelay/internal/store"
	"lexrelay/internal/typing"
	"lexrelay/pkg/types"
)

// Application coordinates all system components. Initialization follows
// dependency order: store → auth → presence → rooms → typing → rate
// limiter → pipeline → connection server → admin API → HTTP.
type Application struct {
	config      *config.Config
	store       *store.Store
	presence    *presence.Manager
	rooms       *rooms.Manager
	typing      *typing.Tracker
	limiter     *ratelimit.Limiter
	pipeline    *pipeline.Pipeline
	wsServer    *server.Server
	apiServer   *api.Server
	httpServer  *http.Server
	sweepCancel context.CancelFunc
}

// NewApplication wires the system from configuration.
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	dataStore, err := store.NewStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	verifier, err := auth.NewHMACVerifier(cfg.Auth.Secret, cfg.Auth.Leeway)
	if err != nil {
		_ = dataStore.Close()
		return nil, fmt.Errorf("failed to create token verifier: %w", err)
	}

	presenceManager := presence.NewManager(cfg.Presence.EvictionGrace)
	roomManager := rooms.NewManager(presenceManager, dataStore.Conversations())
	typingTracker := typing.NewTracker(cfg.Typing.AutoStop, roomManager)
	limiter := ratelimit.NewLimiter(limiterRules(cfg.RateLimit))
	messagePipeline := pipeline.NewPipeline(dataStore, dataStore.Conversations(), roomManager, presenceManager)

	// Presence transitions fan out to everyone sharing a conversation
	// with the user; eviction clears their room memberships.
	presenceManager.OnStatusChange(func(userID, status string, lastSeen time.Time) {
		data := map[string]interface{}{
			"user_id": userID,
			"status":  status,
		}
		if status == types.StatusOffline {
			data["last_seen"] = lastSeen.UTC().Format(time.RFC3339)
		}
		for _, participantID := range roomManager.CoParticipants(userID) {
			roomManager.BroadcastToUser(participantID, types.EventUserStatusChange, data)
		}
	})
	presenceManager.OnEvict(func(userID string) {
		roomManager.RemoveUser(userID)
		log.Printf("Presence evicted: user=%s", userID)
	})

	wsServer := server.NewServer(verifier, dataStore, presenceManager, roomManager,
		typingTracker, limiter, messagePipeline, cfg.WebSocket)
	apiServer := api.NewServer(wsServer, limiter, dataStore, cfg.Auth.AdminToken)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsServer.HandleWebSocket)
	mux.Handle("/health", apiServer)
	mux.Handle("/admin/", apiServer)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		store:      dataStore,
		presence:   presenceManager,
		rooms:      roomManager,
		typing:     typingTracker,
		limiter:    limiter,
		pipeline:   messagePipeline,
		wsServer:   wsServer,
		apiServer:  apiServer,
		httpServer: httpServer,
	}, nil
}

// Start launches the rate-limit sweeper and the HTTP server, returning
// once the listener is confirmed up.
func (app *Application) Start(ctx context.Context) error {
	log.Printf("Starting lexrelay on %s", app.httpServer.Addr)

	sweepCtx, cancel := context.WithCancel(context.Background())
	app.sweepCancel = cancel
	app.limiter.StartSweeper(sweepCtx, app.config.RateLimit.SweepInterval)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		cancel()
		return err
	case <-time.After(100 * time.Millisecond):
		log.Printf("lexrelay started")
		return nil
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

// Stop shuts components down in reverse dependency order: HTTP listener,
// background sweeper, then the store.
func (app *Application) Stop(ctx context.Context) error {
	log.Printf("Shutting down lexrelay")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	if app.sweepCancel != nil {
		app.sweepCancel()
	}
	if err := app.store.Close(); err != nil {
		log.Printf("Store shutdown error: %v", err)
	}

	log.Printf("lexrelay shutdown complete")
	return nil
}

// Addr returns the server address for external connections.
func (app *Application) Addr() string {
	return app.httpServer.Addr
}

func limiterRules(cfg *config.RateLimitConfig) map[string]ratelimit.Rule {
	rules := make(map[string]ratelimit.Rule, len(cfg.Rules))
	for event, rule := range cfg.Rules {
		rules[event] = ratelimit.Rule{
			Points: rule.Points,
			Window: rule.Window,
			Block:  rule.Block,
		}
	}
	return rules
}
