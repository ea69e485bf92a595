// Package app wires the subsystems together and owns startup and shutdown
// ordering.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"orderhub/internal/api"
	"orderhub/internal/auth"
	"orderhub/internal/config"
	"orderhub/internal/hub"
	"orderhub/internal/ingest"
	"orderhub/internal/journal"
	"orderhub/internal/metrics"
)

// Application composes the hub, journal, ingest bridge, and HTTP server.
// Construction validates and wires everything; Start brings the pieces up
// in dependency order and Stop tears them down in reverse.
type Application struct {
	config  *config.Config
	journal *journal.Journal
	hub     *hub.Hub
	handler *hub.Handler
	server  *http.Server

	natsSource *ingest.NATSSource
	bridge     *ingest.Bridge

	cancel context.CancelFunc
}

// New builds an application from validated configuration.
func New(cfg *config.Config) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	jrnl, err := journal.Open(cfg.Journal.Path, cfg.Journal.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to open event journal: %w", err)
	}

	registry := hub.NewRegistry(cfg.Hub.MaxPerTenant, cfg.Hub.MaxPerUser)
	h := hub.NewHub(registry, jrnl, cfg.Hub.SweepInterval, cfg.Hub.StaleAfter)

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.TokenSecret))
	handler := hub.NewHandler(h, verifier, cfg.Hub, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", handler.HandleWebSocket)
	mux.Handle("/metrics", metrics.Handler())
	api.NewServer(h, jrnl).RegisterRoutes(mux)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	app := &Application{
		config:  cfg,
		journal: jrnl,
		hub:     h,
		handler: handler,
		server:  server,
	}

	if cfg.NATS.URL != "" {
		source, err := ingest.ConnectNATS(cfg.NATS.URL)
		if err != nil {
			_ = jrnl.Close()
			return nil, fmt.Errorf("failed to connect event source: %w", err)
		}
		app.natsSource = source
		app.bridge = ingest.NewBridge(h, source, cfg.NATS.SubjectPrefix)
	}

	return app, nil
}

// Start brings the application up: sweep loop, ingest bridge, then the
// HTTP listener. It returns once the listener is accepting or has failed
// immediately.
func (a *Application) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if err := a.hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}

	if a.bridge != nil {
		if err := a.bridge.Start(ctx); err != nil {
			return fmt.Errorf("failed to start ingest bridge: %w", err)
		}
		log.Printf("app: ingest bridge subscribed with prefix %q", a.config.NATS.SubjectPrefix)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("app: listening on %s", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed to start: %w", err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop shuts the application down in reverse order: stop accepting HTTP,
// stop ingesting, drain the hub so every client sees the shutdown close
// code, then release the journal.
func (a *Application) Stop(ctx context.Context) error {
	var firstErr error

	if err := a.server.Shutdown(ctx); err != nil {
		log.Printf("app: http shutdown: %v", err)
		firstErr = err
	}

	if a.bridge != nil {
		a.bridge.Stop()
	}
	if a.natsSource != nil {
		if err := a.natsSource.Close(); err != nil {
			log.Printf("app: event source close: %v", err)
		}
	}

	if err := a.hub.Shutdown(ctx); err != nil {
		log.Printf("app: hub shutdown: %v", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	if a.cancel != nil {
		a.cancel()
	}

	if err := a.journal.Close(); err != nil {
		log.Printf("app: journal close: %v", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// Hub exposes the broadcast surface, used by tests.
func (a *Application) Hub() *hub.Hub {
	return a.hub
}

// Addr returns the configured listen address.
func (a *Application) Addr() string {
	return a.server.Addr
}
