// Package server wires the connector runtime and exposes its small
// operational HTTP surface: health, registered connector kinds, refresh
// status and triggers, a target test-send, and a live discovery progress
// stream. CRUD over targets stays with the dashboard API.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/krawall/krawall/connector-runtime/internal/config"
	"github.com/krawall/krawall/connector-runtime/internal/connector"
	"github.com/krawall/krawall/connector-runtime/internal/connector/builtin"
	"github.com/krawall/krawall/connector-runtime/internal/discovery"
	"github.com/krawall/krawall/connector-runtime/internal/kv"
	"github.com/krawall/krawall/connector-runtime/internal/refresh"
	"github.com/krawall/krawall/connector-runtime/internal/store"
	"github.com/krawall/krawall/connector-runtime/internal/telemetry"
	"github.com/krawall/krawall/connector-runtime/pkg/contracts"
	"github.com/krawall/krawall/connector-runtime/pkg/models"
)

// Server holds the initialized connector runtime.
type Server struct {
	// Handler is the ops HTTP handler.
	Handler http.Handler

	// Store is the target configuration source.
	Store store.TargetStore

	// Registry creates connectors by kind. Exposed so embedding hosts can
	// register custom factories.
	Registry *connector.Registry

	// Scheduler owns the repeatable refresh jobs.
	Scheduler contracts.RefreshScheduler

	// Discovery runs the browser pipeline.
	Discovery contracts.DiscoveryService

	// KV is the external key-value store client.
	KV contracts.KV

	// Port is the ops listen port.
	Port int

	browser      *discovery.Browser
	shutdownFunc func(context.Context) error
}

// New initializes the runtime from environment configuration.
func New(ctx context.Context) (*Server, error) {
	cfg := config.Load()

	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	// External key-value store: etcd when endpoints are configured,
	// in-memory otherwise (zero-config runs and tests).
	var kvStore contracts.KV
	var bus contracts.Bus
	if len(cfg.KV.Endpoints) > 0 {
		etcdKV, err := kv.NewEtcd(cfg.KV.Endpoints, cfg.KV.DialTimeout)
		if err != nil {
			return nil, err
		}
		kvStore, bus = etcdKV, etcdKV
		log.Info().Strs("endpoints", cfg.KV.Endpoints).Msg("etcd key-value store connected")
	} else {
		mem := kv.NewMemory()
		kvStore, bus = mem, mem
		log.Info().Msg("in-memory key-value store initialized")
	}

	targets, err := newTargetStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return build(cfg, kvStore, bus, targets, shutdown)
}

// NewWithStore initializes the runtime with externally-provided
// collaborators; the embedding host owns their lifecycle.
func NewWithStore(cfg *config.Config, kvStore contracts.KV, bus contracts.Bus, targets store.TargetStore) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	return build(cfg, kvStore, bus, targets, shutdown)
}

func newTargetStore(ctx context.Context, cfg *config.Config) (store.TargetStore, error) {
	if cfg.Database.URL == "" {
		log.Info().Msg("in-memory target store initialized")
		return store.NewMemoryStore(), nil
	}
	pg, err := store.NewPostgresStore(ctx, cfg.Database.URL, int32(cfg.Database.MaxConnections))
	if err != nil {
		return nil, err
	}
	log.Info().Msg("postgres target store connected")
	return pg, nil
}

func build(cfg *config.Config, kvStore contracts.KV, bus contracts.Bus, targets store.TargetStore, shutdown func(context.Context) error) (*Server, error) {
	browser := discovery.NewBrowser(cfg.Browser)
	cache := discovery.NewCache(kvStore, cfg.Namespace)
	disc := discovery.NewService(browser, cache, cfg.Timeouts, cfg.Browser)
	log.Info().Msg("discovery service initialized")

	scheduler := refresh.NewScheduler(kvStore, bus, disc, targets, cfg.Namespace)
	log.Info().Msg("refresh scheduler initialized")

	registry := builtin.NewRegistry(connector.Deps{
		KV:        kvStore,
		Bus:       bus,
		Discovery: disc,
		Timeouts:  cfg.Timeouts,
		Namespace: cfg.Namespace,
	})

	s := &Server{
		Store:        targets,
		Registry:     registry,
		Scheduler:    scheduler,
		Discovery:    disc,
		KV:           kvStore,
		Port:         cfg.Port,
		browser:      browser,
		shutdownFunc: shutdown,
	}
	s.Handler = s.routes()
	return s, nil
}

// Shutdown stops the scheduler, the browser, and flushes telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	if sched, ok := s.Scheduler.(*refresh.Scheduler); ok {
		sched.Stop()
	}
	if s.browser != nil {
		s.browser.Close()
	}
	if err := s.KV.Close(); err != nil {
		log.Warn().Err(err).Msg("kv close failed")
	}
	if s.shutdownFunc != nil {
		return s.shutdownFunc(ctx)
	}
	return nil
}

// ── Routes ───────────────────────────────────────────────────

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/connectors", s.handleListConnectors)
		r.Route("/targets/{id}", func(r chi.Router) {
			r.Get("/refresh-status", s.handleRefreshStatus)
			r.Post("/refresh", s.handleForceRefresh)
			r.Post("/test", s.handleTestTarget)
			r.Get("/discovery/progress", s.handleDiscoveryProgress)
		})
	})
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListConnectors(w http.ResponseWriter, r *http.Request) {
	kinds := s.Registry.Kinds()
	writeJSON(w, http.StatusOK, map[string]interface{}{"kinds": kinds, "count": len(kinds)})
}

func (s *Server) handleRefreshStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.Scheduler.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleForceRefresh(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.Store.GetTarget(r.Context(), id); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	if err := s.Scheduler.ForceRefresh(r.Context(), id); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "enqueued"})
}

// handleTestTarget runs connect → send → disconnect against the target
// and records the outcome on it.
func (s *Server) handleTestTarget(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	target, err := s.Store.GetTarget(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}

	var body struct {
		Message string `json:"message"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	if body.Message == "" {
		body.Message = "ping"
	}

	result, err := s.testTarget(r.Context(), target, body.Message)
	outcome := "success"
	if err != nil {
		outcome = "failure: " + err.Error()
	}
	if recErr := s.Store.RecordTestOutcome(r.Context(), id, outcome); recErr != nil {
		log.Warn().Err(recErr).Str("target", id).Msg("test outcome not recorded")
	}

	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) testTarget(ctx context.Context, target *models.Target, msg string) (*models.SendResult, error) {
	conn, err := s.Registry.Create(target)
	if err != nil {
		return nil, err
	}
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}
	defer conn.Disconnect(context.WithoutCancel(ctx))
	return conn.Send(ctx, msg, nil)
}

// handleDiscoveryProgress streams discovery progress events for a target
// as server-sent events, one JSON-encoded event per "data:" record.
func (s *Server) handleDiscoveryProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	target, err := s.Store.GetTarget(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	events := make(chan models.ProgressEvent, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := s.Discovery.Discover(r.Context(), target, r.URL.Query().Get("force") == "true",
			func(ev models.ProgressEvent) {
				select {
				case events <- ev:
				default:
				}
			})
		if err != nil {
			log.Warn().Err(err).Str("target", id).Msg("progress-streamed discovery failed")
		}
	}()

	for {
		select {
		case ev := <-events:
			raw, _ := json.Marshal(ev)
			fmt.Fprintf(w, "data: %s\n\n", raw)
			flusher.Flush()
		case <-done:
			// drain anything buffered, then finish
			for {
				select {
				case ev := <-events:
					raw, _ := json.Marshal(ev)
					fmt.Fprintf(w, "data: %s\n\n", raw)
				default:
					flusher.Flush()
					return
				}
			}
		case <-r.Context().Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("response encode failed")
	}
}

// ── Refresh bootstrap ────────────────────────────────────────

// ScheduleActiveTargets enqueues refresh jobs for every active
// browser-websocket target with refresh enabled. Called at startup.
func (s *Server) ScheduleActiveTargets(ctx context.Context) {
	targets, err := s.Store.ListTargets(ctx, true)
	if err != nil {
		log.Warn().Err(err).Msg("listing targets for refresh bootstrap failed")
		return
	}
	scheduled := 0
	for i := range targets {
		t := &targets[i]
		cfg := t.Protocol.GetBrowserWS()
		if t.Kind != models.ConnectorBrowserWS || cfg == nil || !cfg.RefreshEnabled {
			continue
		}
		if err := s.Scheduler.Schedule(ctx, t); err != nil {
			log.Warn().Err(err).Str("target", t.ID).Msg("refresh schedule failed")
			continue
		}
		scheduled++
	}
	if scheduled > 0 {
		log.Info().Int("targets", scheduled).Msg("refresh jobs scheduled")
	}
}
