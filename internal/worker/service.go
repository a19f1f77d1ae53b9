// Package worker provides the HTTP service for solace.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	httpSwagger "github.com/swaggo/http-swagger"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm/logger"

	_ "github.com/solace-ai/solace/docs" // swagger spec, generated by swag
	"github.com/solace-ai/solace/internal/analysis"
	"github.com/solace-ai/solace/internal/assistant"
	"github.com/solace-ai/solace/internal/config"
	gormdb "github.com/solace-ai/solace/internal/db/gorm"
	"github.com/solace-ai/solace/internal/feed"
	"github.com/solace-ai/solace/internal/session"
	"github.com/solace-ai/solace/internal/team"
	"github.com/solace-ai/solace/internal/voice"
	"github.com/solace-ai/solace/internal/watcher"
	"github.com/solace-ai/solace/internal/worker/sse"
)

// Service is the solace worker: the session manager and its collaborators
// behind one HTTP surface.
type Service struct {
	version string
	config  *config.Config

	store         *gormdb.Store
	conversations *gormdb.ConversationStore
	messages      *gormdb.MessageStore
	paused        *gormdb.PausedStore

	feed        feed.Feed
	snapshots   *session.SnapshotCache
	voice       *voice.Registry
	team        *team.Graph
	broadcaster *sse.Broadcaster
	manager     *session.Manager
	monitor     *session.Monitor
	watcher     *watcher.Watcher

	router    chi.Router
	server    *http.Server
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
	ready     atomic.Bool
}

// New builds the service and every collaborator from the configuration.
// Optional collaborators (assistant, analysis, team graph) degrade to
// disabled rather than failing startup when unreachable or unset.
func New(version string, cfg *config.Config) (*Service, error) {
	if cfg == nil {
		cfg = config.Get()
	}

	if err := config.EnsureAll(); err != nil {
		return nil, fmt.Errorf("prepare data directory: %w", err)
	}

	store, err := gormdb.NewStore(gormdb.Config{
		Driver:   cfg.DatabaseDriver,
		Path:     config.DBPath(),
		DSN:      cfg.DatabaseDSN,
		MaxConns: cfg.MaxConns,
		LogLevel: logger.Silent,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	eventFeed, err := newFeed(cfg, store)
	if err != nil {
		store.Close()
		return nil, err
	}

	analysisClient, err := analysis.NewClient(cfg.AnalysisURL, cfg.AnalysisTimeout(), cfg.TranscriptTokenBudget, cfg.RedactTermList())
	if err != nil {
		eventFeed.Close()
		store.Close()
		return nil, fmt.Errorf("build analysis client: %w", err)
	}

	var teamGraph *team.Graph
	if cfg.GraphAddr != "" {
		teamGraph, err = team.Connect(cfg.GraphAddr)
		if err != nil {
			log.Warn().Err(err).
				Str("addr", cfg.GraphAddr).
				Msg("Team graph unavailable, insights aggregation disabled")
			teamGraph = nil
		}
	}

	conversations := gormdb.NewConversationStore(store)
	messages := gormdb.NewMessageStore(store)
	paused := gormdb.NewPausedStore(store)
	snapshots := session.NewSnapshotCache(config.SessionsDir())
	voices := voice.NewRegistry()
	broadcaster := sse.NewBroadcaster()

	manager := session.NewManager(session.ManagerConfig{
		Conversations: conversations,
		Messages:      messages,
		Paused:        paused,
		Feed:          eventFeed,
		Snapshots:     snapshots,
		Assistant:     assistant.NewClient(cfg.AssistantURL, cfg.AssistantTimeout(), cfg.RedactTermList()),
		Analysis:      analysisClient,
		Team:          teamGraph,
		Voice:         voices,
		Notifier:      broadcaster,
		Settings:      cfg,
	})

	snapshotWatcher, err := watcher.New(snapshots.Dir(), manager)
	if err != nil {
		log.Warn().Err(err).Msg("Snapshot watcher unavailable, deleted snapshots will not self-heal")
		snapshotWatcher = nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	svc := &Service{
		version:       version,
		config:        cfg,
		store:         store,
		conversations: conversations,
		messages:      messages,
		paused:        paused,
		feed:          eventFeed,
		snapshots:     snapshots,
		voice:         voices,
		team:          teamGraph,
		broadcaster:   broadcaster,
		manager:       manager,
		monitor:       session.NewMonitor(manager, cfg),
		watcher:       snapshotWatcher,
		router:        chi.NewRouter(),
		ctx:           ctx,
		cancel:        cancel,
		startTime:     time.Now(),
	}
	svc.setupRoutes()
	return svc, nil
}

// newFeed selects the change-feed backend. Redis and Postgres feeds reach
// every worker; the in-process feed is for single-instance deployments.
func newFeed(cfg *config.Config, store *gormdb.Store) (feed.Feed, error) {
	switch cfg.FeedBackend {
	case feed.BackendRedis:
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("feed backend %q requires SOLACE_REDIS_ADDR", cfg.FeedBackend)
		}
		return feed.NewRedisFeed(cfg.RedisAddr), nil
	case feed.BackendPostgres:
		pg, err := feed.NewPostgresFeed(store.GetRawDB(), cfg.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres feed: %w", err)
		}
		return pg, nil
	case feed.BackendMemory, "":
		return feed.NewMemoryFeed(), nil
	default:
		return nil, fmt.Errorf("unknown feed backend %q", cfg.FeedBackend)
	}
}

// setupRoutes builds the HTTP surface.
func (s *Service) setupRoutes() {
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(authMiddleware(s.config.AuthTokenHash))

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/swagger/*", httpSwagger.Handler())

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/events", s.broadcaster.HandleSSE)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.handleStartSession)
			r.Get("/current", s.handleCurrentSession)

			r.Route("/{id}", func(r chi.Router) {
				r.Post("/messages", s.handleSendMessage)
				r.Get("/messages", s.handleListMessages)
				r.Post("/pause", s.handlePauseSession)
				r.Post("/resume", s.handleResumeSession)
				r.Post("/complete", s.handleCompleteSession)
				r.Post("/activity", s.handleActivity)
				r.Get("/insights", s.handleSessionInsights)
			})
		})

		r.Route("/team/{managerID}", func(r chi.Router) {
			r.Get("/insights", s.handleTeamInsights)
			r.Post("/members", s.handleAddTeamMember)
		})
	})
}

// Run starts the HTTP server and the background loops, blocking until ctx
// is cancelled or a component fails.
func (s *Service) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Snapshot watcher failed to start")
		}
	}

	group.Go(func() error {
		return s.manager.Run(ctx)
	})
	group.Go(func() error {
		return s.monitor.Run(ctx)
	})
	group.Go(func() error {
		log.Info().
			Str("addr", s.server.Addr).
			Str("version", s.version).
			Str("feedBackend", s.config.FeedBackend).
			Str("dbDriver", s.store.Driver()).
			Msg("Worker listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(drainCtx)
	})

	s.ready.Store(true)

	err := group.Wait()
	s.shutdown()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// shutdown releases collaborators in dependency order. The manager goes
// first so every in-memory session lands in its snapshot before the feed
// and store close underneath it.
func (s *Service) shutdown() {
	s.ready.Store(false)
	s.cancel()

	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			log.Warn().Err(err).Msg("Failed to stop snapshot watcher")
		}
	}
	s.manager.Close()
	if err := s.feed.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close change feed")
	}
	if err := s.team.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close team graph")
	}
	if err := s.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close database")
	}

	log.Info().Msg("Worker stopped")
}
