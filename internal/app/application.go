package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"proctorhub/internal/api"
	"proctorhub/internal/config"
	"proctorhub/internal/crypto"
	"proctorhub/internal/database"
	"proctorhub/internal/exam"
	"proctorhub/internal/groupsync"
	"proctorhub/internal/hub"
	"proctorhub/internal/orchestrator"
	"proctorhub/internal/provider"
	"proctorhub/internal/remote"
	"proctorhub/internal/reservation"
	"proctorhub/internal/router"
	"proctorhub/internal/scheduler"
	"proctorhub/internal/websocket"
	dbconfig "proctorhub/pkg/database"
)

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config       *config.Config
	dbManager    *database.Manager
	exams        *exam.Manager
	registry     *websocket.Registry
	router       *router.Router
	hub          *hub.Hub
	orchestrator *orchestrator.Orchestrator
	scheduler    *scheduler.Scheduler
	apiServer    *api.Server
	httpServer   *http.Server
	listener     net.Listener
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Database → Crypto → Exams → Providers → Registry → Router → Hub → Orchestrator → Scheduler → API → HTTP
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	// Validate configuration before component initialization
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// STEP 1: Initialize database manager (foundation layer)
	if dir := filepath.Dir(cfg.Database.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	dbConfig := &dbconfig.Config{
		DatabasePath:    cfg.Database.Path,
		MaxConnections:  10,
		ConnMaxLifetime: cfg.Database.Timeout,
		ConnMaxIdleTime: cfg.Database.Timeout / 3,
		BusyRetryDelay:  cfg.Database.BusyRetryDelay,
	}

	dbManager, err := database.NewManager(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	// STEP 1.5: Apply the embedded migrations so the schema is up to date
	migrationManager := dbconfig.NewMigrationManager(dbManager.GetDB(), dbConfig.MigrationsPath)
	if err := migrationManager.ApplyMigrations(); err != nil {
		dbManager.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	if err := migrationManager.ValidateSchema(); err != nil {
		dbManager.Close()
		return nil, fmt.Errorf("database schema incomplete: %w", err)
	}
	validator := dbconfig.NewSchemaValidator(dbManager.GetDB())
	if err := validator.ValidateTableStructure(); err != nil {
		dbManager.Close()
		return nil, fmt.Errorf("database schema mismatch: %w", err)
	}
	if err := validator.ValidateIndexes(); err != nil {
		dbManager.Close()
		return nil, fmt.Errorf("database schema mismatch: %w", err)
	}
	log.Println("Database migrations applied successfully")

	// STEP 2: Load or create the identity that seals provider secrets
	cryptor, err := crypto.LoadOrCreateIdentity(cfg.Crypto.IdentityPath)
	if err != nil {
		dbManager.Close()
		return nil, fmt.Errorf("failed to load crypto identity: %w", err)
	}

	// STEP 3: Exam manager with a warm settings cache
	exams := exam.NewManager(dbManager, cryptor)
	if err := exams.LoadRunningExams(context.Background()); err != nil {
		dbManager.Close()
		return nil, err
	}

	// STEP 4: Provider adapters over the shared remote call layer
	templates, err := remote.NewCache(cfg.Remote.CacheSize)
	if err != nil {
		dbManager.Close()
		return nil, fmt.Errorf("failed to create template cache: %w", err)
	}
	providers := provider.NewDefaultRegistry(*cfg.Providers, provider.Deps{
		Cryptor:   cryptor,
		Exams:     exams,
		Rooms:     dbManager,
		Conns:     dbManager,
		Access:    exams,
		Templates: templates,
		Tokens:    remote.NewTokenCache(cfg.Remote.TokenRefreshSkew),
		Remote:    *cfg.Remote,
	})

	// STEP 5: Instruction delivery: registry → router → hub
	registry := websocket.NewRegistry()
	instructionRouter := router.NewRouter(registry, dbManager, cfg.WebSocket.MaxInstructionsPerMinute)
	instructionHub := hub.NewHub(dbManager, instructionRouter, cfg.Proctoring.RetryInterval)

	// STEP 6: Orchestrator. Screen proctoring collaborators are only set
	// when the adapter is registered, never as typed nils.
	deps := orchestrator.Deps{
		Store:        dbManager,
		Exams:        exams,
		Registry:     providers,
		Reservations: reservation.NewService(),
		Queue:        instructionHub,
		Templates:    templates,
	}
	if sps, ok := providers.SPS(); ok {
		deps.Screen = sps
		deps.Groups = groupsync.NewSynchronizer(sps, dbManager)
	}
	orch := orchestrator.New(orchestrator.Config{SendBroadcastReset: cfg.Proctoring.SendBroadcastReset}, deps)

	// STEP 7: Background pass
	sched := scheduler.New(exams, dbManager, orch, cfg.Proctoring.UpdateInterval)

	// STEP 8: Client channel and API
	wsHandler := websocket.NewHandler(registry, dbManager, instructionRouter)
	wsHandler.SetHeartbeat(cfg.WebSocket.PingInterval, cfg.WebSocket.ReadTimeout)

	apiServer := api.NewServer(orch, exams, dbManager, registry, http.HandlerFunc(wsHandler.HandleWebSocket))
	apiServer.EnableIntake(dbManager)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:       cfg,
		dbManager:    dbManager,
		exams:        exams,
		registry:     registry,
		router:       instructionRouter,
		hub:          instructionHub,
		orchestrator: orch,
		scheduler:    sched,
		apiServer:    apiServer,
		httpServer:   httpServer,
	}, nil
}

// Start begins application execution
// Hub starts first so instructions queued by the first pass are delivered,
// then the scheduler, then the HTTP server accepts connections
func (app *Application) Start(ctx context.Context) error {
	log.Printf("Starting proctorhub on %s", app.httpServer.Addr)

	// STEP 1: Start instruction hub (background delivery and retry)
	if err := app.hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start instruction hub: %w", err)
	}

	// STEP 2: Start the background proctoring pass
	if err := app.scheduler.Start(ctx); err != nil {
		app.hub.Stop()
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	// STEP 3: Bind before returning so GetAddr reports the real port
	if app.listener == nil {
		if err := app.Listen(app.httpServer.Addr); err != nil {
			app.scheduler.Stop()
			app.hub.Stop()
			return err
		}
	}
	listener := app.listener

	go func() {
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	log.Printf("proctorhub started successfully on %s", listener.Addr())
	return nil
}

// Stop gracefully shuts down the application
// Reverse dependency order: HTTP → Scheduler → Hub → Database
func (app *Application) Stop(ctx context.Context) error {
	log.Printf("Shutting down proctorhub")

	// STEP 1: Stop accepting new connections
	if err := app.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	// STEP 2: Let a running pass finish, then stop scheduling new ones
	if err := app.scheduler.Stop(); err != nil && !errors.Is(err, scheduler.ErrSchedulerNotRunning) {
		log.Printf("Scheduler shutdown error: %v", err)
	}

	// STEP 3: Stop instruction delivery; undelivered instructions stay stored
	if err := app.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		log.Printf("Instruction hub shutdown error: %v", err)
	}

	// STEP 4: Close database connections
	if err := app.dbManager.Close(); err != nil {
		log.Printf("Database shutdown error: %v", err)
	}

	log.Printf("proctorhub shutdown complete")
	return nil
}

// Listen binds the HTTP listener ahead of Start, e.g. to an ephemeral port
func (app *Application) Listen(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	app.listener = listener
	app.httpServer.Addr = listener.Addr().String()
	return nil
}

// RunPass runs one background pass immediately
func (app *Application) RunPass(ctx context.Context) scheduler.PassReport {
	return app.scheduler.RunOnce(ctx)
}

// GetAddr returns the server address for external connections
func (app *Application) GetAddr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Handler exposes the HTTP surface without a listener
func (app *Application) Handler() http.Handler {
	return app.apiServer
}

// Orchestrator exposes the proctoring core to embedding code
func (app *Application) Orchestrator() *orchestrator.Orchestrator {
	return app.orchestrator
}

// GetStats summarizes the running components
func (app *Application) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"hub":         app.hub.GetStats(),
		"exams":       app.exams.GetStats(),
		"connections": app.registry.GetStats(),
	}
}
