package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpapi "github.com/parleychat/parley/internal/chat/http"
	"github.com/parleychat/parley/internal/chat/service"
	"github.com/parleychat/parley/internal/chat/store"
	"github.com/parleychat/parley/internal/chat/store/drivers/sqlite"
	"github.com/parleychat/parley/pkg/cryptox"
	"github.com/parleychat/parley/pkg/slogx"
)

const (
	// BuildVersion should be set at build time via ldflags. Later problem
	BuildVersion = "v0.1.0"

	downloadEndpoint = "/attachments"
)

// Application encapsulates the chat service with all its dependencies.
type Application struct {
	cfg    Config
	logger *slog.Logger

	db store.Store

	authService       *service.AuthService
	threadService     *service.ThreadService
	chatService       *service.ChatService
	attachmentService *service.AttachmentService
	searchService     *service.SearchService
	provider          *service.ProviderClient

	server *http.Server
	router *httpapi.Router
}

// New creates a new Application instance with all dependencies initialized
func New(cfg Config) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "chat-service",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
	}

	// Set pepper path for password hashing
	cryptox.SetPepperPath(app.cfg.PepperFile)

	if err := os.MkdirAll(app.cfg.AttachmentsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create attachments directory: %w", err)
	}

	if err := app.initDatabase(); err != nil {
		return nil, err
	}

	app.initServices()
	app.initHTTP()

	return app, nil
}

// Run starts the application and blocks until shutdown is requested
func (app *Application) Run() error {
	app.logger.Info("chat service starting", "port", app.cfg.Port, "version", BuildVersion)

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- app.server.ListenAndServe()
	}()

	// Setup signal handling for graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a shutdown signal or server error
	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
	case sig := <-shutdown:
		app.logger.Info("shutdown signal received", "signal", sig)

		if err := app.Shutdown(); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}

	return nil
}

// Shutdown gracefully shuts down the application
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down chat service...")

	// Give outstanding requests a deadline for completion
	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGracePeriod)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("graceful server shutdown failed", "error", err)
		if err := app.server.Close(); err != nil {
			app.logger.Error("error closing server", "error", err)
		}
	}

	if err := app.db.Close(); err != nil {
		app.logger.Error("error closing database", "error", err)
		return err
	}

	app.logger.Info("chat service stopped")
	return nil
}

// initDatabase initializes the database and applies migrations
func (app *Application) initDatabase() error {
	host := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", app.cfg.DatabaseFile)
	db, err := sqlite.NewStore(host)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	if err := db.ApplyMigrations(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to apply database migrations: %w", err)
	}

	app.logger.Info("database migrations applied successfully")
	return nil
}

// initServices initializes all business logic services
func (app *Application) initServices() {
	secret := app.cfg.JWTSecret
	if secret == "" {
		// Ephemeral secret: tokens will not survive a restart.
		secret = cryptox.MustGenerateToken(cryptox.TokenSize256)
		app.logger.Warn("CHAT_JWT_SECRET not set, using an ephemeral signing secret")
	}

	app.authService = &service.AuthService{
		Store:      app.db,
		Secret:     []byte(secret),
		Issuer:     app.cfg.Issuer,
		Audience:   app.cfg.Audience,
		AccessTTL:  app.cfg.AccessTokenTTL,
		RefreshTTL: app.cfg.RefreshTokenTTL,
	}

	app.provider = &service.ProviderClient{
		BaseURL:          app.cfg.ProviderBaseURL,
		APIKey:           app.cfg.ProviderAPIKey,
		AttachmentsDir:   app.cfg.AttachmentsDir,
		DownloadEndpoint: downloadEndpoint,
		HTTPClient:       &http.Client{Timeout: app.cfg.ProviderTimeout},
	}

	app.threadService = &service.ThreadService{Store: app.db}

	if app.cfg.EmbeddingsBaseURL != "" {
		app.searchService = &service.SearchService{
			Store: app.db,
			Embeddings: &service.EmbeddingClient{
				BaseURL: app.cfg.EmbeddingsBaseURL,
				APIKey:  app.cfg.EmbeddingsAPIKey,
				Model:   app.cfg.EmbeddingModel,
			},
			MinSimilarity: app.cfg.MinSimilarity,
		}
	} else {
		app.logger.Info("embeddings endpoint not configured, thread search disabled")
	}

	app.chatService = &service.ChatService{
		Store:            app.db,
		Threads:          app.threadService,
		Provider:         app.provider,
		Search:           app.searchService,
		AttachmentsDir:   app.cfg.AttachmentsDir,
		DownloadEndpoint: downloadEndpoint,
	}

	app.attachmentService = &service.AttachmentService{
		Store: app.db,
		Dir:   app.cfg.AttachmentsDir,
	}
}

// initHTTP initializes the HTTP router and server
func (app *Application) initHTTP() {
	router := httpapi.NewRouter(
		app.authService,
		BuildVersion,
		app.db,
		app.logger,
	)

	// Wire services to router
	router.AuthService = app.authService
	router.ThreadService = app.threadService
	router.ChatService = app.chatService
	router.AttachmentService = app.attachmentService
	router.SearchService = app.searchService
	router.Provider = app.provider
	for _, id := range app.cfg.FallbackModels {
		router.FallbackModels = append(router.FallbackModels, service.ModelCard{ID: id, Name: id})
	}
	router.ApplyRoutes()

	app.router = router

	app.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", app.cfg.Port),
		Handler: router,
		// Streaming responses run long, so only the header read is bounded.
		ReadHeaderTimeout: 3 * time.Second,
	}
}
