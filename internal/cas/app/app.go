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

	"github.com/castlegate/casd/internal/cas/audit"
	"github.com/castlegate/casd/internal/cas/factory"
	httpapi "github.com/castlegate/casd/internal/cas/http"
	"github.com/castlegate/casd/internal/cas/registry"
	"github.com/castlegate/casd/internal/cas/registry/drivers/sqlite"
	"github.com/castlegate/casd/internal/cas/registry/memory"
	"github.com/castlegate/casd/internal/cas/service"
	"github.com/castlegate/casd/internal/cas/services"
	"github.com/castlegate/casd/pkg/jwtx"
	"github.com/castlegate/casd/pkg/slogx"
)

const (
	// BuildVersion should be set at build time via ldflags. Later problem
	BuildVersion = "v0.1.0"
)

// Application encapsulates the ticket server with all its dependencies
type Application struct {
	cfg    Config
	logger *slog.Logger

	registry registry.Registry
	signer   *jwtx.Signer

	ticketService  *service.TicketService
	cleanerService *service.CleanerService

	server *http.Server
	router *httpapi.Router
}

// New creates a new Application instance with all dependencies initialized
func New(cfg Config) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "cas-ticket-service",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
	}

	if err := app.initRegistry(); err != nil {
		return nil, err
	}

	if err := app.initSigner(); err != nil {
		_ = app.registry.Close()
		return nil, err
	}

	if err := app.initServices(); err != nil {
		_ = app.registry.Close()
		return nil, err
	}
	app.initHTTP()

	return app, nil
}

// Run starts the application and blocks until shutdown is requested
func (app *Application) Run() error {
	app.cleanerService.Start()

	app.logger.Info("cas ticket service starting",
		"port", app.cfg.Port,
		"version", BuildVersion,
		"storage", app.cfg.Storage,
	)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- app.server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

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
	app.logger.Info("shutting down cas ticket service...")

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGracePeriod)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("graceful server shutdown failed", "error", err)
		if err := app.server.Close(); err != nil {
			app.logger.Error("error closing server", "error", err)
		}
	}

	app.cleanerService.Stop()

	if err := app.registry.Close(); err != nil {
		app.logger.Error("error closing ticket registry", "error", err)
		return err
	}

	app.logger.Info("cas ticket service stopped")
	return nil
}

// initRegistry picks the ticket registry backend and, for sqlite, applies
// migrations.
func (app *Application) initRegistry() error {
	switch app.cfg.Storage {
	case "memory":
		app.registry = memory.NewStore()
		app.logger.Info("using in-memory ticket registry; tickets do not survive restarts")
		return nil

	case "sqlite":
		dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", app.cfg.DatabaseFile)
		db, err := sqlite.NewStore(dsn)
		if err != nil {
			return fmt.Errorf("failed to initialize ticket registry: %w", err)
		}

		if err := db.ApplyMigrations(); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to apply database migrations: %w", err)
		}

		app.registry = db
		app.logger.Info("database migrations applied successfully")
		return nil

	default:
		return fmt.Errorf("unknown storage backend %q (want memory or sqlite)", app.cfg.Storage)
	}
}

// initSigner loads the Ed25519 key for signed validation responses, or
// mints an ephemeral one. Ephemeral keys rotate on restart, which only
// matters to relying services that cache the public key.
func (app *Application) initSigner() error {
	if app.cfg.SigningKeyFile == "" {
		signer, err := jwtx.NewEphemeralSigner("casd-ephemeral")
		if err != nil {
			return fmt.Errorf("failed to generate signing key: %w", err)
		}
		app.signer = signer
		app.logger.Info("using ephemeral response signing key", "kid", signer.KID())
		return nil
	}

	pem, err := os.ReadFile(app.cfg.SigningKeyFile)
	if err != nil {
		return fmt.Errorf("failed to read signing key file: %w", err)
	}

	signer, err := jwtx.NewSigner("casd-1", pem)
	if err != nil {
		return fmt.Errorf("failed to load signing key: %w", err)
	}
	app.signer = signer
	app.logger.Info("loaded response signing key", "kid", signer.KID())
	return nil
}

// initServices initializes the protocol engine and the cleaner
func (app *Application) initServices() error {
	allowlist, err := services.New(app.cfg.ServiceAllowlist)
	if err != nil {
		return fmt.Errorf("invalid service allowlist: %w", err)
	}
	if len(allowlist.Patterns()) == 0 {
		app.logger.Warn("service allowlist is empty; every grant request will be refused")
	} else {
		app.logger.Info("service allowlist loaded", "patterns", allowlist.Patterns())
	}

	app.ticketService = &service.TicketService{
		Registry: app.registry,
		Factory: factory.New(
			app.cfg.GrantingMaxTTL,
			app.cfg.GrantingIdleTimeout,
			app.cfg.GrantingUsageCap,
			app.cfg.ServiceTicketTTL,
		),
		Services:        allowlist,
		Audit:           &audit.Trail{Log: app.logger},
		ProxyDepthLimit: app.cfg.ProxyDepthLimit,
	}

	app.cleanerService = service.NewCleanerService(
		app.registry,
		app.logger,
		app.ticketService.Audit,
		app.cfg.CleanerInterval,
	)

	return nil
}

// initHTTP initializes the HTTP router and server
func (app *Application) initHTTP() {
	router := httpapi.NewRouter(
		app.cfg.Issuer,
		BuildVersion,
		app.registry,
		app.signer,
		app.logger,
	)

	router.TicketService = app.ticketService
	router.ApplyRoutes()

	app.router = router

	app.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", app.cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 3 * time.Second,
	}
}
