package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gabriielgouvea/AssinaGym/config"
	"github.com/gabriielgouvea/AssinaGym/handler"
	"github.com/gabriielgouvea/AssinaGym/middleware"
	"github.com/gabriielgouvea/AssinaGym/pkg/logger"
	"github.com/gabriielgouvea/AssinaGym/service"
	"github.com/gabriielgouvea/AssinaGym/web"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the signing server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// app is the wired server and the resources it owns.
type app struct {
	router *gin.Engine
	store  service.SessionStore
}

func (a *app) Close() error {
	if closer, ok := a.store.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger.Init(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	slog.Info("configuration loaded successfully",
		"base_url", cfg.Server.BaseURL,
		"session_backend", cfg.Session.Backend,
		"archive", cfg.Archive.Enabled,
	)

	gin.SetMode(gin.ReleaseMode)
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Error("failed to close session store", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      a.router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		return fmt.Errorf("failed to start server: %w", err)
	case <-quit:
	}
	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	slog.Info("server exited gracefully")
	return nil
}

// newApp creates the storage directories and wires every component
// named in cfg into a router.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	for _, dir := range []string{cfg.Storage.DocumentDir, cfg.Storage.TempDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	composer, err := service.NewDocumentComposer(cfg.Document, cfg.Storage.DocumentDir)
	if err != nil {
		return nil, err
	}

	var archiver service.DocumentArchiver
	if cfg.Archive.Enabled {
		minioSvc, err := service.NewMinioService(&cfg.Archive)
		if err != nil {
			return nil, fmt.Errorf("initialize archive: %w", err)
		}
		if err := minioSvc.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("ensure archive bucket: %w", err)
		}
		archiver = minioSvc
	}

	router := gin.New()
	if len(cfg.Server.TrustedProxies) > 0 {
		if err := router.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
			return nil, fmt.Errorf("invalid server.trusted_proxies: %w", err)
		}
	}
	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.NoCache())
	router.SetHTMLTemplate(web.Templates())

	store, err := openSessionStore(cfg)
	if err != nil {
		return nil, err
	}

	health := handler.NewHealthHandler(store)
	router.GET("/", health.Index)
	router.GET("/health", health.Health)

	signing := handler.NewSigningHandler(
		store,
		composer,
		service.NewSignatureDecoder(cfg.Storage.TempDir),
		archiver,
		cfg.Server.BaseURL,
		cfg.Storage.DocumentDir,
	)
	signing.RegisterRoutes(router)

	return &app{router: router, store: store}, nil
}

func openSessionStore(cfg *config.Config) (service.SessionStore, error) {
	switch cfg.Session.Backend {
	case config.BackendSQLite:
		store, err := service.OpenSQLiteSessionStore(cfg.Session.SQLitePath, cfg.Session.MaxSessions, cfg.SessionTTL())
		if err != nil {
			return nil, fmt.Errorf("open session store: %w", err)
		}
		return store, nil
	default:
		return service.NewMemorySessionStore(cfg.Session.MaxSessions, cfg.SessionTTL()), nil
	}
}
