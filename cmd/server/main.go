package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gpx-parts/backend/internal/api"
	"github.com/gpx-parts/backend/internal/archive"
	"github.com/gpx-parts/backend/internal/config"
	"github.com/gpx-parts/backend/internal/jobs"
	"github.com/gpx-parts/backend/internal/logger"
	"github.com/gpx-parts/backend/internal/service"
	"github.com/gpx-parts/backend/internal/storage"
	"github.com/labstack/echo/v4"
	"github.com/spf13/pflag"
)

// Version info (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to the XML configuration file (created with defaults if missing)")
	showVersion := pflag.BoolP("version", "v", false, "print version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Printf("gpx-archive %s (built %s)\n", Version, BuildTime)
		return
	}

	if *configPath == "" {
		// Get the executable's directory for config resolution
		exePath, err := os.Executable()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to get executable path: %v\n", err)
			os.Exit(1)
		}
		*configPath = filepath.Join(filepath.Dir(exePath), "gpxarchive.config.xml")
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// Load XML configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger.Init(cfg.Advanced.LogLevel, cfg.Advanced.LogFormat)
	log := logger.Get()

	// Ensure all data directories exist
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	maxUpload, _ := cfg.MaxUploadBytes()
	shortName, _ := cfg.ShortNameRegexp()

	index, err := archive.OpenIndex(cfg.Storage.IndexFile, archive.IndexOptions{
		Threads:     cfg.Advanced.DuckDBThreads,
		MemoryLimit: cfg.Advanced.DuckDBMemoryLimit,
	})
	if err != nil {
		return fmt.Errorf("opening archive index: %w", err)
	}

	blobs, err := storage.NewLocalStore(cfg.Storage.OriginalsDirectory, cfg.Storage.ProcessedDirectory)
	if err != nil {
		index.Close()
		return fmt.Errorf("initializing storage: %w", err)
	}

	store, err := archive.Open(index, blobs, archive.Options{
		LockDir:          cfg.GetDataDir(),
		ShortNamePattern: shortName,
		Logger:           logger.Component("archive"),
	})
	if err != nil {
		index.Close()
		if errors.Is(err, archive.ErrLocked) {
			return fmt.Errorf("data directory %s is used by another process", cfg.GetDataDir())
		}
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := jobs.NewRunner(store, jobs.Config{
		Workers:           cfg.Processing.MaxConcurrentJobs,
		QueueSize:         cfg.Processing.JobQueueSize,
		RenderConcurrency: cfg.Processing.RenderConcurrency,
	}, logger.Component("jobs"))
	runner.Start(ctx)
	defer runner.Stop()

	// Start background job cleanup
	go func() {
		ticker := time.NewTicker(cfg.CleanupInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runner.CleanupOldJobs(cfg.JobRetention())
			}
		}
	}()

	gate := archive.NewGate(cfg.EffectiveDeleteToken(), store, logger.Component("gate"))
	if !gate.Enabled() {
		log.Warn().Msg("Deletion is disabled: no delete token configured")
	}

	svc := service.New(store, runner, gate, service.Config{
		MaxUploadSize:     maxUpload,
		AllowedExtensions: cfg.AllowedExtensions(),
		AutoProcess:       cfg.Processing.AutoProcess,
		CompressionLevel:  cfg.EffectiveCompressionLevel(),
	}, logger.Component("service"))

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	api.ShowErrorDetails = cfg.Advanced.LogLevel == "debug"
	api.SetupMiddleware(e, api.MiddlewareConfig{
		EnableCORS:     cfg.Server.EnableCORS,
		AllowOrigins:   cfg.AllowOriginList(),
		BodyLimit:      cfg.Server.BodyLimit,
		RequestLogging: cfg.Advanced.EnableRequestLogging,
		GzipLevel:      cfg.EffectiveCompressionLevel(),
		Logger:         logger.Component("http"),
	})

	handlers := api.NewHandlers(&api.Dependencies{
		Service: svc,
		Version: Version,
		Logger:  logger.Component("api"),
	})
	api.RegisterRoutes(e, handlers)
	api.RegisterWebSocketRoutes(e, handlers)

	// Configure server with settings from XML config
	s := &http.Server{
		Addr:         cfg.GetServerAddr(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	log.Info().
		Str("version", Version).
		Str("build_time", BuildTime).
		Str("config", configPath).
		Str("listen", "http://"+cfg.GetServerAddr()).
		Str("data_dir", cfg.GetDataDir()).
		Int("workers", cfg.Processing.MaxConcurrentJobs).
		Bool("auto_process", cfg.Processing.AutoProcess).
		Msg("GPX archive server starting")

	errCh := make(chan error, 1)
	go func() {
		errCh <- e.StartServer(s)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP shutdown failed")
		}
	}
	return nil
}
