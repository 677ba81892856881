package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dj-oyu/chickeye-monitor/internal/categories"
	"github.com/dj-oyu/chickeye-monitor/internal/logger"
	"github.com/dj-oyu/chickeye-monitor/internal/metrics"
	"github.com/dj-oyu/chickeye-monitor/internal/webmonitor"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("Failed to load .env: %v", err)
	}

	cfg := webmonitor.DefaultConfig()

	var configPath, logLevel, logFile string
	var logColor bool

	flag.StringVar(&configPath, "config", "", "YAML config file")
	flag.StringVar(&cfg.Addr, "http", cfg.Addr, "HTTP server address")
	flag.StringVar(&cfg.BackendURL, "backend", cfg.BackendURL, "Detection backend URL (empty disables the live view)")
	flag.StringVar(&cfg.AssetsDir, "assets", cfg.AssetsDir, "Web assets directory")
	flag.StringVar(&cfg.BuildAssetsDir, "assets-build", cfg.BuildAssetsDir, "Build assets directory")
	flag.StringVar(&cfg.CategoriesFile, "categories", cfg.CategoriesFile, "Categories YAML (overrides the backend's /config)")
	flag.StringVar(&cfg.RecordingOutputPath, "record-path", cfg.RecordingOutputPath, "Recording output path")
	flag.BoolVar(&cfg.LiveOverlay, "live-overlay", cfg.LiveOverlay, "Draw detections server-side (for backends that send clean frames)")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error, silent)")
	flag.StringVar(&logFile, "log-file", "", "Also write logs to this rotating file")
	flag.BoolVar(&logColor, "log-color", true, "Enable colored log output")
	flag.Parse()

	// Flags win over the file and the environment, so re-apply them afterwards.
	if configPath != "" {
		if err := webmonitor.LoadConfigFile(configPath, &cfg); err != nil {
			log.Fatalf("%v", err)
		}
	}
	if err := webmonitor.ApplyEnv(&cfg); err != nil {
		log.Fatalf("%v", err)
	}
	if err := flag.CommandLine.Parse(os.Args[1:]); err != nil {
		log.Fatalf("%v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("%v", err)
	}

	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	var out io.Writer = os.Stderr
	if logFile != "" {
		out = io.MultiWriter(os.Stderr, logger.RotatingFile(logFile))
		logColor = false
	}
	logger.Init(level, out, logColor)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cats, err := loadCategories(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to load categories: %v", err)
	}

	server, err := webmonitor.NewServer(cfg, cats, metrics.New())
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	logger.Info("Main", "Go web monitor listening on %s", cfg.Addr)
	logger.Info("Main", "Backend: %q, categories: %v", cfg.BackendURL, cats.Names)
	logger.Info("Main", "Assets: %s (build: %s)", cfg.AssetsDir, cfg.BuildAssetsDir)
	logger.Info("Main", "Log level: %s", level)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		server.Start(gctx)
		<-gctx.Done()
		return server.Close()
	})
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Main", "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("server error: %v", err)
	}
	logger.Info("Main", "Stopped")
}

func loadCategories(ctx context.Context, cfg webmonitor.Config) (categories.Config, error) {
	if cfg.CategoriesFile != "" {
		return categories.LoadFile(cfg.CategoriesFile)
	}
	if cfg.BackendURL == "" {
		return categories.Default(), nil
	}
	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return categories.Load(fetchCtx, &http.Client{Timeout: 5 * time.Second}, cfg.BackendURL), nil
}
