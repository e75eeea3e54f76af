package commands

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/LearnCodeWithH/mokuro-online/internal/logger"
	"github.com/LearnCodeWithH/mokuro-online/pkg/api"
	"github.com/LearnCodeWithH/mokuro-online/pkg/cache"
	"github.com/LearnCodeWithH/mokuro-online/pkg/config"
	"github.com/LearnCodeWithH/mokuro-online/pkg/inflight"
	"github.com/LearnCodeWithH/mokuro-online/pkg/metrics"
	"github.com/LearnCodeWithH/mokuro-online/pkg/ocr"
	"github.com/LearnCodeWithH/mokuro-online/pkg/render"
	"github.com/LearnCodeWithH/mokuro-online/pkg/upload"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the mokuro-online server",
	Long: `Start the mokuro-online server with the specified configuration.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/mokuro-online/config.yaml. Every key
can be overridden through MOKURO_ONLINE_* environment variables.

Examples:
  # Start with default config location
  mokuro-online start

  # Start with a custom config file
  mokuro-online start --config /etc/mokuro-online/config.yaml

  # Override a key through the environment
  MOKURO_ONLINE_LOGGING_LEVEL=DEBUG mokuro-online start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("mokuro-online starting",
		"version", Version,
		"profile", cfg.Profile,
		"log_level", cfg.Logging.Level,
	)

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
	}

	// Unclean shutdowns strand staged pages; sweep them before serving.
	upload.SweepStaging(cfg.Upload.StagingDir)

	store, err := cache.New(cfg.Cache, metrics.NewCacheMetrics())
	if err != nil {
		return fmt.Errorf("failed to open cache: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("cache close error", "error", err)
		}
	}()
	logger.Info("cache ready", "type", cfg.Cache.Type, "path", cfg.Cache.Path)

	executor := ocr.NewExecutor(cfg.OCR.MaxWorkers)
	defer executor.Shutdown()
	coalescer := inflight.New(executor)

	model := ocr.NewModel(func() (ocr.Engine, error) {
		return ocr.NewCommandEngine(cfg.OCR.Command, cfg.OCR.Args...), nil
	})
	if cfg.OCR.Warmup {
		model.Warm(executor)
	}

	ocrMetrics := metrics.NewOCRMetrics()
	pipeline := upload.New(upload.Config{
		MaxImageSize:    cfg.Upload.MaxImageSize,
		StrictNewImages: cfg.Upload.StrictNewImages,
		StagingDir:      cfg.Upload.StagingDir,
	}, store, coalescer, model, ocrMetrics, metrics.NewUploadMetrics())

	handler := api.NewHandler(store, coalescer, pipeline, render.NewHTML())
	server := api.NewServer(cfg.Server, handler)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		startMetricsServer(ctx, cfg.Metrics.Port)
		go observeQueueDepth(ctx, executor, ocrMetrics)
	}

	return server.Start(ctx)
}

// startMetricsServer serves /metrics on its own port so operators can keep
// it off the public listener.
func startMetricsServer(ctx context.Context, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	go func() {
		logger.Info("metrics server listening", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
}

func observeQueueDepth(ctx context.Context, executor *ocr.Executor, m *metrics.OCRMetrics) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RecordQueueDepth(executor.Pending())
		}
	}
}
