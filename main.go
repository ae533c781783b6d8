// clipper/main.go
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"clipper/ai"
	"clipper/api"
	"clipper/blob"
	"clipper/config"
	"clipper/ffmpeg"
	"clipper/job"
	"clipper/logger"
	"clipper/metrics"
	"clipper/pipeline"
	"clipper/scheduler"
	"clipper/status"
	"clipper/store/memory"
	"clipper/store/postgres"
	redisstore "clipper/store/redis"
	"clipper/ytdown"
)

// shutdownTimeout is how long in-flight HTTP requests get to finish.
const shutdownTimeout = 5 * time.Second

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "clipper",
		Short:         "Turns long videos into short, ranked clips",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the job scheduler and HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply pending PostgreSQL migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context())
		},
	})
	return root
}

func setup() (*config.Config, logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Development: cfg.LogDevelopment})
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func runMigrate(ctx context.Context) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required to migrate")
	}
	db, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	return postgres.Migrate(db.DB, log)
}

// stores is the job and clip metadata backend selected by STORE_DRIVER.
type stores interface {
	job.Store
	job.ClipStore
}

func openStores(ctx context.Context, cfg *config.Config, log logger.Logger) (stores, func(), error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		db, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := postgres.Migrate(db.DB, log); err != nil {
			db.Close()
			return nil, nil, err
		}
		return postgres.New(db), func() { db.Close() }, nil
	case config.StoreRedis:
		rdb, err := redisstore.NewClient(redisstore.Config{
			Address:  cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, nil, err
		}
		return redisstore.New(rdb), func() { rdb.Close() }, nil
	}
	log.Warn("Using the in-memory store; jobs do not survive a restart")
	return memory.New(), func() {}, nil
}

func newAnalyzerCompleter(cfg *config.Config, chat ai.Completer) (ai.Completer, error) {
	switch cfg.AnalyzerProvider {
	case config.ProviderChat:
		return chat, nil
	case config.ProviderGemini:
		return ai.NewLimited(ai.NewGeminiCompleter(cfg.GeminiBaseURL, cfg.GeminiMode), cfg.AIRateLimit, cfg.AIBurst), nil
	}
	if cfg.AnthropicAPIKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY is required for the anthropic analyzer")
	}
	return ai.NewLimited(ai.NewAnthropicCompleter(cfg.AnthropicAPIKey, cfg.AnthropicModel), cfg.AIRateLimit, cfg.AIBurst), nil
}

func signingKey(cfg *config.Config, log logger.Logger) (string, error) {
	if cfg.URLSigningKey != "" {
		return cfg.URLSigningKey, nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate url signing key: %w", err)
	}
	log.Warn("URL_SIGNING_KEY is not set; download links will not survive a restart")
	return hex.EncodeToString(buf), nil
}

func runServe(parent context.Context) error {
	// 1. Load configuration
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Initialize storage
	st, closeStores, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStores()

	key, err := signingKey(cfg, log)
	if err != nil {
		return err
	}
	work, err := blob.NewFS(cfg.WorkDir, "", nil)
	if err != nil {
		return err
	}
	public, err := blob.NewFS(cfg.PublicDir, cfg.BaseURL, blob.NewSigner(key))
	if err != nil {
		return err
	}

	// 3. Initialize external capabilities
	cutter, err := ffmpeg.NewCutter(ffmpeg.Config{
		Bin:              cfg.FFBin,
		ExtraArgs:        cfg.FFExtraArgs,
		ThrottleCPU:      cfg.ThrottleCPU,
		ThrottleFreeMem:  cfg.ThrottleFreeMem,
		ThrottleFreeDisk: cfg.ThrottleFreeDisk,
	}, work, log)
	if err != nil {
		return fmt.Errorf("initialize ffmpeg cutter: %w", err)
	}
	defer cutter.Close()

	downloader := ytdown.NewClient(ytdown.Config{
		BaseURL: cfg.YTDownBaseURL,
		APIKey:  cfg.YTDownAPIKey,
		APIHost: cfg.YTDownAPIHost,
		MaxSize: cfg.MaxDownloadSize,
	})
	chat := ai.NewLimited(ai.NewChatCompleter(cfg.ChatBaseURL, cfg.ChatModel), cfg.AIRateLimit, cfg.AIBurst)
	analysis, err := newAnalyzerCompleter(cfg, chat)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 4. Wire the pipeline, scheduler and read side
	machine := pipeline.New(pipeline.Config{
		MaxRetries:       cfg.MaxRetries,
		BackoffBase:      cfg.BackoffBase,
		BackoffCap:       cfg.BackoffCap,
		CallTimeout:      cfg.CallTimeout,
		CutTimeout:       cfg.CutTimeout,
		DownloadTimeout:  cfg.DownloadTimeout,
		MaxVideoDuration: cfg.MaxVideoDuration,
		DownloadQuality:  cfg.DownloadQuality,
		Limits: pipeline.Limits{
			MaxClips:       cfg.MaxClips,
			MinClipSeconds: cfg.MinClipSeconds,
			MaxClipSeconds: cfg.MaxClipSeconds,
			MinScore:       cfg.MinCandidateScore,
		},
	}, pipeline.Deps{
		Store:       st,
		Clips:       st,
		Downloader:  downloader,
		Transcriber: ai.NewTranscriber(chat),
		Analyzer:    ai.NewAnalyzer(analysis, log),
		Cutter:      cutter,
		Work:        work,
		Public:      public,
	}, log, m)

	sched := scheduler.New(scheduler.Config{
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		QueueSize:         cfg.QueueSize,
		RecoverySchedule:  cfg.RecoverySchedule,
		StaleAfter:        cfg.StaleAfter,
		WorkRetention:     cfg.WorkRetention,
	}, st, machine, log, m, scheduler.WithWorkStore(work), scheduler.WithPublicStore(public))
	statuses := status.NewService(st, st, public, cfg.DownloadURLTTL, m)

	// 5. Set up router and server
	if !cfg.LogDevelopment {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := api.NewHandler(sched, statuses, public, log)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.SetupRouter(handler, cfg, reg, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 6. Start background services and HTTP server
	if err := sched.Start(); err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("Server starting", logger.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// 7. Wait for interrupt signal for graceful shutdown
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			log.Error("HTTP server failed", logger.Error(err))
		}
	}

	// Restore default behavior on the interrupt signal and notify user of shutdown.
	stop()
	log.Info("Shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", logger.Error(err))
	}
	// In-flight stages abandon without writing; their jobs resume on the next start.
	sched.Stop()

	log.Info("Server exiting")
	return nil
}
