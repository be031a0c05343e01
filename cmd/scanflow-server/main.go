package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	_ "github.com/joho/godotenv/autoload"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"scanflow/internal/config"
	"scanflow/internal/logging"
	"scanflow/internal/observability"
	"scanflow/internal/progress"
	serverapp "scanflow/internal/server/app"
	serverhttp "scanflow/internal/server/http"
	"scanflow/internal/upload"
)

func main() {
	root := &cobra.Command{
		Use:   "scanflow-server",
		Short: "Chunked upload assembly and progress streaming server",
	}

	var configFile string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	serveCmd.Flags().StringVar(&configFile, "config", "", "path to YAML config file")
	root.AddCommand(serveCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logging.SetDefaultLevel(logging.ParseLevel(cfg.LogLevel))
	logger := logging.NewComponentLogger("Server")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics, err := observability.NewMetricsCollector(observability.MetricsConfig{Enabled: cfg.MetricsEnabled})
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	chunkStore, err := buildChunkStore(ctx, cfg)
	if err != nil {
		return err
	}

	bus, err := buildProgressBus(cfg, metrics)
	if err != nil {
		return err
	}
	defer bus.Close()

	artifacts, err := serverapp.NewFilesystemArtifactStore(cfg.ArtifactDir)
	if err != nil {
		return err
	}

	processor := serverapp.NewPassthroughProcessor(bus, logging.NewComponentLogger("Processor"))
	coordinator := serverapp.NewCoordinator(
		serverapp.NewInMemoryBatchStore(),
		artifacts,
		bus,
		serverapp.WithProcessor(processor),
		serverapp.WithCoordinatorLogger(logging.NewComponentLogger("Coordinator")),
		serverapp.WithCoordinatorMetrics(metrics),
	)
	defer coordinator.Close()

	tracker := upload.NewTracker(chunkStore,
		upload.WithTrackerLogger(logging.NewComponentLogger("Tracker")),
		upload.WithTrackerMetrics(metrics),
	)
	assembler := upload.NewAssembler(tracker, chunkStore, coordinator,
		upload.WithAssemblerLogger(logging.NewComponentLogger("Assembler")),
		upload.WithAssemblerMetrics(metrics),
	)
	reaper := upload.NewReaper(tracker, chunkStore, cfg.SessionTTL, cfg.ReapInterval,
		logging.NewComponentLogger("Reaper"), metrics)

	handler := serverhttp.NewRouter(tracker, assembler, coordinator, bus, metrics, serverhttp.RouterConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		MaxBodyBytes:   cfg.MaxUploadBytes,
	})
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("Listening on %s (chunks=%s, progress=%s)", cfg.ListenAddr, cfg.ChunkBackend, cfg.ProgressBackend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		if err := reaper.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		logger.Info("Shutting down")
		return server.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

func buildChunkStore(ctx context.Context, cfg *config.Config) (upload.ChunkStore, error) {
	switch cfg.ChunkBackend {
	case "s3":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg)
		return upload.NewS3Store(client, cfg.S3Bucket, logging.NewComponentLogger("S3Store")), nil
	default:
		return upload.NewFilesystemStore(cfg.ChunkDir)
	}
}

func buildProgressBus(cfg *config.Config, metrics *observability.MetricsCollector) (progress.Bus, error) {
	switch cfg.ProgressBackend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return progress.NewRedisBus(client,
			progress.WithRedisMaxLog(cfg.ProgressLogCap),
			progress.WithRedisLogTTL(cfg.ProgressLogTTL),
			progress.WithRedisBusLogger(logging.NewComponentLogger("RedisBus")),
			progress.WithRedisBusMetrics(metrics),
		), nil
	default:
		return progress.NewMemoryBus(
			progress.WithMaxLog(cfg.ProgressLogCap),
			progress.WithMemoryBusLogger(logging.NewComponentLogger("ProgressBus")),
			progress.WithMemoryBusMetrics(metrics),
		), nil
	}
}
