package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/mongosync/pkg/config"
	"github.com/cuemby/mongosync/pkg/follower"
	"github.com/cuemby/mongosync/pkg/health"
	"github.com/cuemby/mongosync/pkg/localcache"
	"github.com/cuemby/mongosync/pkg/logging"
	"github.com/cuemby/mongosync/pkg/metrics"
	"github.com/cuemby/mongosync/pkg/mongoutil"
	"github.com/cuemby/mongosync/pkg/oplogstore"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "mongo-log-follower",
	Short:   "Tail a MongoDB-family replication log into a durable oplog store",
	Version: Version,
	RunE:    runFollower,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("mongo-log-follower %s (%s)\n", Version, Commit))

	flags := rootCmd.Flags()
	flags.String("config", "", "Path to a YAML config file")
	flags.String("src-uri", "", "Source cluster connection URI (required)")
	flags.String("oplog-storage-uri", "", "Oplog store cluster connection URI (required)")
	flags.Int("retention-days", 3, "Retention horizon for the oplog store, in days")
	flags.String("data-dir", ".", "Directory for the local sidecar cache")
	flags.Int("max-retries", 10, "Maximum consecutive supervisor retries before exiting non-zero")
	flags.String("bind-addr", "127.0.0.1:9090", "Address for the metrics/health HTTP server")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "Output logs in JSON format")
}

func runFollower(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()

	var cfg config.FollowerConfig
	configPath, _ := flags.GetString("config")
	if err := config.LoadFromFile(configPath, &cfg); err != nil {
		return err
	}

	if v, _ := flags.GetString("src-uri"); v != "" {
		cfg.SrcURI = v
	}
	if v, _ := flags.GetString("oplog-storage-uri"); v != "" {
		cfg.OplogStorageURI = v
	}
	if v, _ := flags.GetInt("retention-days"); v != 0 && flags.Changed("retention-days") {
		cfg.RetentionDays = v
	}
	if v, _ := flags.GetString("bind-addr"); v != "" && flags.Changed("bind-addr") {
		cfg.BindAddr = v
	}
	if v, _ := flags.GetString("data-dir"); v != "" && flags.Changed("data-dir") {
		cfg.DataDir = v
	}
	if v, _ := flags.GetInt("max-retries"); v != 0 && flags.Changed("max-retries") {
		cfg.MaxRetries = v
	}
	logLevel, _ := flags.GetString("log-level")
	logJSON, _ := flags.GetBool("log-json")

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logging.Init(logging.Config{Level: logging.Level(logLevel), JSONOutput: logJSON})
	log := logging.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srcClient, err := mongoutil.Connect(ctx, cfg.SrcURI)
	if err != nil {
		return fmt.Errorf("connect to source cluster: %w", err)
	}
	defer srcClient.Disconnect(context.Background())

	storeClient, err := mongoutil.Connect(ctx, cfg.OplogStorageURI)
	if err != nil {
		return fmt.Errorf("connect to oplog store cluster: %w", err)
	}
	defer storeClient.Disconnect(context.Background())

	store := oplogstore.Open(storeClient, "mongosync_oplog_store")
	sourceLog := srcClient.Database("local").Collection("oplog.rs")
	f := follower.New(sourceLog, store)
	cleaner := follower.NewCleaner(store, cfg.RetentionDays)

	cache, err := localcache.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open local cache: %w", err)
	}
	defer cache.Close()

	registry := health.NewRegistry("source", "oplog_store")
	registry.Set("source", true, "connected")
	registry.Set("oplog_store", true, "connected")

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", registry.HealthHandler())
	mux.Handle("/ready", registry.ReadyHandler())
	mux.Handle("/live", registry.LivenessHandler())
	server := &http.Server{Addr: cfg.BindAddr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()
	log.Info().Str("addr", cfg.BindAddr).Msg("metrics and health endpoints listening")

	cleaner.Start(ctx)
	defer cleaner.Stop()

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	var runFailure error
	for {
		if ctx.Err() != nil {
			break
		}

		start, err := f.Prepare(ctx)
		if err != nil {
			retries, _ := cache.IncrRetry("follower")
			log.Error().Err(err).Int("retry_count", retries).Msg("follower prepare failed, retrying")
			if cfg.MaxRetries > 0 && retries >= cfg.MaxRetries {
				runFailure = fmt.Errorf("follower prepare failed %d consecutive times, giving up: %w", retries, err)
				break
			}
			if !sleepOrDone(ctx, backoff) {
				break
			}
			backoff = nextBackoff(backoff, maxBackoff)
			continue
		}
		backoff = time.Second

		log.Info().Interface("start_ts", start).Msg("starting tailing loop")
		runErr := f.Run(ctx, start)
		if runErr == nil || ctx.Err() != nil {
			_ = cache.ResetRetry("follower")
			break
		}
		retries, _ := cache.IncrRetry("follower")
		log.Error().Err(runErr).Int("retry_count", retries).Msg("follower run failed, restarting")
		if cfg.MaxRetries > 0 && retries >= cfg.MaxRetries {
			runFailure = fmt.Errorf("follower run failed %d consecutive times, giving up: %w", retries, runErr)
			break
		}
		if !sleepOrDone(ctx, backoff) {
			break
		}
		backoff = nextBackoff(backoff, maxBackoff)
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	return runFailure
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
