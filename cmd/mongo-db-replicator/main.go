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
	"go.mongodb.org/mongo-driver/bson"

	"github.com/cuemby/mongosync/pkg/config"
	"github.com/cuemby/mongosync/pkg/fullsync"
	"github.com/cuemby/mongosync/pkg/health"
	"github.com/cuemby/mongosync/pkg/localcache"
	"github.com/cuemby/mongosync/pkg/logging"
	"github.com/cuemby/mongosync/pkg/metrics"
	"github.com/cuemby/mongosync/pkg/mongoutil"
	"github.com/cuemby/mongosync/pkg/oplogstore"
	"github.com/cuemby/mongosync/pkg/replicator"
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
	Use:     "mongo-db-replicator",
	Short:   "Replicate one database from a captured oplog store onto a target cluster",
	Version: Version,
	RunE:    runReplicator,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("mongo-db-replicator %s (%s)\n", Version, Commit))

	flags := rootCmd.Flags()
	flags.String("config", "", "Path to a YAML config file")
	flags.String("src-uri", "", "Source cluster connection URI (required)")
	flags.String("target-uri", "", "Target cluster connection URI (required)")
	flags.String("oplog-storage-uri", "", "Oplog store cluster connection URI (required)")
	flags.String("db", "", "Database to replicate (required)")
	flags.StringSlice("colls", nil, "Collections to replicate (default: all in db)")
	flags.StringSlice("exclude-colls", nil, "Collections to exclude from replication (mutually exclusive with --colls)")
	flags.Int("collection-concurrent", 0, "Max collections synced in parallel during full sync (default: #CPUs)")
	flags.Int("doc-concurrent", 0, "Max document-copy workers per large collection (default: #CPUs/2)")
	flags.String("data-dir", ".", "Directory for the local sidecar cache")
	flags.Int("max-retries", 10, "Maximum consecutive supervisor retries before exiting non-zero")
	flags.String("bind-addr", "127.0.0.1:9091", "Address for the metrics/health HTTP server")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "Output logs in JSON format")
}

func runReplicator(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()

	var cfg config.ReplicatorConfig
	configPath, _ := flags.GetString("config")
	if err := config.LoadFromFile(configPath, &cfg); err != nil {
		return err
	}

	if v, _ := flags.GetString("src-uri"); v != "" {
		cfg.SrcURI = v
	}
	if v, _ := flags.GetString("target-uri"); v != "" {
		cfg.TargetURI = v
	}
	if v, _ := flags.GetString("oplog-storage-uri"); v != "" {
		cfg.OplogStorageURI = v
	}
	if v, _ := flags.GetString("db"); v != "" {
		cfg.DB = v
	}
	if v, _ := flags.GetStringSlice("colls"); len(v) > 0 {
		cfg.Colls = v
	}
	if v, _ := flags.GetStringSlice("exclude-colls"); len(v) > 0 {
		cfg.ExcludeColls = v
	}
	if v, _ := flags.GetInt("collection-concurrent"); v != 0 {
		cfg.CollectionConcurrent = v
	}
	if v, _ := flags.GetInt("doc-concurrent"); v != 0 {
		cfg.DocConcurrent = v
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

	targetClient, err := mongoutil.Connect(ctx, cfg.TargetURI)
	if err != nil {
		return fmt.Errorf("connect to target cluster: %w", err)
	}
	defer targetClient.Disconnect(context.Background())

	storeClient, err := mongoutil.Connect(ctx, cfg.OplogStorageURI)
	if err != nil {
		return fmt.Errorf("connect to oplog store cluster: %w", err)
	}
	defer storeClient.Disconnect(context.Background())

	sourceDB := srcClient.Database(cfg.DB)
	targetDB := targetClient.Database(cfg.DB)
	store := oplogstore.Open(storeClient, "mongosync_oplog_store")

	colls := cfg.Colls
	if len(cfg.ExcludeColls) > 0 {
		all, err := sourceDB.ListCollectionNames(ctx, bson.D{})
		if err != nil {
			return fmt.Errorf("list source collections: %w", err)
		}
		colls = cfg.Resolve(all)
	}

	cache, err := localcache.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open local cache: %w", err)
	}
	defer cache.Close()

	if last, ok, err := cache.LastManifest(cfg.DB); err == nil && ok {
		log.Info().Strs("previous_collections", last).Strs("collections", colls).Msg("local cache reports last-synced collection set")
	}
	if err := cache.StoreManifest(cfg.DB, colls); err != nil {
		log.Warn().Err(err).Msg("failed to update local cache manifest")
	}

	orch := replicator.New(store, sourceDB, targetDB, replicator.Config{
		SourceDB: cfg.DB,
		TargetDB: cfg.DB,
		Colls:    colls,
		FullSync: fullsync.Config{
			CollectionConcurrent: cfg.CollectionConcurrent,
			DocConcurrent:        cfg.DocConcurrent,
		},
	})

	registry := health.NewRegistry("source", "target", "oplog_store")
	registry.Set("source", true, "connected")
	registry.Set("target", true, "connected")
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

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	var runFailure error
	for ctx.Err() == nil {
		runErr := orch.Run(ctx)
		if runErr == nil || ctx.Err() != nil {
			_ = cache.ResetRetry("replicator")
			break
		}
		retries, _ := cache.IncrRetry("replicator")
		log.Error().Err(runErr).Int("retry_count", retries).Msg("replicator run failed, retrying")
		if cfg.MaxRetries > 0 && retries >= cfg.MaxRetries {
			runFailure = fmt.Errorf("replicator failed %d consecutive times, giving up: %w", retries, runErr)
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	return runFailure
}
