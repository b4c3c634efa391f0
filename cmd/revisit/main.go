// Command revisit runs the multi-store import engine: full initial loads,
// dated incremental batches, and a status view over watermarks and batch
// lifecycles.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/TeroTong/Revisit/internal/config"
	"github.com/TeroTong/Revisit/internal/core"
	"github.com/TeroTong/Revisit/internal/infra/analytics/clickhouse"
	"github.com/TeroTong/Revisit/internal/infra/archive"
	"github.com/TeroTong/Revisit/internal/infra/checkpoint/sqlite"
	"github.com/TeroTong/Revisit/internal/infra/graph/nebula"
	"github.com/TeroTong/Revisit/internal/infra/persistence/postgres"
	"github.com/TeroTong/Revisit/internal/infra/vector/qdrant"
	"github.com/TeroTong/Revisit/pkg/domain"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "revisit:", err)
		os.Exit(1)
	}
}

func usage() error {
	return fmt.Errorf("usage: revisit <initial|incremental|status> [flags]")
}

func run(args []string) error {
	if len(args) == 0 {
		return usage()
	}

	cfg, err := config.Load(".env")
	if err != nil {
		return err
	}
	log := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "initial":
		fs := flag.NewFlagSet("initial", flag.ContinueOnError)
		source := fs.String("source", filepath.Join(cfg.Sync.DataDir, "initial"), "initial dump root directory")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		engine, cleanup, err := buildEngine(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer cleanup()
		started := time.Now()
		report, err := engine.RunFullImport(ctx, *source)
		logReport(log, report, started)
		return err

	case "incremental":
		fs := flag.NewFlagSet("incremental", flag.ContinueOnError)
		date := fs.String("date", "", "pending batch date directory (empty processes every pending date)")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		engine, cleanup, err := buildEngine(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer cleanup()
		started := time.Now()
		report, err := engine.RunIncrementalImport(ctx, cfg.Sync.DataDir, *date)
		logReport(log, report, started)
		return err

	case "status":
		engine, cleanup, err := buildEngine(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer cleanup()
		status, err := engine.Status(ctx)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil

	default:
		return usage()
	}
}

// buildEngine wires the primary and checkpoint stores (both required) and
// the downstream stores (each optional: a store that cannot connect is
// logged and skipped, so the rest of the pipeline still runs).
func buildEngine(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*core.Engine, func(), error) {
	primary, err := postgres.NewStore(cfg.Postgres.DSN())
	if err != nil {
		return nil, nil, fmt.Errorf("primary store: %w", err)
	}
	checkpoints, err := sqlite.NewStore(cfg.Sync.CheckpointPath)
	if err != nil {
		_ = primary.Close()
		return nil, nil, fmt.Errorf("checkpoint store: %w", err)
	}

	var graph domain.GraphStore
	graphStore, err := nebula.NewStore(nebula.Config{
		Host:     cfg.Nebula.Host,
		Port:     cfg.Nebula.Port,
		User:     cfg.Nebula.User,
		Password: cfg.Nebula.Password,
		Space:    cfg.Nebula.Space,
	})
	if err != nil {
		log.WithError(err).Warn("graph store unavailable, skipping")
	} else {
		if err := graphStore.EnsureSchema(ctx); err != nil {
			log.WithError(err).Warn("graph schema provisioning failed")
		}
		graph = graphStore
	}

	var embedder qdrant.Embedder
	if cfg.Qdrant.OpenAIKey != "" {
		embedder = qdrant.NewOpenAIEmbedder(cfg.Qdrant.OpenAIKey, cfg.Qdrant.OpenAIBaseURL, cfg.Qdrant.EmbeddingModel)
	} else {
		log.Warn("no embedding API key configured, using deterministic hash embeddings")
		embedder = qdrant.NewHashEmbedder(0)
	}
	var vector domain.VectorStore
	vectorStore, err := qdrant.NewStore(qdrant.Config{
		Host:   cfg.Qdrant.Host,
		Port:   cfg.Qdrant.Port,
		APIKey: cfg.Qdrant.APIKey,
	}, embedder)
	if err != nil {
		log.WithError(err).Warn("vector store unavailable, skipping")
	} else {
		vector = vectorStore
	}

	var analytics domain.AnalyticsStore
	analyticsStore, err := clickhouse.NewStore(ctx, clickhouse.Config{
		Host:     cfg.ClickHouse.Host,
		Port:     cfg.ClickHouse.Port,
		User:     cfg.ClickHouse.User,
		Password: cfg.ClickHouse.Password,
		Database: cfg.ClickHouse.Database,
	})
	if err != nil {
		log.WithError(err).Warn("analytics store unavailable, skipping")
	} else {
		analytics = analyticsStore
	}

	archiver, err := archive.Open(ctx, archive.Options{
		Driver: cfg.Archive.Driver,
		Root:   cfg.Archive.Root,
		Bucket: cfg.Archive.Bucket,
		Region: cfg.Archive.Region,
	})
	if err != nil {
		log.WithError(err).Warn("batch archive unavailable, skipping")
		archiver = nil
	}
	var batchArchiver core.BatchArchiver
	if archiver != nil {
		batchArchiver = archiver
	}

	metrics := core.NewMetrics(prometheus.NewRegistry())
	engine := core.NewEngine(primary, checkpoints, graph, vector, analytics, batchArchiver, metrics, log, core.Options{
		Workers:      cfg.Sync.Workers,
		BatchRetries: cfg.Sync.BatchRetries,
		BackoffBase:  cfg.Sync.BackoffBase,
		Dispatcher: core.DispatcherOptions{
			CallTimeout:      cfg.Sync.CallTimeout,
			Retries:          cfg.Sync.PropagationRetries,
			BackoffBase:      cfg.Sync.BackoffBase,
			BreakerThreshold: cfg.Sync.BreakerThreshold,
			BreakerCooldown:  cfg.Sync.BreakerCooldown,
		},
	})
	cleanup := func() {
		_ = checkpoints.Close()
		_ = primary.Close()
	}
	return engine, cleanup, nil
}

func logReport(log *logrus.Logger, report *domain.ImportReport, started time.Time) {
	if report == nil {
		return
	}
	for entity, counts := range report.Counts {
		if counts.Accepted == 0 && counts.Rejected == 0 {
			continue
		}
		log.WithFields(logrus.Fields{
			"entity":   entity,
			"accepted": counts.Accepted,
			"rejected": counts.Rejected,
			"applied":  counts.Applied,
		}).Info("entity counts")
	}
	for store, outcome := range report.Stores {
		log.WithFields(logrus.Fields{
			"store":     store,
			"applied":   outcome.Applied,
			"failed":    outcome.Failed,
			"paused":    outcome.Paused,
			"watermark": outcome.Watermark,
		}).Info("store outcome")
	}
	log.WithFields(logrus.Fields{
		"batches":  len(report.Batches),
		"errors":   len(report.Errors),
		"duration": time.Since(started).Round(time.Millisecond).String(),
	}).Info("run complete")
}
