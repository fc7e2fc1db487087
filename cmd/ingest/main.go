// Command ingest runs the ingestion orchestrator: scheduled collectors
// feeding the catalog, a NATS consumer draining out-of-process
// submissions, an inbox watcher for locally dropped files, and the index
// sync loop that keeps the vector and lexical arms aligned with the
// catalog.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sablehq/sable/engine/catalog"
	"github.com/sablehq/sable/engine/index"
	"github.com/sablehq/sable/engine/ingest"
	"github.com/sablehq/sable/pkg/config"
	"github.com/sablehq/sable/pkg/llm"
	"github.com/sablehq/sable/pkg/natsutil"
)

// Ingest metrics
var (
	mResourcesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sable_ingest_resources_total",
		Help: "Total resources ingested",
	}, []string{"source"})
	mErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sable_ingest_errors_total",
		Help: "Total ingestion errors",
	}, []string{"stage"})
	mSyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "sable_ingest_sync_duration_seconds",
		Help: "Full catalog-to-index sync time",
	})
	mInboxFiles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sable_ingest_inbox_files_total",
		Help: "Files picked up from the local inbox",
	})
	mLastScan = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sable_ingest_last_scan_timestamp",
		Help: "Epoch of last inbox scan",
	})
	mIndexedResources = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sable_ingest_indexed_resources",
		Help: "Resources currently present in the index",
	})
)

func main() {
	var (
		cfgPath  = flag.String("config", "", "config file path (default: SABLE_CONFIG or XDG lookup)")
		interval = flag.Duration("inbox-interval", 30*time.Second, "local inbox scan interval")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	path := *cfgPath
	if path == "" {
		path = os.Getenv("SABLE_CONFIG")
	}
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := run(cfg, logger, *interval); err != nil {
		logger.Error("ingest exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger, inboxInterval time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Global.DataRoot, 0o755); err != nil {
		return fmt.Errorf("create data root: %w", err)
	}
	cat, err := catalog.Open(cfg.Global.DataRoot)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}

	if err := applyResetPolicy(cat, cfg, logger); err != nil {
		return err
	}

	dm := cfg.DataManager
	embedder, err := llm.NewEmbedder(llm.Config{
		Type:         cfg.Services.LLMProviderType,
		BaseURL:      cfg.Services.LLMBaseURL,
		DefaultModel: dm.EmbeddingModel,
	})
	if err != nil {
		return fmt.Errorf("build embedder: %w", err)
	}

	// Dimension mismatch is fatal at startup: the service refuses to begin
	// a sync that would write vectors of the wrong width.
	if dim := embedder.Dimensions(); dm.EmbeddingDim > 0 && dim > 0 && dim != dm.EmbeddingDim {
		return fmt.Errorf("embedding dimension mismatch: config says %d, provider %q produces %d (%w)",
			dm.EmbeddingDim, cfg.Services.LLMProviderType, dim, index.ErrDimensionMismatch)
	}

	metric := index.DistanceCosine
	switch dm.DistanceMetric {
	case "l2":
		metric = index.DistanceL2
	case "ip":
		metric = index.DistanceIP
	}
	vectorAddr := dm.VectorAddr
	if vectorAddr == "" {
		vectorAddr = "localhost:6334"
	}
	vector, err := index.NewVectorStore(vectorAddr, "sable", metric)
	if err != nil {
		return fmt.Errorf("connect vector store: %w", err)
	}
	defer vector.Close()
	if err := vector.EnsureCollection(ctx, dm.EmbeddingDim); err != nil {
		return fmt.Errorf("ensure collection: %w", err)
	}
	if dm.ResetCollection {
		logger.Warn("reset_collection=true: dropping all indexed chunks")
		if err := vector.Reset(ctx); err != nil {
			return fmt.Errorf("reset collection: %w", err)
		}
	}

	lexer := index.NewLexicalIndex(dm.BM25K1, dm.BM25B)
	syncer := index.NewSyncer(index.Config{
		EmbeddingModel:  dm.EmbeddingModel,
		EmbeddingDim:    dm.EmbeddingDim,
		ChunkSize:       dm.ChunkSize,
		ChunkOverlap:    dm.ChunkOverlap,
		DistanceMetric:  metric,
		BM25K1:          dm.BM25K1,
		BM25B:           dm.BM25B,
		ParallelWorkers: 4,
	}, vector, lexer, embedder, cat.LoadBytes)

	if addr := cfg.Services.MetricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			logger.Info("metrics server starting", "addr", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("metrics server failed", "err", err)
			}
		}()
	}

	// Out-of-process submissions drain through NATS when configured; the
	// local inbox watcher publishes through the same subject so both paths
	// share the consumer's retry/DLQ semantics.
	var nc *nats.Conn
	if url := cfg.Services.NATSURL; url != "" {
		nc, err = nats.Connect(url,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Drain()

		sub, err := ingest.StartConsumer(nc, ingest.ConsumerDeps{
			Catalog: cat,
			Syncer:  syncer,
			Logger:  logger,
		})
		if err != nil {
			return fmt.Errorf("start consumer: %w", err)
		}
		defer sub.Unsubscribe()
		logger.Info("submission consumer started", "subject", ingest.SubmissionSubject)

		go watchInbox(ctx, nc, cfg.Global.DataRoot, inboxInterval, logger)
	}

	sched := ingest.NewScheduler(cat, syncer, logger)
	registerSources(sched, cfg, logger)

	syncInterval := dm.SyncInterval
	if syncInterval <= 0 {
		syncInterval = 5 * time.Minute
	}
	go fullSyncLoop(ctx, cat, syncer, syncInterval, logger)

	logger.Info("ingestion orchestrator starting",
		"data_root", cfg.Global.DataRoot,
		"sources", len(cfg.Sources.Web)+len(cfg.Sources.Git)+len(cfg.Sources.Tickets),
	)
	if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// applyResetPolicy clears each source subdirectory flagged reset_data=true
// before the first collection round.
func applyResetPolicy(cat *catalog.Catalog, cfg *config.Config, logger *slog.Logger) error {
	reset := func(subdir string) error {
		logger.Warn("reset_data=true: clearing subdirectory", "subdir", subdir)
		if err := cat.Reset(subdir); err != nil {
			return fmt.Errorf("reset %s: %w", subdir, err)
		}
		return nil
	}
	for _, w := range cfg.Sources.Web {
		if w.ResetData {
			if err := reset("websites"); err != nil {
				return err
			}
			break
		}
	}
	for _, g := range cfg.Sources.Git {
		if g.ResetData {
			if err := reset(filepath.Join("git", g.Name)); err != nil {
				return err
			}
		}
	}
	for _, t := range cfg.Sources.Tickets {
		if t.ResetData {
			if err := reset("tickets"); err != nil {
				return err
			}
			break
		}
	}
	return nil
}

// registerSources builds one collector per configured source.
func registerSources(sched *ingest.Scheduler, cfg *config.Config, logger *slog.Logger) {
	for _, w := range cfg.Sources.Web {
		c := ingest.NewWebCollector(w.Name, w.SeedURLs, w.MaxDepth, 2).
			WithMaxPages(w.MaxPages).
			WithGitRouter(ingest.DefaultGitRouter(filepath.Join(cfg.Global.DataRoot, ".git-cache")))
		if err := sched.Register(c, orSchedule(w.Schedule)); err != nil {
			logger.Error("register web source", "source", w.Name, "err", err)
		}
	}
	for _, g := range cfg.Sources.Git {
		c := ingest.NewGitCollector(g.Name, g.URL, g.Ref, filepath.Join(cfg.Global.DataRoot, ".git-cache", g.Name))
		if err := sched.Register(c, orSchedule(g.Schedule)); err != nil {
			logger.Error("register git source", "source", g.Name, "err", err)
		}
	}
	for _, t := range cfg.Sources.Tickets {
		fetcher := &ingest.RedmineFetcher{BaseURL: t.BaseURL}
		c := ingest.NewTicketCollector(t.Name, t.System, fetcher)
		if err := sched.Register(c, orSchedule(t.Schedule)); err != nil {
			logger.Error("register ticket source", "source", t.Name, "err", err)
		}
	}
}

func orSchedule(expr string) string {
	if expr == "" {
		return "*/30 * * * *"
	}
	return expr
}

// fullSyncLoop periodically reconciles the whole catalog against the
// index, catching anything the per-collector syncs missed (e.g. manual
// tombstones set through the admin surface).
func fullSyncLoop(ctx context.Context, cat *catalog.Catalog, syncer *index.Syncer, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if err := syncer.Sync(ctx, cat.Snapshot()); err != nil {
				mErrorsTotal.WithLabelValues("sync").Inc()
				logger.Error("full sync failed", "err", err)
				continue
			}
			mSyncDuration.Observe(time.Since(start).Seconds())
			mIndexedResources.Set(float64(len(syncer.IndexedHashes())))
		}
	}
}

// watchInbox scans {data_root}/inbox for dropped files and publishes each
// as a Submission, then removes the original. Content-hash identity makes
// a crash between publish and remove harmless: the republished file
// persists to the same path.
func watchInbox(ctx context.Context, nc *nats.Conn, dataRoot string, interval time.Duration, logger *slog.Logger) {
	inbox := filepath.Join(dataRoot, "inbox")
	os.MkdirAll(inbox, 0o755)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	scan := func() {
		mLastScan.SetToCurrentTime()
		entries, err := os.ReadDir(inbox)
		if err != nil {
			mErrorsTotal.WithLabelValues("inbox").Inc()
			logger.Error("inbox readdir failed", "err", err)
			return
		}
		for _, e := range entries {
			if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			path := filepath.Join(inbox, e.Name())
			content, err := os.ReadFile(path)
			if err != nil {
				mErrorsTotal.WithLabelValues("inbox").Inc()
				continue
			}

			sum := sha256.Sum256(content)
			sub := ingest.Submission{
				Hash:        hex.EncodeToString(sum[:]),
				DisplayName: e.Name(),
				SourceType:  "local",
				Suffix:      filepath.Ext(e.Name()),
				TargetDir:   "uploads",
				Content:     content,
			}
			if err := natsutil.Publish(ctx, nc, ingest.SubmissionSubject, sub); err != nil {
				mErrorsTotal.WithLabelValues("publish").Inc()
				logger.Error("inbox publish failed", "file", e.Name(), "err", err)
				continue
			}
			mInboxFiles.Inc()
			mResourcesTotal.WithLabelValues("inbox").Inc()
			logger.Info("inbox file submitted", "file", e.Name(), "hash", sub.Hash[:12])
			os.Remove(path)
		}
	}

	scan()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scan()
		}
	}
}
