package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"fraudshield/pkg/aggregate"
	"fraudshield/pkg/audit"
	"fraudshield/pkg/config"
	"fraudshield/pkg/events"
	"fraudshield/pkg/features"
	"fraudshield/pkg/featurestore"
	"fraudshield/pkg/ingest"
	"fraudshield/pkg/logging"
	"fraudshield/pkg/metrics"
	otelobs "fraudshield/pkg/observability/otel"
	"fraudshield/pkg/sequencer"
)

const serviceName = "feature-worker"

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func main() {
	port := envInt("WORKER_PORT", 8091)
	shutdownTracer := otelobs.InitTracer(serviceName)
	defer shutdownTracer()

	loader, err := config.NewLoader(os.Getenv("FRAUD_CONFIG_PATH"))
	if err != nil {
		logging.Errorf("%s: config load: %v", serviceName, err)
		os.Exit(1)
	}
	if stop, err := loader.Watch(); err != nil {
		logging.Warnf("%s: config watch disabled: %v", serviceName, err)
	} else {
		defer stop()
	}
	loader.OnChange(func(cfg *config.Config) {
		metrics.ConfigReloads.WithLabelValues("applied").Inc()
	})

	store, err := featurestore.NewRedisStore(context.Background(), featurestore.RedisConfig{
		Addr:     config.Env("REDIS_ADDR", "127.0.0.1:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       envInt("REDIS_DB", 0),
	})
	if err != nil {
		logging.Errorf("%s: %v", serviceName, err)
		os.Exit(1)
	}
	defer store.Close()

	ledger, err := audit.NewRejectionLedger(config.Env("REJECTION_LEDGER_PATH", "data/rejections-"+serviceName+".log"))
	if err != nil {
		logging.Errorf("%s: rejection ledger: %v", serviceName, err)
		os.Exit(1)
	}

	engine := aggregate.NewEngine(loader)
	seq := sequencer.New(loader, engine, ledger)
	worker := &worker{seq: seq, engine: engine, store: store, loader: loader}

	dispatcher := ingest.NewDispatcher(envInt("WORKER_PARTITIONS", 8), envInt("WORKER_QUEUE_DEPTH", 1024), worker.handle)
	consumer := ingest.NewConsumer(ingest.KafkaConfig{
		Brokers: strings.Split(config.Env("KAFKA_BROKERS", "127.0.0.1:9092"), ","),
		Topic:   config.Env("KAFKA_TOPIC", "transactions"),
		GroupID: config.Env("KAFKA_GROUP_ID", serviceName),
	}, dispatcher)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","entities":%d,"backlog":%d,"config_version":%d}`,
			engine.Entities(), dispatcher.Backlog(), loader.Current().Version)
	})
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           otelobs.HTTPTraceLogMiddleware(serviceName, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error {
		engine.RunSweeper(gctx, time.Minute)
		return nil
	})
	g.Go(func() error {
		seq.RunSweeper(gctx, time.Minute)
		return nil
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shctx, shcancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shcancel()
		return srv.Shutdown(shctx)
	})

	logging.Infof("%s: listening on :%d topic=%s", serviceName, port, config.Env("KAFKA_TOPIC", "transactions"))
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logging.Errorf("%s: %v", serviceName, err)
		os.Exit(1)
	}
	if anchor, err := ledger.Anchor(); err == nil && anchor != "" {
		logging.Infof("%s: rejection ledger anchor %s", serviceName, anchor)
	}
	logging.Infof("%s: shutdown complete", serviceName)
}

// worker is the per-event pipeline run on dispatcher goroutines. Each entity
// maps to one partition, so state transitions for an entity are sequential.
type worker struct {
	seq    *sequencer.Sequencer
	engine *aggregate.Engine
	store  *featurestore.RedisStore
	loader *config.Loader
}

func (w *worker) handle(ev events.Event) {
	cfg := w.loader.Current()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	w.warmUp(ctx, cfg, ev)
	adm := w.seq.Admit(ev)
	if adm.Status == sequencer.StatusRejected {
		return
	}

	if adm.Correction {
		// A late event rewrote window history behind snapshots that readers
		// may already hold. Flag it first; the merge below clears the flag
		// once the recomputed fields land.
		if err := w.store.MarkStale(ctx, adm.Event.EntityID); err != nil {
			logging.Errorf("%s: mark stale %s: %v", serviceName, adm.Event.EntityID, err)
		}
	}
	fields := features.SnapshotFields(w.engine, cfg, adm.Event.EntityID, adm.Update.LastEventTime, adm.Update.EMA)
	if err := w.store.Merge(ctx, adm.Event.EntityID, fields); err != nil {
		logging.Errorf("%s: merge %s: %v", serviceName, adm.Event.EntityID, err)
	}
	if err := w.store.AppendHistory(ctx, adm.Event); err != nil {
		logging.Errorf("%s: history %s: %v", serviceName, adm.Event.EntityID, err)
	}
	metrics.TrackedEntities.Set(float64(w.engine.Entities()))
}

// warmUp rebuilds the entity's in-memory aggregates from persisted history
// the first time it is seen after a restart, so merged window counts never
// regress to zero. Best effort.
func (w *worker) warmUp(ctx context.Context, cfg *config.Config, ev events.Event) {
	if ev.EntityID == "" {
		return
	}
	if _, ok := w.engine.LastEventTime(ev.EntityID); ok {
		return
	}
	from := ev.Timestamp.Add(-cfg.MaxWindow())
	past, err := w.store.History(ctx, ev.EntityID, from, ev.Timestamp.Add(cfg.Watermark.Tolerance()))
	if err != nil {
		logging.Warnf("%s: warm-up %s: %v", serviceName, ev.EntityID, err)
		return
	}
	for _, old := range past {
		if _, err := w.engine.Apply(old); err != nil {
			logging.Errorf("%s: warm-up apply %s/%s: %v", serviceName, old.EntityID, old.EventID, err)
		}
	}
}
