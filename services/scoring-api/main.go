package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
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
	"fraudshield/pkg/logging"
	"fraudshield/pkg/metrics"
	otelobs "fraudshield/pkg/observability/otel"
	"fraudshield/pkg/orchestrator"
	"fraudshield/pkg/scoring"
)

const serviceName = "scoring-api"

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

type api struct {
	orch   *orchestrator.Orchestrator
	loader *config.Loader
}

type scoreResponse struct {
	TransactionID string  `json:"transaction_id"`
	Probability   float64 `json:"probability"`
	RiskTier      string  `json:"risk_tier"`
	Action        string  `json:"action"`
	DecisionPath  string  `json:"decision_path"`
	LatencyMs     float64 `json:"latency_ms"`
	ModelVersion  string  `json:"model_version"`
}

func (a *api) handleScore(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	var req events.ScoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}

	rec, err := a.orch.Decide(r.Context(), req)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(scoreResponse{
		TransactionID: rec.TransactionID,
		Probability:   rec.Probability,
		RiskTier:      string(rec.RiskTier),
		Action:        string(rec.Action),
		DecisionPath:  string(rec.Path),
		LatencyMs:     rec.LatencyMs,
		ModelVersion:  rec.ModelVersion,
	})
}

func (a *api) handleConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(a.loader.Current())
}

func (a *api) handleConfigReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	cfg, err := a.loader.Reload()
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		metrics.ConfigReloads.WithLabelValues("rejected").Inc()
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]any{
			"error":          err.Error(),
			"active_version": a.loader.Current().Version,
		})
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"status": "applied", "version": cfg.Version})
}

func main() {
	port := envInt("SCORING_PORT", 8090)
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

	// Read-path engine, warmed lazily per entity from persisted history.
	engine := aggregate.NewEngine(loader)
	assembler := features.NewAssembler(loader, engine, store, store)

	var scorer scoring.Scorer
	var attributor scoring.Attributor
	if url := os.Getenv("MODEL_URL"); url != "" {
		client := scoring.NewHTTPScorer(url, time.Duration(envInt("MODEL_TIMEOUT_MS", 100))*time.Millisecond)
		scorer = scoring.NewBreakerScorer(client, scoring.DefaultBreakerSettings())
		logging.Infof("%s: scoring via model service %s", serviceName, url)
	} else {
		rules := scoring.NewRuleScorer()
		scorer, attributor = rules, rules
		logging.Infof("%s: MODEL_URL unset, scoring via built-in rules", serviceName)
	}

	decisions, err := audit.NewDecisionStore(config.Env("DECISION_DB_PATH", "data/decisions.db"))
	if err != nil {
		logging.Errorf("%s: decision store: %v", serviceName, err)
		os.Exit(1)
	}
	defer decisions.Close()

	a := &api{orch: orchestrator.New(loader, assembler, scorer, attributor, decisions), loader: loader}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/score", a.handleScore)
	mux.HandleFunc("/v1/config", a.handleConfig)
	mux.HandleFunc("/v1/config/reload", a.handleConfigReload)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","config_version":%d}`, loader.Current().Version)
	})
	mux.Handle("/metrics", promhttp.Handler())

	handler := otelobs.WrapHTTPHandler(serviceName, otelobs.HTTPTraceLogMiddleware(serviceName, mux))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		engine.RunSweeper(gctx, time.Minute)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shctx, shcancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shcancel()
		return srv.Shutdown(shctx)
	})

	logging.Infof("%s: listening on :%d", serviceName, port)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logging.Errorf("%s: %v", serviceName, err)
		os.Exit(1)
	}
	logging.Infof("%s: shutdown complete", serviceName)
}
