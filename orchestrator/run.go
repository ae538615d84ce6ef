// Copyright 2025 MindLoop
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"mindloop/core/orchestrator/cache"
	"mindloop/core/orchestrator/cost"
	"mindloop/core/orchestrator/events"
	"mindloop/core/orchestrator/experiment"
	"mindloop/core/orchestrator/llm"
	"mindloop/core/orchestrator/llm/anthropic"
	"mindloop/core/orchestrator/llm/bedrock"
	"mindloop/core/orchestrator/llm/openai"
	"mindloop/core/orchestrator/ratelimit"
	"mindloop/core/shared/logger"
)

// Run is the exported entry point for the inference core service.
//
// It loads configuration, registers providers, assembles the
// orchestrator, sets up HTTP routes, and blocks until the process is
// signalled.
//
// Environment variables used:
//   - CONFIG_PATH: YAML config file (default: config.yaml)
//   - PORT: overrides the configured HTTP port
//   - REDIS_URL / DATABASE_URL: switch stores to Redis / Postgres
//   - ANTHROPIC_API_KEY / OPENAI_API_KEY: provider credentials
func Run() {
	log.Println("Starting MindLoop inference core...")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := LoadConfig(configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Fatalf("config error: %v", err)
		}
		log.Printf("no config file at %s, using defaults", configPath)
		cfg = DefaultConfig()
	}
	if port := os.Getenv("PORT"); port != "" {
		if _, err := fmt.Sscanf(port, "%d", &cfg.Server.Port); err != nil {
			log.Fatalf("invalid PORT %q", port)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orch, cleanup, err := Build(ctx, cfg)
	if err != nil {
		log.Fatalf("startup error: %v", err)
	}
	defer cleanup()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      NewHandler(orch),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	go func() {
		log.Printf("inference core listening on %s", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

// NewHandler builds the HTTP routing tree over an orchestrator. Exported
// so the core can be embedded in another process or an httptest server.
func NewHandler(orch *Orchestrator) http.Handler {
	srv := newServer(orch)

	r := mux.NewRouter()
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	r.HandleFunc("/health", srv.healthHandler).Methods("GET")
	r.HandleFunc("/metrics", srv.metricsHandler).Methods("GET")
	r.Handle("/prometheus", promhttp.Handler()).Methods("GET")

	r.HandleFunc("/api/v1/invoke", srv.invokeHandler).Methods("POST")
	r.HandleFunc("/api/v1/providers/status", srv.providerStatusHandler).Methods("GET")

	r.HandleFunc("/api/v1/cost/summary", srv.costSummaryHandler).Methods("GET")
	r.HandleFunc("/api/v1/cost/recommendations", srv.recommendationsHandler).Methods("GET")

	r.HandleFunc("/api/v1/admin/experiments", srv.listExperimentsHandler).Methods("GET")
	r.HandleFunc("/api/v1/admin/experiments", srv.updateExperimentHandler).Methods("POST", "PUT")
	r.HandleFunc("/api/v1/admin/experiments/{id}/results", srv.experimentResultsHandler).Methods("GET")
	r.HandleFunc("/api/v1/admin/flags", srv.updateFlagHandler).Methods("POST", "PUT")
	r.HandleFunc("/api/v1/admin/budgets", srv.setBudgetHandler).Methods("POST", "PUT")
	r.HandleFunc("/api/v1/admin/routes", srv.updateRouteHandler).Methods("POST", "PUT")

	return c.Handler(r)
}

// Build assembles every component from config. The returned cleanup
// closes stores and drains the event emitter.
func Build(ctx context.Context, cfg *Config) (*Orchestrator, func(), error) {
	appLog := logger.New("orchestrator")

	// Stores switch to Redis/Postgres when configured.
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid redis url: %w", err)
		}
		redisClient = redis.NewClient(opts)
	}

	// Cache.
	var cacheStore cache.Store
	if redisClient != nil {
		store, err := cache.NewRedisStore(ctx, redisClient, 2*cfg.Cache.TTL)
		if err != nil {
			return nil, nil, fmt.Errorf("cache store: %w", err)
		}
		cacheStore = store
	} else {
		cacheStore = cache.NewMemoryStore(ctx, cfg.Cache.MaxEntries, time.Minute)
	}
	semanticCache := cache.New(cacheStore, cache.Config{
		Threshold: cfg.Cache.Threshold,
		TTL:       cfg.Cache.TTL,
	})

	// Rate limiter.
	var limiter ratelimit.Limiter
	rlCfg := ratelimit.Config{Limit: cfg.RateLimit.Limit, Window: cfg.RateLimit.Window}
	if redisClient != nil {
		rl, err := ratelimit.NewRedisLimiter(ctx, redisClient, rlCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("rate limiter: %w", err)
		}
		limiter = rl
	} else {
		limiter = ratelimit.NewMemoryLimiter(rlCfg)
	}

	// Events.
	emitter := events.NewBatchingEmitter(events.NewLogSink(nil), events.EmitterConfig{
		BatchSize:     cfg.Events.BatchSize,
		FlushInterval: cfg.Events.FlushInterval,
	})

	// Cost ledger.
	var repo cost.Repository
	var db *sql.DB
	if cfg.DatabaseURL != "" {
		var err error
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database: %w", err)
		}
		pgRepo := cost.NewPostgresRepository(db)
		if err := pgRepo.EnsureSchema(ctx); err != nil {
			return nil, nil, fmt.Errorf("database schema: %w", err)
		}
		repo = pgRepo
	} else {
		repo = cost.NewMemoryRepository(0, 0)
	}

	pricing := cost.LoadPricingFromEnv()
	if cfg.Cost.PricingFile != "" {
		loaded, err := cost.LoadPricingFromFile(cfg.Cost.PricingFile)
		if err != nil {
			return nil, nil, fmt.Errorf("pricing file: %w", err)
		}
		pricing = loaded
	}
	alerter := cost.MultiAlerter{cost.NewLogAlerter(nil), cost.NewEventAlerter(emitter)}
	costSvc := cost.NewServiceWithOptions(repo, pricing, alerter, nil)
	for _, b := range cfg.Cost.Budgets {
		if err := costSvc.SetBudget(cost.Budget{
			Scope:           b.Scope,
			DailyLimitCents: b.DailyLimitCents,
			HardBlock:       b.HardBlock,
		}); err != nil {
			return nil, nil, fmt.Errorf("budget %s: %w", b.Scope, err)
		}
	}

	// Experiments.
	var assignments experiment.AssignmentStore
	if redisClient != nil {
		store, err := experiment.NewRedisAssignmentStore(ctx, redisClient)
		if err != nil {
			return nil, nil, fmt.Errorf("assignment store: %w", err)
		}
		assignments = store
	} else {
		assignments = experiment.NewMemoryAssignmentStore()
	}
	engine := experiment.NewEngine(assignments, emitter, nil)
	for _, exp := range cfg.Experiments {
		if err := engine.UpsertExperiment(exp); err != nil {
			return nil, nil, fmt.Errorf("experiment %s: %w", exp.ID, err)
		}
	}
	for _, flag := range cfg.Flags {
		if err := engine.UpsertFlag(flag); err != nil {
			return nil, nil, fmt.Errorf("flag %s: %w", flag.ID, err)
		}
	}

	// Providers and routing.
	registry := llm.NewRegistry()
	for _, pc := range cfg.Providers {
		provider, err := buildProvider(ctx, pc)
		if err != nil {
			return nil, nil, fmt.Errorf("provider %s: %w", pc.Name, err)
		}
		if err := registry.Register(provider, pc); err != nil {
			return nil, nil, err
		}
	}
	registry.StartPeriodicHealthCheck(ctx, time.Minute)

	routes, err := llm.NewRouteTable(cfg.Routes)
	if err != nil {
		return nil, nil, err
	}
	router := llm.NewRouter(registry, routes, llm.RouterConfig{
		MaxRetries:     cfg.Router.MaxRetries,
		BaseBackoff:    cfg.Router.BaseBackoff,
		AttemptTimeout: cfg.Router.AttemptTimeout,
		MaxConcurrent:  cfg.Router.MaxConcurrent,
		Observer:       routerObserver{},
	})

	orch := New(router, semanticCache, costSvc, engine, limiter, emitter, appLog)

	cleanup := func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = emitter.Shutdown(drainCtx)
		_ = semanticCache.Close()
		_ = assignments.Close()
		if db != nil {
			_ = db.Close()
		}
	}
	return orch, cleanup, nil
}

// buildProvider constructs one provider from config. API keys come from
// the environment so config files stay secret-free.
func buildProvider(ctx context.Context, pc llm.ProviderConfig) (llm.Provider, error) {
	timeout := time.Duration(pc.TimeoutSeconds) * time.Second
	switch pc.Type {
	case llm.ProviderTypeAnthropic:
		apiKey := pc.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		return anthropic.NewProvider(anthropic.Config{
			Name:    pc.Name,
			APIKey:  apiKey,
			BaseURL: pc.Endpoint,
			Model:   pc.Model,
			Timeout: timeout,
		})
	case llm.ProviderTypeOpenAI:
		apiKey := pc.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		return openai.NewProvider(openai.Config{
			Name:    pc.Name,
			APIKey:  apiKey,
			BaseURL: pc.Endpoint,
			Model:   pc.Model,
			Timeout: timeout,
		})
	case llm.ProviderTypeBedrock:
		return bedrock.NewProvider(ctx, bedrock.Config{
			Name:   pc.Name,
			Region: pc.Region,
			Model:  pc.Model,
		})
	case llm.ProviderTypeMock:
		return llm.NewMockProvider(pc.Name), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", pc.Type)
	}
}
