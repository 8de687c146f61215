package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tryon/internal/executor"
	"tryon/internal/genai"
	"tryon/internal/http/handlers"
	"tryon/internal/http/httpapi"
	"tryon/internal/infra"
	"tryon/internal/infra/geoip"
	"tryon/internal/middleware"
	"tryon/internal/pipeline"
	"tryon/internal/similarity"
	"tryon/internal/styles"
	"tryon/internal/usage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	// Usage ledger: shared Postgres store when DATABASE_URL is set, otherwise
	// the in-process store.
	var store usage.Store
	if cfg.DatabaseURL != "" {
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect database")
		}
		defer pool.Close()
		pgStore, err := usage.NewPGStore(ctx, pool)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to prepare usage store")
		}
		store = pgStore
	} else {
		store = usage.NewMemoryStore()
	}

	resolver, err := geoip.Open(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("geoip resolver unavailable")
	}
	defer resolver.Close()

	limits := usage.Limits{
		DailyCap:         int64(cfg.DailyCap),
		Cooldown:         time.Duration(cfg.CooldownSeconds) * time.Second,
		IPHourlyCap:      int64(cfg.IPHourlyCap),
		KillSwitchCents:  int64(cfg.KillSwitchCents),
		CostPerCallCents: int64(cfg.CostPerCallCents),
		LockTTL:          120 * time.Second,
		Disabled:         cfg.UsageGateDisabled,
	}
	gate := usage.NewGate(store, limits, logger, usage.CountryLookup(resolver.Lookup()))
	gate.StartSweeper(ctx)

	client := genai.NewClient(genai.Options{
		APIKey:        cfg.GeminiAPIKey,
		BaseURL:       cfg.GeminiBaseURL,
		StandardModel: cfg.GeminiModel,
		ProModel:      cfg.GeminiProModel,
		Logger:        &logger,
	})
	exec := executor.New(client, client.StandardModel(), client.ProModel(), logger)
	simGate := similarity.NewGate(cfg.SimilarityThreshold, logger)
	styleEng := styles.NewEngine(time.Now().UnixNano())

	pipe := pipeline.New(gate, simGate, exec, styleEng, logger)
	app := handlers.NewApp(pipe, gate, logger)
	router := httpapi.NewRouter(app, cfg, middleware.CountryLookup(resolver.Lookup()))
	server := infra.NewHTTPServer(cfg, router, logger)

	if err := server.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("http server failed")
	}
	logger.Info().Msg("server stopped")
}
