package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/trialmatch/pkg/common/config"
	"github.com/synaptica-ai/trialmatch/pkg/common/database"
	"github.com/synaptica-ai/trialmatch/pkg/common/kafka"
	"github.com/synaptica-ai/trialmatch/pkg/common/logger"
	"github.com/synaptica-ai/trialmatch/pkg/coordinator"
	"github.com/synaptica-ai/trialmatch/pkg/eligibility"
	"github.com/synaptica-ai/trialmatch/pkg/embedding"
	"github.com/synaptica-ai/trialmatch/pkg/forecast"
	"github.com/synaptica-ai/trialmatch/pkg/gateway/middleware"
	"github.com/synaptica-ai/trialmatch/pkg/gateway/routes"
	"github.com/synaptica-ai/trialmatch/pkg/matching"
	"github.com/synaptica-ai/trialmatch/pkg/observability/tracing"
	"github.com/synaptica-ai/trialmatch/pkg/patients"
	"github.com/synaptica-ai/trialmatch/pkg/patterns"
	"github.com/synaptica-ai/trialmatch/pkg/sites"
	"github.com/synaptica-ai/trialmatch/pkg/terminology"
	"github.com/synaptica-ai/trialmatch/pkg/validation"
)

func main() {
	logger.Init()
	cfg := config.Load()

	shutdownTracing, err := tracing.Setup(context.Background(), "trialmatch-service", cfg.OTLPEndpoint, cfg.TraceSampleRatio)
	if err != nil {
		logger.Log.WithError(err).Warn("Tracing not configured, continuing without export")
	}

	db, err := database.GetPostgres(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to connect to database")
	}
	defer database.ClosePostgres()
	redisClient := database.GetRedis(cfg)
	defer database.CloseRedis()

	patientRepo := patients.NewRepository(db)
	trialRepo := eligibility.NewTrialRepository(db)
	runRepo := patterns.NewRunRepository(db)
	for name, migrate := range map[string]func() error{
		"patients":  patientRepo.AutoMigrate,
		"trials":    trialRepo.AutoMigrate,
		"discovery": runRepo.AutoMigrate,
	} {
		if err := migrate(); err != nil {
			logger.Log.WithError(err).WithField("schema", name).Fatal("Failed to migrate schema")
		}
	}

	catalog, err := terminology.Load(cfg.TerminologyPath)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to load terminology catalog")
	}
	profiles, err := sites.LoadProfiles(cfg.SiteProfilesPath)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to load site profiles")
	}
	bands, err := sites.LoadBands(cfg.ScoringBandsPath)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to load scoring bands")
	}

	embeddings := embedding.NewCachedProvider(
		embedding.NewHTTPProvider(cfg.EmbeddingBaseURL, cfg.OutboundTimeout, cfg.OutboundRetryCount),
		embedding.NewRedisCache(redisClient),
		cfg.EmbeddingCacheTTL,
	)

	var extractor eligibility.Extractor = eligibility.NewMapper(catalog)
	if cfg.EligibilityBaseURL != "" {
		extractor = eligibility.FallbackExtractor{
			Primary:   eligibility.NewHTTPExtractor(cfg.EligibilityBaseURL, cfg.OutboundTimeout, cfg.OutboundRetryCount),
			Secondary: extractor,
		}
	}

	discoveredProducer := kafka.NewProducer(cfg, cfg.PatternsDiscoverTopic)
	defer discoveredProducer.Close()
	resultProducer := kafka.NewProducer(cfg, cfg.MatchResultTopic)
	defer resultProducer.Close()

	registry := patterns.NewRegistry()
	engine := patterns.NewEngine(patterns.Config{
		Seed:           cfg.DiscoverySeed,
		Components:     cfg.DiscoveryComponents,
		MinClusterSize: cfg.DiscoveryMinClusterSize,
		MinSamples:     cfg.DiscoveryMinSamples,
	}, patterns.NewProjector(cfg.DiscoveryProjector, cfg.DiscoverySeed))
	runs := patterns.NewRunService(
		runRepo,
		registry,
		engine,
		patients.NewLoader(patientRepo, embeddings, 8),
		discoveredProducer,
		patientRepo,
		cfg.DiscoveryMaxWorkers,
		cfg.HeavyStageTimeout*5,
	)

	coord := coordinator.New(coordinator.Dependencies{
		Resolver:   eligibility.NewResolver(trialRepo, extractor, cfg.DefaultTargetEnrollment),
		Patterns:   registry,
		Matcher:    matching.NewPatternMatcher(cfg.MinPatternSize, cfg.MaxPatterns),
		Candidates: matching.NewCandidateFinder(cfg.MaxCandidates),
		Scorer:     matching.NewScorer(),
		Validator:  validation.NewValidator(catalog),
		Sites:      sites.NewScorer(bands, catalog, 8),
		Forecaster: forecast.NewPredictor(cfg.ForecastHorizonWeeks),
		Profiles:   profiles,
	}, coordinator.Options{
		StageTimeout:      cfg.StageTimeout,
		HeavyStageTimeout: cfg.HeavyStageTimeout,
		MaxSites:          cfg.MaxSites,
	})

	// Requests run against an empty snapshot until the first discovery lands.
	if run, err := runs.Start(context.Background()); err != nil {
		logger.Log.WithError(err).Error("Failed to start initial pattern discovery")
	} else {
		logger.Log.WithField("run_id", run.ID).Info("Initial pattern discovery queued")
	}

	router := mux.NewRouter()
	router.Use(middleware.Logging)
	router.Use(middleware.Recovery)
	router.Use(middleware.CORS)
	router.Use(middleware.BodyLimit(cfg.MaxRequestBody))
	router.Use(middleware.RateLimit(cfg.GatewayRateLimitRPS, cfg.GatewayRateLimitBurst))

	apiRouter := router.PathPrefix("/api/v1").Subrouter()
	routes.RegisterMatchRoutes(apiRouter, &routes.MatchHandler{Matcher: coord})
	routes.RegisterPatternRoutes(apiRouter, &routes.PatternsHandler{Snapshots: registry, Runs: runs})
	routes.RegisterStatusRoutes(router, apiRouter, &routes.StatusHandler{
		Snapshots: registry,
		SiteCount: len(profiles),
		Checks: map[string]routes.Check{
			"postgres": func(ctx context.Context) error {
				sqlDB, err := db.DB()
				if err != nil {
					return err
				}
				return sqlDB.PingContext(ctx)
			},
			"redis": database.PingRedis,
		},
		LivenessTimeout: cfg.LivenessTimeout,
		StartedAt:       time.Now(),
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	consumeCtx, stopConsuming := context.WithCancel(context.Background())
	consumer := kafka.NewConsumer(cfg, cfg.MatchRequestTopic, cfg.KafkaGroupID)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		handler := coord.EventHandler(resultProducer, cfg.OutboundRetryCount+1)
		if err := consumer.Consume(consumeCtx, handler); err != nil && !errors.Is(err, context.Canceled) {
			logger.Log.WithError(err).Error("Match request consumer stopped")
		}
	}()

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host":  cfg.ServerHost,
			"port":  cfg.ServerPort,
			"sites": len(profiles),
			"topic": cfg.MatchRequestTopic,
		}).Info("Trial matching service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down trial matching service...")

	stopConsuming()
	wg.Wait()
	if err := consumer.Close(); err != nil {
		logger.Log.WithError(err).Warn("Failed to close consumer")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Log.WithError(err).Error("Server forced to shutdown")
	}
	if err := shutdownTracing(ctx); err != nil {
		logger.Log.WithError(err).Warn("Failed to flush traces")
	}

	logger.Log.Info("Trial matching service stopped")
}
