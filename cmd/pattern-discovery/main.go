package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/synaptica-ai/trialmatch/pkg/common/config"
	"github.com/synaptica-ai/trialmatch/pkg/common/database"
	"github.com/synaptica-ai/trialmatch/pkg/common/kafka"
	"github.com/synaptica-ai/trialmatch/pkg/common/logger"
	"github.com/synaptica-ai/trialmatch/pkg/embedding"
	"github.com/synaptica-ai/trialmatch/pkg/patients"
	"github.com/synaptica-ai/trialmatch/pkg/patterns"
	"gorm.io/gorm"
)

var (
	cfg       *config.Config
	runJSON   bool
	noPublish bool
	projector string
)

var rootCmd = &cobra.Command{
	Use:   "pattern-discovery",
	Short: "Discover patient patterns and maintain matching reference data",
	Long: `Runs one synchronous pattern discovery over the patients in Postgres,
records the run and publishes the discovered patterns.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.Init()
		cfg = config.Load()
	},
	RunE: runDiscovery,
}

func init() {
	rootCmd.Flags().BoolVar(&runJSON, "json", false, "print the finished run as JSON")
	rootCmd.Flags().BoolVar(&noPublish, "no-publish", false, "skip the patterns.discovered event")
	rootCmd.Flags().StringVar(&projector, "projector", "", "override DISCOVERY_PROJECTOR (pca or random)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func openDatabase() (*gorm.DB, error) {
	db, err := database.GetPostgres(cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}

func runDiscovery(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.ClosePostgres()
	redisClient := database.GetRedis(cfg)
	defer database.CloseRedis()

	patientRepo := patients.NewRepository(db)
	runRepo := patterns.NewRunRepository(db)
	if err := runRepo.AutoMigrate(); err != nil {
		return fmt.Errorf("migrate discovery runs: %w", err)
	}

	var publisher kafka.Publisher
	if !noPublish {
		producer := kafka.NewProducer(cfg, cfg.PatternsDiscoverTopic)
		defer producer.Close()
		publisher = producer
	}

	name := cfg.DiscoveryProjector
	if projector != "" {
		name = projector
	}
	engine := patterns.NewEngine(patterns.Config{
		Seed:           cfg.DiscoverySeed,
		Components:     cfg.DiscoveryComponents,
		MinClusterSize: cfg.DiscoveryMinClusterSize,
		MinSamples:     cfg.DiscoveryMinSamples,
	}, patterns.NewProjector(name, cfg.DiscoverySeed))

	embeddings := embedding.NewCachedProvider(
		embedding.NewHTTPProvider(cfg.EmbeddingBaseURL, cfg.OutboundTimeout, cfg.OutboundRetryCount),
		embedding.NewRedisCache(redisClient),
		cfg.EmbeddingCacheTTL,
	)
	runs := patterns.NewRunService(
		runRepo,
		patterns.NewRegistry(),
		engine,
		patients.NewLoader(patientRepo, embeddings, 8),
		publisher,
		patientRepo,
		1,
		cfg.HeavyStageTimeout*5,
	)

	logger.Log.WithFields(map[string]interface{}{
		"seed":      cfg.DiscoverySeed,
		"projector": name,
	}).Info("Starting pattern discovery")

	run, err := runs.Execute(ctx)
	if err != nil {
		return fmt.Errorf("discovery run: %w", err)
	}
	if runJSON {
		data, err := json.MarshalIndent(run, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal run: %w", err)
		}
		cmd.Println(string(data))
	} else {
		cmd.Printf("run %s %s\n", run.ID, run.Status)
	}
	if run.Status != patterns.StatusCompleted {
		return fmt.Errorf("discovery run %s ended %s: %s", run.ID, run.Status, run.ErrorMessage)
	}
	return nil
}
