package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	ServerPort     string
	ServerHost     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRequestBody int64

	// Database
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Kafka
	KafkaBrokers          []string
	KafkaGroupID          string
	MatchRequestTopic     string
	MatchResultTopic      string
	PatternsDiscoverTopic string

	// Stage deadlines
	StageTimeout      time.Duration
	HeavyStageTimeout time.Duration
	LivenessTimeout   time.Duration

	// Pattern discovery
	DiscoverySeed           int64
	DiscoveryComponents     int
	DiscoveryMinClusterSize int
	DiscoveryMinSamples     int
	DiscoveryProjector      string
	DiscoveryMaxWorkers     int

	// Pipeline limits
	MaxPatterns             int
	MinPatternSize          int
	MaxCandidates           int
	MaxSites                int
	DefaultTargetEnrollment int
	ForecastHorizonWeeks    int

	// Reference data
	SiteProfilesPath string
	TerminologyPath  string
	ScoringBandsPath string

	// External collaborators
	EmbeddingBaseURL   string
	EmbeddingCacheTTL  time.Duration
	EligibilityBaseURL string
	OutboundTimeout    time.Duration
	OutboundRetryCount int

	// Gateway
	GatewayRateLimitRPS   int
	GatewayRateLimitBurst int

	// Tracing
	OTLPEndpoint     string
	TraceSampleRatio float64
}

func Load() *Config {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	return &Config{
		ServerPort:     getEnv("SERVER_PORT", "8090"),
		ServerHost:     getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:    getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:   getDuration("WRITE_TIMEOUT", 90*time.Second),
		MaxRequestBody: int64(getIntEnv("MAX_REQUEST_BODY_BYTES", 4*1024*1024)),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "synaptica"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "synaptica123"),
		PostgresDB:       getEnv("POSTGRES_DB", "trialmatch"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		KafkaBrokers:          getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID:          getEnv("KAFKA_GROUP_ID", "trialmatch"),
		MatchRequestTopic:     getEnv("MATCH_REQUEST_TOPIC", "trial.match.requested"),
		MatchResultTopic:      getEnv("MATCH_RESULT_TOPIC", "trial.match.completed"),
		PatternsDiscoverTopic: getEnv("PATTERNS_DISCOVERED_TOPIC", "patterns.discovered"),

		StageTimeout:      getDuration("STAGE_TIMEOUT", 30*time.Second),
		HeavyStageTimeout: getDuration("HEAVY_STAGE_TIMEOUT", 60*time.Second),
		LivenessTimeout:   getDuration("LIVENESS_TIMEOUT", 5*time.Second),

		DiscoverySeed:           int64(getIntEnv("DISCOVERY_SEED", 42)),
		DiscoveryComponents:     getIntEnv("DISCOVERY_COMPONENTS", 10),
		DiscoveryMinClusterSize: getIntEnv("DISCOVERY_MIN_CLUSTER_SIZE", 50),
		DiscoveryMinSamples:     getIntEnv("DISCOVERY_MIN_SAMPLES", 10),
		DiscoveryProjector:      getEnv("DISCOVERY_PROJECTOR", "pca"),
		DiscoveryMaxWorkers:     getIntEnv("DISCOVERY_MAX_WORKERS", 1),

		MaxPatterns:             getIntEnv("MAX_PATTERNS", 20),
		MinPatternSize:          getIntEnv("MIN_PATTERN_SIZE", 0),
		MaxCandidates:           getIntEnv("MAX_CANDIDATES", 1000),
		MaxSites:                getIntEnv("MAX_SITES", 10),
		DefaultTargetEnrollment: getIntEnv("DEFAULT_TARGET_ENROLLMENT", 300),
		ForecastHorizonWeeks:    getIntEnv("FORECAST_HORIZON_WEEKS", 104),

		SiteProfilesPath: getEnv("SITE_PROFILES_PATH", "config/sites.yaml"),
		TerminologyPath:  getEnv("TERMINOLOGY_PATH", ""),
		ScoringBandsPath: getEnv("SCORING_BANDS_PATH", ""),

		EmbeddingBaseURL:   getEnv("EMBEDDING_BASE_URL", "http://localhost:8091"),
		EmbeddingCacheTTL:  getDuration("EMBEDDING_CACHE_TTL", 24*time.Hour),
		EligibilityBaseURL: getEnv("ELIGIBILITY_BASE_URL", ""),
		OutboundTimeout:    getDuration("OUTBOUND_TIMEOUT", 10*time.Second),
		OutboundRetryCount: getIntEnv("OUTBOUND_RETRY_COUNT", 2),

		GatewayRateLimitRPS:   getIntEnv("GATEWAY_RATE_LIMIT_RPS", 50),
		GatewayRateLimitBurst: getIntEnv("GATEWAY_RATE_LIMIT_BURST", 100),

		OTLPEndpoint:     getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		TraceSampleRatio: getFloatEnv("TRACE_SAMPLE_RATIO", 0.1),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var out []string
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
