package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" yaml:"server"`

	// Decision engine
	Model  ModelConfig  `json:"model" yaml:"model"`
	Risk   RiskConfig   `json:"risk" yaml:"risk"`
	Engine EngineConfig `json:"engine" yaml:"engine"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" yaml:"repository"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" yaml:"eventBus"`
	Worker     WorkerConfig     `json:"worker" yaml:"worker"`

	// Observability
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port" validate:"min=1,max=65535"`
	ReadTimeout  int    `json:"readTimeout" yaml:"readTimeout" validate:"gte=0"`   // seconds
	WriteTimeout int    `json:"writeTimeout" yaml:"writeTimeout" validate:"gte=0"` // seconds

	// Browser origins allowed by CORS; empty allows any origin
	AllowedOrigins []string `json:"allowedOrigins" yaml:"allowedOrigins"`
}

// ModelConfig locates the classifier artifact.
// Locations are filesystem paths or s3://bucket/key URIs.
type ModelConfig struct {
	PrimaryPath   string `json:"primaryPath" yaml:"primaryPath"`
	SecondaryPath string `json:"secondaryPath" yaml:"secondaryPath"`

	// Legacy single-model pair: anomaly model plus its scaler
	LegacyModelPath  string `json:"legacyModelPath" yaml:"legacyModelPath"`
	LegacyScalerPath string `json:"legacyScalerPath" yaml:"legacyScalerPath"`

	// S3 settings, used only for s3:// locations
	S3Region    string `json:"s3Region" yaml:"s3Region"`
	S3Endpoint  string `json:"s3Endpoint" yaml:"s3Endpoint"`
	S3AccessKey string `json:"s3AccessKey" yaml:"s3AccessKey"`
	S3SecretKey string `json:"s3SecretKey" yaml:"s3SecretKey"`

	// Synthetic default model
	DefaultSeed int64 `json:"defaultSeed" yaml:"defaultSeed"`
}

// RiskConfig holds the heuristic scorer settings.
type RiskConfig struct {
	BaseScore int `json:"baseScore" yaml:"baseScore" validate:"gte=0,lte=100"`

	// Rules replace the built-in rule set when non-empty.
	Rules []RiskRule `json:"rules" yaml:"rules" validate:"dive"`
}

// EngineConfig holds evaluation settings.
type EngineConfig struct {
	MaxBatchWorkers int           `json:"maxBatchWorkers" yaml:"maxBatchWorkers" validate:"gte=0"`
	MaxBatchSize    int           `json:"maxBatchSize" yaml:"maxBatchSize" validate:"gte=0"`
	DecisionTTL     time.Duration `json:"decisionTtl" yaml:"decisionTtl" validate:"gte=0"`
	CacheDecisions  bool          `json:"cacheDecisions" yaml:"cacheDecisions"`

	// Resubmission counting; zero disables it
	VelocityWindow time.Duration `json:"velocityWindow" yaml:"velocityWindow" validate:"gte=0"`
}

// WorkerConfig holds async evaluation worker settings.
type WorkerConfig struct {
	Enabled     bool `json:"enabled" yaml:"enabled"`
	Concurrency int  `json:"concurrency" yaml:"concurrency" validate:"gte=0"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `json:"format" yaml:"format" validate:"omitempty,oneof=json text"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	ServiceName  string `json:"serviceName" yaml:"serviceName"`
	ExporterType string `json:"exporterType" yaml:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfig returns a single-node configuration: SQLite, in-memory
// cache and channel bus.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Model: ModelConfig{
			PrimaryPath:      "models/fraud_detection_models.json",
			SecondaryPath:    "backend/models/fraud_detection_models.json",
			LegacyModelPath:  "fraud_model.json",
			LegacyScalerPath: "fraud_scaler.json",
			DefaultSeed:      42,
		},
		Risk: RiskConfig{
			BaseScore: 100,
		},
		Engine: EngineConfig{
			MaxBatchWorkers: 8,
			MaxBatchSize:    500,
			DecisionTTL:     5 * time.Minute,
			CacheDecisions:  true,
			VelocityWindow:  24 * time.Hour,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Worker: WorkerConfig{
			Enabled:     true,
			Concurrency: 4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ClusterConfig returns a configuration for a multi-node deployment:
// PostgreSQL, Redis two-phase cache and NATS.
func ClusterConfig() *Config {
	cfg := DefaultConfig()
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueueGroup:    "kestrel-workers",
	}
	cfg.Tracing.Enabled = true
	return cfg
}
