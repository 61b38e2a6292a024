// Package config loads Kestrel configuration from defaults, an optional
// YAML file and KESTREL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/opensource-finance/kestrel/internal/domain"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "KESTREL_"

// Load builds the configuration. Later sources win:
//
//  1. DefaultConfig, or ClusterConfig when KESTREL_PROFILE=cluster
//  2. the YAML file at path (or KESTREL_CONFIG when path is empty)
//  3. KESTREL_* environment variables, including those from a .env file
//
// The result is validated before it is returned.
func Load(path string) (*domain.Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := domain.DefaultConfig()
	if strings.EqualFold(getEnv("PROFILE", ""), "cluster") {
		cfg = domain.ClusterConfig()
	}

	if path == "" {
		path = getEnv("CONFIG", "")
	}
	if path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile overlays the YAML file at path onto cfg.
func loadFile(cfg *domain.Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks struct constraints on cfg.
func Validate(cfg *domain.Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if len(cfg.Risk.Rules) > 0 && len(domain.ActiveRules(cfg.Risk.Rules)) == 0 {
		return fmt.Errorf("invalid configuration: all %d risk.rules are disabled", len(cfg.Risk.Rules))
	}
	return nil
}

// applyEnv overrides cfg from KESTREL_* variables.
func applyEnv(cfg *domain.Config) error {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	// Server
	setString(&cfg.Server.Host, "HOST")
	collect(setInt(&cfg.Server.Port, "PORT"))
	if v := getEnv("CORS_ORIGINS", ""); v != "" {
		cfg.Server.AllowedOrigins = nil
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.Server.AllowedOrigins = append(cfg.Server.AllowedOrigins, origin)
			}
		}
	}

	// Model
	setString(&cfg.Model.PrimaryPath, "MODEL_PATH")
	setString(&cfg.Model.SecondaryPath, "MODEL_SECONDARY_PATH")
	setString(&cfg.Model.LegacyModelPath, "LEGACY_MODEL_PATH")
	setString(&cfg.Model.LegacyScalerPath, "LEGACY_SCALER_PATH")
	setString(&cfg.Model.S3Region, "S3_REGION")
	setString(&cfg.Model.S3Endpoint, "S3_ENDPOINT")
	setString(&cfg.Model.S3AccessKey, "S3_ACCESS_KEY")
	setString(&cfg.Model.S3SecretKey, "S3_SECRET_KEY")

	// Engine
	collect(setInt(&cfg.Engine.MaxBatchSize, "MAX_BATCH_SIZE"))
	collect(setInt(&cfg.Engine.MaxBatchWorkers, "MAX_BATCH_WORKERS"))
	collect(setBool(&cfg.Engine.CacheDecisions, "CACHE_DECISIONS"))
	collect(setDuration(&cfg.Engine.DecisionTTL, "DECISION_TTL"))
	collect(setDuration(&cfg.Engine.VelocityWindow, "VELOCITY_WINDOW"))

	// Repository
	setString(&cfg.Repository.Driver, "DB_DRIVER")
	setString(&cfg.Repository.SQLitePath, "SQLITE_PATH")
	setString(&cfg.Repository.PostgresHost, "POSTGRES_HOST")
	collect(setInt(&cfg.Repository.PostgresPort, "POSTGRES_PORT"))
	setString(&cfg.Repository.PostgresUser, "POSTGRES_USER")
	setString(&cfg.Repository.PostgresPassword, "POSTGRES_PASSWORD")
	setString(&cfg.Repository.PostgresDB, "POSTGRES_DB")
	setString(&cfg.Repository.PostgresSSLMode, "POSTGRES_SSLMODE")

	// Cache
	setString(&cfg.Cache.Type, "CACHE_TYPE")
	setString(&cfg.Cache.RedisAddr, "REDIS_ADDR")
	setString(&cfg.Cache.RedisPassword, "REDIS_PASSWORD")
	collect(setInt(&cfg.Cache.RedisDB, "REDIS_DB"))

	// Event bus
	setString(&cfg.EventBus.Type, "BUS_TYPE")
	setString(&cfg.EventBus.NATSUrl, "NATS_URL")
	setString(&cfg.EventBus.NATSToken, "NATS_TOKEN")
	setString(&cfg.EventBus.NATSQueueGroup, "NATS_QUEUE_GROUP")

	// Worker
	collect(setBool(&cfg.Worker.Enabled, "WORKER_ENABLED"))
	collect(setInt(&cfg.Worker.Concurrency, "WORKER_CONCURRENCY"))

	// Observability
	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Format, "LOG_FORMAT")
	if getEnv("DEBUG", "") == "true" {
		cfg.Logging.Level = "debug"
	}
	collect(setBool(&cfg.Tracing.Enabled, "TRACING_ENABLED"))

	return errors.Join(errs...)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

func setString(dst *string, key string) {
	if v := getEnv(key, ""); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := getEnv(key, "")
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string) error {
	v := getEnv(key, "")
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := getEnv(key, "")
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	*dst = d
	return nil
}
