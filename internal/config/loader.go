package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "valzu.yaml"

// DefaultEnvFile is the dotenv file read before the process environment.
const DefaultEnvFile = ".env"

// Load returns a Config using the hierarchy: defaults < YAML < .env < ENV.
// Both files are optional.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile, DefaultEnvFile)
}

// LoadFrom loads configuration from the given YAML and dotenv paths.
// Either path may be empty or point to a missing file.
func LoadFrom(yamlPath, envPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	if err := loadDotenv(envPath); err != nil {
		return nil, fmt.Errorf("config dotenv: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML decodes path over cfg. A missing file is not an error.
func loadYAML(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied path
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// loadDotenv populates the process environment from a dotenv file without
// overriding variables that are already set.
func loadDotenv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

// loadEnv applies environment overrides. Variables that are empty or fail to
// parse are ignored.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "VALZU_PORT")
	setString(&cfg.Server.CORSOrigin, "VALZU_CORS_ORIGIN")
	setDuration(&cfg.Server.ShutdownTimeout, "VALZU_SHUTDOWN_TIMEOUT")
	setBool(&cfg.Server.TrustProxy, "VALZU_TRUST_PROXY")

	// Store
	setString(&cfg.Store.Driver, "VALZU_STORE_DRIVER")
	setString(&cfg.Store.URI, "MONGODB_URI")
	setString(&cfg.Store.Database, "MONGODB_DB")
	setString(&cfg.Store.Username, "MONGO_INITDB_ROOT_USERNAME")
	setString(&cfg.Store.Password, "MONGO_INITDB_ROOT_PASSWORD")
	setString(&cfg.Store.Host, "MONGODB_HOST")
	setString(&cfg.Store.Port, "MONGODB_PORT")
	setString(&cfg.Store.AuthSource, "MONGODB_AUTH_SOURCE")
	setDuration(&cfg.Store.ConnectTimeout, "VALZU_STORE_CONNECT_TIMEOUT")
	setString(&cfg.Store.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Store.Postgres.MaxConns, "VALZU_PG_MAX_CONNS")
	setInt32(&cfg.Store.Postgres.MinConns, "VALZU_PG_MIN_CONNS")
	setDuration(&cfg.Store.Postgres.MaxConnLifetime, "VALZU_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Store.Postgres.MaxConnIdleTime, "VALZU_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Store.Postgres.HealthCheck, "VALZU_PG_HEALTH_CHECK")

	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.SubjectRoot, "VALZU_NATS_SUBJECT_ROOT")

	// LLM
	setString(&cfg.LLM.BaseURL, "VALZU_LLM_BASE_URL")
	setString(&cfg.LLM.APIKey, "VALZU_LLM_API_KEY")
	setString(&cfg.LLM.DefaultModel, "VALZU_LLM_DEFAULT_MODEL")
	setString(&cfg.LLM.WebSearchModel, "VALZU_LLM_WEB_SEARCH_MODEL")
	setString(&cfg.LLM.SystemPrompt, "VALZU_LLM_SYSTEM_PROMPT")
	setDuration(&cfg.LLM.SmoothDelay, "VALZU_LLM_SMOOTH_DELAY")
	setDuration(&cfg.LLM.RequestTimeout, "VALZU_LLM_REQUEST_TIMEOUT")

	// Billing
	setBool(&cfg.Billing.Enabled, "VALZU_BILLING_ENABLED")
	setString(&cfg.Billing.Provider, "VALZU_BILLING_PROVIDER")
	setString(&cfg.Billing.URL, "AUTUMN_URL")
	setString(&cfg.Billing.SecretKey, "AUTUMN_SECRET_KEY")
	setString(&cfg.Billing.Plan, "VALZU_BILLING_PLAN")
	setDuration(&cfg.Billing.HintTTL, "VALZU_BILLING_HINT_TTL")

	// Auth
	setBool(&cfg.Auth.Required, "VALZU_AUTH_REQUIRED")
	setString(&cfg.Auth.JWTSecret, "VALZU_JWT_SECRET")
	setString(&cfg.Auth.JWTSecretFile, "VALZU_JWT_SECRET_FILE")
	setString(&cfg.Auth.Issuer, "VALZU_JWT_ISSUER")
	setString(&cfg.Auth.CookieKey, "VALZU_SESSION_COOKIE")
	setDuration(&cfg.Auth.TokenTTL, "VALZU_TOKEN_TTL")

	setString(&cfg.Logging.Level, "VALZU_LOG_LEVEL")
	setString(&cfg.Logging.Service, "VALZU_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "VALZU_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "VALZU_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "VALZU_BREAKER_TIMEOUT")
	setFloat64(&cfg.Rate.RequestsPerSecond, "VALZU_RATE_RPS")
	setInt(&cfg.Rate.Burst, "VALZU_RATE_BURST")
	setInt(&cfg.Rate.TurnCost, "VALZU_RATE_TURN_COST")
	setDuration(&cfg.Rate.CleanupInterval, "VALZU_RATE_CLEANUP_INTERVAL")
	setDuration(&cfg.Rate.MaxIdleTime, "VALZU_RATE_MAX_IDLE_TIME")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "VALZU_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "VALZU_CACHE_L2_BUCKET")

	// OTel
	setString(&cfg.OTel.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setBool(&cfg.OTel.Insecure, "OTEL_EXPORTER_OTLP_INSECURE")
	setFloat64(&cfg.OTel.SampleRate, "VALZU_OTEL_SAMPLE_RATE")
	setString(&cfg.OTel.ServiceName, "OTEL_SERVICE_NAME")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	switch cfg.Store.Driver {
	case DriverMongo:
		if cfg.Store.MongoURI() == "" {
			return errors.New("store: MONGODB_URI or MONGODB_HOST is required for the mongo driver")
		}
		if cfg.Store.Database == "" {
			return errors.New("store.database is required")
		}
	case DriverPostgres:
		if cfg.Store.Postgres.DSN == "" {
			return errors.New("store: DATABASE_URL is required for the postgres driver")
		}
		if cfg.Store.Postgres.MaxConns < 1 {
			return errors.New("store.postgres.max_conns must be >= 1")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("store.driver %q is not one of mongo, postgres, memory", cfg.Store.Driver)
	}
	if cfg.LLM.DefaultModel == "" {
		return errors.New("llm.default_model is required")
	}
	seen := make(map[string]bool)
	for _, c := range cfg.LLM.Models {
		for _, m := range c.Models {
			if m.ID == "" {
				return fmt.Errorf("llm.models: category %q has a model without an id", c.ID)
			}
			if seen[m.ID] {
				return fmt.Errorf("llm.models: duplicate model %q", m.ID)
			}
			seen[m.ID] = true
		}
	}
	if cfg.LLM.SmoothDelay < 0 {
		return errors.New("llm.smooth_delay must be >= 0")
	}
	if cfg.Billing.Enabled {
		switch cfg.Billing.Provider {
		case "autumn":
			if cfg.Billing.SecretKey == "" {
				return errors.New("billing: AUTUMN_SECRET_KEY is not set")
			}
		case "ledger":
		default:
			return fmt.Errorf("billing.provider %q is not one of autumn, ledger", cfg.Billing.Provider)
		}
	}
	if cfg.Auth.Required && cfg.Auth.JWTSecret == "" && cfg.Auth.JWTSecretFile == "" {
		return errors.New("auth: VALZU_JWT_SECRET or VALZU_JWT_SECRET_FILE is required when auth is required")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	return nil
}

// envOverride replaces *dst with the parsed value of key. Unset, empty and
// unparsable values leave *dst alone.
func envOverride[T any](dst *T, key string, parse func(string) (T, error)) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if parsed, err := parse(v); err == nil {
		*dst = parsed
	}
}

func setString(dst *string, key string) {
	envOverride(dst, key, func(s string) (string, error) { return s, nil })
}

func setInt(dst *int, key string) { envOverride(dst, key, strconv.Atoi) }

func setInt32(dst *int32, key string) {
	envOverride(dst, key, func(s string) (int32, error) {
		n, err := strconv.ParseInt(s, 10, 32)
		return int32(n), err
	})
}

func setInt64(dst *int64, key string) {
	envOverride(dst, key, func(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) })
}

func setFloat64(dst *float64, key string) {
	envOverride(dst, key, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

func setBool(dst *bool, key string) { envOverride(dst, key, strconv.ParseBool) }

func setDuration(dst *time.Duration, key string) { envOverride(dst, key, time.ParseDuration) }
