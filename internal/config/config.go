// Package config provides hierarchical configuration loading for valzu-chat.
// Precedence: defaults < YAML file < .env file < environment variables.
package config

import (
	"fmt"
	"net/url"
	"time"
)

// Store drivers.
const (
	DriverMongo    = "mongo"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds all runtime configuration for the valzu-chat service.
type Config struct {
	Server  Server  `yaml:"server"`
	Store   Store   `yaml:"store"`
	NATS    NATS    `yaml:"nats"`
	LLM     LLM     `yaml:"llm"`
	Billing Billing `yaml:"billing"`
	Auth    Auth    `yaml:"auth"`
	Logging Logging `yaml:"logging"`
	Breaker Breaker `yaml:"breaker"`
	Rate    Rate    `yaml:"rate"`
	Cache   Cache   `yaml:"cache"`
	OTel    OTel    `yaml:"otel"`
}

// Server holds HTTP server configuration.
type Server struct {
	Port            string        `yaml:"port"`
	CORSOrigin      string        `yaml:"cors_origin"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// TrustProxy takes the client address from X-Forwarded-For / X-Real-IP.
	// Enable only behind a proxy that overwrites those headers.
	TrustProxy bool `yaml:"trust_proxy"`
}

// Store selects and configures the conversation store.
type Store struct {
	Driver         string        `yaml:"driver"` // "mongo" | "postgres" | "memory"
	URI            string        `yaml:"uri"`    // MONGODB_URI; wins over the parts below
	Database       string        `yaml:"database"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	Host           string        `yaml:"host"`
	Port           string        `yaml:"port"`
	AuthSource     string        `yaml:"auth_source"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	Postgres       Postgres      `yaml:"postgres"`
}

// MongoURI returns the configured connection string, or one assembled from
// host, port and optional root credentials. Empty when no host is known.
func (s Store) MongoURI() string {
	if s.URI != "" {
		return s.URI
	}
	if s.Host == "" {
		return ""
	}
	port := s.Port
	if port == "" {
		port = "27017"
	}
	authSource := s.AuthSource
	if authSource == "" {
		authSource = "admin"
	}
	u := url.URL{
		Scheme:   "mongodb",
		Host:     s.Host + ":" + port,
		Path:     "/" + s.Database,
		RawQuery: "authSource=" + url.QueryEscape(authSource),
	}
	if s.Username != "" && s.Password != "" {
		u.User = url.UserPassword(s.Username, s.Password)
	}
	return u.String()
}

// Postgres holds PostgreSQL connection configuration.
type Postgres struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	HealthCheck     time.Duration `yaml:"health_check"`
}

// NATS holds NATS configuration. An empty URL disables cross-instance relay
// and the L2 cache.
type NATS struct {
	URL         string `yaml:"url"`
	SubjectRoot string `yaml:"subject_root"`
}

// LLM holds the OpenAI-compatible model gateway configuration.
type LLM struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	DefaultModel   string        `yaml:"default_model"`
	WebSearchModel string        `yaml:"web_search_model"`
	SystemPrompt   string        `yaml:"system_prompt"`
	SmoothDelay    time.Duration `yaml:"smooth_delay"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// Models is the catalog offered to clients. When non-empty, a requested
	// model must be listed here (or be DefaultModel).
	Models []ModelCategory `yaml:"models"`
}

// ModelCategory groups catalog models under a heading.
type ModelCategory struct {
	ID          string  `yaml:"id"`
	Heading     string  `yaml:"heading"`
	Description string  `yaml:"description"`
	Models      []Model `yaml:"models"`
}

// Model is one selectable model.
type Model struct {
	ID        string   `yaml:"id"`
	Name      string   `yaml:"name"`
	Providers []string `yaml:"providers"`
}

// Billing holds usage-gating configuration.
type Billing struct {
	Enabled   bool          `yaml:"enabled"`
	Provider  string        `yaml:"provider"` // "autumn" | "ledger"
	URL       string        `yaml:"url"`
	SecretKey string        `yaml:"secret_key"`
	Plan      string        `yaml:"plan"` // ledger plan for every customer
	HintTTL   time.Duration `yaml:"hint_ttl"`
}

// Auth holds session token configuration.
type Auth struct {
	Required  bool   `yaml:"required"`
	JWTSecret string `yaml:"jwt_secret"`
	// JWTSecretFile, when set, is read at startup and on SIGHUP and wins over JWTSecret.
	JWTSecretFile string        `yaml:"jwt_secret_file"`
	Issuer        string        `yaml:"issuer"`
	CookieKey     string        `yaml:"cookie_key"`
	TokenTTL      time.Duration `yaml:"token_ttl"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	Async   bool   `yaml:"async"`
}

// Breaker holds circuit breaker configuration.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Rate holds rate limiter configuration.
type Rate struct {
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	TurnCost          int           `yaml:"turn_cost"` // tokens charged per model turn
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	MaxIdleTime       time.Duration `yaml:"max_idle_time"`
}

// Cache holds the tiered usage-hint cache configuration.
type Cache struct {
	L1MaxSizeMB int64  `yaml:"l1_max_size_mb"`
	L2Bucket    string `yaml:"l2_bucket"`
}

// OTel holds telemetry export configuration. Empty endpoint means no-op providers.
type OTel struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRate  float64 `yaml:"sample_rate"`
	ServiceName string  `yaml:"service_name"`
}

// Defaults returns a Config with sensible default values for local development.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:            "8080",
			CORSOrigin:      "http://localhost:3000",
			ShutdownTimeout: 10 * time.Second,
		},
		Store: Store{
			Driver:         DriverMongo,
			Database:       "valzu-chat",
			Host:           "localhost",
			Port:           "27017",
			AuthSource:     "admin",
			ConnectTimeout: 10 * time.Second,
			Postgres: Postgres{
				MaxConns:        15,
				MinConns:        2,
				MaxConnLifetime: time.Hour,
				MaxConnIdleTime: 10 * time.Minute,
				HealthCheck:     time.Minute,
			},
		},
		NATS: NATS{
			SubjectRoot: "chats",
		},
		LLM: LLM{
			BaseURL:        "http://localhost:4000/v1",
			DefaultModel:   "ministral-3b-latest",
			WebSearchModel: "perplexity/sonar",
			SystemPrompt:   "You are a helpful assistant that can answer questions and help with tasks",
			SmoothDelay:    20 * time.Millisecond,
			RequestTimeout: 5 * time.Minute,
			Models:         defaultModels(),
		},
		Billing: Billing{
			Enabled:  true,
			Provider: "autumn",
			URL:      "https://api.useautumn.com",
			Plan:     "free",
			HintTTL:  15 * time.Second,
		},
		Auth: Auth{
			Required:  true,
			Issuer:    "valzu-chat",
			CookieKey: "valzu_session",
			TokenTTL:  24 * time.Hour,
		},
		Logging: Logging{
			Level:   "info",
			Service: "valzu-chat",
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		},
		Rate: Rate{
			RequestsPerSecond: 10,
			Burst:             100,
			TurnCost:          5,
			CleanupInterval:   5 * time.Minute,
			MaxIdleTime:       10 * time.Minute,
		},
		Cache: Cache{
			L1MaxSizeMB: 16,
			L2Bucket:    "VALZU_USAGE",
		},
		OTel: OTel{
			SampleRate:  1.0,
			ServiceName: "valzu-chat",
		},
	}
}

// Addr returns the listen address for the HTTP server.
func (s Server) Addr() string {
	return fmt.Sprintf(":%s", s.Port)
}

func defaultModels() []ModelCategory {
	mistral := func(id, name string) Model { return Model{ID: id, Name: name, Providers: []string{"mistral"}} }
	return []ModelCategory{
		{ID: "fast", Heading: "Fast", Description: "Quick responses, lower cost", Models: []Model{
			mistral("ministral-3b-latest", "Ministral 3B"),
			mistral("ministral-8b-latest", "Ministral 8B"),
			mistral("mistral-small-latest", "Mistral Small"),
			mistral("magistral-small-2507", "Magistral Small 2507"),
			mistral("magistral-small-2506", "Magistral Small 2506"),
			mistral("open-mistral-7b", "Open Mistral 7B"),
		}},
		{ID: "balanced", Heading: "Balanced", Description: "Good speed and quality", Models: []Model{
			mistral("mistral-medium-latest", "Mistral Medium"),
			mistral("mistral-medium-2508", "Mistral Medium 2508"),
			mistral("mistral-medium-2505", "Mistral Medium 2505"),
			mistral("magistral-medium-2507", "Magistral Medium 2507"),
			mistral("magistral-medium-2506", "Magistral Medium 2506"),
			mistral("open-mixtral-8x7b", "Open Mixtral 8x7B"),
		}},
		{ID: "powerful", Heading: "Powerful", Description: "Best quality, complex tasks", Models: []Model{
			mistral("mistral-large-latest", "Mistral Large"),
			mistral("open-mixtral-8x22b", "Open Mixtral 8x22B"),
		}},
		{ID: "vision", Heading: "Vision", Description: "Image understanding", Models: []Model{
			mistral("pixtral-large-latest", "Pixtral Large"),
			mistral("pixtral-12b-2409", "Pixtral 12B 2409"),
		}},
	}
}
