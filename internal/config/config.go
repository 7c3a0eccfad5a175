// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Lewis-walter7/seoanalyzer/internal/billing"
)

// Session store backends.
const (
	SessionStoreJWT   = "jwt"
	SessionStoreRedis = "redis"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig   `mapstructure:"server"`
	Auth    AuthConfig     `mapstructure:"auth"`
	Redis   RedisConfig    `mapstructure:"redis"`
	Backend BackendConfig  `mapstructure:"backend"`
	Crawler CrawlerConfig  `mapstructure:"crawler"`
	HTTP    HTTPConfig     `mapstructure:"http"`
	Storage StorageConfig  `mapstructure:"storage"`
	DB      DBConfig       `mapstructure:"db"`
	PubSub  PubSubConfig   `mapstructure:"pubsub"`
	Logging LoggingConfig  `mapstructure:"logging"`
	Tracing TracingConfig  `mapstructure:"tracing"`
	Plans   []billing.Plan `mapstructure:"plans"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig holds session and backend-token settings.
type AuthConfig struct {
	// NextAuthSecret signs backend tokens and JWT sessions. It may be empty at load
	// time; minting fails when it is needed and missing.
	NextAuthSecret string `mapstructure:"nextauth_secret"`
	SessionStore   string `mapstructure:"session_store"`
}

// RedisConfig locates the session store when auth.session_store is "redis".
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// BackendConfig points at the internal backend API.
type BackendConfig struct {
	APIURL         string `mapstructure:"api_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// CrawlerConfig governs dispatcher and crawl pipeline behavior.
type CrawlerConfig struct {
	Concurrency     int     `mapstructure:"concurrency"`
	QueueDepth      int     `mapstructure:"queue_depth"`
	UserAgent       string  `mapstructure:"user_agent"`
	IgnoreRobots    bool    `mapstructure:"ignore_robots"`
	MaxDepthDefault int     `mapstructure:"max_depth_default"`
	MaxPagesDefault int     `mapstructure:"max_pages_default"`
	RateLimitRPS    float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst  int     `mapstructure:"rate_limit_burst"`
	// BlockedDomains lists hosts ("metadata.internal"), suffixes ("*.corp") or networks
	// ("10.0.0.0/8") that are never crawled.
	BlockedDomains []string `mapstructure:"blocked_domains"`
}

// HTTPConfig configures fetch timeouts and retry behavior.
type HTTPConfig struct {
	TimeoutSeconds   int `mapstructure:"timeout_seconds"`
	MaxRetries       int `mapstructure:"max_retries"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// StorageConfig selects the record store and the blob store for raw HTML.
type StorageConfig struct {
	Provider     string `mapstructure:"provider"`
	BlobProvider string `mapstructure:"blob_provider"`
	BaseDir      string `mapstructure:"base_dir"`
	GCSBucket    string `mapstructure:"gcs_bucket"`
	Prefix       string `mapstructure:"prefix"`
	ContentType  string `mapstructure:"content_type"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns"`
	MaxConnLifetime int    `mapstructure:"max_conn_lifetime_seconds"`
}

// PubSubConfig holds metadata for audit event notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	// Exporter is "none" or "gcp" (Cloud Trace).
	Exporter string `mapstructure:"exporter"`
	// ProjectID defaults to pubsub.project_id.
	ProjectID string `mapstructure:"project_id"`
}

// Tracing exporters.
const (
	TraceExporterNone = "none"
	TraceExporterGCP  = "gcp"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SEOANALYZER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// bindLegacyEnv maps the unprefixed variables shared with the web front end.
func bindLegacyEnv(v *viper.Viper) error {
	bindings := map[string][]string{
		"auth.nextauth_secret": {"SEOANALYZER_AUTH_NEXTAUTH_SECRET", "NEXTAUTH_SECRET"},
		"backend.api_url":      {"SEOANALYZER_BACKEND_API_URL", "BACKEND_API_URL"},
		"server.port":          {"SEOANALYZER_SERVER_PORT", "PORT"},
		"db.dsn":               {"SEOANALYZER_DB_DSN", "DATABASE_URL"},
	}
	for key, envs := range bindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.session_store", SessionStoreJWT)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("backend.api_url", "http://localhost:3001")
	v.SetDefault("backend.timeout_seconds", 10)
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.queue_depth", 64)
	v.SetDefault("crawler.user_agent", "seoanalyzer-bot/0.1")
	v.SetDefault("crawler.ignore_robots", false)
	v.SetDefault("crawler.max_depth_default", 2)
	v.SetDefault("crawler.max_pages_default", 25)
	v.SetDefault("crawler.rate_limit_rps", 2.0)
	v.SetDefault("crawler.rate_limit_burst", 1)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 2000)
	v.SetDefault("storage.provider", "memory")
	v.SetDefault("storage.blob_provider", "memory")
	v.SetDefault("storage.base_dir", "data/pages")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("logging.development", true)
	v.SetDefault("tracing.service_name", "seoanalyzer")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("tracing.exporter", TraceExporterNone)
	v.SetDefault("crawler.blocked_domains", []string{
		"localhost",
		"*.localhost",
		"metadata.google.internal",
		"0.0.0.0/8",
		"10.0.0.0/8",
		"100.64.0.0/10",
		"127.0.0.0/8",
		"169.254.0.0/16",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"::/128",
		"::1/128",
		"fc00::/7",
		"fe80::/10",
	})
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.QueueDepth <= 0 {
		return fmt.Errorf("crawler.queue_depth must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Backend.APIURL == "" {
		return fmt.Errorf("backend.api_url must be set")
	}
	switch c.Auth.SessionStore {
	case SessionStoreJWT:
	case SessionStoreRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr must be set when auth.session_store is redis")
		}
	default:
		return fmt.Errorf("unknown auth.session_store %q", c.Auth.SessionStore)
	}
	switch c.Storage.Provider {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when storage.provider is postgres")
		}
	default:
		return fmt.Errorf("unknown storage.provider %q", c.Storage.Provider)
	}
	switch c.Storage.BlobProvider {
	case "memory":
	case "local":
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir must be set when storage.blob_provider is local")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.blob_provider is gcs")
		}
	default:
		return fmt.Errorf("unknown storage.blob_provider %q", c.Storage.BlobProvider)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	switch c.Tracing.Exporter {
	case "", TraceExporterNone:
	case TraceExporterGCP:
		if c.TraceProjectID() == "" {
			return fmt.Errorf("tracing.project_id or pubsub.project_id must be set when tracing.exporter is gcp")
		}
	default:
		return fmt.Errorf("unknown tracing.exporter %q", c.Tracing.Exporter)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

// TraceProjectID resolves the Cloud Trace project.
func (c Config) TraceProjectID() string {
	if c.Tracing.ProjectID != "" {
		return c.Tracing.ProjectID
	}
	return c.PubSub.ProjectID
}

// FetchTimeout converts the HTTP timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// BackendTimeout converts the backend client timeout into a duration.
func (c Config) BackendTimeout() time.Duration {
	if c.Backend.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Backend.TimeoutSeconds) * time.Second
}
