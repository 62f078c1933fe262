package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/davidleathers/dependable-audit-engine/internal/domain/audit"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "AUDIT_"

// DefaultPath is read when no config file is given
const DefaultPath = "configs/config.yaml"

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Redis     RedisConfig     `koanf:"redis"`
	Kafka     KafkaConfig     `koanf:"kafka"`
	Signing   SigningConfig   `koanf:"signing"`
	Analytics AnalyticsConfig `koanf:"analytics"`
	Alerts    AlertsConfig    `koanf:"alerts"`
	Query     QueryConfig     `koanf:"query"`
	Export    ExportConfig    `koanf:"export"`
	Stream    StreamConfig    `koanf:"stream"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServerConfig struct {
	Port            int             `koanf:"port"`
	ReadTimeout     time.Duration   `koanf:"read_timeout"`
	WriteTimeout    time.Duration   `koanf:"write_timeout"`
	ShutdownTimeout time.Duration   `koanf:"shutdown_timeout"`
	RateLimit       RateLimitConfig `koanf:"rate_limit"`
	AccessAudit     AccessAudit     `koanf:"access_audit"`
}

// AccessAudit controls recording of API reads back into the audit log
type AccessAudit struct {
	Enabled     bool   `koanf:"enabled"`
	ActorHeader string `koanf:"actor_header"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `koanf:"requests_per_second"`
	BurstSize         int     `koanf:"burst_size"`
}

// DatabaseConfig selects the event store. An empty URL runs the engine on
// the in-memory store.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `koanf:"conn_max_idle_time"`
}

// RedisConfig enables the verification and snapshot caches when URL is set
type RedisConfig struct {
	URL             string        `koanf:"url"`
	Password        string        `koanf:"password"`
	DB              int           `koanf:"db"`
	PoolSize        int           `koanf:"pool_size"`
	MinIdleConns    int           `koanf:"min_idle_conns"`
	MaxRetries      int           `koanf:"max_retries"`
	DialTimeout     time.Duration `koanf:"dial_timeout"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	VerificationTTL time.Duration `koanf:"verification_ttl"`
	SnapshotTTL     time.Duration `koanf:"snapshot_ttl"`
}

// KafkaConfig enables the outbound event feed when Brokers is non-empty
type KafkaConfig struct {
	Brokers        []string      `koanf:"brokers"`
	Topic          string        `koanf:"topic"`
	ClientID       string        `koanf:"client_id"`
	BufferSize     int           `koanf:"buffer_size"`
	ProduceTimeout time.Duration `koanf:"produce_timeout"`
	BreakerTimeout time.Duration `koanf:"breaker_timeout"`
	BreakerFailure uint32        `koanf:"breaker_failures"`
}

// SigningConfig controls sealing. Without a private key events carry a
// checksum only.
type SigningConfig struct {
	Algorithm       string   `koanf:"algorithm"`
	PrivateKeyPath  string   `koanf:"private_key_path"`
	TrustedKeyPaths []string `koanf:"trusted_key_paths"`
}

type AnalyticsConfig struct {
	Weights             audit.ScoreWeights `koanf:"weights"`
	IntegritySampleRate float64            `koanf:"integrity_sample_rate"`
	TopActors           int                `koanf:"top_actors"`
}

type AlertsConfig struct {
	EvaluationInterval time.Duration     `koanf:"evaluation_interval"`
	MaxEvidence        int               `koanf:"max_evidence"`
	Rules              []audit.AlertRule `koanf:"rules"`
}

type QueryConfig struct {
	MaxLimit            int `koanf:"max_limit"`
	MaxVerifyBatch      int `koanf:"max_verify_batch"`
	MaxConcurrentChecks int `koanf:"max_concurrent_checks"`
}

type ExportConfig struct {
	TempDir string `koanf:"temp_dir"`
}

// StreamConfig configures the websocket alert feed
type StreamConfig struct {
	Enabled        bool     `koanf:"enabled"`
	AllowedOrigins []string `koanf:"allowed_origins"`
	SendBuffer     int      `koanf:"send_buffer"`
}

type TelemetryConfig struct {
	Enabled        bool    `koanf:"enabled"`
	ServiceName    string  `koanf:"service_name"`
	OTLPEndpoint   string  `koanf:"otlp_endpoint"`
	Insecure       bool    `koanf:"insecure"`
	SamplingRate   float64 `koanf:"sampling_rate"`
	MetricsEnabled bool    `koanf:"metrics_enabled"`
}

// Defaults returns the configuration used when nothing else is set
func Defaults() *Config {
	return &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 100,
				BurstSize:         200,
			},
			AccessAudit: AccessAudit{
				Enabled:     true,
				ActorHeader: "X-Actor-ID",
			},
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: time.Minute,
		},
		Redis: RedisConfig{
			PoolSize:        10,
			MinIdleConns:    2,
			MaxRetries:      3,
			DialTimeout:     5 * time.Second,
			ReadTimeout:     3 * time.Second,
			WriteTimeout:    3 * time.Second,
			VerificationTTL: 24 * time.Hour,
			SnapshotTTL:     5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Topic:          "audit-events",
			ClientID:       "audit-engine",
			BufferSize:     1024,
			ProduceTimeout: 10 * time.Second,
			BreakerTimeout: 30 * time.Second,
			BreakerFailure: 5,
		},
		Signing: SigningConfig{
			Algorithm: "sha256",
		},
		Analytics: AnalyticsConfig{
			Weights:             audit.DefaultScoreWeights(),
			IntegritySampleRate: 0.25,
			TopActors:           10,
		},
		Alerts: AlertsConfig{
			EvaluationInterval: 30 * time.Second,
			MaxEvidence:        50,
		},
		Query: QueryConfig{
			MaxLimit:            audit.MaxPageSize,
			MaxVerifyBatch:      500,
			MaxConcurrentChecks: 8,
		},
		Stream: StreamConfig{
			Enabled:    true,
			SendBuffer: 32,
		},
		Telemetry: TelemetryConfig{
			ServiceName:  "audit-engine",
			OTLPEndpoint: "localhost:4317",
			Insecure:     true,
			SamplingRate: 1.0,
		},
	}
}

// Load layers struct defaults, the optional YAML file at path and AUDIT_
// environment variables, then validates the result. A missing file is not an
// error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path == "" {
		path = DefaultPath
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading config file %s: %w", path, err)
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envValue), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var topLevelKeys = map[string]struct{}{
	"version":     {},
	"environment": {},
	"log_level":   {},
}

// envKey maps AUDIT_SECTION_SOME_KEY to section.some_key. A double
// underscore descends one more level: AUDIT_ANALYTICS_WEIGHTS__OUTCOME is
// analytics.weights.outcome.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	if _, ok := topLevelKeys[s]; ok {
		return s
	}
	section, rest, found := strings.Cut(s, "_")
	if !found {
		return s
	}
	return section + "." + strings.ReplaceAll(rest, "__", ".")
}

var listKeys = map[string]struct{}{
	"kafka.brokers":             {},
	"signing.trusted_key_paths": {},
	"stream.allowed_origins":    {},
}

// envValue maps the variable name with envKey and splits comma separated
// values of list settings
func envValue(name, value string) (string, interface{}) {
	key := envKey(name)
	if _, ok := listKeys[key]; ok {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return key, out
	}
	return key, value
}

// Validate rejects configuration the engine cannot run with
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
	}
	switch c.Signing.Algorithm {
	case "sha256", "blake2b-256":
	default:
		problems = append(problems, fmt.Sprintf("signing.algorithm %q is not supported", c.Signing.Algorithm))
	}
	if err := c.Analytics.Weights.Validate(); err != nil {
		problems = append(problems, "analytics.weights: "+err.Error())
	}
	if c.Analytics.IntegritySampleRate < 0 || c.Analytics.IntegritySampleRate > 1 {
		problems = append(problems, "analytics.integrity_sample_rate must be between 0 and 1")
	}
	if c.Query.MaxLimit <= 0 || c.Query.MaxLimit > audit.MaxPageSize {
		problems = append(problems, fmt.Sprintf("query.max_limit must be between 1 and %d", audit.MaxPageSize))
	}
	if c.Alerts.EvaluationInterval <= 0 {
		problems = append(problems, "alerts.evaluation_interval must be positive")
	}
	seen := make(map[string]struct{}, len(c.Alerts.Rules))
	for i := range c.Alerts.Rules {
		rule := &c.Alerts.Rules[i]
		if err := rule.Validate(); err != nil {
			problems = append(problems, "alerts.rules: "+err.Error())
		}
		if _, dup := seen[rule.ID]; dup {
			problems = append(problems, fmt.Sprintf("alerts.rules: duplicate rule id %q", rule.ID))
		}
		seen[rule.ID] = struct{}{}
	}
	if c.Stream.SendBuffer < 0 {
		problems = append(problems, "stream.send_buffer cannot be negative")
	}
	if c.Kafka.BufferSize < 0 {
		problems = append(problems, "kafka.buffer_size cannot be negative")
	}
	if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
		problems = append(problems, "telemetry.sampling_rate must be between 0 and 1")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// IsDevelopment reports whether the engine runs in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// TempDir returns the export spool directory
func (c *Config) TempDir() string {
	if c.Export.TempDir != "" {
		return c.Export.TempDir
	}
	return os.TempDir()
}
