package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/dependable-audit-engine/internal/domain/audit"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sha256", cfg.Signing.Algorithm)
	assert.Equal(t, audit.DefaultScoreWeights(), cfg.Analytics.Weights)
	assert.Equal(t, 0.25, cfg.Analytics.IntegritySampleRate)
	assert.Equal(t, 30*time.Second, cfg.Alerts.EvaluationInterval)
	assert.Equal(t, "audit-events", cfg.Kafka.Topic)
	assert.True(t, cfg.Stream.Enabled)
	assert.True(t, cfg.Server.AccessAudit.Enabled)
	assert.Equal(t, "X-Actor-ID", cfg.Server.AccessAudit.ActorHeader)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
environment: production
server:
  port: 9000
analytics:
  weights:
    outcome: 0.6
    severity: 0.2
    integrity: 0.2
alerts:
  rules:
    - id: failed-logins
      name: Repeated failed logins
      kind: threshold
      severity: HIGH
      category: SECURITY
      enabled: true
      threshold:
        count: 5
        window: 1m
      match:
        categories: [AUTH]
        outcomes: [FAILURE]
`)
	t.Setenv("AUDIT_SERVER_PORT", "9100")
	t.Setenv("AUDIT_LOG_LEVEL", "debug")
	t.Setenv("AUDIT_KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("AUDIT_ANALYTICS_INTEGRITY_SAMPLE_RATE", "0.5")
	t.Setenv("AUDIT_ANALYTICS_WEIGHTS__INTEGRITY", "0.4")
	t.Setenv("AUDIT_STREAM_ALLOWED_ORIGINS", "https://console.example.com")
	t.Setenv("AUDIT_SERVER_ACCESS_AUDIT__ENABLED", "false")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 0.5, cfg.Analytics.IntegritySampleRate)
	assert.Equal(t, 0.6, cfg.Analytics.Weights.Outcome)
	assert.Equal(t, 0.4, cfg.Analytics.Weights.Integrity)
	assert.Equal(t, []string{"https://console.example.com"}, cfg.Stream.AllowedOrigins)
	assert.False(t, cfg.Server.AccessAudit.Enabled)

	require.Len(t, cfg.Alerts.Rules, 1)
	rule := cfg.Alerts.Rules[0]
	assert.Equal(t, "failed-logins", rule.ID)
	assert.Equal(t, audit.RuleKindThreshold, rule.Kind)
	assert.Equal(t, time.Minute, rule.Threshold.Window)
	assert.Equal(t, 5, rule.Threshold.Count)
	assert.Equal(t, []audit.Outcome{audit.OutcomeFailure}, rule.Match.Outcomes)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"negative weight", func(c *Config) { c.Analytics.Weights.Outcome = -1 }, "analytics.weights"},
		{"zero weights", func(c *Config) { c.Analytics.Weights = audit.ScoreWeights{} }, "analytics.weights"},
		{"unknown digest", func(c *Config) { c.Signing.Algorithm = "md5" }, "signing.algorithm"},
		{"sample rate above one", func(c *Config) { c.Analytics.IntegritySampleRate = 2 }, "integrity_sample_rate"},
		{"max limit too large", func(c *Config) { c.Query.MaxLimit = 1000 }, "query.max_limit"},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"malformed rule", func(c *Config) {
			c.Alerts.Rules = []audit.AlertRule{{ID: "r", Kind: audit.RuleKindThreshold, Severity: audit.SeverityLow}}
		}, "alerts.rules"},
		{"duplicate rule", func(c *Config) {
			r := audit.AlertRule{ID: "r", Kind: audit.RuleKindThreshold, Severity: audit.SeverityLow,
				Threshold: audit.Threshold{Count: 1, Window: time.Minute}}
			c.Alerts.Rules = []audit.AlertRule{r, r}
		}, "duplicate rule id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"AUDIT_DATABASE_URL":                  "database.url",
		"AUDIT_SERVER_READ_TIMEOUT":           "server.read_timeout",
		"AUDIT_LOG_LEVEL":                     "log_level",
		"AUDIT_ANALYTICS_WEIGHTS__OUTCOME":    "analytics.weights.outcome",
		"AUDIT_SERVER_RATE_LIMIT__BURST_SIZE": "server.rate_limit.burst_size",
		"AUDIT_SERVER_ACCESS_AUDIT__ENABLED":  "server.access_audit.enabled",
	}
	for in, want := range tests {
		assert.Equal(t, want, envKey(in), in)
	}
}

func TestLoadSampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "..", DefaultPath))
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.Query.MaxLimit)
	require.Len(t, cfg.Alerts.Rules, 2)
	rule := cfg.Alerts.Rules[0]
	assert.Equal(t, "failed-logins", rule.ID)
	assert.Equal(t, audit.RuleKindThreshold, rule.Kind)
	assert.Equal(t, 10*time.Minute, rule.Threshold.Window)
	assert.Equal(t, []audit.Outcome{audit.OutcomeFailure}, rule.Match.Outcomes)
	assert.True(t, cfg.Server.AccessAudit.Enabled)
}
