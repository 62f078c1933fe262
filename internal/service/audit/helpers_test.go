package audit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/davidleathers/dependable-audit-engine/internal/domain/audit"
	"github.com/davidleathers/dependable-audit-engine/internal/infrastructure/memstore"
)

var testBase = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

type testEnv struct {
	events     *memstore.EventStore
	alerts     *memstore.AlertStore
	metrics    *Metrics
	registry   *prometheus.Registry
	sealer     *Sealer
	ingestor   *Ingestor
	query      *QueryService
	verifier   *IntegrityVerifier
	aggregator *Aggregator
	engine     *AlertEngine
	exporter   *Exporter
	clock      *fakeClock
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func newTestSealer(t *testing.T, algorithm string, signed bool) *Sealer {
	t.Helper()
	var opts []SealerOption
	if signed {
		signer, err := GenerateSigner()
		require.NoError(t, err)
		opts = append(opts, WithSigner(signer))
	}
	opts = append(opts, WithClock(func() time.Time { return testBase }))
	sealer, err := NewSealer(algorithm, zap.NewNop(), opts...)
	require.NoError(t, err)
	return sealer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	logger := zap.NewNop()
	clock := &fakeClock{now: testBase.Add(24 * time.Hour)}

	env := &testEnv{
		events:   memstore.NewEventStore(),
		alerts:   memstore.NewAlertStore(),
		metrics:  metrics,
		registry: reg,
		sealer:   newTestSealer(t, DigestSHA256, true),
		clock:    clock,
	}

	analytics := DefaultAnalyticsConfig()
	analytics.IntegritySampleRate = 1
	env.aggregator = NewAggregator(env.events, env.alerts, env.sealer, nil, analytics, metrics, logger)
	env.engine = NewAlertEngine(env.events, env.alerts, DefaultAlertEngineConfig(), metrics, logger)
	env.engine.now = clock.Now
	env.ingestor = NewIngestor(env.sealer, env.events, env.engine, nil, nil, metrics, logger)
	env.query = NewQueryService(env.events, nil, 0, metrics, logger)
	env.verifier = NewIntegrityVerifier(env.events, env.sealer, nil, DefaultVerifierConfig(), metrics, logger)
	env.exporter = NewExporter(env.events, env.aggregator, env.sealer, ExportConfig{TempDir: t.TempDir()}, metrics, logger)
	return env
}

func rawEvent(at time.Time, category string, severity audit.Severity) *audit.Event {
	return &audit.Event{
		Timestamp:   at,
		EventType:   audit.EventUserAction,
		Category:    category,
		Severity:    severity,
		Action:      "UPDATE",
		Description: "updated record",
		Actor:       &audit.Actor{UserID: "user-1"},
		Resource:    &audit.Resource{Type: "record", ID: "r-1"},
		Outcome:     audit.OutcomeSuccess,
	}
}

func (env *testEnv) ingest(t *testing.T, raws ...*audit.Event) []*audit.Event {
	t.Helper()
	out := make([]*audit.Event, 0, len(raws))
	for _, raw := range raws {
		sealed, err := env.ingestor.Ingest(context.Background(), raw)
		require.NoError(t, err)
		out = append(out, sealed)
	}
	return out
}

// seedGrid ingests perCell events for every category/severity combination,
// one minute apart starting at testBase
func (env *testEnv) seedGrid(t *testing.T, categories []string, severities []audit.Severity, perCell int) []*audit.Event {
	t.Helper()
	var raws []*audit.Event
	i := 0
	for _, c := range categories {
		for _, s := range severities {
			for n := 0; n < perCell; n++ {
				e := rawEvent(testBase.Add(time.Duration(i)*time.Minute), c, s)
				e.Actor = &audit.Actor{UserID: fmt.Sprintf("user-%d", i%3)}
				raws = append(raws, e)
				i++
			}
		}
	}
	return env.ingest(t, raws...)
}

func ids(events []*audit.Event) []uuid.UUID {
	out := make([]uuid.UUID, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}

func mustWindow(t *testing.T, start, end time.Time) audit.Window {
	t.Helper()
	w, err := audit.NewWindow(start, end)
	require.NoError(t, err)
	return w
}
