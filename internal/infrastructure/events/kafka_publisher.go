// Package events forwards sealed audit events to downstream consumers
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker/v2"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/davidleathers/dependable-audit-engine/internal/domain/audit"
	"github.com/davidleathers/dependable-audit-engine/internal/domain/errors"
	"github.com/davidleathers/dependable-audit-engine/internal/infrastructure/config"
)

// EnvelopeType identifies sealed audit events on the feed
const (
	EnvelopeType    = "audit.event.sealed"
	EnvelopeVersion = 1
)

// Envelope is the record value written to Kafka
type Envelope struct {
	Type      string       `json:"type"`
	Version   int          `json:"version"`
	EmittedAt time.Time    `json:"emitted_at"`
	Event     *audit.Event `json:"event"`
}

// Producer is the subset of *kgo.Client the publisher needs
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// PublisherMetrics tracks feed delivery
type PublisherMetrics struct {
	Published prometheus.Counter
	Failed    prometheus.Counter
	Dropped   *prometheus.CounterVec
	QueueLen  prometheus.GaugeFunc
}

// KafkaPublisher queues events and produces them from a single worker.
// Publish never blocks ingestion: a full queue or an open breaker drops the
// event and counts it.
type KafkaPublisher struct {
	producer Producer
	topic    string
	timeout  time.Duration
	breaker  *gobreaker.CircuitBreaker[kgo.ProduceResults]
	logger   *zap.Logger
	metrics  *PublisherMetrics
	now      func() time.Time

	queue     chan *kgo.Record
	wg        sync.WaitGroup
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewKafkaPublisher connects a franz-go client to the configured brokers
func NewKafkaPublisher(cfg *config.KafkaConfig, reg prometheus.Registerer, logger *zap.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RecordRetries(3),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	logger.Info("Kafka audit feed configured",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.Topic))
	return NewPublisher(client, cfg, reg, logger), nil
}

// NewPublisher starts the delivery worker over an existing producer
func NewPublisher(producer Producer, cfg *config.KafkaConfig, reg prometheus.Registerer, logger *zap.Logger) *KafkaPublisher {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	timeout := cfg.ProduceTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	failures := cfg.BreakerFailure
	if failures == 0 {
		failures = 5
	}

	p := &KafkaPublisher{
		producer: producer,
		topic:    cfg.Topic,
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
		queue:    make(chan *kgo.Record, bufferSize),
	}
	p.breaker = gobreaker.NewCircuitBreaker[kgo.ProduceResults](gobreaker.Settings{
		Name:        "audit-feed",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Audit feed circuit breaker changed state",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	p.metrics = newPublisherMetrics(reg, p.queue)

	p.wg.Add(1)
	go p.run()
	return p
}

func newPublisherMetrics(reg prometheus.Registerer, queue chan *kgo.Record) *PublisherMetrics {
	f := promauto.With(reg)
	return &PublisherMetrics{
		Published: f.NewCounter(prometheus.CounterOpts{
			Namespace: "audit",
			Subsystem: "feed",
			Name:      "published_total",
			Help:      "Events delivered to Kafka",
		}),
		Failed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "audit",
			Subsystem: "feed",
			Name:      "failed_total",
			Help:      "Events Kafka rejected after retries",
		}),
		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "audit",
			Subsystem: "feed",
			Name:      "dropped_total",
			Help:      "Events not delivered, by reason",
		}, []string{"reason"}),
		QueueLen: f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "audit",
			Subsystem: "feed",
			Name:      "queue_length",
			Help:      "Events waiting for delivery",
		}, func() float64 { return float64(len(queue)) }),
	}
}

// Publish enqueues the event for delivery
func (p *KafkaPublisher) Publish(ctx context.Context, event *audit.Event) error {
	value, err := json.Marshal(Envelope{
		Type:      EnvelopeType,
		Version:   EnvelopeVersion,
		EmittedAt: p.now().UTC(),
		Event:     event,
	})
	if err != nil {
		return errors.NewInternalError("failed to encode feed envelope").WithCause(err)
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(event.ID.String()),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "content-type", Value: []byte("application/json")},
			{Key: "event-type", Value: []byte(event.EventType)},
		},
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.metrics.Dropped.WithLabelValues("closed").Inc()
		return errors.NewInternalError("audit feed is closed")
	}
	select {
	case p.queue <- record:
		return nil
	default:
		p.metrics.Dropped.WithLabelValues("queue_full").Inc()
		return errors.NewRateLimitError("audit feed queue is full")
	}
}

func (p *KafkaPublisher) run() {
	defer p.wg.Done()
	for record := range p.queue {
		p.deliver(record)
	}
}

func (p *KafkaPublisher) deliver(record *kgo.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	_, err := p.breaker.Execute(func() (kgo.ProduceResults, error) {
		results := p.producer.ProduceSync(ctx, record)
		return results, results.FirstErr()
	})
	switch {
	case err == nil:
		p.metrics.Published.Inc()
	case err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests:
		p.metrics.Dropped.WithLabelValues("breaker_open").Inc()
		p.logger.Debug("Audit feed breaker open, dropping event",
			zap.ByteString("event_id", record.Key))
	default:
		p.metrics.Failed.Inc()
		p.logger.Warn("Failed to deliver audit event to Kafka",
			zap.ByteString("event_id", record.Key),
			zap.Error(err))
	}
}

// BreakerState reports the circuit breaker state for health checks
func (p *KafkaPublisher) BreakerState() string {
	return p.breaker.State().String()
}

// Close stops accepting events, drains the queue and closes the producer
func (p *KafkaPublisher) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()

		p.wg.Wait()
		p.producer.Close()
	})
	return nil
}
