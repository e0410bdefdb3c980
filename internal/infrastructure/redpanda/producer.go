// Package redpanda publishes caregiver notifications to Redpanda (Kafka protocol)
// with franz-go. The stream is small, so the producer favours latency over batching.
package redpanda

import (
	"context"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ProducerConfig holds configuration for the Redpanda producer
type ProducerConfig struct {
	Brokers  []string
	ClientID string
	// Linger delays a batch to pick up neighbours
	Linger time.Duration
	// MaxBuffered bounds records held while brokers are unreachable
	MaxBuffered int
	// Compression is one of none, gzip, snappy, lz4, zstd
	Compression string
	// LeaderAcks waits for the leader only; otherwise all in-sync replicas
	LeaderAcks bool
	Retries    int
	Backoff    time.Duration
}

// DefaultProducerConfig returns defaults for a notification stream
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:     []string{"localhost:9092"},
		ClientID:    "mar-service",
		Linger:      5 * time.Millisecond,
		MaxBuffered: 5_000,
		Compression: "snappy",
		LeaderAcks:  true,
		Retries:     3,
		Backoff:     100 * time.Millisecond,
	}
}

func (cfg ProducerConfig) options() []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerLinger(cfg.Linger),
		kgo.RecordRetries(cfg.Retries),
		kgo.RetryBackoffFn(func(attempt int) time.Duration {
			return cfg.Backoff << min(attempt, 5)
		}),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.MaxBuffered > 0 {
		opts = append(opts, kgo.MaxBufferedRecords(cfg.MaxBuffered))
	}
	if cfg.LeaderAcks {
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	} else {
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	}

	codecs := map[string]kgo.CompressionCodec{
		"gzip":   kgo.GzipCompression(),
		"snappy": kgo.SnappyCompression(),
		"lz4":    kgo.Lz4Compression(),
		"zstd":   kgo.ZstdCompression(),
	}
	if codec, ok := codecs[cfg.Compression]; ok {
		opts = append(opts, kgo.ProducerBatchCompression(codec))
	}
	return opts
}

// Producer publishes records to Redpanda
type Producer struct {
	client     *kgo.Client
	logger     *zap.Logger
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	produced   metric.Int64Counter
}

// NewProducer creates a producer. franz-go connects lazily, so an unreachable
// broker surfaces on the first produce, not here.
func NewProducer(cfg ProducerConfig, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}

	produced, err := otel.Meter("redpanda-producer").Int64Counter("redpanda_records_produced_total",
		metric.WithDescription("Records handed to the brokers by topic and result"))
	if err != nil {
		return nil, fmt.Errorf("failed to create produce counter: %w", err)
	}

	client, err := kgo.NewClient(cfg.options()...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Producer{
		client:     client,
		logger:     logger,
		tracer:     otel.Tracer("redpanda-producer"),
		propagator: otel.GetTextMapPropagator(),
		produced:   produced,
	}, nil
}

// ProduceAsync sends a message without waiting; callback, when set, receives the outcome.
// The record outlives the caller's context.
func (p *Producer) ProduceAsync(ctx context.Context, topic, key string, value []byte, callback func(error)) {
	ctx, span := p.tracer.Start(ctx, "redpanda.produce",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", topic),
			attribute.Int("messaging.message.body.size", len(value)),
		))

	record := p.record(ctx, topic, key, value)
	p.client.Produce(context.WithoutCancel(ctx), record, func(r *kgo.Record, err error) {
		defer span.End()

		result := "ok"
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			p.logger.Error("produce failed", zap.String("topic", topic), zap.String("key", key), zap.Error(err))
		} else {
			span.SetAttributes(attribute.Int64("messaging.kafka.offset", r.Offset))
			p.logger.Debug("record produced",
				zap.String("topic", r.Topic),
				zap.Int32("partition", r.Partition),
				zap.Int64("offset", r.Offset))
		}
		p.produced.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("topic", topic),
			attribute.String("result", result)))

		if callback != nil {
			callback(err)
		}
	})
}

// Ping checks that a broker answers
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close flushes buffered records for up to ten seconds, then closes the client
func (p *Producer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("records dropped on close", zap.Error(err))
	}
	p.client.Close()
	return nil
}

func (p *Producer) record(ctx context.Context, topic, key string, value []byte) *kgo.Record {
	record := &kgo.Record{Topic: topic, Key: []byte(key), Value: value}
	p.propagator.Inject(ctx, headerCarrier{record})
	return record
}

// headerCarrier exposes record headers to otel propagators
type headerCarrier struct {
	record *kgo.Record
}

func (c headerCarrier) Get(key string) string {
	for _, h := range c.record.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	for i := range c.record.Headers {
		if c.record.Headers[i].Key == key {
			c.record.Headers[i].Value = []byte(value)
			return
		}
	}
	c.record.Headers = append(c.record.Headers, kgo.RecordHeader{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.record.Headers))
	for _, h := range c.record.Headers {
		keys = append(keys, h.Key)
	}
	return keys
}
