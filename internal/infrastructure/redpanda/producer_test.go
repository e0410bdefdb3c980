package redpanda

import (
	"context"
	"testing"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestHeaderCarrier_InjectsTraceparent(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	p := &Producer{propagator: propagation.TraceContext{}}
	record := p.record(ctx, TopicNotifications, "p-1", []byte(`{}`))

	want := "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	if got := (headerCarrier{record}).Get("traceparent"); got != want {
		t.Errorf("expected %s, got %q", want, got)
	}
	if record.Topic != TopicNotifications || string(record.Key) != "p-1" {
		t.Errorf("unexpected record %+v", record)
	}
}

func TestHeaderCarrier_SetReplaces(t *testing.T) {
	record := &kgo.Record{}
	c := headerCarrier{record}
	c.Set("traceparent", "a")
	c.Set("traceparent", "b")
	if len(record.Headers) != 1 || c.Get("traceparent") != "b" {
		t.Errorf("unexpected headers %+v", record.Headers)
	}
	if keys := c.Keys(); len(keys) != 1 || keys[0] != "traceparent" {
		t.Errorf("unexpected keys %v", keys)
	}
}

func TestNewProducer_RequiresBrokers(t *testing.T) {
	cfg := DefaultProducerConfig()
	cfg.Brokers = nil
	if _, err := NewProducer(cfg, nil); err == nil {
		t.Error("expected error without brokers")
	}
}

func TestNotificationTopicConfig(t *testing.T) {
	cfg := NotificationTopicConfig("")
	if cfg.Name != TopicNotifications || cfg.Partitions <= 0 {
		t.Errorf("unexpected config %+v", cfg)
	}
	if NotificationTopicConfig("ward.alerts").Name != "ward.alerts" {
		t.Error("expected custom topic name")
	}
}
