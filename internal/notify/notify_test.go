package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/drfirst/go-mar/pkg/apiclient"
)

type published struct {
	topic, key string
	value      []byte
}

type fakePublisher struct {
	records []published
}

func (f *fakePublisher) ProduceAsync(ctx context.Context, topic, key string, value []byte, callback func(error)) {
	f.records = append(f.records, published{topic, key, value})
	if callback != nil {
		callback(nil)
	}
}

type counter map[string]int

func (c counter) ObserveNotification(level string) { c[level]++ }

var failed = apiclient.Notification{
	Level:   apiclient.LevelError,
	Message: "Dosage instruction: This field is required.",
	Route:   "/api/v1/patient/{patient}/medication/administration/",
	Status:  400,
}

func TestLogger_WritesWarning(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	NewLogger(zap.New(core)).Notify(context.Background(), failed)

	entries := logs.FilterMessage("notification").All()
	if len(entries) != 1 {
		t.Fatalf("expected one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Errorf("expected warn level, got %s", entries[0].Level)
	}
	if got := entries[0].ContextMap()["message"]; got != failed.Message {
		t.Errorf("unexpected message field %v", got)
	}
}

func TestStream_PublishesEvent(t *testing.T) {
	pub := &fakePublisher{}
	at := time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)
	s := NewStream(pub, "mar.notifications", nil, WithRequestID(func(context.Context) string { return "req-1" }))
	s.now = func() time.Time { return at }

	s.Notify(context.Background(), failed)

	if len(pub.records) != 1 {
		t.Fatalf("expected one record, got %d", len(pub.records))
	}
	rec := pub.records[0]
	if rec.topic != "mar.notifications" || rec.key != failed.Route {
		t.Errorf("unexpected record routing %s/%s", rec.topic, rec.key)
	}

	var event Event
	if err := json.Unmarshal(rec.value, &event); err != nil {
		t.Fatalf("invalid event json: %v", err)
	}
	if event.Message != failed.Message || event.Status != 400 || event.RequestID != "req-1" || !event.At.Equal(at) {
		t.Errorf("unexpected event %+v", event)
	}
}

func TestMulti_FansOutAndCounts(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	pub := &fakePublisher{}
	rec := counter{}

	m := NewMulti(rec, NewLogger(zap.New(core)), nil, NewStream(pub, "t", nil))
	m.Notify(context.Background(), failed)
	m.Notify(context.Background(), apiclient.Notification{Level: apiclient.LevelSuccess, Message: "Administered"})

	if logs.Len() != 2 || len(pub.records) != 2 {
		t.Errorf("expected both sinks to receive both notifications, got %d logs and %d records", logs.Len(), len(pub.records))
	}
	if rec["error"] != 1 || rec["success"] != 1 {
		t.Errorf("unexpected counts %v", rec)
	}
}
