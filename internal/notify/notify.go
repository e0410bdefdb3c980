// Package notify holds the notification sinks behind apiclient.Notifier: a zap
// logger sink, a Redpanda stream sink and a fan-out over both.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-mar/pkg/apiclient"
)

// Logger writes notifications to the service log
type Logger struct {
	logger *zap.Logger
}

// NewLogger creates a log sink
func NewLogger(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger}
}

// Notify implements apiclient.Notifier
func (l *Logger) Notify(ctx context.Context, n apiclient.Notification) {
	fields := []zap.Field{
		zap.String("message", n.Message),
		zap.String("route", n.Route),
		zap.Int("status", n.Status),
	}
	switch n.Level {
	case apiclient.LevelError:
		l.logger.Warn("notification", fields...)
	default:
		l.logger.Info("notification", append(fields, zap.String("level", string(n.Level)))...)
	}
}

// Publisher is the part of the Redpanda producer the stream needs
type Publisher interface {
	ProduceAsync(ctx context.Context, topic, key string, value []byte, callback func(error))
}

// Event is the record published for every notification
type Event struct {
	apiclient.Notification
	RequestID string    `json:"request_id,omitempty"`
	At        time.Time `json:"at"`
}

// Stream publishes notifications as JSON events keyed by route
type Stream struct {
	publisher Publisher
	topic     string
	requestID func(context.Context) string
	logger    *zap.Logger
	now       func() time.Time
}

// StreamOption configures a Stream
type StreamOption func(*Stream)

// WithRequestID attaches the inbound request id to every event
func WithRequestID(fn func(context.Context) string) StreamOption {
	return func(s *Stream) { s.requestID = fn }
}

// NewStream creates a stream sink publishing to topic
func NewStream(publisher Publisher, topic string, logger *zap.Logger, opts ...StreamOption) *Stream {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Stream{publisher: publisher, topic: topic, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Notify implements apiclient.Notifier. Publishing is asynchronous; failures are logged.
func (s *Stream) Notify(ctx context.Context, n apiclient.Notification) {
	event := Event{Notification: n, At: s.now().UTC()}
	if s.requestID != nil {
		event.RequestID = s.requestID(ctx)
	}
	value, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("failed to encode notification", zap.Error(err))
		return
	}
	s.publisher.ProduceAsync(ctx, s.topic, n.Route, value, nil)
}

// Recorder counts notifications per level and sink
type Recorder interface {
	ObserveNotification(level string)
}

// Multi fans a notification out to every sink in order
type Multi struct {
	mu       sync.RWMutex
	sinks    []apiclient.Notifier
	recorder Recorder
}

// NewMulti creates a fan-out over sinks; nil sinks are skipped
func NewMulti(recorder Recorder, sinks ...apiclient.Notifier) *Multi {
	m := &Multi{recorder: recorder}
	for _, s := range sinks {
		m.Add(s)
	}
	return m
}

// Add appends a sink
func (m *Multi) Add(sink apiclient.Notifier) {
	if sink == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, sink)
}

// Notify implements apiclient.Notifier
func (m *Multi) Notify(ctx context.Context, n apiclient.Notification) {
	if m.recorder != nil {
		m.recorder.ObserveNotification(string(n.Level))
	}
	m.mu.RLock()
	sinks := m.sinks
	m.mu.RUnlock()
	for _, s := range sinks {
		s.Notify(ctx, n)
	}
}
