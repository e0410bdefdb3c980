// Package idempotency provides the Inbox pattern for write requests that must take
// effect once. A dose charted twice because a caregiver retried a request is
// recorded once; the retry receives the stored result.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
)

// Schema creates the inbox table
const Schema = `
CREATE TABLE IF NOT EXISTS request_inbox (
	idempotency_key TEXT PRIMARY KEY,
	handler_name    TEXT NOT NULL,
	status          TEXT NOT NULL,
	result          JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at      TIMESTAMPTZ NOT NULL
)`

// Querier is satisfied by *pgxpool.Pool and pgx.Tx
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// InboxEntry represents an idempotency inbox record
type InboxEntry struct {
	IdempotencyKey string
	HandlerName    string
	Status         Status
	Result         json.RawMessage
	UpdatedAt      time.Time
}

// InboxConfig holds configuration for the inbox
type InboxConfig struct {
	// DefaultTTL is how long a finished request is remembered
	DefaultTTL time.Duration
	// CleanupInterval is how often to clean expired entries
	CleanupInterval time.Duration
	// RecoveryTimeout is when a STARTED entry is considered abandoned
	RecoveryTimeout time.Duration
}

// DefaultInboxConfig returns defaults sized for caregiver retries
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		DefaultTTL:      24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: time.Minute,
	}
}

// Inbox manages idempotent request processing
type Inbox struct {
	db     Querier
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates a new inbox manager
func NewInbox(db Querier, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultInboxConfig()
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		db:     db,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// ErrInProgress indicates the same request is being processed right now
var ErrInProgress = errors.New("request in progress")

// ProcessResult represents the result of idempotent processing
type ProcessResult struct {
	// Replayed is set when the result was stored by an earlier request
	Replayed     bool
	WasRecovered bool
	Result       json.RawMessage
}

// ProcessFunc performs the write and returns the response to remember
type ProcessFunc func(ctx context.Context) (json.RawMessage, error)

// Migrate creates the table if it is missing
func (i *Inbox) Migrate(ctx context.Context) error {
	if _, err := i.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create request_inbox: %w", err)
	}
	return nil
}

// Process runs fn at most once per key. A failed fn leaves the key recoverable so
// the next retry runs it again.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	recovered, err := i.claim(ctx, key, handlerName)
	if errors.Is(err, pgx.ErrNoRows) {
		entry, err := i.getEntry(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to read inbox entry: %w", err)
		}
		if entry.Status == StatusFinished {
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &ProcessResult{Replayed: true, Result: entry.Result}, nil
		}
		return nil, ErrInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim inbox entry: %w", err)
	}
	span.SetAttributes(attribute.Bool("recovered", recovered))

	result, handlerErr := fn(ctx)
	// the outcome is recorded even when the caller has gone away
	settle := context.WithoutCancel(ctx)
	if handlerErr != nil {
		if err := i.markStatus(settle, key, StatusRecoverable, nil); err != nil {
			i.logger.Error("failed to release inbox entry", zap.String("key", key), zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	if err := i.markStatus(settle, key, StatusFinished, result); err != nil {
		// the write itself succeeded
		i.logger.Error("failed to mark finished", zap.String("key", key), zap.Error(err))
	}
	return &ProcessResult{WasRecovered: recovered, Result: result}, nil
}

// GenerateKey derives a deterministic key from the parts that identify one write.
// Times are truncated to the minute.
func GenerateKey(parts ...any) string {
	fields := make([]string, len(parts))
	for n, p := range parts {
		switch v := p.(type) {
		case time.Time:
			fields[n] = v.UTC().Truncate(time.Minute).Format(time.RFC3339)
		default:
			fields[n] = fmt.Sprint(v)
		}
	}
	hash := sha256.Sum256([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(hash[:])
}

// claim inserts the key as STARTED, or takes over a recoverable or abandoned entry.
// pgx.ErrNoRows means another request owns or finished the key.
func (i *Inbox) claim(ctx context.Context, key, handlerName string) (bool, error) {
	query := `
		INSERT INTO request_inbox (idempotency_key, handler_name, status, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = $3, updated_at = NOW()
		WHERE request_inbox.status = 'RECOVERABLE'
		   OR (request_inbox.status = 'STARTED' AND request_inbox.updated_at < NOW() - $5::interval)
		RETURNING (xmax <> 0)
	`

	var recovered bool
	expiresAt := time.Now().Add(i.config.DefaultTTL)
	err := i.db.QueryRow(ctx, query, key, handlerName, StatusStarted, expiresAt, i.config.RecoveryTimeout.String()).Scan(&recovered)
	return recovered, err
}

func (i *Inbox) getEntry(ctx context.Context, key string) (*InboxEntry, error) {
	query := `
		SELECT idempotency_key, handler_name, status, result, updated_at
		FROM request_inbox
		WHERE idempotency_key = $1
	`

	entry := &InboxEntry{}
	err := i.db.QueryRow(ctx, query, key).Scan(
		&entry.IdempotencyKey, &entry.HandlerName, &entry.Status, &entry.Result, &entry.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (i *Inbox) markStatus(ctx context.Context, key string, status Status, result json.RawMessage) error {
	query := `
		UPDATE request_inbox
		SET status = $1, result = $2, updated_at = NOW()
		WHERE idempotency_key = $3
	`

	_, err := i.db.Exec(ctx, query, status, result, key)
	return err
}

// StartCleanup starts the background cleanup goroutine
func (i *Inbox) StartCleanup() {
	go i.cleanupLoop()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the inbox cleanup. It must follow StartCleanup.
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			if _, err := i.Cleanup(i.ctx); err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
			}
		}
	}
}

// Cleanup removes expired entries and returns how many were deleted
func (i *Inbox) Cleanup(ctx context.Context) (int64, error) {
	result, err := i.db.Exec(ctx, `DELETE FROM request_inbox WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	if n := result.RowsAffected(); n > 0 {
		i.logger.Info("inbox cleanup completed", zap.Int64("deleted", n))
	}
	return result.RowsAffected(), nil
}
