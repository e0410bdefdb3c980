// Package postgres provides PostgreSQL infrastructure components.
// Holds the service credentials used when the service calls CARE on its own behalf.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	gocache "github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrCredentialExpired is returned when the stored credential is past its expiry
var ErrCredentialExpired = errors.New("service credential expired")

// Schema creates the credential table
const Schema = `
CREATE TABLE IF NOT EXISTS service_credentials (
	name        TEXT PRIMARY KEY,
	token       TEXT NOT NULL,
	expires_at  TIMESTAMPTZ,
	revoked     BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// Querier is satisfied by *pgxpool.Pool and pgx.Tx
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// TokenStoreConfig holds configuration for the token store
type TokenStoreConfig struct {
	// Name selects the credential row
	Name string
	// CacheTTL is how long a token is served without hitting the database
	CacheTTL time.Duration
}

// DefaultTokenStoreConfig returns sensible defaults
func DefaultTokenStoreConfig(name string) TokenStoreConfig {
	return TokenStoreConfig{
		Name:     name,
		CacheTTL: time.Minute,
	}
}

// TokenStore implements apiclient.CredentialStore over the service_credentials table
type TokenStore struct {
	db     Querier
	config TokenStoreConfig
	cache  *gocache.Cache
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewTokenStore creates a token store
func NewTokenStore(db Querier, cfg TokenStoreConfig, logger *zap.Logger) *TokenStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Minute
	}
	return &TokenStore{
		db:     db,
		config: cfg,
		cache:  gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		logger: logger,
		tracer: otel.Tracer("token-store"),
		now:    time.Now,
	}
}

// Migrate creates the table if it is missing
func (s *TokenStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create service_credentials: %w", err)
	}
	return nil
}

// Token returns the active credential, cached for CacheTTL but never past its expiry.
// With no active row it returns an empty token, and requests go out without
// Authorization.
func (s *TokenStore) Token(ctx context.Context) (string, error) {
	if v, ok := s.cache.Get(s.config.Name); ok {
		return v.(string), nil
	}

	ctx, span := s.tracer.Start(ctx, "token_store.load",
		trace.WithAttributes(attribute.String("credential", s.config.Name)))
	defer span.End()

	var token string
	var expiresAt *time.Time
	err := s.db.QueryRow(ctx, `
		SELECT token, expires_at
		FROM service_credentials
		WHERE name = $1 AND NOT revoked
	`, s.config.Name).Scan(&token, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		s.logger.Debug("no service credential", zap.String("credential", s.config.Name))
		return "", nil
	}
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to load service credential: %w", err)
	}

	ttl := s.config.CacheTTL
	if expiresAt != nil {
		remaining := expiresAt.Sub(s.now())
		if remaining <= 0 {
			s.logger.Warn("service credential expired",
				zap.String("credential", s.config.Name),
				zap.Time("expires_at", *expiresAt))
			return "", fmt.Errorf("%w %q", ErrCredentialExpired, s.config.Name)
		}
		if remaining < ttl {
			ttl = remaining
		}
	}

	s.cache.Set(s.config.Name, token, ttl)
	return token, nil
}

// Store upserts the credential and drops the cached copy
func (s *TokenStore) Store(ctx context.Context, token string, expiresAt *time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO service_credentials (name, token, expires_at, revoked, updated_at)
		VALUES ($1, $2, $3, FALSE, NOW())
		ON CONFLICT (name) DO UPDATE
		SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at, revoked = FALSE, updated_at = NOW()
	`, s.config.Name, token, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to store service credential: %w", err)
	}
	s.cache.Delete(s.config.Name)
	return nil
}
