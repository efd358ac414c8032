// Package postgres provides a PostgreSQL implementation of the billing.Store
// and billing.Granter interfaces. The state upsert prefers a stored procedure
// so tier/status/period changes stay transactional; a direct-table fallback
// covers deployments where the procedure is missing or broken.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/plantspack/billing/pkg/billing"
)

//go:embed schema.sql
var schemaSQL string

// querier is the slice of pgxpool.Pool the store needs. Both upsert
// strategies run against it, so strategy tests can substitute a fake.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Storage implements billing.Store and billing.Granter using PostgreSQL.
type Storage struct {
	pool   *pgxpool.Pool
	db     querier
	config Config

	primary  upsertStrategy
	fallback upsertStrategy

	logger billing.Logger
}

// Config holds PostgreSQL storage configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Logger receives fallback and grant diagnostics. Nil means no-op.
	Logger billing.Logger

	// OnFallback is invoked each time the primary upsert path fails and the
	// fallback strategy is attempted. Wire it to metrics.
	OnFallback func()
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter.
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = &billing.NoopLogger{}
	}

	return &Storage{
		pool:     pool,
		db:       pool,
		config:   config,
		primary:  procUpsert{},
		fallback: directUpsert{},
		logger:   logger,
	}, nil
}

// EnsureSchema creates the tables, the upsert procedure and the promotion
// pool if they do not exist. Intended for development and tests; production
// deployments run schema.sql through their migration tooling.
func (s *Storage) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// UpsertSubscriptionState implements billing.Store. The stored-procedure path
// is tried first; on any failure the direct-table path is attempted before
// the write is reported as a persistence error. Both paths cover the
// identical column set, so a fallback write is indistinguishable from a
// primary one.
func (s *Storage) UpsertSubscriptionState(ctx context.Context, state billing.SubscriptionState) error {
	if state.UserID == "" {
		return fmt.Errorf("%w: missing user id", billing.ErrPersistence)
	}

	primaryErr := s.primary.upsert(ctx, s.db, state)
	if primaryErr == nil {
		return nil
	}

	s.logger.Warn("primary upsert failed, trying fallback",
		billing.Field{Key: "user_id", Value: state.UserID},
		billing.Field{Key: "strategy", Value: s.fallback.name()},
		billing.Field{Key: "error", Value: primaryErr.Error()})
	if s.config.OnFallback != nil {
		s.config.OnFallback()
	}

	if fallbackErr := s.fallback.upsert(ctx, s.db, state); fallbackErr != nil {
		return fmt.Errorf("%w: primary: %v; fallback: %v", billing.ErrPersistence, primaryErr, fallbackErr)
	}
	return nil
}

// GetSubscriptionState implements billing.Store.
func (s *Storage) GetSubscriptionState(ctx context.Context, userID string) (*billing.SubscriptionState, error) {
	var state billing.SubscriptionState
	var subID, custID *string

	err := s.db.QueryRow(ctx,
		`SELECT user_id, tier, status, provider_subscription_id, provider_customer_id,
			current_period_start, current_period_end, updated_at
			FROM subscription_states WHERE user_id = $1`,
		userID).Scan(
		&state.UserID,
		&state.Tier,
		&state.Status,
		&subID,
		&custID,
		&state.CurrentPeriodStart,
		&state.CurrentPeriodEnd,
		&state.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription state: %w", err)
	}

	if subID != nil {
		state.ProviderSubscriptionID = *subID
	}
	if custID != nil {
		state.ProviderCustomerID = *custID
	}
	return &state, nil
}

// MarkPastDue implements billing.Store.
func (s *Storage) MarkPastDue(ctx context.Context, providerSubscriptionID string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE subscription_states SET status = 'past_due', updated_at = now()
			WHERE provider_subscription_id = $1`,
		providerSubscriptionID)
	if err != nil {
		return fmt.Errorf("%w: mark past_due: %v", billing.ErrPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrSubscriptionNotFound
	}
	return nil
}

// RecordEvent implements billing.Store. The provider event id is the primary
// key, so redelivered events do not duplicate audit rows.
func (s *Storage) RecordEvent(ctx context.Context, rec billing.EventRecord) error {
	if rec.ProviderEventID == "" {
		return fmt.Errorf("missing provider event id")
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO webhook_events (provider_event_id, event_type, payload, processed_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (provider_event_id) DO NOTHING`,
		rec.ProviderEventID, rec.EventType, []byte(rec.Payload), rec.ProcessedAt)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// GrantEarlyAdopter implements billing.Granter. The pool decrement and the
// per-user claim happen in one statement, so concurrent webhooks cannot
// oversell the pool or double-grant a user.
func (s *Storage) GrantEarlyAdopter(ctx context.Context, userID string) (billing.GrantResult, error) {
	var granted, already bool
	err := s.db.QueryRow(ctx,
		`WITH pool AS (
			UPDATE promo_pools SET remaining = remaining - 1
				WHERE name = 'early_adopter' AND remaining > 0
				AND NOT EXISTS (SELECT 1 FROM early_adopter_grants WHERE user_id = $1)
			RETURNING remaining
		), claim AS (
			INSERT INTO early_adopter_grants (user_id, granted_at)
				SELECT $1, now() FROM pool
			ON CONFLICT (user_id) DO NOTHING
			RETURNING user_id
		)
		SELECT EXISTS(SELECT 1 FROM claim),
			EXISTS(SELECT 1 FROM early_adopter_grants WHERE user_id = $1)`,
		userID).Scan(&granted, &already)
	if err != nil {
		return billing.GrantFailed, fmt.Errorf("early adopter grant: %w", err)
	}

	switch {
	case granted:
		return billing.Granted, nil
	case already:
		return billing.GrantAlreadyClaimed, nil
	default:
		return billing.GrantExhausted, nil
	}
}

// Close implements billing.Store.
func (s *Storage) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
