// Package memory provides an in-memory implementation of the billing.Store
// and billing.Granter interfaces. This implementation is primarily intended
// for testing and development; it is also the reference semantics for the
// durable backends.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/plantspack/billing/pkg/billing"
)

// DefaultEarlyAdopterPool is the number of early-adopter promotion slots a
// fresh store starts with.
const DefaultEarlyAdopterPool = 500

// Storage implements billing.Store and billing.Granter using in-memory maps.
type Storage struct {
	mu sync.RWMutex

	states map[string]*billing.SubscriptionState
	// bySubID maps provider subscription ids to user ids so payment-failed
	// events, which only carry the subscription id, can find their row.
	bySubID map[string]string

	events   []billing.EventRecord
	eventIDs map[string]bool

	grantPool int
	granted   map[string]bool
}

// New creates a new in-memory storage adapter.
func New() *Storage {
	return &Storage{
		states:    make(map[string]*billing.SubscriptionState),
		bySubID:   make(map[string]string),
		eventIDs:  make(map[string]bool),
		grantPool: DefaultEarlyAdopterPool,
		granted:   make(map[string]bool),
	}
}

// SetEarlyAdopterPool overrides the remaining promotion slots.
func (s *Storage) SetEarlyAdopterPool(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grantPool = n
}

// UpsertSubscriptionState implements billing.Store.
func (s *Storage) UpsertSubscriptionState(_ context.Context, state billing.SubscriptionState) error {
	if state.UserID == "" {
		return fmt.Errorf("%w: missing user id", billing.ErrPersistence)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.states[state.UserID]; ok && prev.ProviderSubscriptionID != "" {
		delete(s.bySubID, prev.ProviderSubscriptionID)
	}

	state.UpdatedAt = time.Now().UTC()
	copied := state
	s.states[state.UserID] = &copied
	if state.ProviderSubscriptionID != "" {
		s.bySubID[state.ProviderSubscriptionID] = state.UserID
	}
	return nil
}

// GetSubscriptionState implements billing.Store.
func (s *Storage) GetSubscriptionState(_ context.Context, userID string) (*billing.SubscriptionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.states[userID]
	if !ok {
		return nil, billing.ErrUserNotFound
	}

	// Return a copy to prevent external mutations.
	copied := *state
	return &copied, nil
}

// MarkPastDue implements billing.Store.
func (s *Storage) MarkPastDue(_ context.Context, providerSubscriptionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	userID, ok := s.bySubID[providerSubscriptionID]
	if !ok {
		return billing.ErrSubscriptionNotFound
	}
	state := s.states[userID]
	state.Status = billing.StatusPastDue
	state.UpdatedAt = time.Now().UTC()
	return nil
}

// RecordEvent implements billing.Store. Duplicate provider event ids are
// ignored, keeping the trail one row per delivered event.
func (s *Storage) RecordEvent(_ context.Context, rec billing.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ProviderEventID == "" {
		return fmt.Errorf("missing provider event id")
	}
	if s.eventIDs[rec.ProviderEventID] {
		return nil
	}
	s.eventIDs[rec.ProviderEventID] = true
	s.events = append(s.events, rec)
	return nil
}

// Events returns a copy of the recorded audit trail, oldest first.
func (s *Storage) Events() []billing.EventRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]billing.EventRecord, len(s.events))
	copy(out, s.events)
	return out
}

// GrantEarlyAdopter implements billing.Granter.
func (s *Storage) GrantEarlyAdopter(_ context.Context, userID string) (billing.GrantResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.granted[userID] {
		return billing.GrantAlreadyClaimed, nil
	}
	if s.grantPool <= 0 {
		return billing.GrantExhausted, nil
	}
	s.grantPool--
	s.granted[userID] = true
	return billing.Granted, nil
}

// Close implements billing.Store.
func (s *Storage) Close() error {
	return nil
}
