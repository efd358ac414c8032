package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plantspack/billing/pkg/billing"
)

// fakeQuerier records executed statements and serves canned results, so both
// upsert strategies are testable without a database.
type fakeQuerier struct {
	execSQL  []string
	execArgs [][]any
	execErr  []error // consumed in order; nil entries mean success
	execTag  pgconn.CommandTag

	rowScan func(dest ...any) error
}

func (f *fakeQuerier) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	f.execArgs = append(f.execArgs, args)
	if len(f.execErr) > 0 {
		err := f.execErr[0]
		f.execErr = f.execErr[1:]
		if err != nil {
			return pgconn.CommandTag{}, err
		}
	}
	return f.execTag, nil
}

type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

func (f *fakeQuerier) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.execSQL = append(f.execSQL, sql)
	f.execArgs = append(f.execArgs, args)
	if f.rowScan != nil {
		return fakeRow{scan: f.rowScan}
	}
	return fakeRow{scan: func(...any) error { return pgx.ErrNoRows }}
}

func newFakeStorage(db *fakeQuerier, onFallback func()) *Storage {
	return &Storage{
		db:       db,
		config:   Config{OnFallback: onFallback},
		primary:  procUpsert{},
		fallback: directUpsert{},
		logger:   &billing.NoopLogger{},
	}
}

func testState() billing.SubscriptionState {
	end := time.Unix(1702592000, 0).UTC()
	return billing.SubscriptionState{
		UserID:                 "user_1",
		Tier:                   billing.TierMedium,
		Status:                 billing.StatusActive,
		ProviderSubscriptionID: "sub_1",
		ProviderCustomerID:     "cus_1",
		CurrentPeriodEnd:       &end,
	}
}

func TestProcUpsert_NamedParameters(t *testing.T) {
	db := &fakeQuerier{}
	err := procUpsert{}.upsert(context.Background(), db, testState())
	require.NoError(t, err)

	require.Len(t, db.execSQL, 1)
	assert.Contains(t, db.execSQL[0], "upsert_subscription_state")
	assert.Contains(t, db.execSQL[0], "p_user_id =>")

	args := db.execArgs[0]
	require.Len(t, args, 7)
	assert.Equal(t, "user_1", args[0])
	assert.Equal(t, "medium", args[1])
	assert.Equal(t, "active", args[2])
}

func TestProcUpsert_EmptyIDsAreNull(t *testing.T) {
	db := &fakeQuerier{}
	state := testState()
	state.ProviderSubscriptionID = ""
	state.ProviderCustomerID = ""
	require.NoError(t, procUpsert{}.upsert(context.Background(), db, state))

	args := db.execArgs[0]
	assert.Nil(t, args[3], "empty subscription id must map to NULL")
	assert.Nil(t, args[4], "empty customer id must map to NULL")
}

func TestDirectUpsert_CoversSameColumns(t *testing.T) {
	db := &fakeQuerier{}
	require.NoError(t, directUpsert{}.upsert(context.Background(), db, testState()))

	require.Len(t, db.execSQL, 1)
	sql := db.execSQL[0]
	assert.Contains(t, sql, "ON CONFLICT (user_id) DO UPDATE")
	// The fallback path carries the bookkeeping columns the procedure sets,
	// so a fallback write is indistinguishable from a primary one.
	assert.Contains(t, sql, "subscription_started_at")
	assert.Contains(t, sql, "canceled_at")
	require.Len(t, db.execArgs[0], 7)
}

func TestUpsert_PrimarySucceedsNoFallback(t *testing.T) {
	db := &fakeQuerier{}
	fallbackFired := 0
	s := newFakeStorage(db, func() { fallbackFired++ })

	require.NoError(t, s.UpsertSubscriptionState(context.Background(), testState()))
	assert.Len(t, db.execSQL, 1)
	assert.Equal(t, 0, fallbackFired)
}

func TestUpsert_FallbackOnPrimaryFailure(t *testing.T) {
	db := &fakeQuerier{execErr: []error{errors.New("function upsert_subscription_state does not exist"), nil}}
	fallbackFired := 0
	s := newFakeStorage(db, func() { fallbackFired++ })

	require.NoError(t, s.UpsertSubscriptionState(context.Background(), testState()))
	require.Len(t, db.execSQL, 2)
	assert.Contains(t, db.execSQL[0], "upsert_subscription_state")
	assert.Contains(t, db.execSQL[1], "ON CONFLICT")
	assert.Equal(t, 1, fallbackFired)
}

func TestUpsert_BothPathsFailing(t *testing.T) {
	db := &fakeQuerier{execErr: []error{errors.New("proc failed"), errors.New("table missing")}}
	s := newFakeStorage(db, nil)

	err := s.UpsertSubscriptionState(context.Background(), testState())
	require.Error(t, err)
	assert.ErrorIs(t, err, billing.ErrPersistence)
	assert.Contains(t, err.Error(), "proc failed")
	assert.Contains(t, err.Error(), "table missing")
}

func TestUpsert_MissingUserID(t *testing.T) {
	s := newFakeStorage(&fakeQuerier{}, nil)
	err := s.UpsertSubscriptionState(context.Background(), billing.SubscriptionState{})
	assert.ErrorIs(t, err, billing.ErrPersistence)
}

func TestMarkPastDue_NoMatchingRow(t *testing.T) {
	db := &fakeQuerier{execTag: pgconn.NewCommandTag("UPDATE 0")}
	s := newFakeStorage(db, nil)

	err := s.MarkPastDue(context.Background(), "sub_unknown")
	assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
}

func TestMarkPastDue_Updates(t *testing.T) {
	db := &fakeQuerier{execTag: pgconn.NewCommandTag("UPDATE 1")}
	s := newFakeStorage(db, nil)

	require.NoError(t, s.MarkPastDue(context.Background(), "sub_1"))
	require.Len(t, db.execSQL, 1)
	assert.Contains(t, db.execSQL[0], "past_due")
	assert.Equal(t, []any{"sub_1"}, db.execArgs[0])
}

func TestRecordEvent_RequiresEventID(t *testing.T) {
	s := newFakeStorage(&fakeQuerier{}, nil)
	err := s.RecordEvent(context.Background(), billing.EventRecord{})
	assert.Error(t, err)
}

func TestGetSubscriptionState_NotFound(t *testing.T) {
	s := newFakeStorage(&fakeQuerier{}, nil)
	_, err := s.GetSubscriptionState(context.Background(), "user_1")
	assert.ErrorIs(t, err, billing.ErrUserNotFound)
}

func TestGrantEarlyAdopter_ResultMapping(t *testing.T) {
	cases := []struct {
		granted bool
		already bool
		want    billing.GrantResult
	}{
		{true, true, billing.Granted},
		{false, true, billing.GrantAlreadyClaimed},
		{false, false, billing.GrantExhausted},
	}
	for _, tc := range cases {
		db := &fakeQuerier{rowScan: func(dest ...any) error {
			*(dest[0].(*bool)) = tc.granted
			*(dest[1].(*bool)) = tc.already
			return nil
		}}
		s := newFakeStorage(db, nil)

		result, err := s.GrantEarlyAdopter(context.Background(), "user_1")
		require.NoError(t, err)
		assert.Equal(t, tc.want, result)
	}
}

func TestGrantEarlyAdopter_QueryFailure(t *testing.T) {
	db := &fakeQuerier{rowScan: func(...any) error { return errors.New("connection reset") }}
	s := newFakeStorage(db, nil)

	result, err := s.GrantEarlyAdopter(context.Background(), "user_1")
	assert.Error(t, err)
	assert.Equal(t, billing.GrantFailed, result)
}

func TestSchemaEmbedded(t *testing.T) {
	assert.True(t, strings.Contains(schemaSQL, "CREATE TABLE IF NOT EXISTS subscription_states"))
	assert.True(t, strings.Contains(schemaSQL, "upsert_subscription_state"))
}
