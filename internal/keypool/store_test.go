package keypool

import (
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := NewStore(db)
	require.NoError(t, s.EnsureSchema())
	return s
}

func TestStore_LoadReturnsNilWhenNothingPersisted(t *testing.T) {
	s := openTestStore(t)

	state, err := s.Load("alpha-0")
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestStore_SaveThenLoadRoundTrips(t *testing.T) {
	s := openTestStore(t)

	now := time.Date(2026, 7, 29, 9, 0, 0, 0, time.UTC)
	original := freshState("alpha", "alpha-0", now)
	original.CallsToday = 12
	original.HealthScore = 65
	original.ConsecutiveFailures = 2

	require.NoError(t, s.Save(original))

	loaded, err := s.Load("alpha-0")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, original.Provider, loaded.Provider)
	assert.Equal(t, original.CallsToday, loaded.CallsToday)
	assert.Equal(t, original.HealthScore, loaded.HealthScore)
	assert.Equal(t, original.ConsecutiveFailures, loaded.ConsecutiveFailures)
	assert.True(t, original.DayWindowStart.Equal(loaded.DayWindowStart))
}

func TestStore_SaveUpsertsOnRepeatedCalls(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	state := freshState("figi", "figi-0", now)
	require.NoError(t, s.Save(state))

	state.CallsToday = 99
	require.NoError(t, s.Save(state))

	loaded, err := s.Load("figi-0")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, 99, loaded.CallsToday)
}

func TestPool_RegisterRestoresPersistedState(t *testing.T) {
	store := openTestStore(t)
	now := time.Now()

	persisted := freshState("alpha", "alpha-0", now)
	persisted.HealthScore = 40
	persisted.CallsToday = 7
	require.NoError(t, store.Save(persisted))

	loc, err := time.LoadLocation("UTC")
	require.NoError(t, err)
	limits := map[string]Limits{"alpha": {PerMinute: 5, PerDay: 500}}

	pool := New(zerolog.Nop(), loc, limits, store)
	pool.Register("alpha", "alpha-0", now)

	snap := pool.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 40.0, snap[0].HealthScore)
	assert.Equal(t, 7, snap[0].CallsToday)
}
