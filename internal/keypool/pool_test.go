package keypool

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantdesk/marketpipe/internal/domain"
)

func newTestPool(t *testing.T, limits map[string]Limits) *Pool {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return New(zerolog.Nop(), loc, limits, nil)
}

func TestAcquire_PicksHighestHealth(t *testing.T) {
	p := newTestPool(t, map[string]Limits{"alpha": {PerMinute: 5, PerDay: 500}})
	now := time.Now()
	p.Register("alpha", "alpha-0", now)
	p.Register("alpha", "alpha-1", now)

	p.Report("alpha-0", domain.OutcomeTransientError)

	cred, err := p.Acquire("alpha", now)
	require.NoError(t, err)
	assert.Equal(t, "alpha-1", cred.CredentialID)
}

func TestAcquire_NoCredentialAvailableWhenAllExhausted(t *testing.T) {
	p := newTestPool(t, map[string]Limits{"alpha": {PerMinute: 1, PerDay: 500}})
	now := time.Now()
	p.Register("alpha", "alpha-0", now)

	_, err := p.Acquire("alpha", now)
	require.NoError(t, err)

	_, err = p.Acquire("alpha", now)
	assert.ErrorAs(t, err, &ErrNoCredentialAvailable{})
}

func TestAcquire_UnknownProvider(t *testing.T) {
	p := newTestPool(t, map[string]Limits{})
	_, err := p.Acquire("nope", time.Now())
	assert.ErrorAs(t, err, &ErrNoCredentialAvailable{})
}

func TestReport_AuthErrorDisablesCredential(t *testing.T) {
	p := newTestPool(t, map[string]Limits{"figi": {PerMinute: 10, PerDay: 1000}})
	now := time.Now()
	p.Register("figi", "figi-0", now)

	p.Report("figi-0", domain.OutcomeAuthError)

	_, err := p.Acquire("figi", now)
	assert.ErrorAs(t, err, &ErrNoCredentialAvailable{})
}

func TestReport_HealthClampedToRange(t *testing.T) {
	p := newTestPool(t, map[string]Limits{"fx": {PerMinute: 100, PerDay: 10000}})
	now := time.Now()
	p.Register("fx", "fx-0", now)

	for i := 0; i < 50; i++ {
		p.Report("fx-0", domain.OutcomeOK)
	}
	snap := p.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 100.0, snap[0].HealthScore)

	for i := 0; i < 50; i++ {
		p.Report("fx-0", domain.OutcomeRateLimited)
	}
	snap = p.Snapshot()
	assert.Equal(t, 0.0, snap[0].HealthScore)
}

func TestAnyAdmissible_FalseOnceEveryCredentialIsDisabled(t *testing.T) {
	p := newTestPool(t, map[string]Limits{
		"alpha": {PerMinute: 5, PerDay: 500},
		"figi":  {PerMinute: 5, PerDay: 500},
	})
	now := time.Now()
	p.Register("alpha", "alpha-0", now)
	p.Register("figi", "figi-0", now)
	assert.True(t, p.AnyAdmissible(now))

	p.Report("alpha-0", domain.OutcomeAuthError)
	assert.True(t, p.AnyAdmissible(now), "figi credential is still live")

	p.Report("figi-0", domain.OutcomeAuthError)
	assert.False(t, p.AnyAdmissible(now))
}

func TestResetWindowsIfElapsed_MinuteRollsOver(t *testing.T) {
	s := freshState("alpha", "alpha-0", time.Now().Add(-2*time.Minute))
	s.CallsThisMinute = 5
	loc, _ := time.LoadLocation("UTC")
	s.resetWindowsIfElapsed(time.Now(), loc)
	assert.Equal(t, 0, s.CallsThisMinute)
}
