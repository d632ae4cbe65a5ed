package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantdesk/marketpipe/internal/orchestrator"
	"github.com/quantdesk/marketpipe/internal/persistence"
)

func TestSystemCalendar_SkipsWeekends(t *testing.T) {
	loc, _ := time.LoadLocation("UTC")
	cal := systemCalendar{loc: loc}

	saturday := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	monday := time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC)

	assert.False(t, cal.IsTradingDay(saturday))
	assert.True(t, cal.IsTradingDay(monday))
}

func TestConfidenceFor_DecreasesWithRank(t *testing.T) {
	assert.Greater(t, confidenceFor(0), confidenceFor(1))
	assert.Greater(t, confidenceFor(1), confidenceFor(2))
}

func TestProviderLimits_UnknownProviderGetsConservativeDefault(t *testing.T) {
	l := providerLimits("unknown-provider")
	assert.Equal(t, 5, l.PerMinute)
	assert.Equal(t, 500, l.PerDay)
}

func TestSeedUniverse_LoadsTickersFromFile(t *testing.T) {
	gw, err := persistence.Open(zerolog.Nop(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Close() })

	seedPath := filepath.Join(t.TempDir(), "universe.csv")
	require.NoError(t, os.WriteFile(seedPath, []byte(
		"# tracked universe\nacme,Acme Corp,Technology\nBETA\n\nGAMA,Gamma Inc\n"), 0644))

	require.NoError(t, seedUniverse(context.Background(), zerolog.Nop(), gw, seedPath))

	universe, err := gw.FullUniverse(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"ACME", "BETA", "GAMA"}, universe)
}

func TestSeedUniverse_DefaultSourceIsANoOp(t *testing.T) {
	assert.NoError(t, seedUniverse(context.Background(), zerolog.Nop(), nil, "default"))
}

func TestPriorityDeadlines_ConvertsStringKeysToPriorityType(t *testing.T) {
	in := map[string]time.Duration{"P1": 30 * time.Minute, "P6": 10 * time.Minute}
	out := priorityDeadlines(in)

	assert.Equal(t, 30*time.Minute, out[orchestrator.P1PriceTechnicals])
	assert.Equal(t, 10*time.Minute, out[orchestrator.P6AnalystRatings])
}
