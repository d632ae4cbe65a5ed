package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantdesk/marketpipe/internal/domain"
)

func openTestGateway(t *testing.T) *Gateway {
	t.Helper()
	g, err := Open(zerolog.Nop(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func seedTicker(t *testing.T, g *Gateway, ticker, sector string) {
	t.Helper()
	require.NoError(t, g.EnsureInstrument(context.Background(), domain.Instrument{
		Ticker: ticker, Sector: sector, CreatedAt: time.Now(),
	}))
}

func f(v float64) *float64 { return &v }

func TestUpsertPrice_RoundTripsThroughLoadPriceHistory(t *testing.T) {
	g := openTestGateway(t)
	ctx := context.Background()
	seedTicker(t, g, "ACME", "Technology")

	bar := domain.OHLCV{Date: time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC), Open: 10, High: 11, Low: 9, Close: 10.5, Volume: 1000}
	ind := domain.Indicators{EMA20: f(10.2), RSI14: f(55)}
	require.NoError(t, g.UpsertPrice(ctx, "ACME", bar, ind))

	history, err := g.LoadPriceHistory(ctx, "ACME")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 10.5, history[0].Close)
}

func TestUpsertPrice_PartialIndicatorsDoNotNullPreviousColumns(t *testing.T) {
	g := openTestGateway(t)
	ctx := context.Background()
	seedTicker(t, g, "ACME", "Technology")

	bar := domain.OHLCV{Date: time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC), Close: 10.5}
	require.NoError(t, g.UpsertPrice(ctx, "ACME", bar, domain.Indicators{EMA20: f(10.2), RSI14: f(55)}))
	require.NoError(t, g.UpsertPrice(ctx, "ACME", bar, domain.Indicators{MACD: f(0.3)}))

	var indJSON string
	row := g.db.QueryRowContext(ctx, `SELECT indicators_json FROM daily_charts WHERE ticker='ACME' AND date='2026-07-01'`)
	require.NoError(t, row.Scan(&indJSON))
	assert.Contains(t, indJSON, `"EMA20":10.2`)
	assert.Contains(t, indJSON, `"MACD":0.3`)
}

func TestUpsertScore_WritesBothCurrentAndHistorical(t *testing.T) {
	g := openTestGateway(t)
	ctx := context.Background()
	seedTicker(t, g, "ACME", "Technology")

	row := domain.ScoreRow{
		Ticker: "ACME", AsOf: time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
		Composite: 72.5, CompositeGrade: domain.GradeBuy,
	}
	require.NoError(t, g.UpsertScore(ctx, row))

	var currentComposite float64
	require.NoError(t, g.db.QueryRowContext(ctx, `SELECT composite FROM company_scores_current WHERE ticker='ACME'`).Scan(&currentComposite))
	assert.Equal(t, 72.5, currentComposite)

	var histCount int
	require.NoError(t, g.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM company_scores_historical WHERE ticker='ACME'`).Scan(&histCount))
	assert.Equal(t, 1, histCount)
}

func TestDeleteTicker_RemovesAllChildRowsAndInstrument(t *testing.T) {
	g := openTestGateway(t)
	ctx := context.Background()
	seedTicker(t, g, "DEAD", "Technology")

	require.NoError(t, g.UpsertPrice(ctx, "DEAD", domain.OHLCV{Date: time.Now(), Close: 1}, domain.Indicators{}))
	require.NoError(t, g.UpsertScore(ctx, domain.ScoreRow{Ticker: "DEAD", AsOf: time.Now(), CompositeGrade: domain.GradeNeutral}))

	require.NoError(t, g.DeleteTicker(ctx, "DEAD"))

	universe, err := g.FullUniverse(ctx)
	require.NoError(t, err)
	assert.NotContains(t, universe, "DEAD")

	history, err := g.LoadPriceHistory(ctx, "DEAD")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestWithMissingFundamentals_OnlyReturnsTickersWithNoRow(t *testing.T) {
	g := openTestGateway(t)
	ctx := context.Background()
	seedTicker(t, g, "HAS", "Technology")
	seedTicker(t, g, "MISSING", "Technology")

	require.NoError(t, g.UpsertFundamentals(ctx, domain.FundamentalSnapshot{Ticker: "HAS", Revenue: f(1)}))

	missing, err := g.WithMissingFundamentals(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"MISSING"}, missing)
}

func TestFullUniverse_ExcludesDelistedAndOrdersAscending(t *testing.T) {
	g := openTestGateway(t)
	ctx := context.Background()
	seedTicker(t, g, "BBB", "Technology")
	seedTicker(t, g, "AAA", "Technology")
	require.NoError(t, g.EnsureInstrument(ctx, domain.Instrument{Ticker: "ZZZ", Delisted: true, CreatedAt: time.Now()}))

	universe, err := g.FullUniverse(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAA", "BBB"}, universe)
}
