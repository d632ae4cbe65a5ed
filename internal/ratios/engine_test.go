package ratios

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantdesk/marketpipe/internal/domain"
)

func f(v float64) *float64 { return &v }

func fullSnapshot() *domain.FundamentalSnapshot {
	return &domain.FundamentalSnapshot{
		Ticker:             "ACME",
		FiscalPeriodEnd:    time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
		Revenue:            f(1_000_000_000),
		NetIncome:          f(120_000_000),
		TotalAssets:        f(2_000_000_000),
		TotalDebt:          f(500_000_000),
		TotalEquity:        f(900_000_000),
		CurrentAssets:      f(600_000_000),
		CurrentLiabilities: f(300_000_000),
		CostOfGoodsSold:    f(400_000_000),
		OperatingIncome:    f(250_000_000),
		EBITDA:             f(300_000_000),
		FreeCashFlow:       f(100_000_000),
		SharesOutstanding:  f(100_000_000),
		EPSDiluted:         f(1.2),
		BookValuePerShare:  f(9.0),
	}
}

func TestCompute_ValuationRatiosWithinPlausibleRange(t *testing.T) {
	e := New()
	row := e.Compute(fullSnapshot(), nil, 24.0, "Technology", domain.RatioRow{})

	require.NotNil(t, row.PE)
	assert.InDelta(t, 20.0, *row.PE, 1e-6) // price/eps = 24/1.2

	require.NotNil(t, row.PB)
	assert.InDelta(t, 24.0/9.0, *row.PB, 1e-6)

	require.NotNil(t, row.MarketCap)
	assert.InDelta(t, 24.0*100_000_000, *row.MarketCap, 1e-6)

	require.NotNil(t, row.CurrentRatio)
	assert.Nil(t, row.QuickRatio, "no inventory figure exists, so quick ratio must stay null even on a full snapshot")
	assert.Nil(t, row.InventoryTurnover)
	assert.Nil(t, row.InterestCoverage)
}

func TestCompute_ImplausibleRatioIsNulledBySectorRange(t *testing.T) {
	e := New()
	// price of 5000 against eps of 1.2 gives a PE over 4000, far outside any
	// sector's plausible range, so PE must come back nil rather than a wild
	// number.
	row := e.Compute(fullSnapshot(), nil, 5000.0, "Technology", domain.RatioRow{})
	assert.Nil(t, row.PE)
}

func TestCompute_GrowthRatiosRequirePriorSnapshot(t *testing.T) {
	e := New()
	current := fullSnapshot()
	row := e.Compute(current, nil, 24.0, "Technology", domain.RatioRow{})
	assert.Nil(t, row.RevenueGrowth)
	assert.Nil(t, row.EarningsGrowth)
	assert.Nil(t, row.FCFGrowth)

	prior := fullSnapshot()
	prior.Revenue = f(800_000_000)
	prior.NetIncome = f(100_000_000)
	prior.FreeCashFlow = f(80_000_000)

	row = e.Compute(current, prior, 24.0, "Technology", domain.RatioRow{})
	require.NotNil(t, row.RevenueGrowth)
	assert.InDelta(t, 0.25, *row.RevenueGrowth, 1e-6)
}

func TestCompute_AltmanZPositiveForHealthyCompany(t *testing.T) {
	e := New()
	row := e.Compute(fullSnapshot(), nil, 24.0, "Technology", domain.RatioRow{})
	require.NotNil(t, row.AltmanZ)
	assert.Greater(t, *row.AltmanZ, 0.0)
}

func TestCompute_NilCurrentSnapshotReturnsAsOfUnchanged(t *testing.T) {
	e := New()
	seed := domain.RatioRow{Ticker: "ACME", PE: f(10)}
	row := e.Compute(nil, nil, 24.0, "Technology", seed)
	assert.Equal(t, seed, row)
}

func TestCompute_MissingPriceLeavesPEAndPBNullRatherThanZero(t *testing.T) {
	e := New()
	// price is unknown (no quote for this ticker); eps/book value per share
	// are both present and positive, so without the price > 0 guard this
	// would divide 0/eps and 0/bookValuePerShare into spurious zeros.
	row := e.Compute(fullSnapshot(), nil, 0.0, "Technology", domain.RatioRow{})
	assert.Nil(t, row.PE)
	assert.Nil(t, row.PB)
	assert.Nil(t, row.MarketCap)
}

func TestCompute_MissingDenominatorFieldsLeaveRatiosNull(t *testing.T) {
	e := New()
	snap := &domain.FundamentalSnapshot{Ticker: "THIN"}
	row := e.Compute(snap, nil, 24.0, "default", domain.RatioRow{})

	assert.Nil(t, row.PE)
	assert.Nil(t, row.ROE)
	assert.Nil(t, row.DebtToEquity)
	assert.Nil(t, row.AltmanZ)
}
