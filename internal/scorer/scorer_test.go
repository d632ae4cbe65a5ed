package scorer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantdesk/marketpipe/internal/domain"
)

func f(v float64) *float64 { return &v }

func TestCompute_CompositeEqualsWeightedSumOfComponents(t *testing.T) {
	e := New(DefaultWeights(), DefaultConfidenceThreshold)

	ratios := domain.RatioRow{
		AsOf:          time.Now(),
		ROE:           f(0.18),
		DebtToEquity:  f(0.6),
		CurrentRatio:  f(1.8),
		RevenueGrowth: f(0.12),
		PE:            f(18),
		PB:            f(3),
		PS:            f(4),
		EVToEBITDA:    f(11),
		AltmanZ:       f(3.2),
	}
	ind := domain.Indicators{
		EMA20: f(105), EMA50: f(100), RSI14: f(58), MACDHist: f(0.4),
		ADX14: f(28), BollingerPctB: f(0.6), VWAP: f(102), ATR14: f(1.5),
		StochK: f(55), OBV: f(1000), VPT: f(50),
	}

	row := e.Compute("TST", ind, ratios, nil)

	weighted := row.FundamentalHealth.Score*DefaultWeights().Fundamental +
		row.TechnicalHealth.Score*DefaultWeights().Technical +
		row.ValueInvestment.Score*DefaultWeights().Value +
		row.TradingSignal.Score*DefaultWeights().Signal +
		row.Risk.Score*DefaultWeights().Risk

	assert.InDelta(t, weighted, row.Composite, 1e-6)
	assert.GreaterOrEqual(t, row.Composite, 0.0)
	assert.LessOrEqual(t, row.Composite, 100.0)
	assert.Equal(t, Version, row.Version)
}

func TestCompute_LowConfidenceFlaggedWhenInputsMostlyMissing(t *testing.T) {
	e := New(DefaultWeights(), DefaultConfidenceThreshold)

	ratios := domain.RatioRow{AsOf: time.Now(), ROE: f(0.1)}
	ind := domain.Indicators{RSI14: f(50)}

	row := e.Compute("SPARSE", ind, ratios, nil)

	assert.True(t, row.LowConfidence)
	assert.Less(t, row.DataConfidence, DefaultConfidenceThreshold)
	assert.NotEmpty(t, row.MissingFields)
	assert.Equal(t, row.MissingFields, row.EstimatedFields,
		"every missing input is imputed as neutral, so it must also be reported as estimated")
	assert.GreaterOrEqual(t, row.Composite, 0.0)
	assert.LessOrEqual(t, row.Composite, 100.0)
}

func TestWeights_ValidateRejectsNonUnitSum(t *testing.T) {
	w := DefaultWeights()
	w.Risk += 0.5
	require.Error(t, w.Validate())

	require.NoError(t, DefaultWeights().Validate())
}

func TestBand_InterpolatesBetweenAnchors(t *testing.T) {
	points := []bandPoint{{10, 100}, {0, 50}, {-10, 0}}
	assert.Equal(t, 100.0, band(20, points))
	assert.InDelta(t, 75.0, band(5, points), 1e-9)
	assert.Equal(t, 0.0, band(-50, points))
}
