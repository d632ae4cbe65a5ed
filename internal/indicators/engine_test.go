package indicators

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantdesk/marketpipe/internal/domain"
)

func syntheticBars(n int) []domain.OHLCV {
	bars := make([]domain.OHLCV, n)
	price := 100.0
	for i := 0; i < n; i++ {
		price += 0.1
		bars[i] = domain.OHLCV{
			Date:   time.Now().AddDate(0, 0, i-n),
			Open:   price - 0.2,
			High:   price + 0.5,
			Low:    price - 0.5,
			Close:  price,
			Volume: int64(1_000_000 + i*1000),
		}
	}
	return bars
}

func TestCompute_InsufficientHistoryReturnsAllNil(t *testing.T) {
	bars := syntheticBars(50)
	e := New()
	ind := e.Compute(bars)

	assert.Equal(t, 50, ind.BarCount)
	assert.Nil(t, ind.EMA20)
	assert.Nil(t, ind.RSI14)
	assert.Nil(t, ind.ATR14)
}

func TestCompute_SufficientHistoryPopulatesCoreIndicators(t *testing.T) {
	bars := syntheticBars(260)
	e := New()
	ind := e.Compute(bars)

	require.NotNil(t, ind.EMA20)
	require.NotNil(t, ind.RSI14)
	require.NotNil(t, ind.MACD)
	require.NotNil(t, ind.ATR14)
	require.NotNil(t, ind.ADX14)
	require.NotNil(t, ind.VWAP)
	require.NotNil(t, ind.OBV)
	require.NotNil(t, ind.High52Week)
	require.NotNil(t, ind.Low52Week)

	assert.GreaterOrEqual(t, *ind.RSI14, 0.0)
	assert.LessOrEqual(t, *ind.RSI14, 100.0)
	assert.GreaterOrEqual(t, *ind.ADX14, 0.0)
	assert.LessOrEqual(t, *ind.ADX14, 100.0)
	assert.GreaterOrEqual(t, *ind.CCI20, -300.0)
	assert.LessOrEqual(t, *ind.CCI20, 300.0)
}

func TestCompute_SwingExtremesMatchWindow(t *testing.T) {
	bars := syntheticBars(260)
	e := New()
	ind := e.Compute(bars)

	require.NotNil(t, ind.SwingHigh5)
	require.NotNil(t, ind.SwingLow5)
	assert.GreaterOrEqual(t, *ind.SwingHigh5, *ind.SwingLow5)
}

func TestClipPtr_ClampsOutOfRangeValues(t *testing.T) {
	high := 500.0
	assert.Equal(t, 300.0, *clipPtr(&high, -300, 300))

	low := -500.0
	assert.Equal(t, -300.0, *clipPtr(&low, -300, 300))

	assert.Nil(t, clipPtr(nil, -300, 300))
}
