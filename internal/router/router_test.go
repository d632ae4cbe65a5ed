package router

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantdesk/marketpipe/internal/budget"
	"github.com/quantdesk/marketpipe/internal/domain"
	"github.com/quantdesk/marketpipe/internal/keypool"
	"github.com/quantdesk/marketpipe/internal/providers"
)

func newTestRouter(t *testing.T, bindings []ProviderBinding) *Router {
	t.Helper()
	return newTestRouterWithBudget(t, bindings, 1000)
}

func newTestRouterWithBudget(t *testing.T, bindings []ProviderBinding, total int64) *Router {
	t.Helper()
	loc, err := time.LoadLocation("UTC")
	require.NoError(t, err)

	limits := map[string]keypool.Limits{}
	apiKeys := map[string]string{}
	pool := keypool.New(zerolog.Nop(), loc, limits, nil)
	now := time.Now()
	for _, b := range bindings {
		provider := b.Adapter.Name()
		credID := provider + "-0"
		pool.Register(provider, credID, now)
		apiKeys[credID] = "test-key"
	}
	return New(zerolog.Nop(), pool, budget.New(total), bindings, apiKeys)
}

func TestQueryPriceQuote_FailsOverToSecondProvider(t *testing.T) {
	primary := providers.NewSimAdapter("primary", []domain.Capability{domain.CapabilityPriceQuote})
	primary.Quotes["AAPL"] = providers.Result[domain.OHLCV]{Outcome: domain.OutcomeTransientError}

	secondary := providers.NewSimAdapter("secondary", []domain.Capability{domain.CapabilityPriceQuote})
	secondary.Quotes["AAPL"] = providers.Result[domain.OHLCV]{Outcome: domain.OutcomeOK, Data: domain.OHLCV{Close: 42}}

	r := newTestRouter(t, []ProviderBinding{
		{Adapter: primary, Rank: 0, BaseConfidence: 0.9},
		{Adapter: secondary, Rank: 1, BaseConfidence: 0.7},
	})

	result := r.QueryPriceQuote(context.Background(), "AAPL")
	assert.True(t, result.Found)
	assert.Equal(t, "secondary", result.SourcePrimary)
	assert.Equal(t, 42.0, result.Data.Close)
}

func TestQueryFundamentalsSnapshot_FieldLevelFallback(t *testing.T) {
	rev := 100.0
	eps := 2.0

	primary := providers.NewSimAdapter("alpha", []domain.Capability{domain.CapabilityFundamentalsSnapshot})
	primarySnap := domain.FundamentalSnapshot{Ticker: "AAPL"}
	primarySnap.Set(domain.FieldRevenue, rev, domain.Provenance{Source: "alpha", Confidence: 0.9})
	primary.Fundamentals["AAPL"] = providers.Result[domain.FundamentalSnapshot]{Outcome: domain.OutcomeOK, Data: primarySnap}

	secondary := providers.NewSimAdapter("figi", []domain.Capability{domain.CapabilityFundamentalsSnapshot})
	secondarySnap := domain.FundamentalSnapshot{Ticker: "AAPL"}
	secondarySnap.Set(domain.FieldEPSDiluted, eps, domain.Provenance{Source: "figi", Confidence: 0.5})
	secondary.Fundamentals["AAPL"] = providers.Result[domain.FundamentalSnapshot]{Outcome: domain.OutcomeOK, Data: secondarySnap}

	r := newTestRouter(t, []ProviderBinding{
		{Adapter: primary, Rank: 0, BaseConfidence: 0.9},
		{Adapter: secondary, Rank: 1, BaseConfidence: 0.5},
	})

	result := r.QueryFundamentalsSnapshot(context.Background(), "AAPL")
	require.NotNil(t, result.Data.Revenue)
	require.NotNil(t, result.Data.EPSDiluted)
	assert.Equal(t, rev, *result.Data.Revenue)
	assert.Equal(t, eps, *result.Data.EPSDiluted)
	assert.Equal(t, "alpha", result.SourcePrimary)
	assert.Contains(t, result.SourcesUsed, "figi")
	assert.Less(t, result.SuccessRate, 1.0)
}

func TestProbeExistence_QueriesAllProvidersExhaustively(t *testing.T) {
	a := providers.NewSimAdapter("a", []domain.Capability{domain.CapabilityExistenceProbe})
	a.Existence["ZZZZ"] = providers.Result[providers.ExistenceProbeResult]{Outcome: domain.OutcomeNotFound}
	b := providers.NewSimAdapter("b", []domain.Capability{domain.CapabilityExistenceProbe})
	b.Existence["ZZZZ"] = providers.Result[providers.ExistenceProbeResult]{Outcome: domain.OutcomeNotFound}

	r := newTestRouter(t, []ProviderBinding{
		{Adapter: a, Rank: 0},
		{Adapter: b, Rank: 1},
	})

	votes := r.ProbeExistence(context.Background(), "ZZZZ")
	assert.Len(t, votes, 2)
	assert.Equal(t, 1, a.Calls)
	assert.Equal(t, 1, b.Calls)
}

func TestCircuitBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	flaky := providers.NewSimAdapter("flaky", []domain.Capability{domain.CapabilityPriceQuote})
	flaky.Quotes["AAPL"] = providers.Result[domain.OHLCV]{Outcome: domain.OutcomeTransientError}

	r := newTestRouter(t, []ProviderBinding{{Adapter: flaky, Rank: 0}})

	for i := 0; i < breakerWindow; i++ {
		r.QueryPriceQuote(context.Background(), "AAPL")
	}
	assert.True(t, r.tripped("flaky"))

	callsBefore := flaky.Calls
	r.QueryPriceQuote(context.Background(), "AAPL")
	assert.Equal(t, callsBefore, flaky.Calls, "tripped breaker should skip the call entirely")

	r.ResetBreakers()
	assert.False(t, r.tripped("flaky"))
}

func TestQueryPriceQuote_SkipsCallWhenBudgetExhausted(t *testing.T) {
	primary := providers.NewSimAdapter("primary", []domain.Capability{domain.CapabilityPriceQuote})
	primary.Quotes["AAPL"] = providers.Result[domain.OHLCV]{Outcome: domain.OutcomeOK, Data: domain.OHLCV{Close: 42}}

	r := newTestRouterWithBudget(t, []ProviderBinding{{Adapter: primary, Rank: 0}}, 0)

	result := r.QueryPriceQuote(context.Background(), "AAPL")
	assert.False(t, result.Found)
	assert.True(t, result.BudgetExhausted)
	assert.Equal(t, 0, primary.Calls, "the adapter must not be called once the budget is spent")
}
