package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantdesk/marketpipe/internal/budget"
	"github.com/quantdesk/marketpipe/internal/domain"
	"github.com/quantdesk/marketpipe/internal/indicators"
	"github.com/quantdesk/marketpipe/internal/keypool"
	"github.com/quantdesk/marketpipe/internal/providers"
	"github.com/quantdesk/marketpipe/internal/ratios"
	"github.com/quantdesk/marketpipe/internal/reaper"
	"github.com/quantdesk/marketpipe/internal/router"
	"github.com/quantdesk/marketpipe/internal/scorer"
)

func newProgrammedAdapter(tickers []string) *providers.SimAdapter {
	sim := providers.NewSimAdapter("alpha", []domain.Capability{
		domain.CapabilityPriceQuote, domain.CapabilityPriceHistory,
		domain.CapabilityFundamentalsSnapshot, domain.CapabilityExistenceProbe,
	})
	for _, ticker := range tickers {
		sim.Quotes[ticker] = providers.Result[domain.OHLCV]{
			Outcome: domain.OutcomeOK,
			Data:    domain.OHLCV{Date: time.Now(), Open: 10, High: 11, Low: 9, Close: 10.5, Volume: 1000},
		}
		sim.Existence[ticker] = providers.Result[providers.ExistenceProbeResult]{
			Outcome: domain.OutcomeOK,
			Data:    providers.ExistenceProbeResult{Exists: true},
		}
	}
	return sim
}

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time { return f.t }

type alwaysTradingDay struct{}

func (alwaysTradingDay) IsTradingDay(time.Time) bool { return true }

type fakeTickers struct {
	universe []string
}

func (f *fakeTickers) FullUniverse(ctx context.Context) ([]string, error) { return f.universe, nil }
func (f *fakeTickers) WithEarningsWithinWindow(ctx context.Context, window time.Duration) ([]string, error) {
	return nil, nil
}
func (f *fakeTickers) WithInsufficientHistory(ctx context.Context, minBars int) ([]string, error) {
	return nil, nil
}
func (f *fakeTickers) WithMissingFundamentals(ctx context.Context) ([]string, error) { return nil, nil }
func (f *fakeTickers) PagedForAnalystRatings(ctx context.Context, pageSize int) ([]string, error) {
	return nil, nil
}

type fakeGateway struct {
	upsertedPrices int
	upsertedScores int
	deleted        []string
}

func (g *fakeGateway) LoadPriceHistory(ctx context.Context, ticker string) ([]domain.OHLCV, error) {
	return nil, nil
}
func (g *fakeGateway) LoadLatestFundamentals(ctx context.Context, ticker string) (*domain.FundamentalSnapshot, error) {
	return nil, nil
}
func (g *fakeGateway) LoadPriorFundamentals(ctx context.Context, ticker string) (*domain.FundamentalSnapshot, error) {
	return nil, nil
}
func (g *fakeGateway) LoadLatestRatios(ctx context.Context, ticker string) (domain.RatioRow, error) {
	return domain.RatioRow{}, nil
}
func (g *fakeGateway) LoadSector(ctx context.Context, ticker string) (string, error) { return "", nil }
func (g *fakeGateway) LoadAnalystConsensus(ctx context.Context, ticker string) (*domain.AnalystConsensus, error) {
	return nil, nil
}
func (g *fakeGateway) UpsertPrice(ctx context.Context, ticker string, bar domain.OHLCV, ind domain.Indicators) error {
	g.upsertedPrices++
	return nil
}
func (g *fakeGateway) UpsertFundamentals(ctx context.Context, snapshot domain.FundamentalSnapshot) error {
	return nil
}
func (g *fakeGateway) UpsertRatios(ctx context.Context, row domain.RatioRow) error { return nil }
func (g *fakeGateway) UpsertEarningsEvent(ctx context.Context, event domain.EarningsEvent) error {
	return nil
}
func (g *fakeGateway) UpsertAnalystConsensus(ctx context.Context, consensus domain.AnalystConsensus) error {
	return nil
}
func (g *fakeGateway) UpsertScore(ctx context.Context, row domain.ScoreRow) error {
	g.upsertedScores++
	return nil
}
func (g *fakeGateway) DeleteTicker(ctx context.Context, ticker string) error {
	g.deleted = append(g.deleted, ticker)
	return nil
}

type notTradingDay struct{}

func (notTradingDay) IsTradingDay(time.Time) bool { return false }

type orchestratorFixture struct {
	orch *Orchestrator
	gw   *fakeGateway
	pool *keypool.Pool
}

func buildTestOrchestrator(t *testing.T, universe []string, opts ...func(*Config)) orchestratorFixture {
	t.Helper()
	log := zerolog.Nop()
	loc, err := time.LoadLocation("UTC")
	require.NoError(t, err)

	pool := keypool.New(log, loc, map[string]keypool.Limits{
		"alpha": {PerMinute: 100, PerDay: 10000},
	}, nil)
	pool.Register("alpha", "alpha-0", time.Now())

	b := budget.New(1000)
	sim := newProgrammedAdapter(universe)
	r := router.New(log, pool, b, []router.ProviderBinding{
		{Adapter: sim, Rank: 0, BaseConfidence: 0.9},
	}, map[string]string{"alpha-0": "key"})

	gw := &fakeGateway{}
	rp := reaper.New(log, r, gw, 1)

	cfg := Config{
		Deadlines:      map[Priority]time.Duration{P1PriceTechnicals: time.Minute},
		Concurrency:    4,
		MinHistoryBars: 100,
		EarningsWindow: 14 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	o := New(
		log, fixedClock{t: time.Now()}, alwaysTradingDay{}, b, cfg,
		&fakeTickers{universe: universe}, gw, r,
		indicators.New(), ratios.New(), scorer.New(scorer.DefaultWeights(), scorer.DefaultConfidenceThreshold), rp,
	)
	return orchestratorFixture{orch: o, gw: gw, pool: pool}
}

func TestRun_ProcessesPriceAndTechnicalsForFullUniverse(t *testing.T) {
	fx := buildTestOrchestrator(t, []string{"AAA", "BBB"})
	report := fx.orch.Run(context.Background())

	require.NotEmpty(t, report.Priorities)
	assert.Equal(t, P1PriceTechnicals, report.Priorities[0].Priority)
	assert.Equal(t, 2, fx.gw.upsertedPrices)
}

func TestRun_SkipsWhenBudgetExhausted(t *testing.T) {
	fx := buildTestOrchestrator(t, []string{"AAA"})
	fx.orch.budget = budget.New(0)

	report := fx.orch.Run(context.Background())
	assert.Equal(t, StatusSkipped, report.Priorities[0].Status)
	assert.Equal(t, "budget_exhausted", report.Priorities[0].Reason)
}

func TestRun_NonTradingDaySkipsP1ButAttemptsLaterPriorities(t *testing.T) {
	fx := buildTestOrchestrator(t, []string{"AAA"})
	fx.orch.calendar = notTradingDay{}

	report := fx.orch.Run(context.Background())

	require.Len(t, report.Priorities, len(Ordered))
	assert.Equal(t, StatusSkipped, report.Priorities[0].Status)
	assert.Equal(t, "non_trading_day", report.Priorities[0].Reason)
	assert.Equal(t, 0, fx.gw.upsertedPrices)
	for _, pr := range report.Priorities[1:] {
		assert.NotEqual(t, "non_trading_day", pr.Reason)
	}
}

func TestRun_ForceRunBypassesTradingDayGuard(t *testing.T) {
	fx := buildTestOrchestrator(t, []string{"AAA"}, func(c *Config) { c.ForceRun = true })
	fx.orch.calendar = notTradingDay{}

	report := fx.orch.Run(context.Background())
	assert.NotEqual(t, StatusSkipped, report.Priorities[0].Status)
	assert.Equal(t, 1, fx.gw.upsertedPrices)
}

func TestRun_HardStopsWhenNoCredentialAvailableAnywhere(t *testing.T) {
	fx := buildTestOrchestrator(t, []string{"AAA"})
	fx.pool.Report("alpha-0", domain.OutcomeAuthError)

	report := fx.orch.Run(context.Background())

	assert.True(t, report.HaltedEarly)
	assert.Equal(t, "no_credential_available", report.HaltReason)
	assert.Empty(t, report.Priorities)
	assert.Empty(t, report.Reaped, "the reaper must not run after a hard stop")
}

func TestRun_DeadlineTurnsPriorityPartialWithoutAbortingRun(t *testing.T) {
	fx := buildTestOrchestrator(t, []string{"AAA", "BBB", "CCC"}, func(c *Config) {
		c.Deadlines[P1PriceTechnicals] = time.Nanosecond
	})

	report := fx.orch.Run(context.Background())

	require.Len(t, report.Priorities, len(Ordered))
	assert.Equal(t, StatusPartial, report.Priorities[0].Status)
	assert.Equal(t, "deadline_exceeded", report.Priorities[0].Reason)
}

func TestRun_PriorityWhereEveryTickerFailsStillContinuesTheRun(t *testing.T) {
	// none of the universe's tickers have a programmed quote, so every P1
	// worker errors with no data; the priority must report partial and the
	// run must still walk P2..P6 and the reaper.
	fx := buildTestOrchestrator(t, nil)
	fx.orch.tickers = &fakeTickers{universe: []string{"NOPE", "ALSO"}}

	report := fx.orch.Run(context.Background())

	require.Len(t, report.Priorities, len(Ordered))
	assert.Equal(t, StatusPartial, report.Priorities[0].Status)
	assert.Equal(t, "partial_errors", report.Priorities[0].Reason)
	assert.Equal(t, 0, report.Priorities[0].Processed)
	assert.False(t, report.HaltedEarly)
}

func TestRun_LowConfidenceScoresSurfaceInReport(t *testing.T) {
	fx := buildTestOrchestrator(t, []string{"AAA"})

	report := fx.orch.Run(context.Background())

	// The fake gateway returns empty price history and an empty ratio row, so
	// the score computed in P5 has almost no populated inputs.
	require.Equal(t, 1, fx.gw.upsertedScores)
	assert.Contains(t, report.LowConfidence, "AAA")
}
