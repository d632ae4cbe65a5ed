// Package orchestrator implements the Priority Orchestrator: the sequential
// P1..P6 state machine that drives one daily run, running six ordered
// priorities within a single run rather than an open-ended registry of
// independent job types.
package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantdesk/marketpipe/internal/budget"
	"github.com/quantdesk/marketpipe/internal/domain"
	"github.com/quantdesk/marketpipe/internal/indicators"
	"github.com/quantdesk/marketpipe/internal/ratios"
	"github.com/quantdesk/marketpipe/internal/reaper"
	"github.com/quantdesk/marketpipe/internal/router"
	"github.com/quantdesk/marketpipe/internal/scorer"
)

// Clock abstracts time.Now so deadline and trading-day logic is testable.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the production Clock.
var SystemClock Clock = systemClock{}

// Calendar decides whether a given day is a trading day, gating P1.
type Calendar interface {
	IsTradingDay(t time.Time) bool
}

// TickerSource answers the selection-rule queries each priority needs. The
// Persistence Gateway implements this against the sqlite universe tables.
type TickerSource interface {
	FullUniverse(ctx context.Context) ([]string, error)
	WithEarningsWithinWindow(ctx context.Context, window time.Duration) ([]string, error)
	WithInsufficientHistory(ctx context.Context, minBars int) ([]string, error)
	WithMissingFundamentals(ctx context.Context) ([]string, error)
	PagedForAnalystRatings(ctx context.Context, pageSize int) ([]string, error)
}

// Gateway is the subset of the Persistence Gateway the orchestrator drives
// directly (loads for computation inputs, upserts for outputs).
type Gateway interface {
	LoadPriceHistory(ctx context.Context, ticker string) ([]domain.OHLCV, error)
	LoadLatestFundamentals(ctx context.Context, ticker string) (*domain.FundamentalSnapshot, error)
	LoadPriorFundamentals(ctx context.Context, ticker string) (*domain.FundamentalSnapshot, error)
	LoadLatestRatios(ctx context.Context, ticker string) (domain.RatioRow, error)
	LoadSector(ctx context.Context, ticker string) (string, error)
	LoadAnalystConsensus(ctx context.Context, ticker string) (*domain.AnalystConsensus, error)

	UpsertPrice(ctx context.Context, ticker string, bar domain.OHLCV, ind domain.Indicators) error
	UpsertFundamentals(ctx context.Context, snapshot domain.FundamentalSnapshot) error
	UpsertRatios(ctx context.Context, row domain.RatioRow) error
	UpsertEarningsEvent(ctx context.Context, event domain.EarningsEvent) error
	UpsertAnalystConsensus(ctx context.Context, consensus domain.AnalystConsensus) error
	UpsertScore(ctx context.Context, row domain.ScoreRow) error
}

// Config is the orchestrator's tunable surface, sourced from config.Config.
type Config struct {
	Deadlines             map[Priority]time.Duration
	Concurrency           int
	MinHistoryBars        int
	EarningsWindow        time.Duration
	DelistingMinAgreement int
	AnalystPageSize       int
	ForceRun              bool
}

// Orchestrator drives one daily run end to end.
type Orchestrator struct {
	log zerolog.Logger

	clock    Clock
	calendar Calendar
	budget   *budget.Budget
	cfg      Config

	tickers TickerSource
	gw      Gateway

	router     *router.Router
	indicators *indicators.Engine
	ratios     *ratios.Engine
	scorer     *scorer.Engine
	reaper     *reaper.Reaper
}

func New(
	log zerolog.Logger,
	clock Clock,
	calendar Calendar,
	b *budget.Budget,
	cfg Config,
	tickers TickerSource,
	gw Gateway,
	r *router.Router,
	ind *indicators.Engine,
	rat *ratios.Engine,
	sc *scorer.Engine,
	rp *reaper.Reaper,
) *Orchestrator {
	return &Orchestrator{
		log: log.With().Str("component", "orchestrator").Logger(),

		clock: clock, calendar: calendar, budget: b, cfg: cfg,
		tickers: tickers, gw: gw,
		router: r, indicators: ind, ratios: rat, scorer: sc, reaper: rp,
	}
}

// RunReport is the full per-run result: one PriorityResult per stage plus
// the reaper's decisions, the tickers scored below the confidence threshold,
// and the final budget snapshot.
type RunReport struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Priorities []PriorityResult
	Reaped     []reaper.Decision
	LowConfidence []string
	Budget     domain.ApiBudget
	HaltedEarly bool
	HaltReason  string
}

// runState is the per-run mutable state shared by a priority's workers:
// which tickers had inputs updated this run (P5's selection rule) and which
// scored below the confidence threshold (surfaced in the run summary).
type runState struct {
	mu            sync.Mutex
	touched       map[string]bool
	lowConfidence []string
}

func (rs *runState) markTouched(ticker string) {
	rs.mu.Lock()
	rs.touched[ticker] = true
	rs.mu.Unlock()
}

func (rs *runState) markLowConfidence(ticker string) {
	rs.mu.Lock()
	rs.lowConfidence = append(rs.lowConfidence, ticker)
	rs.mu.Unlock()
}

func (rs *runState) touchedTickers() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]string, 0, len(rs.touched))
	for t := range rs.touched {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Run executes the INIT -> P1..P6 -> REAP -> DONE state machine.
func (o *Orchestrator) Run(ctx context.Context) RunReport {
	report := RunReport{StartedAt: o.clock.Now()}
	rs := &runState{touched: make(map[string]bool)}

	for _, p := range Ordered {
		select {
		case <-ctx.Done():
			report.HaltedEarly = true
			report.HaltReason = "context_cancelled"
			report.FinishedAt = o.clock.Now()
			report.Budget = o.budget.Snapshot()
			return report
		default:
		}

		if !o.router.AnyCredentialAvailable() {
			o.log.Error().Str("priority", string(p)).Msg("no credential available for any provider, hard-stopping run")
			report.HaltedEarly = true
			report.HaltReason = "no_credential_available"
			break
		}

		result := o.runPriority(ctx, p, rs)
		report.Priorities = append(report.Priorities, result)

		if result.Status == StatusPartial {
			o.log.Warn().Str("priority", string(p)).Str("reason", result.Reason).
				Int("errors", len(result.Errors)).Msg("priority returned partial, continuing")
		}
	}

	if !report.HaltedEarly {
		decisions, err := o.reaper.Run(ctx, o.universeOrEmpty(ctx))
		if err != nil {
			o.log.Warn().Err(err).Msg("reaper run completed with errors")
		}
		report.Reaped = decisions
	}

	report.LowConfidence = rs.lowConfidence
	report.FinishedAt = o.clock.Now()
	report.Budget = o.budget.Snapshot()
	return report
}

func (o *Orchestrator) universeOrEmpty(ctx context.Context) []string {
	u, err := o.tickers.FullUniverse(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("could not load universe for existence reaping")
		return nil
	}
	return u
}

// runPriority selects tickers, applies the priority's deadline, fans out via
// the worker pool, and classifies the outcome. The router's per-provider
// circuit breakers reset at the start of every priority so an outage in P1
// doesn't exclude the provider from later priorities.
func (o *Orchestrator) runPriority(ctx context.Context, p Priority, rs *runState) PriorityResult {
	start := o.clock.Now()
	log := o.log.With().Str("priority", string(p)).Logger()

	o.router.ResetBreakers()

	if p == P1PriceTechnicals && !o.cfg.ForceRun && !o.calendar.IsTradingDay(o.clock.Now()) {
		log.Info().Msg("non-trading day, skipping price refresh")
		return PriorityResult{Priority: p, Status: StatusSkipped, Reason: "non_trading_day"}
	}

	if o.budget.Exhausted() && priorityNeedsBudget(p) {
		log.Warn().Msg("budget exhausted, skipping priority")
		return PriorityResult{Priority: p, Status: StatusSkipped, Reason: "budget_exhausted"}
	}

	selected, err := o.selectTickers(ctx, p)
	if err != nil {
		log.Error().Err(err).Msg("ticker selection failed")
		return PriorityResult{Priority: p, Status: StatusPartial, Reason: "selection_failed", Errors: []error{err}}
	}

	if p == P5Scoring {
		selected = rs.touchedTickers()
	}

	if len(selected) == 0 {
		return PriorityResult{Priority: p, Status: StatusOK, Selected: 0, Duration: o.clock.Now().Sub(start)}
	}

	deadline, ok := o.cfg.Deadlines[p]
	if !ok {
		deadline = 15 * time.Minute
	}
	pctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	processed, errs := runBounded(pctx, o.cfg.Concurrency, selected, func(ctx context.Context, ticker string) error {
		err := o.process(ctx, p, ticker, rs)
		if err == nil {
			rs.markTouched(ticker)
		}
		return err
	})

	status := StatusOK
	reason := ""
	if pctx.Err() != nil {
		status = StatusPartial
		reason = "deadline_exceeded"
	} else if len(errs) > 0 {
		status = StatusPartial
		reason = "partial_errors"
	}

	return PriorityResult{
		Priority: p, Status: status, Selected: len(selected), Processed: processed,
		Errors: errs, Reason: reason, Duration: o.clock.Now().Sub(start),
	}
}

func priorityNeedsBudget(p Priority) bool {
	return p != P5Scoring
}

func (o *Orchestrator) selectTickers(ctx context.Context, p Priority) ([]string, error) {
	switch p {
	case P1PriceTechnicals:
		return o.tickers.FullUniverse(ctx)
	case P2EarningsFundamentals:
		return o.tickers.WithEarningsWithinWindow(ctx, o.cfg.EarningsWindow)
	case P3HistoricalBackfill:
		return o.tickers.WithInsufficientHistory(ctx, o.cfg.MinHistoryBars)
	case P4MissingFundamentals:
		return o.tickers.WithMissingFundamentals(ctx)
	case P5Scoring:
		return nil, nil // selection is the touched-set, filled in by caller
	case P6AnalystRatings:
		return o.tickers.PagedForAnalystRatings(ctx, o.cfg.AnalystPageSize)
	default:
		return nil, nil
	}
}

// process executes the work for one (priority, ticker) pair: fetch via the
// router, compute via the engines, persist via the gateway.
func (o *Orchestrator) process(ctx context.Context, p Priority, ticker string, rs *runState) error {
	switch p {
	case P1PriceTechnicals:
		return o.processPriceAndTechnicals(ctx, ticker)
	case P2EarningsFundamentals:
		return o.processEarningsFundamentals(ctx, ticker)
	case P3HistoricalBackfill:
		return o.processBackfill(ctx, ticker)
	case P4MissingFundamentals:
		return o.processFundamentals(ctx, ticker)
	case P5Scoring:
		return o.processScoring(ctx, ticker, rs)
	case P6AnalystRatings:
		return o.processAnalystRatings(ctx, ticker)
	default:
		return nil
	}
}

func (o *Orchestrator) processPriceAndTechnicals(ctx context.Context, ticker string) error {
	quote := o.router.QueryPriceQuote(ctx, ticker)
	if quote.BudgetExhausted {
		return budget.ErrExhausted{Provider: "price_quote"}
	}
	if !quote.Found {
		return &noDataError{ticker: ticker, capability: "price_quote"}
	}

	from := o.clock.Now().AddDate(0, 0, -o.cfg.MinHistoryBars*2)
	history := o.router.QueryPriceHistory(ctx, ticker, from, o.clock.Now())
	bars := history.Bars
	if history.Found && len(bars) > 0 {
		bars = append(bars, quote.Data)
	} else {
		bars = []domain.OHLCV{quote.Data}
	}

	ind := o.indicators.Compute(bars)
	last := bars[len(bars)-1]
	return o.gw.UpsertPrice(ctx, ticker, last, ind)
}

func (o *Orchestrator) processBackfill(ctx context.Context, ticker string) error {
	from := o.clock.Now().AddDate(-2, 0, 0)
	history := o.router.QueryPriceHistory(ctx, ticker, from, o.clock.Now())
	if history.BudgetExhausted {
		return budget.ErrExhausted{Provider: "price_history"}
	}
	if !history.Found {
		return &noDataError{ticker: ticker, capability: "price_history"}
	}
	ind := o.indicators.Compute(history.Bars)
	last := history.Bars[len(history.Bars)-1]
	return o.gw.UpsertPrice(ctx, ticker, last, ind)
}

type noDataError struct {
	ticker     string
	capability string
}

func (e *noDataError) Error() string {
	return "orchestrator: no " + e.capability + " available for " + e.ticker
}

// processEarningsFundamentals additionally refreshes the earnings calendar
// row, since this priority is specifically triggered by upcoming-earnings
// proximity and both are naturally read together.
func (o *Orchestrator) processEarningsFundamentals(ctx context.Context, ticker string) error {
	earnings := o.router.QueryEarningsCalendar(ctx, ticker, o.cfg.EarningsWindow)
	if earnings.BudgetExhausted {
		return budget.ErrExhausted{Provider: "earnings_calendar"}
	}
	if earnings.Found {
		for _, event := range earnings.Events {
			if err := o.gw.UpsertEarningsEvent(ctx, event); err != nil {
				o.log.Warn().Err(err).Str("ticker", ticker).Msg("failed to persist earnings event")
			}
		}
	}
	return o.processFundamentals(ctx, ticker)
}

func (o *Orchestrator) processFundamentals(ctx context.Context, ticker string) error {
	result := o.router.QueryFundamentalsSnapshot(ctx, ticker)
	if result.BudgetExhausted && result.SourcePrimary == "" {
		return budget.ErrExhausted{Provider: "fundamentals_snapshot"}
	}
	if result.Data.Ticker == "" {
		result.Data.Ticker = ticker
	}

	// the prior-period snapshot must be read before the upsert replaces the
	// ticker's single current row, or growth ratios would compare the new
	// snapshot against itself.
	prior, _ := o.gw.LoadPriorFundamentals(ctx, ticker)
	if err := o.gw.UpsertFundamentals(ctx, result.Data); err != nil {
		return err
	}

	sector, _ := o.gw.LoadSector(ctx, ticker)
	quote := o.router.QueryPriceQuote(ctx, ticker)
	price := 0.0
	if quote.Found {
		price = quote.Data.Close
	}

	priorRow, _ := o.gw.LoadLatestRatios(ctx, ticker)
	row := o.ratios.Compute(&result.Data, prior, price, sector, priorRow)
	row.Ticker = ticker
	row.AsOf = o.clock.Now()
	return o.gw.UpsertRatios(ctx, row)
}

func (o *Orchestrator) processScoring(ctx context.Context, ticker string, rs *runState) error {
	history, err := o.gw.LoadPriceHistory(ctx, ticker)
	if err != nil {
		return err
	}
	ind := o.indicators.Compute(history)
	ratioRow, err := o.gw.LoadLatestRatios(ctx, ticker)
	if err != nil {
		return err
	}
	consensus, _ := o.gw.LoadAnalystConsensus(ctx, ticker)

	row := o.scorer.Compute(ticker, ind, ratioRow, consensus)
	row.AsOf = o.clock.Now()
	if row.LowConfidence {
		rs.markLowConfidence(ticker)
	}
	return o.gw.UpsertScore(ctx, row)
}

func (o *Orchestrator) processAnalystRatings(ctx context.Context, ticker string) error {
	result := o.router.QueryAnalystRecommendations(ctx, ticker)
	if result.BudgetExhausted {
		return budget.ErrExhausted{Provider: "analyst_recommendations"}
	}
	if !result.Found {
		return &noDataError{ticker: ticker, capability: "analyst_recommendations"}
	}
	result.Consensus.Ticker = ticker
	result.Consensus.AsOf = o.clock.Now()
	return o.gw.UpsertAnalystConsensus(ctx, result.Consensus)
}
