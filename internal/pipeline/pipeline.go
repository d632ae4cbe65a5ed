// Package pipeline wires the Rate-Limited Key Pool, Provider Adapters,
// Failover Router, Indicator/Ratio engines, Scorer, Existence Reaper and
// Persistence Gateway into one daily run — a service graph built for a
// single batch run rather than a long-lived server process.
package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantdesk/marketpipe/internal/budget"
	"github.com/quantdesk/marketpipe/internal/config"
	"github.com/quantdesk/marketpipe/internal/domain"
	"github.com/quantdesk/marketpipe/internal/indicators"
	"github.com/quantdesk/marketpipe/internal/keypool"
	"github.com/quantdesk/marketpipe/internal/orchestrator"
	"github.com/quantdesk/marketpipe/internal/persistence"
	"github.com/quantdesk/marketpipe/internal/providers"
	"github.com/quantdesk/marketpipe/internal/ratios"
	"github.com/quantdesk/marketpipe/internal/reaper"
	"github.com/quantdesk/marketpipe/internal/router"
	"github.com/quantdesk/marketpipe/internal/scorer"
)

// Summary is the run_daily_pipeline(options) -> Summary external interface,
// the structured result downstream consumers read.
type Summary struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Priorities []orchestrator.PriorityResult
	Reaped     []reaper.Decision
	// LowConfidenceTickers lists tickers whose score this run fell below the
	// configured confidence threshold, for downstream consumers to filter.
	LowConfidenceTickers []string
	Budget               struct {
		Total       int64
		Remaining   int64
		PerProvider map[string]int64
	}
	HaltedEarly bool
	HaltReason  string
}

// Options tunes one call to RunDaily without reloading configuration.
type Options struct {
	ForceRun bool
}

// Pipeline owns the full service graph for one daily run.
type Pipeline struct {
	log  zerolog.Logger
	cfg  *config.Config
	gw   *persistence.Gateway
	orch *orchestrator.Orchestrator
}

type systemCalendar struct{ loc *time.Location }

// IsTradingDay treats Saturday and Sunday as non-trading days. A market
// holiday calendar is out of scope; this is the simplest rule that
// satisfies P1's "skip on non-trading days" gate.
func (c systemCalendar) IsTradingDay(t time.Time) bool {
	wd := t.In(c.loc).Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// New builds a Pipeline from loaded configuration, opening the persistence
// gateway and wiring the Key Pool, Provider Adapters, Failover Router and
// the computation engines into a single Orchestrator.
func New(log zerolog.Logger, cfg *config.Config) (*Pipeline, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("pipeline: load timezone: %w", err)
	}

	gw, err := persistence.Open(log, cfg.DataDir+"/marketpipe.db")
	if err != nil {
		return nil, fmt.Errorf("pipeline: open persistence: %w", err)
	}

	store := keypool.NewStore(gw.DB().Conn())
	if err := store.EnsureSchema(); err != nil {
		return nil, fmt.Errorf("pipeline: ensure keypool schema: %w", err)
	}

	limits := map[string]keypool.Limits{}
	for _, p := range cfg.Providers {
		limits[p.Name] = providerLimits(p.Name)
	}
	pool := keypool.New(log, loc, limits, store)

	apiKeys := map[string]string{}
	bindings := make([]router.ProviderBinding, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		adapter := buildAdapter(log, p.Name)
		if adapter == nil {
			continue
		}
		for _, cred := range p.Credentials {
			pool.Register(p.Name, cred.ID, time.Now())
			apiKeys[cred.ID] = cred.APIKey
		}
		bindings = append(bindings, router.ProviderBinding{Adapter: adapter, Rank: p.Rank, BaseConfidence: confidenceFor(p.Rank)})
	}

	if err := seedUniverse(context.Background(), log, gw, cfg.UniverseSource); err != nil {
		return nil, fmt.Errorf("pipeline: seed universe: %w", err)
	}

	apiBudget := budget.New(int64(cfg.APICallBudgetTotal))
	rt := router.New(log, pool, apiBudget, bindings, apiKeys)
	rp := reaper.New(log, rt, gw, cfg.DelistingMinAgreement)

	orch := orchestrator.New(
		log, orchestrator.SystemClock, systemCalendar{loc: loc}, apiBudget,
		orchestrator.Config{
			Deadlines:             priorityDeadlines(cfg.PriorityDeadlines),
			Concurrency:           cfg.WorkerConcurrency,
			MinHistoryBars:        cfg.MinHistoryBars,
			EarningsWindow:        14 * 24 * time.Hour,
			DelistingMinAgreement: cfg.DelistingMinAgreement,
			AnalystPageSize:       cfg.WorkerConcurrency * 10,
			ForceRun:              cfg.ForceRun,
		},
		gw, gw, rt,
		indicators.New(), ratios.NewWithRanges(cfg.SectorRanges),
		scorer.New(scorer.WeightsFromConfig(cfg.ScoringWeights), cfg.ConfidenceThreshold),
		rp,
	)

	return &Pipeline{log: log.With().Str("component", "pipeline").Logger(), cfg: cfg, gw: gw, orch: orch}, nil
}

// Close releases the persistence gateway's database connection.
func (p *Pipeline) Close() error { return p.gw.Close() }

// HealthCheck reports whether the persistence gateway's database is
// reachable, for the admin server's liveness endpoint. It only pings —
// the deeper PRAGMA integrity_check runs during Maintain instead, since it
// scans every table and is too expensive for a request-path health check.
func (p *Pipeline) HealthCheck(ctx context.Context) error {
	return p.gw.DB().QuickCheck(ctx)
}

// RunDaily executes one full INIT->P1..P6->REAP->DONE cycle and returns its
// structured summary.
func (p *Pipeline) RunDaily(ctx context.Context, opts Options) (Summary, error) {
	if opts.ForceRun {
		p.cfg.ForceRun = true
	}
	runID := uuid.New().String()
	p.log.Info().Str("run_id", runID).Bool("force_run", p.cfg.ForceRun).Msg("starting daily run")

	report := p.orch.Run(ctx)

	summary := Summary{
		RunID:     runID,
		StartedAt: report.StartedAt, FinishedAt: report.FinishedAt,
		Priorities: report.Priorities, Reaped: report.Reaped,
		LowConfidenceTickers: report.LowConfidence,
		HaltedEarly:          report.HaltedEarly, HaltReason: report.HaltReason,
	}
	summary.Budget.Total = report.Budget.Total
	summary.Budget.Remaining = report.Budget.Remaining
	summary.Budget.PerProvider = report.Budget.ProviderCounters

	for _, pr := range report.Priorities {
		switch {
		case pr.Status == orchestrator.StatusSkipped && pr.Reason == "budget_exhausted":
			err := ErrBudgetExhausted{Priority: string(pr.Priority)}
			p.log.Warn().Err(err).Str("run_id", runID).Msg("priority skipped")
		case pr.Status == orchestrator.StatusPartial && pr.Reason == "deadline_exceeded":
			err := ErrDeadlineExceeded{Priority: string(pr.Priority)}
			p.log.Warn().Err(err).Str("run_id", runID).Int("processed", pr.Processed).Int("selected", pr.Selected).Msg("priority returned partial")
		}
	}

	p.log.Info().Bool("halted_early", report.HaltedEarly).Int("priorities_run", len(report.Priorities)).Msg("daily run finished")

	vacuum := report.FinishedAt.Weekday() == time.Sunday
	if err := p.gw.Maintain(ctx, vacuum); err != nil {
		p.log.Warn().Err(err).Msg("post-run maintenance failed")
	}

	return summary, nil
}

// seedUniverse loads the tracked-ticker seed into the stocks table. source
// is a path to a text file with one `ticker[,name[,sector]]` entry per line;
// the opaque "default" identifier (or a missing file) means the universe is
// managed externally and seeding is skipped. Existing rows are never
// overwritten, so a seed file can be left in place across runs.
func seedUniverse(ctx context.Context, log zerolog.Logger, gw *persistence.Gateway, source string) error {
	if source == "" || source == "default" {
		return nil
	}
	f, err := os.Open(source)
	if err != nil {
		log.Warn().Err(err).Str("source", source).Msg("universe seed file not readable, skipping seeding")
		return nil
	}
	defer f.Close()

	seeded := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ",", 3)
		inst := domain.Instrument{Ticker: strings.ToUpper(strings.TrimSpace(parts[0])), CreatedAt: time.Now()}
		if len(parts) > 1 {
			inst.Name = strings.TrimSpace(parts[1])
		}
		if len(parts) > 2 {
			inst.Sector = strings.TrimSpace(parts[2])
		}
		if inst.Ticker == "" {
			continue
		}
		if err := gw.EnsureInstrument(ctx, inst); err != nil {
			return err
		}
		seeded++
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	log.Info().Int("tickers", seeded).Str("source", source).Msg("universe seeded")
	return nil
}

func buildAdapter(log zerolog.Logger, name string) providers.Adapter {
	switch name {
	case "alpha":
		return providers.NewAlphaAdapter(log)
	case "finnhub":
		return providers.NewFinnhubAdapter(log)
	case "figi":
		return providers.NewFigiAdapter(log)
	case "fx":
		return providers.NewFxAdapter(log)
	default:
		return nil
	}
}

// providerLimits mirrors each provider's documented call window; unknown
// providers get a conservative default rather than an unbounded window.
func providerLimits(name string) keypool.Limits {
	switch name {
	case "alpha":
		return keypool.Limits{PerMinute: 5, PerDay: 500}
	case "finnhub":
		return keypool.Limits{PerMinute: 60, PerDay: 50000}
	case "figi":
		return keypool.Limits{PerMinute: 20, PerDay: 25000}
	case "fx":
		return keypool.Limits{PerMinute: 30, PerDay: 100000}
	default:
		return keypool.Limits{PerMinute: 5, PerDay: 500}
	}
}

// confidenceFor gives a higher base confidence to lower-ranked (earlier)
// providers in the failover chain. The router records it as a field's
// provenance confidence when the adapter supplies none; its field-level
// merging takes fields in rank order and never compares confidences.
func confidenceFor(rank int) float64 {
	switch rank {
	case 0:
		return 0.9
	case 1:
		return 0.75
	default:
		return 0.6
	}
}

func priorityDeadlines(m map[string]time.Duration) map[orchestrator.Priority]time.Duration {
	out := make(map[orchestrator.Priority]time.Duration, len(m))
	for k, v := range m {
		out[orchestrator.Priority(k)] = v
	}
	return out
}
