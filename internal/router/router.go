// Package router implements the Failover Router: per query kind it walks an
// ordered adapter list, advancing on rate_limited/transient_error/not_found,
// and for fundamentals_snapshot performs field-level fallback across
// providers rather than stopping at the first ok.
package router

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantdesk/marketpipe/internal/budget"
	"github.com/quantdesk/marketpipe/internal/domain"
	"github.com/quantdesk/marketpipe/internal/keypool"
	"github.com/quantdesk/marketpipe/internal/providers"
)

// ProviderBinding ties an adapter instance to its failover rank and the base
// confidence recorded for the fields it supplies.
type ProviderBinding struct {
	Adapter         providers.Adapter
	Rank            int
	BaseConfidence  float64 // recorded as-is when the adapter gives no per-field confidence; not adjusted for staleness
}

// Router dispatches capability queries across the configured providers.
type Router struct {
	log      zerolog.Logger
	pool     *keypool.Pool
	budget   *budget.Budget
	bindings []ProviderBinding // sorted by Rank ascending
	apiKeys  map[string]string // credential ID -> API key, see New

	mu      sync.Mutex
	breaker map[string][]domain.Outcome // provider -> last N outcomes, most recent last
}

const breakerWindow = 5

// New builds a Router. bindings need not be pre-sorted; New sorts them by
// Rank. apiKeys maps a Key Pool credential ID back to the actual key
// material the pool itself never stores (it only tracks call-window and
// health bookkeeping, not secrets). b is the shared run budget: every call
// acquireAndCall makes is first cleared against it, so a worker that would
// push the budget below zero never issues the call.
func New(log zerolog.Logger, pool *keypool.Pool, b *budget.Budget, bindings []ProviderBinding, apiKeys map[string]string) *Router {
	sorted := make([]ProviderBinding, len(bindings))
	copy(sorted, bindings)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Rank < sorted[j].Rank })
	return &Router{
		log:      log.With().Str("component", "router").Logger(),
		pool:     pool,
		budget:   b,
		bindings: sorted,
		apiKeys:  apiKeys,
		breaker:  make(map[string][]domain.Outcome),
	}
}

// ResetBreakers clears the per-provider circuit breaker state. The
// orchestrator calls this once per priority so a provider outage in P1
// doesn't permanently exclude the provider from later priorities.
func (r *Router) ResetBreakers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breaker = make(map[string][]domain.Outcome)
}

// AnyCredentialAvailable reports whether any provider still has an
// admissible credential. When it returns false the orchestrator hard-stops
// the run: every external call would fail with NoCredentialAvailable anyway.
func (r *Router) AnyCredentialAvailable() bool {
	return r.pool.AnyAdmissible(time.Now())
}

func (r *Router) recordBreaker(provider string, outcome domain.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hist := r.breaker[provider]
	hist = append(hist, outcome)
	if len(hist) > breakerWindow {
		hist = hist[len(hist)-breakerWindow:]
	}
	r.breaker[provider] = hist
}

// tripped reports whether a provider's last breakerWindow calls were all
// non-ok, additive safety beyond the per-credential health score.
func (r *Router) tripped(provider string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	hist := r.breaker[provider]
	if len(hist) < breakerWindow {
		return false
	}
	for _, o := range hist {
		if o == domain.OutcomeOK {
			return false
		}
	}
	return true
}

func (r *Router) bindingsFor(capability domain.Capability) []ProviderBinding {
	var out []ProviderBinding
	for _, b := range r.bindings {
		for _, c := range b.Adapter.Capabilities() {
			if c == capability {
				out = append(out, b)
				break
			}
		}
	}
	return out
}

// acquireAndCall runs one adapter call under a Key Pool credential, and
// reports the outcome back to both the pool and the circuit breaker. It
// returns ran=false when no credential is available or the provider's
// breaker has tripped, signaling the caller to advance immediately without
// making a call. It also clears every call against the shared run budget
// before dialing out; when the budget is already spent it returns
// ran=false, budgetExhausted=true so the caller stops trying further
// providers instead of burning the rest of the failover chain on calls
// that would all be refused the same way.
func (r *Router) acquireAndCall(ctx context.Context, provider string, call func(apiKey string) domain.Outcome) (ran bool, budgetExhausted bool) {
	if r.tripped(provider) {
		return false, false
	}
	cred, err := r.pool.Acquire(provider, time.Now())
	if err != nil {
		return false, false
	}
	if !r.budget.TryAcquire(provider, cred.CredentialID) {
		return false, true
	}
	outcome := call(r.apiKeys[cred.CredentialID])
	r.pool.Report(cred.CredentialID, outcome)
	r.recordBreaker(provider, outcome)
	return true, false
}

// ExistenceVote is one provider's answer to an existence probe.
type ExistenceVote struct {
	Provider string
	Outcome  domain.Outcome
	Exists   bool
}

// ProbeExistence queries every configured existence_probe adapter
// exhaustively — unlike the other capabilities it never stops at the first
// answer, since the Existence Reaper needs cross-provider agreement.
func (r *Router) ProbeExistence(ctx context.Context, ticker string) []ExistenceVote {
	var votes []ExistenceVote
	for _, b := range r.bindingsFor(domain.CapabilityExistenceProbe) {
		provider := b.Adapter.Name()
		var result providers.Result[providers.ExistenceProbeResult]
		ran, budgetExhausted := r.acquireAndCall(ctx, provider, func(apiKey string) domain.Outcome {
			result = b.Adapter.ExistenceProbe(ctx, apiKey, ticker)
			return result.Outcome
		})
		if budgetExhausted {
			break
		}
		if !ran {
			continue
		}
		votes = append(votes, ExistenceVote{Provider: provider, Outcome: result.Outcome, Exists: result.Data.Exists})
	}
	return votes
}

// QuoteResult is the router's answer for a single-valued capability.
type QuoteResult struct {
	Data            domain.OHLCV
	SourcePrimary   string
	Found           bool
	BudgetExhausted bool
}

// QueryPriceQuote runs the failover chain for price_quote: advance on
// rate_limited/transient_error/not_found, stop at the first ok.
func (r *Router) QueryPriceQuote(ctx context.Context, ticker string) QuoteResult {
	for _, b := range r.bindingsFor(domain.CapabilityPriceQuote) {
		if ctx.Err() != nil {
			return QuoteResult{}
		}
		provider := b.Adapter.Name()
		var result providers.Result[domain.OHLCV]
		ran, budgetExhausted := r.acquireAndCall(ctx, provider, func(apiKey string) domain.Outcome {
			result = b.Adapter.PriceQuote(ctx, apiKey, ticker)
			return result.Outcome
		})
		if budgetExhausted {
			return QuoteResult{BudgetExhausted: true}
		}
		if !ran {
			continue
		}
		if result.Outcome == domain.OutcomeOK {
			return QuoteResult{Data: result.Data, SourcePrimary: provider, Found: true}
		}
	}
	return QuoteResult{}
}

// HistoryResult is the router's answer for price_history.
type HistoryResult struct {
	Bars            []domain.OHLCV
	SourcePrimary   string
	Found           bool
	BudgetExhausted bool
}

// QueryPriceHistory runs the failover chain for price_history.
func (r *Router) QueryPriceHistory(ctx context.Context, ticker string, from, to time.Time) HistoryResult {
	for _, b := range r.bindingsFor(domain.CapabilityPriceHistory) {
		if ctx.Err() != nil {
			return HistoryResult{}
		}
		provider := b.Adapter.Name()
		var result providers.Result[[]domain.OHLCV]
		ran, budgetExhausted := r.acquireAndCall(ctx, provider, func(apiKey string) domain.Outcome {
			result = b.Adapter.PriceHistory(ctx, apiKey, ticker, from, to)
			return result.Outcome
		})
		if budgetExhausted {
			return HistoryResult{BudgetExhausted: true}
		}
		if !ran {
			continue
		}
		if result.Outcome == domain.OutcomeOK && len(result.Data) > 0 {
			return HistoryResult{Bars: result.Data, SourcePrimary: provider, Found: true}
		}
	}
	return HistoryResult{}
}

// EarningsResult is the router's answer for earnings_calendar.
type EarningsResult struct {
	Events          []domain.EarningsEvent
	SourcePrimary   string
	Found           bool
	BudgetExhausted bool
}

func (r *Router) QueryEarningsCalendar(ctx context.Context, ticker string, window time.Duration) EarningsResult {
	for _, b := range r.bindingsFor(domain.CapabilityEarningsCalendar) {
		if ctx.Err() != nil {
			return EarningsResult{}
		}
		provider := b.Adapter.Name()
		var result providers.Result[[]domain.EarningsEvent]
		ran, budgetExhausted := r.acquireAndCall(ctx, provider, func(apiKey string) domain.Outcome {
			result = b.Adapter.EarningsCalendar(ctx, apiKey, ticker, window)
			return result.Outcome
		})
		if budgetExhausted {
			return EarningsResult{BudgetExhausted: true}
		}
		if !ran {
			continue
		}
		if result.Outcome == domain.OutcomeOK {
			return EarningsResult{Events: result.Data, SourcePrimary: provider, Found: true}
		}
	}
	return EarningsResult{}
}

// AnalystResult is the router's answer for analyst_recommendations.
type AnalystResult struct {
	Consensus       domain.AnalystConsensus
	SourcePrimary   string
	Found           bool
	BudgetExhausted bool
}

func (r *Router) QueryAnalystRecommendations(ctx context.Context, ticker string) AnalystResult {
	for _, b := range r.bindingsFor(domain.CapabilityAnalystRecommendations) {
		if ctx.Err() != nil {
			return AnalystResult{}
		}
		provider := b.Adapter.Name()
		var result providers.Result[domain.AnalystConsensus]
		ran, budgetExhausted := r.acquireAndCall(ctx, provider, func(apiKey string) domain.Outcome {
			result = b.Adapter.AnalystRecommendations(ctx, apiKey, ticker)
			return result.Outcome
		})
		if budgetExhausted {
			return AnalystResult{BudgetExhausted: true}
		}
		if !ran {
			continue
		}
		if result.Outcome == domain.OutcomeOK {
			return AnalystResult{Consensus: result.Data, SourcePrimary: provider, Found: true}
		}
	}
	return AnalystResult{}
}

// FundamentalsResult is the router's field-level-fallback answer for
// fundamentals_snapshot.
type FundamentalsResult struct {
	Data            domain.FundamentalSnapshot
	SourcePrimary   string
	SourcesUsed     []string
	FieldsMissing   []string
	SuccessRate     float64
	BudgetExhausted bool
}

// QueryFundamentalsSnapshot performs field-level fallback: it queries the
// adapters in rank order until every required field is populated. From each
// ok answer it keeps every field (required or not) that is still
// unpopulated, with (source, confidence) provenance per field; later
// adapters are asked for a whole snapshot, of which only the fields still
// missing are kept.
func (r *Router) QueryFundamentalsSnapshot(ctx context.Context, ticker string) FundamentalsResult {
	merged := domain.FundamentalSnapshot{
		Ticker:     ticker,
		Provenance: map[domain.FundamentalField]domain.Provenance{},
	}
	var sourcesUsed []string
	sourcePrimary := ""
	budgetExhausted := false
	fundamentalFields := []domain.FundamentalField{
		domain.FieldRevenue, domain.FieldNetIncome, domain.FieldTotalAssets, domain.FieldTotalDebt,
		domain.FieldTotalEquity, domain.FieldCurrentAssets, domain.FieldCurrentLiabilities,
		domain.FieldCostOfGoodsSold, domain.FieldOperatingIncome, domain.FieldEBITDA,
		domain.FieldFreeCashFlow, domain.FieldSharesOutstanding, domain.FieldMarketCap,
		domain.FieldEnterpriseValue, domain.FieldEPSDiluted, domain.FieldBookValuePerShare,
	}

	for _, b := range r.bindingsFor(domain.CapabilityFundamentalsSnapshot) {
		if ctx.Err() != nil {
			break
		}
		if allRequiredPopulated(&merged) {
			break
		}
		provider := b.Adapter.Name()
		var result providers.Result[domain.FundamentalSnapshot]
		ran, exhausted := r.acquireAndCall(ctx, provider, func(apiKey string) domain.Outcome {
			result = b.Adapter.FundamentalsSnapshot(ctx, apiKey, ticker)
			return result.Outcome
		})
		if exhausted {
			budgetExhausted = true
			break
		}
		if !ran || result.Outcome != domain.OutcomeOK {
			continue
		}

		populatedAny := false
		for _, field := range fundamentalFields {
			if merged.Get(field) != nil {
				continue
			}
			v := result.Data.Get(field)
			if v == nil {
				continue
			}
			confidence := b.BaseConfidence
			if prov, ok := result.Data.Provenance[field]; ok {
				confidence = prov.Confidence
			}
			merged.Set(field, *v, domain.Provenance{Source: provider, Confidence: confidence})
			populatedAny = true
		}
		if merged.FiscalPeriodEnd.IsZero() {
			merged.FiscalPeriodEnd = result.Data.FiscalPeriodEnd
		}
		if populatedAny {
			sourcesUsed = append(sourcesUsed, provider)
			if sourcePrimary == "" {
				sourcePrimary = provider
				merged.Source = provider
			}
		}
	}

	var missing []string
	populated := 0
	for _, field := range domain.RequiredFundamentalFields {
		if merged.Get(field) != nil {
			populated++
		} else {
			missing = append(missing, string(field))
		}
	}

	return FundamentalsResult{
		Data:            merged,
		SourcePrimary:   sourcePrimary,
		SourcesUsed:     sourcesUsed,
		FieldsMissing:   missing,
		SuccessRate:     float64(populated) / float64(len(domain.RequiredFundamentalFields)),
		BudgetExhausted: budgetExhausted,
	}
}

func allRequiredPopulated(s *domain.FundamentalSnapshot) bool {
	for _, field := range domain.RequiredFundamentalFields {
		if s.Get(field) == nil {
			return false
		}
	}
	return true
}

