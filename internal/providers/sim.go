package providers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quantdesk/marketpipe/internal/domain"
)

// SimAdapter is an in-memory fake used only by tests: it returns
// pre-programmed results per ticker so the Failover Router, Existence
// Reaper, and orchestrator tests can be driven deterministically without a
// network.
type SimAdapter struct {
	mu   sync.Mutex
	name string
	caps []domain.Capability

	Quotes        map[string]Result[domain.OHLCV]
	History       map[string]Result[[]domain.OHLCV]
	Fundamentals  map[string]Result[domain.FundamentalSnapshot]
	Earnings      map[string]Result[[]domain.EarningsEvent]
	Analysts      map[string]Result[domain.AnalystConsensus]
	Existence     map[string]Result[ExistenceProbeResult]

	Calls int
}

func NewSimAdapter(name string, caps []domain.Capability) *SimAdapter {
	return &SimAdapter{
		name:         name,
		caps:         caps,
		Quotes:       map[string]Result[domain.OHLCV]{},
		History:      map[string]Result[[]domain.OHLCV]{},
		Fundamentals: map[string]Result[domain.FundamentalSnapshot]{},
		Earnings:     map[string]Result[[]domain.EarningsEvent]{},
		Analysts:     map[string]Result[domain.AnalystConsensus]{},
		Existence:    map[string]Result[ExistenceProbeResult]{},
	}
}

func (s *SimAdapter) Name() string                      { return s.name }
func (s *SimAdapter) Capabilities() []domain.Capability { return s.caps }

func (s *SimAdapter) countCall() {
	s.mu.Lock()
	s.Calls++
	s.mu.Unlock()
}

func (s *SimAdapter) PriceQuote(ctx context.Context, apiKey, ticker string) Result[domain.OHLCV] {
	s.countCall()
	if r, ok := s.Quotes[ticker]; ok {
		return r
	}
	return failed[domain.OHLCV](domain.OutcomeNotFound, fmt.Errorf("%s: no programmed quote", ticker))
}

func (s *SimAdapter) PriceHistory(ctx context.Context, apiKey, ticker string, from, to time.Time) Result[[]domain.OHLCV] {
	s.countCall()
	if r, ok := s.History[ticker]; ok {
		return r
	}
	return failed[[]domain.OHLCV](domain.OutcomeNotFound, fmt.Errorf("%s: no programmed history", ticker))
}

func (s *SimAdapter) FundamentalsSnapshot(ctx context.Context, apiKey, ticker string) Result[domain.FundamentalSnapshot] {
	s.countCall()
	if r, ok := s.Fundamentals[ticker]; ok {
		return r
	}
	return failed[domain.FundamentalSnapshot](domain.OutcomeNotFound, fmt.Errorf("%s: no programmed fundamentals", ticker))
}

func (s *SimAdapter) EarningsCalendar(ctx context.Context, apiKey, ticker string, window time.Duration) Result[[]domain.EarningsEvent] {
	s.countCall()
	if r, ok := s.Earnings[ticker]; ok {
		return r
	}
	return failed[[]domain.EarningsEvent](domain.OutcomeNotFound, fmt.Errorf("%s: no programmed earnings", ticker))
}

func (s *SimAdapter) AnalystRecommendations(ctx context.Context, apiKey, ticker string) Result[domain.AnalystConsensus] {
	s.countCall()
	if r, ok := s.Analysts[ticker]; ok {
		return r
	}
	return failed[domain.AnalystConsensus](domain.OutcomeNotFound, fmt.Errorf("%s: no programmed analyst data", ticker))
}

func (s *SimAdapter) ExistenceProbe(ctx context.Context, apiKey, ticker string) Result[ExistenceProbeResult] {
	s.countCall()
	if r, ok := s.Existence[ticker]; ok {
		return r
	}
	return failed[ExistenceProbeResult](domain.OutcomeNotFound, fmt.Errorf("%s: no programmed existence probe", ticker))
}
