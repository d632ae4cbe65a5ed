package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantdesk/marketpipe/internal/domain"
)

// FigiAdapter talks to Bloomberg's OpenFIGI mapping API: a POST-based
// mapping lookup, backed by an in-process last-good cache per ticker that
// serves stale data on transport failure rather than failing the call
// outright, since this adapter runs once per priority rather than as a
// long-lived service.
//
// OpenFIGI has no financial statement data, so its fundamentals_snapshot
// contribution is deliberately thin: it confirms the ticker maps to a real
// security and leaves every numeric field unpopulated, letting the Failover
// Router's field-level fallback fill them in from a richer provider.
type FigiAdapter struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger

	mu         sync.Mutex
	staleCache map[string]figiMapping
}

type figiMapping struct {
	Ticker string
	Found  bool
	At     time.Time
}

func NewFigiAdapter(log zerolog.Logger) *FigiAdapter {
	return &FigiAdapter{
		baseURL: "https://api.openfigi.com/v3/mapping",
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		log:        log.With().Str("component", "figi").Logger(),
		staleCache: make(map[string]figiMapping),
	}
}

func (f *FigiAdapter) Name() string { return "figi" }

func (f *FigiAdapter) Capabilities() []domain.Capability {
	return []domain.Capability{
		domain.CapabilityFundamentalsSnapshot,
		domain.CapabilityExistenceProbe,
	}
}

type figiMappingRequest struct {
	IDType  string `json:"idType"`
	IDValue string `json:"idValue"`
}

type figiMappingResult struct {
	FIGI   string `json:"figi"`
	Ticker string `json:"ticker"`
	Name   string `json:"name"`
}

type figiMappingResponse struct {
	Data  []figiMappingResult `json:"data,omitempty"`
	Error string              `json:"error,omitempty"`
}

func (f *FigiAdapter) lookup(ctx context.Context, apiKey, ticker string) (figiMapping, domain.Outcome, error) {
	reqBody, err := json.Marshal([]figiMappingRequest{{IDType: "TICKER", IDValue: ticker}})
	if err != nil {
		return figiMapping{}, domain.OutcomeTransientError, fmt.Errorf("failed to marshal mapping request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL, bytes.NewReader(reqBody))
	if err != nil {
		return figiMapping{}, domain.OutcomeTransientError, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-OPENFIGI-APIKEY", apiKey)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		if stale, found := f.getStale(ticker); found {
			f.log.Warn().Err(err).Str("ticker", ticker).Msg("falling back to stale figi mapping after transport failure")
			return stale, domain.OutcomeOK, nil
		}
		return figiMapping{}, domain.OutcomeTransientError, fmt.Errorf("figi request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return figiMapping{}, domain.OutcomeTransientError, fmt.Errorf("failed to read figi response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return figiMapping{}, domain.OutcomeAuthError, fmt.Errorf("figi auth error: status %d", resp.StatusCode)
	case http.StatusTooManyRequests:
		return figiMapping{}, domain.OutcomeRateLimited, fmt.Errorf("figi rate limited: status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 500 {
		return figiMapping{}, domain.OutcomeTransientError, fmt.Errorf("figi server error: status %d", resp.StatusCode)
	}

	var results []figiMappingResponse
	if err := json.Unmarshal(body, &results); err != nil {
		return figiMapping{}, domain.OutcomeTransientError, fmt.Errorf("schema mismatch decoding figi response: %w", err)
	}
	if len(results) == 0 {
		return figiMapping{}, domain.OutcomeNotFound, fmt.Errorf("empty figi response for %s", ticker)
	}
	if results[0].Error != "" || len(results[0].Data) == 0 {
		m := figiMapping{Ticker: ticker, Found: false, At: time.Now()}
		f.setStale(ticker, m)
		return m, domain.OutcomeOK, nil
	}

	m := figiMapping{Ticker: ticker, Found: true, At: time.Now()}
	f.setStale(ticker, m)
	return m, domain.OutcomeOK, nil
}

func (f *FigiAdapter) getStale(ticker string) (figiMapping, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.staleCache[ticker]
	return m, ok
}

func (f *FigiAdapter) setStale(ticker string, m figiMapping) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staleCache[ticker] = m
}

func (f *FigiAdapter) FundamentalsSnapshot(ctx context.Context, apiKey, ticker string) Result[domain.FundamentalSnapshot] {
	m, outcome, err := f.lookup(ctx, apiKey, ticker)
	if outcome != domain.OutcomeOK {
		return failed[domain.FundamentalSnapshot](outcome, err)
	}
	if !m.Found {
		return failed[domain.FundamentalSnapshot](domain.OutcomeNotFound, fmt.Errorf("%s: no figi mapping", ticker))
	}
	return ok(domain.FundamentalSnapshot{
		Ticker:          ticker,
		FiscalPeriodEnd: m.At,
		Source:          f.Name(),
		Provenance:      map[domain.FundamentalField]domain.Provenance{},
	})
}

func (f *FigiAdapter) ExistenceProbe(ctx context.Context, apiKey, ticker string) Result[ExistenceProbeResult] {
	m, outcome, err := f.lookup(ctx, apiKey, ticker)
	if outcome != domain.OutcomeOK {
		return failed[ExistenceProbeResult](outcome, err)
	}
	return ok(ExistenceProbeResult{Exists: m.Found})
}

func (f *FigiAdapter) PriceQuote(ctx context.Context, apiKey, ticker string) Result[domain.OHLCV] {
	return failed[domain.OHLCV](domain.OutcomeNotFound, f.capabilityGap("price_quote"))
}

func (f *FigiAdapter) PriceHistory(ctx context.Context, apiKey, ticker string, from, to time.Time) Result[[]domain.OHLCV] {
	return failed[[]domain.OHLCV](domain.OutcomeNotFound, f.capabilityGap("price_history"))
}

func (f *FigiAdapter) EarningsCalendar(ctx context.Context, apiKey, ticker string, window time.Duration) Result[[]domain.EarningsEvent] {
	return failed[[]domain.EarningsEvent](domain.OutcomeNotFound, f.capabilityGap("earnings_calendar"))
}

func (f *FigiAdapter) AnalystRecommendations(ctx context.Context, apiKey, ticker string) Result[domain.AnalystConsensus] {
	return failed[domain.AnalystConsensus](domain.OutcomeNotFound, f.capabilityGap("analyst_recommendations"))
}

func (f *FigiAdapter) capabilityGap(capability string) error {
	return (unsupported{provider: f.Name()}).result(capability)
}
