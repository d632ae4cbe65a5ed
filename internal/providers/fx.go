package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantdesk/marketpipe/internal/domain"
)

// FxAdapter is a keyless fallback quote source: a single GET against a
// public JSON endpoint, no credential required. It exists to give the
// Failover Router a third, independent source for price_quote and
// existence_probe so a ticker isn't reaped on a single provider's say-so
// (cross-provider agreement is required before delisting).
type FxAdapter struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

func NewFxAdapter(log zerolog.Logger) *FxAdapter {
	return &FxAdapter{
		baseURL: "https://stooq.com/q/l",
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		log: log.With().Str("component", "fx").Logger(),
	}
}

func (f *FxAdapter) Name() string { return "fx" }

func (f *FxAdapter) Capabilities() []domain.Capability {
	return []domain.Capability{
		domain.CapabilityPriceQuote,
		domain.CapabilityExistenceProbe,
	}
}

type fxQuote struct {
	Symbol string  `json:"symbol"`
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

func (f *FxAdapter) fetch(ctx context.Context, ticker string) (fxQuote, domain.Outcome, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL, nil)
	if err != nil {
		return fxQuote{}, domain.OutcomeTransientError, fmt.Errorf("failed to build request: %w", err)
	}
	q := req.URL.Query()
	q.Set("s", ticker)
	q.Set("f", "sd2t2ohlcv")
	q.Set("i", "d")
	req.URL.RawQuery = q.Encode()

	resp, err := f.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fxQuote{}, domain.OutcomeTransientError, ctx.Err()
		}
		return fxQuote{}, domain.OutcomeTransientError, fmt.Errorf("fx request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fxQuote{}, domain.OutcomeTransientError, fmt.Errorf("failed to read fx response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return fxQuote{}, domain.OutcomeTransientError, fmt.Errorf("fx server error: status %d", resp.StatusCode)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return fxQuote{}, domain.OutcomeRateLimited, fmt.Errorf("fx rate limited: status %d", resp.StatusCode)
	}

	var quote fxQuote
	if err := json.Unmarshal(body, &quote); err != nil {
		return fxQuote{}, domain.OutcomeTransientError, fmt.Errorf("schema mismatch decoding fx quote: %w", err)
	}
	if quote.Symbol == "" || quote.Close <= 0 {
		return fxQuote{}, domain.OutcomeNotFound, fmt.Errorf("no fx quote for %s", ticker)
	}
	return quote, domain.OutcomeOK, nil
}

func (f *FxAdapter) PriceQuote(ctx context.Context, apiKey, ticker string) Result[domain.OHLCV] {
	quote, outcome, err := f.fetch(ctx, ticker)
	if outcome != domain.OutcomeOK {
		return failed[domain.OHLCV](outcome, err)
	}
	date, _ := time.Parse("2006-01-02", quote.Date)
	return ok(domain.OHLCV{
		Date:   date,
		Open:   quote.Open,
		High:   quote.High,
		Low:    quote.Low,
		Close:  quote.Close,
		Volume: quote.Volume,
	})
}

func (f *FxAdapter) ExistenceProbe(ctx context.Context, apiKey, ticker string) Result[ExistenceProbeResult] {
	_, outcome, err := f.fetch(ctx, ticker)
	switch outcome {
	case domain.OutcomeOK:
		return ok(ExistenceProbeResult{Exists: true})
	case domain.OutcomeNotFound:
		return ok(ExistenceProbeResult{Exists: false})
	default:
		return failed[ExistenceProbeResult](outcome, err)
	}
}

func (f *FxAdapter) PriceHistory(ctx context.Context, apiKey, ticker string, from, to time.Time) Result[[]domain.OHLCV] {
	return failed[[]domain.OHLCV](domain.OutcomeNotFound, f.capabilityGap("price_history"))
}

func (f *FxAdapter) FundamentalsSnapshot(ctx context.Context, apiKey, ticker string) Result[domain.FundamentalSnapshot] {
	return failed[domain.FundamentalSnapshot](domain.OutcomeNotFound, f.capabilityGap("fundamentals_snapshot"))
}

func (f *FxAdapter) EarningsCalendar(ctx context.Context, apiKey, ticker string, window time.Duration) Result[[]domain.EarningsEvent] {
	return failed[[]domain.EarningsEvent](domain.OutcomeNotFound, f.capabilityGap("earnings_calendar"))
}

func (f *FxAdapter) AnalystRecommendations(ctx context.Context, apiKey, ticker string) Result[domain.AnalystConsensus] {
	return failed[domain.AnalystConsensus](domain.OutcomeNotFound, f.capabilityGap("analyst_recommendations"))
}

func (f *FxAdapter) capabilityGap(capability string) error {
	return (unsupported{provider: f.Name()}).result(capability)
}
