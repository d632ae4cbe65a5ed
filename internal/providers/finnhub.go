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

// FinnhubAdapter talks to Finnhub's REST API. It is the pipeline's only
// source for analyst recommendation trends, and doubles as a secondary
// quote/earnings-calendar/existence source behind the primary provider.
// The API key travels in the X-Finnhub-Token header rather than the query
// string.
type FinnhubAdapter struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

func NewFinnhubAdapter(log zerolog.Logger) *FinnhubAdapter {
	return &FinnhubAdapter{
		baseURL: "https://finnhub.io/api/v1",
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		log: log.With().Str("component", "finnhub").Logger(),
	}
}

func (f *FinnhubAdapter) Name() string { return "finnhub" }

func (f *FinnhubAdapter) Capabilities() []domain.Capability {
	return []domain.Capability{
		domain.CapabilityPriceQuote,
		domain.CapabilityEarningsCalendar,
		domain.CapabilityAnalystRecommendations,
		domain.CapabilityExistenceProbe,
	}
}

func (f *FinnhubAdapter) get(ctx context.Context, apiKey, path string, params map[string]string) ([]byte, domain.Outcome, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+path, nil)
	if err != nil {
		return nil, domain.OutcomeTransientError, fmt.Errorf("failed to build request: %w", err)
	}
	q := req.URL.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("X-Finnhub-Token", apiKey)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, domain.OutcomeTransientError, ctx.Err()
		}
		return nil, domain.OutcomeTransientError, fmt.Errorf("finnhub request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.OutcomeTransientError, fmt.Errorf("failed to read finnhub response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, domain.OutcomeAuthError, fmt.Errorf("finnhub auth error: status %d", resp.StatusCode)
	case http.StatusTooManyRequests:
		return nil, domain.OutcomeRateLimited, fmt.Errorf("finnhub rate limited: status %d", resp.StatusCode)
	case http.StatusNotFound:
		return nil, domain.OutcomeNotFound, fmt.Errorf("finnhub: %s not found", path)
	}
	if resp.StatusCode >= 500 {
		return nil, domain.OutcomeTransientError, fmt.Errorf("finnhub server error: status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, domain.OutcomeTransientError, fmt.Errorf("finnhub client error: status %d", resp.StatusCode)
	}
	return body, domain.OutcomeOK, nil
}

func (f *FinnhubAdapter) PriceQuote(ctx context.Context, apiKey, ticker string) Result[domain.OHLCV] {
	body, outcome, err := f.get(ctx, apiKey, "/quote", map[string]string{"symbol": ticker})
	if outcome != domain.OutcomeOK {
		return failed[domain.OHLCV](outcome, err)
	}

	var payload struct {
		Current  float64 `json:"c"`
		High     float64 `json:"h"`
		Low      float64 `json:"l"`
		Open     float64 `json:"o"`
		Time     int64   `json:"t"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return failed[domain.OHLCV](domain.OutcomeTransientError, fmt.Errorf("schema mismatch decoding quote: %w", err))
	}
	// Finnhub answers unknown symbols with an all-zero quote rather than 404.
	if payload.Current == 0 && payload.Time == 0 {
		return failed[domain.OHLCV](domain.OutcomeNotFound, fmt.Errorf("empty quote for %s", ticker))
	}
	return ok(domain.OHLCV{
		Date:  time.Unix(payload.Time, 0).UTC(),
		Open:  payload.Open,
		High:  payload.High,
		Low:   payload.Low,
		Close: payload.Current,
	})
}

func (f *FinnhubAdapter) EarningsCalendar(ctx context.Context, apiKey, ticker string, window time.Duration) Result[[]domain.EarningsEvent] {
	now := time.Now()
	body, outcome, err := f.get(ctx, apiKey, "/calendar/earnings", map[string]string{
		"symbol": ticker,
		"from":   now.Add(-window).Format("2006-01-02"),
		"to":     now.Add(window).Format("2006-01-02"),
	})
	if outcome != domain.OutcomeOK {
		return failed[[]domain.EarningsEvent](outcome, err)
	}

	var payload struct {
		Calendar []struct {
			Date   string `json:"date"`
			Symbol string `json:"symbol"`
		} `json:"earningsCalendar"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return failed[[]domain.EarningsEvent](domain.OutcomeTransientError, fmt.Errorf("schema mismatch decoding earnings calendar: %w", err))
	}

	events := make([]domain.EarningsEvent, 0, len(payload.Calendar))
	for _, entry := range payload.Calendar {
		if entry.Symbol != ticker {
			continue
		}
		date, err := time.Parse("2006-01-02", entry.Date)
		if err != nil {
			continue
		}
		events = append(events, domain.EarningsEvent{
			Ticker:    ticker,
			EventDate: date,
			Reported:  !date.After(now),
			Source:    f.Name(),
		})
	}
	return ok(events)
}

func (f *FinnhubAdapter) AnalystRecommendations(ctx context.Context, apiKey, ticker string) Result[domain.AnalystConsensus] {
	body, outcome, err := f.get(ctx, apiKey, "/stock/recommendation", map[string]string{"symbol": ticker})
	if outcome != domain.OutcomeOK {
		return failed[domain.AnalystConsensus](outcome, err)
	}

	var trends []struct {
		StrongBuy  int    `json:"strongBuy"`
		Buy        int    `json:"buy"`
		Hold       int    `json:"hold"`
		Sell       int    `json:"sell"`
		StrongSell int    `json:"strongSell"`
		Period     string `json:"period"`
	}
	if err := json.Unmarshal(body, &trends); err != nil {
		return failed[domain.AnalystConsensus](domain.OutcomeTransientError, fmt.Errorf("schema mismatch decoding recommendations: %w", err))
	}
	if len(trends) == 0 {
		return failed[domain.AnalystConsensus](domain.OutcomeNotFound, fmt.Errorf("no recommendation trend for %s", ticker))
	}

	// trends arrive most recent first; only the latest period feeds consensus.
	latest := trends[0]
	counts := map[domain.RatingBucket]int{
		domain.RatingStrongBuy:  latest.StrongBuy,
		domain.RatingBuy:        latest.Buy,
		domain.RatingHold:       latest.Hold,
		domain.RatingSell:       latest.Sell,
		domain.RatingStrongSell: latest.StrongSell,
	}
	return ok(domain.AnalystConsensus{
		Ticker:         ticker,
		Counts:         counts,
		ConsensusScore: consensusFromCounts(counts),
		Source:         f.Name(),
	})
}

// consensusFromCounts collapses the five rating buckets into a 0-100 score:
// strong_buy anchors at 100, strong_sell at 0, the middle buckets at evenly
// spaced steps between. An empty bucket set scores 0, which callers treat as
// "no consensus" rather than "strong sell".
func consensusFromCounts(counts map[domain.RatingBucket]int) float64 {
	anchors := map[domain.RatingBucket]float64{
		domain.RatingStrongBuy:  100,
		domain.RatingBuy:        75,
		domain.RatingHold:       50,
		domain.RatingSell:       25,
		domain.RatingStrongSell: 0,
	}
	total := 0
	weighted := 0.0
	for bucket, n := range counts {
		total += n
		weighted += anchors[bucket] * float64(n)
	}
	if total == 0 {
		return 0
	}
	return weighted / float64(total)
}

func (f *FinnhubAdapter) ExistenceProbe(ctx context.Context, apiKey, ticker string) Result[ExistenceProbeResult] {
	body, outcome, err := f.get(ctx, apiKey, "/search", map[string]string{"q": ticker})
	if outcome != domain.OutcomeOK {
		return failed[ExistenceProbeResult](outcome, err)
	}

	var payload struct {
		Result []struct {
			Symbol string `json:"symbol"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return failed[ExistenceProbeResult](domain.OutcomeTransientError, fmt.Errorf("schema mismatch decoding search: %w", err))
	}
	for _, r := range payload.Result {
		if r.Symbol == ticker {
			return ok(ExistenceProbeResult{Exists: true})
		}
	}
	return ok(ExistenceProbeResult{Exists: false})
}

func (f *FinnhubAdapter) PriceHistory(ctx context.Context, apiKey, ticker string, from, to time.Time) Result[[]domain.OHLCV] {
	return failed[[]domain.OHLCV](domain.OutcomeNotFound, f.capabilityGap("price_history"))
}

func (f *FinnhubAdapter) FundamentalsSnapshot(ctx context.Context, apiKey, ticker string) Result[domain.FundamentalSnapshot] {
	return failed[domain.FundamentalSnapshot](domain.OutcomeNotFound, f.capabilityGap("fundamentals_snapshot"))
}

func (f *FinnhubAdapter) capabilityGap(capability string) error {
	return (unsupported{provider: f.Name()}).result(capability)
}
