package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantdesk/marketpipe/internal/domain"
)

// AlphaAdapter talks to Alpha Vantage's free-tier REST API: a flat
// query-string API, a daily request quota enforced by the caller (not this
// adapter — adapters never retry or rate-limit themselves; that belongs to
// the Rate-Limited Key Pool one layer up), and a handful of response shapes
// that all carry an optional top-level "Note" (rate limit) or "Error
// Message" (bad symbol) field ahead of the real payload.
type AlphaAdapter struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewAlphaAdapter builds an Alpha Vantage adapter. apiKey is supplied
// per-call by the router (it owns the credential from the Key Pool), not at
// construction time, so one adapter instance serves every credential.
func NewAlphaAdapter(log zerolog.Logger) *AlphaAdapter {
	return &AlphaAdapter{
		baseURL: "https://www.alphavantage.co/query",
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		log: log.With().Str("component", "alpha").Logger(),
	}
}

func (a *AlphaAdapter) Name() string { return "alpha" }

func (a *AlphaAdapter) Capabilities() []domain.Capability {
	return []domain.Capability{
		domain.CapabilityPriceQuote,
		domain.CapabilityPriceHistory,
		domain.CapabilityFundamentalsSnapshot,
		domain.CapabilityEarningsCalendar,
		domain.CapabilityExistenceProbe,
	}
}

// envelope captures the two error shapes Alpha Vantage overlays on every
// endpoint's response body ahead of the real payload.
type alphaEnvelope struct {
	Note         string `json:"Note,omitempty"`
	ErrorMessage string `json:"Error Message,omitempty"`
	Information  string `json:"Information,omitempty"`
}

func (a *AlphaAdapter) get(ctx context.Context, function, apiKey, ticker string, extra map[string]string) ([]byte, domain.Outcome, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL, nil)
	if err != nil {
		return nil, domain.OutcomeTransientError, fmt.Errorf("failed to build request: %w", err)
	}
	q := req.URL.Query()
	q.Set("function", function)
	q.Set("symbol", ticker)
	q.Set("apikey", apiKey)
	for k, v := range extra {
		q.Set(k, v)
	}
	req.URL.RawQuery = q.Encode()

	resp, err := a.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, domain.OutcomeTransientError, ctx.Err()
		}
		return nil, domain.OutcomeTransientError, fmt.Errorf("alpha vantage request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.OutcomeTransientError, fmt.Errorf("failed to read response body: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, domain.OutcomeAuthError, fmt.Errorf("alpha vantage auth error: status %d", resp.StatusCode)
	case http.StatusTooManyRequests:
		return nil, domain.OutcomeRateLimited, fmt.Errorf("alpha vantage rate limited: status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 500 {
		return nil, domain.OutcomeTransientError, fmt.Errorf("alpha vantage server error: status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, domain.OutcomeTransientError, fmt.Errorf("alpha vantage client error: status %d", resp.StatusCode)
	}

	var env alphaEnvelope
	if err := json.Unmarshal(body, &env); err == nil {
		switch {
		case env.Note != "":
			return nil, domain.OutcomeRateLimited, fmt.Errorf("alpha vantage note: %s", env.Note)
		case env.ErrorMessage != "":
			return nil, domain.OutcomeNotFound, fmt.Errorf("alpha vantage error: %s", env.ErrorMessage)
		case env.Information != "":
			return nil, domain.OutcomeTransientError, fmt.Errorf("alpha vantage information: %s", env.Information)
		}
	}

	return body, domain.OutcomeOK, nil
}

func (a *AlphaAdapter) PriceQuote(ctx context.Context, apiKey, ticker string) Result[domain.OHLCV] {
	body, outcome, err := a.get(ctx, "GLOBAL_QUOTE", apiKey, ticker, nil)
	if outcome != domain.OutcomeOK {
		return failed[domain.OHLCV](outcome, err)
	}

	var payload struct {
		Quote struct {
			Open   string `json:"02. open"`
			High   string `json:"03. high"`
			Low    string `json:"04. low"`
			Price  string `json:"05. price"`
			Volume string `json:"06. volume"`
			Date   string `json:"07. latest trading day"`
		} `json:"Global Quote"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return failed[domain.OHLCV](domain.OutcomeTransientError, fmt.Errorf("schema mismatch decoding global quote: %w", err))
	}
	if payload.Quote.Price == "" {
		return failed[domain.OHLCV](domain.OutcomeNotFound, fmt.Errorf("empty global quote for %s", ticker))
	}

	date, _ := time.Parse("2006-01-02", payload.Quote.Date)
	return ok(domain.OHLCV{
		Date:   date,
		Open:   parseFloat(payload.Quote.Open),
		High:   parseFloat(payload.Quote.High),
		Low:    parseFloat(payload.Quote.Low),
		Close:  parseFloat(payload.Quote.Price),
		Volume: parseInt(payload.Quote.Volume),
	})
}

func (a *AlphaAdapter) PriceHistory(ctx context.Context, apiKey, ticker string, from, to time.Time) Result[[]domain.OHLCV] {
	body, outcome, err := a.get(ctx, "TIME_SERIES_DAILY", apiKey, ticker, map[string]string{"outputsize": "full"})
	if outcome != domain.OutcomeOK {
		return failed[[]domain.OHLCV](outcome, err)
	}

	var payload struct {
		Series map[string]struct {
			Open   string `json:"1. open"`
			High   string `json:"2. high"`
			Low    string `json:"3. low"`
			Close  string `json:"4. close"`
			Volume string `json:"5. volume"`
		} `json:"Time Series (Daily)"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return failed[[]domain.OHLCV](domain.OutcomeTransientError, fmt.Errorf("schema mismatch decoding daily series: %w", err))
	}
	if len(payload.Series) == 0 {
		return failed[[]domain.OHLCV](domain.OutcomeNotFound, fmt.Errorf("empty daily series for %s", ticker))
	}

	bars := make([]domain.OHLCV, 0, len(payload.Series))
	for dateStr, bar := range payload.Series {
		date, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			continue
		}
		if date.Before(from) || date.After(to) {
			continue
		}
		bars = append(bars, domain.OHLCV{
			Date:   date,
			Open:   parseFloat(bar.Open),
			High:   parseFloat(bar.High),
			Low:    parseFloat(bar.Low),
			Close:  parseFloat(bar.Close),
			Volume: parseInt(bar.Volume),
		})
	}
	// the series decodes from a JSON object, so bars arrive unordered; the
	// indicator engine requires oldest-first.
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })
	return ok(bars)
}

func (a *AlphaAdapter) FundamentalsSnapshot(ctx context.Context, apiKey, ticker string) Result[domain.FundamentalSnapshot] {
	body, outcome, err := a.get(ctx, "OVERVIEW", apiKey, ticker, nil)
	if outcome != domain.OutcomeOK {
		return failed[domain.FundamentalSnapshot](outcome, err)
	}

	var payload map[string]string
	if err := json.Unmarshal(body, &payload); err != nil {
		return failed[domain.FundamentalSnapshot](domain.OutcomeTransientError, fmt.Errorf("schema mismatch decoding overview: %w", err))
	}
	if payload["Symbol"] == "" {
		return failed[domain.FundamentalSnapshot](domain.OutcomeNotFound, fmt.Errorf("empty overview for %s", ticker))
	}

	snap := domain.FundamentalSnapshot{
		Ticker: ticker,
		Source: a.Name(),
	}
	if fpe, err := time.Parse("2006-01-02", payload["LatestQuarter"]); err == nil {
		snap.FiscalPeriodEnd = fpe
	}

	set := func(field domain.FundamentalField, key string, confidence float64) {
		raw, has := payload[key]
		if !has || raw == "" || raw == "None" {
			return
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return
		}
		snap.Set(field, v, domain.Provenance{Source: a.Name(), Confidence: confidence})
	}
	set(domain.FieldRevenue, "RevenueTTM", 0.9)
	set(domain.FieldMarketCap, "MarketCapitalization", 0.95)
	set(domain.FieldEPSDiluted, "DilutedEPSTTM", 0.9)
	set(domain.FieldSharesOutstanding, "SharesOutstanding", 0.9)
	set(domain.FieldBookValuePerShare, "BookValue", 0.85)
	set(domain.FieldEBITDA, "EBITDA", 0.85)

	// OVERVIEW carries no statement-level figures; fill the rest from the
	// income statement, balance sheet and cash flow endpoints, best-effort.
	// A transient failure on any of them leaves those fields unpopulated for
	// the router's field-level fallback to complete from another provider.
	a.enrichFromStatements(ctx, apiKey, ticker, &snap)

	return ok(snap)
}

// statementReport is the shape shared by Alpha Vantage's annualReports
// arrays: every figure is a stringified number or "None".
type statementReport map[string]string

func (a *AlphaAdapter) latestAnnualReport(ctx context.Context, function, apiKey, ticker string) statementReport {
	body, outcome, err := a.get(ctx, function, apiKey, ticker, nil)
	if outcome != domain.OutcomeOK {
		a.log.Debug().Err(err).Str("function", function).Str("ticker", ticker).Msg("statement fetch failed")
		return nil
	}
	var payload struct {
		AnnualReports []statementReport `json:"annualReports"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || len(payload.AnnualReports) == 0 {
		return nil
	}
	return payload.AnnualReports[0]
}

func (a *AlphaAdapter) enrichFromStatements(ctx context.Context, apiKey, ticker string, snap *domain.FundamentalSnapshot) {
	setFrom := func(report statementReport, field domain.FundamentalField, key string, confidence float64) {
		if report == nil || snap.Get(field) != nil {
			return
		}
		raw, has := report[key]
		if !has || raw == "" || raw == "None" {
			return
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return
		}
		snap.Set(field, v, domain.Provenance{Source: a.Name(), Confidence: confidence})
	}

	income := a.latestAnnualReport(ctx, "INCOME_STATEMENT", apiKey, ticker)
	setFrom(income, domain.FieldNetIncome, "netIncome", 0.9)
	setFrom(income, domain.FieldRevenue, "totalRevenue", 0.85)
	setFrom(income, domain.FieldCostOfGoodsSold, "costOfRevenue", 0.85)
	setFrom(income, domain.FieldOperatingIncome, "operatingIncome", 0.85)
	setFrom(income, domain.FieldEBITDA, "ebitda", 0.8)

	balance := a.latestAnnualReport(ctx, "BALANCE_SHEET", apiKey, ticker)
	setFrom(balance, domain.FieldTotalAssets, "totalAssets", 0.9)
	setFrom(balance, domain.FieldTotalDebt, "shortLongTermDebtTotal", 0.85)
	setFrom(balance, domain.FieldTotalEquity, "totalShareholderEquity", 0.9)
	setFrom(balance, domain.FieldCurrentAssets, "totalCurrentAssets", 0.85)
	setFrom(balance, domain.FieldCurrentLiabilities, "totalCurrentLiabilities", 0.85)

	cashflow := a.latestAnnualReport(ctx, "CASH_FLOW", apiKey, ticker)
	if cashflow != nil && snap.FreeCashFlow == nil {
		op, opErr := strconv.ParseFloat(cashflow["operatingCashflow"], 64)
		capex, capErr := strconv.ParseFloat(cashflow["capitalExpenditures"], 64)
		if opErr == nil && capErr == nil {
			snap.Set(domain.FieldFreeCashFlow, op-capex, domain.Provenance{Source: a.Name(), Confidence: 0.8})
		}
	}
}

func (a *AlphaAdapter) EarningsCalendar(ctx context.Context, apiKey, ticker string, window time.Duration) Result[[]domain.EarningsEvent] {
	body, outcome, err := a.get(ctx, "EARNINGS", apiKey, ticker, nil)
	if outcome != domain.OutcomeOK {
		return failed[[]domain.EarningsEvent](outcome, err)
	}

	var payload struct {
		QuarterlyEarnings []struct {
			FiscalDateEnding string `json:"fiscalDateEnding"`
			ReportedDate     string `json:"reportedDate"`
		} `json:"quarterlyEarnings"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return failed[[]domain.EarningsEvent](domain.OutcomeTransientError, fmt.Errorf("schema mismatch decoding earnings: %w", err))
	}

	now := time.Now()
	events := make([]domain.EarningsEvent, 0, len(payload.QuarterlyEarnings))
	for _, q := range payload.QuarterlyEarnings {
		date, err := time.Parse("2006-01-02", q.ReportedDate)
		if err != nil {
			continue
		}
		if date.Before(now.Add(-window)) || date.After(now.Add(window)) {
			continue
		}
		events = append(events, domain.EarningsEvent{
			Ticker:    ticker,
			EventDate: date,
			Reported:  !date.After(now),
			Source:    a.Name(),
		})
	}
	return ok(events)
}

func (a *AlphaAdapter) AnalystRecommendations(ctx context.Context, apiKey, ticker string) Result[domain.AnalystConsensus] {
	return failed[domain.AnalystConsensus](domain.OutcomeNotFound, a.capabilityGap("analyst_recommendations"))
}

func (a *AlphaAdapter) ExistenceProbe(ctx context.Context, apiKey, ticker string) Result[ExistenceProbeResult] {
	body, outcome, err := a.get(ctx, "SYMBOL_SEARCH", apiKey, ticker, map[string]string{"keywords": ticker})
	if outcome != domain.OutcomeOK {
		return failed[ExistenceProbeResult](outcome, err)
	}

	var payload struct {
		Matches []struct {
			Symbol string `json:"1. symbol"`
		} `json:"bestMatches"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return failed[ExistenceProbeResult](domain.OutcomeTransientError, fmt.Errorf("schema mismatch decoding symbol search: %w", err))
	}
	for _, m := range payload.Matches {
		if m.Symbol == ticker {
			return ok(ExistenceProbeResult{Exists: true})
		}
	}
	return ok(ExistenceProbeResult{Exists: false})
}

func (a *AlphaAdapter) capabilityGap(capability string) error {
	return (unsupported{provider: a.Name()}).result(capability)
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func parseInt(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}
