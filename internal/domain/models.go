// Package domain provides the core data model shared by every stage of the
// pipeline: the Provider Adapter, the Failover Router, the Indicator and
// Ratio engines, the Scorer, the Priority Orchestrator and the Persistence
// Gateway all exchange these types rather than ad-hoc maps.
package domain

import "time"

// Outcome classifies the result of a single adapter call. It is the
// vocabulary the Failover Router and the Existence Reaper both reason about.
type Outcome string

const (
	OutcomeOK             Outcome = "ok"
	OutcomeNotFound       Outcome = "not_found"
	OutcomeRateLimited    Outcome = "rate_limited"
	OutcomeTransientError Outcome = "transient_error"
	OutcomeAuthError      Outcome = "auth_error"
)

// Capability is a named query kind an adapter can serve.
type Capability string

const (
	CapabilityPriceQuote            Capability = "price_quote"
	CapabilityPriceHistory          Capability = "price_history"
	CapabilityFundamentalsSnapshot  Capability = "fundamentals_snapshot"
	CapabilityEarningsCalendar      Capability = "earnings_calendar"
	CapabilityAnalystRecommendations Capability = "analyst_recommendations"
	CapabilityExistenceProbe        Capability = "existence_probe"
)

// Instrument is the immutable identifier for a tracked equity.
type Instrument struct {
	Ticker     string
	Name       string
	Sector     string
	AssetClass string // optional, empty if unknown
	Delisted   bool
	CreatedAt  time.Time
}

// OHLCV is one day's raw trade data for an instrument.
type OHLCV struct {
	Date   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// Indicators is the fixed set of technical indicators the Indicator Engine
// produces for one price point. Every field is nullable: a nil pointer means
// "insufficient_data", never a zero value standing in for "unknown".
type Indicators struct {
	EMA20  *float64
	EMA50  *float64
	EMA100 *float64
	EMA200 *float64

	RSI14 *float64

	MACD       *float64
	MACDSignal *float64
	MACDHist   *float64

	BollingerUpper  *float64
	BollingerMiddle *float64
	BollingerLower  *float64
	BollingerPctB   *float64 // literal position, may exceed [0,1]

	ATR14 *float64

	ADX14  *float64
	PlusDI *float64
	MinusDI *float64

	CCI20 *float64 // clipped to [-300,300]

	StochK *float64 // clipped to [0,100]
	StochD *float64

	VWAP *float64
	OBV  *float64 // wide precision, survives large cumulative magnitudes
	VPT  *float64

	PivotPoint *float64
	Support1   *float64
	Support2   *float64
	Resistance1 *float64
	Resistance2 *float64

	SwingHigh5  *float64
	SwingLow5   *float64
	SwingHigh10 *float64
	SwingLow10  *float64
	SwingHigh20 *float64
	SwingLow20  *float64

	High52Week *float64
	Low52Week  *float64

	BarCount int // number of bars the indicators were computed from
}

// PricePoint is one (ticker, date) row: raw OHLCV plus derived indicators.
type PricePoint struct {
	Ticker     string
	OHLCV      OHLCV
	Indicators Indicators
}

// FundamentalField names one column of FundamentalSnapshot so provenance can
// be tracked per field without an open/dynamic dictionary.
type FundamentalField string

const (
	FieldRevenue            FundamentalField = "revenue"
	FieldNetIncome          FundamentalField = "net_income"
	FieldTotalAssets        FundamentalField = "total_assets"
	FieldTotalDebt          FundamentalField = "total_debt"
	FieldTotalEquity        FundamentalField = "total_equity"
	FieldCurrentAssets      FundamentalField = "current_assets"
	FieldCurrentLiabilities FundamentalField = "current_liabilities"
	FieldCostOfGoodsSold    FundamentalField = "cost_of_goods_sold"
	FieldOperatingIncome    FundamentalField = "operating_income"
	FieldEBITDA             FundamentalField = "ebitda"
	FieldFreeCashFlow       FundamentalField = "free_cash_flow"
	FieldSharesOutstanding  FundamentalField = "shares_outstanding"
	FieldMarketCap          FundamentalField = "market_cap"
	FieldEnterpriseValue    FundamentalField = "enterprise_value"
	FieldEPSDiluted         FundamentalField = "eps_diluted"
	FieldBookValuePerShare  FundamentalField = "book_value_per_share"
)

// RequiredFundamentalFields is the set the Failover Router must populate
// before it stops querying adapters for fundamentals_snapshot.
var RequiredFundamentalFields = []FundamentalField{
	FieldRevenue, FieldNetIncome, FieldTotalAssets, FieldTotalDebt,
	FieldTotalEquity, FieldSharesOutstanding, FieldMarketCap, FieldEPSDiluted,
}

// Provenance records which adapter populated a field and how much to trust it.
type Provenance struct {
	Source     string
	Confidence float64 // in [0,1]
}

// FundamentalSnapshot is a closed struct (not an open dictionary) with one
// optional field per line item, plus a parallel provenance map keyed by field
// name. (ticker, fiscal_period_end, source) is the logical unique key.
type FundamentalSnapshot struct {
	Ticker          string
	FiscalPeriodEnd time.Time
	Source          string

	Revenue            *float64
	NetIncome          *float64
	TotalAssets        *float64
	TotalDebt          *float64
	TotalEquity        *float64
	CurrentAssets      *float64
	CurrentLiabilities *float64
	CostOfGoodsSold    *float64
	OperatingIncome    *float64
	EBITDA             *float64
	FreeCashFlow       *float64
	SharesOutstanding  *float64
	MarketCap          *float64
	EnterpriseValue    *float64
	EPSDiluted         *float64
	BookValuePerShare  *float64

	Provenance map[FundamentalField]Provenance
}

// Get returns the value of a field by name, for code that needs to iterate
// RequiredFundamentalFields generically (e.g. data_confidence calculation).
func (s *FundamentalSnapshot) Get(f FundamentalField) *float64 {
	switch f {
	case FieldRevenue:
		return s.Revenue
	case FieldNetIncome:
		return s.NetIncome
	case FieldTotalAssets:
		return s.TotalAssets
	case FieldTotalDebt:
		return s.TotalDebt
	case FieldTotalEquity:
		return s.TotalEquity
	case FieldCurrentAssets:
		return s.CurrentAssets
	case FieldCurrentLiabilities:
		return s.CurrentLiabilities
	case FieldCostOfGoodsSold:
		return s.CostOfGoodsSold
	case FieldOperatingIncome:
		return s.OperatingIncome
	case FieldEBITDA:
		return s.EBITDA
	case FieldFreeCashFlow:
		return s.FreeCashFlow
	case FieldSharesOutstanding:
		return s.SharesOutstanding
	case FieldMarketCap:
		return s.MarketCap
	case FieldEnterpriseValue:
		return s.EnterpriseValue
	case FieldEPSDiluted:
		return s.EPSDiluted
	case FieldBookValuePerShare:
		return s.BookValuePerShare
	default:
		return nil
	}
}

// Set assigns a field by name along with its provenance.
func (s *FundamentalSnapshot) Set(f FundamentalField, value float64, prov Provenance) {
	v := value
	switch f {
	case FieldRevenue:
		s.Revenue = &v
	case FieldNetIncome:
		s.NetIncome = &v
	case FieldTotalAssets:
		s.TotalAssets = &v
	case FieldTotalDebt:
		s.TotalDebt = &v
	case FieldTotalEquity:
		s.TotalEquity = &v
	case FieldCurrentAssets:
		s.CurrentAssets = &v
	case FieldCurrentLiabilities:
		s.CurrentLiabilities = &v
	case FieldCostOfGoodsSold:
		s.CostOfGoodsSold = &v
	case FieldOperatingIncome:
		s.OperatingIncome = &v
	case FieldEBITDA:
		s.EBITDA = &v
	case FieldFreeCashFlow:
		s.FreeCashFlow = &v
	case FieldSharesOutstanding:
		s.SharesOutstanding = &v
	case FieldMarketCap:
		s.MarketCap = &v
	case FieldEnterpriseValue:
		s.EnterpriseValue = &v
	case FieldEPSDiluted:
		s.EPSDiluted = &v
	case FieldBookValuePerShare:
		s.BookValuePerShare = &v
	default:
		return
	}
	if s.Provenance == nil {
		s.Provenance = make(map[FundamentalField]Provenance)
	}
	s.Provenance[f] = prov
}

// RatioRow is the (ticker, as_of_date) derived ratio row.
type RatioRow struct {
	Ticker  string
	AsOf    time.Time

	// Valuation
	PE           *float64
	PB           *float64
	PS           *float64
	EVToEBITDA   *float64
	PEG          *float64
	GrahamNumber *float64

	// Profitability
	ROE           *float64
	ROA           *float64
	ROIC          *float64
	GrossMargin   *float64
	OperatingMargin *float64
	NetMargin     *float64

	// Health
	DebtToEquity     *float64
	CurrentRatio     *float64
	QuickRatio       *float64
	InterestCoverage *float64
	AltmanZ          *float64

	// Efficiency
	AssetTurnover      *float64
	InventoryTurnover  *float64
	ReceivablesTurnover *float64

	// Growth YoY
	RevenueGrowth *float64
	EarningsGrowth *float64
	FCFGrowth     *float64

	// Quality
	FCFToNetIncome     *float64
	CashConversionCycle *float64

	// Market
	MarketCap       *float64
	EnterpriseValue *float64
}

// RatingBucket is one of the five analyst recommendation buckets.
type RatingBucket string

const (
	RatingStrongBuy  RatingBucket = "strong_buy"
	RatingBuy        RatingBucket = "buy"
	RatingHold       RatingBucket = "hold"
	RatingSell       RatingBucket = "sell"
	RatingStrongSell RatingBucket = "strong_sell"
)

// AnalystConsensus is the (ticker, as_of_date) analyst-rating rollup.
type AnalystConsensus struct {
	Ticker         string
	AsOf           time.Time
	Counts         map[RatingBucket]int
	ConsensusScore float64 // derived, 0-100
	MeanTarget     *float64
	MedianTarget   *float64
	Source         string
}

// Grade is the five-level categorical label derived from a 0-100 score.
type Grade string

const (
	GradeStrongSell Grade = "Strong Sell"
	GradeSell       Grade = "Sell"
	GradeNeutral    Grade = "Neutral"
	GradeBuy        Grade = "Buy"
	GradeStrongBuy  Grade = "Strong Buy"
)

// GradeFromScore maps a 0-100 score onto the five-level grade scale.
func GradeFromScore(score float64) Grade {
	switch {
	case score < 20:
		return GradeStrongSell
	case score < 40:
		return GradeSell
	case score < 60:
		return GradeNeutral
	case score < 80:
		return GradeBuy
	default:
		return GradeStrongBuy
	}
}

// ComponentScore is one named 0-100 score with its categorical grade.
type ComponentScore struct {
	Score float64
	Grade Grade
}

// ScoreRow is the (ticker, as_of_date) composite score row. History is
// append-only; the current row is upserted in place (invariant f).
type ScoreRow struct {
	Ticker    string
	AsOf      time.Time

	FundamentalHealth ComponentScore
	ValueInvestment   ComponentScore
	TechnicalHealth   ComponentScore
	TradingSignal     ComponentScore
	Risk              ComponentScore

	Composite      float64
	CompositeGrade Grade

	DataConfidence  float64 // populated_inputs / required_inputs, capped at 1
	MissingFields   []string
	EstimatedFields []string
	LowConfidence   bool
	Version         string
}

// EarningsEvent is the (ticker, event_date) earnings calendar row.
type EarningsEvent struct {
	Ticker    string
	EventDate time.Time
	Reported  bool
	Source    string
}

// ApiBudget is a point-in-time snapshot of the run's shared call budget,
// suitable for logging and the run summary. The live, concurrently-updated
// counter lives in internal/budget; this is its reporting shape.
type ApiBudget struct {
	Total            int64
	Remaining        int64
	ProviderCounters map[string]int64
	KeyCounters      map[string]int64
	KeyWindowResetAt map[string]time.Time
}
