// Package ratios computes the Ratio Engine's derived financial ratios from a
// FundamentalSnapshot and a current price, applying a null-on-missing/
// non-positive/implausible policy to every output.
package ratios

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/quantdesk/marketpipe/internal/domain"
)

// Engine computes RatioRow from a current and (optionally) a prior-period
// FundamentalSnapshot plus the current market price.
type Engine struct {
	ranges map[string]map[string]PlausibleRange
}

// New builds an Engine using the default sector-range table.
func New() *Engine { return NewWithRanges(DefaultSectorRanges()) }

// NewWithRanges builds an Engine against a caller-supplied sector-range
// table, so it can be loaded from configuration instead of this package's
// own default. A nil or empty ranges falls back to DefaultSectorRanges.
func NewWithRanges(ranges map[string]map[string]PlausibleRange) *Engine {
	if len(ranges) == 0 {
		ranges = DefaultSectorRanges()
	}
	return &Engine{ranges: ranges}
}

// Compute derives every ratio across the engine's seven categories. prior
// may be nil; growth ratios are then left null. sector selects the
// plausibility band; an unrecognized sector falls back to "default" (see
// sector_ranges.go).
func (e *Engine) Compute(current, prior *domain.FundamentalSnapshot, price float64, sector string, asOf domain.RatioRow) domain.RatioRow {
	row := asOf
	if current == nil {
		return row
	}

	eps := derive(current.EPSDiluted)
	shares := derive(current.SharesOutstanding)
	netIncome := derive(current.NetIncome)
	revenue := derive(current.Revenue)
	totalAssets := derive(current.TotalAssets)
	totalDebt := derive(current.TotalDebt)
	totalEquity := derive(current.TotalEquity)
	currentAssets := derive(current.CurrentAssets)
	currentLiabilities := derive(current.CurrentLiabilities)
	cogs := derive(current.CostOfGoodsSold)
	operatingIncome := derive(current.OperatingIncome)
	ebitda := derive(current.EBITDA)
	fcf := derive(current.FreeCashFlow)
	bookValuePerShare := derive(current.BookValuePerShare)

	marketCap := nz(current.MarketCap)
	if marketCap == nil && shares != nil && price > 0 {
		v := price * *shares
		marketCap = &v
	}
	row.MarketCap = marketCap

	var enterpriseValue *float64
	if marketCap != nil && totalDebt != nil {
		cash := 0.0 // not separately modeled in FundamentalSnapshot; treated as netted into TotalDebt upstream
		v := *marketCap + *totalDebt - cash
		enterpriseValue = &v
	}
	row.EnterpriseValue = enterpriseValue

	// --- Valuation ---
	// PE and PB divide a market price by a fundamental; positive() only
	// guards the denominator, so a missing/zero price must be rejected here
	// too, or a ticker with no quote yields a spurious PE=0/PB=0 instead of
	// null.
	row.PE = e.ratio(sector, "pe", andBool(price > 0, positive(eps)), func() float64 { return price / *eps })
	row.PB = e.ratio(sector, "pb", andBool(price > 0, positive(bookValuePerShare)), func() float64 { return price / *bookValuePerShare })
	if revenue != nil && marketCap != nil && *revenue > 0 {
		row.PS = e.ratio(sector, "ps", ptr(*revenue > 0), func() float64 { return *marketCap / *revenue })
	}
	if ebitda != nil && enterpriseValue != nil && *ebitda > 0 {
		row.EVToEBITDA = e.ratio(sector, "ev_ebitda", ptr(true), func() float64 { return *enterpriseValue / *ebitda })
	}
	if row.PE != nil && prior != nil {
		if priorEPS := derive(prior.EPSDiluted); priorEPS != nil && eps != nil && *priorEPS > 0 {
			growth := (*eps - *priorEPS) / *priorEPS * 100
			if growth > 0 {
				peg := *row.PE / growth
				row.PEG = &peg
			}
		}
	}
	if eps != nil && bookValuePerShare != nil && *eps > 0 && *bookValuePerShare > 0 {
		graham := math.Sqrt(22.5 * *eps * *bookValuePerShare)
		row.GrahamNumber = &graham
	}

	// --- Profitability ---
	if netIncome != nil && totalEquity != nil && *totalEquity > 0 {
		v := *netIncome / *totalEquity
		row.ROE = &v
	}
	if netIncome != nil && totalAssets != nil && *totalAssets > 0 {
		v := *netIncome / *totalAssets
		row.ROA = &v
	}
	if operatingIncome != nil && totalDebt != nil && totalEquity != nil && (*totalDebt+*totalEquity) > 0 {
		v := operatingAfterTaxApprox(*operatingIncome) / (*totalDebt + *totalEquity)
		row.ROIC = &v
	}
	if revenue != nil && cogs != nil && *revenue > 0 {
		v := (*revenue - *cogs) / *revenue
		row.GrossMargin = &v
	}
	if revenue != nil && operatingIncome != nil && *revenue > 0 {
		v := *operatingIncome / *revenue
		row.OperatingMargin = &v
	}
	if revenue != nil && netIncome != nil && *revenue > 0 {
		v := *netIncome / *revenue
		row.NetMargin = &v
	}

	// --- Health ---
	if totalDebt != nil && totalEquity != nil && *totalEquity > 0 {
		v := e.ratio(sector, "debt_equity", ptr(true), func() float64 { return *totalDebt / *totalEquity })
		row.DebtToEquity = v
	}
	if currentAssets != nil && currentLiabilities != nil && *currentLiabilities > 0 {
		v := *currentAssets / *currentLiabilities
		row.CurrentRatio = &v
	}
	// QuickRatio needs an inventory figure the snapshot does not carry, so it
	// stays null like the other inventory-dependent ratios.
	row.AltmanZ = e.altmanZ(totalAssets, totalLiabilities(totalDebt), revenue, ebitda, marketCap, totalEquity)

	// --- Efficiency ---
	if revenue != nil && totalAssets != nil && *totalAssets > 0 {
		v := *revenue / *totalAssets
		row.AssetTurnover = &v
	}

	// --- Growth YoY ---
	if prior != nil {
		row.RevenueGrowth = growthYoY(revenue, derive(prior.Revenue))
		row.EarningsGrowth = growthYoY(netIncome, derive(prior.NetIncome))
		row.FCFGrowth = growthYoY(fcf, derive(prior.FreeCashFlow))
	}

	// --- Quality ---
	if fcf != nil && netIncome != nil && *netIncome > 0 {
		v := *fcf / *netIncome
		row.FCFToNetIncome = &v
	}

	return row
}

// ratio computes a value only when required is non-nil and true, and then
// only keeps it if it falls within the sector's plausible range; otherwise
// it is emitted as null.
func (e *Engine) ratio(sector, name string, required *bool, compute func() float64) *float64 {
	if required == nil || !*required {
		return nil
	}
	v := compute()
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	if !e.withinRange(sector, name, v) {
		return nil
	}
	return &v
}

// altmanZ blends the five Altman Z-score ratios with gonum/stat.Mean's
// weighted-average form: a weighted mean times the weight sum reconstructs
// the classic weighted sum without hand-rolling the dot product.
func (e *Engine) altmanZ(totalAssets, totalLiabilities, revenue, ebitda, marketCap, totalEquity *float64) *float64 {
	if totalAssets == nil || *totalAssets <= 0 || totalLiabilities == nil || revenue == nil {
		return nil
	}
	workingCapitalProxy := 0.0 // current assets - current liabilities not separately available here
	retainedEarningsProxy := valueOr(totalEquity, 0)
	ebitProxy := valueOr(ebitda, 0)
	marketValueEquity := valueOr(marketCap, 0)

	a := workingCapitalProxy / *totalAssets
	b := retainedEarningsProxy / *totalAssets
	c := ebitProxy / *totalAssets
	d := 0.0
	if *totalLiabilities > 0 {
		d = marketValueEquity / *totalLiabilities
	}
	eRatio := *revenue / *totalAssets

	values := []float64{a, b, c, d, eRatio}
	weights := []float64{1.2, 1.4, 3.3, 0.6, 1.0}
	weightSum := 0.0
	for _, w := range weights {
		weightSum += w
	}
	weightedMean := stat.Mean(values, weights)
	z := weightedMean * weightSum
	return &z
}

func totalLiabilities(totalDebt *float64) *float64 {
	return totalDebt // simplification: TotalDebt is used as the liabilities proxy (no separate field in FundamentalSnapshot)
}

func operatingAfterTaxApprox(operatingIncome float64) float64 {
	const assumedTaxRate = 0.21
	return operatingIncome * (1 - assumedTaxRate)
}

func growthYoY(current, prior *float64) *float64 {
	if current == nil || prior == nil || *prior == 0 {
		return nil
	}
	v := (*current - *prior) / math.Abs(*prior)
	return &v
}

func derive(v *float64) *float64 { return v }

func nz(v *float64) *float64 { return v }

func positive(v *float64) *bool {
	if v == nil {
		return nil
	}
	b := *v > 0
	return &b
}

func ptr(b bool) *bool { return &b }

// andBool requires cond in addition to an existing *bool guard, short-
// circuiting to false (not nil) when cond fails so callers can tell
// "explicitly excluded" from "input was missing."
func andBool(cond bool, guard *bool) *bool {
	if !cond {
		return ptr(false)
	}
	return guard
}

func valueOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}
