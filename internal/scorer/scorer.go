// Package scorer blends the Indicator Engine, Ratio Engine and optional
// analyst consensus into the five named ScoreRow components and a weighted
// composite, turning raw metrics into bounded [0,1]/[0,100] sub-scores via
// threshold bands.
package scorer

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/quantdesk/marketpipe/internal/domain"
)

// Version is stamped onto every ScoreRow so a weights/formula change is
// traceable in history.
const Version = "v1"

// DefaultConfidenceThreshold is the data_confidence floor below which a row
// is flagged low_confidence.
const DefaultConfidenceThreshold = 0.70

// Engine computes ScoreRow from an indicator set, a ratio row and an
// optional analyst consensus.
type Engine struct {
	weights             Weights
	confidenceThreshold float64
}

func New(weights Weights, confidenceThreshold float64) *Engine {
	if confidenceThreshold <= 0 {
		confidenceThreshold = DefaultConfidenceThreshold
	}
	return &Engine{weights: weights, confidenceThreshold: confidenceThreshold}
}

// input tracks one named value feeding a component, so data_confidence and
// estimated_fields can be computed generically instead of per-component.
type input struct {
	name  string
	value *float64
}

// Compute produces the full ScoreRow for one ticker. AsOf is taken from the
// ratio row. A missing input is never silently defaulted: the component
// scores around it with a neutral contribution, and the input's name is
// listed in both MissingFields and EstimatedFields so consumers can see
// exactly which inputs were imputed.
func (e *Engine) Compute(ticker string, ind domain.Indicators, ratios domain.RatioRow, analyst *domain.AnalystConsensus) domain.ScoreRow {
	var allInputs []input

	fundamental, fundInputs := e.scoreFundamentalHealth(ratios)
	value, valueInputs := e.scoreValueInvestment(ratios)
	technical, techInputs := e.scoreTechnicalHealth(ind)
	signal, signalInputs := e.scoreTradingSignal(ind)
	risk, riskInputs := e.scoreRisk(ind, ratios, analyst)

	allInputs = append(allInputs, fundInputs...)
	allInputs = append(allInputs, valueInputs...)
	allInputs = append(allInputs, techInputs...)
	allInputs = append(allInputs, signalInputs...)
	allInputs = append(allInputs, riskInputs...)

	scores := []float64{fundamental.Score, technical.Score, value.Score, signal.Score, risk.Score}
	composite := floats.Dot(scores, e.weights.slice())
	composite = clamp(composite, 0, 100)

	populated, required := 0, 0
	var missing, estimated []string
	for _, in := range allInputs {
		required++
		if in.value != nil {
			populated++
		} else {
			missing = append(missing, in.name)
			estimated = append(estimated, in.name)
		}
	}
	confidence := 1.0
	if required > 0 {
		confidence = float64(populated) / float64(required)
	}
	if confidence > 1 {
		confidence = 1
	}

	return domain.ScoreRow{
		Ticker:            ticker,
		AsOf:              ratios.AsOf,
		FundamentalHealth: fundamental,
		ValueInvestment:   value,
		TechnicalHealth:   technical,
		TradingSignal:     signal,
		Risk:              risk,
		Composite:         composite,
		CompositeGrade:    domain.GradeFromScore(composite),
		DataConfidence:    confidence,
		MissingFields:     missing,
		EstimatedFields:   estimated,
		LowConfidence:     confidence < e.confidenceThreshold,
		Version:           Version,
	}
}

// scoreFundamentalHealth blends profitability, leverage, liquidity and
// growth into a single 0-100 score.
func (e *Engine) scoreFundamentalHealth(r domain.RatioRow) (domain.ComponentScore, []input) {
	inputs := []input{
		{name: "roe", value: r.ROE},
		{name: "debt_to_equity", value: r.DebtToEquity},
		{name: "current_ratio", value: r.CurrentRatio},
		{name: "revenue_growth", value: r.RevenueGrowth},
	}

	parts := []float64{50}
	if r.ROE != nil {
		parts = append(parts, band(*r.ROE, []bandPoint{
			{0.25, 100}, {0.15, 80}, {0.08, 60}, {0.0, 35}, {-1, 10},
		}))
	}
	if r.DebtToEquity != nil {
		parts = append(parts, band(-*r.DebtToEquity, []bandPoint{
			{-0.3, 100}, {-1.0, 75}, {-2.0, 50}, {-4.0, 25}, {-100, 10},
		}))
	}
	if r.CurrentRatio != nil {
		parts = append(parts, band(*r.CurrentRatio, []bandPoint{
			{3.0, 90}, {1.5, 100}, {1.0, 60}, {0.5, 30}, {0, 10},
		}))
	}
	if r.RevenueGrowth != nil {
		parts = append(parts, band(*r.RevenueGrowth, []bandPoint{
			{0.30, 100}, {0.10, 80}, {0.0, 55}, {-0.10, 30}, {-1, 5},
		}))
	}

	return domain.ComponentScore{Score: avgGrade(parts), Grade: domain.GradeFromScore(avgGrade(parts))}, inputs
}

// scoreValueInvestment inverts valuation ratios: cheap relative to sector
// norms scores high.
func (e *Engine) scoreValueInvestment(r domain.RatioRow) (domain.ComponentScore, []input) {
	inputs := []input{
		{name: "pe", value: r.PE},
		{name: "pb", value: r.PB},
		{name: "ps", value: r.PS},
		{name: "ev_ebitda", value: r.EVToEBITDA},
	}

	parts := []float64{50}
	if r.PE != nil {
		parts = append(parts, band(-*r.PE, []bandPoint{
			{-8, 100}, {-15, 80}, {-25, 55}, {-40, 30}, {-1000, 10},
		}))
	}
	if r.PB != nil {
		parts = append(parts, band(-*r.PB, []bandPoint{
			{-1, 100}, {-3, 75}, {-6, 50}, {-10, 25}, {-1000, 10},
		}))
	}
	if r.PS != nil {
		parts = append(parts, band(-*r.PS, []bandPoint{
			{-1, 100}, {-3, 75}, {-6, 50}, {-10, 25}, {-1000, 10},
		}))
	}
	if r.EVToEBITDA != nil {
		parts = append(parts, band(-*r.EVToEBITDA, []bandPoint{
			{-6, 100}, {-12, 75}, {-20, 50}, {-30, 25}, {-1000, 10},
		}))
	}

	return domain.ComponentScore{Score: avgGrade(parts), Grade: domain.GradeFromScore(avgGrade(parts))}, inputs
}

// scoreTechnicalHealth combines trend alignment (EMA stack), momentum (RSI,
// MACD), trend strength (ADX) and Bollinger position. vwap_sr's weight is
// folded into the Technical weight (see weights.go); ATR and VWAP count
// toward data confidence here but add no sub-term of their own.
func (e *Engine) scoreTechnicalHealth(ind domain.Indicators) (domain.ComponentScore, []input) {
	inputs := []input{
		{name: "ema20", value: ind.EMA20},
		{name: "ema50", value: ind.EMA50},
		{name: "rsi14", value: ind.RSI14},
		{name: "macd_hist", value: ind.MACDHist},
		{name: "atr14", value: ind.ATR14},
		{name: "adx14", value: ind.ADX14},
		{name: "bollinger_pct_b", value: ind.BollingerPctB},
		{name: "vwap", value: ind.VWAP},
	}

	parts := []float64{50}
	if ind.EMA20 != nil && ind.EMA50 != nil {
		if *ind.EMA20 > *ind.EMA50 {
			parts = append(parts, 75)
		} else {
			parts = append(parts, 35)
		}
	}
	if ind.RSI14 != nil {
		parts = append(parts, band(-math.Abs(*ind.RSI14-55), []bandPoint{
			{-5, 90}, {-15, 75}, {-25, 55}, {-35, 35}, {-100, 15},
		}))
	}
	if ind.MACDHist != nil {
		if *ind.MACDHist > 0 {
			parts = append(parts, 70)
		} else {
			parts = append(parts, 40)
		}
	}
	if ind.ADX14 != nil {
		parts = append(parts, band(*ind.ADX14, []bandPoint{
			{40, 90}, {25, 75}, {15, 55}, {0, 40},
		}))
	}
	if ind.BollingerPctB != nil {
		dist := math.Abs(*ind.BollingerPctB - 0.5)
		parts = append(parts, band(-dist, []bandPoint{
			{-0.1, 80}, {-0.3, 60}, {-0.5, 45}, {-1.5, 25},
		}))
	}

	return domain.ComponentScore{Score: avgGrade(parts), Grade: domain.GradeFromScore(avgGrade(parts))}, inputs
}

// scoreTradingSignal combines stochastic momentum with OBV and VPT volume
// confirmation. It has no breakout term: resistance1 and high52week count
// toward data confidence but do not change the score.
func (e *Engine) scoreTradingSignal(ind domain.Indicators) (domain.ComponentScore, []input) {
	inputs := []input{
		{name: "stoch_k", value: ind.StochK},
		{name: "obv", value: ind.OBV},
		{name: "vpt", value: ind.VPT},
		{name: "resistance1", value: ind.Resistance1},
		{name: "high52week", value: ind.High52Week},
	}

	parts := []float64{50}
	if ind.StochK != nil {
		parts = append(parts, band(*ind.StochK, []bandPoint{
			{80, 30}, {60, 75}, {40, 60}, {20, 40}, {0, 25},
		}))
	}
	if ind.OBV != nil && *ind.OBV > 0 {
		parts = append(parts, 65)
	} else if ind.OBV != nil {
		parts = append(parts, 35)
	}
	if ind.VPT != nil && *ind.VPT > 0 {
		parts = append(parts, 65)
	} else if ind.VPT != nil {
		parts = append(parts, 35)
	}

	return domain.ComponentScore{Score: avgGrade(parts), Grade: domain.GradeFromScore(avgGrade(parts))}, inputs
}

// scoreRisk combines technical volatility (ATR relative to VWAP), the Altman
// Z-score and, when present, the analyst consensus. No growth-stock,
// sector, market-cap or valuation-extreme multipliers are applied.
func (e *Engine) scoreRisk(ind domain.Indicators, r domain.RatioRow, analyst *domain.AnalystConsensus) (domain.ComponentScore, []input) {
	inputs := []input{
		{name: "atr14", value: ind.ATR14},
		{name: "adx14", value: ind.ADX14},
		{name: "altman_z", value: r.AltmanZ},
	}

	parts := []float64{50}
	if ind.ATR14 != nil && ind.VWAP != nil && *ind.VWAP > 0 {
		relativeATR := *ind.ATR14 / *ind.VWAP
		parts = append(parts, band(-relativeATR, []bandPoint{
			{-0.01, 90}, {-0.03, 70}, {-0.06, 50}, {-0.10, 25}, {-1, 10},
		}))
	}
	if r.AltmanZ != nil {
		parts = append(parts, band(*r.AltmanZ, []bandPoint{
			{3.0, 90}, {1.8, 60}, {0.0, 35}, {-100, 10},
		}))
	}
	if analyst != nil && analyst.ConsensusScore > 0 {
		inputs = append(inputs, input{name: "analyst_consensus_score", value: &analyst.ConsensusScore})
		parts = append(parts, clamp(analyst.ConsensusScore, 0, 100))
	}

	return domain.ComponentScore{Score: avgGrade(parts), Grade: domain.GradeFromScore(avgGrade(parts))}, inputs
}

// bandPoint is one (threshold, score) anchor; band() interpolates linearly
// between the two nearest anchors on either side of v, producing an
// asymmetric bell-curve score.
type bandPoint struct {
	threshold float64
	score     float64
}

// band maps v onto a 0-100 score via a descending sequence of anchors
// (highest threshold first). v at or above the first anchor scores at its
// ceiling; v at or below the last scores at its floor.
func band(v float64, points []bandPoint) float64 {
	if len(points) == 0 {
		return 50
	}
	if v >= points[0].threshold {
		return points[0].score
	}
	for i := 1; i < len(points); i++ {
		if v >= points[i].threshold {
			prev := points[i-1]
			cur := points[i]
			span := prev.threshold - cur.threshold
			if span == 0 {
				return cur.score
			}
			frac := (v - cur.threshold) / span
			return cur.score + frac*(prev.score-cur.score)
		}
	}
	return points[len(points)-1].score
}

// avgGrade averages the accumulated 0-100 parts (which always include a
// neutral 50 seed so an all-missing component still lands at neutral rather
// than zero) and clamps to [0,100].
func avgGrade(parts []float64) float64 {
	return clamp(floats.Sum(parts)/float64(len(parts)), 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
