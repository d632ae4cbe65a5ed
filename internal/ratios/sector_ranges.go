package ratios

// PlausibleRange is an inclusive [min,max] band a ratio is expected to fall
// within for a given sector. A ratio outside its band is emitted as null
// rather than as a misleading outlier value.
type PlausibleRange struct {
	Min float64
	Max float64
}

// DefaultSectorRanges is the fallback sector -> ratio name -> plausible
// range table used when the caller's configuration doesn't override it,
// with "default" used as the fallback for unlisted sectors. The bands are
// deliberately generous — they exist to catch data errors (a currency-unit
// mismatch producing PE=4000), not to second-guess genuine extremes. This
// table is treated the same way scoring weights are: configuration data a
// caller can replace, not a constant baked into the algorithm.
func DefaultSectorRanges() map[string]map[string]PlausibleRange {
	return map[string]map[string]PlausibleRange{
		"default": {
			"pe":          {Min: 0, Max: 200},
			"pb":          {Min: 0, Max: 50},
			"ps":          {Min: 0, Max: 50},
			"ev_ebitda":   {Min: 0, Max: 100},
			"debt_equity": {Min: 0, Max: 20},
		},
		"Technology": {
			"pe":        {Min: 0, Max: 300},
			"pb":        {Min: 0, Max: 80},
			"ps":        {Min: 0, Max: 80},
			"ev_ebitda": {Min: 0, Max: 150},
		},
		"Financials": {
			"pe":          {Min: 0, Max: 60},
			"pb":          {Min: 0, Max: 10},
			"debt_equity": {Min: 0, Max: 30}, // leverage is structural for banks/insurers
		},
		"Utilities": {
			"pe":          {Min: 0, Max: 40},
			"debt_equity": {Min: 0, Max: 15},
		},
		"Energy": {
			"pe": {Min: 0, Max: 80},
			"pb": {Min: 0, Max: 20},
		},
	}
}

// rangeFor looks up the plausible range for (sector, ratio), falling back to
// the default sector and then to no bound at all (ok=false) if the ratio
// isn't tracked anywhere.
func (e *Engine) rangeFor(sector, ratio string) (PlausibleRange, bool) {
	if bySector, ok := e.ranges[sector]; ok {
		if r, ok := bySector[ratio]; ok {
			return r, true
		}
	}
	if r, ok := e.ranges["default"][ratio]; ok {
		return r, true
	}
	return PlausibleRange{}, false
}

func (e *Engine) withinRange(sector, ratio string, v float64) bool {
	r, ok := e.rangeFor(sector, ratio)
	if !ok {
		return true
	}
	return v >= r.Min && v <= r.Max
}
