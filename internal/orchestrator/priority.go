package orchestrator

import "time"

// Priority is one of the six ordered stages of a daily run.
type Priority string

const (
	P1PriceTechnicals       Priority = "P1"
	P2EarningsFundamentals  Priority = "P2"
	P3HistoricalBackfill    Priority = "P3"
	P4MissingFundamentals   Priority = "P4"
	P5Scoring               Priority = "P5"
	P6AnalystRatings        Priority = "P6"
)

// Ordered is the fixed run sequence: INIT -> P1 -> ... -> P6 -> REAP -> DONE.
var Ordered = []Priority{
	P1PriceTechnicals, P2EarningsFundamentals, P3HistoricalBackfill,
	P4MissingFundamentals, P5Scoring, P6AnalystRatings,
}

// Status is the outcome of running one priority. There is no failure
// status: a priority where every ticker errors still reports partial and
// the run continues to the next priority — the only conditions that halt
// a run are explicit cancellation and losing every provider credential.
type Status string

const (
	StatusOK      Status = "ok"
	StatusPartial Status = "partial"
	StatusSkipped Status = "skipped"
)

// PriorityResult records what happened when one priority ran.
type PriorityResult struct {
	Priority  Priority
	Status    Status
	Selected  int
	Processed int
	Errors    []error
	Reason    string // set for skipped/partial, e.g. "budget_exhausted", "deadline_exceeded"
	Duration  time.Duration
}
