// Package providers implements the Provider Adapter layer: one concrete type
// per external data source, each exposing a fixed capability set and
// returning a uniformly classified outcome so the Failover Router never has
// to know adapter-specific error shapes.
package providers

import (
	"context"
	"time"

	"github.com/quantdesk/marketpipe/internal/domain"
)

// Result is the uniform envelope every adapter call returns. Outcome is
// always set; Data is only meaningful when Outcome is OutcomeOK. Adapters
// never retry internally — a non-ok outcome is reported once and it is the
// router's job to advance to the next adapter or credential.
type Result[T any] struct {
	Outcome domain.Outcome
	Data    T
	Err     error
}

func ok[T any](data T) Result[T] {
	return Result[T]{Outcome: domain.OutcomeOK, Data: data}
}

func failed[T any](outcome domain.Outcome, err error) Result[T] {
	return Result[T]{Outcome: outcome, Err: err}
}

// ExistenceProbeResult is the outcome of asking a provider whether a ticker
// still exists, independent of whether the provider could serve any other
// capability for it.
type ExistenceProbeResult struct {
	Exists bool
}

// Adapter is the interface every concrete provider implements. Capabilities
// not supported by a given provider should not be called by the router; the
// set is advertised via Capabilities().
type Adapter interface {
	Name() string
	Capabilities() []domain.Capability

	PriceQuote(ctx context.Context, apiKey, ticker string) Result[domain.OHLCV]
	PriceHistory(ctx context.Context, apiKey, ticker string, from, to time.Time) Result[[]domain.OHLCV]
	FundamentalsSnapshot(ctx context.Context, apiKey, ticker string) Result[domain.FundamentalSnapshot]
	EarningsCalendar(ctx context.Context, apiKey, ticker string, window time.Duration) Result[[]domain.EarningsEvent]
	AnalystRecommendations(ctx context.Context, apiKey, ticker string) Result[domain.AnalystConsensus]
	ExistenceProbe(ctx context.Context, apiKey, ticker string) Result[ExistenceProbeResult]
}

// unsupported is embedded by adapters that only implement a subset of
// capabilities; calling an unsupported capability is a programmer error in
// the router's capability-aware dispatch, surfaced as a not_found result
// carrying an unsupportedCapabilityError rather than a panic.
type unsupported struct{ provider string }

func (u unsupported) result(capability string) error {
	return &unsupportedCapabilityError{Provider: u.provider, Capability: capability}
}

type unsupportedCapabilityError struct {
	Provider   string
	Capability string
}

func (e *unsupportedCapabilityError) Error() string {
	return e.Provider + " does not support " + e.Capability
}
