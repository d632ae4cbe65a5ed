// Package reaper implements the Existence Reaper: it probes every configured
// adapter for each candidate ticker and removes tickers the providers agree
// no longer exist, honoring referential integrity at the Persistence
// Gateway — find orphans, then delete each one, logging progress and
// tolerating individual failures without aborting the whole pass.
package reaper

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/quantdesk/marketpipe/internal/domain"
	"github.com/quantdesk/marketpipe/internal/router"
)

// ExistenceProber is the subset of the Failover Router the reaper needs.
type ExistenceProber interface {
	ProbeExistence(ctx context.Context, ticker string) []router.ExistenceVote
}

// TickerRemover is the subset of the Persistence Gateway the reaper needs.
type TickerRemover interface {
	DeleteTicker(ctx context.Context, ticker string) error
}

// Reaper runs the cross-provider-agreement delisting check.
type Reaper struct {
	log          zerolog.Logger
	prober       ExistenceProber
	remover      TickerRemover
	minAgreement int
}

// New builds a Reaper. minAgreement is the minimum count of independent
// not_found votes required to delist a ticker (default 2).
func New(log zerolog.Logger, prober ExistenceProber, remover TickerRemover, minAgreement int) *Reaper {
	if minAgreement < 1 {
		minAgreement = 2
	}
	return &Reaper{
		log:          log.With().Str("component", "reaper").Logger(),
		prober:       prober,
		remover:      remover,
		minAgreement: minAgreement,
	}
}

// Decision is the per-ticker outcome of a reap pass.
type Decision struct {
	Ticker    string
	Delisted  bool
	NotFound  int
	SawOK     bool
	Reason    string
}

// classify applies the vote rule: not_found, and an ok answer reporting the
// ticker does not exist, count toward delisting;
// rate_limited/transient_error/auth_error are ignored; an ok answer reporting
// the ticker exists vetoes delisting outright regardless of how many
// not_found votes exist.
func (r *Reaper) classify(ticker string, votes []router.ExistenceVote) Decision {
	notFound := 0
	sawOK := false
	for _, v := range votes {
		switch v.Outcome {
		case domain.OutcomeNotFound:
			notFound++
		case domain.OutcomeOK:
			if v.Exists {
				sawOK = true
			} else {
				notFound++
			}
		}
	}
	delisted := notFound >= r.minAgreement && !sawOK
	reason := "insufficient_agreement"
	if delisted {
		reason = "cross_provider_not_found"
	} else if sawOK {
		reason = "vetoed_by_ok"
	}
	return Decision{Ticker: ticker, Delisted: delisted, NotFound: notFound, SawOK: sawOK, Reason: reason}
}

// Run probes every candidate ticker and deletes the ones that qualify for
// delisting. It does not abort on a per-ticker deletion error; it logs and
// continues, then returns an aggregate error if any deletions failed.
func (r *Reaper) Run(ctx context.Context, candidates []string) ([]Decision, error) {
	r.log.Info().Int("candidates", len(candidates)).Msg("starting existence reap")

	decisions := make([]Decision, 0, len(candidates))
	delistedCount := 0
	errCount := 0

	for i, ticker := range candidates {
		if ctx.Err() != nil {
			r.log.Warn().Msg("reap pass cancelled before completion")
			break
		}

		votes := r.prober.ProbeExistence(ctx, ticker)
		decision := r.classify(ticker, votes)
		decisions = append(decisions, decision)

		if i%25 == 0 || i == len(candidates)-1 {
			r.log.Debug().Int("processed", i+1).Int("total", len(candidates)).Msg("reap progress")
		}

		if !decision.Delisted {
			continue
		}

		if err := r.remover.DeleteTicker(ctx, ticker); err != nil {
			r.log.Error().Err(err).Str("ticker", ticker).Msg("failed to delete delisted ticker")
			errCount++
			continue
		}
		delistedCount++
		r.log.Info().Str("ticker", ticker).Int("not_found_votes", decision.NotFound).Msg("ticker delisted")
	}

	r.log.Info().Int("delisted", delistedCount).Int("errors", errCount).Msg("existence reap completed")

	if errCount > 0 {
		return decisions, fmt.Errorf("reap completed with %d deletion errors", errCount)
	}
	return decisions, nil
}
