package reaper

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantdesk/marketpipe/internal/domain"
	"github.com/quantdesk/marketpipe/internal/router"
)

type fakeProber struct {
	votes map[string][]router.ExistenceVote
}

func (f *fakeProber) ProbeExistence(ctx context.Context, ticker string) []router.ExistenceVote {
	return f.votes[ticker]
}

type fakeRemover struct {
	deleted []string
	failFor map[string]bool
}

func (f *fakeRemover) DeleteTicker(ctx context.Context, ticker string) error {
	if f.failFor[ticker] {
		return assertErr{ticker}
	}
	f.deleted = append(f.deleted, ticker)
	return nil
}

type assertErr struct{ ticker string }

func (e assertErr) Error() string { return "delete failed for " + e.ticker }

func TestRun_DelistsOnAgreement(t *testing.T) {
	prober := &fakeProber{votes: map[string][]router.ExistenceVote{
		"DEAD": {
			{Provider: "alpha", Outcome: domain.OutcomeNotFound},
			{Provider: "figi", Outcome: domain.OutcomeNotFound},
		},
	}}
	remover := &fakeRemover{failFor: map[string]bool{}}
	r := New(zerolog.Nop(), prober, remover, 2)

	decisions, err := r.Run(context.Background(), []string{"DEAD"})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.True(t, decisions[0].Delisted)
	assert.Equal(t, []string{"DEAD"}, remover.deleted)
}

func TestRun_OKVetoesDelisting(t *testing.T) {
	prober := &fakeProber{votes: map[string][]router.ExistenceVote{
		"AAPL": {
			{Provider: "alpha", Outcome: domain.OutcomeNotFound},
			{Provider: "figi", Outcome: domain.OutcomeNotFound},
			{Provider: "fx", Outcome: domain.OutcomeOK, Exists: true},
		},
	}}
	remover := &fakeRemover{failFor: map[string]bool{}}
	r := New(zerolog.Nop(), prober, remover, 2)

	decisions, err := r.Run(context.Background(), []string{"AAPL"})
	require.NoError(t, err)
	assert.False(t, decisions[0].Delisted)
	assert.Empty(t, remover.deleted)
}

func TestRun_RateLimitedVoteNeitherCountsNorVetoes(t *testing.T) {
	prober := &fakeProber{votes: map[string][]router.ExistenceVote{
		"ZZZZ": {
			{Provider: "alpha", Outcome: domain.OutcomeNotFound},
			{Provider: "figi", Outcome: domain.OutcomeNotFound},
			{Provider: "fx", Outcome: domain.OutcomeRateLimited},
		},
	}}
	remover := &fakeRemover{failFor: map[string]bool{}}
	r := New(zerolog.Nop(), prober, remover, 2)

	decisions, err := r.Run(context.Background(), []string{"ZZZZ"})
	require.NoError(t, err)
	assert.True(t, decisions[0].Delisted, "two not_found votes reach min_agreement; rate_limited is ignored")
	assert.Equal(t, []string{"ZZZZ"}, remover.deleted)
}

func TestRun_TransientErrorsDoNotCount(t *testing.T) {
	prober := &fakeProber{votes: map[string][]router.ExistenceVote{
		"FOO": {
			{Provider: "alpha", Outcome: domain.OutcomeNotFound},
			{Provider: "figi", Outcome: domain.OutcomeTransientError},
			{Provider: "fx", Outcome: domain.OutcomeRateLimited},
		},
	}}
	remover := &fakeRemover{failFor: map[string]bool{}}
	r := New(zerolog.Nop(), prober, remover, 2)

	decisions, err := r.Run(context.Background(), []string{"FOO"})
	require.NoError(t, err)
	assert.False(t, decisions[0].Delisted, "only one real not_found vote, below min_agreement")
}

func TestRun_ContinuesAfterDeletionError(t *testing.T) {
	prober := &fakeProber{votes: map[string][]router.ExistenceVote{
		"A": {{Provider: "alpha", Outcome: domain.OutcomeNotFound}, {Provider: "figi", Outcome: domain.OutcomeNotFound}},
		"B": {{Provider: "alpha", Outcome: domain.OutcomeNotFound}, {Provider: "figi", Outcome: domain.OutcomeNotFound}},
	}}
	remover := &fakeRemover{failFor: map[string]bool{"A": true}}
	r := New(zerolog.Nop(), prober, remover, 2)

	_, err := r.Run(context.Background(), []string{"A", "B"})
	assert.Error(t, err)
	assert.Equal(t, []string{"B"}, remover.deleted)
}
