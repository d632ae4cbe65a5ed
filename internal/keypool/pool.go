package keypool

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantdesk/marketpipe/internal/domain"
)

// ErrNoCredentialAvailable is returned by Acquire when no credential for a
// provider is admissible: each one is disabled or has exhausted its minute
// or its day window.
type ErrNoCredentialAvailable struct {
	Provider string
}

func (e ErrNoCredentialAvailable) Error() string {
	return "no credential available for provider " + e.Provider
}

// Pool owns the live credential state for every configured provider. All
// mutation happens under a single mutex: counters are small and calls are
// infrequent enough (one per adapter call) that a mutex is simpler and
// cheap compared to per-credential atomics.
type Pool struct {
	mu      sync.Mutex
	log     zerolog.Logger
	loc     *time.Location
	limits  map[string]Limits // per provider
	byCred  map[string]*CredentialState
	byProv  map[string][]string // provider -> credential IDs, insertion order
	store   *Store               // optional persisted cache, nil if disabled
}

// New builds a pool for the given providers/credentials. loc is the
// timezone used to decide when a credential's daily window rolls over.
func New(log zerolog.Logger, loc *time.Location, limits map[string]Limits, store *Store) *Pool {
	return &Pool{
		log:    log.With().Str("component", "keypool").Logger(),
		loc:    loc,
		limits: limits,
		byCred: make(map[string]*CredentialState),
		byProv: make(map[string][]string),
		store:  store,
	}
}

// Register adds a credential to the pool, restoring its persisted state if
// the pool has a Store and a row exists for this credential.
func (p *Pool) Register(provider, credentialID string, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.byCred[credentialID]; ok {
		return
	}
	state := freshState(provider, credentialID, now)
	if p.store != nil {
		if restored, err := p.store.Load(credentialID); err == nil && restored != nil {
			state = restored
		}
	}
	p.byCred[credentialID] = state
	p.byProv[provider] = append(p.byProv[provider], credentialID)
}

// Acquire selects the best admissible credential for a provider: highest
// health score among those whose minute and day windows both admit another
// call, ties broken by earliest next minute-window reset. It never blocks
// and never sleeps; if nothing is admissible it returns
// ErrNoCredentialAvailable immediately so the caller can fall through to the
// next provider.
func (p *Pool) Acquire(provider string, now time.Time) (*CredentialState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := p.byProv[provider]
	if len(ids) == 0 {
		return nil, ErrNoCredentialAvailable{Provider: provider}
	}
	limits := p.limits[provider]

	var candidates []*CredentialState
	for _, id := range ids {
		s := p.byCred[id]
		s.resetWindowsIfElapsed(now, p.loc)
		if s.admits(limits) {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoCredentialAvailable{Provider: provider}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].HealthScore != candidates[j].HealthScore {
			return candidates[i].HealthScore > candidates[j].HealthScore
		}
		return candidates[i].MinuteWindowStart.Before(candidates[j].MinuteWindowStart)
	})

	chosen := candidates[0]
	chosen.recordAcquire()
	return chosen, nil
}

// Report applies the health-decay curve for an observed outcome and persists
// the updated state if a Store is configured.
func (p *Pool) Report(credentialID string, outcome domain.Outcome) {
	p.mu.Lock()
	s, ok := p.byCred[credentialID]
	if !ok {
		p.mu.Unlock()
		return
	}

	switch outcome {
	case domain.OutcomeOK:
		s.HealthScore = clampHealth(s.HealthScore + healthDecayOK)
		s.ConsecutiveFailures = 0
	case domain.OutcomeRateLimited:
		s.CallsThisMinute = 1 << 30 // zero the remaining minute budget
		s.HealthScore = clampHealth(s.HealthScore + healthDecayRateLimited)
		s.ConsecutiveFailures++
	case domain.OutcomeTransientError:
		s.HealthScore = clampHealth(s.HealthScore + healthDecayTransientError)
		s.ConsecutiveFailures++
	case domain.OutcomeAuthError:
		s.Disabled = true
		s.ConsecutiveFailures++
	case domain.OutcomeNotFound:
		// not_found is a valid answer, not a credential fault.
	}
	snapshot := *s
	p.mu.Unlock()

	if p.store != nil {
		if err := p.store.Save(&snapshot); err != nil {
			p.log.Warn().Err(err).Str("credential_id", credentialID).Msg("failed to persist credential state")
		}
	}
}

// AnyAdmissible reports whether at least one credential across every
// configured provider can still take a call. The orchestrator uses this as
// its hard-stop check: when it returns false, no priority can make any
// external call and the run short-circuits to DONE.
func (p *Pool) AnyAdmissible(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for provider, ids := range p.byProv {
		limits := p.limits[provider]
		for _, id := range ids {
			s := p.byCred[id]
			s.resetWindowsIfElapsed(now, p.loc)
			if s.admits(limits) {
				return true
			}
		}
	}
	return false
}

// Snapshot returns a copy of every credential's state, for the run summary
// and for the budget/health admin endpoint.
func (p *Pool) Snapshot() []CredentialState {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]CredentialState, 0, len(p.byCred))
	for _, s := range p.byCred {
		out = append(out, *s)
	}
	return out
}
