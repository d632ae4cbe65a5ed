// The error taxonomy of the run boundary. At the adapter boundary the
// transport-level kinds (transient, rate-limited, not-found, auth, schema
// mismatch) travel as domain.Outcome values on every Result, which is what
// the router and reaper branch on; the typed errors here are the exported
// form a caller of RunDaily sees in logs. PriorityResult.Errors carries the
// orchestrator's own per-ticker errors, not these types.

package pipeline

import "fmt"

// ErrTransientProvider signals a provider call failed in a way that is
// expected to succeed on retry (timeout, 5xx, connection reset). The router
// advances to the next provider rather than retrying in place.
type ErrTransientProvider struct {
	Provider string
	Cause    error
}

func (e ErrTransientProvider) Error() string {
	return fmt.Sprintf("transient error from provider %s: %v", e.Provider, e.Cause)
}

func (e ErrTransientProvider) Unwrap() error { return e.Cause }

// ErrRateLimited signals the calling credential has exhausted its quota.
type ErrRateLimited struct {
	Provider   string
	CredentialID string
	RetryAfter string // opaque hint from the provider, may be empty
}

func (e ErrRateLimited) Error() string {
	return fmt.Sprintf("rate limited: provider %s credential %s", e.Provider, e.CredentialID)
}

// ErrNotFound signals the provider affirmatively reports the ticker does not
// exist, distinct from a transient failure to answer.
type ErrNotFound struct {
	Provider string
	Ticker   string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s: ticker %s not found", e.Provider, e.Ticker)
}

// ErrAuth signals an invalid or revoked credential. The credential is
// disabled for the remainder of the run.
type ErrAuth struct {
	Provider     string
	CredentialID string
}

func (e ErrAuth) Error() string {
	return fmt.Sprintf("auth error: provider %s credential %s", e.Provider, e.CredentialID)
}

// ErrSchemaMismatch signals a provider responded with a payload shape the
// adapter's decoder could not parse.
type ErrSchemaMismatch struct {
	Provider string
	Detail   string
}

func (e ErrSchemaMismatch) Error() string {
	return fmt.Sprintf("%s: schema mismatch: %s", e.Provider, e.Detail)
}

// ErrInsufficientData signals an engine was asked to compute over fewer bars
// or fields than it requires; the caller must treat the result as null, not
// retry.
type ErrInsufficientData struct {
	Ticker string
	Detail string
}

func (e ErrInsufficientData) Error() string {
	return fmt.Sprintf("%s: insufficient data: %s", e.Ticker, e.Detail)
}

// ErrBudgetExhausted signals a priority was skipped because the shared API
// budget was already spent when it came up. Budget exhaustion inside a
// running priority is not reported with this type: the affected tickers fail
// with budget.ErrExhausted and the priority ends partial_errors; there is no
// separate skipped_budget status.
type ErrBudgetExhausted struct {
	Priority string
}

func (e ErrBudgetExhausted) Error() string {
	return fmt.Sprintf("api budget exhausted during %s", e.Priority)
}

// ErrDeadlineExceeded signals a priority's allotted time elapsed before its
// selected tickers were fully processed.
type ErrDeadlineExceeded struct {
	Priority string
}

func (e ErrDeadlineExceeded) Error() string {
	return fmt.Sprintf("deadline exceeded for %s", e.Priority)
}

// ErrPersistence wraps a storage-layer failure so callers can distinguish it
// from provider/engine errors without inspecting driver-specific types.
type ErrPersistence struct {
	Op    string
	Cause error
}

func (e ErrPersistence) Error() string {
	return fmt.Sprintf("persistence error during %s: %v", e.Op, e.Cause)
}

func (e ErrPersistence) Unwrap() error { return e.Cause }

// ErrConfiguration signals a malformed configuration value. It is fatal only
// at startup; it must never be raised mid-run.
type ErrConfiguration struct {
	Detail string
}

func (e ErrConfiguration) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Detail)
}
