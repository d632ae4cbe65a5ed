package orchestrator

import (
	"context"
	"sync"
)

// runBounded fans work out across up to k goroutines, one per item in
// tickers, cooperatively respecting ctx cancellation (a priority's deadline).
// It returns once every item has either run or been skipped due to context
// cancellation. The pool size k is the run's configured worker concurrency,
// the same for every priority.
func runBounded(ctx context.Context, k int, tickers []string, fn func(ctx context.Context, ticker string) error) (processed int, errs []error) {
	if k <= 0 {
		k = 1
	}
	sem := make(chan struct{}, k)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, ticker := range tickers {
		select {
		case <-ctx.Done():
			mu.Lock()
			errs = append(errs, ctx.Err())
			mu.Unlock()
			continue
		default:
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(ticker string) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := fn(ctx, ticker); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return
			}
			mu.Lock()
			processed++
			mu.Unlock()
		}(ticker)
	}

	wg.Wait()
	return processed, errs
}
