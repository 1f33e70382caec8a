package testutil

import (
	"errors"
	"sync"
	"sync/atomic"

	dErrors "auditchain/pkg/domain-errors"
	"auditchain/pkg/platform/sentinel"
)

// ConcurrentResult tallies outcomes of a concurrent test run.
type ConcurrentResult struct {
	Successes int32
	Conflicts int32
	Errors    int32
}

func (r *ConcurrentResult) Total() int32 {
	return r.Successes + r.Conflicts + r.Errors
}

// RunConcurrent starts all goroutines behind a shared start barrier so they
// contend as hard as possible, then tallies results. Both sentinel.ErrConflict
// and CodeConflict domain errors count as conflicts.
func RunConcurrent(goroutines int, fn func(idx int) error) *ConcurrentResult {
	var (
		wg                         sync.WaitGroup
		successes, conflicts, errs atomic.Int32
	)
	start := make(chan struct{})

	for i := range goroutines {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			<-start
			err := fn(idx)
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, sentinel.ErrConflict), dErrors.HasCode(err, dErrors.CodeConflict):
				conflicts.Add(1)
			default:
				errs.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	return &ConcurrentResult{
		Successes: successes.Load(),
		Conflicts: conflicts.Load(),
		Errors:    errs.Load(),
	}
}

// RunConcurrentCollect is RunConcurrent for tests that need every error.
func RunConcurrentCollect(goroutines int, fn func(idx int) error) (successes int32, errs []error) {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success atomic.Int32
	)
	start := make(chan struct{})

	for i := range goroutines {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			<-start
			if err := fn(idx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return
			}
			success.Add(1)
		}(i)
	}
	close(start)
	wg.Wait()
	return success.Load(), errs
}
