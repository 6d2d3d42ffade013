package inline

import (
	"context"
	"sync"
	"time"
)

// outcome is one worker's answer for a distinct reference.
type outcome struct {
	ref      Reference
	payload  *payload
	err      error
	duration time.Duration
}

// fanOut resolves refs on up to workers goroutines. Outcomes arrive on the
// returned channel in completion order; it is closed once every reference
// has been answered or ctx is done.
func (in *Inliner) fanOut(ctx context.Context, refs []Reference, workers int) <-chan outcome {
	if workers > len(refs) {
		workers = len(refs)
	}
	if workers < 1 {
		workers = 1
	}

	jobs := make(chan Reference, workers*2)
	results := make(chan outcome, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ref := range jobs {
				start := time.Now()
				p, err := in.resolve(ctx, ref)
				select {
				case results <- outcome{ref: ref, payload: p, err: err, duration: time.Since(start)}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, ref := range refs {
			select {
			case jobs <- ref:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	return results
}
