package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/rjboer/ofdmsync/internal/rx"
)

// RunParallel runs every chain concurrently, one engine each. The first
// failure cancels the remaining chains; results[i] holds whatever chain i
// produced, possibly partial.
func RunParallel(ctx context.Context, chains []*Chain) ([]*rx.Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]*rx.Result, len(chains))
	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	for i, c := range chains {
		wg.Add(1)
		go func(i int, c *Chain) {
			defer wg.Done()
			res, err := c.Run(ctx)
			results[i] = res
			if err != nil {
				once.Do(func() {
					firstErr = fmt.Errorf("chain %s: %w", c.cfg.Name, err)
					cancel()
				})
			}
		}(i, c)
	}
	wg.Wait()
	return results, firstErr
}
