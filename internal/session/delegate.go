package session

import (
	"context"

	"golang.org/x/sync/errgroup"

	"atelier/internal/logging"
)

// DelegateParallel runs all tasks concurrently and returns one Result per
// task, in task order. A failing sibling never cancels the others: the
// caller synthesizes whatever came back.
func (s *Spawner) DelegateParallel(ctx context.Context, tasks []Task) []Result {
	results := make([]Result, len(tasks))
	if len(tasks) == 0 {
		return results
	}

	logging.Session("delegating %d tasks in parallel", len(tasks))

	var g errgroup.Group
	for i, task := range tasks {
		g.Go(func() error {
			results[i] = s.Run(ctx, task)
			return nil
		})
	}
	_ = g.Wait()

	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}
	logging.Session("parallel delegation done: %d/%d succeeded", succeeded, len(tasks))
	return results
}
