package capture

import (
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/techmatters/serverless-sub000/pkg/logger"
)

// step is one side effect of a fan-out.
type step struct {
	name string
	run  func() error
}

// fanOut runs the best-effort and the gated steps concurrently and waits for
// all of them. Best-effort failures are logged and dropped; gated failures
// are joined and returned. Every step runs to completion regardless of the
// others.
func fanOut(component string, fields map[string]interface{}, bestEffort, gated []step) error {
	var wg sync.WaitGroup
	for _, s := range bestEffort {
		wg.Add(1)
		go func(s step) {
			defer wg.Done()
			if err := s.run(); err != nil {
				logger.WarnCF(component, "Best-effort step failed", withFields(fields, map[string]interface{}{
					"step":  s.name,
					"error": err.Error(),
				}))
			}
		}(s)
	}

	errs := make([]error, len(gated))
	var g errgroup.Group
	for i, s := range gated {
		i, s := i, s
		g.Go(func() error {
			errs[i] = s.run()
			return errs[i]
		})
	}
	_ = g.Wait()
	wg.Wait()

	return errors.Join(errs...)
}

func withFields(base, extra map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
