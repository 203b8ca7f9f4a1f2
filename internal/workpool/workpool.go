package workpool

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Pool is a named concurrency ceiling for one pipeline stage.
type Pool struct {
	Name    string
	Workers int
}

// New returns a pool with the given ceiling; non-positive values use NumCPU.
func New(name string, workers int) Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return Pool{Name: name, Workers: workers}
}

// Run calls fn once for every item with at most p.Workers calls in flight.
// Items not yet started when ctx is cancelled are skipped.
func Run[T any](ctx context.Context, p Pool, items []T, fn func(context.Context, T)) error {
	if len(items) == 0 {
		return ctx.Err()
	}
	workers := p.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, item := range items {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fn(gctx, item)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
