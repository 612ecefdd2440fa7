package bus

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/signalbus/internal/buserr"
	"github.com/odvcencio/signalbus/internal/queue"
)

// dispatcherPool is the fixed worker pool draining the async dispatch
// queue: each worker loops take→publish-sync (spec.md §4.6). Workers
// are supervised by an errgroup.Group, the teacher's pattern for
// fixed-size goroutine pools (pkg/ralph/orchestrator.go).
type dispatcherPool struct {
	q       *queue.Queue
	workers int
	bus     *Bus
}

func newDispatcherPool(q *queue.Queue, workers int, bus *Bus) *dispatcherPool {
	return &dispatcherPool{q: q, workers: workers, bus: bus}
}

// run starts all workers and blocks until ctx is cancelled, at which
// point every worker exits on its next loop iteration. Draining the
// queue on shutdown is explicitly not guaranteed: envelopes still
// buffered when ctx is cancelled may never be taken (spec.md §4.6,
// §9).
func (p *dispatcherPool) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			p.worker(ctx, gctx)
			return nil
		})
	}
	return g.Wait()
}

func (p *dispatcherPool) worker(shutdownCtx, runCtx context.Context) {
	for {
		select {
		case <-shutdownCtx.Done():
			return
		default:
		}

		env, ok, err := p.q.Take(shutdownCtx)
		if err != nil {
			// Interrupted by shutdown while blocked in Take: nothing
			// was in flight, so there is no envelope to report a
			// QueueError against. The worker simply exits.
			return
		}
		if !ok {
			return
		}

		if perr := p.bus.publishEnvelope(env); perr != nil {
			p.bus.errorReporter().HandlePublicationError(PublicationError{
				Message:         "async dispatch failed",
				Cause:           buserr.Wrap(perr, buserr.ErrCodeQueue, "worker publish failed"),
				PublishedObject: env.Messages(),
			})
		}
	}
}
