// Package worker fetches batches of datasets with bounded concurrency.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cwygoda/datastash/internal/domain"
)

// DefaultConcurrency is the number of parallel fetches when none is given.
const DefaultConcurrency = 4

// Fetcher is the part of domain.Service the worker needs.
type Fetcher interface {
	Fetch(ctx context.Context, req domain.FetchRequest) (*domain.Entry, error)
}

// Result is the outcome of one request in a batch.
type Result struct {
	Index   int
	Request domain.FetchRequest
	Entry   *domain.Entry
	Err     error
	Elapsed time.Duration
}

// Worker runs fetch requests on a bounded pool.
type Worker struct {
	svc         Fetcher
	concurrency int
	logger      *slog.Logger
}

// New creates a new worker.
func New(svc Fetcher, concurrency int, logger *slog.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{svc: svc, concurrency: concurrency, logger: logger}
}

// Run fetches every request and returns one result per request in input
// order. A failed request does not stop the others. onResult, when set, is
// called once per finished request, never concurrently.
func (w *Worker) Run(ctx context.Context, reqs []domain.FetchRequest, onResult func(Result)) []Result {
	w.logger.Info("prefetch started", "datasets", len(reqs), "concurrency", w.concurrency)
	start := time.Now()

	results := make([]Result, len(reqs))
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(w.concurrency)
	for i, req := range reqs {
		g.Go(func() error {
			res := w.fetchOne(ctx, i, req)
			mu.Lock()
			defer mu.Unlock()
			results[i] = res
			if onResult != nil {
				onResult(res)
			}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	w.logger.Info("prefetch finished",
		"datasets", len(reqs),
		"failed", failed,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return results
}

func (w *Worker) fetchOne(ctx context.Context, i int, req domain.FetchRequest) Result {
	res := Result{Index: i, Request: req}
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}
	start := time.Now()
	res.Entry, res.Err = w.svc.Fetch(ctx, req)
	res.Elapsed = time.Since(start)
	if res.Err != nil {
		w.logger.Warn("prefetch failed", "identifier", req.Identifier, "error", res.Err)
	}
	return res
}
