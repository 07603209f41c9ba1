// Package batch registers many independent pairs concurrently. A failing
// pair is recorded in its own result and never stops its siblings.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"brainreg/pkg/regerr"
	"brainreg/pkg/registration"
)

// Processor runs one job. *registration.Runner implements it.
type Processor interface {
	Run(ctx context.Context, job registration.Job) (*registration.Result, error)
}

// Options controls a batch run.
type Options struct {
	// Jobs is the number of pairs processed at once; <= 0 means 1
	Jobs int

	// Timeout bounds each pair; zero disables it
	Timeout time.Duration
}

// Result is the outcome of one pair.
type Result struct {
	Index    int
	Job      registration.Job
	Result   *registration.Result
	Err      error
	Duration time.Duration
}

// Status returns "ok", "timeout", "cancelled" or the error kind of the
// pair.
func (r Result) Status() string {
	switch {
	case errors.Is(r.Err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(r.Err, context.Canceled):
		return "cancelled"
	}
	return regerr.Kind(r.Err)
}

// Batch runs jobs through a Processor.
type Batch struct {
	Processor Processor
	Options   Options

	// Metrics is updated after every pair when set
	Metrics *Metrics

	Logger *slog.Logger
}

// Run processes every job and returns the results in job order. It returns
// once all pairs are done; cancelling ctx makes the pending ones fail with
// the context error.
func (b *Batch) Run(ctx context.Context, jobs []registration.Job) []Result {
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := b.Options.Jobs
	if limit <= 0 {
		limit = 1
	}

	results := make([]Result, len(jobs))
	// no group context: a failed pair never cancels its siblings
	var g errgroup.Group
	g.SetLimit(limit)
	for n, job := range jobs {
		g.Go(func() error {
			results[n] = b.runOne(ctx, logger, n, job)
			return results[n].pairErr()
		})
	}
	if err := g.Wait(); err != nil {
		logger.Warn("Batch finished with failures", "failed", Summarize(results).Failed, "total", len(jobs), "error", Err(results))
	}
	return results
}

func (r Result) pairErr() error {
	if r.Err == nil {
		return nil
	}
	return fmt.Errorf("pair %d (%s): %w", r.Index, r.Job.Name(), r.Err)
}

func (b *Batch) runOne(ctx context.Context, logger *slog.Logger, n int, job registration.Job) Result {
	res := Result{Index: n, Job: job}
	logger = logger.With("pair", job.Name(), "index", n)

	if err := ctx.Err(); err != nil {
		res.Err = err
		b.record(logger, res)
		return res
	}
	if b.Options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.Options.Timeout)
		defer cancel()
	}

	logger.Info("Processing pair", "ref", job.Ref, "flo", job.Flo)
	start := time.Now()
	res.Result, res.Err = b.Processor.Run(ctx, job)
	res.Duration = time.Since(start)
	if errors.Is(res.Err, context.DeadlineExceeded) {
		res.Err = fmt.Errorf("pair timed out after %s: %w", b.Options.Timeout, res.Err)
	}
	b.record(logger, res)
	return res
}

func (b *Batch) record(logger *slog.Logger, res Result) {
	if b.Metrics != nil {
		b.Metrics.Observe(res.Status(), res.Duration)
	}
	if res.Err != nil {
		logger.Error("Pair failed", "kind", res.Status(), "error", res.Err)
		return
	}
	logger.Info("Pair finished", "duration", res.Duration.Round(time.Millisecond))
}

// Summary counts the outcomes of a batch.
type Summary struct {
	Total  int
	Failed int
	// ByStatus maps every status, including "ok", to its pair count
	ByStatus map[string]int
}

// Summarize tallies results.
func Summarize(results []Result) Summary {
	s := Summary{Total: len(results), ByStatus: map[string]int{}}
	for _, r := range results {
		s.ByStatus[r.Status()]++
		if r.Err != nil {
			s.Failed++
		}
	}
	return s
}

// Err joins the errors of the failed pairs, or returns nil when all
// succeeded.
func Err(results []Result) error {
	var errs []error
	for _, r := range results {
		if err := r.pairErr(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
