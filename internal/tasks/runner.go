package tasks

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Runner executes fire-and-forget side effects (lead-sync, first-contact
// automations) off the request path. Tasks get bounded retries with backoff;
// terminal failures are logged and pushed to an observable error channel so
// tests and operators can see them. Task failure never affects the state
// already committed by the request that submitted it.
type Runner struct {
	logger     *zap.Logger
	maxRetries int
	retryDelay time.Duration
	timeout    time.Duration

	wg   sync.WaitGroup
	errs chan TaskError
}

type TaskError struct {
	Task string
	Err  error
}

type RunnerOptions struct {
	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
	ErrBuffer  int
}

func NewRunner(logger *zap.Logger, opts RunnerOptions) *Runner {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.ErrBuffer <= 0 {
		opts.ErrBuffer = 64
	}
	return &Runner{
		logger:     logger,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		timeout:    opts.Timeout,
		errs:       make(chan TaskError, opts.ErrBuffer),
	}
}

// Submit schedules fn on a detached goroutine and returns immediately.
func (r *Runner) Submit(name string, fn func(ctx context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(name, fn)
	}()
}

func (r *Runner) run(name string, fn func(ctx context.Context) error) {
	var lastErr error
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		err := fn(ctx)
		cancel()
		if err == nil {
			return
		}
		lastErr = err
		r.logger.Warn("background task attempt failed",
			zap.String("task", name),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt < r.maxRetries {
			time.Sleep(r.retryDelay * time.Duration(attempt))
		}
	}

	r.logger.Error("background task failed permanently",
		zap.String("task", name),
		zap.Error(lastErr))
	select {
	case r.errs <- TaskError{Task: name, Err: lastErr}:
	default:
		// Channel full: the error is already logged, drop it rather than
		// block a detached goroutine forever.
	}
}

// Errors exposes terminal task failures for observation.
func (r *Runner) Errors() <-chan TaskError {
	return r.errs
}

// Wait blocks until all submitted tasks have finished. Test and shutdown
// helper.
func (r *Runner) Wait() {
	r.wg.Wait()
}
