// Package executor fans command execution out across the product of
// hosts and commands with bounded concurrency.
package executor

import (
	"context"
	"sync"
	"time"
)

// Runner is the interface the SSH layer implements to execute a single
// command on a single host.
type Runner interface {
	Run(ctx context.Context, host string, command string) *Result
}

// Executor runs every command on every host in parallel, bounded by a
// concurrency limit.
type Executor struct {
	runner      Runner
	concurrency int
	timeout     time.Duration // zero means no per-task deadline
}

// Option configures an Executor.
type Option func(*Executor)

// WithConcurrency sets the maximum number of parallel goroutines.
func WithConcurrency(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithTimeout sets the per-task command timeout. Zero (the default)
// leaves tasks without a deadline.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// New creates an Executor with the given Runner and options.
func New(runner Runner, opts ...Option) *Executor {
	e := &Executor{
		runner:      runner,
		concurrency: 20,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs every command on every host. Tasks run in parallel up to
// the concurrency limit; results come back in deterministic order,
// host-major: all of the first host's commands (in command order), then
// the next host's, and so on. Command numbering is global and 1-based.
func (e *Executor) Execute(ctx context.Context, hosts []string, commands []string) []*Result {
	results := make([]*Result, len(hosts)*len(commands))
	if len(results) == 0 {
		return results
	}

	sem := make(chan struct{}, e.concurrency)
	var wg sync.WaitGroup

	for hi, host := range hosts {
		for ci, cmd := range commands {
			wg.Add(1)
			go func(idx int, h, c string, cmdNum int) {
				defer wg.Done()

				// Acquire semaphore, respecting parent context cancellation.
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-ctx.Done():
					results[idx] = &Result{
						Host:     h,
						CmdNum:   cmdNum,
						Command:  c,
						ExitCode: -1,
						Err:      ctx.Err(),
					}
					return
				}

				taskCtx := ctx
				if e.timeout > 0 {
					var cancel context.CancelFunc
					taskCtx, cancel = context.WithTimeout(ctx, e.timeout)
					defer cancel()
				}

				start := time.Now()
				result := e.runner.Run(taskCtx, h, c)
				result.Duration = time.Since(start)
				result.Host = h
				result.CmdNum = cmdNum
				result.Command = c

				// If the task context timed out but the runner didn't
				// report it, record the timeout.
				if taskCtx.Err() == context.DeadlineExceeded && result.Err == nil {
					result.Err = context.DeadlineExceeded
				}

				results[idx] = result
			}(hi*len(commands)+ci, host, cmd, ci+1)
		}
	}

	wg.Wait()
	return results
}
