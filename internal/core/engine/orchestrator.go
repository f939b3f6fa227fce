package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/quotaguard/quotaguard/internal/core"
	"github.com/quotaguard/quotaguard/internal/core/upstream"
	"github.com/quotaguard/quotaguard/internal/metrics"
	"github.com/quotaguard/quotaguard/internal/observability"
)

// Transport performs a single outbound call.
type Transport interface {
	Call(ctx context.Context, req upstream.Request) (*upstream.Response, error)
}

// RequestSpec is an upstream call bound to its endpoint.
type RequestSpec struct {
	Key     core.EndpointKey
	Request upstream.Request

	// Concurrency bounds simultaneous calls for Key. Values below 1 mean 1.
	Concurrency int
}

// CallResult is a successful upstream call.
type CallResult struct {
	Response *upstream.Response
	Attempts int
	Elapsed  time.Duration
}

// Orchestrator executes upstream calls with bounded, status-driven retries.
type Orchestrator struct {
	Transport Transport
	Scheduler *Scheduler
	Logger    observability.Logger
	Clock     func() time.Time

	// Sleep waits between attempts. It must return early when ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	gates map[core.EndpointKey]*gate
}

type gate struct {
	size int
	sem  *semaphore.Weighted
}

// Execute calls upstream. Attempt 1 is the initial try and policy.Attempts
// bounds the retries after it. A failed attempt is retried only when
// shouldRetry accepts its status. The final failure is a *core.UpstreamError
// carrying the last status and message.
func (o *Orchestrator) Execute(ctx context.Context, spec RequestSpec, policy core.RetryPolicy, shouldRetry func(status int) bool) (*CallResult, error) {
	if o == nil || o.Transport == nil {
		return nil, fmt.Errorf("orchestrator is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	logger := observability.OrNop(o.Logger)
	started := o.now()
	maxTries := policy.Attempts + 1
	if maxTries < 1 {
		maxTries = 1
	}

	var last *core.UpstreamError
	for attempt := 1; attempt <= maxTries; attempt++ {
		resp, err := o.attempt(ctx, spec)
		if err == nil {
			return &CallResult{Response: resp, Attempts: attempt, Elapsed: o.now().Sub(started)}, nil
		}

		last = asUpstreamError(err)
		last.Attempts = attempt

		if ctx.Err() != nil {
			return nil, last
		}
		if attempt == maxTries || shouldRetry == nil || !shouldRetry(last.Status) {
			return nil, last
		}

		delay := o.scheduler().RetryDelay(attempt, policy.DelayMs, policy.Backoff)
		logger.Warn("Upstream call failed, retrying",
			zap.String("endpoint", spec.Key.Endpoint),
			zap.String("method", spec.Key.Method),
			zap.Int("attempt", attempt),
			zap.Int("status", last.Status),
			zap.Duration("delay", delay),
			zap.String("error", last.Message))

		if err := o.sleep(ctx, delay); err != nil {
			return nil, &core.UpstreamError{
				Status:   last.Status,
				Message:  fmt.Sprintf("%s (retry aborted: %v)", last.Message, err),
				Attempts: attempt,
				Err:      err,
			}
		}
	}

	return nil, last
}

func (o *Orchestrator) attempt(ctx context.Context, spec RequestSpec) (*upstream.Response, error) {
	g := o.gate(spec.Key, spec.Concurrency)
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, &core.UpstreamError{Message: fmt.Sprintf("waiting for concurrency slot: %v", err), Err: err}
	}
	defer g.sem.Release(1)

	began := o.now()
	resp, err := o.Transport.Call(ctx, spec.Request)
	status := 0
	if resp != nil {
		status = resp.Status
	} else if upstreamErr := asUpstreamError(err); upstreamErr != nil {
		status = upstreamErr.Status
	}
	metrics.RecordUpstreamAttempt(spec.Key.Endpoint, status, o.now().Sub(began))
	return resp, err
}

// gate returns the semaphore for key, replacing it when the configured size
// changed.
func (o *Orchestrator) gate(key core.EndpointKey, size int) *gate {
	if size < 1 {
		size = 1
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gates == nil {
		o.gates = make(map[core.EndpointKey]*gate)
	}
	g, ok := o.gates[key]
	if !ok || g.size != size {
		g = &gate{size: size, sem: semaphore.NewWeighted(int64(size))}
		o.gates[key] = g
	}
	return g
}

func (o *Orchestrator) scheduler() *Scheduler {
	if o.Scheduler != nil {
		return o.Scheduler
	}
	return &Scheduler{Clock: o.Clock}
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) error {
	if o.Sleep != nil {
		return o.Sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}

func (o *Orchestrator) now() time.Time {
	if o != nil && o.Clock != nil {
		return o.Clock()
	}
	return time.Now().UTC()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func asUpstreamError(err error) *core.UpstreamError {
	if err == nil {
		return nil
	}
	var upstreamErr *core.UpstreamError
	if errors.As(err, &upstreamErr) {
		copied := *upstreamErr
		return &copied
	}
	return &core.UpstreamError{Message: err.Error(), Err: err}
}
