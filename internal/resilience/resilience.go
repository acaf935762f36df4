// Package resilience implements the combinator from spec.md §4.5: circuit
// breaker, bulkhead, timeout, hedge, retry, and fallback composed around a
// single protected effect, outermost first. Retry is grounded on
// github.com/avast/retry-go/v5 the way omeyang-XKit's pkg/resilience/xretry
// wraps it; circuit breaking delegates to whatever Breaker the caller wires
// in (see internal/circuit, built on sony/gobreaker/v2).
package resilience

import (
	"context"
	"math/rand"
	"time"

	retry "github.com/avast/retry-go/v5"

	"github.com/wisbric/platform/internal/errs"
)

// Breaker is the subset of a circuit breaker's behavior the combinator
// needs: Allow reports whether the call may proceed, returning a done
// callback the caller must invoke with the call's outcome — mirroring
// gobreaker's TwoStepCircuitBreaker.Allow/done convention so
// internal/circuit.Breaker can implement this directly.
type Breaker interface {
	Allow() (done func(success bool), err error)
}

// Bulkhead bounds fan-out for one named effect via a fixed-size permit
// pool. A nil *Bulkhead, which NewBulkhead returns for capacity <= 0, has
// no capacity limit.
type Bulkhead struct {
	permits chan struct{}
	name    string
}

// NewBulkhead creates a bulkhead admitting at most capacity concurrent
// callers.
func NewBulkhead(name string, capacity int) *Bulkhead {
	if capacity <= 0 {
		return nil
	}
	return &Bulkhead{permits: make(chan struct{}, capacity), name: name}
}

// acquireGrace is the small grace window §4.5 allows a bulkhead permit
// wait before failing with BulkheadError.
const acquireGrace = 25 * time.Millisecond

func (b *Bulkhead) acquire(ctx context.Context) (release func(), err error) {
	if b == nil {
		return func() {}, nil
	}
	timer := time.NewTimer(acquireGrace)
	defer timer.Stop()
	select {
	case b.permits <- struct{}{}:
		return func() { <-b.permits }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, &errs.BulkheadError{Name: b.name, Capacity: cap(b.permits)}
	}
}

// RetryPreset names one of the exponential-with-decorrelated-jitter
// schedules from spec.md §4.5.
type RetryPreset string

const (
	PresetBrief      RetryPreset = "brief"
	PresetDefault    RetryPreset = "default"
	PresetPatient    RetryPreset = "patient"
	PresetPersistent RetryPreset = "persistent"
	PresetDisabled   RetryPreset = ""
)

// scheduleSpec is a pure description of a retry schedule — a first-class
// value independent of retry-go, satisfying "Resilience.schedule('default')
// returns a pure description usable independently of run".
type scheduleSpec struct {
	base        time.Duration
	maxAttempts int
	factor      float64
	cap         time.Duration // 0 = no total-wall-clock cap
}

var presets = map[RetryPreset]scheduleSpec{
	PresetBrief:      {base: 50 * time.Millisecond, maxAttempts: 2, factor: 2},
	PresetDefault:    {base: 100 * time.Millisecond, maxAttempts: 3, factor: 2, cap: 30 * time.Second},
	PresetPatient:    {base: 500 * time.Millisecond, maxAttempts: 5, factor: 2, cap: 5 * time.Minute},
	PresetPersistent: {base: 100 * time.Millisecond, maxAttempts: 5, factor: 2},
}

// Schedule returns the pure retry description for preset. The zero value
// (ok=false) means "retry disabled".
func Schedule(preset RetryPreset) (spec scheduleSpec, ok bool) {
	spec, ok = presets[preset]
	return spec, ok
}

// nextDelay computes decorrelated-jitter exponential backoff: each delay is
// drawn uniformly from [base, previous*factor]. runRetry stops retrying
// once the schedule's total wall-clock budget (cap) has elapsed.
func (s scheduleSpec) nextDelay(attempt int, previous time.Duration) time.Duration {
	if attempt == 0 {
		return s.base
	}
	upper := time.Duration(float64(previous) * s.factor)
	if upper < s.base {
		upper = s.base
	}
	span := upper - s.base
	if span <= 0 {
		return s.base
	}
	return s.base + time.Duration(rand.Int63n(int64(span)))
}

// nonRetriableTags are the error tags §4.5 excludes from retry — client
// errors unlikely to succeed on replay.
var nonRetriableTags = map[string]bool{
	"Auth":       true,
	"Forbidden":  true,
	"Validation": true,
	"NotFound":   true,
	"Conflict":   true,
	"OAuth":      true,
}

// Retriable reports whether err's tag makes it eligible for retry.
func Retriable(err error) bool {
	if err == nil {
		return false
	}
	tag := errs.TagOf(err)
	if tag == "" {
		return true // untagged/internal errors are retriable by default
	}
	return !nonRetriableTags[tag]
}

// Options configures a single Run call. All stages are optional except
// Timeout, which defaults to 30s per §4.5.
type Options struct {
	Circuit  Breaker      // nil disables circuit breaking
	Bulkhead *Bulkhead    // nil disables the bulkhead
	Timeout  time.Duration // 0 -> 30s default
	Hedge    bool
	HedgeDelay time.Duration // 0 -> 100ms default
	Retry    RetryPreset
	Fallback func(error) (any, error) // nil disables fallback
}

const (
	defaultTimeout    = 30 * time.Second
	defaultHedgeDelay = 100 * time.Millisecond
)

// Run executes op under name, composing circuit -> bulkhead -> timeout ->
// hedge -> retry -> fallback, outermost first, per §4.5.
func Run[T any](ctx context.Context, name string, op func(context.Context) (T, error), opts Options) (T, error) {
	var zero T

	if opts.Circuit != nil {
		done, err := opts.Circuit.Allow()
		if err != nil {
			return zero, &errs.CircuitError{Name: name}
		}
		result, runErr := runBulkheadThroughFallback(ctx, name, op, opts)
		done(runErr == nil)
		return result, runErr
	}

	return runBulkheadThroughFallback(ctx, name, op, opts)
}

func runBulkheadThroughFallback[T any](ctx context.Context, name string, op func(context.Context) (T, error), opts Options) (T, error) {
	var zero T

	if opts.Bulkhead != nil {
		release, err := opts.Bulkhead.acquire(ctx)
		if err != nil {
			if be, ok := err.(*errs.BulkheadError); ok {
				return zero, be
			}
			return zero, err
		}
		defer release()
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := runHedgeThroughRetry(tctx, op, opts)
	if err != nil && tctx.Err() == context.DeadlineExceeded {
		err = &errs.TimeoutError{Name: name, Duration: timeout.String()}
	}
	if err != nil && opts.Fallback != nil {
		fb, fbErr := opts.Fallback(err)
		if fbErr != nil {
			return zero, fbErr
		}
		if v, ok := fb.(T); ok {
			return v, nil
		}
		return zero, fbErr
	}
	return result, err
}

func runHedgeThroughRetry[T any](ctx context.Context, op func(context.Context) (T, error), opts Options) (T, error) {
	attempt := func(ctx context.Context) (T, error) {
		return runRetry(ctx, op, opts)
	}

	if !opts.Hedge {
		return attempt(ctx)
	}

	delay := opts.HedgeDelay
	if delay <= 0 {
		delay = defaultHedgeDelay
	}

	type outcome struct {
		value T
		err   error
	}

	hctx, cancel := context.WithCancel(ctx)
	defer cancel()

	primary := make(chan outcome, 1)
	go func() {
		v, err := attempt(hctx)
		primary <- outcome{v, err}
	}()

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case r := <-primary:
		return r.value, r.err
	case <-timer.C:
	case <-hctx.Done():
		r := <-primary
		return r.value, r.err
	}

	secondary := make(chan outcome, 1)
	go func() {
		v, err := attempt(hctx)
		secondary <- outcome{v, err}
	}()

	select {
	case r := <-primary:
		cancel()
		return r.value, r.err
	case r := <-secondary:
		cancel()
		return r.value, r.err
	}
}

func runRetry[T any](ctx context.Context, op func(context.Context) (T, error), opts Options) (T, error) {
	spec, ok := Schedule(opts.Retry)
	if !ok {
		return op(ctx)
	}

	lastDelay := spec.base
	start := time.Now()
	retrier := retry.NewWithData[T](
		retry.Context(ctx),
		retry.Attempts(uint(spec.maxAttempts)),
		retry.RetryIf(func(err error) bool {
			return Retriable(err) && (spec.cap == 0 || time.Since(start) < spec.cap)
		}),
		retry.LastErrorOnly(true),
		retry.DelayType(func(n uint, _ error, _ retry.DelayContext) time.Duration {
			lastDelay = spec.nextDelay(int(n), lastDelay)
			if spec.cap > 0 && lastDelay > spec.cap {
				lastDelay = spec.cap
			}
			return lastDelay
		}),
	)
	return retrier.Do(func() (T, error) {
		return op(ctx)
	})
}
