// Package retry provides the bounded polling policy shared by every
// wait-until-ready loop: control injection, manifest readiness and
// auto-download.
package retry

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrExhausted is returned when every attempt ran without success.
	ErrExhausted = errors.New("retry attempts exhausted")
	// ErrCancelled is returned when the cancel flag was raised before a
	// scheduled attempt.
	ErrCancelled = errors.New("retry cancelled")
)

// Schedule yields the wait before delayed attempt n (1-based).
type Schedule interface {
	Delay(attempt int) time.Duration
}

// Fixed waits the same duration before every attempt.
type Fixed time.Duration

func (f Fixed) Delay(int) time.Duration { return time.Duration(f) }

// Ladder waits attempt*Step for the first RampUntil attempts and Flat after.
type Ladder struct {
	Step      time.Duration
	RampUntil int
	Flat      time.Duration
}

func (l Ladder) Delay(attempt int) time.Duration {
	if attempt <= l.RampUntil {
		return time.Duration(attempt) * l.Step
	}
	return l.Flat
}

// Policy bounds a polling loop.
//
// MaxAttempts counts delayed attempts. Immediate adds one attempt, numbered
// 0, that runs before the first wait. Cancelled is checked before every
// attempt; once it reports true no further attempt runs.
type Policy struct {
	MaxAttempts int
	Schedule    Schedule
	Immediate   bool
	Cancelled   func() bool
}

// WithCancel returns a copy of p that stops when cancelled reports true.
func (p Policy) WithCancel(cancelled func() bool) Policy {
	p.Cancelled = cancelled
	return p
}

// Total returns the summed wait of a run that exhausts every attempt.
func (p Policy) Total() time.Duration {
	var total time.Duration
	for i := 1; i <= p.MaxAttempts; i++ {
		total += p.delay(i)
	}
	return total
}

func (p Policy) delay(attempt int) time.Duration {
	if p.Schedule == nil {
		return 0
	}
	return p.Schedule.Delay(attempt)
}

func (p Policy) cancelled() bool {
	return p.Cancelled != nil && p.Cancelled()
}

// Do runs fn until it reports done, returns an error, the attempts run out
// or the loop is cancelled. An error from fn ends the loop immediately.
func (p Policy) Do(ctx context.Context, fn func(attempt int) (done bool, err error)) error {
	_, err := Value(ctx, p, func(attempt int) (struct{}, bool, error) {
		done, err := fn(attempt)
		return struct{}{}, done, err
	})
	return err
}

// Value is Do for loops that produce a result.
func Value[T any](ctx context.Context, p Policy, fn func(attempt int) (T, bool, error)) (T, error) {
	var zero T

	if p.Immediate {
		if p.cancelled() {
			return zero, ErrCancelled
		}
		v, done, err := fn(0)
		if err != nil {
			return zero, err
		}
		if done {
			return v, nil
		}
	}

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		timer := time.NewTimer(p.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}

		if p.cancelled() {
			return zero, ErrCancelled
		}
		v, done, err := fn(attempt)
		if err != nil {
			return zero, err
		}
		if done {
			return v, nil
		}
	}
	return zero, ErrExhausted
}

// Named policies used across the content logic.
var (
	// Injection waits for the share control to render.
	Injection = Policy{MaxAttempts: 20, Schedule: Fixed(100 * time.Millisecond), Immediate: true}
	// ManifestReady waits for the detail page to embed the manifest:
	// 1s, 2s, 3s, 4s, 5s, then 2s each.
	ManifestReady = Policy{
		MaxAttempts: 10,
		Schedule:    Ladder{Step: time.Second, RampUntil: 5, Flat: 2 * time.Second},
		Immediate:   true,
	}
	// AutoDownload waits for the injected control after a redirect.
	AutoDownload = Policy{MaxAttempts: 30, Schedule: Fixed(time.Second)}
)
