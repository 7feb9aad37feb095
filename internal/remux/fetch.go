// Package remux is the background merger: it downloads the chosen video
// and audio streams and remuxes them into one MP4 without re-encoding.
package remux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"
)

// RetryConfig controls fetch retries.
type RetryConfig struct {
	MaxRetries  int
	InitialWait time.Duration
	MaxWait     time.Duration
	Multiplier  float64
}

// DefaultRetry retries transient failures three times.
var DefaultRetry = RetryConfig{
	MaxRetries:  3,
	InitialWait: 500 * time.Millisecond,
	MaxWait:     5 * time.Second,
	Multiplier:  2.0,
}

// DefaultRate is the default number of stream requests per second.
const DefaultRate = 4

// Fetcher downloads stream URLs to local files.
type Fetcher struct {
	Client  *http.Client
	Limiter *rate.Limiter
	Retry   RetryConfig
	// UserAgent is sent with every request when set.
	UserAgent string
}

// NewFetcher returns a Fetcher allowing perSecond requests per second.
func NewFetcher(perSecond float64) *Fetcher {
	if perSecond <= 0 {
		perSecond = DefaultRate
	}
	return &Fetcher{
		Client:  &http.Client{Timeout: 5 * time.Minute},
		Limiter: rate.NewLimiter(rate.Limit(perSecond), 2),
		Retry:   DefaultRetry,
	}
}

type statusError struct {
	url  string
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("GET %s: HTTP %d", e.url, e.code)
}

// Fetch writes the body of url to dst. Transient failures are retried with
// exponential backoff; every attempt waits for the rate limiter first.
func (f *Fetcher) Fetch(ctx context.Context, url, dst string) (int64, error) {
	attempt := 0
	operation := func() (int64, error) {
		attempt++
		if err := f.Limiter.Wait(ctx); err != nil {
			return 0, backoff.Permanent(err)
		}
		n, err := f.fetchOnce(ctx, url, dst)
		if err != nil && !retryable(err) {
			return n, backoff.Permanent(err)
		}
		return n, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.Retry.InitialWait
	bo.MaxInterval = f.Retry.MaxWait
	bo.Multiplier = f.Retry.Multiplier

	n, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(f.Retry.MaxRetries+1)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.Printf("[Fetch] retry %d for %s in %s: %v", attempt, url, wait, err)
		}),
	)
	if err != nil {
		os.Remove(dst)
		return 0, err
	}
	return n, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, url, dst string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return 0, &statusError{url: url, code: resp.StatusCode}
	}

	out, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", dst, err)
	}
	n, err := io.Copy(out, resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("write %s: %w", dst, err)
	}
	return n, nil
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}
