// Package httpretry executes resty requests behind a rate limiter with a
// bounded retry loop. It is the shared transport policy for every outbound
// HTTP client in the service.
package httpretry

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxRetries = 3

// Executor runs requests through a shared rate limiter and retries transient
// failures: 429 honours Retry-After, 5xx and transport errors back off
// exponentially, any other error status fails immediately.
type Executor struct {
	limiter *rate.Limiter
	logger  *zap.Logger

	// passNotFound hands a 404 response back to the caller instead of
	// treating it as a failure.
	passNotFound bool
}

// New creates an executor. All requests through it share the limiter.
func New(limiter *rate.Limiter, logger *zap.Logger) *Executor {
	return &Executor{limiter: limiter, logger: logger}
}

// WithPassNotFound returns a copy of the executor that hands 404 responses
// back to the caller. Absence is an answer, not a failure.
func (e *Executor) WithPassNotFound() *Executor {
	out := *e
	out.passNotFound = true
	return &out
}

// Do handles the actual request execution with rate limiting and retry logic.
func (e *Executor) Do(ctx context.Context, method, url string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error

	for i := 0; i < maxRetries; i++ {
		// Wait for the rate limiter
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		resp, err = req.Execute(method, url)
		if err == nil && !resp.IsError() {
			return resp, nil // Success
		}
		if err == nil && e.passNotFound && resp.StatusCode() == http.StatusNotFound {
			return resp, nil
		}

		shouldRetry := false
		var retryAfter time.Duration

		if resp != nil && err == nil {
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests {
				shouldRetry = true
				if seconds, convErr := strconv.Atoi(resp.Header().Get("Retry-After")); convErr == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 {
				shouldRetry = true
			}
		} else { // Network or other client-side errors
			shouldRetry = true
		}

		if !shouldRetry {
			return nil, fmt.Errorf("request failed with status %s: %s", resp.Status(), resp.String())
		}

		if retryAfter == 0 {
			// Exponential backoff: 1s, 2s, 4s
			retryAfter = time.Duration(math.Pow(2, float64(i))) * time.Second
		}

		e.logger.Warn("Request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", maxRetries, err)
}
