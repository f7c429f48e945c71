// Package retry runs an operation until it succeeds, the strategy gives up
// or the context ends.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/zsiec/peerdecode/internal/logger"
)

// Strategy yields the delay before each retry
type Strategy interface {
	// NextDelay returns the next delay and whether to retry at all
	NextDelay() (time.Duration, bool)
	Reset()
}

// ExponentialBackoff grows the delay by Multiplier up to MaxDelay, with
// ±20% jitter. MaxRetries of zero retries forever.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxRetries   int

	currentDelay time.Duration
	retryCount   int
	mu           sync.Mutex
}

// NewExponentialBackoff creates a new exponential backoff strategy
func NewExponentialBackoff(initialDelay, maxDelay time.Duration, multiplier float64, maxRetries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: initialDelay,
		MaxDelay:     maxDelay,
		Multiplier:   multiplier,
		MaxRetries:   maxRetries,
		currentDelay: initialDelay,
	}
}

func (e *ExponentialBackoff) NextDelay() (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.MaxRetries > 0 && e.retryCount >= e.MaxRetries {
		return 0, false
	}

	jitter := 0.8 + 0.4*rand.Float64()
	delay := time.Duration(float64(e.currentDelay) * jitter)

	e.currentDelay = time.Duration(float64(e.currentDelay) * e.Multiplier)
	if e.currentDelay > e.MaxDelay {
		e.currentDelay = e.MaxDelay
	}
	e.retryCount++

	return delay, true
}

func (e *ExponentialBackoff) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.currentDelay = e.InitialDelay
	e.retryCount = 0
}

// ConstantBackoff waits Delay between attempts
type ConstantBackoff struct {
	Delay      time.Duration
	MaxRetries int

	retryCount int
	mu         sync.Mutex
}

// NewConstantBackoff creates a fixed-delay strategy
func NewConstantBackoff(delay time.Duration, maxRetries int) *ConstantBackoff {
	return &ConstantBackoff{Delay: delay, MaxRetries: maxRetries}
}

func (c *ConstantBackoff) NextDelay() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.MaxRetries > 0 && c.retryCount >= c.MaxRetries {
		return 0, false
	}
	c.retryCount++
	return c.Delay, true
}

func (c *ConstantBackoff) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retryCount = 0
}

// Do calls fn until it returns nil. It returns the last error once the
// strategy gives up, or the context error if ctx ends first.
func Do(ctx context.Context, s Strategy, log logger.Logger, op string, fn func(context.Context) error) error {
	if log == nil {
		log = logger.NewNullLogger()
	}
	s.Reset()

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		delay, ok := s.NextDelay()
		if !ok {
			return fmt.Errorf("%s failed after %d attempts: %w", op, attempt, err)
		}

		log.WithError(err).WithFields(map[string]interface{}{
			"operation": op,
			"attempt":   attempt,
			"retry_in":  delay.String(),
		}).Warn("Operation failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
