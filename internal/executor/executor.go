// Package executor schedules calls to the generative image API under
// per-model-tier concurrency and pacing ceilings, retrying throttled calls
// with jittered exponential backoff. It is the only pipeline component with
// provider-facing concurrency control; user-facing concurrency is handled
// separately by the usage gate.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"tryon/internal/domain"
	"tryon/internal/genai"
	"tryon/internal/prompt"
)

const (
	// maxAttempts bounds retries on provider throttling.
	maxAttempts = 3
	// baseBackoff seeds the exponential backoff: base * 2^attempt.
	baseBackoff = 500 * time.Millisecond
	// maxJitter is added on top of the computed backoff to avoid synchronized
	// retry storms.
	maxJitter = 150 * time.Millisecond

	// Pro tier pool: strict provider limits.
	proMaxConcurrent = 2
	proMinInterval   = 500 * time.Millisecond

	// Standard tier pool: looser provider limits.
	standardMaxConcurrent = 4
	standardMinInterval   = 200 * time.Millisecond
)

// RateLimitExhaustedError is raised after all throttled attempts are spent.
// RetryAfter carries the last computed backoff so callers can surface a
// "try again in N seconds" message.
type RateLimitExhaustedError struct {
	Attempts   int
	RetryAfter time.Duration
}

func (e *RateLimitExhaustedError) Error() string {
	return fmt.Sprintf("rate limit exhausted after %d attempts, retry after %s", e.Attempts, e.RetryAfter)
}

// RetryAfterMs returns the suggested wait in whole milliseconds, never below 1.
func (e *RateLimitExhaustedError) RetryAfterMs() int64 {
	ms := e.RetryAfter.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return ms
}

// ModelCaller is the slice of the genai client the executor needs. Tests stub
// it to simulate provider behaviour.
type ModelCaller interface {
	EditImage(ctx context.Context, model string, imageParts [][]byte, instruction string) ([]byte, error)
}

type pool struct {
	slots   chan struct{}
	limiter *rate.Limiter
}

func newPool(maxConcurrent int, minInterval time.Duration) *pool {
	return &pool{
		slots:   make(chan struct{}, maxConcurrent),
		limiter: rate.NewLimiter(rate.Every(minInterval), 1),
	}
}

func (p *pool) acquire(ctx context.Context) error {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	// Pace starts even when a slot is free so consecutive launches keep the
	// minimum spacing the provider expects.
	if err := p.limiter.Wait(ctx); err != nil {
		<-p.slots
		return err
	}
	return nil
}

func (p *pool) release() {
	<-p.slots
}

// Executor routes payloads to the tier-appropriate pool and model.
type Executor struct {
	caller        ModelCaller
	standardModel string
	proModel      string
	logger        zerolog.Logger

	standardPool *pool
	proPool      *pool

	sleep func(context.Context, time.Duration) error

	mu  sync.Mutex
	rng *rand.Rand
}

// Option customizes the executor.
type Option func(*Executor)

// WithSleeper overrides how backoff waits are performed (useful for tests).
func WithSleeper(sleep func(context.Context, time.Duration) error) Option {
	return func(e *Executor) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// WithRandSeed makes jitter deterministic for tests.
func WithRandSeed(seed int64) Option {
	return func(e *Executor) {
		e.rng = rand.New(rand.NewSource(seed))
	}
}

// New constructs an executor over the given model caller.
func New(caller ModelCaller, standardModel, proModel string, logger zerolog.Logger, opts ...Option) *Executor {
	e := &Executor{
		caller:        caller,
		standardModel: standardModel,
		proModel:      proModel,
		logger:        logger,
		standardPool:  newPool(standardMaxConcurrent, standardMinInterval),
		proPool:       newPool(proMaxConcurrent, proMinInterval),
		sleep:         sleepCtx,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Generate runs one generation call under the tier's pool, retrying throttled
// responses. It returns the generated image bytes and the number of provider
// calls consumed (for cost accounting), including failed attempts.
func (e *Executor) Generate(ctx context.Context, payload prompt.Payload) ([]byte, int, error) {
	model := e.standardModel
	p := e.standardPool
	if payload.Tier == domain.TierPro {
		model = e.proModel
		p = e.proPool
	}

	calls := 0
	var lastBackoff time.Duration
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := p.acquire(ctx); err != nil {
			return nil, calls, err
		}
		data, err := e.caller.EditImage(ctx, model, payload.ImageParts, payload.Instruction)
		p.release()
		calls++

		if err == nil {
			return data, calls, nil
		}

		var rle *genai.RateLimitError
		if !errors.As(err, &rle) {
			// Non-transient provider errors fail fast.
			return nil, calls, fmt.Errorf("%w: %v", domain.ErrProviderFailure, err)
		}

		lastBackoff = e.backoff(attempt, rle.RetryAfter)
		e.logger.Warn().
			Int("attempt", attempt+1).
			Dur("backoff", lastBackoff).
			Str("model", model).
			Msg("executor: provider throttled, backing off")

		if attempt == maxAttempts-1 {
			break
		}
		if err := e.sleep(ctx, lastBackoff); err != nil {
			return nil, calls, err
		}
	}

	return nil, calls, &RateLimitExhaustedError{Attempts: maxAttempts, RetryAfter: lastBackoff}
}

// Backoff returns the base delay for a retry attempt index without jitter:
// baseBackoff * 2^attempt.
func Backoff(attempt int) time.Duration {
	d := baseBackoff
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	return d
}

// backoff computes the wait before the next attempt. A provider-supplied
// Retry-After takes precedence over the exponential schedule; jitter is added
// either way.
func (e *Executor) backoff(attempt int, retryAfter time.Duration) time.Duration {
	d := Backoff(attempt)
	if retryAfter > 0 {
		d = retryAfter
	}
	return d + e.jitter()
}

func (e *Executor) jitter() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return time.Duration(e.rng.Int63n(int64(maxJitter)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
