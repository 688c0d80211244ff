package retry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Chichichkin/LogzioShipper/internal/logging"
)

const (
	DefaultMaxAttempts  = 3
	DefaultInitialDelay = 2 * time.Second
)

type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultInitialDelay
	}
	return p
}

// Delay returns the wait before the given attempt (2..MaxAttempts).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	return p.InitialDelay << (attempt - 2)
}

type State int

const (
	Succeeded State = iota
	// Rejected: the listener refused the batch; it is discarded, never retried.
	Rejected
	// GivenUp: every attempt ended in a retryable outcome.
	GivenUp
)

func (s State) String() string {
	switch s {
	case Succeeded:
		return "succeeded"
	case Rejected:
		return "rejected"
	case GivenUp:
		return "given_up"
	default:
		return "unknown"
	}
}

type Result struct {
	State    State
	Attempts int
	Last     logging.Outcome
}

// Sleeper waits for d or until ctx is done, whichever comes first.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the Sleeper backed by a real timer.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendFunc performs one upload attempt.
type SendFunc func(ctx context.Context, batch logging.Batch) logging.Outcome

type Option func(*Controller)

func WithSleeper(sleep Sleeper) Option {
	return func(c *Controller) { c.sleep = sleep }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// Controller drives one batch through its send attempts.
type Controller struct {
	policy Policy
	sleep  Sleeper
	logger *zap.Logger
}

func New(policy Policy, opts ...Option) *Controller {
	c := &Controller{
		policy: policy.withDefaults(),
		sleep:  Sleep,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) Policy() Policy {
	return c.policy
}

// Deliver sends batch until it succeeds, is rejected, or MaxAttempts
// retryable outcomes have been seen. The delay between attempts doubles
// each time, starting at InitialDelay. A cancelled ctx stops the wait and
// the error is returned with the partial result.
func (c *Controller) Deliver(ctx context.Context, batch logging.Batch, send SendFunc) (Result, error) {
	var result Result

	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		if delay := c.policy.Delay(attempt); delay > 0 {
			c.logger.Warn("retrying batch",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", c.policy.MaxAttempts),
				zap.Duration("delay", delay),
				zap.Stringer("last_outcome", result.Last),
			)
			if err := c.sleep(ctx, delay); err != nil {
				return result, err
			}
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		result.Attempts = attempt
		result.Last = send(ctx, batch)

		switch {
		case result.Last.Kind == logging.OutcomeOK:
			result.State = Succeeded
			return result, nil
		case !result.Last.Retryable():
			result.State = Rejected
			return result, nil
		}
	}

	result.State = GivenUp
	return result, nil
}
