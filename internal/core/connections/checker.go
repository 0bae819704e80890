package connections

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	defaultMaxAttempts = 5
	defaultBaseBackoff = 1 * time.Second
	defaultBackoffCap  = 8 * time.Second
)

// Checker converges the UI on ground truth right after a connect or
// disconnect, retrying with exponential backoff while the backing store is
// still eventually consistent.
type Checker struct {
	status *StatusService
	logger *slog.Logger

	maxAttempts uint64
	baseBackoff time.Duration
	backoffCap  time.Duration
}

// NewChecker creates a checker with the default schedule: up to 5 attempts,
// backoff 1s, 2s, 4s, 8s (capped).
func NewChecker(status *StatusService, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		status:      status,
		logger:      logger,
		maxAttempts: defaultMaxAttempts,
		baseBackoff: defaultBaseBackoff,
		backoffCap:  defaultBackoffCap,
	}
}

// SetSchedule overrides the retry schedule. Test helper.
func (c *Checker) SetSchedule(maxAttempts uint64, base, cap time.Duration) {
	c.maxAttempts = maxAttempts
	c.baseBackoff = base
	c.backoffCap = cap
}

// errStillPending drives the retry loop when a check came back without a
// definitive connected/disconnected answer.
var errStillPending = errors.New("connection state still pending")

// CheckWithRetry polls the status service until it reaches a terminal state:
// connected (success), disconnected (the probe definitively said no), or
// error after the attempts are exhausted. Cancelling the context tears down
// all pending backoff timers, so a user change never leaves a stale loop
// running against the old user.
func (c *Checker) CheckWithRetry(ctx context.Context, userID string) (StatusInfo, error) {
	if userID == "" {
		return StatusInfo{Status: StatusIdle}, ErrAuthRequired
	}

	backoff := retry.NewExponential(c.baseBackoff)
	backoff = retry.WithCappedDuration(c.backoffCap, backoff)
	backoff = retry.WithMaxRetries(c.maxAttempts-1, backoff)

	var last StatusInfo
	attempt := 0

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		info, err := c.status.CheckStatus(ctx, userID, true, true)
		if err != nil {
			c.logger.Warn("connection check attempt failed",
				"user_id", userID, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}

		last = info
		switch info.Status {
		case StatusConnected, StatusDisconnected:
			return nil
		default:
			return retry.RetryableError(errStillPending)
		}
	})

	if err != nil {
		if ctx.Err() != nil {
			// Teardown or user change; not a terminal error state.
			return last, ctx.Err()
		}
		c.logger.Error("connection check attempts exhausted",
			"user_id", userID, "attempts", attempt, "error", err)
		return c.status.MarkError(userID, err), err
	}
	return last, nil
}
