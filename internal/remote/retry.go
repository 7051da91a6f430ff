package remote

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"fleetmon/internal/backoff"
	"fleetmon/internal/logging"
)

type retrying struct {
	next   Executor
	policy backoff.Policy
	logger *zap.Logger
}

// WithRetry wraps an Executor so that unreachable failures are retried with
// the given backoff policy. Every other failure is returned immediately.
func WithRetry(next Executor, policy backoff.Policy, logger *zap.Logger) Executor {
	return &retrying{next: next, policy: policy, logger: logging.OrNop(logger).Named("remote")}
}

func (r *retrying) Execute(ctx context.Context, targetID, command string, timeout time.Duration) (string, error) {
	var out string
	err := backoff.Retry(ctx, r.policy, func() error {
		res, err := r.next.Execute(ctx, targetID, command, timeout)
		if err == nil {
			out = res
			return nil
		}
		if errors.Is(err, ErrUnreachable) {
			return err
		}
		return backoff.Permanent(err)
	}, func(err error, wait time.Duration) {
		r.logger.Debug("Retrying remote command",
			zap.String("target", targetID),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	if err != nil && ctx.Err() != nil && KindOf(err) == "" {
		return "", newError(KindTimeout, targetID, err)
	}
	return out, err
}
