package retry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentfabric/types"
)

// Do 执行 fn，失败时按策略阻塞重试
// 仅用于 CLI、启动探测等允许阻塞的场景；Manager 的重试走定时器重新入队
func Do(ctx context.Context, policy types.RetryPolicy, logger *zap.Logger, fn func(ctx context.Context) error) error {
	_, err := DoWithResult(ctx, policy, logger, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoWithResult 是 Do 的泛型版本
func DoWithResult[T any](ctx context.Context, policy types.RetryPolicy, logger *zap.Logger, fn func(ctx context.Context) (T, error)) (T, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	policy = Normalize(&policy, DefaultPolicy())

	var (
		zero    T
		lastErr error
	)
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := Delay(policy, attempt-1)
			logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", policy.MaxAttempts),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, fmt.Errorf("retry canceled: %w", ctx.Err())
			case <-timer.C:
			}
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !ShouldRetry(policy, attempt, err) {
			break
		}
	}

	logger.Warn("retries exhausted", zap.Int("attempts", policy.MaxAttempts), zap.Error(lastErr))
	return zero, lastErr
}
