package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/BaSui01/agentfabric/types"
)

// jitterFraction 抖动范围：±25%
const jitterFraction = 0.25

// DefaultPolicy 返回默认的重试策略
// maxAttempts 计入首次调用
func DefaultPolicy() types.RetryPolicy {
	return types.RetryPolicy{
		MaxAttempts:     3,
		BackoffStrategy: types.BackoffExponential,
		BaseDelay:       100 * time.Millisecond,
		MaxDelay:        5 * time.Second,
		Jitter:          true,
	}
}

// Normalize 用 fallback 补齐 p 中缺失或非法的字段
// p 为 nil 时直接返回 fallback
func Normalize(p *types.RetryPolicy, fallback types.RetryPolicy) types.RetryPolicy {
	if p == nil {
		return fallback
	}
	out := *p
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = fallback.MaxAttempts
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 1
	}
	switch out.BackoffStrategy {
	case types.BackoffLinear, types.BackoffExponential, types.BackoffFixed:
	default:
		out.BackoffStrategy = fallback.BackoffStrategy
	}
	if out.BaseDelay <= 0 {
		out.BaseDelay = fallback.BaseDelay
	}
	if out.MaxDelay <= 0 {
		out.MaxDelay = fallback.MaxDelay
	}
	if out.MaxDelay < out.BaseDelay {
		out.MaxDelay = out.BaseDelay
	}
	return out
}

// BaseDelay 计算第 retry 次重试（从 1 开始）抖动前的延迟
//
//	linear:      base * retry
//	exponential: base * 2^(retry-1)
//	fixed:       base
//
// 结果不超过 MaxDelay
func BaseDelay(p types.RetryPolicy, retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	base := float64(p.BaseDelay)
	var delay float64
	switch p.BackoffStrategy {
	case types.BackoffLinear:
		delay = base * float64(retry)
	case types.BackoffFixed:
		delay = base
	default:
		delay = base * math.Pow(2, float64(retry-1))
	}
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// Delay 计算第 retry 次重试的实际等待时间
// 开启 Jitter 时叠加 ±25% 随机抖动，结果夹在 [BaseDelay, MaxDelay] 内
func Delay(p types.RetryPolicy, retry int) time.Duration {
	delay := float64(BaseDelay(p, retry))
	if p.Jitter {
		delay += (rand.Float64()*2 - 1) * delay * jitterFraction
	}
	if delay < float64(p.BaseDelay) {
		delay = float64(p.BaseDelay)
	}
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// ShouldRetry 判断第 attempts 次调用失败后是否还应重试
// 错误需可重试（kind 默认或处理器显式标记），且尚未达到 MaxAttempts
func ShouldRetry(p types.RetryPolicy, attempts int, err error) bool {
	if err == nil || attempts >= p.MaxAttempts {
		return false
	}
	return types.IsRetryable(err)
}
