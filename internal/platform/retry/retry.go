package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	// DefaultMaxAttempts はデフォルトの最大試行回数（初回 + リトライ）
	DefaultMaxAttempts = 4

	// DefaultBaseDelay はExponential Backoffの基底時間
	DefaultBaseDelay = 2 * time.Second

	// DefaultMaxDelay はExponential Backoffの最大待機時間
	DefaultMaxDelay = 32 * time.Second
)

// ErrMaxAttemptsExceeded は最大試行回数を超過した場合のエラー
var ErrMaxAttemptsExceeded = errors.New("max retry attempts exceeded")

// Policy はリトライ方針を表します
// Embedding生成と回答生成で同一のバックオフ方針を共有するための設定オブジェクトです
type Policy struct {
	// MaxAttempts は最大試行回数（1以上、初回実行を含む）
	MaxAttempts int
	// BaseDelay は初回リトライ前の待機時間
	BaseDelay time.Duration
	// MaxDelay は待機時間の上限
	MaxDelay time.Duration
	// Retryable はリトライすべきエラーかどうかを判定します
	// nilの場合はすべてのエラーをリトライ対象とします
	Retryable func(error) bool
}

// DefaultPolicy はデフォルトのリトライ方針を返します
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

// Do はfnをリトライ方針に従って実行します
// リトライ不能なエラーは即座に返します
// 全試行が失敗した場合はErrMaxAttemptsExceededでラップして返します
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.delay(attempt)):
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		if ctx.Err() != nil {
			return err
		}

		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}

		lastErr = err
	}

	return fmt.Errorf("%w: %w", ErrMaxAttemptsExceeded, lastErr)
}

// delay は attempt 回目の試行前の待機時間を計算します（attempt >= 2）
func (p Policy) delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	d := time.Duration(math.Pow(2, float64(attempt-2))) * base
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
