package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/assist-by/bulwark/internal/exchange"
)

// RetryConfig는 재시도 설정을 정의합니다
type RetryConfig struct {
	MaxAttempts int           // 첫 시도를 포함한 최대 시도 횟수
	BaseDelay   time.Duration // 기본 대기 시간
	MaxDelay    time.Duration // 최대 대기 시간
	Factor      float64       // 대기 시간 증가 계수
}

// DefaultRetryConfig는 1s→2s→4s 백오프의 3회 시도 설정을 반환합니다
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    4 * time.Second,
		Factor:      2,
	}
}

// withRetry는 일시적 오류에 한해 fn을 지수 백오프로 재시도합니다.
// onError는 실패한 시도마다 호출됩니다.
func withRetry(ctx context.Context, cfg RetryConfig, log *logrus.Entry, operation string, onError func(error), fn func() error) error {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := cfg.BaseDelay

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if onError != nil {
			onError(err)
		}

		if !exchange.IsRetryable(err) {
			log.WithError(err).Debugf("%s 실패 (재시도 불필요)", operation)
			return err
		}
		if attempt == attempts {
			break
		}

		log.WithError(err).Warnf("%s 실패 (attempt %d/%d)", operation, attempt, attempts)
		if err := sleep(ctx, delay); err != nil {
			return err
		}
		delay = time.Duration(float64(delay) * cfg.Factor)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return fmt.Errorf("%s 최대 재시도 횟수 초과: %w", operation, lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
