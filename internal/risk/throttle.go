// Package risk는 최근 거래 성과에 따라 포지션 크기를 줄이거나 신규 매수를 막는 스로틀을 구현합니다.
package risk

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/assist-by/bulwark/internal/cache"
	"github.com/assist-by/bulwark/internal/domain"
	"github.com/assist-by/bulwark/internal/logger"
)

// Severity는 최근 성과 악화 정도입니다
type Severity string

const (
	SeverityNormal           Severity = "NORMAL"
	SeverityWeak             Severity = "WEAK"
	SeverityCritical         Severity = "CRITICAL"
	SeverityInsufficientData Severity = "INSUFFICIENT_DATA"
	SeverityDisabled         Severity = "DISABLED"
)

// Decision은 스로틀 판단 결과입니다
type Decision struct {
	Market                  string
	Strategy                string
	Multiplier              float64 // (0, 1]
	Severity                Severity
	BlockNewBuys            bool
	SampleSize              int
	RecentConsecutiveLosses int
	WinRate                 float64 // 0~1
	AvgPnLPercent           float64
	EvaluatedAt             time.Time
}

// TradeHistory는 청산된 거래 이력을 조회합니다
type TradeHistory interface {
	// RecentClosedTrades는 최신순으로 최대 limit개의 청산 결과를 반환합니다
	RecentClosedTrades(ctx context.Context, market, strategy string, limit int) ([]domain.TradeOutcome, error)
}

// Config는 스로틀 설정입니다
type Config struct {
	Enabled                   bool
	Lookback                  int
	MinSampleSize             int
	WeakWinRate               float64
	WeakAvgPnLPercent         float64
	WeakMultiplier            float64
	CriticalWinRate           float64
	CriticalAvgPnLPercent     float64
	CriticalConsecutiveLosses int
	CriticalMultiplier        float64
	CacheTTL                  time.Duration
}

// DefaultConfig는 기본 스로틀 설정을 반환합니다
func DefaultConfig() Config {
	return Config{
		Enabled:                   true,
		Lookback:                  20,
		MinSampleSize:             5,
		WeakWinRate:               0.40,
		WeakAvgPnLPercent:         -0.3,
		WeakMultiplier:            0.7,
		CriticalWinRate:           0.25,
		CriticalAvgPnLPercent:     -1.0,
		CriticalConsecutiveLosses: 4,
		CriticalMultiplier:        0.45,
		CacheTTL:                  30 * time.Second,
	}
}

// Throttle은 (market, strategy)별 스로틀 판단을 짧게 캐시하여 제공합니다
type Throttle struct {
	cfg     Config
	history TradeHistory
	cache   *cache.TTL[string, Decision]
	now     func() time.Time
	log     *logrus.Entry
}

// Option은 Throttle 생성 옵션입니다
type Option func(*Throttle)

// WithClock은 시간 함수를 교체합니다 (테스트용)
func WithClock(now func() time.Time) Option {
	return func(t *Throttle) {
		t.now = now
	}
}

// NewThrottle은 새로운 스로틀을 생성합니다
func NewThrottle(cfg Config, history TradeHistory, opts ...Option) *Throttle {
	t := &Throttle{
		cfg:     cfg,
		history: history,
		now:     time.Now,
		log:     logger.Component("risk-throttle"),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.cache = cache.New[string, Decision](cfg.CacheTTL, cache.WithClock[string, Decision](t.now))
	return t
}

// GetDecision은 최근 청산 거래를 기준으로 스로틀 판단을 반환합니다.
// forceRefresh가 true이면 캐시를 무시하고 다시 계산합니다.
func (t *Throttle) GetDecision(ctx context.Context, market, strategy string, forceRefresh bool) Decision {
	market = domain.NormalizeMarket(market)
	key := cacheKey(market, strategy)

	if !t.cfg.Enabled {
		return Decision{Market: market, Strategy: strategy, Multiplier: 1.0, Severity: SeverityDisabled, EvaluatedAt: t.now()}
	}

	if !forceRefresh {
		if d, ok := t.cache.Get(key); ok {
			return d
		}
	}

	trades, err := t.history.RecentClosedTrades(ctx, market, strategy, t.cfg.Lookback)
	if err != nil {
		// 이력 조회 실패는 캐시하지 않고 중립 판단을 반환
		t.log.WithError(err).WithFields(logrus.Fields{
			"market":   market,
			"strategy": strategy,
		}).Warn("거래 이력 조회 실패")
		return Decision{Market: market, Strategy: strategy, Multiplier: 1.0, Severity: SeverityInsufficientData, EvaluatedAt: t.now()}
	}

	d := t.evaluate(market, strategy, trades)
	t.cache.Set(key, d)

	if d.Severity == SeverityWeak || d.Severity == SeverityCritical {
		t.log.WithFields(logrus.Fields{
			"market":     market,
			"strategy":   strategy,
			"severity":   d.Severity,
			"multiplier": d.Multiplier,
			"win_rate":   fmt.Sprintf("%.2f", d.WinRate),
			"avg_pnl":    fmt.Sprintf("%.2f%%", d.AvgPnLPercent),
			"loss_run":   d.RecentConsecutiveLosses,
		}).Info("리스크 스로틀 적용")
	}
	return d
}

// Invalidate는 (market, strategy) 캐시를 무효화합니다
func (t *Throttle) Invalidate(market, strategy string) {
	t.cache.Delete(cacheKey(domain.NormalizeMarket(market), strategy))
}

// InvalidateMarket은 마켓의 모든 전략 캐시를 무효화합니다
func (t *Throttle) InvalidateMarket(market string) {
	prefix := domain.NormalizeMarket(market) + "|"
	t.cache.DeleteFunc(func(key string) bool {
		return strings.HasPrefix(key, prefix)
	})
}

// InvalidateAll은 전체 캐시를 비웁니다
func (t *Throttle) InvalidateAll() {
	t.cache.Clear()
}

func (t *Throttle) evaluate(market, strategy string, trades []domain.TradeOutcome) Decision {
	d := Decision{
		Market:      market,
		Strategy:    strategy,
		Multiplier:  1.0,
		Severity:    SeverityInsufficientData,
		SampleSize:  len(trades),
		EvaluatedAt: t.now(),
	}
	if len(trades) < t.cfg.MinSampleSize {
		return d
	}

	wins := 0
	sum := 0.0
	for _, tr := range trades {
		if tr.IsWin() {
			wins++
		}
		sum += tr.PnLPercent
	}
	// 최신순이므로 앞에서부터 연속 손실을 셈
	for _, tr := range trades {
		if tr.IsWin() {
			break
		}
		d.RecentConsecutiveLosses++
	}

	d.WinRate = float64(wins) / float64(len(trades))
	d.AvgPnLPercent = sum / float64(len(trades))

	switch {
	case d.RecentConsecutiveLosses >= t.cfg.CriticalConsecutiveLosses,
		d.WinRate <= t.cfg.CriticalWinRate,
		d.AvgPnLPercent <= t.cfg.CriticalAvgPnLPercent:
		d.Severity = SeverityCritical
		d.Multiplier = t.cfg.CriticalMultiplier
		d.BlockNewBuys = true
	case d.WinRate < t.cfg.WeakWinRate, d.AvgPnLPercent < t.cfg.WeakAvgPnLPercent:
		d.Severity = SeverityWeak
		d.Multiplier = t.cfg.WeakMultiplier
	default:
		d.Severity = SeverityNormal
	}
	return d
}

func cacheKey(market, strategy string) string {
	return market + "|" + strategy
}
