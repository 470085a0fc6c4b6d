package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/assist-by/bulwark/internal/domain"
)

type fakeHistory struct {
	trades []domain.TradeOutcome
	err    error
	calls  int
}

func (h *fakeHistory) RecentClosedTrades(_ context.Context, market, strategy string, limit int) ([]domain.TradeOutcome, error) {
	h.calls++
	if h.err != nil {
		return nil, h.err
	}
	if len(h.trades) > limit {
		return h.trades[:limit], nil
	}
	return h.trades, nil
}

// outcomes는 최신순 손익률 목록으로 거래 결과를 만듭니다
func outcomes(pnls ...float64) []domain.TradeOutcome {
	out := make([]domain.TradeOutcome, len(pnls))
	for i, p := range pnls {
		out[i] = domain.TradeOutcome{Market: "KRW-BTC", Strategy: "trend", PnLPercent: p}
	}
	return out
}

func TestThrottle_Classification(t *testing.T) {
	tests := []struct {
		name       string
		pnls       []float64
		severity   Severity
		multiplier float64
		block      bool
	}{
		{name: "표본 부족", pnls: []float64{-1, -1, -1}, severity: SeverityInsufficientData, multiplier: 1.0},
		{name: "정상", pnls: []float64{1.2, -0.5, 0.8, 0.6, -0.4, 1.0}, severity: SeverityNormal, multiplier: 1.0},
		{name: "승률 하락", pnls: []float64{0.5, -0.2, -0.2, 0.5, -0.2, -0.2, -0.1}, severity: SeverityWeak, multiplier: 0.7},
		{name: "평균 손익 악화", pnls: []float64{1.0, -1.5, 0.2, -1.5, 0.3, -0.8}, severity: SeverityWeak, multiplier: 0.7},
		{name: "연속 손실", pnls: []float64{-0.1, -0.1, -0.1, -0.1, 2.0, 2.0, 2.0}, severity: SeverityCritical, multiplier: 0.45, block: true},
		{name: "심각한 승률", pnls: []float64{-0.2, 0.1, -0.2, -0.2, 0.1, -0.2, -0.2, -0.2}, severity: SeverityCritical, multiplier: 0.45, block: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := NewThrottle(DefaultConfig(), &fakeHistory{trades: outcomes(tt.pnls...)})
			d := th.GetDecision(context.Background(), "KRW-BTC", "trend", false)
			assert.Equal(t, tt.severity, d.Severity)
			assert.Equal(t, tt.multiplier, d.Multiplier)
			assert.Equal(t, tt.block, d.BlockNewBuys)
			assert.Equal(t, len(tt.pnls), d.SampleSize)
		})
	}
}

func TestThrottle_ConsecutiveLossStreakCountsFromNewest(t *testing.T) {
	th := NewThrottle(DefaultConfig(), &fakeHistory{trades: outcomes(-0.5, -0.5, 1.0, -0.5, -0.5, -0.5)})
	d := th.GetDecision(context.Background(), "KRW-BTC", "trend", false)
	assert.Equal(t, 2, d.RecentConsecutiveLosses)
	assert.InDelta(t, 1.0/6.0, d.WinRate, 1e-9)
}

func TestThrottle_CachesAndInvalidates(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	history := &fakeHistory{trades: outcomes(1, 1, 1, 1, 1)}
	th := NewThrottle(DefaultConfig(), history, WithClock(clock))
	ctx := context.Background()

	th.GetDecision(ctx, "KRW-BTC", "trend", false)
	th.GetDecision(ctx, "BTC_KRW", "trend", false)
	assert.Equal(t, 1, history.calls, "표기가 달라도 같은 캐시 키")

	th.GetDecision(ctx, "KRW-BTC", "trend", true)
	assert.Equal(t, 2, history.calls)

	th.Invalidate("KRW-BTC", "trend")
	th.GetDecision(ctx, "KRW-BTC", "trend", false)
	assert.Equal(t, 3, history.calls)

	th.InvalidateMarket("KRW-BTC")
	th.GetDecision(ctx, "KRW-BTC", "trend", false)
	assert.Equal(t, 4, history.calls)

	now = now.Add(31 * time.Second)
	th.GetDecision(ctx, "KRW-BTC", "trend", false)
	assert.Equal(t, 5, history.calls, "TTL 만료 후 재조회")

	th.InvalidateAll()
	th.GetDecision(ctx, "KRW-BTC", "trend", false)
	assert.Equal(t, 6, history.calls)
}

func TestThrottle_HistoryErrorIsNotCached(t *testing.T) {
	history := &fakeHistory{err: errors.New("db locked")}
	th := NewThrottle(DefaultConfig(), history)
	ctx := context.Background()

	d := th.GetDecision(ctx, "KRW-ETH", "breakout", false)
	assert.Equal(t, SeverityInsufficientData, d.Severity)
	assert.Equal(t, 1.0, d.Multiplier)

	th.GetDecision(ctx, "KRW-ETH", "breakout", false)
	assert.Equal(t, 2, history.calls)
}

func TestThrottle_Disabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	history := &fakeHistory{trades: outcomes(-5, -5, -5, -5, -5)}
	th := NewThrottle(cfg, history)

	d := th.GetDecision(context.Background(), "KRW-BTC", "trend", false)
	assert.Equal(t, SeverityDisabled, d.Severity)
	assert.False(t, d.BlockNewBuys)
	assert.Zero(t, history.calls)
}
