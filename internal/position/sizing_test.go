package position

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/assist-by/bulwark/internal/risk"
)

type fixedThrottle struct {
	decision risk.Decision
}

func (f fixedThrottle) GetDecision(context.Context, string, string, bool) risk.Decision {
	return f.decision
}

func TestCalculateKellyPercent_RangeAndMonotonic(t *testing.T) {
	for _, rr := range []float64{0.5, 1.0, 1.5, 2.0, 3.0, 10.0} {
		prev := 0.0
		for i := 0; i <= 100; i++ {
			winRate := float64(i) / 100
			k := CalculateKellyPercent(winRate, rr)
			assert.GreaterOrEqual(t, k, LowWinRateKellyPercent)
			assert.LessOrEqual(t, k, MaxKellyPercent)
			assert.GreaterOrEqual(t, k, prev, "rr=%v winRate=%v", rr, winRate)
			prev = k
		}
	}
}

func TestCalculateKellyPercent_Values(t *testing.T) {
	tests := []struct {
		name       string
		winRate    float64
		riskReward float64
		want       float64
	}{
		{name: "저승률 하한", winRate: 0.30, riskReward: 3.0, want: 1.0},
		{name: "공식 결과가 상한 초과", winRate: 0.85, riskReward: 1.5, want: 5.0},
		{name: "공식 결과가 범위 안", winRate: 0.45, riskReward: 1.5, want: 4.166666666666667},
		{name: "손익비 1 미만은 1로 보정", winRate: 0.5, riskReward: 0.5, want: 1.0},
		{name: "하한 근처 공식 결과도 1%로 보정", winRate: 0.41, riskReward: 1.5, want: 1.0},
		{name: "NaN 입력은 1% 하한", winRate: math.NaN(), riskReward: 2.0, want: 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CalculateKellyPercent(tt.winRate, tt.riskReward), 1e-9)
		})
	}
}

func TestGetRecommendedParams(t *testing.T) {
	assert.Equal(t, "aggressive", GetRecommendedParams(95).Profile)
	assert.Equal(t, "balanced", GetRecommendedParams(70).Profile)
	assert.Equal(t, 0.70, GetRecommendedParams(89.9).WinRate)
	assert.Equal(t, "conservative", GetRecommendedParams(50).Profile)
	assert.Equal(t, 3.0, GetRecommendedParams(69).RiskReward)
	assert.Equal(t, "default", GetRecommendedParams(49).Profile)
}

func TestSizer_Scenarios(t *testing.T) {
	sizer := NewSizer(DefaultSizingConfig(), nil)
	ctx := context.Background()

	res := sizer.CalculatePositionSize(ctx, "KRW-BTC", "trend", 100_000, 100, 0)
	assert.GreaterOrEqual(t, res.Amount, 5000.0)
	assert.Equal(t, 5003.0, res.Amount, "수수료 차감 후에도 최소 주문 금액 이상")

	res = sizer.CalculatePositionSize(ctx, "KRW-BTC", "trend", 3_000, 100, 0)
	assert.Zero(t, res.Amount)
	assert.Equal(t, SizeReasonBelowMinBalance, res.Reason)
}

func TestSizer_NeverReturnsSubMinimum(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultSizingConfig()

	for _, mult := range []float64{1.0, 0.7, 0.45} {
		sizer := NewSizer(cfg, fixedThrottle{decision: risk.Decision{Multiplier: mult}})
		for balance := 0.0; balance <= 1_000_000; balance += 2_500 {
			for conf := 0.0; conf <= 100; conf += 10 {
				res := sizer.CalculatePositionSize(ctx, "KRW-ETH", "trend", balance, conf, 0)
				if res.Amount != 0 {
					assert.GreaterOrEqual(t, res.Amount, cfg.MinOrderAmount)
					assert.GreaterOrEqual(t, res.Amount*(1-cfg.FeeRate), cfg.MinOrderAmount)
					assert.LessOrEqual(t, res.Amount, balance)
				}
			}
		}
	}
}

func TestSizer_ThrottleShrinksSize(t *testing.T) {
	ctx := context.Background()
	full := NewSizer(DefaultSizingConfig(), fixedThrottle{decision: risk.Decision{Multiplier: 1.0}})
	weak := NewSizer(DefaultSizingConfig(), fixedThrottle{decision: risk.Decision{Multiplier: 0.7, Severity: risk.SeverityWeak}})

	a := full.CalculatePositionSize(ctx, "KRW-BTC", "trend", 1_000_000, 95, 0)
	b := weak.CalculatePositionSize(ctx, "KRW-BTC", "trend", 1_000_000, 95, 0)
	assert.Equal(t, 50_000.0, a.Amount)
	assert.Equal(t, 35_000.0, b.Amount)
	assert.Equal(t, 0.7, b.Multiplier)

	// 스로틀 적용 후 최소 금액 미만이면 0
	c := weak.CalculatePositionSize(ctx, "KRW-BTC", "trend", 100_000, 95, 0)
	assert.Zero(t, c.Amount)
	assert.Equal(t, SizeReasonBelowMinOrder, c.Reason)
}

func TestSizer_RiskLimit(t *testing.T) {
	sizer := NewSizer(DefaultSizingConfig(), nil)

	assert.Equal(t, 200.0, CalculateRiskAmount(10_000, 2))
	assert.True(t, sizer.IsRiskAcceptable(100_000, 100_000, 2))
	assert.False(t, sizer.IsRiskAcceptable(100_000, 100_000, 4))
	assert.InDelta(t, 50_000, sizer.AdjustForRiskLimit(100_000, 100_000, 4), 1e-9)
	assert.Equal(t, 30_000.0, sizer.AdjustForRiskLimit(30_000, 100_000, 4))

	// 손절폭이 넓으면 Kelly 금액보다 더 줄어듦
	res := sizer.CalculatePositionSize(context.Background(), "KRW-BTC", "trend", 1_000_000, 95, 50)
	assert.Equal(t, 40_000.0, res.Amount)
}
