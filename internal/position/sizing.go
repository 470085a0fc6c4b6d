package position

import (
	"context"
	"math"

	"github.com/shopspring/decimal"

	"github.com/assist-by/bulwark/internal/risk"
)

const (
	// Half-Kelly 공식 결과의 클램프 범위 (자본 대비 %).
	// 실제 반환값의 하한은 LowWinRateKellyPercent(1%)입니다.
	MinKellyPercent = 0.5
	MaxKellyPercent = 5.0

	// 승률이 LowWinRateThreshold 미만이면 공식과 무관하게 LowWinRateKellyPercent를 사용.
	// 단조성을 위해 모든 결과의 하한이기도 합니다.
	LowWinRateThreshold    = 0.40
	LowWinRateKellyPercent = 1.0
)

// 사이즈가 0이 된 사유
const (
	SizeReasonBelowMinBalance = "BELOW_MIN_BALANCE"
	SizeReasonBelowMinOrder   = "BELOW_MIN_ORDER_AMOUNT"
	SizeReasonInvalidInput    = "INVALID_INPUT"
)

// KellyParams는 신뢰도에서 추정한 Kelly 입력값입니다
type KellyParams struct {
	WinRate    float64 // 0~1
	RiskReward float64
	Profile    string
}

// SizingConfig는 포지션 사이즈 계산 설정을 정의합니다
type SizingConfig struct {
	MinOrderAmount         float64 // 최소 주문 금액 (KRW)
	FeeRate                float64 // 거래 수수료율 (0.0005 = 0.05%)
	MaxRiskPercent         float64 // 1회 거래 최대 손실 허용 (자본 대비 %)
	DefaultStopLossPercent float64 // 손절 비율이 주어지지 않을 때 사용
}

// DefaultSizingConfig는 기본 사이즈 설정을 반환합니다
func DefaultSizingConfig() SizingConfig {
	return SizingConfig{
		MinOrderAmount:         5000,
		FeeRate:                0.0005,
		MaxRiskPercent:         2.0,
		DefaultStopLossPercent: 2.0,
	}
}

// ThrottleSource는 사이즈 계산에 쓰는 리스크 스로틀입니다
type ThrottleSource interface {
	GetDecision(ctx context.Context, market, strategy string, forceRefresh bool) risk.Decision
}

// SizeResult는 포지션 사이즈 계산 결과입니다
type SizeResult struct {
	Amount       float64 // 주문 금액 (KRW), 0이면 주문하지 않음
	KellyPercent float64
	Multiplier   float64
	Params       KellyParams
	Throttle     risk.Decision
	Reason       string // Amount가 0인 사유
}

// Sizer는 신뢰도와 최근 성과로 주문 금액을 계산합니다
type Sizer struct {
	cfg      SizingConfig
	throttle ThrottleSource
}

// NewSizer는 새로운 Sizer를 생성합니다. throttle이 nil이면 배수 1.0을 사용합니다.
func NewSizer(cfg SizingConfig, throttle ThrottleSource) *Sizer {
	return &Sizer{cfg: cfg, throttle: throttle}
}

// Config는 사이즈 설정을 반환합니다
func (s *Sizer) Config() SizingConfig {
	return s.cfg
}

// CalculateKellyPercent는 Half-Kelly 비율(자본 대비 %)을 반환합니다.
// 결과는 항상 [1.0, 5.0] 범위(공식 클램프 [0.5, 5.0] 위에 1% 하한)이며
// 같은 손익비에서 승률에 대해 단조 증가합니다.
func CalculateKellyPercent(winRate, riskReward float64) float64 {
	if math.IsNaN(winRate) || math.IsNaN(riskReward) {
		return LowWinRateKellyPercent
	}
	if winRate < LowWinRateThreshold {
		return LowWinRateKellyPercent
	}
	winRate = math.Min(winRate, 1)

	b := math.Max(riskReward, 1.0)
	f := (b*winRate - (1 - winRate)) / b
	half := f / 2 * 100

	clamped := math.Max(MinKellyPercent, math.Min(MaxKellyPercent, half))
	// 저승률 하한(1%)보다 낮아지지 않도록 하여 단조성을 유지
	return math.Max(clamped, LowWinRateKellyPercent)
}

// GetRecommendedParams는 시그널 신뢰도(0~100)에 따른 Kelly 입력값을 반환합니다
func GetRecommendedParams(confidence float64) KellyParams {
	switch {
	case confidence >= 90:
		return KellyParams{WinRate: 0.85, RiskReward: 1.5, Profile: "aggressive"}
	case confidence >= 70:
		return KellyParams{WinRate: 0.70, RiskReward: 2.0, Profile: "balanced"}
	case confidence >= 50:
		return KellyParams{WinRate: 0.55, RiskReward: 3.0, Profile: "conservative"}
	default:
		return KellyParams{WinRate: 0.50, RiskReward: 2.0, Profile: "default"}
	}
}

// CalculateRiskAmount는 손절 시 최대 손실 금액을 반환합니다
func CalculateRiskAmount(positionAmount, stopLossPercent float64) float64 {
	return positionAmount * stopLossPercent / 100
}

// IsRiskAcceptable은 최대 손실이 자본 대비 허용 범위 이내인지 확인합니다
func (s *Sizer) IsRiskAcceptable(positionAmount, capital, stopLossPercent float64) bool {
	return CalculateRiskAmount(positionAmount, s.stopLoss(stopLossPercent)) <= capital*s.cfg.MaxRiskPercent/100
}

// AdjustForRiskLimit은 최대 손실이 허용 범위를 넘으면 포지션을 비례해서 줄입니다
func (s *Sizer) AdjustForRiskLimit(positionAmount, capital, stopLossPercent float64) float64 {
	riskAmount := CalculateRiskAmount(positionAmount, s.stopLoss(stopLossPercent))
	maxRisk := capital * s.cfg.MaxRiskPercent / 100
	if riskAmount <= maxRisk || riskAmount <= 0 {
		return positionAmount
	}
	return positionAmount * maxRisk / riskAmount
}

// CalculatePositionSize는 마켓/전략의 주문 금액을 계산합니다.
// 최소 주문 금액 미만의 값은 절대 반환하지 않으며 그런 경우 0을 반환합니다.
func (s *Sizer) CalculatePositionSize(ctx context.Context, market, strategy string, balance, confidence, stopLossPercent float64) SizeResult {
	res := SizeResult{Multiplier: 1.0}
	if !isFinite(balance) || !isFinite(confidence) {
		res.Reason = SizeReasonInvalidInput
		return res
	}
	if balance < s.cfg.MinOrderAmount {
		res.Reason = SizeReasonBelowMinBalance
		return res
	}

	res.Params = GetRecommendedParams(confidence)
	res.KellyPercent = CalculateKellyPercent(res.Params.WinRate, res.Params.RiskReward)

	if s.throttle != nil {
		res.Throttle = s.throttle.GetDecision(ctx, market, strategy, false)
		if m := res.Throttle.Multiplier; m > 0 && m <= 1 {
			res.Multiplier = m
		}
	}

	size := decimal.NewFromFloat(balance).
		Mul(decimal.NewFromFloat(res.KellyPercent)).
		Div(decimal.NewFromInt(100)).
		Mul(decimal.NewFromFloat(res.Multiplier)).
		InexactFloat64()
	size = s.AdjustForRiskLimit(size, balance, stopLossPercent)
	size = math.Min(size, balance)

	if size < s.cfg.MinOrderAmount {
		res.Reason = SizeReasonBelowMinOrder
		return res
	}

	// 수수료 차감 후에도 최소 주문 금액을 넘도록 보정
	minGross := s.MinGrossAmount()
	if size < minGross {
		if minGross > balance {
			res.Reason = SizeReasonBelowMinOrder
			return res
		}
		size = minGross
	}

	res.Amount = math.Floor(size)
	if res.Amount < minGross {
		res.Amount = minGross
	}
	return res
}

// MinGrossAmount는 수수료 차감 후 최소 주문 금액을 만족하는 최소 주문 금액(원 단위 올림)입니다
func (s *Sizer) MinGrossAmount() float64 {
	if s.cfg.FeeRate <= 0 || s.cfg.FeeRate >= 1 {
		return s.cfg.MinOrderAmount
	}
	return math.Ceil(s.cfg.MinOrderAmount / (1 - s.cfg.FeeRate))
}

func (s *Sizer) stopLoss(stopLossPercent float64) float64 {
	if stopLossPercent > 0 {
		return stopLossPercent
	}
	return s.cfg.DefaultStopLossPercent
}
