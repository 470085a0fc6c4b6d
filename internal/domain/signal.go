package domain

import "time"

// TradingSignal은 전략 엔진이 생성하는 매매 시그널입니다
type TradingSignal struct {
	Market     string    // 마켓 (예: KRW-BTC)
	Action     Action    // BUY / SELL / HOLD
	Confidence float64   // 신뢰도 (0~100)
	Price      float64   // 시그널 발생 시점의 기준 가격
	StrategyID string    // 시그널을 만든 전략 ID
	Reason     string    // 시그널 사유
	Regime     string    // 시장 국면 (예: TRENDING, RANGING)
	Timestamp  time.Time // 시그널 생성 시간

	// 진입 시그널이 지정하는 청산 조건 (0이면 설정값 사용)
	StopLossPercent   float64
	TakeProfitPercent float64

	// 청산 시그널의 사유 (SELL에서만 의미가 있음)
	ExitReason ExitReason
}

// IsValid는 시그널이 유효한지 확인합니다
func (s *TradingSignal) IsValid() bool {
	if s == nil || s.Market == "" || s.StrategyID == "" {
		return false
	}
	if s.Confidence < 0 || s.Confidence > 100 {
		return false
	}
	switch s.Action {
	case ActionBuy, ActionSell:
		return s.Price > 0
	case ActionHold:
		return true
	default:
		return false
	}
}

// IsActionable은 주문 실행이 필요한 시그널인지 확인합니다
func (s *TradingSignal) IsActionable() bool {
	return s != nil && (s.Action == ActionBuy || s.Action == ActionSell)
}
