package domain

import "time"

// TradeRecord는 체결이 확정된 거래의 불변 기록입니다
type TradeRecord struct {
	ID         string
	PositionID string
	Strategy   string
	Market     string
	Side       OrderSide
	Quantity   float64
	Price      float64 // 평균 체결가 (항상 0보다 큼)
	Funds      float64 // 체결 대금
	Fee        float64
	OrderIDs   []string
	Reason     string
	ExecutedAt time.Time
}

// TradeOutcome은 청산이 완료된 포지션의 성과 요약입니다
type TradeOutcome struct {
	PositionID string
	Market     string
	Strategy   string
	PnLPercent float64
	ClosedAt   time.Time
}

// IsWin은 수익 거래인지 확인합니다
func (o TradeOutcome) IsWin() bool {
	return o.PnLPercent > 0
}
