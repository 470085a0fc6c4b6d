package domain

import "time"

// OrderResult는 거래소 주문 응답을 표현합니다
type OrderResult struct {
	OrderID      string      // 주문 ID
	Market       string      // 마켓
	Side         OrderSide   // 매수/매도
	Type         OrderType   // 시장가/지정가
	Status       OrderStatus // 주문 상태
	RequestedQty float64     // 주문 수량
	ExecutedQty  float64     // 체결 수량
	Price        float64     // 평균 체결가 또는 지정가 (거래소 보고값, 0일 수 있음)
	Funds        float64     // 체결 대금 (거래소 보고값, 0일 수 있음)
	Locked       float64     // 주문에 묶인 금액 (완전 체결 후에는 0으로 보고됨)
	Fee          float64     // 지불 수수료
	CreatedAt    time.Time   // 주문 생성 시간
}

// RemainingQty는 미체결 수량을 반환합니다
func (r *OrderResult) RemainingQty() float64 {
	remaining := r.RequestedQty - r.ExecutedQty
	if remaining < 0 {
		return 0
	}
	return remaining
}

// OrderBookTop은 호가창 최우선 호가를 표현합니다
type OrderBookTop struct {
	Market  string
	BestBid float64
	BestAsk float64
	BidSize float64
	AskSize float64
}

// IsValid는 최우선 호가가 정상인지 확인합니다
func (t *OrderBookTop) IsValid() bool {
	return t != nil && t.BestBid > 0 && t.BestAsk > 0 && t.BestAsk >= t.BestBid
}

// Mid는 중간 가격을 반환합니다
func (t *OrderBookTop) Mid() float64 {
	return (t.BestBid + t.BestAsk) / 2
}

// SpreadPercent는 중간 가격 대비 스프레드 비율(%)을 반환합니다
func (t *OrderBookTop) SpreadPercent() float64 {
	mid := t.Mid()
	if mid <= 0 {
		return 0
	}
	return (t.BestAsk - t.BestBid) / mid * 100
}
