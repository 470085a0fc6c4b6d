package execution

import (
	"github.com/assist-by/bulwark/internal/domain"
)

// 주문 거부 사유 코드
const (
	ReasonInvalidRequest       = "INVALID_REQUEST"
	ReasonBelowMinOrderAmount  = "BELOW_MIN_ORDER_AMOUNT"
	ReasonLowConfidence        = "LOW_CONFIDENCE"
	ReasonRiskThrottleBlocked  = "RISK_THROTTLE_BLOCKED"
	ReasonBadMarketCondition   = "BAD_MARKET_CONDITION"
	ReasonOrderInFlight        = "ORDER_IN_FLIGHT"
	ReasonInvalidFillPrice     = "INVALID_FILL_PRICE"
	ReasonExecutionFailed      = "EXECUTION_FAILED"
	ReasonReorderLimitExceeded = "REORDER_LIMIT_EXCEEDED"
)

// Outcome은 실행 결과의 종류입니다
type Outcome string

const (
	// OutcomeRejected는 네트워크 호출 전에 사전 조건에서 거부된 경우입니다
	OutcomeRejected Outcome = "REJECTED"
	// OutcomeFailed는 주문이 하나도 체결되지 않은 경우입니다
	OutcomeFailed Outcome = "FAILED"
	// OutcomePartiallyFilled는 재주문을 진행 중인 중간 상태입니다
	OutcomePartiallyFilled Outcome = "PARTIALLY_FILLED"
	// OutcomeFilled는 요청 수량이 모두 체결된 경우입니다
	OutcomeFilled Outcome = "FILLED"
	// OutcomeExhausted는 재주문 횟수를 모두 쓰고도 일부만 체결된 경우입니다
	OutcomeExhausted Outcome = "EXHAUSTED"
	// OutcomeUnpriced는 체결은 되었지만 양수 체결가를 알 수 없는 경우입니다
	OutcomeUnpriced Outcome = "UNPRICED"
)

// Fill은 한 주문의 체결 결과입니다
type Fill struct {
	OrderID string
	Type    domain.OrderType
	Status  domain.OrderStatus
	Qty     float64
	Price   float64
	Funds   float64
	Fee     float64
}

// Result는 주문 실행 결과입니다. 비즈니스 거부도 에러가 아닌 Result로 표현합니다.
type Result struct {
	Success bool
	Outcome Outcome
	Reason  string
	Detail  string

	Market       string
	Side         domain.OrderSide
	RequestedQty float64
	ExecutedQty  float64
	AveragePrice float64 // 0이면 알 수 없음
	Funds        float64
	Fee          float64

	OrderIDs []string
	Fills    []Fill
	Reorders int

	// Trade는 저장된 거래 기록입니다. 체결가를 알 수 없으면 nil입니다.
	Trade *domain.TradeRecord
	Err   error
}

// RemainingQty는 미체결 수량을 반환합니다
func (r *Result) RemainingQty() float64 {
	if rem := r.RequestedQty - r.ExecutedQty; rem > qtyEpsilon {
		return rem
	}
	return 0
}

func rejected(req Request, reason, detail string) *Result {
	return &Result{
		Outcome:      OutcomeRejected,
		Reason:       reason,
		Detail:       detail,
		Market:       req.Market,
		Side:         req.Side,
		RequestedQty: req.Quantity,
	}
}
