package domain

// Action은 전략이 내보내는 시그널의 행동을 정의합니다
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// OrderSide는 주문 방향을 정의합니다
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Opposite는 반대 방향을 반환합니다
func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType은 주문 유형을 정의합니다
type OrderType string

const (
	Market OrderType = "MARKET"
	Limit  OrderType = "LIMIT"
)

// Opposite는 폴백 주문에 사용할 반대 유형을 반환합니다
func (t OrderType) Opposite() OrderType {
	if t == Market {
		return Limit
	}
	return Market
}

// OrderStatus는 거래소가 보고하는 주문 상태입니다
type OrderStatus string

const (
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
)

// IsTerminal은 더 이상 체결이 진행되지 않는 상태인지 확인합니다
func (s OrderStatus) IsTerminal() bool {
	return s == OrderFilled || s == OrderRejected || s == OrderExpired
}

// PositionSide는 포지션 방향을 정의합니다
type PositionSide string

const (
	LongPosition  PositionSide = "LONG"
	ShortPosition PositionSide = "SHORT"
)

// EntrySide는 포지션 진입에 필요한 주문 방향을 반환합니다
func (p PositionSide) EntrySide() OrderSide {
	if p == ShortPosition {
		return Sell
	}
	return Buy
}

// ExitSide는 포지션 청산에 필요한 주문 방향을 반환합니다
func (p PositionSide) ExitSide() OrderSide {
	return p.EntrySide().Opposite()
}

// ExitReason은 포지션 청산 사유입니다
type ExitReason string

const (
	ExitNone         ExitReason = ""
	ExitSignal       ExitReason = "SIGNAL"
	ExitStopLoss     ExitReason = "STOP_LOSS"
	ExitTrailingStop ExitReason = "TRAILING_STOP"
	ExitTakeProfit   ExitReason = "TAKE_PROFIT"
	ExitTimeout      ExitReason = "TIMEOUT"
	ExitManual       ExitReason = "MANUAL"
)

// IsEmergency는 최소 보유 시간 가드를 우회할 수 있는 긴급 청산인지 확인합니다
func (r ExitReason) IsEmergency() bool {
	return r == ExitStopLoss || r == ExitTrailingStop
}
