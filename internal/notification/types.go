package notification

import "github.com/assist-by/bulwark/internal/domain"

const (
	ColorSuccess = 0x00FF00 // 녹색
	ColorError   = 0xFF0000 // 빨간색
	ColorInfo    = 0x0000FF // 파란색
	ColorWarning = 0xFFA500 // 주황색
)

// Notifier는 알림 전송 인터페이스를 정의합니다
type Notifier interface {
	// SendError는 에러 알림을 전송합니다
	SendError(err error) error

	// SendWarning은 경고 알림을 전송합니다
	SendWarning(message string) error

	// SendInfo는 일반 정보 알림을 전송합니다
	SendInfo(message string) error

	// SendTradeInfo는 거래 실행 정보를 전송합니다
	SendTradeInfo(info TradeInfo) error
}

// Alerter는 안전 계층이 사용하는 마켓 단위 알림 인터페이스입니다
// 구현체는 호출자를 블로킹해서는 안 됩니다
type Alerter interface {
	SendWarning(market, message string)
	SendError(market, message string)
}

// TradeInfo는 거래 실행 정보를 정의합니다
type TradeInfo struct {
	Market     string           // 마켓 (예: KRW-BTC)
	Strategy   string           // 전략 ID
	Side       domain.OrderSide // 매수/매도
	Quantity   float64          // 체결 수량
	Price      float64          // 평균 체결가
	Amount     float64          // 체결 대금 (KRW)
	PnLPercent *float64         // 실현 손익률 (청산 시에만 설정)
	Reason     string           // 사유
}

// GetColorForSide는 주문 방향에 따른 색상을 반환합니다
func GetColorForSide(side domain.OrderSide) int {
	switch side {
	case domain.Buy:
		return ColorSuccess
	case domain.Sell:
		return ColorError
	default:
		return ColorInfo
	}
}

// NopAlerter는 아무것도 하지 않는 Alerter입니다
type NopAlerter struct{}

func (NopAlerter) SendWarning(string, string) {}
func (NopAlerter) SendError(string, string)   {}
