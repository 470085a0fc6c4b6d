package execution

import (
	"context"
	"fmt"

	"github.com/assist-by/bulwark/internal/domain"
)

// OrderBookReader는 최우선 호가를 조회합니다
type OrderBookReader interface {
	GetOrderBookTop(ctx context.Context, market string) (*domain.OrderBookTop, error)
}

// SpreadCondition은 최우선 호가의 스프레드와 잔량으로 진입 가능 여부를 판단합니다
type SpreadCondition struct {
	reader           OrderBookReader
	maxSpreadPercent float64
	minTopValue      float64 // 진입 방향 최우선 호가 잔량의 최소 평가액 (0이면 확인 안 함)
}

// NewSpreadCondition은 새로운 스프레드 기반 시장 상태 판단기를 생성합니다
func NewSpreadCondition(reader OrderBookReader, maxSpreadPercent, minTopValue float64) *SpreadCondition {
	return &SpreadCondition{
		reader:           reader,
		maxSpreadPercent: maxSpreadPercent,
		minTopValue:      minTopValue,
	}
}

// Check는 호가가 없거나 스프레드가 넓거나 잔량이 얕으면 false를 반환합니다.
// 호가 정보가 없는 경우는 판단을 주문 경로에 맡기고 통과시킵니다.
func (c *SpreadCondition) Check(ctx context.Context, market string, side domain.OrderSide) (bool, string) {
	top, err := c.reader.GetOrderBookTop(ctx, market)
	if err != nil {
		return false, fmt.Sprintf("호가 조회 실패: %v", err)
	}
	if top == nil {
		return true, ""
	}
	if !top.IsValid() {
		return false, fmt.Sprintf("비정상 호가 (bid %.8g, ask %.8g)", top.BestBid, top.BestAsk)
	}
	if spread := top.SpreadPercent(); c.maxSpreadPercent > 0 && spread > c.maxSpreadPercent {
		return false, fmt.Sprintf("스프레드 %.3f%% > %.3f%%", spread, c.maxSpreadPercent)
	}

	if c.minTopValue > 0 {
		value := top.AskSize * top.BestAsk
		if side == domain.Sell {
			value = top.BidSize * top.BestBid
		}
		if value > 0 && value < c.minTopValue {
			return false, fmt.Sprintf("최우선 호가 잔량 %.0f < %.0f", value, c.minTopValue)
		}
	}
	return true, ""
}
