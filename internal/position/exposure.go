package position

import (
	"context"

	"github.com/assist-by/bulwark/internal/domain"
)

// BalanceReader는 거래소 잔고와 호가를 조회합니다
type BalanceReader interface {
	GetBalances(ctx context.Context) ([]domain.Balance, error)
	GetOrderBookTop(ctx context.Context, market string) (*domain.OrderBookTop, error)
}

// BalanceExposure는 거래소 잔고로 노출을 판단하는 조회 대상입니다.
// 재시작으로 엔진의 메모리 기록이 사라져도 실제 보유 코인으로 중복 진입을 막습니다.
type BalanceExposure struct {
	reader    BalanceReader
	dustValue float64 // 이 평가액 미만의 잔고는 노출로 보지 않음
}

// NewBalanceExposure는 새로운 잔고 기반 조회 대상을 생성합니다
func NewBalanceExposure(reader BalanceReader, dustValue float64) *BalanceExposure {
	return &BalanceExposure{reader: reader, dustValue: dustValue}
}

// Name은 조회 대상 이름입니다
func (b *BalanceExposure) Name() string {
	return "exchange-balance"
}

// HasOpenPosition은 기준 통화 잔고의 평가액이 먼지 기준 이상이면 true를 반환합니다.
// 호가를 알 수 없으면 잔고가 있는 것만으로 노출로 봅니다.
func (b *BalanceExposure) HasOpenPosition(ctx context.Context, market string) (bool, error) {
	market = domain.NormalizeMarket(market)
	balances, err := b.reader.GetBalances(ctx)
	if err != nil {
		return false, err
	}

	bal, ok := domain.FindBalance(balances, domain.BaseCurrency(market))
	if !ok || bal.Total() <= 0 {
		return false, nil
	}

	top, err := b.reader.GetOrderBookTop(ctx, market)
	if err != nil {
		return false, err
	}
	if !top.IsValid() {
		return true, nil
	}
	return bal.Total()*top.BestBid >= b.dustValue, nil
}
