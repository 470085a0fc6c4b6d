package trading

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/assist-by/bulwark/internal/logger"
	"github.com/assist-by/bulwark/internal/position"
)

// AssetRecorder는 총 자산 평가액을 받는 서킷 브레이커 기능입니다
type AssetRecorder interface {
	RecordTotalAsset(value float64)
	RecordAPIError(market string)
}

// AccountMonitor는 주기적으로 총 자산을 평가해 드로다운 서킷에 기록합니다
type AccountMonitor struct {
	reader    position.BalanceReader
	breaker   AssetRecorder
	quote     string
	dustValue float64
	log       *logrus.Entry
}

// NewAccountMonitor는 새로운 자산 모니터를 생성합니다
func NewAccountMonitor(reader position.BalanceReader, breaker AssetRecorder, quote string, dustValue float64) *AccountMonitor {
	if quote == "" {
		quote = "KRW"
	}
	return &AccountMonitor{
		reader:    reader,
		breaker:   breaker,
		quote:     quote,
		dustValue: dustValue,
		log:       logger.Component("account"),
	}
}

// Execute는 총 자산을 평가해 기록합니다 (scheduler.Task).
// 평가할 수 없는 잔고가 있으면 잘못된 드로다운을 막기 위해 이번 표본을 버립니다.
func (m *AccountMonitor) Execute(ctx context.Context) error {
	total, err := m.TotalAsset(ctx)
	if err != nil {
		return err
	}
	m.breaker.RecordTotalAsset(total)
	m.log.WithField("total", total).Debug("총 자산 기록")
	return nil
}

// TotalAsset은 호가 기준 총 자산 평가액(견적 통화)을 계산합니다
func (m *AccountMonitor) TotalAsset(ctx context.Context) (float64, error) {
	balances, err := m.reader.GetBalances(ctx)
	if err != nil {
		m.breaker.RecordAPIError("")
		return 0, fmt.Errorf("잔고 조회 실패: %w", err)
	}

	total := decimal.Zero
	for _, b := range balances {
		qty := b.Total()
		if qty <= 0 {
			continue
		}
		if b.Currency == m.quote {
			total = total.Add(decimal.NewFromFloat(qty))
			continue
		}

		market := m.quote + "-" + b.Currency
		top, err := m.reader.GetOrderBookTop(ctx, market)
		if err != nil {
			m.breaker.RecordAPIError(market)
			return 0, fmt.Errorf("%s 호가 조회 실패: %w", market, err)
		}
		if top == nil || top.BestBid <= 0 {
			return 0, fmt.Errorf("%s 호가가 없어 %s 잔고 %.8f를 평가할 수 없습니다", market, b.Currency, qty)
		}
		value := decimal.NewFromFloat(qty).Mul(decimal.NewFromFloat(top.BestBid))
		if value.LessThan(decimal.NewFromFloat(m.dustValue)) {
			continue
		}
		total = total.Add(value)
	}
	return total.InexactFloat64(), nil
}
