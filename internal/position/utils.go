package position

import (
	"math"

	"github.com/shopspring/decimal"
)

// qtyEpsilon은 수량 비교 시 허용 오차입니다
const qtyEpsilon = 1e-12

// vwap은 기존 평균가/수량에 새 체결을 더한 거래량 가중 평균가를 반환합니다
func vwap(avgPrice, qty, fillPrice, fillQty float64) float64 {
	total := decimal.NewFromFloat(qty).Add(decimal.NewFromFloat(fillQty))
	if total.Sign() <= 0 {
		return 0
	}
	notional := decimal.NewFromFloat(avgPrice).Mul(decimal.NewFromFloat(qty)).
		Add(decimal.NewFromFloat(fillPrice).Mul(decimal.NewFromFloat(fillQty)))
	return notional.Div(total).InexactFloat64()
}

// addQty는 부동소수점 누적 오차 없이 수량을 더합니다
func addQty(a, b float64) float64 {
	return decimal.NewFromFloat(a).Add(decimal.NewFromFloat(b)).InexactFloat64()
}

// subQty는 부동소수점 누적 오차 없이 수량을 뺍니다
func subQty(a, b float64) float64 {
	return decimal.NewFromFloat(a).Sub(decimal.NewFromFloat(b)).InexactFloat64()
}

// isFinitePositive는 0보다 큰 유한한 값인지 확인합니다
func isFinitePositive(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

// isFinite는 NaN/Inf가 아닌지 확인합니다
func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
