package domain

// Balance는 통화별 잔고 정보를 표현합니다
type Balance struct {
	Currency  string  // 통화 (예: KRW, BTC)
	Available float64 // 사용 가능한 잔고
	Locked    float64 // 주문 등에 묶인 잔고
}

// Total은 사용 가능 잔고와 묶인 잔고의 합을 반환합니다
func (b Balance) Total() float64 {
	return b.Available + b.Locked
}

// FindBalance는 목록에서 해당 통화의 잔고를 찾습니다
func FindBalance(balances []Balance, currency string) (Balance, bool) {
	for _, b := range balances {
		if b.Currency == currency {
			return b, true
		}
	}
	return Balance{Currency: currency}, false
}
