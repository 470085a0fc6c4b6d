package domain

import "strings"

// quoteCurrencies는 호가 통화 우선순위입니다 (앞일수록 우선)
var quoteCurrencies = []string{"KRW", "USDT", "USDC", "BTC", "ETH"}

func quoteRank(currency string) int {
	for i, q := range quoteCurrencies {
		if q == currency {
			return i
		}
	}
	return -1
}

// NormalizeMarket은 여러 표기의 마켓 이름을 "QUOTE-BASE" 형태의 표준 표기로 변환합니다
// 예: "BTC_KRW", "btc-krw", "KRW-BTC", "BTC/KRW" -> "KRW-BTC"
func NormalizeMarket(market string) string {
	m := strings.ToUpper(strings.TrimSpace(market))
	if m == "" {
		return ""
	}

	parts := strings.FieldsFunc(m, func(r rune) bool {
		return r == '-' || r == '_' || r == '/'
	})
	if len(parts) != 2 {
		// 구분자가 없는 경우 (예: BTCKRW) 접미 호가 통화를 찾아 분리
		if len(parts) == 1 {
			for _, q := range quoteCurrencies {
				if strings.HasSuffix(m, q) && len(m) > len(q) {
					return q + "-" + strings.TrimSuffix(m, q)
				}
			}
		}
		return m
	}

	first, second := parts[0], parts[1]
	firstRank, secondRank := quoteRank(first), quoteRank(second)
	switch {
	case firstRank >= 0 && secondRank >= 0:
		// 둘 다 호가 통화이면 우선순위가 높은 쪽이 호가 통화
		if secondRank < firstRank {
			return second + "-" + first
		}
		return first + "-" + second
	case secondRank >= 0:
		return second + "-" + first
	default:
		return first + "-" + second
	}
}

// SplitMarket은 표준 표기 마켓을 호가 통화와 기초 자산으로 분리합니다
func SplitMarket(market string) (quote, base string) {
	normalized := NormalizeMarket(market)
	idx := strings.Index(normalized, "-")
	if idx < 0 {
		return "", normalized
	}
	return normalized[:idx], normalized[idx+1:]
}

// BaseCurrency는 마켓의 기초 자산 통화를 반환합니다
func BaseCurrency(market string) string {
	_, base := SplitMarket(market)
	return base
}

// QuoteCurrency는 마켓의 호가 통화를 반환합니다
func QuoteCurrency(market string) string {
	quote, _ := SplitMarket(market)
	return quote
}
