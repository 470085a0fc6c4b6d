// internal/exchange/exchange.go
package exchange

import (
	"context"
	"errors"

	"github.com/assist-by/bulwark/internal/domain"
)

var (
	// ErrOrderRejected는 거래소가 주문을 거부했음을 나타냅니다 (재시도 불필요)
	ErrOrderRejected = errors.New("거래소가 주문을 거부했습니다")

	// ErrOrderNotFound는 조회한 주문이 없음을 나타냅니다
	ErrOrderNotFound = errors.New("주문을 찾을 수 없습니다")

	// ErrUnavailable은 일시적인 거래소/네트워크 장애를 나타냅니다
	ErrUnavailable = errors.New("거래소 API를 일시적으로 사용할 수 없습니다")
)

// Exchange는 거래소와의 상호작용을 위한 인터페이스입니다.
// 인증과 와이어 포맷은 구현체가 담당합니다.
type Exchange interface {
	// 거래 기능. 응답이 nil일 수 있으며 호출자가 처리해야 합니다.
	PlaceMarketOrder(ctx context.Context, market string, side domain.OrderSide, qty float64) (*domain.OrderResult, error)
	PlaceLimitOrder(ctx context.Context, market string, side domain.OrderSide, qty, price float64) (*domain.OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrderStatus(ctx context.Context, orderID string) (*domain.OrderResult, error)

	// 계정 데이터 조회
	GetBalances(ctx context.Context) ([]domain.Balance, error)

	// 시장 데이터 조회. 호가가 없으면 (nil, nil)을 반환합니다.
	GetOrderBookTop(ctx context.Context, market string) (*domain.OrderBookTop, error)
}

// IsRetryable은 재시도할 가치가 있는 일시적 오류인지 판단합니다
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrOrderRejected) || errors.Is(err, ErrOrderNotFound) {
		return false
	}
	return true
}
