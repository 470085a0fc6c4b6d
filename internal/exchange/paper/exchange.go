// Package paper는 실제 자산을 사용하지 않는 모의 거래소입니다.
// 페이퍼 트레이딩 모드와 테스트에서 사용합니다.
package paper

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/assist-by/bulwark/internal/domain"
	"github.com/assist-by/bulwark/internal/exchange"
)

// Placement는 모의 거래소가 받은 주문 요청 기록입니다
type Placement struct {
	Market string
	Side   domain.OrderSide
	Type   domain.OrderType
	Qty    float64
	Price  float64
}

// Exchange는 메모리 기반 모의 거래소입니다
type Exchange struct {
	mu         sync.Mutex
	quote      string
	feeRate    float64
	balances   map[string]*domain.Balance
	books      map[string]domain.OrderBookTop
	orders     map[string]*domain.OrderResult
	placements []Placement
	seq        int
	now        func() time.Time

	// 테스트 시나리오 주입
	failNext    int
	nilNext     int
	fillRatios  []float64
	balanceErrs int
}

// Option은 모의 거래소 옵션입니다
type Option func(*Exchange)

// WithFeeRate는 수수료율을 설정합니다
func WithFeeRate(rate float64) Option {
	return func(e *Exchange) {
		e.feeRate = rate
	}
}

// WithQuoteCurrency는 호가 통화를 설정합니다 (기본값 KRW)
func WithQuoteCurrency(currency string) Option {
	return func(e *Exchange) {
		e.quote = currency
	}
}

// New는 새로운 모의 거래소를 생성합니다
func New(opts ...Option) *Exchange {
	e := &Exchange{
		quote:    "KRW",
		feeRate:  0.0005,
		balances: make(map[string]*domain.Balance),
		books:    make(map[string]domain.OrderBookTop),
		orders:   make(map[string]*domain.OrderResult),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var _ exchange.Exchange = (*Exchange)(nil)

// SetBalance는 통화의 사용 가능 잔고를 설정합니다
func (e *Exchange) SetBalance(currency string, available float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balance(currency).Available = available
}

// SetOrderBook은 마켓의 최우선 호가를 설정합니다
func (e *Exchange) SetOrderBook(market string, bid, ask float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	market = domain.NormalizeMarket(market)
	e.books[market] = domain.OrderBookTop{Market: market, BestBid: bid, BestAsk: ask, BidSize: 1, AskSize: 1}
}

// ClearOrderBook은 마켓의 호가를 제거합니다
func (e *Exchange) ClearOrderBook(market string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.books, domain.NormalizeMarket(market))
}

// FailNext는 다음 n번의 주문 요청을 일시적 오류로 실패시킵니다
func (e *Exchange) FailNext(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failNext = n
}

// RespondNilNext는 다음 n번의 주문 요청에 nil 응답을 반환합니다
func (e *Exchange) RespondNilNext(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nilNext = n
}

// FailBalancesNext는 다음 n번의 잔고 조회를 실패시킵니다
func (e *Exchange) FailBalancesNext(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balanceErrs = n
}

// QueueFillRatios는 다음 주문들의 체결 비율을 순서대로 지정합니다 (기본값 1.0)
func (e *Exchange) QueueFillRatios(ratios ...float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fillRatios = append(e.fillRatios, ratios...)
}

// Placements는 지금까지 받은 주문 요청 목록을 반환합니다
func (e *Exchange) Placements() []Placement {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Placement, len(e.placements))
	copy(out, e.placements)
	return out
}

// PlaceMarketOrder는 최우선 호가로 즉시 체결되는 시장가 주문을 처리합니다
func (e *Exchange) PlaceMarketOrder(ctx context.Context, market string, side domain.OrderSide, qty float64) (*domain.OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	market = domain.NormalizeMarket(market)
	e.placements = append(e.placements, Placement{Market: market, Side: side, Type: domain.Market, Qty: qty})
	if res, err, done := e.injected(); done {
		return res, err
	}

	book, ok := e.books[market]
	if !ok {
		return nil, fmt.Errorf("%s 호가 없음: %w", market, exchange.ErrOrderRejected)
	}
	price := book.BestAsk
	if side == domain.Sell {
		price = book.BestBid
	}
	return e.fill(market, side, domain.Market, qty, price, 0)
}

// PlaceLimitOrder는 호가를 건너는 경우 즉시 체결하고 아니면 미체결로 남깁니다
func (e *Exchange) PlaceLimitOrder(ctx context.Context, market string, side domain.OrderSide, qty, price float64) (*domain.OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	market = domain.NormalizeMarket(market)
	e.placements = append(e.placements, Placement{Market: market, Side: side, Type: domain.Limit, Qty: qty, Price: price})
	if res, err, done := e.injected(); done {
		return res, err
	}
	if price <= 0 || qty <= 0 {
		return nil, fmt.Errorf("잘못된 지정가 주문: %w", exchange.ErrOrderRejected)
	}

	book, ok := e.books[market]
	crossing := ok && ((side == domain.Buy && price >= book.BestAsk) || (side == domain.Sell && price <= book.BestBid))
	if crossing {
		return e.fill(market, side, domain.Limit, qty, price, price)
	}
	return e.rest(market, side, qty, price)
}

// CancelOrder는 미체결 주문을 취소하고 묶인 잔고를 해제합니다
func (e *Exchange) CancelOrder(ctx context.Context, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, ok := e.orders[orderID]
	if !ok {
		return exchange.ErrOrderNotFound
	}
	if order.Status.IsTerminal() {
		return nil
	}

	// 즉시 체결 후 남은 부분 체결 주문은 묶인 잔고가 없음
	b := e.balance(domain.BaseCurrency(order.Market))
	if order.Side == domain.Buy {
		b = e.balance(e.quote)
	}
	b.Locked -= order.Locked
	b.Available += order.Locked
	order.Locked = 0
	order.Status = domain.OrderExpired
	return nil
}

// GetOrderStatus는 주문 상태를 조회합니다
func (e *Exchange) GetOrderStatus(ctx context.Context, orderID string) (*domain.OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, ok := e.orders[orderID]
	if !ok {
		return nil, exchange.ErrOrderNotFound
	}
	cp := *order
	return &cp, nil
}

// GetBalances는 모든 잔고를 통화 순으로 반환합니다
func (e *Exchange) GetBalances(ctx context.Context) ([]domain.Balance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.balanceErrs > 0 {
		e.balanceErrs--
		return nil, exchange.ErrUnavailable
	}

	out := make([]domain.Balance, 0, len(e.balances))
	for _, b := range e.balances {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}

// GetOrderBookTop은 최우선 호가를 반환합니다. 호가가 없으면 nil입니다.
func (e *Exchange) GetOrderBookTop(ctx context.Context, market string) (*domain.OrderBookTop, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	book, ok := e.books[domain.NormalizeMarket(market)]
	if !ok {
		return nil, nil
	}
	cp := book
	return &cp, nil
}

func (e *Exchange) injected() (*domain.OrderResult, error, bool) {
	if e.failNext > 0 {
		e.failNext--
		return nil, exchange.ErrUnavailable, true
	}
	if e.nilNext > 0 {
		e.nilNext--
		return nil, nil, true
	}
	return nil, nil, false
}

func (e *Exchange) nextFillRatio() float64 {
	if len(e.fillRatios) == 0 {
		return 1
	}
	r := e.fillRatios[0]
	e.fillRatios = e.fillRatios[1:]
	return r
}

// fill은 체결을 처리합니다. reportedPrice가 0이면 시장가처럼 평균가를 보고하지 않습니다.
func (e *Exchange) fill(market string, side domain.OrderSide, typ domain.OrderType, qty, price, reportedPrice float64) (*domain.OrderResult, error) {
	if qty <= 0 || price <= 0 {
		return nil, fmt.Errorf("잘못된 주문 수량/가격: %w", exchange.ErrOrderRejected)
	}

	ratio := e.nextFillRatio()
	executed := qty * ratio
	funds := executed * price
	fee := funds * e.feeRate

	quote := e.balance(e.quote)
	base := e.balance(domain.BaseCurrency(market))
	if side == domain.Buy {
		if quote.Available < funds+fee {
			return nil, fmt.Errorf("잔고 부족: %w", exchange.ErrOrderRejected)
		}
		quote.Available -= funds + fee
		base.Available += executed
	} else {
		if base.Available < executed {
			return nil, fmt.Errorf("매도 수량 부족: %w", exchange.ErrOrderRejected)
		}
		base.Available -= executed
		quote.Available += funds - fee
	}

	status := domain.OrderFilled
	switch {
	case executed <= 0:
		status = domain.OrderExpired
	case ratio < 1:
		status = domain.OrderPartiallyFilled
	}

	e.seq++
	order := &domain.OrderResult{
		OrderID:      fmt.Sprintf("paper-%d", e.seq),
		Market:       market,
		Side:         side,
		Type:         typ,
		Status:       status,
		RequestedQty: qty,
		ExecutedQty:  executed,
		Price:        reportedPrice,
		Funds:        funds,
		Fee:          fee,
		CreatedAt:    e.now(),
	}
	e.orders[order.OrderID] = order
	cp := *order
	return &cp, nil
}

func (e *Exchange) rest(market string, side domain.OrderSide, qty, price float64) (*domain.OrderResult, error) {
	var locked float64
	if side == domain.Buy {
		cost := qty * price
		quote := e.balance(e.quote)
		if quote.Available < cost {
			return nil, fmt.Errorf("잔고 부족: %w", exchange.ErrOrderRejected)
		}
		quote.Available -= cost
		quote.Locked += cost
		locked = cost
	} else {
		base := e.balance(domain.BaseCurrency(market))
		if base.Available < qty {
			return nil, fmt.Errorf("매도 수량 부족: %w", exchange.ErrOrderRejected)
		}
		base.Available -= qty
		base.Locked += qty
		locked = qty
	}

	e.seq++
	order := &domain.OrderResult{
		OrderID:      fmt.Sprintf("paper-%d", e.seq),
		Market:       market,
		Side:         side,
		Type:         domain.Limit,
		Status:       domain.OrderNew,
		RequestedQty: qty,
		Price:        price,
		Locked:       locked,
		CreatedAt:    e.now(),
	}
	e.orders[order.OrderID] = order
	cp := *order
	return &cp, nil
}

func (e *Exchange) balance(currency string) *domain.Balance {
	b, ok := e.balances[currency]
	if !ok {
		b = &domain.Balance{Currency: currency}
		e.balances[currency] = b
	}
	return b
}
