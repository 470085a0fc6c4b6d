// Package execution은 승인된 시그널과 계산된 사이즈를 거래소 주문으로 변환합니다.
package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/assist-by/bulwark/internal/domain"
	"github.com/assist-by/bulwark/internal/exchange"
	"github.com/assist-by/bulwark/internal/logger"
	"github.com/assist-by/bulwark/internal/risk"
)

const qtyEpsilon = 1e-12

var errNilResponse = errors.New("거래소가 빈 주문 응답을 반환했습니다")

// Breaker는 실행 결과를 받는 서킷 브레이커입니다
type Breaker interface {
	RecordAPIError(market string)
	RecordExecutionFailure(market string)
	RecordExecutionSuccess(market string)
	RecordSlippage(market string, slippagePercent float64)
}

// Throttle은 신규 매수 차단 여부를 알려주는 리스크 스로틀입니다
type Throttle interface {
	GetDecision(ctx context.Context, market, strategy string, forceRefresh bool) risk.Decision
	Invalidate(market, strategy string)
}

// TradeSaver는 확정된 거래 기록을 저장합니다
type TradeSaver interface {
	SaveTrade(ctx context.Context, trade *domain.TradeRecord) error
}

// MarketCondition은 스프레드와 유동성 같은 시장 미시구조를 판단합니다
type MarketCondition interface {
	Check(ctx context.Context, market string, side domain.OrderSide) (ok bool, detail string)
}

// Config는 주문 실행 설정입니다
type Config struct {
	MinOrderAmount   float64       // 수수료 차감 후 최소 주문 금액
	FeeRate          float64       // 거래 수수료율
	MinBuyConfidence float64       // 매수 진입 최소 신뢰도
	MaxReorders      int           // 부분 체결 시 잔량 재주문 횟수
	StatusPolls      int           // 미체결 지정가 주문 상태 조회 횟수
	PollInterval     time.Duration // 상태 조회 간격
	Retry            RetryConfig
}

// DefaultConfig는 기본 실행 설정을 반환합니다
func DefaultConfig() Config {
	return Config{
		MinOrderAmount:   5000,
		FeeRate:          0.0005,
		MinBuyConfidence: 60,
		MaxReorders:      2,
		StatusPolls:      3,
		PollInterval:     500 * time.Millisecond,
		Retry:            DefaultRetryConfig(),
	}
}

// Request는 주문 실행 요청입니다
type Request struct {
	Strategy       string
	PositionID     string
	Market         string
	Side           domain.OrderSide
	Quantity       float64 // 기준 통화 수량
	ReferencePrice float64 // 슬리피지 계산과 최소 금액 확인에 쓰는 기준가
	Confidence     float64
	Reason         string

	// Exit이면 진입 전용 사전 조건(최소 금액, 신뢰도, 스로틀, 시장 상태)을 건너뜁니다
	Exit bool
}

// Executor는 주문을 검증하고 실행하며 체결 결과를 정산합니다
type Executor struct {
	exchange  exchange.Exchange
	breaker   Breaker
	throttle  Throttle
	trades    TradeSaver
	condition MarketCondition
	locks     *MarketLocks
	cfg       Config

	marketOrderStrategies map[string]bool
	now                   func() time.Time
	log                   *logrus.Entry
}

// Option은 Executor 생성 옵션입니다
type Option func(*Executor)

// WithMarketCondition은 시장 상태 판단기를 설정합니다
func WithMarketCondition(c MarketCondition) Option {
	return func(e *Executor) {
		e.condition = c
	}
}

// WithMarketOrderStrategies는 항상 시장가 주문을 쓰는 단기 전략을 지정합니다
func WithMarketOrderStrategies(ids ...string) Option {
	return func(e *Executor) {
		for _, id := range ids {
			e.marketOrderStrategies[id] = true
		}
	}
}

// WithLocks는 마켓 잠금을 공유합니다
func WithLocks(l *MarketLocks) Option {
	return func(e *Executor) {
		e.locks = l
	}
}

// WithClock은 시간 함수를 교체합니다
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		e.now = now
	}
}

// New는 새로운 Executor를 생성합니다. throttle과 trades는 nil일 수 있습니다.
func New(ex exchange.Exchange, breaker Breaker, throttle Throttle, trades TradeSaver, cfg Config, opts ...Option) *Executor {
	e := &Executor{
		exchange:              ex,
		breaker:               breaker,
		throttle:              throttle,
		trades:                trades,
		cfg:                   cfg,
		locks:                 NewMarketLocks(0),
		marketOrderStrategies: make(map[string]bool),
		now:                   time.Now,
		log:                   logger.Component("executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute는 요청을 실행합니다. 거래소 계층의 오류는 모두 Result로 정규화되며
// 에러나 패닉으로 전파되지 않습니다.
func (e *Executor) Execute(ctx context.Context, req Request) (res *Result) {
	req.Market = domain.NormalizeMarket(req.Market)
	log := e.log.WithFields(logrus.Fields{
		"market":   req.Market,
		"strategy": req.Strategy,
		"side":     req.Side,
	})

	if r := e.precheck(ctx, req); r != nil {
		log.WithField("reason", r.Reason).Infof("주문 거부: %s", r.Detail)
		return r
	}

	if !e.locks.TryLock(req.Market) {
		log.Info("진행 중인 주문이 있어 진입을 포기합니다")
		return rejected(req, ReasonOrderInFlight, "마켓 잠금 획득 실패")
	}
	defer e.locks.Unlock(req.Market)

	defer func() {
		if p := recover(); p != nil {
			log.Errorf("주문 실행 중 패닉: %v", p)
			e.breaker.RecordExecutionFailure(req.Market)
			res = &Result{
				Outcome:      OutcomeFailed,
				Reason:       ReasonExecutionFailed,
				Market:       req.Market,
				Side:         req.Side,
				RequestedQty: req.Quantity,
				Err:          fmt.Errorf("주문 실행 패닉: %v", p),
			}
		}
	}()

	res = &Result{
		Outcome:      OutcomePartiallyFilled,
		Market:       req.Market,
		Side:         req.Side,
		RequestedQty: req.Quantity,
	}

	var acc fillAccumulator
	remaining := req.Quantity
	for leg := 0; leg <= e.cfg.MaxReorders; leg++ {
		if leg > 0 {
			res.Reorders++
			log.Infof("부분 체결, 잔량 %.8f 재주문 (%d/%d)", remaining, leg, e.cfg.MaxReorders)
		}

		fill, err := e.placeWithFallback(ctx, req, remaining, log)
		if err != nil {
			res.Err = err
			log.WithError(err).Warn("주문 실패")
			break
		}
		res.Fills = append(res.Fills, fill)
		if fill.OrderID != "" {
			res.OrderIDs = append(res.OrderIDs, fill.OrderID)
		}
		acc.add(fill)

		remaining = acc.remaining(req.Quantity)
		if remaining <= qtyEpsilon || fill.Qty <= qtyEpsilon {
			break
		}
	}

	return e.finish(ctx, req, res, acc, log)
}

// Precheck는 네트워크 주문 없이 사전 조건만 확인합니다. 통과하면 nil을 반환합니다.
func (e *Executor) Precheck(ctx context.Context, req Request) *Result {
	req.Market = domain.NormalizeMarket(req.Market)
	return e.precheck(ctx, req)
}

func (e *Executor) precheck(ctx context.Context, req Request) *Result {
	if req.Market == "" || (req.Side != domain.Buy && req.Side != domain.Sell) {
		return rejected(req, ReasonInvalidRequest, "마켓 또는 주문 방향 누락")
	}
	if !(req.Quantity > 0) || math.IsInf(req.Quantity, 0) || !(req.ReferencePrice > 0) || math.IsInf(req.ReferencePrice, 0) {
		return rejected(req, ReasonInvalidRequest, fmt.Sprintf("수량 %v, 기준가 %v", req.Quantity, req.ReferencePrice))
	}
	if req.Exit {
		return nil
	}

	net := decimal.NewFromFloat(req.Quantity).
		Mul(decimal.NewFromFloat(req.ReferencePrice)).
		Mul(decimal.NewFromInt(1).Sub(decimal.NewFromFloat(e.cfg.FeeRate)))
	if net.LessThan(decimal.NewFromFloat(e.cfg.MinOrderAmount)) {
		return rejected(req, ReasonBelowMinOrderAmount, fmt.Sprintf("수수료 차감 후 %s < %.0f", net.StringFixed(2), e.cfg.MinOrderAmount))
	}

	if req.Side == domain.Buy {
		if req.Confidence < e.cfg.MinBuyConfidence {
			return rejected(req, ReasonLowConfidence, fmt.Sprintf("신뢰도 %.1f < %.1f", req.Confidence, e.cfg.MinBuyConfidence))
		}
		if e.throttle != nil {
			if d := e.throttle.GetDecision(ctx, req.Market, req.Strategy, false); d.BlockNewBuys {
				return rejected(req, ReasonRiskThrottleBlocked, fmt.Sprintf("스로틀 %s (승률 %.2f, 연속 손실 %d)", d.Severity, d.WinRate, d.RecentConsecutiveLosses))
			}
		}
	}

	if e.condition != nil {
		if ok, detail := e.condition.Check(ctx, req.Market, req.Side); !ok {
			return rejected(req, ReasonBadMarketCondition, detail)
		}
	}
	return nil
}

// placeWithFallback은 주 주문을 내고 실패하거나 응답이 비면 반대 유형으로 한 번 더 시도합니다
func (e *Executor) placeWithFallback(ctx context.Context, req Request, qty float64, log *logrus.Entry) (Fill, error) {
	typ, price := e.chooseOrder(ctx, req)
	order, err := e.place(ctx, req, typ, qty, price)
	if err == nil && order != nil {
		return e.toFill(e.settle(ctx, req.Market, order, log), typ, price), nil
	}
	if err == nil {
		err = errNilResponse
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Fill{}, err
	}

	fallback := typ.Opposite()
	var fallbackPrice float64
	if fallback == domain.Limit {
		top := e.orderBookTop(ctx, req.Market)
		if !top.IsValid() {
			return Fill{}, fmt.Errorf("%s 주문 실패, 폴백 지정가를 정할 호가 없음: %w", typ, err)
		}
		fallbackPrice = limitPrice(top, req.Side)
	}
	log.WithError(err).Warnf("%s 주문 실패, %s 주문으로 폴백", typ, fallback)

	order, ferr := e.place(ctx, req, fallback, qty, fallbackPrice)
	if ferr != nil {
		return Fill{}, fmt.Errorf("폴백 %s 주문 실패: %w", fallback, ferr)
	}
	if order == nil {
		return Fill{}, fmt.Errorf("폴백 %s 주문: %w", fallback, errNilResponse)
	}
	return e.toFill(e.settle(ctx, req.Market, order, log), fallback, fallbackPrice), nil
}

// chooseOrder는 단기 전략이면 시장가, 아니면 유효한 호가가 있을 때 최우선 호가 지정가를 선택합니다
func (e *Executor) chooseOrder(ctx context.Context, req Request) (domain.OrderType, float64) {
	if e.marketOrderStrategies[req.Strategy] {
		return domain.Market, 0
	}
	top := e.orderBookTop(ctx, req.Market)
	if !top.IsValid() {
		return domain.Market, 0
	}
	return domain.Limit, limitPrice(top, req.Side)
}

func limitPrice(top *domain.OrderBookTop, side domain.OrderSide) float64 {
	if side == domain.Buy {
		return top.BestAsk
	}
	return top.BestBid
}

func (e *Executor) orderBookTop(ctx context.Context, market string) *domain.OrderBookTop {
	var top *domain.OrderBookTop
	err := withRetry(ctx, e.cfg.Retry, e.log, "호가 조회", e.onAPIError(market), func() error {
		var err error
		top, err = e.exchange.GetOrderBookTop(ctx, market)
		return err
	})
	if err != nil {
		return nil
	}
	return top
}

func (e *Executor) place(ctx context.Context, req Request, typ domain.OrderType, qty, price float64) (*domain.OrderResult, error) {
	var order *domain.OrderResult
	op := fmt.Sprintf("%s %s %s 주문", req.Market, req.Side, typ)
	err := withRetry(ctx, e.cfg.Retry, e.log, op, e.onAPIError(req.Market), func() error {
		var err error
		if typ == domain.Limit {
			order, err = e.exchange.PlaceLimitOrder(ctx, req.Market, req.Side, qty, price)
		} else {
			order, err = e.exchange.PlaceMarketOrder(ctx, req.Market, req.Side, qty)
		}
		return err
	})
	return order, err
}

// settle은 미체결 주문을 정해진 횟수만큼 조회하고, 끝나지 않으면 취소 후 최종 상태를 반환합니다
func (e *Executor) settle(ctx context.Context, market string, order *domain.OrderResult, log *logrus.Entry) *domain.OrderResult {
	if order.Status.IsTerminal() || order.OrderID == "" {
		return order
	}

	for i := 0; i < e.cfg.StatusPolls; i++ {
		if err := sleep(ctx, e.cfg.PollInterval); err != nil {
			return order
		}
		if st := e.orderStatus(ctx, market, order.OrderID); st != nil {
			order = st
		}
		if order.Status.IsTerminal() {
			return order
		}
	}

	if err := e.exchange.CancelOrder(ctx, order.OrderID); err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
		e.onAPIError(market)(err)
		log.WithError(err).Warnf("주문 %s 취소 실패", order.OrderID)
	}
	if st := e.orderStatus(ctx, market, order.OrderID); st != nil {
		order = st
	}
	return order
}

func (e *Executor) orderStatus(ctx context.Context, market, orderID string) *domain.OrderResult {
	st, err := e.exchange.GetOrderStatus(ctx, orderID)
	if err != nil {
		e.onAPIError(market)(err)
		return nil
	}
	return st
}

func (e *Executor) onAPIError(market string) func(error) {
	return func(err error) {
		if exchange.IsRetryable(err) {
			e.breaker.RecordAPIError(market)
		}
	}
}

// toFill은 주문 결과에서 체결 대금을 복원합니다.
// 우선순위: 보고된 체결 대금, 지정가로 약정한 금액, 보고된 평균가, 묶인 금액.
// 묶인 금액은 완전 체결 후 0으로 보고되므로 마지막 수단입니다.
func (e *Executor) toFill(o *domain.OrderResult, typ domain.OrderType, committedPrice float64) Fill {
	f := Fill{
		OrderID: o.OrderID,
		Type:    typ,
		Status:  o.Status,
		Qty:     o.ExecutedQty,
		Fee:     o.Fee,
	}
	if !(f.Qty > 0) {
		f.Qty = 0
		return f
	}

	qty := decimal.NewFromFloat(f.Qty)
	var funds decimal.Decimal
	switch {
	case o.Funds > 0:
		funds = decimal.NewFromFloat(o.Funds)
	case committedPrice > 0:
		funds = qty.Mul(decimal.NewFromFloat(committedPrice))
	case o.Price > 0:
		funds = qty.Mul(decimal.NewFromFloat(o.Price))
	case o.Locked > 0:
		funds = decimal.NewFromFloat(o.Locked)
	}
	f.Funds = funds.InexactFloat64()
	if f.Funds > 0 {
		f.Price = funds.Div(qty).InexactFloat64()
	}
	return f
}

func (e *Executor) finish(ctx context.Context, req Request, res *Result, acc fillAccumulator, log *logrus.Entry) *Result {
	res.ExecutedQty = acc.qty.InexactFloat64()
	res.Funds = acc.funds.InexactFloat64()
	res.Fee = acc.fee.InexactFloat64()

	if res.ExecutedQty <= qtyEpsilon {
		res.Outcome = OutcomeFailed
		res.Reason = ReasonExecutionFailed
		e.breaker.RecordExecutionFailure(req.Market)
		log.WithError(res.Err).Error("주문이 체결되지 않았습니다")
		return res
	}

	if acc.unpriced || !(res.Funds > 0) {
		res.Outcome = OutcomeUnpriced
		res.Reason = ReasonInvalidFillPrice
		log.WithField("executed", res.ExecutedQty).Error("체결가를 확인할 수 없어 거래 기록을 저장하지 않습니다")
		return res
	}

	res.AveragePrice = acc.funds.Div(acc.qty).InexactFloat64()
	res.Trade = e.saveTrade(ctx, req, res, log)

	if res.RemainingQty() > 0 {
		res.Outcome = OutcomeExhausted
		res.Reason = ReasonReorderLimitExceeded
		e.breaker.RecordExecutionFailure(req.Market)
		log.Warnf("재주문 한도 초과, %.8f/%.8f 체결", res.ExecutedQty, res.RequestedQty)
	} else {
		res.Outcome = OutcomeFilled
		res.Success = true
		e.breaker.RecordExecutionSuccess(req.Market)
	}

	e.breaker.RecordSlippage(req.Market, slippagePercent(req.Side, req.ReferencePrice, res.AveragePrice))
	if e.throttle != nil {
		e.throttle.Invalidate(req.Market, req.Strategy)
	}

	log.WithFields(logrus.Fields{
		"qty":    res.ExecutedQty,
		"price":  res.AveragePrice,
		"orders": len(res.OrderIDs),
	}).Infof("주문 %s", res.Outcome)
	return res
}

func (e *Executor) saveTrade(ctx context.Context, req Request, res *Result, log *logrus.Entry) *domain.TradeRecord {
	trade := &domain.TradeRecord{
		ID:         uuid.NewString(),
		PositionID: req.PositionID,
		Strategy:   req.Strategy,
		Market:     req.Market,
		Side:       req.Side,
		Quantity:   res.ExecutedQty,
		Price:      res.AveragePrice,
		Funds:      res.Funds,
		Fee:        res.Fee,
		OrderIDs:   append([]string(nil), res.OrderIDs...),
		Reason:     req.Reason,
		ExecutedAt: e.now(),
	}
	if e.trades != nil {
		if err := e.trades.SaveTrade(ctx, trade); err != nil {
			log.WithError(err).Error("거래 기록 저장 실패")
		}
	}
	return trade
}

// slippagePercent는 기준가 대비 불리하게 체결된 비율(%)입니다
func slippagePercent(side domain.OrderSide, reference, executed float64) float64 {
	if reference <= 0 || executed <= 0 {
		return 0
	}
	if side == domain.Buy {
		return (executed - reference) / reference * 100
	}
	return (reference - executed) / reference * 100
}

type fillAccumulator struct {
	qty      decimal.Decimal
	funds    decimal.Decimal
	fee      decimal.Decimal
	unpriced bool
}

func (a *fillAccumulator) add(f Fill) {
	if f.Qty <= 0 {
		return
	}
	a.qty = a.qty.Add(decimal.NewFromFloat(f.Qty))
	a.fee = a.fee.Add(decimal.NewFromFloat(f.Fee))
	if f.Funds > 0 {
		a.funds = a.funds.Add(decimal.NewFromFloat(f.Funds))
	} else {
		a.unpriced = true
	}
}

func (a *fillAccumulator) remaining(requested float64) float64 {
	rem := decimal.NewFromFloat(requested).Sub(a.qty).InexactFloat64()
	if rem < 0 {
		return 0
	}
	return rem
}
