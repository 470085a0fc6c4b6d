// Package trading은 전략 시그널을 안전 계층에 통과시켜 주문과 포지션으로 연결합니다.
//
// 한 Engine은 하나의 전략을 담당하며 스케줄러에서 독립적으로 실행됩니다.
// 흐름: 시그널 → 중복 진입/서킷/가드 확인 → 사이즈 계산 → 주문 실행 → 포지션 갱신 → 서킷/스로틀 피드백
package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/assist-by/bulwark/internal/circuit"
	"github.com/assist-by/bulwark/internal/domain"
	"github.com/assist-by/bulwark/internal/exchange"
	"github.com/assist-by/bulwark/internal/execution"
	"github.com/assist-by/bulwark/internal/logger"
	"github.com/assist-by/bulwark/internal/notification"
	"github.com/assist-by/bulwark/internal/position"
	"github.com/assist-by/bulwark/internal/scheduler"
	"github.com/assist-by/bulwark/internal/strategy"
)

// OrderExecutor는 주문 실행기입니다
type OrderExecutor interface {
	Precheck(ctx context.Context, req execution.Request) *execution.Result
	Execute(ctx context.Context, req execution.Request) *execution.Result
}

// CircuitGate는 엔진이 사용하는 서킷 브레이커 기능입니다
type CircuitGate interface {
	CanTrade(market string) circuit.Decision
	RecordTradeResult(market string, pnlPercent float64)
	RecordAPIError(market string)
}

// Sizer는 주문 금액 계산기입니다
type Sizer interface {
	CalculatePositionSize(ctx context.Context, market, strategy string, balance, confidence, stopLossPercent float64) position.SizeResult
}

// CollisionGuard는 엔진 간 중복 진입 방지 조회입니다
type CollisionGuard interface {
	Holder(ctx context.Context, market string) (bool, string, error)
	Invalidate(market string)
}

// ThrottleInvalidator는 청산 후 스로틀 캐시를 비웁니다
type ThrottleInvalidator interface {
	Invalidate(market, strategy string)
}

// TradeNotifier는 체결 알림을 비동기로 보냅니다
type TradeNotifier interface {
	SendTradeInfo(info notification.TradeInfo)
}

// Config는 엔진 설정입니다
type Config struct {
	Strategy      string
	Markets       []string
	QuoteCurrency string

	StopLossPercent           float64 // 시그널이 지정하지 않을 때의 손절 비율
	TakeProfitPercent         float64
	TrailingActivationPercent float64
	TrailingOffsetPercent     float64
	MaxHolding                time.Duration // 0이면 시간 청산 없음

	RetryBudget     int           // 청산/ABANDONED 재시도 합산 한도
	StaleEntryAfter time.Duration // 체결 없는 OPEN 포지션을 정리하기까지 대기 시간
}

// Deps는 엔진이 공유하는 안전 계층 구성 요소입니다
type Deps struct {
	Exchange  exchange.Exchange
	Executor  OrderExecutor
	Breaker   CircuitGate
	Throttle  ThrottleInvalidator
	Sizer     Sizer
	Positions *position.Manager
	Global    CollisionGuard
	Guard     *position.HoldingGuard
	Alerter   notification.Alerter
	Notifier  TradeNotifier

	// EntryLocks는 엔진 간 공유하는 마켓별 진입 잠금입니다.
	// 중복 진입 확인부터 포지션 등록까지를 한 엔진만 수행하도록 합니다.
	EntryLocks *execution.MarketLocks
}

// Engine은 한 전략의 시그널을 처리하는 매매 엔진입니다
type Engine struct {
	cfg     Config
	source  strategy.SignalSource
	deps    Deps
	markets map[string]bool
	now     func() time.Time
	log     *logrus.Entry

	// positionLocks는 시그널/모니터/정합성 작업이 같은 마켓 포지션을 동시에 바꾸지 않도록 합니다.
	// 잠금을 얻지 못한 작업은 기다리지 않고 이번 차례를 건너뜁니다.
	positionLocks *execution.MarketLocks
}

// Option은 엔진 생성 옵션입니다
type Option func(*Engine)

// WithClock은 시간 함수를 교체합니다
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine은 새로운 엔진을 생성합니다
func NewEngine(cfg Config, source strategy.SignalSource, deps Deps, opts ...Option) (*Engine, error) {
	switch {
	case cfg.Strategy == "":
		return nil, errors.New("전략 ID가 필요합니다")
	case source == nil:
		return nil, errors.New("시그널 공급자가 필요합니다")
	case deps.Exchange == nil || deps.Executor == nil || deps.Breaker == nil || deps.Sizer == nil:
		return nil, errors.New("거래소, 실행기, 서킷 브레이커, 사이즈 계산기가 필요합니다")
	case deps.Positions == nil || deps.Global == nil || deps.Guard == nil:
		return nil, errors.New("포지션 매니저, 중복 진입 가드, 보유 가드가 필요합니다")
	case deps.Positions.Strategy() != cfg.Strategy:
		return nil, fmt.Errorf("포지션 매니저 전략 %s != %s", deps.Positions.Strategy(), cfg.Strategy)
	}
	if cfg.QuoteCurrency == "" {
		cfg.QuoteCurrency = "KRW"
	}
	if deps.Alerter == nil {
		deps.Alerter = notification.NopAlerter{}
	}
	if deps.EntryLocks == nil {
		deps.EntryLocks = execution.NewMarketLocks(0)
	}

	e := &Engine{
		cfg:     cfg,
		source:  source,
		deps:    deps,
		markets: make(map[string]bool, len(cfg.Markets)),
		now:     time.Now,
		log:     logger.Component("engine").WithField("strategy", cfg.Strategy),

		positionLocks: execution.NewMarketLocks(0),
	}
	for _, m := range cfg.Markets {
		e.markets[domain.NormalizeMarket(m)] = true
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Name은 엔진이 담당하는 전략 ID입니다
func (e *Engine) Name() string {
	return e.cfg.Strategy
}

// Positions는 엔진이 소유한 포지션 기록입니다
func (e *Engine) Positions() *position.Manager {
	return e.deps.Positions
}

// Execute는 각 마켓의 대기 시그널을 모두 처리합니다 (scheduler.Task)
func (e *Engine) Execute(ctx context.Context) error {
	var errs []error
	for _, market := range e.cfg.Markets {
		for {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			sig, err := e.source.Next(ctx, market)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s 시그널 조회 실패: %w", market, err))
				break
			}
			if sig == nil {
				break
			}
			if _, err := e.HandleSignal(ctx, sig); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// MonitorTask는 포지션 모니터를 스케줄러 작업으로 반환합니다
func (e *Engine) MonitorTask() scheduler.Task {
	return scheduler.TaskFunc(e.MonitorPositions)
}

// ReconcileTask는 정합성 점검을 스케줄러 작업으로 반환합니다
func (e *Engine) ReconcileTask() scheduler.Task {
	return scheduler.TaskFunc(e.Reconcile)
}

// HandleSignal은 시그널 하나를 처리합니다.
// 비즈니스 거부는 Outcome.Skipped로, 인프라 오류는 error로 반환합니다.
func (e *Engine) HandleSignal(ctx context.Context, sig *domain.TradingSignal) (Outcome, error) {
	if !sig.IsValid() {
		return Outcome{Skipped: SkipInvalidSignal}, &ValidationError{Field: "signal", Err: fmt.Errorf("유효하지 않은 시그널: %+v", sig)}
	}
	if sig.StrategyID != e.cfg.Strategy {
		return Outcome{Skipped: SkipInvalidSignal}, &ValidationError{Field: "strategy", Err: fmt.Errorf("%s 엔진에 %s 시그널", e.cfg.Strategy, sig.StrategyID)}
	}

	s := *sig
	s.Market = domain.NormalizeMarket(s.Market)
	out := Outcome{Action: s.Action, Market: s.Market}
	if !e.markets[s.Market] {
		out.Skipped = SkipMarketNotConfigured
		return out, nil
	}

	switch s.Action {
	case domain.ActionBuy:
		return e.enter(ctx, &s)
	case domain.ActionSell:
		return e.exitOnSignal(ctx, &s)
	default:
		out.Skipped = SkipHold
		return out, nil
	}
}

func (e *Engine) notifyTrade(res *execution.Result, reason string, pnlPercent *float64) {
	if e.deps.Notifier == nil || res == nil || res.ExecutedQty <= 0 {
		return
	}
	e.deps.Notifier.SendTradeInfo(notification.TradeInfo{
		Market:     res.Market,
		Strategy:   e.cfg.Strategy,
		Side:       res.Side,
		Quantity:   res.ExecutedQty,
		Price:      res.AveragePrice,
		Amount:     res.Funds,
		PnLPercent: pnlPercent,
		Reason:     reason,
	})
}

func (e *Engine) marketLog(market string) *logrus.Entry {
	return e.log.WithField("market", market)
}
