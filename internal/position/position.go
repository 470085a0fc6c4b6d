package position

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/assist-by/bulwark/internal/domain"
)

// Status는 포지션 상태입니다
type Status string

const (
	StatusOpen            Status = "OPEN"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusClosing         Status = "CLOSING"
	StatusClosed          Status = "CLOSED"
	StatusFailed          Status = "FAILED"
	StatusAbandoned       Status = "ABANDONED"
)

// IsLive는 진행 중인 포지션인지 확인합니다
func (s Status) IsLive() bool {
	switch s {
	case StatusOpen, StatusPartiallyFilled, StatusFilled, StatusClosing:
		return true
	}
	return false
}

// HoldsExposure는 마켓 노출로 간주해야 하는 상태인지 확인합니다.
// 거래소와 맞춰지지 않은 ABANDONED 포지션도 보수적으로 노출로 봅니다.
func (s Status) HoldsExposure() bool {
	return s.IsLive() || s == StatusAbandoned
}

// IsTerminal은 더 이상 전이가 없는 상태인지 확인합니다
func (s Status) IsTerminal() bool {
	return s == StatusClosed || s == StatusFailed
}

// Position은 하나의 (strategy, market) 노출 기록입니다
type Position struct {
	ID       string
	Strategy string
	Market   string
	Side     domain.PositionSide
	Status   Status

	TargetQty         float64
	FilledQty         float64
	ExitedQty         float64
	AverageEntryPrice float64 // 진입 VWAP
	AverageExitPrice  float64 // 청산 VWAP
	EntryFee          float64
	ExitFee           float64

	StopLossPrice     float64
	TakeProfitPrice   float64
	StopLossPercent   float64
	TakeProfitPercent float64

	TrailingActive            bool
	TrailingActivationPercent float64
	TrailingOffsetPercent     float64
	PeakPrice                 float64
	TrailingStopPrice         float64

	TimeoutAt         time.Time
	CloseAttemptCount int
	AbandonRetryCount int

	RealizedPnL        float64
	RealizedPnLPercent float64
	PnLKnown           bool

	ExitReason domain.ExitReason
	LastError  string
	OpenedAt   time.Time
	UpdatedAt  time.Time
	ClosedAt   time.Time
}

// NewPosition은 OPEN 상태의 새 포지션을 생성합니다
func NewPosition(strategy, market string, side domain.PositionSide, targetQty float64, now time.Time) (*Position, error) {
	if !isFinitePositive(targetQty) {
		return nil, NewPositionError(market, "new", fmt.Errorf("목표 수량 %v: %w", targetQty, ErrInvalidFill))
	}
	return &Position{
		ID:        uuid.NewString(),
		Strategy:  strategy,
		Market:    domain.NormalizeMarket(market),
		Side:      side,
		Status:    StatusOpen,
		TargetQty: targetQty,
		OpenedAt:  now,
		UpdatedAt: now,
	}, nil
}

// OpenQty는 아직 청산되지 않은 보유 수량입니다
func (p *Position) OpenQty() float64 {
	q := subQty(p.FilledQty, p.ExitedQty)
	if q < 0 {
		return 0
	}
	return q
}

// Clone은 포지션의 복사본을 반환합니다
func (p *Position) Clone() *Position {
	cp := *p
	return &cp
}

// ApplyEntryFill은 진입 체결을 반영하고 실제로 반영된 수량을 반환합니다.
// 반영 수량은 목표 수량을 넘지 않도록 잘립니다.
func (p *Position) ApplyEntryFill(qty, price, fee float64, now time.Time) (float64, error) {
	if !isFinitePositive(qty) || !isFinitePositive(price) || !isFinite(fee) || fee < 0 {
		return 0, NewPositionError(p.Market, "entry_fill", fmt.Errorf("qty=%v price=%v fee=%v: %w", qty, price, fee, ErrInvalidFill))
	}
	if p.Status != StatusOpen && p.Status != StatusPartiallyFilled {
		return 0, NewPositionError(p.Market, "entry_fill", fmt.Errorf("%s 상태: %w", p.Status, ErrInvalidTransition))
	}

	remaining := subQty(p.TargetQty, p.FilledQty)
	applied := math.Min(qty, remaining)
	if applied <= qtyEpsilon {
		return 0, nil
	}

	p.AverageEntryPrice = vwap(p.AverageEntryPrice, p.FilledQty, price, applied)
	p.FilledQty = math.Min(addQty(p.FilledQty, applied), p.TargetQty)
	p.EntryFee = addQty(p.EntryFee, fee)

	if p.TargetQty-p.FilledQty <= qtyEpsilon {
		p.Status = StatusFilled
	} else {
		p.Status = StatusPartiallyFilled
	}
	p.refreshTargets()
	p.UpdatedAt = now
	return applied, nil
}

// SetExitTargets는 진입가 대비 손절/익절 비율(%)을 설정합니다. 0이면 해당 조건을 사용하지 않습니다.
func (p *Position) SetExitTargets(stopLossPercent, takeProfitPercent float64) error {
	if stopLossPercent < 0 || takeProfitPercent < 0 || stopLossPercent >= 100 ||
		!isFinite(stopLossPercent) || !isFinite(takeProfitPercent) {
		return NewPositionError(p.Market, "set_targets", ErrInvalidTPSLConfig)
	}
	p.StopLossPercent = stopLossPercent
	p.TakeProfitPercent = takeProfitPercent
	p.refreshTargets()
	return nil
}

// SetExitPrices는 손절/익절을 절대 가격으로 설정합니다. 0이면 해당 조건을 사용하지 않습니다.
func (p *Position) SetExitPrices(stopLossPrice, takeProfitPrice float64) error {
	if stopLossPrice < 0 || takeProfitPrice < 0 {
		return NewPositionError(p.Market, "set_prices", ErrInvalidTPSLConfig)
	}
	if stopLossPrice > 0 && takeProfitPrice > 0 {
		long := p.Side != domain.ShortPosition
		if (long && stopLossPrice >= takeProfitPrice) || (!long && stopLossPrice <= takeProfitPrice) {
			return NewPositionError(p.Market, "set_prices", ErrInvalidTPSLConfig)
		}
	}
	p.StopLossPercent, p.TakeProfitPercent = 0, 0
	p.StopLossPrice, p.TakeProfitPrice = stopLossPrice, takeProfitPrice
	return nil
}

// ConfigureTrailing은 트레일링 스탑을 설정합니다.
// 수익률이 activationPercent에 도달하면 최고가 대비 offsetPercent 아래에서 추적합니다.
func (p *Position) ConfigureTrailing(activationPercent, offsetPercent float64) error {
	if activationPercent < 0 || offsetPercent <= 0 || offsetPercent >= 100 {
		return NewPositionError(p.Market, "configure_trailing", ErrInvalidTPSLConfig)
	}
	p.TrailingActivationPercent = activationPercent
	p.TrailingOffsetPercent = offsetPercent
	return nil
}

// SetTimeout은 포지션 최대 보유 시각을 설정합니다
func (p *Position) SetTimeout(at time.Time) {
	p.TimeoutAt = at
}

// UpdatePrice는 현재가로 트레일링 상태를 갱신하고 청산 조건이 충족되면 사유를 반환합니다
func (p *Position) UpdatePrice(price float64, now time.Time) domain.ExitReason {
	if !isFinitePositive(price) || p.FilledQty <= 0 {
		return domain.ExitNone
	}
	if p.Status != StatusPartiallyFilled && p.Status != StatusFilled {
		return domain.ExitNone
	}

	long := p.Side != domain.ShortPosition
	if p.PeakPrice == 0 || (long && price > p.PeakPrice) || (!long && price < p.PeakPrice) {
		p.PeakPrice = price
	}

	if p.TrailingOffsetPercent > 0 {
		if !p.TrailingActive && p.gainPercent(p.PeakPrice) >= p.TrailingActivationPercent {
			p.TrailingActive = true
		}
		if p.TrailingActive {
			p.ratchetTrailing()
		}
	}
	p.UpdatedAt = now

	switch {
	case p.StopLossPrice > 0 && ((long && price <= p.StopLossPrice) || (!long && price >= p.StopLossPrice)):
		return domain.ExitStopLoss
	case p.TrailingActive && p.TrailingStopPrice > 0 &&
		((long && price <= p.TrailingStopPrice) || (!long && price >= p.TrailingStopPrice)):
		return domain.ExitTrailingStop
	case p.TakeProfitPrice > 0 && ((long && price >= p.TakeProfitPrice) || (!long && price <= p.TakeProfitPrice)):
		return domain.ExitTakeProfit
	case !p.TimeoutAt.IsZero() && !now.Before(p.TimeoutAt):
		return domain.ExitTimeout
	}
	return domain.ExitNone
}

// BeginClose는 청산을 시작합니다. 이미 CLOSING이면 재시도로 간주합니다.
func (p *Position) BeginClose(reason domain.ExitReason, now time.Time) error {
	switch p.Status {
	case StatusPartiallyFilled, StatusFilled:
		if p.OpenQty() <= qtyEpsilon {
			return NewPositionError(p.Market, "begin_close", fmt.Errorf("보유 수량 없음: %w", ErrInvalidTransition))
		}
	case StatusClosing:
	default:
		return NewPositionError(p.Market, "begin_close", fmt.Errorf("%s 상태: %w", p.Status, ErrInvalidTransition))
	}

	p.Status = StatusClosing
	if p.ExitReason == domain.ExitNone {
		p.ExitReason = reason
	}
	p.CloseAttemptCount++
	p.UpdatedAt = now
	return nil
}

// ApplyExitFill은 청산 체결을 반영합니다. 전량 청산 시에만 실현 손익을 계산합니다.
func (p *Position) ApplyExitFill(qty, price, fee float64, now time.Time) (float64, error) {
	if !isFinitePositive(qty) || !isFinitePositive(price) || !isFinite(fee) || fee < 0 {
		return 0, NewPositionError(p.Market, "exit_fill", fmt.Errorf("qty=%v price=%v fee=%v: %w", qty, price, fee, ErrInvalidFill))
	}
	if p.Status != StatusClosing {
		return 0, NewPositionError(p.Market, "exit_fill", fmt.Errorf("%s 상태: %w", p.Status, ErrInvalidTransition))
	}

	applied := math.Min(qty, p.OpenQty())
	if applied <= qtyEpsilon {
		return 0, nil
	}

	p.AverageExitPrice = vwap(p.AverageExitPrice, p.ExitedQty, price, applied)
	p.ExitedQty = math.Min(addQty(p.ExitedQty, applied), p.FilledQty)
	p.ExitFee = addQty(p.ExitFee, fee)
	p.UpdatedAt = now

	if p.OpenQty() <= qtyEpsilon {
		p.close(now)
	}
	return applied, nil
}

// RecordCloseFailure는 청산 실패를 기록합니다. 재시도 한도를 넘으면 FAILED로 전이하고 true를 반환합니다.
func (p *Position) RecordCloseFailure(reason string, budget int, now time.Time) bool {
	p.LastError = reason
	p.UpdatedAt = now
	if p.retriesExhausted(budget) {
		p.fail(reason, now)
		return true
	}
	return false
}

// ResolveZeroBalance는 거래소 잔고가 0으로 확인된 CLOSING 포지션을 CLOSED로 정리합니다
func (p *Position) ResolveZeroBalance(now time.Time) error {
	if p.Status != StatusClosing {
		return NewPositionError(p.Market, "resolve_zero_balance", fmt.Errorf("%s 상태: %w", p.Status, ErrInvalidTransition))
	}
	p.close(now)
	return nil
}

// MarkAbandoned는 거래소와 맞춰지지 않는 포지션을 ABANDONED로 표시합니다
func (p *Position) MarkAbandoned(reason string, now time.Time) error {
	if p.Status.IsTerminal() {
		return NewPositionError(p.Market, "abandon", fmt.Errorf("%s 상태: %w", p.Status, ErrInvalidTransition))
	}
	p.Status = StatusAbandoned
	p.LastError = reason
	p.UpdatedAt = now
	return nil
}

// RetryAbandoned는 ABANDONED 포지션의 재시도 한 번을 소비합니다.
// 청산 시도와 합친 재시도 한도를 넘으면 FAILED로 전이하고 true를 반환합니다.
func (p *Position) RetryAbandoned(budget int, now time.Time) (bool, error) {
	if p.Status != StatusAbandoned {
		return false, NewPositionError(p.Market, "retry_abandoned", fmt.Errorf("%s 상태: %w", p.Status, ErrInvalidTransition))
	}
	p.AbandonRetryCount++
	p.UpdatedAt = now
	if p.retriesExhausted(budget) {
		p.fail(fmt.Sprintf("%s (%v)", p.LastError, ErrRetryBudgetExhausted), now)
		return true, nil
	}
	return false, nil
}

// Reinstate는 거래소 잔고와 다시 일치하는 ABANDONED 포지션을 복구합니다
func (p *Position) Reinstate(now time.Time) error {
	if p.Status != StatusAbandoned || p.FilledQty <= 0 {
		return NewPositionError(p.Market, "reinstate", ErrInvalidTransition)
	}
	switch {
	case p.ExitedQty > 0 || p.ExitReason != domain.ExitNone:
		p.Status = StatusClosing
	case p.TargetQty-p.FilledQty > qtyEpsilon:
		p.Status = StatusPartiallyFilled
	default:
		p.Status = StatusFilled
	}
	p.LastError = ""
	p.UpdatedAt = now
	return nil
}

// MarkFailed는 포지션을 FAILED로 종료합니다
func (p *Position) MarkFailed(reason string, now time.Time) {
	p.fail(reason, now)
}

func (p *Position) retriesExhausted(budget int) bool {
	return budget > 0 && p.CloseAttemptCount+p.AbandonRetryCount >= budget
}

func (p *Position) fail(reason string, now time.Time) {
	p.Status = StatusFailed
	p.LastError = reason
	p.UpdatedAt = now
	p.ClosedAt = now
}

// close는 CLOSED로 전이하며 청산 체결이 있으면 실현 손익을 계산합니다
func (p *Position) close(now time.Time) {
	p.Status = StatusClosed
	p.ClosedAt = now
	p.UpdatedAt = now

	pnl, pct, ok := realizedPnL(p.Side, p.AverageEntryPrice, p.AverageExitPrice, p.ExitedQty, p.EntryFee, p.ExitFee)
	p.PnLKnown = ok
	if ok {
		p.RealizedPnL = pnl
		p.RealizedPnLPercent = pct
	}
}

// PnL은 CLOSED 포지션의 실현 손익과 손익률(%)을 반환합니다.
// 청산 체결 없이 닫혔거나 아직 열려 있으면 ErrInvalidPnL입니다.
func (p *Position) PnL() (pnl, pct float64, err error) {
	if p.Status != StatusClosed || !p.PnLKnown {
		return 0, 0, NewPositionError(p.Market, "pnl", fmt.Errorf("%s 상태: %w", p.Status, ErrInvalidPnL))
	}
	return p.RealizedPnL, p.RealizedPnLPercent, nil
}

// refreshTargets는 비율로 지정된 손절/익절 가격을 현재 평균 진입가로 다시 계산합니다
func (p *Position) refreshTargets() {
	if p.AverageEntryPrice <= 0 {
		return
	}
	long := p.Side != domain.ShortPosition
	if p.StopLossPercent > 0 {
		if long {
			p.StopLossPrice = p.AverageEntryPrice * (1 - p.StopLossPercent/100)
		} else {
			p.StopLossPrice = p.AverageEntryPrice * (1 + p.StopLossPercent/100)
		}
	}
	if p.TakeProfitPercent > 0 {
		if long {
			p.TakeProfitPrice = p.AverageEntryPrice * (1 + p.TakeProfitPercent/100)
		} else {
			p.TakeProfitPrice = p.AverageEntryPrice * (1 - p.TakeProfitPercent/100)
		}
	}
}

// ratchetTrailing은 트레일링 스탑을 유리한 방향으로만 이동시킵니다
func (p *Position) ratchetTrailing() {
	if p.Side == domain.ShortPosition {
		candidate := p.PeakPrice * (1 + p.TrailingOffsetPercent/100)
		if p.TrailingStopPrice == 0 || candidate < p.TrailingStopPrice {
			p.TrailingStopPrice = candidate
		}
		return
	}
	candidate := p.PeakPrice * (1 - p.TrailingOffsetPercent/100)
	if candidate > p.TrailingStopPrice {
		p.TrailingStopPrice = candidate
	}
}

func (p *Position) gainPercent(price float64) float64 {
	if p.AverageEntryPrice <= 0 {
		return 0
	}
	if p.Side == domain.ShortPosition {
		return (p.AverageEntryPrice - price) / p.AverageEntryPrice * 100
	}
	return (price - p.AverageEntryPrice) / p.AverageEntryPrice * 100
}

// realizedPnL은 수수료를 차감한 실현 손익과 진입 금액 대비 비율(%)을 계산합니다.
// 계산할 수 없으면 ok=false입니다.
func realizedPnL(side domain.PositionSide, entry, exit, qty, entryFee, exitFee float64) (pnl, pct float64, ok bool) {
	if !isFinitePositive(entry) || !isFinitePositive(exit) || !isFinitePositive(qty) {
		return 0, 0, false
	}

	dEntry := decimal.NewFromFloat(entry)
	dQty := decimal.NewFromFloat(qty)
	diff := decimal.NewFromFloat(exit).Sub(dEntry)
	if side == domain.ShortPosition {
		diff = diff.Neg()
	}
	net := diff.Mul(dQty).Sub(decimal.NewFromFloat(entryFee)).Sub(decimal.NewFromFloat(exitFee))
	cost := dEntry.Mul(dQty)
	if cost.Sign() <= 0 {
		return 0, 0, false
	}

	pnl = net.InexactFloat64()
	pct = net.Div(cost).Mul(decimal.NewFromInt(100)).InexactFloat64()
	if !isFinite(pnl) || !isFinite(pct) {
		return 0, 0, false
	}
	return pnl, pct, true
}
