package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/assist-by/bulwark/internal/domain"
	"github.com/assist-by/bulwark/internal/execution"
	"github.com/assist-by/bulwark/internal/position"
)

// qtyDecimals는 주문 수량 소수점 자릿수입니다
const qtyDecimals = 8

// enter는 BUY 시그널로 새 포지션에 진입합니다
func (e *Engine) enter(ctx context.Context, sig *domain.TradingSignal) (Outcome, error) {
	market := sig.Market
	out := Outcome{Action: domain.ActionBuy, Market: market}
	log := e.marketLog(market)

	if !e.deps.EntryLocks.TryLock(market) {
		out.Skipped, out.Detail = execution.ReasonOrderInFlight, "다른 엔진이 진입 중"
		log.Info("다른 엔진이 진입 중이라 포기합니다")
		return out, nil
	}
	defer e.deps.EntryLocks.Unlock(market)

	if !e.positionLocks.TryLock(market) {
		out.Skipped, out.Detail = SkipPositionBusy, "포지션 처리 중"
		log.Info("같은 마켓 포지션을 다른 작업이 처리 중이라 포기합니다")
		return out, nil
	}
	defer e.positionLocks.Unlock(market)

	//---------------------------------
	// 1. 엔진 간 중복 진입 확인
	//---------------------------------
	open, holder, err := e.deps.Global.Holder(ctx, market)
	if open {
		out.Skipped, out.Detail = SkipCollision, holder
		if err != nil {
			return out, &ExecutionError{Market: market, Phase: "collision_check", Err: err}
		}
		log.WithField("holder", holder).Info("이미 노출이 있어 진입하지 않습니다")
		return out, nil
	}

	//---------------------------------
	// 2. 서킷 브레이커와 재진입 대기
	//---------------------------------
	if d := e.deps.Breaker.CanTrade(market); !d.Allowed {
		out.Skipped, out.Detail = SkipCircuitOpen, d.Reason
		log.WithField("reason", d.Reason).Warn("서킷 브레이커로 진입 차단")
		return out, nil
	}
	if d := e.deps.Guard.CanBuy(market); !d.Allowed {
		out.Skipped, out.Detail = SkipReentryCooldown, d.Reason
		log.WithField("retry_after", d.RetryAfter.Round(time.Second)).Info("재진입 대기 중")
		return out, nil
	}

	//---------------------------------
	// 3. 잔고 조회와 사이즈 계산
	//---------------------------------
	balances, err := e.deps.Exchange.GetBalances(ctx)
	if err != nil {
		e.deps.Breaker.RecordAPIError(market)
		return out, &ExecutionError{Market: market, Phase: "balance", Err: err}
	}
	quote, _ := domain.FindBalance(balances, e.cfg.QuoteCurrency)

	stopLoss := sig.StopLossPercent
	if stopLoss <= 0 {
		stopLoss = e.cfg.StopLossPercent
	}
	takeProfit := sig.TakeProfitPercent
	if takeProfit <= 0 {
		takeProfit = e.cfg.TakeProfitPercent
	}

	size := e.deps.Sizer.CalculatePositionSize(ctx, market, e.cfg.Strategy, quote.Available, sig.Confidence, stopLoss)
	if size.Amount <= 0 {
		out.Skipped, out.Detail = SkipSizeZero, size.Reason
		log.WithFields(logrus.Fields{
			"balance":  quote.Available,
			"reason":   size.Reason,
			"severity": size.Throttle.Severity,
		}).Info("주문 금액이 최소 주문 금액 미만")
		return out, nil
	}
	qty := decimal.NewFromFloat(size.Amount).
		Div(decimal.NewFromFloat(sig.Price)).
		Truncate(qtyDecimals).
		InexactFloat64()

	req := execution.Request{
		Strategy:       e.cfg.Strategy,
		Market:         market,
		Side:           domain.Buy,
		Quantity:       qty,
		ReferencePrice: sig.Price,
		Confidence:     sig.Confidence,
		Reason:         sig.Reason,
	}
	if r := e.deps.Executor.Precheck(ctx, req); r != nil {
		out.Skipped, out.Detail, out.Result = r.Reason, r.Detail, r
		return out, nil
	}

	//---------------------------------
	// 4. 포지션 등록 (주문 전에 노출로 기록)
	//---------------------------------
	now := e.now()
	pos, err := position.NewPosition(e.cfg.Strategy, market, domain.LongPosition, qty, now)
	if err != nil {
		return out, &ExecutionError{Market: market, Phase: "new_position", Err: err}
	}
	if err := pos.SetExitTargets(stopLoss, takeProfit); err != nil {
		return out, &ValidationError{Field: "stop_loss/take_profit", Err: err}
	}
	if e.cfg.TrailingOffsetPercent > 0 {
		if err := pos.ConfigureTrailing(e.cfg.TrailingActivationPercent, e.cfg.TrailingOffsetPercent); err != nil {
			return out, &ValidationError{Field: "trailing", Err: err}
		}
	}
	if e.cfg.MaxHolding > 0 {
		pos.SetTimeout(now.Add(e.cfg.MaxHolding))
	}

	if err := e.deps.Positions.Open(ctx, pos); err != nil {
		if errors.Is(err, position.ErrPositionExists) {
			out.Skipped, out.Detail = SkipCollision, e.deps.Positions.Name()
			return out, nil
		}
		return out, &ExecutionError{Market: market, Phase: "open_position", Err: err}
	}
	e.deps.Global.Invalidate(market)
	req.PositionID = pos.ID

	//---------------------------------
	// 5. 주문 실행과 체결 반영
	//---------------------------------
	res := e.deps.Executor.Execute(ctx, req)
	out.Result = res
	return e.applyEntry(ctx, out, res, sig.Reason)
}

// applyEntry는 진입 주문 결과를 포지션에 반영합니다
func (e *Engine) applyEntry(ctx context.Context, out Outcome, res *execution.Result, reason string) (Outcome, error) {
	market := out.Market
	log := e.marketLog(market)
	now := e.now()
	defer e.deps.Global.Invalidate(market)

	switch {
	case res.ExecutedQty <= 0:
		detail := fmt.Sprintf("진입 미체결: %s %s", res.Reason, res.Detail)
		p, err := e.deps.Positions.Update(ctx, market, func(p *position.Position) error {
			p.MarkFailed(detail, now)
			return nil
		})
		out.Position, out.Skipped, out.Detail = p, SkipEntryNotFilled, detail
		if res.Outcome == execution.OutcomeRejected {
			out.Skipped = res.Reason
		}
		if err != nil {
			return out, &ExecutionError{Market: market, Phase: "entry_failed", Err: err}
		}
		log.WithField("reason", res.Reason).Warn("진입 주문이 체결되지 않았습니다")
		return out, nil

	case res.AveragePrice <= 0:
		detail := fmt.Sprintf("진입 체결가 확인 불가 (수량 %.8f)", res.ExecutedQty)
		p, err := e.deps.Positions.Update(ctx, market, func(p *position.Position) error {
			return p.MarkAbandoned(detail, now)
		})
		out.Position, out.Skipped, out.Detail = p, SkipUnpriced, detail
		e.deps.Alerter.SendWarning(market, detail)
		if err != nil {
			return out, &ExecutionError{Market: market, Phase: "entry_unpriced", Err: err}
		}
		return out, nil
	}

	p, err := e.deps.Positions.Update(ctx, market, func(p *position.Position) error {
		_, err := p.ApplyEntryFill(res.ExecutedQty, res.AveragePrice, res.Fee, now)
		return err
	})
	if err != nil {
		e.deps.Alerter.SendError(market, fmt.Sprintf("진입 체결 기록 실패: %v", err))
		return out, &ExecutionError{Market: market, Phase: "apply_entry_fill", Err: err}
	}
	e.deps.Guard.RecordBuy(market)
	out.Executed, out.Position = true, p

	log.WithFields(logrus.Fields{
		"qty":     res.ExecutedQty,
		"price":   res.AveragePrice,
		"status":  p.Status,
		"reorder": res.Reorders,
	}).Info("진입 체결")
	e.notifyTrade(res, reason, nil)
	return out, nil
}
