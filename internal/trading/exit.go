package trading

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/assist-by/bulwark/internal/domain"
	"github.com/assist-by/bulwark/internal/execution"
	"github.com/assist-by/bulwark/internal/position"
)

const (
	// zeroBalanceRatio 미만의 잔고(보유 수량 대비)는 청산된 것으로 봅니다
	zeroBalanceRatio = 0.001
	minBalanceQty    = 1e-8
)

// exitOnSignal은 SELL 시그널로 보유 포지션을 청산합니다
func (e *Engine) exitOnSignal(ctx context.Context, sig *domain.TradingSignal) (Outcome, error) {
	if !e.positionLocks.TryLock(sig.Market) {
		e.marketLog(sig.Market).Info("같은 마켓 포지션을 다른 작업이 처리 중이라 매도 시그널을 건너뜁니다")
		return Outcome{Action: domain.ActionSell, Market: sig.Market, Skipped: SkipPositionBusy}, nil
	}
	defer e.positionLocks.Unlock(sig.Market)

	pos, ok := e.deps.Positions.Get(sig.Market)
	if !ok {
		return Outcome{Action: domain.ActionSell, Market: sig.Market, Skipped: SkipNoPosition}, nil
	}
	reason := sig.ExitReason
	if reason == domain.ExitNone {
		reason = domain.ExitSignal
	}
	return e.closePosition(ctx, pos, reason, sig.Price)
}

// closePosition은 포지션의 남은 수량을 매도합니다. 호출자는 positionLocks를 잡고 있어야 합니다.
// CLOSING 상태의 재시도는 이미 보유 가드를 통과했으므로 다시 확인하지 않습니다.
func (e *Engine) closePosition(ctx context.Context, pos *position.Position, reason domain.ExitReason, refPrice float64) (Outcome, error) {
	market := pos.Market
	out := Outcome{Action: domain.ActionSell, Market: market, Position: pos}
	log := e.marketLog(market).WithField("exit_reason", reason)

	switch pos.Status {
	case position.StatusFilled, position.StatusPartiallyFilled:
		if d := e.deps.Guard.CanSell(market, reason); !d.Allowed {
			out.Skipped, out.Detail = SkipMinHolding, d.Reason
			log.WithField("retry_after", d.RetryAfter.Round(time.Second)).Info("최소 보유 시간 전이라 청산하지 않습니다")
			return out, nil
		}
	case position.StatusClosing:
	default:
		out.Skipped, out.Detail = SkipNotClosable, string(pos.Status)
		return out, nil
	}

	balances, err := e.deps.Exchange.GetBalances(ctx)
	if err != nil {
		e.deps.Breaker.RecordAPIError(market)
		return out, &ExecutionError{Market: market, Phase: "balance", Err: err}
	}
	base, _ := domain.FindBalance(balances, domain.BaseCurrency(market))

	now := e.now()
	p, err := e.deps.Positions.Update(ctx, market, func(p *position.Position) error {
		return p.BeginClose(reason, now)
	})
	if err != nil {
		if errors.Is(err, position.ErrInvalidTransition) {
			out.Skipped, out.Detail = SkipNotClosable, err.Error()
			return out, nil
		}
		return out, &ExecutionError{Market: market, Phase: "begin_close", Err: err}
	}
	out.Position = p

	if isZeroBalance(base.Total(), p.OpenQty()) {
		log.WithField("balance", base.Total()).Info("거래소 잔고가 0이라 청산 완료로 처리합니다")
		return e.resolveZeroBalance(ctx, out)
	}

	qty := math.Min(p.OpenQty(), base.Available)
	if qty <= minBalanceQty {
		return e.recordCloseFailure(ctx, out, fmt.Sprintf("매도 가능 잔고 없음 (묶인 잔고 %.8f)", base.Locked))
	}

	res := e.deps.Executor.Execute(ctx, execution.Request{
		Strategy:       e.cfg.Strategy,
		PositionID:     p.ID,
		Market:         market,
		Side:           p.Side.ExitSide(),
		Quantity:       qty,
		ReferencePrice: refPrice,
		Reason:         string(p.ExitReason),
		Exit:           true,
	})
	out.Result = res

	switch {
	case res.ExecutedQty <= 0:
		return e.recordCloseFailure(ctx, out, fmt.Sprintf("%s %s", res.Reason, res.Detail))

	case res.AveragePrice <= 0:
		detail := fmt.Sprintf("청산 체결가 확인 불가 (수량 %.8f)", res.ExecutedQty)
		p, err := e.deps.Positions.Update(ctx, market, func(p *position.Position) error {
			return p.MarkAbandoned(detail, e.now())
		})
		out.Position, out.Skipped, out.Detail = p, SkipUnpriced, detail
		e.deps.Alerter.SendWarning(market, detail)
		if err != nil {
			return out, &ExecutionError{Market: market, Phase: "exit_unpriced", Err: err}
		}
		return out, nil
	}

	p, err = e.deps.Positions.Update(ctx, market, func(p *position.Position) error {
		_, err := p.ApplyExitFill(res.ExecutedQty, res.AveragePrice, res.Fee, e.now())
		return err
	})
	if err != nil {
		e.deps.Alerter.SendError(market, fmt.Sprintf("청산 체결 기록 실패: %v", err))
		return out, &ExecutionError{Market: market, Phase: "apply_exit_fill", Err: err}
	}
	e.deps.Guard.RecordSell(market)
	out.Executed, out.Position = true, p

	if p.Status != position.StatusClosed {
		log.WithFields(logrus.Fields{
			"qty":       res.ExecutedQty,
			"remaining": p.OpenQty(),
		}).Warn("일부만 청산되어 다음 모니터링에서 재시도합니다")
		e.notifyTrade(res, string(p.ExitReason), nil)
		return out, nil
	}
	e.finishClose(p, res)
	return out, nil
}

// resolveZeroBalance는 잔고가 사라진 CLOSING 포지션을 CLOSED로 정리합니다
func (e *Engine) resolveZeroBalance(ctx context.Context, out Outcome) (Outcome, error) {
	p, err := e.deps.Positions.Update(ctx, out.Market, func(p *position.Position) error {
		return p.ResolveZeroBalance(e.now())
	})
	if err != nil {
		return out, &ExecutionError{Market: out.Market, Phase: "resolve_zero_balance", Err: err}
	}
	out.Position = p
	e.finishClose(p, nil)
	return out, nil
}

// recordCloseFailure는 청산 실패를 기록하고 재시도 한도를 넘으면 알림을 보냅니다
func (e *Engine) recordCloseFailure(ctx context.Context, out Outcome, reason string) (Outcome, error) {
	var failed bool
	p, err := e.deps.Positions.Update(ctx, out.Market, func(p *position.Position) error {
		failed = p.RecordCloseFailure(reason, e.cfg.RetryBudget, e.now())
		return nil
	})
	out.Skipped, out.Detail = SkipCloseFailed, reason
	if err != nil {
		return out, &ExecutionError{Market: out.Market, Phase: "close_failure", Err: err}
	}
	out.Position = p

	log := e.marketLog(out.Market).WithFields(logrus.Fields{
		"attempts": p.CloseAttemptCount,
		"reason":   reason,
	})
	if failed {
		e.deps.Global.Invalidate(out.Market)
		log.Error("청산 재시도 한도 소진, 포지션을 FAILED로 종료합니다")
		e.deps.Alerter.SendError(out.Market, fmt.Sprintf("%s 청산 실패로 FAILED 처리, 수동 확인 필요: %s", e.cfg.Strategy, reason))
		return out, nil
	}
	log.Warn("청산 실패, 다음 모니터링에서 재시도합니다")
	return out, nil
}

// finishClose는 CLOSED 포지션의 결과를 서킷 브레이커와 스로틀에 반영합니다.
// 손익을 알 수 없으면 서킷 브레이커에 기록하지 않습니다.
func (e *Engine) finishClose(p *position.Position, res *execution.Result) {
	e.deps.Global.Invalidate(p.Market)
	if e.deps.Throttle != nil {
		e.deps.Throttle.Invalidate(p.Market, e.cfg.Strategy)
	}

	log := e.marketLog(p.Market).WithField("exit_reason", p.ExitReason)
	pnl, pct, err := p.PnL()
	if err != nil {
		log.WithError(err).Warn("손익을 알 수 없는 청산입니다 (서킷 브레이커 기록 생략)")
		return
	}
	e.deps.Breaker.RecordTradeResult(p.Market, pct)

	log.WithFields(logrus.Fields{
		"pnl":         pnl,
		"pnl_percent": pct,
	}).Info("포지션 청산 완료")
	e.notifyTrade(res, string(p.ExitReason), &pct)
}

// isZeroBalance는 거래소 잔고가 사실상 0인지 확인합니다
func isZeroBalance(balance, openQty float64) bool {
	return balance <= minBalanceQty || balance < openQty*zeroBalanceRatio
}
