package trading

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/assist-by/bulwark/internal/domain"
	"github.com/assist-by/bulwark/internal/position"
)

// balanceTolerance는 ABANDONED 포지션 복구 시 허용하는 잔고 오차 비율입니다
const balanceTolerance = 0.01

// Reconcile은 거래소 잔고와 포지션 기록을 맞춥니다.
//   - CLOSING: 잔고가 0이면 CLOSED
//   - ABANDONED: 잔고가 다시 일치하면 복구, 아니면 재시도 한 번을 소비하고 한도를 넘으면 FAILED
//   - 체결 없이 오래된 OPEN: 잔고가 있으면 ABANDONED, 없으면 FAILED
func (e *Engine) Reconcile(ctx context.Context) error {
	var errs []error
	for _, snapshot := range e.deps.Positions.Active() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := e.reconcileMarket(ctx, snapshot.Market); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// reconcileMarket은 마켓 잠금을 얻은 뒤 최신 포지션과 잔고로 정합성을 점검합니다.
// 주문 중인 마켓은 잔고가 체결 반영 전 상태일 수 있으므로 이번 차례를 건너뜁니다.
func (e *Engine) reconcileMarket(ctx context.Context, market string) error {
	if !e.positionLocks.TryLock(market) {
		e.marketLog(market).Debug("다른 작업이 포지션을 처리 중이라 정합성 점검을 건너뜁니다")
		return nil
	}
	defer e.positionLocks.Unlock(market)

	p, ok := e.deps.Positions.Get(market)
	if !ok {
		return nil
	}
	switch p.Status {
	case position.StatusClosing, position.StatusAbandoned, position.StatusOpen:
	default:
		return nil
	}
	balances, err := e.deps.Exchange.GetBalances(ctx)
	if err != nil {
		e.deps.Breaker.RecordAPIError(market)
		return &ExecutionError{Market: market, Phase: "reconcile_balance", Err: err}
	}
	base, _ := domain.FindBalance(balances, domain.BaseCurrency(p.Market))
	switch p.Status {
	case position.StatusClosing:
		if isZeroBalance(base.Total(), p.OpenQty()) {
			_, err := e.resolveZeroBalance(ctx, Outcome{Action: domain.ActionSell, Market: p.Market})
			return err
		}
	case position.StatusAbandoned:
		return e.reconcileAbandoned(ctx, p, base)
	case position.StatusOpen:
		return e.reconcileStaleEntry(ctx, p, base)
	}
	return nil
}

func (e *Engine) reconcileAbandoned(ctx context.Context, p *position.Position, base domain.Balance) error {
	log := e.marketLog(p.Market).WithFields(logrus.Fields{
		"balance":  base.Total(),
		"open_qty": p.OpenQty(),
	})
	now := e.now()
	open := p.OpenQty()

	// 잔고가 기록과 다시 일치하면 원래 상태로 복구
	if p.FilledQty > 0 && open > 0 && math.Abs(base.Total()-open) <= open*balanceTolerance {
		updated, err := e.deps.Positions.Update(ctx, p.Market, func(p *position.Position) error {
			return p.Reinstate(now)
		})
		if err != nil {
			return &ExecutionError{Market: p.Market, Phase: "reinstate", Err: err}
		}
		log.WithField("status", updated.Status).Info("ABANDONED 포지션을 복구했습니다")
		e.deps.Global.Invalidate(p.Market)
		return nil
	}

	// 청산 중 버려진 포지션의 잔고가 0이면 청산 완료
	closing := p.ExitedQty > 0 || p.ExitReason != domain.ExitNone
	if p.FilledQty > 0 && closing && isZeroBalance(base.Total(), open) {
		updated, err := e.deps.Positions.Update(ctx, p.Market, func(p *position.Position) error {
			if err := p.Reinstate(now); err != nil {
				return err
			}
			return p.ResolveZeroBalance(now)
		})
		if err != nil {
			return &ExecutionError{Market: p.Market, Phase: "resolve_abandoned", Err: err}
		}
		log.Info("청산 중 버려진 포지션의 잔고가 0이라 CLOSED로 정리했습니다")
		e.finishClose(updated, nil)
		return nil
	}

	var failed bool
	updated, err := e.deps.Positions.Update(ctx, p.Market, func(p *position.Position) error {
		var err error
		failed, err = p.RetryAbandoned(e.cfg.RetryBudget, now)
		return err
	})
	if err != nil {
		return &ExecutionError{Market: p.Market, Phase: "retry_abandoned", Err: err}
	}
	if failed {
		e.deps.Global.Invalidate(p.Market)
		log.Error("ABANDONED 재시도 한도 소진, FAILED 처리")
		e.deps.Alerter.SendError(p.Market, fmt.Sprintf("%s 포지션 %s 정합성 복구 실패, 수동 확인 필요: %s",
			e.cfg.Strategy, p.ID, updated.LastError))
		return nil
	}
	log.WithField("retries", updated.AbandonRetryCount).Warn("ABANDONED 포지션 잔고 불일치")
	return nil
}

// reconcileStaleEntry는 진입 주문 중 중단되어 체결 기록 없이 남은 OPEN 포지션을 정리합니다
func (e *Engine) reconcileStaleEntry(ctx context.Context, p *position.Position, base domain.Balance) error {
	if p.FilledQty > 0 || e.now().Sub(p.UpdatedAt) < e.cfg.StaleEntryAfter {
		return nil
	}
	now := e.now()

	if base.Total() > minBalanceQty {
		detail := fmt.Sprintf("체결 기록 없는 진입 (잔고 %.8f)", base.Total())
		_, err := e.deps.Positions.Update(ctx, p.Market, func(p *position.Position) error {
			return p.MarkAbandoned(detail, now)
		})
		if err != nil {
			return &ExecutionError{Market: p.Market, Phase: "stale_entry", Err: err}
		}
		e.deps.Alerter.SendWarning(p.Market, detail)
		return nil
	}

	_, err := e.deps.Positions.Update(ctx, p.Market, func(p *position.Position) error {
		p.MarkFailed("진입 체결 없음", now)
		return nil
	})
	if err != nil {
		return &ExecutionError{Market: p.Market, Phase: "stale_entry", Err: err}
	}
	e.deps.Global.Invalidate(p.Market)
	e.marketLog(p.Market).Info("체결 없이 남은 진입 포지션을 FAILED로 정리했습니다")
	return nil
}
