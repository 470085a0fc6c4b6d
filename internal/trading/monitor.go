package trading

import (
	"context"
	"errors"
	"fmt"

	"github.com/assist-by/bulwark/internal/domain"
	"github.com/assist-by/bulwark/internal/position"
)

// MonitorPositions는 보유 포지션마다 현재가로 트레일링 상태를 갱신하고
// 손절/익절/트레일링/시간 청산 조건이 충족되면 청산합니다.
// CLOSING 상태로 남은 포지션은 여기서 청산을 재시도합니다.
func (e *Engine) MonitorPositions(ctx context.Context) error {
	var errs []error
	for _, p := range e.deps.Positions.Active() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := e.monitor(ctx, p.Market); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) monitor(ctx context.Context, market string) error {
	if !e.positionLocks.TryLock(market) {
		e.marketLog(market).Debug("다른 작업이 포지션을 처리 중이라 모니터링을 건너뜁니다")
		return nil
	}
	defer e.positionLocks.Unlock(market)

	// 잠금 전 목록은 낡았을 수 있으므로 다시 조회
	p, ok := e.deps.Positions.Get(market)
	if !ok {
		return nil
	}
	switch p.Status {
	case position.StatusFilled, position.StatusPartiallyFilled, position.StatusClosing:
	default:
		return nil
	}

	top, err := e.deps.Exchange.GetOrderBookTop(ctx, p.Market)
	if err != nil {
		e.deps.Breaker.RecordAPIError(p.Market)
		return &ExecutionError{Market: p.Market, Phase: "order_book", Err: err}
	}
	if !top.IsValid() {
		e.marketLog(p.Market).Debug("호가가 없어 모니터링을 건너뜁니다")
		return nil
	}
	// 롱 포지션은 매도 호가가 아닌 매수 최우선 호가로 평가
	price := top.BestBid

	if p.Status == position.StatusClosing {
		_, err := e.closePosition(ctx, p, p.ExitReason, price)
		return err
	}

	var reason domain.ExitReason
	updated, err := e.deps.Positions.Update(ctx, p.Market, func(p *position.Position) error {
		reason = p.UpdatePrice(price, e.now())
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s 가격 갱신 실패: %w", p.Market, err)
	}
	if reason == domain.ExitNone {
		return nil
	}

	e.marketLog(p.Market).WithField("exit_reason", reason).Info("청산 조건 충족")
	_, err = e.closePosition(ctx, updated, reason, price)
	return err
}
