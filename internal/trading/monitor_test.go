package trading

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assist-by/bulwark/internal/domain"
	"github.com/assist-by/bulwark/internal/position"
)

func sells(f *fixture) int {
	n := 0
	for _, p := range f.ex.Placements() {
		if p.Side == domain.Sell {
			n++
		}
	}
	return n
}

func TestMonitor_StopLossBypassesMinHolding(t *testing.T) {
	f := newFixture(t)
	e, _ := f.engine(t, "trend")
	p := enterBTC(t, e)

	f.clock.Advance(time.Minute)
	f.ex.SetOrderBook("KRW-BTC", 48_900_000, 48_910_000)
	require.NoError(t, e.MonitorPositions(context.Background()))

	closed := f.stored(t, p.ID)
	assert.Equal(t, position.StatusClosed, closed.Status)
	assert.Equal(t, domain.ExitStopLoss, closed.ExitReason)
	assert.True(t, closed.PnLKnown)
	assert.Less(t, closed.RealizedPnLPercent, -2.0)
	assert.Equal(t, 1, f.breaker.MarketState("KRW-BTC").ConsecutiveLosses)

	trades := f.notes.all()
	require.Len(t, trades, 2)
	require.NotNil(t, trades[1].PnLPercent)
	assert.Equal(t, domain.Sell, trades[1].Side)

	// 매도 직후 재진입은 대기
	out, err := e.HandleSignal(context.Background(), buySignal("trend", "KRW-BTC", 48_910_000))
	require.NoError(t, err)
	assert.Equal(t, SkipReentryCooldown, out.Skipped)
}

func TestMonitor_TakeProfitWaitsForMinHolding(t *testing.T) {
	f := newFixture(t)
	e, _ := f.engine(t, "trend")
	p := enterBTC(t, e)

	f.clock.Advance(time.Minute)
	f.ex.SetOrderBook("KRW-BTC", 52_100_000, 52_110_000)
	require.NoError(t, e.MonitorPositions(context.Background()))

	cur, ok := e.Positions().Get("KRW-BTC")
	require.True(t, ok)
	assert.Equal(t, position.StatusFilled, cur.Status)
	assert.Equal(t, 0, sells(f))

	f.clock.Advance(10 * time.Minute)
	require.NoError(t, e.MonitorPositions(context.Background()))

	closed := f.stored(t, p.ID)
	assert.Equal(t, position.StatusClosed, closed.Status)
	assert.Equal(t, domain.ExitTakeProfit, closed.ExitReason)
	assert.Greater(t, closed.RealizedPnLPercent, 3.0)
	assert.Equal(t, 0, f.breaker.MarketState("KRW-BTC").ConsecutiveLosses)
}

func TestMonitor_TrailingStopLocksInGain(t *testing.T) {
	f := newFixture(t)
	e, _ := f.engine(t, "trend")
	p := enterBTC(t, e)
	ctx := context.Background()

	f.clock.Advance(time.Minute)
	f.ex.SetOrderBook("KRW-BTC", 51_000_000, 51_010_000)
	require.NoError(t, e.MonitorPositions(ctx))

	cur, ok := e.Positions().Get("KRW-BTC")
	require.True(t, ok)
	assert.True(t, cur.TrailingActive)
	assert.InDelta(t, 50_490_000, cur.TrailingStopPrice, 1)

	f.clock.Advance(time.Minute)
	f.ex.SetOrderBook("KRW-BTC", 50_400_000, 50_410_000)
	require.NoError(t, e.MonitorPositions(ctx))

	closed := f.stored(t, p.ID)
	assert.Equal(t, position.StatusClosed, closed.Status)
	assert.Equal(t, domain.ExitTrailingStop, closed.ExitReason)
	assert.Greater(t, closed.RealizedPnL, 0.0)
}

func TestMonitor_TimeoutClosesAfterMaxHolding(t *testing.T) {
	f := newFixture(t)
	e, _ := f.engine(t, "trend", func(c *Config) { c.MaxHolding = time.Hour })
	p := enterBTC(t, e)

	f.clock.Advance(time.Hour)
	require.NoError(t, e.MonitorPositions(context.Background()))

	closed := f.stored(t, p.ID)
	assert.Equal(t, position.StatusClosed, closed.Status)
	assert.Equal(t, domain.ExitTimeout, closed.ExitReason)
}

func TestMonitor_SkipsWithoutOrderBook(t *testing.T) {
	f := newFixture(t)
	e, _ := f.engine(t, "trend")
	enterBTC(t, e)

	f.ex.ClearOrderBook("KRW-BTC")
	f.clock.Advance(48 * time.Hour)
	require.NoError(t, e.MonitorPositions(context.Background()))

	cur, ok := e.Positions().Get("KRW-BTC")
	require.True(t, ok)
	assert.Equal(t, position.StatusFilled, cur.Status)
}

func TestExit_ZeroBalanceClosesWithoutPnL(t *testing.T) {
	f := newFixture(t)
	e, _ := f.engine(t, "trend")
	p := enterBTC(t, e)

	f.ex.SetBalance("BTC", 0)
	f.clock.Advance(11 * time.Minute)

	out, err := e.HandleSignal(context.Background(), sellSignal("trend", "KRW-BTC", 50_000_000))
	require.NoError(t, err)
	assert.False(t, out.Executed)
	require.NotNil(t, out.Position)
	assert.Equal(t, position.StatusClosed, out.Position.Status)
	assert.False(t, out.Position.PnLKnown)

	assert.Equal(t, position.StatusClosed, f.stored(t, p.ID).Status)
	assert.Equal(t, 0, sells(f))
	assert.Equal(t, 0, f.breaker.MarketState("KRW-BTC").ConsecutiveLosses)

	open, _, err := f.global.Holder(context.Background(), "KRW-BTC")
	require.NoError(t, err)
	assert.False(t, open)
}

func TestExit_MinHoldingBlocksSellSignal(t *testing.T) {
	f := newFixture(t)
	e, _ := f.engine(t, "trend")
	enterBTC(t, e)

	f.clock.Advance(5 * time.Minute)
	out, err := e.HandleSignal(context.Background(), sellSignal("trend", "KRW-BTC", 50_000_000))
	require.NoError(t, err)
	assert.Equal(t, SkipMinHolding, out.Skipped)
	assert.Equal(t, 0, sells(f))

	// 시그널의 손절 사유는 가드를 우회
	sig := sellSignal("trend", "KRW-BTC", 50_000_000)
	sig.ExitReason = domain.ExitStopLoss
	out, err = e.HandleSignal(context.Background(), sig)
	require.NoError(t, err)
	assert.True(t, out.Executed)
	assert.Equal(t, position.StatusClosed, out.Position.Status)
}

func TestExit_PartialCloseRetriesOnNextMonitor(t *testing.T) {
	f := newFixture(t)
	e, _ := f.engine(t, "trend")
	p := enterBTC(t, e)

	// 첫 매도 주문과 재주문 모두 절반만 체결, 세 번째 주문은 체결 없음
	f.ex.QueueFillRatios(0.5, 0.5, 0)
	f.clock.Advance(11 * time.Minute)
	out, err := e.HandleSignal(context.Background(), sellSignal("trend", "KRW-BTC", 50_000_000))
	require.NoError(t, err)
	assert.True(t, out.Executed)
	assert.Equal(t, position.StatusClosing, out.Position.Status)
	assert.Greater(t, out.Position.OpenQty(), 0.0)

	require.NoError(t, e.MonitorPositions(context.Background()))
	closed := f.stored(t, p.ID)
	assert.Equal(t, position.StatusClosed, closed.Status)
	assert.Equal(t, domain.ExitSignal, closed.ExitReason)
	assert.True(t, closed.PnLKnown)
}

func TestExit_CloseFailuresExhaustRetryBudget(t *testing.T) {
	f := newFixture(t)
	e, _ := f.engine(t, "trend")
	p := enterBTC(t, e)
	ctx := context.Background()

	f.ex.FailNext(100)
	f.ex.SetOrderBook("KRW-BTC", 48_900_000, 48_910_000)

	require.NoError(t, e.MonitorPositions(ctx))
	cur, ok := e.Positions().Get("KRW-BTC")
	require.True(t, ok)
	assert.Equal(t, position.StatusClosing, cur.Status)
	assert.Equal(t, 1, cur.CloseAttemptCount)
	assert.Equal(t, 0, f.alerts.errorCount())

	require.NoError(t, e.MonitorPositions(ctx))
	require.NoError(t, e.MonitorPositions(ctx))

	_, ok = e.Positions().Get("KRW-BTC")
	assert.False(t, ok)
	failed := f.stored(t, p.ID)
	assert.Equal(t, position.StatusFailed, failed.Status)
	assert.Equal(t, 3, failed.CloseAttemptCount)
	assert.Equal(t, 1, f.alerts.errorCount())
}
