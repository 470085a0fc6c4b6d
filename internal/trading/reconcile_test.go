package trading

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assist-by/bulwark/internal/circuit"
	"github.com/assist-by/bulwark/internal/domain"
	"github.com/assist-by/bulwark/internal/position"
)

// openAbandoned는 0.01 BTC가 체결된 뒤 ABANDONED가 된 포지션을 등록합니다
func openAbandoned(t *testing.T, f *fixture, e *Engine, closing bool) *position.Position {
	t.Helper()
	ctx := context.Background()
	now := f.clock.Now()

	p, err := position.NewPosition(e.Name(), "KRW-BTC", domain.LongPosition, 0.01, now)
	require.NoError(t, err)
	require.NoError(t, e.Positions().Open(ctx, p))

	_, err = e.Positions().Update(ctx, "KRW-BTC", func(p *position.Position) error {
		if _, err := p.ApplyEntryFill(0.01, 50_000_000, 250, now); err != nil {
			return err
		}
		if closing {
			if err := p.BeginClose(domain.ExitSignal, now); err != nil {
				return err
			}
		}
		return p.MarkAbandoned("체결가 확인 불가", now)
	})
	require.NoError(t, err)
	return p
}

func TestReconcile_ReinstatesAbandonedWhenBalanceMatches(t *testing.T) {
	f := newFixture(t)
	e, _ := f.engine(t, "trend")
	openAbandoned(t, f, e, false)
	f.ex.SetBalance("BTC", 0.00995)

	require.NoError(t, e.Reconcile(context.Background()))

	cur, ok := e.Positions().Get("KRW-BTC")
	require.True(t, ok)
	assert.Equal(t, position.StatusFilled, cur.Status)
	assert.Empty(t, cur.LastError)
}

func TestReconcile_ResolvesAbandonedCloseWithZeroBalance(t *testing.T) {
	f := newFixture(t)
	e, _ := f.engine(t, "trend")
	p := openAbandoned(t, f, e, true)

	require.NoError(t, e.Reconcile(context.Background()))

	closed := f.stored(t, p.ID)
	assert.Equal(t, position.StatusClosed, closed.Status)
	assert.False(t, closed.PnLKnown)
	_, ok := e.Positions().Get("KRW-BTC")
	assert.False(t, ok)
}

func TestReconcile_AbandonedMismatchFailsAfterBudget(t *testing.T) {
	f := newFixture(t)
	e, _ := f.engine(t, "trend", func(c *Config) { c.RetryBudget = 2 })
	p := openAbandoned(t, f, e, false)
	f.ex.SetBalance("BTC", 0.004)
	ctx := context.Background()

	require.NoError(t, e.Reconcile(ctx))
	cur, ok := e.Positions().Get("KRW-BTC")
	require.True(t, ok)
	assert.Equal(t, position.StatusAbandoned, cur.Status)
	assert.Equal(t, 1, cur.AbandonRetryCount)
	assert.Equal(t, 0, f.alerts.errorCount())

	require.NoError(t, e.Reconcile(ctx))
	assert.Equal(t, position.StatusFailed, f.stored(t, p.ID).Status)
	assert.Equal(t, 1, f.alerts.errorCount())
}

func TestReconcile_StaleEntryWithoutFill(t *testing.T) {
	tests := []struct {
		name    string
		balance float64
		want    position.Status
	}{
		{name: "잔고 없음이면 FAILED", balance: 0, want: position.StatusFailed},
		{name: "코인이 있으면 ABANDONED", balance: 0.01, want: position.StatusAbandoned},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			e, _ := f.engine(t, "trend")
			ctx := context.Background()

			p, err := position.NewPosition("trend", "KRW-BTC", domain.LongPosition, 0.01, f.clock.Now())
			require.NoError(t, err)
			require.NoError(t, e.Positions().Open(ctx, p))
			f.ex.SetBalance("BTC", tt.balance)

			f.clock.Advance(5 * time.Minute)
			require.NoError(t, e.Reconcile(ctx))
			assert.Equal(t, position.StatusOpen, f.stored(t, p.ID).Status, "대기 시간 전에는 그대로")

			f.clock.Advance(6 * time.Minute)
			require.NoError(t, e.Reconcile(ctx))
			assert.Equal(t, tt.want, f.stored(t, p.ID).Status)
		})
	}
}

func TestReconcile_BalanceErrorRecordsAPIError(t *testing.T) {
	f := newFixture(t)
	e, _ := f.engine(t, "trend")
	openAbandoned(t, f, e, false)

	f.ex.FailBalancesNext(1)
	err := e.Reconcile(context.Background())
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "reconcile_balance", execErr.Phase)
}

func TestAccountMonitor_TripsGlobalCircuitOnDrawdown(t *testing.T) {
	f := newFixture(t)
	f.ex.SetBalance("BTC", 0.1)
	m := NewAccountMonitor(f.ex, f.breaker, "KRW", 5000)
	ctx := context.Background()

	total, err := m.TotalAsset(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10_000_000+0.1*49_990_000, total, 1e-6)

	require.NoError(t, m.Execute(ctx))
	assert.InDelta(t, total, f.breaker.GlobalState().PeakTotalAsset, 1e-6)
	assert.True(t, f.breaker.CanTrade("KRW-BTC").Allowed)

	f.ex.SetBalance("KRW", 8_000_000)
	require.NoError(t, m.Execute(ctx))

	g := f.breaker.GlobalState()
	assert.True(t, g.Open)
	assert.Equal(t, circuit.ReasonDrawdown, g.Reason)
	assert.False(t, f.breaker.CanTrade("KRW-ETH").Allowed)
}

func TestAccountMonitor_SkipsSampleWhenBalanceCannotBeValued(t *testing.T) {
	f := newFixture(t)
	f.ex.SetBalance("ETH", 1)
	m := NewAccountMonitor(f.ex, f.breaker, "KRW", 5000)

	require.Error(t, m.Execute(context.Background()))
	assert.Zero(t, f.breaker.GlobalState().LastTotalAsset)
}

func TestAccountMonitor_IgnoresDust(t *testing.T) {
	f := newFixture(t)
	f.ex.SetBalance("XRP", 2)
	f.ex.SetOrderBook("KRW-XRP", 800, 801)
	m := NewAccountMonitor(f.ex, f.breaker, "KRW", 5000)

	total, err := m.TotalAsset(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 10_000_000, total, 1e-6)
}
