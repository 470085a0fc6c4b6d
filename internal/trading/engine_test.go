package trading

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assist-by/bulwark/internal/circuit"
	"github.com/assist-by/bulwark/internal/domain"
	"github.com/assist-by/bulwark/internal/exchange"
	"github.com/assist-by/bulwark/internal/exchange/paper"
	"github.com/assist-by/bulwark/internal/execution"
	"github.com/assist-by/bulwark/internal/notification"
	"github.com/assist-by/bulwark/internal/position"
	"github.com/assist-by/bulwark/internal/risk"
	"github.com/assist-by/bulwark/internal/storage/sqlite"
	"github.com/assist-by/bulwark/internal/strategy"
)

var t0 = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingAlerter struct {
	mu       sync.Mutex
	warnings []string
	errors   []string
}

func (a *recordingAlerter) SendWarning(market, message string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.warnings = append(a.warnings, market+": "+message)
}

func (a *recordingAlerter) SendError(market, message string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errors = append(a.errors, market+": "+message)
}

func (a *recordingAlerter) errorCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.errors)
}

type recordingNotifier struct {
	mu     sync.Mutex
	trades []notification.TradeInfo
}

func (n *recordingNotifier) SendTradeInfo(info notification.TradeInfo) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.trades = append(n.trades, info)
}

func (n *recordingNotifier) all() []notification.TradeInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification.TradeInfo(nil), n.trades...)
}

type fixture struct {
	clock    *testClock
	ex       *paper.Exchange
	store    *sqlite.Store
	breaker  *circuit.Breaker
	throttle *risk.Throttle
	global   *position.GlobalManager
	guard    *position.HoldingGuard
	locks    *execution.MarketLocks
	exec     *execution.Executor
	alerts   *recordingAlerter
	notes    *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &testClock{now: t0}

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "bulwark.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ex := paper.New()
	ex.SetBalance("KRW", 10_000_000)
	ex.SetOrderBook("KRW-BTC", 49_990_000, 50_000_000)

	f := &fixture{
		clock:   clock,
		ex:      ex,
		store:   store,
		breaker: circuit.New(circuit.DefaultConfig(), circuit.WithClock(clock.Now)),
		global:  position.NewGlobalManager(store, time.Minute, position.WithGlobalClock(clock.Now)),
		guard:   position.NewHoldingGuard(position.DefaultGuardConfig(), clock.Now),
		locks:   execution.NewMarketLocks(0),
		alerts:  &recordingAlerter{},
		notes:   &recordingNotifier{},
	}
	f.throttle = risk.NewThrottle(risk.DefaultConfig(), store, risk.WithClock(clock.Now))
	f.exec = f.executorFor(ex)
	return f
}

// executorFor는 재시도와 폴링 대기가 없는 실행기를 생성합니다
func (f *fixture) executorFor(ex exchange.Exchange) *execution.Executor {
	execCfg := execution.DefaultConfig()
	execCfg.PollInterval = 0
	execCfg.Retry = execution.RetryConfig{MaxAttempts: 1}
	return execution.New(ex, f.breaker, f.throttle, f.store, execCfg, execution.WithClock(f.clock.Now))
}

func (f *fixture) engine(t *testing.T, id string, mutate ...func(*Config)) (*Engine, *strategy.Queue) {
	t.Helper()
	cfg := Config{
		Strategy:                  id,
		Markets:                   []string{"KRW-BTC", "KRW-ETH"},
		StopLossPercent:           2,
		TakeProfitPercent:         4,
		TrailingActivationPercent: 1.5,
		TrailingOffsetPercent:     1,
		MaxHolding:                24 * time.Hour,
		RetryBudget:               3,
		StaleEntryAfter:           10 * time.Minute,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	queue := strategy.NewQueue(id)
	mgr := position.NewManager(id, f.store)
	f.global.Register(mgr)

	e, err := NewEngine(cfg, queue, Deps{
		Exchange:   f.ex,
		Executor:   f.exec,
		Breaker:    f.breaker,
		Throttle:   f.throttle,
		Sizer:      position.NewSizer(position.DefaultSizingConfig(), f.throttle),
		Positions:  mgr,
		Global:     f.global,
		Guard:      f.guard,
		Alerter:    f.alerts,
		Notifier:   f.notes,
		EntryLocks: f.locks,
	}, WithClock(f.clock.Now))
	require.NoError(t, err)
	return e, queue
}

func buySignal(id, market string, price float64) *domain.TradingSignal {
	return &domain.TradingSignal{
		StrategyID: id,
		Market:     market,
		Action:     domain.ActionBuy,
		Confidence: 80,
		Price:      price,
		Reason:     "돌파",
		Timestamp:  t0,
	}
}

func sellSignal(id, market string, price float64) *domain.TradingSignal {
	return &domain.TradingSignal{
		StrategyID: id,
		Market:     market,
		Action:     domain.ActionSell,
		Confidence: 70,
		Price:      price,
		Timestamp:  t0,
	}
}

// enterBTC는 50,000,000원에 0.01 BTC 진입을 완료합니다
func enterBTC(t *testing.T, e *Engine) *position.Position {
	t.Helper()
	out, err := e.HandleSignal(context.Background(), buySignal(e.Name(), "KRW-BTC", 50_000_000))
	require.NoError(t, err)
	require.True(t, out.Executed, "진입 실패: %s %s", out.Skipped, out.Detail)
	return out.Position
}

func (f *fixture) stored(t *testing.T, id string) *position.Position {
	t.Helper()
	p, err := f.store.GetPosition(context.Background(), id)
	require.NoError(t, err)
	return p
}

func TestEngine_EntryFillsAndRegistersPosition(t *testing.T) {
	f := newFixture(t)
	e, _ := f.engine(t, "trend")

	p := enterBTC(t, e)

	assert.Equal(t, position.StatusFilled, p.Status)
	assert.InDelta(t, 0.01, p.FilledQty, 1e-12)
	assert.InDelta(t, 50_000_000, p.AverageEntryPrice, 1e-6)
	assert.InDelta(t, 49_000_000, p.StopLossPrice, 1e-6)
	assert.InDelta(t, 52_000_000, p.TakeProfitPrice, 1e-6)
	assert.Equal(t, t0.Add(24*time.Hour), p.TimeoutAt)

	placements := f.ex.Placements()
	require.Len(t, placements, 1)
	assert.Equal(t, domain.Buy, placements[0].Side)
	assert.Equal(t, domain.Limit, placements[0].Type)

	cur, ok := e.Positions().Get("BTC_KRW")
	require.True(t, ok)
	assert.Equal(t, p.ID, cur.ID)
	assert.Equal(t, position.StatusFilled, f.stored(t, p.ID).Status)

	trades := f.notes.all()
	require.Len(t, trades, 1)
	assert.Equal(t, domain.Buy, trades[0].Side)
	assert.Nil(t, trades[0].PnLPercent)
}

func TestEngine_SecondEngineSkipsOnCollision(t *testing.T) {
	f := newFixture(t)
	trend, _ := f.engine(t, "trend")
	breakout, _ := f.engine(t, "breakout")

	enterBTC(t, trend)

	out, err := breakout.HandleSignal(context.Background(), buySignal("breakout", "KRW-BTC", 50_000_000))
	require.NoError(t, err)
	assert.False(t, out.Executed)
	assert.Equal(t, SkipCollision, out.Skipped)
	assert.Len(t, f.ex.Placements(), 1)

	_, ok := breakout.Positions().Get("KRW-BTC")
	assert.False(t, ok)
}

func TestEngine_ConcurrentEnginesEnterOnce(t *testing.T) {
	f := newFixture(t)
	ids := []string{"trend", "breakout", "scalp", "swing"}
	engines := make([]*Engine, len(ids))
	for i, id := range ids {
		engines[i], _ = f.engine(t, id)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes []Outcome
	)
	for _, e := range engines {
		wg.Add(1)
		go func(e *Engine) {
			defer wg.Done()
			out, err := e.HandleSignal(context.Background(), buySignal(e.Name(), "KRW-BTC", 50_000_000))
			assert.NoError(t, err)
			mu.Lock()
			outcomes = append(outcomes, out)
			mu.Unlock()
		}(e)
	}
	wg.Wait()

	executed := 0
	for _, out := range outcomes {
		if out.Executed {
			executed++
			continue
		}
		assert.Contains(t, []string{SkipCollision, execution.ReasonOrderInFlight}, out.Skipped)
	}
	assert.Equal(t, 1, executed)

	buys := 0
	for _, p := range f.ex.Placements() {
		if p.Side == domain.Buy {
			buys++
		}
	}
	assert.Equal(t, 1, buys)
}

func TestEngine_ExternalHoldingBlocksEntry(t *testing.T) {
	f := newFixture(t)
	f.global.Register(position.NewBalanceExposure(f.ex, 5000))
	e, _ := f.engine(t, "trend")
	f.ex.SetBalance("BTC", 0.5)

	out, err := e.HandleSignal(context.Background(), buySignal("trend", "KRW-BTC", 50_000_000))
	require.NoError(t, err)
	assert.Equal(t, SkipCollision, out.Skipped)
	assert.Equal(t, "exchange-balance", out.Detail)
	assert.Empty(t, f.ex.Placements())
}

func TestEngine_CircuitOpenBlocksEntryButNotExit(t *testing.T) {
	f := newFixture(t)
	e, _ := f.engine(t, "trend")
	p := enterBTC(t, e)

	for i := 0; i < 3; i++ {
		f.breaker.RecordTradeResult("KRW-BTC", -0.5)
	}
	require.False(t, f.breaker.CanTrade("KRW-BTC").Allowed)

	f.clock.Advance(11 * time.Minute)
	out, err := e.HandleSignal(context.Background(), sellSignal("trend", "KRW-BTC", 50_000_000))
	require.NoError(t, err)
	assert.True(t, out.Executed)
	assert.Equal(t, position.StatusClosed, f.stored(t, p.ID).Status)
	assert.Equal(t, domain.ExitSignal, out.Position.ExitReason)

	f.clock.Advance(time.Hour)
	out, err = e.HandleSignal(context.Background(), buySignal("trend", "KRW-BTC", 50_000_000))
	require.NoError(t, err)
	assert.Equal(t, SkipCircuitOpen, out.Skipped)
}

func TestEngine_SizeZeroWhenBalanceTooSmall(t *testing.T) {
	f := newFixture(t)
	f.ex.SetBalance("KRW", 3000)
	e, _ := f.engine(t, "trend")

	out, err := e.HandleSignal(context.Background(), buySignal("trend", "KRW-BTC", 50_000_000))
	require.NoError(t, err)
	assert.Equal(t, SkipSizeZero, out.Skipped)
	assert.Equal(t, position.SizeReasonBelowMinBalance, out.Detail)
	assert.Empty(t, f.ex.Placements())

	_, ok := e.Positions().Get("KRW-BTC")
	assert.False(t, ok)
}

func TestEngine_PrecheckRejectionCreatesNoPosition(t *testing.T) {
	f := newFixture(t)
	e, _ := f.engine(t, "trend")

	sig := buySignal("trend", "KRW-BTC", 50_000_000)
	sig.Confidence = 40

	out, err := e.HandleSignal(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, execution.ReasonLowConfidence, out.Skipped)

	_, ok := e.Positions().Get("KRW-BTC")
	assert.False(t, ok)
	open, _, err := f.global.Holder(context.Background(), "KRW-BTC")
	require.NoError(t, err)
	assert.False(t, open)
}

func TestEngine_RejectsInvalidSignals(t *testing.T) {
	f := newFixture(t)
	e, _ := f.engine(t, "trend")
	ctx := context.Background()

	tests := []struct {
		name  string
		sig   *domain.TradingSignal
		field string
	}{
		{
			name:  "가격 없는 매수",
			sig:   buySignal("trend", "KRW-BTC", 0),
			field: "signal",
		},
		{
			name:  "다른 전략의 시그널",
			sig:   buySignal("breakout", "KRW-BTC", 50_000_000),
			field: "strategy",
		},
		{
			name:  "nil 시그널",
			sig:   nil,
			field: "signal",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := e.HandleSignal(ctx, tt.sig)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
			assert.Equal(t, SkipInvalidSignal, out.Skipped)
		})
	}

	out, err := e.HandleSignal(ctx, buySignal("trend", "KRW-XRP", 800))
	require.NoError(t, err)
	assert.Equal(t, SkipMarketNotConfigured, out.Skipped)

	hold := buySignal("trend", "KRW-BTC", 0)
	hold.Action = domain.ActionHold
	out, err = e.HandleSignal(ctx, hold)
	require.NoError(t, err)
	assert.Equal(t, SkipHold, out.Skipped)

	out, err = e.HandleSignal(ctx, sellSignal("trend", "KRW-BTC", 50_000_000))
	require.NoError(t, err)
	assert.Equal(t, SkipNoPosition, out.Skipped)
}

func TestEngine_ExecuteDrainsQueuedSignals(t *testing.T) {
	f := newFixture(t)
	f.ex.SetOrderBook("KRW-ETH", 2_999_000, 3_000_000)
	e, queue := f.engine(t, "trend")

	queue.Push(*buySignal("trend", "KRW-BTC", 50_000_000), *buySignal("trend", "ETH_KRW", 3_000_000))

	require.NoError(t, e.Execute(context.Background()))

	active := e.Positions().Active()
	require.Len(t, active, 2)
	assert.Equal(t, "KRW-BTC", active[0].Market)
	assert.Equal(t, "KRW-ETH", active[1].Market)
	assert.Equal(t, 0, queue.Len("KRW-BTC"))
	assert.Equal(t, 0, queue.Len("KRW-ETH"))
}

func TestEngine_ZeroFillMarksEntryFailed(t *testing.T) {
	f := newFixture(t)
	e, _ := f.engine(t, "trend")
	f.ex.FailNext(10)

	out, err := e.HandleSignal(context.Background(), buySignal("trend", "KRW-BTC", 50_000_000))
	require.NoError(t, err)
	assert.False(t, out.Executed)
	assert.Equal(t, SkipEntryNotFilled, out.Skipped)
	require.NotNil(t, out.Position)
	assert.Equal(t, position.StatusFailed, out.Position.Status)

	_, ok := e.Positions().Get("KRW-BTC")
	assert.False(t, ok)

	// 실패한 진입은 노출로 남지 않음
	f.ex.FailNext(0)
	out, err = e.HandleSignal(context.Background(), buySignal("trend", "KRW-BTC", 50_000_000))
	require.NoError(t, err)
	assert.True(t, out.Executed)
}
