package execution

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assist-by/bulwark/internal/domain"
	"github.com/assist-by/bulwark/internal/exchange/paper"
	"github.com/assist-by/bulwark/internal/risk"
)

type countingBreaker struct {
	mu        sync.Mutex
	apiErrors int
	failures  int
	successes int
	slippages []float64
}

func (b *countingBreaker) RecordAPIError(string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.apiErrors++
}

func (b *countingBreaker) RecordExecutionFailure(string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
}

func (b *countingBreaker) RecordExecutionSuccess(string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.successes++
}

func (b *countingBreaker) RecordSlippage(_ string, pct float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slippages = append(b.slippages, pct)
}

type fakeThrottle struct {
	decision      risk.Decision
	invalidations []string
}

func (f *fakeThrottle) GetDecision(context.Context, string, string, bool) risk.Decision {
	return f.decision
}

func (f *fakeThrottle) Invalidate(market, strategy string) {
	f.invalidations = append(f.invalidations, market+"|"+strategy)
}

type memTrades struct {
	trades []*domain.TradeRecord
}

func (m *memTrades) SaveTrade(_ context.Context, t *domain.TradeRecord) error {
	m.trades = append(m.trades, t)
	return nil
}

type rejectAll struct{}

func (rejectAll) Check(context.Context, string, domain.OrderSide) (bool, string) {
	return false, "스프레드 과다"
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = 0
	cfg.Retry.BaseDelay = 0
	cfg.Retry.MaxDelay = 0
	return cfg
}

type fixture struct {
	ex       *paper.Exchange
	breaker  *countingBreaker
	throttle *fakeThrottle
	trades   *memTrades
	exec     *Executor
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		ex:       paper.New(),
		breaker:  &countingBreaker{},
		throttle: &fakeThrottle{decision: risk.Decision{Multiplier: 1, Severity: risk.SeverityNormal}},
		trades:   &memTrades{},
	}
	f.ex.SetBalance("KRW", 10_000_000)
	f.ex.SetOrderBook("KRW-ETH", 999_000, 1_000_000)
	f.exec = New(f.ex, f.breaker, f.throttle, f.trades, testConfig(), opts...)
	return f
}

func buyETH(qty float64) Request {
	return Request{
		Strategy:       "trend",
		PositionID:     "pos-1",
		Market:         "ETH_KRW",
		Side:           domain.Buy,
		Quantity:       qty,
		ReferencePrice: 1_000_000,
		Confidence:     80,
		Reason:         "entry",
	}
}

func TestExecute_PartialFillIssuesOneReorderForRemainder(t *testing.T) {
	f := newFixture(t)
	f.ex.QueueFillRatios(0.8)

	res := f.exec.Execute(context.Background(), buyETH(0.1))

	placements := f.ex.Placements()
	require.Len(t, placements, 2)
	assert.InDelta(t, 0.1, placements[0].Qty, 1e-12)
	assert.InDelta(t, 0.02, placements[1].Qty, 1e-12)

	assert.True(t, res.Success)
	assert.Equal(t, OutcomeFilled, res.Outcome)
	assert.Equal(t, 1, res.Reorders)
	assert.Len(t, res.OrderIDs, 2)
	assert.InDelta(t, 0.1, res.ExecutedQty, 1e-12)
	assert.InDelta(t, 1_000_000, res.AveragePrice, 1e-6)
	assert.Equal(t, domain.OrderExpired, res.Fills[0].Status, "부분 체결 주문은 취소 후 정산")

	require.Len(t, f.trades.trades, 1)
	trade := f.trades.trades[0]
	assert.Equal(t, "KRW-ETH", trade.Market)
	assert.Equal(t, res.OrderIDs, trade.OrderIDs)
	assert.NotEmpty(t, trade.ID)

	assert.Equal(t, 1, f.breaker.successes)
	require.Len(t, f.breaker.slippages, 1)
	assert.InDelta(t, 0, f.breaker.slippages[0], 1e-9)
	assert.Equal(t, []string{"KRW-ETH|trend"}, f.throttle.invalidations)
}

func TestExecute_PreconditionsRejectBeforeNetwork(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Request)
		setup  func(*fixture)
		opts   []Option
		reason string
	}{
		{
			name:   "수수료 차감 후 최소 금액 미만",
			mutate: func(r *Request) { r.Quantity = 0.005 },
			reason: ReasonBelowMinOrderAmount,
		},
		{
			name:   "매수 신뢰도 부족",
			mutate: func(r *Request) { r.Confidence = 50 },
			reason: ReasonLowConfidence,
		},
		{
			name:   "리스크 스로틀 차단",
			setup:  func(f *fixture) { f.throttle.decision = risk.Decision{Multiplier: 0.45, Severity: risk.SeverityCritical, BlockNewBuys: true} },
			reason: ReasonRiskThrottleBlocked,
		},
		{
			name:   "시장 상태 불량",
			opts:   []Option{WithMarketCondition(rejectAll{})},
			reason: ReasonBadMarketCondition,
		},
		{
			name:   "잘못된 수량",
			mutate: func(r *Request) { r.Quantity = 0 },
			reason: ReasonInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.opts...)
			if tt.setup != nil {
				tt.setup(f)
			}
			req := buyETH(0.1)
			if tt.mutate != nil {
				tt.mutate(&req)
			}

			res := f.exec.Execute(context.Background(), req)
			assert.False(t, res.Success)
			assert.Equal(t, OutcomeRejected, res.Outcome)
			assert.Equal(t, tt.reason, res.Reason)
			assert.Empty(t, f.ex.Placements())
			assert.Zero(t, f.breaker.failures, "비즈니스 거부는 실행 실패가 아님")
		})
	}
}

func TestExecute_ExitSkipsEntryGates(t *testing.T) {
	f := newFixture(t, WithMarketCondition(rejectAll{}))
	f.ex.SetBalance("ETH", 0.004)
	f.throttle.decision.BlockNewBuys = true

	res := f.exec.Execute(context.Background(), Request{
		Strategy:       "trend",
		Market:         "KRW-ETH",
		Side:           domain.Sell,
		Quantity:       0.004,
		ReferencePrice: 1_000_000,
		Exit:           true,
	})
	require.True(t, res.Success, res.Reason)
	assert.InDelta(t, 999_000, res.AveragePrice, 1e-6)
	assert.InDelta(t, 0.1, f.breaker.slippages[0], 1e-9)
}

func TestExecute_RetriesThenFallsBackToMarket(t *testing.T) {
	f := newFixture(t)
	f.ex.FailNext(3)

	res := f.exec.Execute(context.Background(), buyETH(0.01))
	require.True(t, res.Success)

	placements := f.ex.Placements()
	require.Len(t, placements, 4)
	for _, p := range placements[:3] {
		assert.Equal(t, domain.Limit, p.Type)
	}
	assert.Equal(t, domain.Market, placements[3].Type)
	assert.Equal(t, 3, f.breaker.apiErrors)
	assert.Equal(t, domain.Market, res.Fills[0].Type)
	assert.InDelta(t, 1_000_000, res.AveragePrice, 1e-6, "시장가 주문은 체결 대금으로 평균가 계산")
}

func TestExecute_NilResponseFallsBack(t *testing.T) {
	f := newFixture(t)
	f.ex.RespondNilNext(1)

	res := f.exec.Execute(context.Background(), buyETH(0.01))
	require.True(t, res.Success)

	placements := f.ex.Placements()
	require.Len(t, placements, 2)
	assert.Equal(t, domain.Limit, placements[0].Type)
	assert.Equal(t, domain.Market, placements[1].Type)
	assert.Zero(t, f.breaker.apiErrors)
}

func TestExecute_MarketOrderStrategy(t *testing.T) {
	f := newFixture(t, WithMarketOrderStrategies("scalp"))
	req := buyETH(0.01)
	req.Strategy = "scalp"

	res := f.exec.Execute(context.Background(), req)
	require.True(t, res.Success)
	assert.Equal(t, domain.Market, f.ex.Placements()[0].Type)
}

func TestExecute_NoOrderBookUsesMarketWithoutLimitFallback(t *testing.T) {
	f := newFixture(t)
	f.ex.ClearOrderBook("KRW-ETH")

	res := f.exec.Execute(context.Background(), buyETH(0.01))
	assert.False(t, res.Success)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	require.Len(t, f.ex.Placements(), 1)
	assert.Equal(t, domain.Market, f.ex.Placements()[0].Type)
	assert.Error(t, res.Err)
	assert.Equal(t, 1, f.breaker.failures)
}

func TestExecute_ExhaustedReturnsAggregatedPartial(t *testing.T) {
	f := newFixture(t)
	f.ex.QueueFillRatios(0.5, 0.5, 0.5)

	res := f.exec.Execute(context.Background(), buyETH(0.1))

	assert.False(t, res.Success)
	assert.Equal(t, OutcomeExhausted, res.Outcome)
	assert.Equal(t, ReasonReorderLimitExceeded, res.Reason)
	assert.Equal(t, 2, res.Reorders)
	assert.Len(t, res.OrderIDs, 3)
	assert.InDelta(t, 0.0875, res.ExecutedQty, 1e-12)
	assert.InDelta(t, 0.0125, res.RemainingQty(), 1e-12)
	assert.Len(t, f.trades.trades, 1, "실제 체결분은 기록")
	assert.Equal(t, 1, f.breaker.failures)
	assert.Zero(t, f.breaker.successes)
}

func TestExecute_TransientFailuresExhaustRetries(t *testing.T) {
	f := newFixture(t)
	f.ex.FailNext(6)

	res := f.exec.Execute(context.Background(), buyETH(0.01))
	assert.False(t, res.Success)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, ReasonExecutionFailed, res.Reason)
	assert.Equal(t, 6, f.breaker.apiErrors)
	assert.Equal(t, 1, f.breaker.failures)
	assert.Empty(t, f.trades.trades)
}

// unpricedExchange는 체결 수량만 보고하고 가격 정보를 주지 않는 거래소입니다
type unpricedExchange struct {
	*paper.Exchange
}

func (u unpricedExchange) PlaceMarketOrder(_ context.Context, market string, side domain.OrderSide, qty float64) (*domain.OrderResult, error) {
	return &domain.OrderResult{
		OrderID:      "u-1",
		Market:       market,
		Side:         side,
		Type:         domain.Market,
		Status:       domain.OrderFilled,
		RequestedQty: qty,
		ExecutedQty:  qty,
	}, nil
}

func TestExecute_UnpricedFillIsNotPersisted(t *testing.T) {
	ex := paper.New()
	breaker := &countingBreaker{}
	trades := &memTrades{}
	exec := New(unpricedExchange{ex}, breaker, nil, trades, testConfig(), WithMarketOrderStrategies("scalp"))

	req := buyETH(0.01)
	req.Strategy = "scalp"
	res := exec.Execute(context.Background(), req)

	assert.False(t, res.Success)
	assert.Equal(t, OutcomeUnpriced, res.Outcome)
	assert.Equal(t, ReasonInvalidFillPrice, res.Reason)
	assert.InDelta(t, 0.01, res.ExecutedQty, 1e-12)
	assert.Zero(t, res.AveragePrice)
	assert.Nil(t, res.Trade)
	assert.Empty(t, trades.trades)
	assert.Empty(t, breaker.slippages)
}

func TestToFill_PricePriority(t *testing.T) {
	e := New(paper.New(), &countingBreaker{}, nil, nil, testConfig())

	tests := []struct {
		name      string
		order     domain.OrderResult
		committed float64
		want      float64
	}{
		{
			name:  "보고된 체결 대금 우선",
			order: domain.OrderResult{ExecutedQty: 2, Funds: 210, Price: 999, Locked: 500},
			want:  105,
		},
		{
			name:      "완전 체결 후 묶인 금액 0이면 약정 지정가 사용",
			order:     domain.OrderResult{ExecutedQty: 2, Status: domain.OrderFilled},
			committed: 100,
			want:      100,
		},
		{
			name:      "약정 금액이 묶인 금액보다 우선",
			order:     domain.OrderResult{ExecutedQty: 2, Locked: 300},
			committed: 100,
			want:      100,
		},
		{
			name:  "보고 평균가",
			order: domain.OrderResult{ExecutedQty: 2, Price: 101},
			want:  101,
		},
		{
			name:  "묶인 금액은 마지막 수단",
			order: domain.OrderResult{ExecutedQty: 5, Locked: 500},
			want:  100,
		},
		{
			name:  "가격 정보 없음",
			order: domain.OrderResult{ExecutedQty: 5},
			want:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := e.toFill(&tt.order, domain.Limit, tt.committed)
			assert.InDelta(t, tt.want, f.Price, 1e-9)
		})
	}
}

func TestExecute_InFlightLockAbandons(t *testing.T) {
	locks := NewMarketLocks(4)
	f := newFixture(t, WithLocks(locks))

	require.True(t, locks.TryLock("KRW-ETH"))
	res := f.exec.Execute(context.Background(), buyETH(0.01))
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Equal(t, ReasonOrderInFlight, res.Reason)
	assert.Empty(t, f.ex.Placements())

	locks.Unlock("ETH-KRW")
	res = f.exec.Execute(context.Background(), buyETH(0.01))
	assert.True(t, res.Success)
	assert.Empty(t, locks.Held(), "실행 후 잠금 해제")
}
