package paper

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assist-by/bulwark/internal/domain"
	"github.com/assist-by/bulwark/internal/exchange"
)

func TestExchange_MarketBuyAndSell(t *testing.T) {
	ctx := context.Background()
	ex := New(WithFeeRate(0.001))
	ex.SetBalance("KRW", 1_000_000)
	ex.SetOrderBook("KRW-BTC", 99_000, 100_000)

	buy, err := ex.PlaceMarketOrder(ctx, "BTC_KRW", domain.Buy, 2)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, buy.Status)
	assert.Equal(t, "KRW-BTC", buy.Market)
	assert.Zero(t, buy.Price, "시장가 주문은 평균가를 보고하지 않습니다")
	assert.InDelta(t, 200_000, buy.Funds, 1e-9)

	balances, err := ex.GetBalances(ctx)
	require.NoError(t, err)
	krw, _ := domain.FindBalance(balances, "KRW")
	btc, _ := domain.FindBalance(balances, "BTC")
	assert.InDelta(t, 1_000_000-200_000-200, krw.Available, 1e-6)
	assert.InDelta(t, 2, btc.Available, 1e-12)

	sell, err := ex.PlaceMarketOrder(ctx, "KRW-BTC", domain.Sell, 2)
	require.NoError(t, err)
	assert.InDelta(t, 198_000, sell.Funds, 1e-9)
}

func TestExchange_PartialFillAndInjectedFailures(t *testing.T) {
	ctx := context.Background()
	ex := New()
	ex.SetBalance("KRW", 10_000_000)
	ex.SetOrderBook("KRW-ETH", 1_000_000, 1_000_000)

	ex.FailNext(1)
	_, err := ex.PlaceMarketOrder(ctx, "KRW-ETH", domain.Buy, 0.1)
	assert.ErrorIs(t, err, exchange.ErrUnavailable)
	assert.True(t, exchange.IsRetryable(err))

	ex.RespondNilNext(1)
	res, err := ex.PlaceMarketOrder(ctx, "KRW-ETH", domain.Buy, 0.1)
	assert.NoError(t, err)
	assert.Nil(t, res)

	ex.QueueFillRatios(0.8)
	res, err = ex.PlaceMarketOrder(ctx, "KRW-ETH", domain.Buy, 0.1)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPartiallyFilled, res.Status)
	assert.InDelta(t, 0.08, res.ExecutedQty, 1e-12)
	assert.InDelta(t, 0.02, res.RemainingQty(), 1e-12)
}

func TestExchange_RestingLimitOrderLocksAndCancels(t *testing.T) {
	ctx := context.Background()
	ex := New()
	ex.SetBalance("KRW", 100_000)
	ex.SetOrderBook("KRW-XRP", 700, 710)

	res, err := ex.PlaceLimitOrder(ctx, "KRW-XRP", domain.Buy, 100, 690)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderNew, res.Status)
	assert.InDelta(t, 69_000, res.Locked, 1e-9)

	require.NoError(t, ex.CancelOrder(ctx, res.OrderID))
	status, err := ex.GetOrderStatus(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderExpired, status.Status)
	assert.Zero(t, status.Locked)

	balances, _ := ex.GetBalances(ctx)
	krw, _ := domain.FindBalance(balances, "KRW")
	assert.InDelta(t, 100_000, krw.Available, 1e-9)
	assert.Zero(t, krw.Locked)
}

func TestExchange_RejectsWithoutBook(t *testing.T) {
	ex := New()
	ex.SetBalance("KRW", 100_000)
	_, err := ex.PlaceMarketOrder(context.Background(), "KRW-DOGE", domain.Buy, 1)
	assert.ErrorIs(t, err, exchange.ErrOrderRejected)
	assert.False(t, exchange.IsRetryable(err))

	top, err := ex.GetOrderBookTop(context.Background(), "KRW-DOGE")
	assert.NoError(t, err)
	assert.Nil(t, top)
}
