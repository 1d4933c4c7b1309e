package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSizeForBuySplitsAcrossEmptyWallets(t *testing.T) {
	p := DefaultWalletPolicy()
	p.Eligible = []string{"BTC", "ETH", "LTC"}
	a := NewWalletAllocator(p, nil)

	// BTC is held, ETH is empty, LTC is absent: two empty wallets share the quote.
	bals := map[string]float64{"USDT": 900, "BTC": 0.1, "ETH": 0}
	got := a.SizeForBuy(3, 900, bals)
	assert.Equal(t, 150.0, got)
}

func TestSizeForBuyTruncates(t *testing.T) {
	a := NewWalletAllocator(testPolicy(), nil)
	got := a.SizeForBuy(100.02, 1000, map[string]float64{"USDT": 1000})
	assert.Equal(t, 9.99800039, got)
	assert.LessOrEqual(t, got*100.02, 1000.0)
}

func TestSizeForBuyNeverExceedsQuote(t *testing.T) {
	p := DefaultWalletPolicy()
	p.Eligible = []string{"A", "B", "C"}
	p.AmountPrecision = 3
	a := NewWalletAllocator(p, nil)
	for _, rate := range []float64{0.3, 1.7, 3.333, 97.13, 12345.6789} {
		amt := a.SizeForBuy(rate, 1000, map[string]float64{})
		assert.LessOrEqual(t, amt*rate*3, 1000.0, "rate %v", rate)
	}
}

func TestSizeForBuyNoEmptyWallet(t *testing.T) {
	a := NewWalletAllocator(testPolicy(), nil)
	assert.Zero(t, a.SizeForBuy(100, 1000, map[string]float64{"BTC": 0.5}))
	assert.Zero(t, a.SizeForBuy(0, 1000, map[string]float64{}))
	assert.Zero(t, a.SizeForBuy(100, 0, map[string]float64{}))
}

func TestBalanceLookupIsCaseInsensitive(t *testing.T) {
	a := NewWalletAllocator(testPolicy(), nil)
	assert.Equal(t, 0.12345678, a.SizeForSell(map[string]float64{"btc": 0.123456789}, "BTC"))
}

func TestMarkupPrice(t *testing.T) {
	p := DefaultWalletPolicy()
	assert.Equal(t, 101.4, p.MarkupPrice(100))
	assert.Equal(t, 101.42, p.MarkupPrice(100.02))
	assert.Equal(t, 101.451, p.MarkupPrice(100.05))

	p.PricePrecision = 2
	assert.Equal(t, 101.45, p.MarkupPrice(100.05))
}

func TestCommissionAndRounding(t *testing.T) {
	p := DefaultWalletPolicy()
	assert.InDelta(t, 0.2, p.Commission(100), 1e-12)
	assert.Equal(t, 100.123, p.RoundPrice(100.12345))
	assert.Equal(t, 1.99999999, p.TruncAmount(1.999999999))
}

func TestAllocatorFetchesBalances(t *testing.T) {
	ex := newFakeExchange()
	ex.balances = map[string]float64{"USDT": 500, "BTC": 0.25}
	a := NewWalletAllocator(testPolicy(), ex)

	amt, err := a.BuyAmount(context.Background(), testPair, 100)
	require.NoError(t, err)
	assert.Zero(t, amt, "BTC wallet is not empty")

	held, err := a.SellAmount(context.Background(), testPair)
	require.NoError(t, err)
	assert.Equal(t, 0.25, held)

	ex.balErr = errors.New("down")
	_, err = a.BuyAmount(context.Background(), testPair, 100)
	assert.Error(t, err)
}
