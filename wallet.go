// FILE: wallet.go
// Package main – Capital allocation and price helpers.
//
// The buy size splits the quote balance equally across the eligible wallets
// that are currently empty, so each eligible coin gets its own slice of
// capital. Amounts are truncated (never rounded up) so amount*rate can never
// exceed the quote balance.
package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// WalletPolicy is fixed for the process lifetime.
type WalletPolicy struct {
	Eligible        []string // symbols sharing the quote balance
	CommissionPct   float64  // venue fee per side, percent
	MarkupPct       float64  // desired profit over the round trip, percent
	AmountPrecision int32
	PricePrecision  int32
}

func DefaultWalletPolicy() WalletPolicy {
	return WalletPolicy{
		CommissionPct:   0.2,
		MarkupPct:       1,
		AmountPrecision: 8,
		PricePrecision:  3,
	}
}

// MarkupPrice is the minimum sell rate that covers both fees plus markup.
func (p WalletPolicy) MarkupPrice(rate float64) float64 {
	r := decimal.NewFromFloat(rate)
	pct := decimal.NewFromFloat(p.MarkupPct).Add(decimal.NewFromFloat(p.CommissionPct).Mul(decimal.NewFromInt(2)))
	out, _ := r.Add(r.Mul(pct).Div(decimal.NewFromInt(100))).Round(p.PricePrecision).Float64()
	return out
}

// Commission is the fee charged on amount.
func (p WalletPolicy) Commission(amount float64) float64 {
	out, _ := decimal.NewFromFloat(amount).Mul(decimal.NewFromFloat(p.CommissionPct)).Div(decimal.NewFromInt(100)).Float64()
	return out
}

func (p WalletPolicy) RoundPrice(price float64) float64 {
	out, _ := decimal.NewFromFloat(price).Round(p.PricePrecision).Float64()
	return out
}

func (p WalletPolicy) TruncAmount(amount float64) float64 {
	out, _ := decimal.NewFromFloat(amount).Truncate(p.AmountPrecision).Float64()
	return out
}

// WalletAllocator sizes orders from live balances.
type WalletAllocator struct {
	policy  WalletPolicy
	account ExchangeAccount
}

func NewWalletAllocator(policy WalletPolicy, account ExchangeAccount) *WalletAllocator {
	return &WalletAllocator{policy: policy, account: account}
}

func (a *WalletAllocator) Policy() WalletPolicy { return a.policy }

// SizeForBuy returns the base amount to buy at rate. Eligible symbols absent
// from balances count as empty. With no empty eligible wallet it returns 0.
func (a *WalletAllocator) SizeForBuy(rate, quoteBalance float64, balances map[string]float64) float64 {
	if rate <= 0 || quoteBalance <= 0 {
		return 0
	}
	empty := 0
	for _, sym := range a.policy.Eligible {
		if balanceOf(balances, sym) == 0 {
			empty++
		}
	}
	if empty == 0 {
		return 0
	}
	share := decimal.NewFromFloat(quoteBalance).Div(decimal.NewFromInt(int64(empty)))
	out, _ := share.Div(decimal.NewFromFloat(rate)).Truncate(a.policy.AmountPrecision).Float64()
	return out
}

// SizeForSell returns the full available base balance, truncated.
func (a *WalletAllocator) SizeForSell(balances map[string]float64, base string) float64 {
	return a.policy.TruncAmount(balanceOf(balances, base))
}

// BuyAmount fetches balances and sizes a buy of pair at rate.
func (a *WalletAllocator) BuyAmount(ctx context.Context, pair Pair, rate float64) (float64, error) {
	bals, err := a.account.Balances(ctx)
	if err != nil {
		return 0, fmt.Errorf("balances: %w", err)
	}
	return a.SizeForBuy(rate, balanceOf(bals, pair.Quote), bals), nil
}

// SellAmount fetches balances and returns the held base amount of pair.
func (a *WalletAllocator) SellAmount(ctx context.Context, pair Pair) (float64, error) {
	bals, err := a.account.Balances(ctx)
	if err != nil {
		return 0, fmt.Errorf("balances: %w", err)
	}
	return a.SizeForSell(bals, pair.Base), nil
}

func balanceOf(balances map[string]float64, sym string) float64 {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	if v, ok := balances[sym]; ok {
		return v
	}
	for k, v := range balances {
		if strings.EqualFold(k, sym) {
			return v
		}
	}
	return 0
}
