// FILE: broker.go
// Package main – Exchange capabilities shared by all execution backends.
//
// The trading core never talks to a venue directly. It depends on narrow
// capabilities, each satisfied by every adapter:
//   • ExchangeAccount  – wallet balances
//   • ExchangeTrading  – limit order submission
//   • ExchangeOrders   – open-order listing, order info, cancel
//   • ExchangeHistory  – last completed trade (used by sell recovery)
//   • TradeFeed        – recent-trade backfill + live trade stream
//
// Concrete adapters live in separate files:
//   • broker_paper.go   – in-memory paper exchange (tape or synthetic feed)
//   • broker_binance.go – Binance spot REST + trade stream
//   • broker_hitbtc.go  – HitBTC spot v3 REST + trade stream
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

// OrderSide is the side of a trade.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderStatus is the venue-neutral lifecycle state of an order.
type OrderStatus int

const (
	StatusOpen OrderStatus = iota
	StatusFilled
	StatusCancelled
	// StatusPartiallyFilled means the order closed (cancelled or expired)
	// with only part of its amount executed.
	StatusPartiallyFilled
)

func (s OrderStatus) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusFilled:
		return "filled"
	case StatusCancelled:
		return "cancelled"
	case StatusPartiallyFilled:
		return "partially_filled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// OrderInfo is a normalized view of one exchange order.
type OrderInfo struct {
	ID           string
	Pair         string
	Side         OrderSide
	Status       OrderStatus
	Rate         float64 // limit rate, or average fill rate when the venue reports it
	Amount       float64 // original (start) amount
	FilledAmount float64 // executed base amount; 0 when the venue does not report it
	CreatedAt    time.Time
}

// Transaction is the last completed trade of the account on a pair.
type Transaction struct {
	ID     string
	Side   OrderSide
	Rate   float64
	Amount float64
	Time   time.Time
}

// Trade is one print from the public tape.
type Trade struct {
	ID     string // exchange trade id; empty when the venue has none
	Side   OrderSide
	Price  float64
	Amount float64
}

// TradeEvent is a Trade stamped with its exchange time.
type TradeEvent struct {
	Trade
	Time time.Time
}

// TradeHandler receives trades from a TradeFeed subscription.
type TradeHandler func(TradeEvent)

// Token cancels a TradeFeed subscription.
type Token interface {
	Unsubscribe()
}

type ExchangeAccount interface {
	Balances(ctx context.Context) (map[string]float64, error)
}

type ExchangeTrading interface {
	Submit(ctx context.Context, pair Pair, side OrderSide, rate, amount float64) (string, error)
}

// ExchangeOrders may return ErrNoActiveOrder from ListOpen; callers treat it
// as an empty list (see listOpen).
type ExchangeOrders interface {
	ListOpen(ctx context.Context, pair Pair) ([]string, error)
	Info(ctx context.Context, id string) (*OrderInfo, error)
	Cancel(ctx context.Context, id string) error
}

// ExchangeHistory returns (nil, nil) when the account never traded the pair.
type ExchangeHistory interface {
	LastTransaction(ctx context.Context, pair Pair) (*Transaction, error)
}

type TradeFeed interface {
	Backfill(ctx context.Context, pair Pair, limit int) ([]TradeEvent, error)
	Subscribe(ctx context.Context, pair Pair, handler TradeHandler) (Token, error)
}

// Exchange is the full surface an adapter provides.
type Exchange interface {
	Name() string
	ExchangeAccount
	ExchangeTrading
	ExchangeOrders
	ExchangeHistory
	TradeFeed
}

// Notifier delivers operator messages. Send must not block trading.
type Notifier interface {
	Send(text string)
}

var (
	ErrInsufficientHistory = errors.New("insufficient candle history")
	ErrNoActiveOrder       = errors.New("no active order")
	ErrRejectedOrder       = errors.New("order rejected")
	ErrCancelFailed        = errors.New("cancel failed")
	ErrMalformedTrade      = errors.New("malformed trade")
	ErrLateTrade           = errors.New("late trade") // valid, but older than the newest candle
)

// listOpen normalizes the "no orders" answer some venues give as an error.
func listOpen(ctx context.Context, orders ExchangeOrders, pair Pair) ([]string, error) {
	ids, err := orders.ListOpen(ctx, pair)
	if errors.Is(err, ErrNoActiveOrder) {
		return nil, nil
	}
	return ids, err
}

// cancelToken adapts a context.CancelFunc to Token.
type cancelToken struct {
	cancel context.CancelFunc
}

func (t *cancelToken) Unsubscribe() { t.cancel() }

// feedLoop keeps a venue trade stream connected. The delay doubles after
// each failed session up to max and drops back to min once a session has
// delivered a trade.
type feedLoop struct {
	label    string
	min, max time.Duration
	wait     func(ctx context.Context, d time.Duration) bool
}

func newFeedLoop(label string) *feedLoop {
	return &feedLoop{label: label, min: time.Second, max: 30 * time.Second, wait: sleepCtx}
}

// run calls read until ctx ends. read returns nil only when ctx is done.
func (f *feedLoop) run(ctx context.Context, read func(context.Context, TradeHandler) error, handler TradeHandler) {
	backoff := f.min
	for ctx.Err() == nil {
		received := false
		err := read(ctx, func(ev TradeEvent) {
			received = true
			handler(ev)
		})
		if ctx.Err() != nil {
			return
		}
		if received {
			backoff = f.min
		}
		if err == nil {
			continue
		}
		log.Printf("[FEED] %s: %v; reconnecting in %v", f.label, err, backoff)
		if !f.wait(ctx, backoff) {
			return
		}
		backoff = min(backoff*2, f.max)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// ---- pairs ----

// Pair is a spot market, e.g. BTC/USDT.
type Pair struct {
	Base  string
	Quote string
}

func (p Pair) String() string { return p.Base + "-" + p.Quote }

// Symbol returns the dashless venue form, e.g. BTCUSDT.
func (p Pair) Symbol() string { return p.Base + p.Quote }

// ParsePair accepts "BTC-USD", "btc_usd" or "BTC/USD".
func ParsePair(s string) (Pair, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for _, sep := range []string{"-", "_", "/"} {
		if parts := strings.SplitN(s, sep, 2); len(parts) == 2 {
			base, quote := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
			if base == "" || quote == "" {
				break
			}
			return Pair{Base: base, Quote: quote}, nil
		}
	}
	return Pair{}, fmt.Errorf("bad pair %q (want BASE-QUOTE)", s)
}
