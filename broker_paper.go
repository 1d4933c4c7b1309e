// FILE: broker_paper.go
// Package main – In-memory paper exchange.
//
// PaperExchange implements every capability without touching a venue. Limit
// orders reserve funds on submit and fill in full, at their own rate, when a
// tape trade prints through them (buy: print <= rate, sell: print >= rate).
// Commission is taken from the received asset, so a filled buy credits
// amount minus fee of base.
//
// Trade source, in order of preference:
//   • an external TradeFeed (DRY_RUN on a real venue: real tape, paper fills)
//   • a CSV tape (PAPER_TAPE); the first BACKFILL_TRADES rows warm up, the rest stream
//   • a synthetic random walk around PAPER_START_PRICE
package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

type paperOrder struct {
	pair     Pair
	info     OrderInfo
	reserved float64 // funds held until fill or cancel
}

type PaperExchange struct {
	mu       sync.Mutex
	balances map[string]float64
	orders   map[string]*paperOrder
	last     map[Pair]*Transaction

	commissionPct float64
	now           func() time.Time

	feed       TradeFeed // optional external tape
	tape       []TapeRow
	tapeUsed   map[Pair]int
	pace       time.Duration
	startPrice float64
	synthPrice map[Pair]float64
	synthTick  time.Duration
	seq        int64
}

func NewPaperExchange(balances map[string]float64, commissionPct float64) *PaperExchange {
	b := make(map[string]float64, len(balances))
	for k, v := range balances {
		b[k] = v
	}
	return &PaperExchange{
		balances:      b,
		orders:        make(map[string]*paperOrder),
		last:          make(map[Pair]*Transaction),
		commissionPct: commissionPct,
		now:           func() time.Time { return time.Now().UTC() },
		tapeUsed:      make(map[Pair]int),
		startPrice:    100,
		synthPrice:    make(map[Pair]float64),
		synthTick:     500 * time.Millisecond,
	}
}

func (p *PaperExchange) Name() string { return "paper" }

// WithFeed routes Backfill/Subscribe to an external feed.
func (p *PaperExchange) WithFeed(feed TradeFeed) *PaperExchange { p.feed = feed; return p }

// WithTape replays a recorded tape; pace is the delay between streamed trades.
func (p *PaperExchange) WithTape(rows []TapeRow, pace time.Duration) *PaperExchange {
	p.tape, p.pace = rows, pace
	return p
}

// WithStartPrice sets the synthetic walk's starting price.
func (p *PaperExchange) WithStartPrice(price float64) *PaperExchange {
	if price > 0 {
		p.startPrice = price
	}
	return p
}

// ---- account ----

func (p *PaperExchange) Balances(ctx context.Context) (map[string]float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]float64, len(p.balances))
	for k, v := range p.balances {
		out[k] = v
	}
	return out, nil
}

// ---- trading ----

func (p *PaperExchange) Submit(ctx context.Context, pair Pair, side OrderSide, rate, amount float64) (string, error) {
	if !(rate > 0) || !(amount > 0) || math.IsInf(rate, 0) || math.IsInf(amount, 0) {
		return "", fmt.Errorf("paper: rate %v amount %v: %w", rate, amount, ErrRejectedOrder)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var reserved float64
	switch side {
	case SideBuy:
		reserved = rate * amount
		if p.balances[pair.Quote] < reserved {
			return "", fmt.Errorf("paper: need %.8g %s, have %.8g: %w", reserved, pair.Quote, p.balances[pair.Quote], ErrRejectedOrder)
		}
		p.balances[pair.Quote] -= reserved
	case SideSell:
		reserved = amount
		if p.balances[pair.Base] < amount {
			return "", fmt.Errorf("paper: need %.8g %s, have %.8g: %w", amount, pair.Base, p.balances[pair.Base], ErrRejectedOrder)
		}
		p.balances[pair.Base] -= amount
	default:
		return "", fmt.Errorf("paper: side %q: %w", side, ErrRejectedOrder)
	}

	id := uuid.New().String()
	p.orders[id] = &paperOrder{pair: pair, reserved: reserved, info: OrderInfo{
		ID:        id,
		Pair:      pair.String(),
		Side:      side,
		Status:    StatusOpen,
		Rate:      rate,
		Amount:    amount,
		CreatedAt: p.now(),
	}}
	return id, nil
}

// ---- orders ----

func (p *PaperExchange) ListOpen(ctx context.Context, pair Pair) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var open []*paperOrder
	for _, o := range p.orders {
		if o.pair == pair && o.info.Status == StatusOpen {
			open = append(open, o)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].info.CreatedAt.Before(open[j].info.CreatedAt) })
	ids := make([]string, len(open))
	for i, o := range open {
		ids[i] = o.info.ID
	}
	return ids, nil
}

func (p *PaperExchange) Info(ctx context.Context, id string) (*OrderInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[id]
	if !ok {
		return nil, fmt.Errorf("paper: unknown order %s", id)
	}
	info := o.info
	return &info, nil
}

func (p *PaperExchange) Cancel(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[id]
	if !ok {
		return fmt.Errorf("paper: unknown order %s: %w", id, ErrCancelFailed)
	}
	if o.info.Status != StatusOpen {
		return fmt.Errorf("paper: order %s is %s: %w", id, o.info.Status, ErrCancelFailed)
	}
	if o.info.Side == SideBuy {
		p.balances[o.pair.Quote] += o.reserved
	} else {
		p.balances[o.pair.Base] += o.reserved
	}
	o.info.Status = StatusCancelled
	return nil
}

// ---- history ----

func (p *PaperExchange) LastTransaction(ctx context.Context, pair Pair) (*Transaction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tx, ok := p.last[pair]
	if !ok {
		return nil, nil
	}
	cp := *tx
	return &cp, nil
}

// ---- matching ----

// Match fills open orders of pair that price prints through. It returns the
// number of orders filled.
func (p *PaperExchange) Match(pair Pair, price float64, at time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	filled := 0
	for _, o := range p.orders {
		if o.pair != pair || o.info.Status != StatusOpen {
			continue
		}
		in := &o.info
		switch {
		case in.Side == SideBuy && price <= in.Rate:
			p.balances[pair.Base] += in.Amount - in.Amount*p.commissionPct/100
		case in.Side == SideSell && price >= in.Rate:
			proceeds := in.Rate * in.Amount
			p.balances[pair.Quote] += proceeds - proceeds*p.commissionPct/100
		default:
			continue
		}
		in.Status = StatusFilled
		in.FilledAmount = in.Amount
		p.last[pair] = &Transaction{ID: in.ID, Side: in.Side, Rate: in.Rate, Amount: in.Amount, Time: at}
		filled++
		log.Printf("[PAPER] %s: %s %s filled %.8g @ %.8g", pair, in.Side, shortID(in.ID), in.Amount, in.Rate)
	}
	return filled
}

// ---- feed ----

func (p *PaperExchange) Backfill(ctx context.Context, pair Pair, limit int) ([]TradeEvent, error) {
	if p.feed != nil {
		return p.feed.Backfill(ctx, pair, limit)
	}
	if len(p.tape) > 0 {
		events := tapeFor(p.tape, pair)
		n := min(max(limit, 0), len(events))
		p.mu.Lock()
		p.tapeUsed[pair] = n
		p.mu.Unlock()
		return events[:n], nil
	}
	return p.synthHistory(pair, limit), nil
}

func (p *PaperExchange) Subscribe(ctx context.Context, pair Pair, handler TradeHandler) (Token, error) {
	deliver := func(ev TradeEvent) {
		p.Match(pair, ev.Price, ev.Time)
		handler(ev)
	}
	if p.feed != nil {
		return p.feed.Subscribe(ctx, pair, deliver)
	}

	ctx, cancel := context.WithCancel(ctx)
	if len(p.tape) > 0 {
		events := tapeFor(p.tape, pair)
		p.mu.Lock()
		used := p.tapeUsed[pair]
		p.mu.Unlock()
		go p.replay(ctx, events[used:], deliver)
	} else {
		go p.walk(ctx, pair, deliver)
	}
	return &cancelToken{cancel: cancel}, nil
}

func (p *PaperExchange) replay(ctx context.Context, events []TradeEvent, deliver TradeHandler) {
	for _, ev := range events {
		if p.pace > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.pace):
			}
		} else if ctx.Err() != nil {
			return
		}
		deliver(ev)
	}
	log.Printf("[PAPER] tape exhausted after %d trades", len(events))
}

func (p *PaperExchange) walk(ctx context.Context, pair Pair, deliver TradeHandler) {
	t := time.NewTicker(p.synthTick)
	defer t.Stop()
	price := p.synthStart(pair)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			price = p.step(price)
			deliver(p.synthTrade(price, now.UTC()))
		}
	}
}

// synthHistory generates limit trades over the three hours before now.
func (p *PaperExchange) synthHistory(pair Pair, limit int) []TradeEvent {
	if limit <= 0 {
		return nil
	}
	span := 3 * time.Hour
	step := span / time.Duration(limit)
	start := p.now().Add(-span)
	out := make([]TradeEvent, 0, limit)
	price := p.synthStart(pair)
	for i := 0; i < limit; i++ {
		price = p.step(price)
		out = append(out, p.synthTrade(price, start.Add(time.Duration(i)*step)))
	}
	p.mu.Lock()
	p.synthPrice[pair] = price
	p.mu.Unlock()
	return out
}

func (p *PaperExchange) synthStart(pair Pair) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.synthPrice[pair]; ok {
		return v
	}
	return p.startPrice
}

func (p *PaperExchange) step(price float64) float64 {
	next := price * (1 + rand.NormFloat64()*0.0005)
	if next <= 0 {
		return price
	}
	return next
}

func (p *PaperExchange) synthTrade(price float64, at time.Time) TradeEvent {
	p.mu.Lock()
	p.seq++
	seq := p.seq
	p.mu.Unlock()
	side := SideBuy
	if rand.Intn(2) == 0 {
		side = SideSell
	}
	return TradeEvent{
		Trade: Trade{ID: "syn-" + strconv.FormatInt(seq, 10), Side: side, Price: price, Amount: 0.001 + rand.Float64()*0.1},
		Time:  at,
	}
}
