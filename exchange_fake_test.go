package main

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type fakeSubmit struct {
	Side   OrderSide
	Rate   float64
	Amount float64
}

// fakeExchange is a scriptable Exchange for engine and reconciler tests.
type fakeExchange struct {
	mu sync.Mutex

	balances map[string]float64
	balErr   error

	open    []string
	openErr error

	infos   map[string]*OrderInfo
	infoErr map[string]error

	cancelErrs  []error // consumed in order; nil once exhausted
	cancelCalls int
	onCancel    func() // runs under mu after a successful cancel

	last    *Transaction
	lastErr error

	submitErr error
	submits   []fakeSubmit
	seq       int

	backfill []TradeEvent
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		balances: map[string]float64{},
		infos:    map[string]*OrderInfo{},
		infoErr:  map[string]error{},
	}
}

func (f *fakeExchange) Name() string { return "fake" }

func (f *fakeExchange) Balances(context.Context) (map[string]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balErr != nil {
		return nil, f.balErr
	}
	out := make(map[string]float64, len(f.balances))
	for k, v := range f.balances {
		out[k] = v
	}
	return out, nil
}

func (f *fakeExchange) Submit(_ context.Context, _ Pair, side OrderSide, rate, amount float64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, fakeSubmit{Side: side, Rate: rate, Amount: amount})
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.seq++
	return fmt.Sprintf("ord-%d", f.seq), nil
}

func (f *fakeExchange) ListOpen(context.Context, Pair) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.open...), f.openErr
}

func (f *fakeExchange) Info(_ context.Context, id string) (*OrderInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.infoErr[id]; err != nil {
		return nil, err
	}
	info, ok := f.infos[id]
	if !ok {
		return nil, fmt.Errorf("unknown order %s", id)
	}
	cp := *info
	return &cp, nil
}

func (f *fakeExchange) Cancel(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	var err error
	if len(f.cancelErrs) > 0 {
		err = f.cancelErrs[0]
		f.cancelErrs = f.cancelErrs[1:]
	}
	if err == nil && f.onCancel != nil {
		f.onCancel()
	}
	return err
}

func (f *fakeExchange) LastTransaction(context.Context, Pair) (*Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last, f.lastErr
}

func (f *fakeExchange) Backfill(_ context.Context, _ Pair, limit int) ([]TradeEvent, error) {
	return f.backfill[:min(limit, len(f.backfill))], nil
}

func (f *fakeExchange) Subscribe(ctx context.Context, _ Pair, _ TradeHandler) (Token, error) {
	_, cancel := context.WithCancel(ctx)
	return &cancelToken{cancel: cancel}, nil
}

func (f *fakeExchange) submitted() []fakeSubmit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeSubmit(nil), f.submits...)
}

// recordingNotifier keeps every message.
type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *recordingNotifier) Send(text string) {
	n.mu.Lock()
	n.msgs = append(n.msgs, text)
	n.mu.Unlock()
}

func (n *recordingNotifier) messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.msgs...)
}

var (
	testPair = Pair{Base: "BTC", Quote: "USDT"}
	testT0   = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

// seedCandles appends one trade per minute, oldest first, starting at t0.
func seedCandles(s *CandleStore, t0 time.Time, prices ...float64) {
	for i, p := range prices {
		_, _ = s.Append(Trade{ID: fmt.Sprintf("seed-%d", i), Side: SideBuy, Price: p, Amount: 1}, t0.Add(time.Duration(i)*time.Minute))
	}
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func testPolicy() WalletPolicy {
	p := DefaultWalletPolicy()
	p.Eligible = []string{"BTC"}
	return p
}
