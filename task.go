// FILE: task.go
// Package main – Per-pair task engine: dip-buy and peak-sell watch loops.
//
// A pair holds at most one Task. A buy task follows the price down, tracking
// the lowest print, and buys on a small confirmed rebound that is still at or
// below the target. A sharp rebound burns one retry; when retries run out the
// task is dropped without trading. A sell task waits until the price is at or
// above the markup target, follows the peak up, and sells on a small pullback.
// The sell side has no retry budget and holds indefinitely.
//
// Rebound/pullback r is measured in tenths of a percent (per mille).
//
// All methods must run on the pair's lane (see lane.go).
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"
)

// Watch thresholds.
const (
	entryMinCandles     = 120  // history required before any entry
	entryBottomWindow   = 60   // candles scanned for a local bottom
	entryMarkupWindow   = 720  // candles scanned for a reached markup price
	entryNudgePct       = 0.02 // candidate = bottom * (1 + nudge/100)
	buyRetries          = 30
	buyConfirmTicks     = 1
	buyReboundMinPermil = 2.0
	buyReboundMaxPermil = 4.0
	sellPullbackPermil  = 3.0
)

type TaskKind int

const (
	TaskBuy TaskKind = iota
	TaskSell
)

func (k TaskKind) String() string {
	if k == TaskSell {
		return "sell"
	}
	return "buy"
}

func (k TaskKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

type EngineState int

const (
	StateIdle EngineState = iota
	StateWatchingBuy
	StateWatchingSell
)

func (s EngineState) String() string {
	switch s {
	case StateWatchingBuy:
		return "watching_buy"
	case StateWatchingSell:
		return "watching_sell"
	default:
		return "idle"
	}
}

// Task is the single in-flight intent of a pair.
type Task struct {
	ID               string    `json:"id"`
	Kind             TaskKind  `json:"kind"`
	TargetPrice      float64   `json:"target_price"`
	TrackedMin       float64   `json:"tracked_min,omitempty"`
	TrackedMax       float64   `json:"tracked_max,omitempty"`
	Amount           float64   `json:"amount"`
	BuyRate          float64   `json:"buy_rate,omitempty"` // sell tasks: purchase rate
	RetriesRemaining int       `json:"retries_remaining,omitempty"`
	ConfirmCount     int       `json:"confirm_count,omitempty"`
	SubmitFailures   int       `json:"submit_failures,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// CostBasis is the quote spent on the amount a sell task holds.
func (t Task) CostBasis() float64 { return t.BuyRate * t.Amount }

// Thresholds groups the watch constants so tests can shrink windows.
type Thresholds struct {
	MinCandles    int
	BottomWindow  int
	MarkupWindow  int
	EntryNudgePct float64
	BuyRetries    int
	BuyConfirm    int
	BuyReboundMin float64
	BuyReboundMax float64
	SellPullback  float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MinCandles:    entryMinCandles,
		BottomWindow:  entryBottomWindow,
		MarkupWindow:  entryMarkupWindow,
		EntryNudgePct: entryNudgePct,
		BuyRetries:    buyRetries,
		BuyConfirm:    buyConfirmTicks,
		BuyReboundMin: buyReboundMinPermil,
		BuyReboundMax: buyReboundMaxPermil,
		SellPullback:  sellPullbackPermil,
	}
}

// SubmittedOrder is handed to the submit hook after a successful Submit.
type SubmittedOrder struct {
	ID        string
	Side      OrderSide
	Rate      float64
	Amount    float64
	CostBasis float64 // sells only; 0 for buys
	At        time.Time
}

// engineExchange is what the engine needs from a venue.
type engineExchange interface {
	ExchangeTrading
	ExchangeOrders
	ExchangeHistory
}

type EngineDeps struct {
	Store     *CandleStore
	Exchange  engineExchange
	Allocator *WalletAllocator
	Notifier  Notifier
	Audit     AuditSink
}

type TaskEngine struct {
	pair   Pair
	th     Thresholds
	policy WalletPolicy

	store    *CandleStore
	ex       engineExchange
	alloc    *WalletAllocator
	notifier Notifier
	audit    AuditSink

	now      func() time.Time
	onSubmit func(SubmittedOrder)

	task *Task
}

func NewTaskEngine(pair Pair, th Thresholds, deps EngineDeps) *TaskEngine {
	e := &TaskEngine{
		pair:     pair,
		th:       th,
		policy:   deps.Allocator.Policy(),
		store:    deps.Store,
		ex:       deps.Exchange,
		alloc:    deps.Allocator,
		notifier: deps.Notifier,
		audit:    deps.Audit,
		now:      func() time.Time { return time.Now().UTC() },
	}
	if e.notifier == nil {
		e.notifier = logNotifier{}
	}
	if e.audit == nil {
		e.audit = nopAudit{}
	}
	return e
}

// OnSubmit registers the hook called after every accepted order.
func (e *TaskEngine) OnSubmit(fn func(SubmittedOrder)) { e.onSubmit = fn }

func (e *TaskEngine) State() EngineState {
	switch {
	case e.task == nil:
		return StateIdle
	case e.task.Kind == TaskSell:
		return StateWatchingSell
	default:
		return StateWatchingBuy
	}
}

// Task returns a copy of the current task, or nil.
func (e *TaskEngine) Task() *Task {
	if e.task == nil {
		return nil
	}
	cp := *e.task
	return &cp
}

// HeldCostBasis returns the cost basis of an active sell task.
func (e *TaskEngine) HeldCostBasis() (float64, bool) {
	if e.task == nil || e.task.Kind != TaskSell || e.task.BuyRate <= 0 {
		return 0, false
	}
	return e.task.CostBasis(), true
}

// Clear drops the current task.
func (e *TaskEngine) Clear(reason string) {
	if e.task == nil {
		return
	}
	log.Printf("[WATCH] %s: %s task %s cleared (%s)", e.pair, e.task.Kind, shortID(e.task.ID), reason)
	e.task = nil
	SetEngineStateMetric(e.pair, e.State())
}

// EvaluateEntry looks for a dip-buy entry. It only acts when idle. Missing
// history is returned as ErrInsufficientHistory; other precondition misses
// are logged and return nil.
func (e *TaskEngine) EvaluateEntry(ctx context.Context) error {
	if e.task != nil {
		return nil
	}
	if n := e.store.Len(); n < e.th.MinCandles {
		return fmt.Errorf("evaluate %s: have %d candles, need %d: %w", e.pair, n, e.th.MinCandles, ErrInsufficientHistory)
	}

	open, err := listOpen(ctx, e.ex, e.pair)
	if err != nil {
		return fmt.Errorf("evaluate %s: list open: %w", e.pair, err)
	}
	if len(open) > 0 {
		log.Printf("[OBSERVE] %s: %d open order(s), skipping entry", e.pair, len(open))
		return nil
	}

	last, err := e.ex.LastTransaction(ctx, e.pair)
	if err != nil {
		// treated as "last trade was a sell": a fresh buy is allowed
		log.Printf("[WARN] %s: last transaction: %v", e.pair, err)
		last = nil
	}
	if last != nil && last.Side == SideBuy {
		return e.recoverSell(ctx, last)
	}

	window, err := e.store.RequireRecent(e.th.BottomWindow)
	if err != nil {
		return fmt.Errorf("evaluate %s: %w", e.pair, err)
	}
	oldest := window[len(window)-1]
	for _, c := range window[:len(window)-1] {
		if c.PriceMin < oldest.PriceMin {
			return nil
		}
	}

	candidate := e.policy.RoundPrice(oldest.PriceMin * (1 + e.th.EntryNudgePct/100))
	markup := e.policy.MarkupPrice(candidate)
	if !e.markupReached(markup) {
		log.Printf("[OBSERVE] %s: bottom %.8g found but markup %.8g not seen in last %d candles",
			e.pair, oldest.PriceMin, markup, e.th.MarkupWindow)
		return nil
	}

	amount, err := e.alloc.BuyAmount(ctx, e.pair, candidate)
	if err != nil {
		return fmt.Errorf("evaluate %s: %w", e.pair, err)
	}
	if amount <= 0 {
		log.Printf("[OBSERVE] %s: no capital allocated at %.8g", e.pair, candidate)
		return nil
	}

	e.task = &Task{
		ID:               uuid.NewString(),
		Kind:             TaskBuy,
		TargetPrice:      candidate,
		TrackedMin:       candidate,
		Amount:           amount,
		RetriesRemaining: e.th.BuyRetries,
		CreatedAt:        e.now(),
	}
	log.Printf("[OBSERVE] %s: watching buy target=%.8g amount=%.8g markup=%.8g",
		e.pair, candidate, amount, markup)
	IncTaskCreated(e.pair, TaskBuy)
	SetEngineStateMetric(e.pair, e.State())
	e.record(ctx, AuditEvent{Kind: "task_created", TaskID: e.task.ID, Side: SideBuy, Rate: candidate, Amount: amount})
	return nil
}

func (e *TaskEngine) markupReached(markup float64) bool {
	for _, c := range e.store.Recent(e.th.MarkupWindow) {
		if c.PriceMax >= markup {
			return true
		}
	}
	return false
}

// recoverSell resumes selling a position whose buy completed earlier.
func (e *TaskEngine) recoverSell(ctx context.Context, last *Transaction) error {
	amount, err := e.alloc.SellAmount(ctx, e.pair)
	if err != nil {
		return fmt.Errorf("recover sell %s: %w", e.pair, err)
	}
	if amount <= 0 {
		log.Printf("[OBSERVE] %s: last trade was a buy but no %s is held", e.pair, e.pair.Base)
		return nil
	}
	e.StartSell(ctx, last.Rate, amount)
	return nil
}

// StartSell installs a sell task for amount bought at buyRate, superseding
// any current task.
func (e *TaskEngine) StartSell(ctx context.Context, buyRate, amount float64) *Task {
	target := e.policy.MarkupPrice(buyRate)
	if e.task != nil {
		log.Printf("[WATCH] %s: %s task %s superseded by sell", e.pair, e.task.Kind, shortID(e.task.ID))
	}
	e.task = &Task{
		ID:          uuid.NewString(),
		Kind:        TaskSell,
		TargetPrice: target,
		TrackedMax:  target,
		Amount:      e.policy.TruncAmount(amount),
		BuyRate:     buyRate,
		CreatedAt:   e.now(),
	}
	log.Printf("[WATCH] %s: watching sell amount=%.8g bought=%.8g target=%.8g", e.pair, e.task.Amount, buyRate, target)
	IncTaskCreated(e.pair, TaskSell)
	SetEngineStateMetric(e.pair, e.State())
	e.record(ctx, AuditEvent{Kind: "task_created", TaskID: e.task.ID, Side: SideSell, Rate: target, Amount: e.task.Amount})
	return e.Task()
}

// OnPriceTick advances the current task with one trade price.
func (e *TaskEngine) OnPriceTick(ctx context.Context, price float64) error {
	if e.task == nil || math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return nil
	}
	if e.task.Kind == TaskSell {
		return e.watchSell(ctx, price)
	}
	return e.watchBuy(ctx, price)
}

func (e *TaskEngine) watchBuy(ctx context.Context, price float64) error {
	t := e.task
	if price <= t.TrackedMin {
		t.TrackedMin = price
		t.ConfirmCount = 0
		return nil
	}
	r := (1 - t.TrackedMin/price) * 1000

	if r >= e.th.BuyReboundMax {
		t.RetriesRemaining--
		t.ConfirmCount = 0
		if t.RetriesRemaining <= 0 {
			log.Printf("[WATCH] %s: buy task %s abandoned (rebounded past %.8g without entry)", e.pair, shortID(t.ID), t.TrackedMin)
			IncTaskAbandoned(e.pair)
			e.record(ctx, AuditEvent{Kind: "task_abandoned", TaskID: t.ID, Side: SideBuy, Rate: price, Amount: t.Amount})
			e.task = nil
			SetEngineStateMetric(e.pair, e.State())
		}
		return nil
	}
	if r < e.th.BuyReboundMin || price > t.TargetPrice {
		t.ConfirmCount = 0
		return nil
	}
	if t.ConfirmCount < e.th.BuyConfirm {
		t.ConfirmCount++
		return nil
	}
	return e.submit(ctx, SideBuy, price)
}

func (e *TaskEngine) watchSell(ctx context.Context, price float64) error {
	t := e.task
	if price < t.TargetPrice {
		return nil
	}
	if price > t.TrackedMax {
		t.TrackedMax = price
		return nil
	}
	if r := (1 - price/t.TrackedMax) * 1000; r < e.th.SellPullback {
		return nil
	}
	return e.submit(ctx, SideSell, price)
}

// submit places the task's order at rate. On failure the task stays so the
// next qualifying tick retries.
func (e *TaskEngine) submit(ctx context.Context, side OrderSide, rate float64) error {
	t := e.task
	rate = e.policy.RoundPrice(rate)
	amount := e.policy.TruncAmount(t.Amount)

	id, err := e.ex.Submit(ctx, e.pair, side, rate, amount)
	if err != nil {
		t.SubmitFailures++
		IncSubmitFailure(e.pair, side)
		log.Printf("[WARN] %s: %s %.8g @ %.8g failed: %v", e.pair, side, amount, rate, err)
		if t.SubmitFailures == 1 {
			e.notifier.Send(fmt.Sprintf("⚠️ %s %s %.8g @ %.8g failed: %v", side, e.pair, amount, rate, err))
		}
		return fmt.Errorf("submit %s %s: %w", side, e.pair, err)
	}

	sub := SubmittedOrder{ID: id, Side: side, Rate: rate, Amount: amount, At: e.now()}
	if side == SideSell {
		sub.CostBasis = t.BuyRate * amount
	}
	log.Printf("[WATCH] %s: %s order %s placed %.8g @ %.8g", e.pair, side, id, amount, rate)
	IncOrderSubmitted(e.pair, side)
	e.record(ctx, AuditEvent{Kind: "order_submitted", TaskID: t.ID, OrderID: id, Side: side, Rate: rate, Amount: amount})

	e.task = nil
	SetEngineStateMetric(e.pair, e.State())
	if e.onSubmit != nil {
		e.onSubmit(sub)
	}
	return nil
}

func (e *TaskEngine) record(ctx context.Context, ev AuditEvent) {
	ev.Pair = e.pair.String()
	if ev.Time.IsZero() {
		ev.Time = e.now()
	}
	if err := e.audit.Record(ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("[AUDIT] %s: %v", e.pair, err)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
