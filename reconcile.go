// FILE: reconcile.go
// Package main – Order reconciliation against polled exchange state.
//
// Every tracked order is inspected once per reconcile tick:
//   • cancelled             → stop tracking
//   • closed partly filled  → notify, sell what was bought, stop tracking
//   • open buy past TTL     → cancel (one attempt per tick until it succeeds)
//   • filled buy            → notify, start a sell task at markup of the fill rate
//   • filled sell           → notify, book income, clear the task
//
// Discover adds open exchange orders the lane does not know yet (restarts,
// manual orders). All methods must run on the pair's lane.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"
)

const defaultOrderTTL = 15 * time.Minute

// TrackedOrder is an exchange order the lane is watching.
type TrackedOrder struct {
	ID           string    `json:"id"`
	Side         OrderSide `json:"side,omitempty"` // empty until first Info for discovered orders
	SubmittedAt  time.Time `json:"submitted_at"`
	CostBasis    float64   `json:"cost_basis,omitempty"`
	HasCostBasis bool      `json:"-"`

	cancelNotified bool
}

type OrderReconciler struct {
	pair     Pair
	ttl      time.Duration
	orders   ExchangeOrders
	alloc    *WalletAllocator
	engine   *TaskEngine
	notifier Notifier
	audit    AuditSink
	now      func() time.Time

	tracked map[string]*TrackedOrder
	income  float64
}

func NewOrderReconciler(pair Pair, ttl time.Duration, orders ExchangeOrders, alloc *WalletAllocator, engine *TaskEngine, notifier Notifier, audit AuditSink) *OrderReconciler {
	if ttl <= 0 {
		ttl = defaultOrderTTL
	}
	if notifier == nil {
		notifier = logNotifier{}
	}
	if audit == nil {
		audit = nopAudit{}
	}
	return &OrderReconciler{
		pair:     pair,
		ttl:      ttl,
		orders:   orders,
		alloc:    alloc,
		engine:   engine,
		notifier: notifier,
		audit:    audit,
		now:      func() time.Time { return time.Now().UTC() },
		tracked:  make(map[string]*TrackedOrder),
	}
}

// Track starts watching an order; an already tracked id is left as is.
func (r *OrderReconciler) Track(o TrackedOrder) {
	if o.ID == "" {
		return
	}
	if _, ok := r.tracked[o.ID]; ok {
		return
	}
	if o.SubmittedAt.IsZero() {
		o.SubmittedAt = r.now()
	}
	r.tracked[o.ID] = &o
}

// TrackSubmitted is the engine's submit hook.
func (r *OrderReconciler) TrackSubmitted(s SubmittedOrder) {
	r.Track(TrackedOrder{
		ID:           s.ID,
		Side:         s.Side,
		SubmittedAt:  s.At,
		CostBasis:    s.CostBasis,
		HasCostBasis: s.Side == SideSell && s.CostBasis > 0,
	})
}

// Discover tracks open exchange orders not yet known to the lane.
func (r *OrderReconciler) Discover(ctx context.Context) error {
	ids, err := listOpen(ctx, r.orders, r.pair)
	if err != nil {
		return fmt.Errorf("discover %s: %w", r.pair, err)
	}
	for _, id := range ids {
		if _, ok := r.tracked[id]; ok {
			continue
		}
		o := TrackedOrder{ID: id, SubmittedAt: r.now()}
		if basis, ok := r.engine.HeldCostBasis(); ok {
			o.CostBasis, o.HasCostBasis = basis, true
		}
		r.tracked[id] = &o
		log.Printf("[RECONCILE] %s: discovered open order %s", r.pair, id)
	}
	return nil
}

// Reconcile inspects every tracked order once. Per-order errors are logged,
// the order stays tracked, and the joined errors are returned.
func (r *OrderReconciler) Reconcile(ctx context.Context) error {
	var errs []error
	for _, o := range r.sorted() {
		if err := r.reconcileOne(ctx, o); err != nil {
			log.Printf("[RECONCILE] %s: order %s: %v", r.pair, o.ID, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *OrderReconciler) reconcileOne(ctx context.Context, o *TrackedOrder) error {
	info, err := r.orders.Info(ctx, o.ID)
	if err != nil {
		return fmt.Errorf("info: %w", err)
	}
	side := info.Side
	if side == "" {
		side = o.Side
	}
	o.Side = side

	switch info.Status {
	case StatusCancelled:
		log.Printf("[RECONCILE] %s: order %s cancelled", r.pair, o.ID)
		r.record(ctx, AuditEvent{Kind: "order_closed", OrderID: o.ID, Side: side, Rate: info.Rate, Detail: "cancelled"})
		r.drop(o.ID)
		return nil

	case StatusPartiallyFilled:
		return r.onPartialFill(ctx, o, info)

	case StatusOpen:
		if side != SideBuy {
			return nil
		}
		created := info.CreatedAt
		if created.IsZero() {
			created = o.SubmittedAt
		}
		if r.now().Sub(created) <= r.ttl {
			return nil
		}
		return r.cancelStale(ctx, o, info)

	case StatusFilled:
		if side == SideSell {
			r.onSellFilled(ctx, o, info)
		} else {
			r.onBuyFilled(ctx, o, info)
		}
		return nil
	}
	return fmt.Errorf("unknown status %v", info.Status)
}

func (r *OrderReconciler) cancelStale(ctx context.Context, o *TrackedOrder, info *OrderInfo) error {
	if err := r.orders.Cancel(ctx, o.ID); err != nil {
		IncCancelFailure(r.pair)
		if !o.cancelNotified {
			o.cancelNotified = true
			r.notifier.Send(fmt.Sprintf("⚠️ Could not cancel stale buy %s on %s: %v", o.ID, r.pair, err))
		}
		return fmt.Errorf("cancel stale buy: %w", err)
	}
	log.Printf("[RECONCILE] %s: stale buy %s cancelled after %s", r.pair, o.ID, r.ttl)
	IncCancel(r.pair)
	r.record(ctx, AuditEvent{Kind: "order_cancelled", OrderID: o.ID, Side: SideBuy, Rate: info.Rate, Amount: info.Amount, Detail: "ttl"})

	// an open buy may already hold executed coin; it gets its sell task now
	if info.FilledAmount > 0 {
		if final, err := r.orders.Info(ctx, o.ID); err == nil && final.FilledAmount >= info.FilledAmount {
			info = final
		}
		return r.onPartialFill(ctx, o, info)
	}
	r.drop(o.ID)
	return nil
}

// boughtAmount is the base amount a buy fill left to sell. It prefers the
// venue's executed amount (else the start amount when fully filled), capped
// by the held balance since venues may take the fee from the received coin.
// With no executed amount reported it falls back to the held balance.
func (r *OrderReconciler) boughtAmount(ctx context.Context, info *OrderInfo, full bool) (float64, error) {
	amount := info.FilledAmount
	if amount <= 0 && full {
		amount = info.Amount
	}
	held, err := r.alloc.SellAmount(ctx, r.pair)
	if err != nil {
		if amount > 0 {
			return amount, nil
		}
		return 0, err
	}
	if amount <= 0 || (held > 0 && held < amount) {
		return held, nil
	}
	return amount, nil
}

func (r *OrderReconciler) onPartialFill(ctx context.Context, o *TrackedOrder, info *OrderInfo) error {
	if o.Side == SideSell {
		// the unsold remainder stays in the wallet; entry recovery resumes it
		log.Printf("[RECONCILE] %s: sell %s closed partly filled (%.8g of %.8g)", r.pair, o.ID, info.FilledAmount, info.Amount)
		IncFill(r.pair, SideSell, true)
		r.record(ctx, AuditEvent{Kind: "order_partial", OrderID: o.ID, Side: SideSell, Rate: info.Rate, Amount: info.FilledAmount})
		r.engine.Clear("sell partially filled")
		r.drop(o.ID)
		return nil
	}
	amount, err := r.boughtAmount(ctx, info, false)
	if err != nil {
		return fmt.Errorf("partial fill amount: %w", err)
	}
	r.notifier.Send(fmt.Sprintf("💰 Partially bought %.8g %s of %.8g at %.8g\norder: %s", amount, r.pair, info.Amount, info.Rate, o.ID))
	IncFill(r.pair, SideBuy, true)
	r.record(ctx, AuditEvent{Kind: "order_partial", OrderID: o.ID, Side: SideBuy, Rate: info.Rate, Amount: amount})
	if amount > 0 {
		r.engine.StartSell(ctx, info.Rate, amount)
	}
	r.drop(o.ID)
	return nil
}

func (r *OrderReconciler) onBuyFilled(ctx context.Context, o *TrackedOrder, info *OrderInfo) {
	amount, err := r.boughtAmount(ctx, info, true)
	if err != nil {
		log.Printf("[RECONCILE] %s: fill amount of %s: %v", r.pair, o.ID, err)
	}
	r.notifier.Send(fmt.Sprintf("💰 Bought %.8g %s at %.8g\norder: %s", amount, r.pair, info.Rate, o.ID))
	IncFill(r.pair, SideBuy, false)
	r.record(ctx, AuditEvent{Kind: "order_filled", OrderID: o.ID, Side: SideBuy, Rate: info.Rate, Amount: amount})
	if amount > 0 {
		r.engine.StartSell(ctx, info.Rate, amount)
	}
	r.drop(o.ID)
}

func (r *OrderReconciler) onSellFilled(ctx context.Context, o *TrackedOrder, info *OrderInfo) {
	amount := info.FilledAmount
	if amount <= 0 {
		amount = info.Amount
	}
	ev := AuditEvent{Kind: "order_filled", OrderID: o.ID, Side: SideSell, Rate: info.Rate, Amount: amount}
	msg := fmt.Sprintf("🎉 Sold %.8g %s at %.8g\norder: %s", amount, r.pair, info.Rate, o.ID)
	if o.HasCostBasis {
		income := amount*info.Rate - o.CostBasis
		r.income += income
		SetIncomeMetric(r.pair, r.income)
		ev.Income = income
		msg += fmt.Sprintf("\nincome: %.8g %s", income, r.pair.Quote)
	} else {
		log.Printf("[RECONCILE] %s: sell %s filled with unknown cost basis, income not booked", r.pair, o.ID)
	}
	r.notifier.Send(msg)
	IncFill(r.pair, SideSell, false)
	r.record(ctx, ev)
	r.engine.Clear("sell filled")
	r.drop(o.ID)
}

func (r *OrderReconciler) drop(id string) { delete(r.tracked, id) }

func (r *OrderReconciler) sorted() []*TrackedOrder {
	out := make([]*TrackedOrder, 0, len(r.tracked))
	for _, o := range r.tracked {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Tracked returns copies of the tracked orders, oldest first.
func (r *OrderReconciler) Tracked() []TrackedOrder {
	out := make([]TrackedOrder, 0, len(r.tracked))
	for _, o := range r.sorted() {
		out = append(out, *o)
	}
	return out
}

// Income is the realized income booked since start, in quote currency.
func (r *OrderReconciler) Income() float64 { return r.income }

func (r *OrderReconciler) record(ctx context.Context, ev AuditEvent) {
	ev.Pair = r.pair.String()
	if ev.Time.IsZero() {
		ev.Time = r.now()
	}
	if err := r.audit.Record(ctx, ev); err != nil {
		log.Printf("[AUDIT] %s: %v", r.pair, err)
	}
}
