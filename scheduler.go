// FILE: scheduler.go
// Package main – Live loop: per-pair wiring, warm-up, ticks and snapshots.
//
// Each PairRunner owns one pair's CandleStore, TaskEngine and OrderReconciler
// and drives them only through its Lane:
//   • trades from the feed    → ingest (append to candles, then watch tick)
//   • reconcile tick (~1s)    → discover open orders, reconcile tracked ones
//   • evaluate tick (~60s)    → entry evaluation
//
// On start a runner backfills recent trades into its candles without
// watching them, then subscribes to the live stream. Pairs run in parallel.

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// PairSnapshot is a read-only view of a pair, produced on its lane.
type PairSnapshot struct {
	Pair      string         `json:"pair"`
	State     string         `json:"state"`
	Task      *Task          `json:"task,omitempty"`
	Candles   int            `json:"candles"`
	LastPrice float64        `json:"last_price"`
	Recent    []Candle       `json:"recent_candles,omitempty"`
	Orders    []TrackedOrder `json:"tracked_orders"`
	Income    float64        `json:"income"`
	AsOf      time.Time      `json:"as_of"`
}

type PairRunner struct {
	pair Pair
	cfg  Config

	lane   *Lane
	store  *CandleStore
	engine *TaskEngine
	recon  *OrderReconciler
	feed   TradeFeed
}

func NewPairRunner(pair Pair, cfg Config, ex Exchange, notifier Notifier, audit AuditSink) *PairRunner {
	store := NewCandleStore(cfg.MaxHistoryCandles)
	alloc := NewWalletAllocator(cfg.WalletPolicy(), ex)
	engine := NewTaskEngine(pair, DefaultThresholds(), EngineDeps{
		Store:     store,
		Exchange:  ex,
		Allocator: alloc,
		Notifier:  notifier,
		Audit:     audit,
	})
	recon := NewOrderReconciler(pair, cfg.OrderTTL(), ex, alloc, engine, notifier, audit)
	engine.OnSubmit(recon.TrackSubmitted)
	SetEngineStateMetric(pair, engine.State())

	return &PairRunner{
		pair:   pair,
		cfg:    cfg,
		lane:   NewLane(pair.String(), 4096),
		store:  store,
		engine: engine,
		recon:  recon,
		feed:   ex,
	}
}

// ingest runs on the lane.
func (p *PairRunner) ingest(ctx context.Context, ev TradeEvent, watch bool) {
	applied, err := p.store.Append(ev.Trade, ev.Time)
	switch {
	case errors.Is(err, ErrLateTrade):
		// still a real print; only the candle history skips it
	case err != nil:
		IncTradeMalformed(p.pair)
		log.Printf("[INGEST] %s: dropped trade %s: %v", p.pair, ev.ID, err)
		return
	case !applied:
		return
	default:
		IncTradeIngested(p.pair)
		SetCandlesMetric(p.pair, p.store.Len())
	}
	if watch {
		// submit failures are logged and notified by the engine
		_ = p.engine.OnPriceTick(ctx, ev.Price)
	}
}

func (p *PairRunner) reconcileTick(ctx context.Context) {
	if err := p.recon.Discover(ctx); err != nil {
		log.Printf("[RECONCILE] %v", err)
	}
	_ = p.recon.Reconcile(ctx) // per-order errors already logged
}

func (p *PairRunner) evaluateTick(ctx context.Context) {
	err := p.engine.EvaluateEntry(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrInsufficientHistory):
		log.Printf("[OBSERVE] %s: warming up (%d candles)", p.pair, p.store.Len())
	default:
		log.Printf("[OBSERVE] %v", err)
	}
}

// warmUp backfills recent trades into the candles without watching them.
func (p *PairRunner) warmUp(ctx context.Context) {
	if p.cfg.BackfillTrades <= 0 {
		return
	}
	events, err := p.feed.Backfill(ctx, p.pair, p.cfg.BackfillTrades)
	if err != nil {
		log.Printf("[BOOT] %s: backfill: %v", p.pair, err)
		return
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Time.Before(events[j].Time) })
	err = p.lane.Do(ctx, func(c context.Context) {
		for _, ev := range events {
			p.ingest(c, ev, false)
		}
	})
	if err != nil {
		log.Printf("[BOOT] %s: backfill apply: %v", p.pair, err)
		return
	}
	log.Printf("[BOOT] %s: backfilled %d trades", p.pair, len(events))
}

// Run drives the pair until ctx is done.
func (p *PairRunner) Run(ctx context.Context) error {
	go p.lane.Run(ctx)

	p.warmUp(ctx)

	tok, err := p.feed.Subscribe(ctx, p.pair, func(ev TradeEvent) {
		if err := p.lane.Enqueue(ctx, func(c context.Context) { p.ingest(c, ev, true) }); err != nil && ctx.Err() == nil {
			log.Printf("[INGEST] %s: %v", p.pair, err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", p.pair, err)
	}
	defer tok.Unsubscribe()

	rt := time.NewTicker(p.cfg.ReconcileInterval())
	defer rt.Stop()
	et := time.NewTicker(p.cfg.EvaluateInterval())
	defer et.Stop()

	p.lane.Post(p.reconcileTick)
	for {
		select {
		case <-ctx.Done():
			<-p.lane.Done()
			return nil
		case <-rt.C:
			// a busy lane skips this tick; the next one retries
			p.lane.Post(p.reconcileTick)
		case <-et.C:
			p.lane.Post(p.evaluateTick)
		}
	}
}

// Snapshot reads the pair state on its lane.
func (p *PairRunner) Snapshot(ctx context.Context) (PairSnapshot, error) {
	var s PairSnapshot
	err := p.lane.Do(ctx, func(context.Context) {
		s = PairSnapshot{
			Pair:      p.pair.String(),
			State:     p.engine.State().String(),
			Task:      p.engine.Task(),
			Candles:   p.store.Len(),
			LastPrice: p.store.LastPrice(),
			Recent:    p.store.Recent(5),
			Orders:    p.recon.Tracked(),
			Income:    p.recon.Income(),
			AsOf:      time.Now().UTC(),
		}
	})
	return s, err
}

// Scheduler is the composition root for all pairs.
type Scheduler struct {
	runners []*PairRunner
	byName  map[string]*PairRunner
}

func NewScheduler(cfg Config, ex Exchange, notifier Notifier, audit AuditSink) *Scheduler {
	s := &Scheduler{byName: make(map[string]*PairRunner)}
	for _, pair := range cfg.Pairs {
		r := NewPairRunner(pair, cfg, ex, notifier, audit)
		s.runners = append(s.runners, r)
		s.byName[pair.String()] = r
	}
	return s
}

// Run starts every pair and waits for all of them to stop.
func (s *Scheduler) Run(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, r := range s.runners {
		wg.Add(1)
		go func(r *PairRunner) {
			defer wg.Done()
			log.Printf("[BOOT] %s: lane started", r.pair)
			if err := r.Run(ctx); err != nil {
				log.Printf("[BOOT] %s: %v", r.pair, err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(r)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (s *Scheduler) Snapshots(ctx context.Context) ([]PairSnapshot, error) {
	out := make([]PairSnapshot, 0, len(s.runners))
	for _, r := range s.runners {
		snap, err := r.Snapshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", r.pair, err)
		}
		out = append(out, snap)
	}
	return out, nil
}

// Snapshot returns one pair by its BASE-QUOTE name.
func (s *Scheduler) Snapshot(ctx context.Context, name string) (PairSnapshot, bool, error) {
	p, err := ParsePair(name)
	if err != nil {
		return PairSnapshot{}, false, nil
	}
	r, ok := s.byName[p.String()]
	if !ok {
		return PairSnapshot{}, false, nil
	}
	snap, err := r.Snapshot(ctx)
	return snap, true, err
}
