// FILE: lane.go
// Package main – Serialized per-pair execution lane.
//
// Every mutation of a pair's candles, task and tracked orders is a func
// posted to that pair's lane and run by a single goroutine, so the trading
// core needs no locks. Ticks use Post (dropped when the lane is backed up, the
// next tick retries); trade ingestion uses Enqueue (blocks, trades are not
// dropped); readers use Do (waits for the op to finish).
package main

import (
	"context"
	"errors"
	"log"
)

var ErrLaneClosed = errors.New("lane closed")

type laneOp func(ctx context.Context)

type Lane struct {
	name string
	ops  chan laneOp
	done chan struct{}
}

func NewLane(name string, buf int) *Lane {
	if buf <= 0 {
		buf = 256
	}
	return &Lane{name: name, ops: make(chan laneOp, buf), done: make(chan struct{})}
}

// Run executes ops in order until ctx is done.
func (l *Lane) Run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-l.ops:
			l.exec(ctx, op)
		}
	}
}

func (l *Lane) exec(ctx context.Context, op laneOp) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[PANIC] lane %s: %v", l.name, r)
		}
	}()
	op(ctx)
}

// Post enqueues op without blocking; it reports false when the lane is full.
func (l *Lane) Post(op laneOp) bool {
	select {
	case l.ops <- op:
		return true
	default:
		return false
	}
}

// Enqueue blocks until op is queued or ctx is done.
func (l *Lane) Enqueue(ctx context.Context, op laneOp) error {
	select {
	case l.ops <- op:
		return nil
	case <-l.done:
		return ErrLaneClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs op on the lane and waits for it to finish.
func (l *Lane) Do(ctx context.Context, op laneOp) error {
	finished := make(chan struct{})
	wrapped := func(c context.Context) {
		defer close(finished)
		op(c)
	}
	if err := l.Enqueue(ctx, wrapped); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		// the lane may have stopped before running op
		select {
		case <-finished:
			return nil
		default:
			return ErrLaneClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once Run returns.
func (l *Lane) Done() <-chan struct{} { return l.done }
