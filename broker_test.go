package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeedLoopResetsBackoffAfterHealthySession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var waits []time.Duration
	loop := &feedLoop{label: "test", min: time.Second, max: 8 * time.Second}
	loop.wait = func(_ context.Context, d time.Duration) bool {
		waits = append(waits, d)
		return true
	}

	// sessions: four dial failures, one session that streams then drops, one more failure
	delivers := []bool{false, false, false, false, true, false}
	var got []TradeEvent
	session := 0
	read := func(_ context.Context, h TradeHandler) error {
		if session == len(delivers) {
			cancel()
			return nil
		}
		if delivers[session] {
			h(TradeEvent{Trade: Trade{ID: "t", Price: 100, Amount: 1}})
		}
		session++
		return errors.New("connection reset")
	}
	loop.run(ctx, read, func(ev TradeEvent) { got = append(got, ev) })

	require.Len(t, got, 1)
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		time.Second, 2 * time.Second,
	}, waits)
}

func TestFeedLoopStopsWhileWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	loop := &feedLoop{label: "test", min: time.Hour, max: time.Hour, wait: sleepCtx}
	calls := 0
	done := make(chan struct{})
	go func() {
		loop.run(ctx, func(context.Context, TradeHandler) error {
			calls++
			return errors.New("dial refused")
		}, func(TradeEvent) {})
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("feed loop did not stop")
	}
	assert.Equal(t, 1, calls)
}
