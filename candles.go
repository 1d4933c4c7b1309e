// FILE: candles.go
// Package main – Minute candle aggregation from the raw trade tape.
//
// CandleStore keeps minute buckets most-recent-first. A trade either folds
// into the newest bucket (same minute) or opens a new one; empty minutes are
// never synthesized. Rolled buckets are immutable, so a trade older than the
// newest bucket is kept out of the candles and reported as ErrLateTrade.
package main

import (
	"fmt"
	"math"
	"time"
)

// Candle is one minute of trades.
type Candle struct {
	OpenedAt time.Time `json:"opened_at"`
	Open     float64   `json:"open"`
	Close    float64   `json:"close"`
	PriceMin float64   `json:"price_min"`
	PriceMax float64   `json:"price_max"`
	Volume   float64   `json:"volume"`
	Trades   []Trade   `json:"-"` // arrival order; see NewestTrades
}

// NewestTrades returns the bucket's trades most-recent-first.
func (c Candle) NewestTrades() []Trade {
	out := make([]Trade, len(c.Trades))
	for i, tr := range c.Trades {
		out[len(out)-1-i] = tr
	}
	return out
}

const (
	minHistoryCandles = 720 // must cover the markup lookback window
	defaultSeenTrades = 20000
)

type CandleStore struct {
	candles []Candle
	max     int

	// bounded trade-id memory so backfill/stream overlap is idempotent
	seen      map[string]struct{}
	seenOrder []string
	seenMax   int
}

func NewCandleStore(maxCandles int) *CandleStore {
	if maxCandles < minHistoryCandles {
		maxCandles = minHistoryCandles
	}
	return &CandleStore{
		max:     maxCandles,
		seen:    make(map[string]struct{}),
		seenMax: defaultSeenTrades,
	}
}

// Append folds a trade into the bucket for at's minute. It reports whether
// the trade was applied; duplicates return false, nil. A late trade returns
// false with ErrLateTrade and its id is remembered like an applied one.
func (s *CandleStore) Append(tr Trade, at time.Time) (bool, error) {
	if math.IsNaN(tr.Price) || math.IsInf(tr.Price, 0) || tr.Price <= 0 {
		return false, fmt.Errorf("price %v: %w", tr.Price, ErrMalformedTrade)
	}
	if math.IsNaN(tr.Amount) || math.IsInf(tr.Amount, 0) || tr.Amount < 0 {
		return false, fmt.Errorf("amount %v: %w", tr.Amount, ErrMalformedTrade)
	}
	if tr.ID != "" {
		if _, dup := s.seen[tr.ID]; dup {
			return false, nil
		}
	}

	minute := at.UTC().Truncate(time.Minute)
	if len(s.candles) > 0 {
		newest := &s.candles[0]
		switch {
		case minute.Equal(newest.OpenedAt):
			newest.fold(tr)
			s.remember(tr.ID)
			return true, nil
		case minute.Before(newest.OpenedAt):
			s.remember(tr.ID)
			return false, fmt.Errorf("%s before %s: %w", minute.Format("15:04"), newest.OpenedAt.Format("15:04"), ErrLateTrade)
		}
	}

	c := Candle{OpenedAt: minute, Open: tr.Price, PriceMin: tr.Price, PriceMax: tr.Price}
	c.fold(tr)
	s.candles = append(s.candles, Candle{})
	copy(s.candles[1:], s.candles)
	s.candles[0] = c
	if len(s.candles) > s.max {
		s.candles = s.candles[:s.max]
	}
	s.remember(tr.ID)
	return true, nil
}

func (c *Candle) fold(tr Trade) {
	if tr.Price < c.PriceMin {
		c.PriceMin = tr.Price
	}
	if tr.Price > c.PriceMax {
		c.PriceMax = tr.Price
	}
	c.Close = tr.Price
	c.Volume += tr.Amount
	c.Trades = append(c.Trades, tr)
}

func (s *CandleStore) remember(id string) {
	if id == "" {
		return
	}
	s.seen[id] = struct{}{}
	s.seenOrder = append(s.seenOrder, id)
	if len(s.seenOrder) > s.seenMax {
		drop := len(s.seenOrder) - s.seenMax
		for _, old := range s.seenOrder[:drop] {
			delete(s.seen, old)
		}
		s.seenOrder = append([]string(nil), s.seenOrder[drop:]...)
	}
}

// Recent returns up to n newest candles, most-recent-first. Never padded.
func (s *CandleStore) Recent(n int) []Candle {
	if n > len(s.candles) {
		n = len(s.candles)
	}
	if n <= 0 {
		return nil
	}
	out := make([]Candle, n)
	copy(out, s.candles[:n])
	return out
}

// RequireRecent is Recent that fails when fewer than n candles exist.
func (s *CandleStore) RequireRecent(n int) ([]Candle, error) {
	if len(s.candles) < n {
		return nil, fmt.Errorf("have %d candles, need %d: %w", len(s.candles), n, ErrInsufficientHistory)
	}
	return s.Recent(n), nil
}

func (s *CandleStore) Len() int { return len(s.candles) }

// LastPrice is the close of the newest candle, 0 when empty.
func (s *CandleStore) LastPrice() float64 {
	if len(s.candles) == 0 {
		return 0
	}
	return s.candles[0].Close
}
