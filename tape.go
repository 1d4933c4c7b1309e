// FILE: tape.go
// Package main – CSV trade tape loader for the paper exchange.
//
// What's here:
//   • loadTradeTape(path) -> []TapeRow : reads time,price,amount[,side,id,pair]
//   • tapeFor(rows, pair)              : rows for one pair, in time order
//
// Notes:
//   • Time column accepts RFC3339, UNIX seconds or UNIX milliseconds.
//   • Unknown columns are ignored; headers are case-insensitive.
//   • Rows without a pair apply to every pair.

package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// TapeRow is one recorded trade, optionally bound to a pair.
type TapeRow struct {
	Pair string // BASE-QUOTE, empty for any pair
	TradeEvent
}

func loadTradeTape(path string) ([]TapeRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readTradeTape(f)
}

func readTradeTape(rd io.Reader) ([]TapeRow, error) {
	r := csv.NewReader(rd)
	r.FieldsPerRecord = -1

	var out []TapeRow
	var headers []string
	rowIdx := 0

	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if rowIdx == 0 {
			headers = rec
			rowIdx++
			continue
		}
		row := map[string]string{}
		for j, h := range headers {
			k := strings.ToLower(strings.TrimSpace(h))
			if j < len(rec) {
				row[k] = strings.TrimSpace(rec[j])
			}
		}
		rowIdx++

		ts := first(row, "time", "timestamp")
		pp := first(row, "price", "rate")
		ap := first(row, "amount", "qty", "size", "volume")
		if ts == "" || pp == "" {
			continue
		}
		tt, err := parseTimeFlexible(ts)
		if err != nil {
			continue
		}
		price, err := strconv.ParseFloat(pp, 64)
		if err != nil {
			continue
		}
		amount, _ := strconv.ParseFloat(ap, 64)

		side := SideBuy
		if s := strings.ToLower(first(row, "side", "type")); s == "sell" || s == "ask" {
			side = SideSell
		}
		id := first(row, "id", "tid", "trade_id")
		if id == "" {
			id = "tape-" + strconv.Itoa(rowIdx)
		}
		pair := ""
		if ps := first(row, "pair", "symbol"); ps != "" {
			if p, err := ParsePair(ps); err == nil {
				pair = p.String()
			}
		}
		out = append(out, TapeRow{
			Pair:       pair,
			TradeEvent: TradeEvent{Trade: Trade{ID: id, Side: side, Price: price, Amount: amount}, Time: tt},
		})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

// tapeFor returns the events that apply to pair.
func tapeFor(rows []TapeRow, pair Pair) []TradeEvent {
	name := pair.String()
	out := make([]TradeEvent, 0, len(rows))
	for _, r := range rows {
		if r.Pair == "" || r.Pair == name {
			out = append(out, r.TradeEvent)
		}
	}
	return out
}

// parseTimeFlexible supports RFC3339, UNIX seconds or UNIX milliseconds.
func parseTimeFlexible(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC(), nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("bad time: %s", s)
}

// first returns the first non-empty value for keys in m.
func first(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := m[k]; v != "" {
			return v
		}
	}
	return ""
}
