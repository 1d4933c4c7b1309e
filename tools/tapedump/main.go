// Build a trade tape CSV for the paper exchange by paging Binance public
// aggTrades backward in time.
//
// Usage:
//   go run ./tools/tapedump -pair BTC-USDT -pages 20 -out data/BTC-USDT.csv
//   PAPER_TAPE=data/BTC-USDT.csv EXCHANGE=paper go run .
//
// Notes:
// - /api/v3/aggTrades returns [{"a","p","q","T","m"}]; m=true means the buyer
//   was the maker, so the aggressor sold.
// - We page backward using fromId. Dedupe by id, sort ascending, write
//   RFC3339Nano timestamps with header time,price,amount,side,id,pair.

package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const pageSize = 1000

type tapeRow struct {
	ID     int64
	Time   time.Time
	Price  string
	Amount string
	Side   string
}

func main() {
	var (
		pair    = flag.String("pair", "BTC-USDT", "Pair as BASE-QUOTE")
		pages   = flag.Int("pages", 20, "How many pages of 1000 trades to fetch (backwards)")
		outPath = flag.String("out", "data/BTC-USDT.csv", "Output CSV path")
	)
	flag.Parse()

	base := strings.TrimRight(getenv("BINANCE_API_BASE", "https://api.binance.com"), "/")
	symbol := strings.ToUpper(strings.NewReplacer("-", "", "_", "", "/", "").Replace(*pair))
	client := &http.Client{Timeout: 15 * time.Second}

	byID := make(map[int64]tapeRow, pageSize*(*pages))
	fromID := int64(-1)
	for p := 0; p < *pages; p++ {
		url := fmt.Sprintf("%s/api/v3/aggTrades?symbol=%s&limit=%d", base, symbol, pageSize)
		if fromID >= 0 {
			url += "&fromId=" + strconv.FormatInt(fromID, 10)
		}
		batch, err := fetchPage(client, url)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if len(batch) == 0 {
			break
		}
		oldest := batch[0].ID
		for _, r := range batch {
			byID[r.ID] = r
			oldest = min(oldest, r.ID)
		}
		if oldest == 0 {
			break
		}
		fromID = max(oldest-pageSize, 0)
	}

	rows := make([]tapeRow, 0, len(byID))
	for _, r := range byID {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })

	if err := writeTape(*outPath, *pair, rows); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %s (%d trades)\n", *outPath, len(rows))
}

func fetchPage(client *http.Client, url string) ([]tapeRow, error) {
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("binance status %d for %s: %s", resp.StatusCode, url, gjson.GetBytes(body, "msg").String())
	}
	var out []tapeRow
	for _, t := range gjson.ParseBytes(body).Array() {
		side := "buy"
		if t.Get("m").Bool() {
			side = "sell"
		}
		out = append(out, tapeRow{
			ID:     t.Get("a").Int(),
			Time:   time.UnixMilli(t.Get("T").Int()).UTC(),
			Price:  t.Get("p").String(),
			Amount: t.Get("q").String(),
			Side:   side,
		})
	}
	return out, nil
}

func writeTape(path, pair string, rows []tapeRow) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"time", "price", "amount", "side", "id", "pair"}); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{r.Time.Format(time.RFC3339Nano), r.Price, r.Amount, r.Side, strconv.FormatInt(r.ID, 10), pair}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
