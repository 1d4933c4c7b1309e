package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"
)

func newTestBinance(url string) *BinanceExchange {
	return &BinanceExchange{
		client:    &fasthttp.Client{},
		apiKey:    "key",
		apiSecret: "secret",
		baseURL:   url,
		filters:   map[string]*bnSymbol{},
	}
}

const bnExchangeInfo = `{"symbols":[{"symbol":"BTCUSDT","filters":[
	{"filterType":"PRICE_FILTER","tickSize":"0.01000000"},
	{"filterType":"LOT_SIZE","stepSize":"0.00001000"},
	{"filterType":"NOTIONAL","minNotional":"5.00000000"}]}]}`

func TestParseBinanceOrder(t *testing.T) {
	cases := []struct {
		body   string
		status OrderStatus
		rate   float64
		filled float64
	}{
		{`{"symbol":"BTCUSDT","side":"BUY","status":"NEW","price":"100.00","origQty":"1","executedQty":"0","cummulativeQuoteQty":"0","time":1709294400000}`, StatusOpen, 100, 0},
		{`{"side":"BUY","status":"PARTIALLY_FILLED","price":"100","origQty":"1","executedQty":"0.4","cummulativeQuoteQty":"39.96"}`, StatusOpen, 99.9, 0.4},
		{`{"side":"SELL","status":"FILLED","price":"101","origQty":"0.5","executedQty":"0.5","cummulativeQuoteQty":"50.6"}`, StatusFilled, 101.2, 0.5},
		{`{"side":"BUY","status":"CANCELED","price":"100","origQty":"1","executedQty":"0","cummulativeQuoteQty":"0"}`, StatusCancelled, 100, 0},
		{`{"side":"BUY","status":"EXPIRED","price":"100","origQty":"1","executedQty":"0.5","cummulativeQuoteQty":"50"}`, StatusPartiallyFilled, 100, 0.5},
	}
	for _, c := range cases {
		info := parseBinanceOrder([]byte(c.body))
		assert.Equal(t, c.status, info.Status, c.body)
		assert.InDelta(t, c.rate, info.Rate, 1e-9, c.body)
		assert.Equal(t, c.filled, info.FilledAmount, c.body)
	}

	info := parseBinanceOrder([]byte(cases[0].body))
	assert.Equal(t, SideBuy, info.Side)
	assert.Equal(t, testT0, info.CreatedAt)
}

func TestBinanceFiltersAndSnapping(t *testing.T) {
	f, err := parseBinanceFilters([]byte(bnExchangeInfo), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, f.tickSize.Equal(decimal.RequireFromString("0.01")))
	assert.True(t, f.baseStep.Equal(decimal.RequireFromString("0.00001")))
	assert.Equal(t, 5.0, f.minNotional)

	assert.Equal(t, "0.12345", snapStep(0.123459, f.baseStep, false))
	assert.Equal(t, "100.12", snapStep(100.123, f.tickSize, false))
	assert.Equal(t, "100.13", snapStep(100.123, f.tickSize, true))
	assert.Equal(t, "1.5", snapStep(1.5, decimal.Zero, false))

	_, err = parseBinanceFilters([]byte(`{"symbols":[]}`), "NOPE")
	assert.Error(t, err)
}

func TestParseBinanceAggTrade(t *testing.T) {
	r := gjson.Parse(`{"e":"aggTrade","a":26129,"p":"0.01633102","q":"4.70443515","T":1709294400000,"m":true}`)
	ev := parseBinanceAggTrade(r)
	assert.Equal(t, "26129", ev.ID)
	assert.Equal(t, SideSell, ev.Side)
	assert.Equal(t, 0.01633102, ev.Price)
	assert.Equal(t, testT0, ev.Time)
}

func TestSplitBinanceOrderID(t *testing.T) {
	sym, id, err := splitBinanceOrderID("BTCUSDT:12345")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", sym)
	assert.Equal(t, "12345", id)

	for _, bad := range []string{"12345", ":1", "BTCUSDT:"} {
		_, _, err := splitBinanceOrderID(bad)
		assert.Error(t, err, bad)
	}
}

func TestBinanceSubmitSignsAndSnaps(t *testing.T) {
	var form string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/exchangeInfo":
			_, _ = io.WriteString(w, bnExchangeInfo)
		case "/api/v3/order":
			assert.Equal(t, "key", r.Header.Get("X-MBX-APIKEY"))
			raw, _ := io.ReadAll(r.Body)
			form = string(raw)
			_, _ = io.WriteString(w, `{"symbol":"BTCUSDT","orderId":12345}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	b := newTestBinance(srv.URL)

	id, err := b.Submit(context.Background(), testPair, SideSell, 100.123, 0.123459)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT:12345", id)

	assert.Contains(t, form, "price=100.13")
	assert.Contains(t, form, "quantity=0.12345")
	assert.Contains(t, form, "side=SELL")
	assert.Contains(t, form, "timeInForce=GTC")

	payload, sig, ok := strings.Cut(form, "&signature=")
	require.True(t, ok)
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte(payload))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), sig)
}

func TestBinanceSubmitRejections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v3/exchangeInfo" {
			_, _ = io.WriteString(w, bnExchangeInfo)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"code":-2010,"msg":"Account has insufficient balance for requested action."}`)
	}))
	defer srv.Close()
	b := newTestBinance(srv.URL)

	_, err := b.Submit(context.Background(), testPair, SideBuy, 100, 0.01) // notional 1 < 5
	assert.ErrorIs(t, err, ErrRejectedOrder)

	_, err = b.Submit(context.Background(), testPair, SideBuy, 100, 1)
	assert.ErrorIs(t, err, ErrRejectedOrder)
	assert.Contains(t, err.Error(), "insufficient balance")
}

func TestBinanceCancelFailureWraps(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"code":-2011,"msg":"Unknown order sent."}`)
	}))
	defer srv.Close()
	b := newTestBinance(srv.URL)

	assert.ErrorIs(t, b.Cancel(context.Background(), "BTCUSDT:1"), ErrCancelFailed)
	assert.ErrorIs(t, b.Cancel(context.Background(), "garbage"), ErrCancelFailed)
}

func TestBinanceBackfillPagesBackward(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// ids 2001..3000 on the first page, 1001..2000 when paging back
		from := 2001
		if r.URL.Query().Get("fromId") != "" {
			from = 1001
		}
		var sb strings.Builder
		sb.WriteString("[")
		for i := 0; i < binanceMaxPage; i++ {
			if i > 0 {
				sb.WriteString(",")
			}
			id := from + i
			sb.WriteString(`{"a":` + strconv.Itoa(id) + `,"p":"100","q":"1","T":` + strconv.Itoa(1709294400000+id) + `,"m":false}`)
		}
		sb.WriteString("]")
		_, _ = io.WriteString(w, sb.String())
	}))
	defer srv.Close()
	b := newTestBinance(srv.URL)

	evs, err := b.Backfill(context.Background(), testPair, 1500)
	require.NoError(t, err)
	require.Len(t, evs, 1500)
	assert.Equal(t, "1501", evs[0].ID)
	assert.Equal(t, "3000", evs[len(evs)-1].ID)
	for i := 1; i < len(evs); i++ {
		require.False(t, evs[i].Time.Before(evs[i-1].Time))
	}
	assert.Equal(t, time.UnixMilli(1709294400000+3000).UTC(), evs[len(evs)-1].Time)
}

func TestBinanceLastTransaction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"id":7,"price":"100.5","qty":"0.2","time":1709294400000,"isBuyer":true}]`)
	}))
	defer srv.Close()

	tx, err := newTestBinance(srv.URL).LastTransaction(context.Background(), testPair)
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.Equal(t, SideBuy, tx.Side)
	assert.Equal(t, 100.5, tx.Rate)
	assert.Equal(t, "7", tx.ID)
}

