// FILE: broker_binance.go
// Package main – Binance Spot exchange (direct REST/HMAC + aggTrade stream).
//
// - Pair "BTC-USDT" maps to symbol "BTCUSDT".
// - Orders are GTC limit orders; quantity/price snap to LOT_SIZE/PRICE_FILTER
//   from /api/v3/exchangeInfo (buys round the price down, sells up).
// - Order ids are returned as "SYMBOL:orderId" because order lookups need the symbol.
// - Trades come from /api/v3/aggTrades (backfill, paged backwards with fromId)
//   and the <symbol>@aggTrade stream, so ids line up for de-duplication.
//
// Env:
//   BINANCE_API_KEY=<key>
//   BINANCE_SECRET_KEY=<secret>   (BINANCE_API_SECRET also accepted)
// Optional:
//   BINANCE_API_BASE=https://api.binance.com
//   BINANCE_WS_BASE=wss://stream.binance.com:9443/ws
//   BINANCE_RECV_WINDOW_MS=5000
//
// Keys may be empty when only the public feed is used (DRY_RUN).

package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"
)

const (
	binanceMaxPage     = 1000
	binanceHTTPTimeout = 10 * time.Second
)

type BinanceExchange struct {
	client     *fasthttp.Client
	apiKey     string
	apiSecret  string
	baseURL    string
	wsURL      string
	recvWindow int64

	mu      sync.Mutex
	filters map[string]*bnSymbol
}

type bnSymbol struct {
	symbol      string
	baseStep    decimal.Decimal // LOT_SIZE.stepSize
	tickSize    decimal.Decimal // PRICE_FILTER.tickSize
	minNotional float64         // MIN_NOTIONAL / NOTIONAL
}

// binanceAPIError is a non-2xx answer from the REST API.
type binanceAPIError struct {
	Status int
	Code   int64
	Msg    string
}

func (e *binanceAPIError) Error() string {
	return fmt.Sprintf("binance: http %d code %d: %s", e.Status, e.Code, e.Msg)
}

func NewBinanceExchangeFromEnv() *BinanceExchange {
	secret := getEnv("BINANCE_SECRET_KEY", getEnv("BINANCE_API_SECRET", ""))
	return &BinanceExchange{
		client:     &fasthttp.Client{Name: "dipwatch"},
		apiKey:     getEnv("BINANCE_API_KEY", ""),
		apiSecret:  secret,
		baseURL:    strings.TrimRight(getEnv("BINANCE_API_BASE", "https://api.binance.com"), "/"),
		wsURL:      strings.TrimRight(getEnv("BINANCE_WS_BASE", "wss://stream.binance.com:9443/ws"), "/"),
		recvWindow: int64(getEnvInt("BINANCE_RECV_WINDOW_MS", 5000)),
		filters:    map[string]*bnSymbol{},
	}
}

func (b *BinanceExchange) Name() string { return "binance" }

// ----- transport -----

func (b *BinanceExchange) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(b.apiSecret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (b *BinanceExchange) do(ctx context.Context, method, path string, q url.Values, signed bool) ([]byte, error) {
	if q == nil {
		q = url.Values{}
	}
	payload := ""
	if signed {
		if b.apiKey == "" || b.apiSecret == "" {
			return nil, errors.New("binance: BINANCE_API_KEY/BINANCE_SECRET_KEY not set")
		}
		q.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		if b.recvWindow > 0 {
			q.Set("recvWindow", strconv.FormatInt(b.recvWindow, 10))
		}
		payload = q.Encode()
		payload += "&signature=" + b.sign(payload)
	} else {
		payload = q.Encode()
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(method)
	if method == fasthttp.MethodPost {
		req.SetRequestURI(b.baseURL + path)
		req.Header.SetContentType("application/x-www-form-urlencoded")
		req.SetBodyString(payload)
	} else {
		uri := b.baseURL + path
		if payload != "" {
			uri += "?" + payload
		}
		req.SetRequestURI(uri)
	}
	if b.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", b.apiKey)
	}

	timeout := binanceHTTPTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if err := b.client.DoTimeout(req, resp, timeout); err != nil {
		return nil, fmt.Errorf("binance %s %s: %w", method, path, err)
	}
	body := append([]byte(nil), resp.Body()...)
	if resp.StatusCode()/100 != 2 {
		return nil, &binanceAPIError{
			Status: resp.StatusCode(),
			Code:   gjson.GetBytes(body, "code").Int(),
			Msg:    gjson.GetBytes(body, "msg").String(),
		}
	}
	return body, nil
}

func (b *BinanceExchange) ensureSymbol(ctx context.Context, symbol string) (*bnSymbol, error) {
	b.mu.Lock()
	s, ok := b.filters[symbol]
	b.mu.Unlock()
	if ok {
		return s, nil
	}
	q := url.Values{}
	q.Set("symbol", symbol)
	body, err := b.do(ctx, fasthttp.MethodGet, "/api/v3/exchangeInfo", q, false)
	if err != nil {
		return nil, err
	}
	s, err = parseBinanceFilters(body, symbol)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.filters[symbol] = s
	b.mu.Unlock()
	return s, nil
}

func parseBinanceFilters(body []byte, symbol string) (*bnSymbol, error) {
	sym := gjson.GetBytes(body, "symbols.0")
	if !sym.Exists() {
		return nil, fmt.Errorf("binance: exchangeInfo: symbol %s not found", symbol)
	}
	s := &bnSymbol{symbol: sym.Get("symbol").String()}
	for _, f := range sym.Get("filters").Array() {
		switch f.Get("filterType").String() {
		case "LOT_SIZE":
			s.baseStep, _ = decimal.NewFromString(f.Get("stepSize").String())
		case "PRICE_FILTER":
			s.tickSize, _ = decimal.NewFromString(f.Get("tickSize").String())
		case "MIN_NOTIONAL", "NOTIONAL":
			s.minNotional = f.Get("minNotional").Float()
		}
	}
	return s, nil
}

// snapStep rounds v to a multiple of step (down, or up when up is set) and
// formats it for the wire. A zero step leaves v untouched.
func snapStep(v float64, step decimal.Decimal, up bool) string {
	d := decimal.NewFromFloat(v)
	if step.Sign() <= 0 {
		return d.String()
	}
	n := d.Div(step)
	if up {
		n = n.Ceil()
	} else {
		n = n.Floor()
	}
	return n.Mul(step).String()
}

// ----- account -----

func (b *BinanceExchange) Balances(ctx context.Context) (map[string]float64, error) {
	body, err := b.do(ctx, fasthttp.MethodGet, "/api/v3/account", nil, true)
	if err != nil {
		return nil, err
	}
	out := map[string]float64{}
	for _, it := range gjson.GetBytes(body, "balances").Array() {
		out[strings.ToUpper(it.Get("asset").String())] = it.Get("free").Float()
	}
	return out, nil
}

// ----- trading -----

func (b *BinanceExchange) Submit(ctx context.Context, pair Pair, side OrderSide, rate, amount float64) (string, error) {
	symbol := pair.Symbol()
	f, err := b.ensureSymbol(ctx, symbol)
	if err != nil {
		return "", err
	}
	qty := snapStep(amount, f.baseStep, false)
	price := snapStep(rate, f.tickSize, side == SideSell)
	if q, _ := strconv.ParseFloat(qty, 64); q <= 0 {
		return "", fmt.Errorf("binance: quantity %s after step snap: %w", qty, ErrRejectedOrder)
	} else if f.minNotional > 0 && q*rate < f.minNotional {
		return "", fmt.Errorf("binance: notional %.8g below %.8g: %w", q*rate, f.minNotional, ErrRejectedOrder)
	}

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("side", strings.ToUpper(string(side)))
	q.Set("type", "LIMIT")
	q.Set("timeInForce", "GTC")
	q.Set("quantity", qty)
	q.Set("price", price)
	q.Set("newClientOrderId", uuid.NewString())
	body, err := b.do(ctx, fasthttp.MethodPost, "/api/v3/order", q, true)
	if err != nil {
		var apiErr *binanceAPIError
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("%v: %w", apiErr, ErrRejectedOrder)
		}
		return "", err
	}
	orderID := gjson.GetBytes(body, "orderId")
	if !orderID.Exists() {
		return "", fmt.Errorf("binance: order response without orderId: %s", body)
	}
	return symbol + ":" + orderID.String(), nil
}

// ----- orders -----

func (b *BinanceExchange) ListOpen(ctx context.Context, pair Pair) ([]string, error) {
	q := url.Values{}
	q.Set("symbol", pair.Symbol())
	body, err := b.do(ctx, fasthttp.MethodGet, "/api/v3/openOrders", q, true)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, o := range gjson.ParseBytes(body).Array() {
		ids = append(ids, pair.Symbol()+":"+o.Get("orderId").String())
	}
	return ids, nil
}

func splitBinanceOrderID(id string) (symbol, orderID string, err error) {
	symbol, orderID, ok := strings.Cut(id, ":")
	if !ok || symbol == "" || orderID == "" {
		return "", "", fmt.Errorf("binance: bad order id %q (want SYMBOL:orderId)", id)
	}
	return symbol, orderID, nil
}

func (b *BinanceExchange) Info(ctx context.Context, id string) (*OrderInfo, error) {
	symbol, orderID, err := splitBinanceOrderID(id)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("orderId", orderID)
	body, err := b.do(ctx, fasthttp.MethodGet, "/api/v3/order", q, true)
	if err != nil {
		return nil, err
	}
	info := parseBinanceOrder(body)
	info.ID = id
	return info, nil
}

// parseBinanceOrder maps a /api/v3/order payload to OrderInfo.
func parseBinanceOrder(body []byte) *OrderInfo {
	o := gjson.ParseBytes(body)
	executed := o.Get("executedQty").Float()
	info := &OrderInfo{
		Pair:         o.Get("symbol").String(),
		Side:         OrderSide(strings.ToLower(o.Get("side").String())),
		Rate:         o.Get("price").Float(),
		Amount:       o.Get("origQty").Float(),
		FilledAmount: executed,
		CreatedAt:    time.UnixMilli(o.Get("time").Int()).UTC(),
	}
	if cum := o.Get("cummulativeQuoteQty").Float(); executed > 0 && cum > 0 {
		info.Rate = cum / executed
	}
	switch o.Get("status").String() {
	case "NEW", "PARTIALLY_FILLED", "PENDING_NEW":
		info.Status = StatusOpen
	case "FILLED":
		info.Status = StatusFilled
	default: // CANCELED, EXPIRED, REJECTED, EXPIRED_IN_MATCH, PENDING_CANCEL
		if executed > 0 {
			info.Status = StatusPartiallyFilled
		} else {
			info.Status = StatusCancelled
		}
	}
	return info
}

func (b *BinanceExchange) Cancel(ctx context.Context, id string) error {
	symbol, orderID, err := splitBinanceOrderID(id)
	if err != nil {
		return fmt.Errorf("%v: %w", err, ErrCancelFailed)
	}
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("orderId", orderID)
	if _, err := b.do(ctx, fasthttp.MethodDelete, "/api/v3/order", q, true); err != nil {
		return fmt.Errorf("%v: %w", err, ErrCancelFailed)
	}
	return nil
}

// ----- history -----

func (b *BinanceExchange) LastTransaction(ctx context.Context, pair Pair) (*Transaction, error) {
	q := url.Values{}
	q.Set("symbol", pair.Symbol())
	q.Set("limit", "1")
	body, err := b.do(ctx, fasthttp.MethodGet, "/api/v3/myTrades", q, true)
	if err != nil {
		return nil, err
	}
	arr := gjson.ParseBytes(body).Array()
	if len(arr) == 0 {
		return nil, nil
	}
	t := arr[len(arr)-1]
	side := SideSell
	if t.Get("isBuyer").Bool() {
		side = SideBuy
	}
	return &Transaction{
		ID:     t.Get("id").String(),
		Side:   side,
		Rate:   t.Get("price").Float(),
		Amount: t.Get("qty").Float(),
		Time:   time.UnixMilli(t.Get("time").Int()).UTC(),
	}, nil
}

// ----- feed -----

// parseBinanceAggTrade reads one aggTrade from REST or stream; both use the
// same short keys.
func parseBinanceAggTrade(r gjson.Result) TradeEvent {
	side := SideBuy
	if r.Get("m").Bool() { // buyer is maker: the aggressor sold
		side = SideSell
	}
	return TradeEvent{
		Trade: Trade{
			ID:     r.Get("a").String(),
			Side:   side,
			Price:  r.Get("p").Float(),
			Amount: r.Get("q").Float(),
		},
		Time: time.UnixMilli(r.Get("T").Int()).UTC(),
	}
}

// Backfill returns up to limit most recent trades, oldest first.
func (b *BinanceExchange) Backfill(ctx context.Context, pair Pair, limit int) ([]TradeEvent, error) {
	if limit <= 0 {
		return nil, nil
	}
	var pages [][]TradeEvent
	got := 0
	var oldest int64 = -1
	for got < limit {
		q := url.Values{}
		q.Set("symbol", pair.Symbol())
		q.Set("limit", strconv.Itoa(binanceMaxPage))
		if oldest >= 0 {
			if oldest == 0 {
				break
			}
			q.Set("fromId", strconv.FormatInt(max(oldest-binanceMaxPage, 0), 10))
		}
		body, err := b.do(ctx, fasthttp.MethodGet, "/api/v3/aggTrades", q, false)
		if err != nil {
			if got > 0 {
				log.Printf("[BOOT] %s: backfill stopped after %d trades: %v", pair, got, err)
				break
			}
			return nil, err
		}
		var page []TradeEvent
		for _, r := range gjson.ParseBytes(body).Array() {
			if oldest >= 0 && r.Get("a").Int() >= oldest {
				continue
			}
			page = append(page, parseBinanceAggTrade(r))
		}
		if len(page) == 0 {
			break
		}
		oldest, _ = strconv.ParseInt(page[0].ID, 10, 64)
		pages = append(pages, page)
		got += len(page)
	}

	out := make([]TradeEvent, 0, got)
	for i := len(pages) - 1; i >= 0; i-- {
		out = append(out, pages[i]...)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Subscribe streams aggTrades, reconnecting with exponential backoff.
func (b *BinanceExchange) Subscribe(ctx context.Context, pair Pair, handler TradeHandler) (Token, error) {
	ctx, cancel := context.WithCancel(ctx)
	u := b.wsURL + "/" + strings.ToLower(pair.Symbol()) + "@aggTrade"
	loop := newFeedLoop("binance " + pair.String())
	go loop.run(ctx, func(ctx context.Context, h TradeHandler) error {
		return b.readStream(ctx, u, h)
	}, handler)
	return &cancelToken{cancel: cancel}, nil
}

func (b *BinanceExchange) readStream(ctx context.Context, u string, handler TradeHandler) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	})
	defer stop()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		r := gjson.ParseBytes(msg)
		if r.Get("e").String() != "aggTrade" {
			continue
		}
		handler(parseBinanceAggTrade(r))
	}
}
