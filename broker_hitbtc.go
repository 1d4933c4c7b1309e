// FILE: broker_hitbtc.go
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// HitBTCExchange implements Exchange for HitBTC spot REST v3 and the public
// websocket trades channel.
// Auth: Basic apiKey:secretKey. Symbols: "BTC-USDT" -> "BTCUSDT".
// Order ids are our client_order_id (a dashless uuid), which every order
// endpoint accepts.
type HitBTCExchange struct {
	client    *http.Client
	baseURL   string
	wsURL     string
	apiKey    string
	apiSecret string

	mu        sync.Mutex
	metaCache map[string]hitbtcSymbolMeta
}

type hitbtcSymbolMeta struct {
	Symbol       string
	Base         string
	Quote        string
	QtyIncrement float64 // base quantity step
	TickSize     float64 // price tick size
}

// hitbtcOrder is the order shape shared by /spot/order and /spot/history/order.
type hitbtcOrder struct {
	ID                 json.Number `json:"id"`
	ClientOrderID      string      `json:"client_order_id"`
	Symbol             string      `json:"symbol"`
	Side               string      `json:"side"`
	Status             string      `json:"status"`
	Quantity           string      `json:"quantity"`
	Price              string      `json:"price"`
	QuantityCumulative string      `json:"quantity_cumulative"`
	CreatedAt          string      `json:"created_at"`
}

// ---- construction ----

func NewHitBTCExchangeFromEnv() *HitBTCExchange {
	base := getEnv("HITBTC_API_BASE", "https://api.hitbtc.com/api/3")
	ws := getEnv("HITBTC_WS_BASE", "wss://api.hitbtc.com/api/3/ws/public")
	if getEnvBool("HITBTC_USE_SANDBOX", false) {
		base = "https://api.demo.hitbtc.com/api/3"
		ws = "wss://api.demo.hitbtc.com/api/3/ws/public"
	}
	return &HitBTCExchange{
		client:    &http.Client{Timeout: 15 * time.Second},
		baseURL:   strings.TrimRight(base, "/"),
		wsURL:     ws,
		apiKey:    getEnv("HITBTC_API_KEY", ""),
		apiSecret: getEnv("HITBTC_API_SECRET", ""),
		metaCache: make(map[string]hitbtcSymbolMeta),
	}
}

func (b *HitBTCExchange) Name() string { return "hitbtc" }

// ---- account ----

func (b *HitBTCExchange) Balances(ctx context.Context) (map[string]float64, error) {
	return b.fetchSpotBalances(ctx)
}

// ---- trading ----

func (b *HitBTCExchange) Submit(ctx context.Context, pair Pair, side OrderSide, rate, amount float64) (string, error) {
	symbol := pair.Symbol()
	meta, err := b.resolveSymbolMeta(ctx, symbol)
	if err != nil {
		return "", err
	}
	qty := hbFloorStep(amount, meta.QtyIncrement)
	var price float64
	if side == SideSell {
		price = hbCeilStep(rate, meta.TickSize)
	} else {
		price = hbFloorStep(rate, meta.TickSize)
	}
	if qty <= 0 || price <= 0 {
		return "", fmt.Errorf("hitbtc: qty %g price %g after step rounding: %w", qty, price, ErrRejectedOrder)
	}

	clientID := strings.ReplaceAll(uuid.NewString(), "-", "")
	form := url.Values{}
	form.Set("symbol", symbol)
	form.Set("side", string(side))
	form.Set("type", "limit")
	form.Set("time_in_force", "GTC")
	form.Set("quantity", hbTrimDec(qty))
	form.Set("price", hbTrimDec(price))
	form.Set("client_order_id", clientID)

	resp, data, err := b.doReq(ctx, http.MethodPost, "/spot/order", strings.NewReader(form.Encode()))
	if err != nil {
		if resp != nil && resp.StatusCode < 500 {
			return "", fmt.Errorf("%v: %w", err, ErrRejectedOrder)
		}
		return "", err
	}
	var o hitbtcOrder
	if err := json.Unmarshal(data, &o); err != nil {
		return "", fmt.Errorf("decode order: %w", err)
	}
	return firstNonEmpty(o.ClientOrderID, clientID), nil
}

// ---- orders ----

func (b *HitBTCExchange) ListOpen(ctx context.Context, pair Pair) ([]string, error) {
	_, data, err := b.doReq(ctx, http.MethodGet, "/spot/order?symbol="+url.QueryEscape(pair.Symbol()), nil)
	if err != nil {
		return nil, err
	}
	var arr []hitbtcOrder
	if err := json.Unmarshal(data, &arr); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	ids := make([]string, 0, len(arr))
	for _, o := range arr {
		ids = append(ids, o.ClientOrderID)
	}
	return ids, nil
}

// Info looks the order up among active orders first, then in history.
func (b *HitBTCExchange) Info(ctx context.Context, id string) (*OrderInfo, error) {
	resp, data, err := b.doReq(ctx, http.MethodGet, "/spot/order/"+url.PathEscape(id), nil)
	if err == nil {
		var o hitbtcOrder
		if err := json.Unmarshal(data, &o); err != nil {
			return nil, fmt.Errorf("decode order: %w", err)
		}
		return hitbtcOrderInfo(o), nil
	}
	if resp == nil || resp.StatusCode >= 500 {
		return nil, err
	}

	_, data, err = b.doReq(ctx, http.MethodGet, "/spot/history/order?client_order_id="+url.QueryEscape(id), nil)
	if err != nil {
		return nil, err
	}
	var arr []hitbtcOrder
	if err := json.Unmarshal(data, &arr); err != nil {
		return nil, fmt.Errorf("decode order history: %w", err)
	}
	if len(arr) == 0 {
		return nil, fmt.Errorf("hitbtc: order %s not found", id)
	}
	return hitbtcOrderInfo(arr[0]), nil
}

func hitbtcOrderInfo(o hitbtcOrder) *OrderInfo {
	qty, _ := hbParseDec(o.Quantity)
	price, _ := hbParseDec(o.Price)
	cum, _ := hbParseDec(o.QuantityCumulative)
	created, _ := time.Parse(time.RFC3339, o.CreatedAt)
	info := &OrderInfo{
		ID:           firstNonEmpty(o.ClientOrderID, o.ID.String()),
		Pair:         o.Symbol,
		Side:         OrderSide(strings.ToLower(o.Side)),
		Rate:         price,
		Amount:       qty,
		FilledAmount: cum,
		CreatedAt:    created.UTC(),
	}
	switch o.Status {
	case "new", "suspended", "partiallyFilled":
		info.Status = StatusOpen
	case "filled":
		info.Status = StatusFilled
	default: // canceled, expired
		if cum > 0 {
			info.Status = StatusPartiallyFilled
		} else {
			info.Status = StatusCancelled
		}
	}
	return info
}

func (b *HitBTCExchange) Cancel(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("hitbtc: empty order id: %w", ErrCancelFailed)
	}
	if _, _, err := b.doReq(ctx, http.MethodDelete, "/spot/order/"+url.PathEscape(id), nil); err != nil {
		return fmt.Errorf("%v: %w", err, ErrCancelFailed)
	}
	return nil
}

// ---- history ----

func (b *HitBTCExchange) LastTransaction(ctx context.Context, pair Pair) (*Transaction, error) {
	q := url.Values{}
	q.Set("symbol", pair.Symbol())
	q.Set("limit", "1")
	q.Set("sort", "DESC")
	_, data, err := b.doReq(ctx, http.MethodGet, "/spot/history/trade?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var arr []struct {
		ID        json.Number `json:"id"`
		Side      string      `json:"side"`
		Quantity  string      `json:"quantity"`
		Price     string      `json:"price"`
		Timestamp string      `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &arr); err != nil {
		return nil, fmt.Errorf("decode trade history: %w", err)
	}
	if len(arr) == 0 {
		return nil, nil
	}
	t := arr[0]
	rate, _ := hbParseDec(t.Price)
	amount, _ := hbParseDec(t.Quantity)
	ts, _ := time.Parse(time.RFC3339, t.Timestamp)
	return &Transaction{
		ID:     t.ID.String(),
		Side:   OrderSide(strings.ToLower(t.Side)),
		Rate:   rate,
		Amount: amount,
		Time:   ts.UTC(),
	}, nil
}

// ---- feed ----

type hitbtcPublicTrade struct {
	ID        json.Number `json:"id"`
	Price     string      `json:"price"`
	Qty       string      `json:"qty"`
	Side      string      `json:"side"`
	Timestamp string      `json:"timestamp"`
}

// Backfill pages /public/trades backwards by id and returns oldest first.
func (b *HitBTCExchange) Backfill(ctx context.Context, pair Pair, limit int) ([]TradeEvent, error) {
	var out []TradeEvent
	till := int64(-1)
	for len(out) < limit {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(min(limit-len(out), 1000)))
		q.Set("sort", "DESC")
		if till >= 0 {
			q.Set("by", "id")
			q.Set("till", strconv.FormatInt(till, 10))
		}
		_, data, err := b.doReq(ctx, http.MethodGet, "/public/trades/"+pair.Symbol()+"?"+q.Encode(), nil)
		if err != nil {
			if len(out) > 0 {
				log.Printf("[BOOT] %s: backfill stopped after %d trades: %v", pair, len(out), err)
				break
			}
			return nil, err
		}
		var arr []hitbtcPublicTrade
		if err := json.Unmarshal(data, &arr); err != nil {
			return nil, fmt.Errorf("decode trades: %w", err)
		}
		if len(arr) == 0 {
			break
		}
		for _, t := range arr {
			price, _ := hbParseDec(t.Price)
			qty, _ := hbParseDec(t.Qty)
			ts, _ := time.Parse(time.RFC3339, t.Timestamp)
			out = append(out, TradeEvent{
				Trade: Trade{ID: t.ID.String(), Side: OrderSide(strings.ToLower(t.Side)), Price: price, Amount: qty},
				Time:  ts.UTC(),
			})
		}
		oldest, err := arr[len(arr)-1].ID.Int64()
		if err != nil || oldest <= 0 {
			break
		}
		till = oldest - 1
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

// Subscribe streams the public trades channel, reconnecting with backoff.
func (b *HitBTCExchange) Subscribe(ctx context.Context, pair Pair, handler TradeHandler) (Token, error) {
	ctx, cancel := context.WithCancel(ctx)
	go newFeedLoop("hitbtc "+pair.String()).run(ctx, func(ctx context.Context, h TradeHandler) error {
		return b.readTrades(ctx, pair.Symbol(), h)
	}, handler)
	return &cancelToken{cancel: cancel}, nil
}

func (b *HitBTCExchange) readTrades(ctx context.Context, symbol string, handler TradeHandler) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	sub := map[string]any{
		"method": "subscribe",
		"ch":     "trades",
		"params": map[string]any{"symbols": []string{symbol}, "limit": 0},
		"id":     1,
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		for _, ev := range parseHitBTCTrades(msg, symbol) {
			handler(ev)
		}
	}
}

// parseHitBTCTrades extracts trades for symbol from a snapshot or update
// notification; anything else yields nil.
func parseHitBTCTrades(msg []byte, symbol string) []TradeEvent {
	r := gjson.ParseBytes(msg)
	if e := r.Get("error"); e.Exists() {
		log.Printf("[FEED] hitbtc: %s", e.Raw)
		return nil
	}
	items := r.Get("update." + symbol)
	if !items.Exists() {
		items = r.Get("snapshot." + symbol)
	}
	var out []TradeEvent
	for _, t := range items.Array() {
		out = append(out, TradeEvent{
			Trade: Trade{
				ID:     t.Get("i").String(),
				Side:   OrderSide(strings.ToLower(t.Get("s").String())),
				Price:  t.Get("p").Float(),
				Amount: t.Get("q").Float(),
			},
			Time: time.UnixMilli(t.Get("t").Int()).UTC(),
		})
	}
	return out
}

// ---- internal HTTP helpers ----

func (b *HitBTCExchange) doReq(ctx context.Context, method, path string, body io.Reader) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return nil, nil, err
	}
	if b.apiKey != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(b.apiKey + ":" + b.apiSecret))
		req.Header.Set("Authorization", "Basic "+cred)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return resp, data, fmt.Errorf("hitbtc %s %s: %s", method, path, string(data))
	}
	return resp, data, nil
}

// ---- symbol & balances ----

func (b *HitBTCExchange) resolveSymbolMeta(ctx context.Context, symbol string) (hitbtcSymbolMeta, error) {
	b.mu.Lock()
	m, ok := b.metaCache[symbol]
	b.mu.Unlock()
	if ok {
		return m, nil
	}
	_, data, err := b.doReq(ctx, http.MethodGet, "/public/symbol/"+symbol, nil)
	if err != nil {
		return hitbtcSymbolMeta{}, err
	}
	var s struct {
		BaseCurrency      string `json:"base_currency"`
		QuoteCurrency     string `json:"quote_currency"`
		QuantityIncrement string `json:"quantity_increment"`
		TickSize          string `json:"tick_size"`
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return hitbtcSymbolMeta{}, fmt.Errorf("decode symbol meta: %w", err)
	}
	qtyInc, _ := strconv.ParseFloat(s.QuantityIncrement, 64)
	tick, _ := strconv.ParseFloat(s.TickSize, 64)
	meta := hitbtcSymbolMeta{
		Symbol:       symbol,
		Base:         strings.ToUpper(s.BaseCurrency),
		Quote:        strings.ToUpper(s.QuoteCurrency),
		QtyIncrement: qtyInc,
		TickSize:     tick,
	}
	b.mu.Lock()
	b.metaCache[symbol] = meta
	b.mu.Unlock()
	return meta, nil
}

func (b *HitBTCExchange) fetchSpotBalances(ctx context.Context) (map[string]float64, error) {
	if b.apiKey == "" || b.apiSecret == "" {
		return nil, errors.New("HITBTC_API_KEY/SECRET not set")
	}
	_, data, err := b.doReq(ctx, http.MethodGet, "/spot/balance", nil)
	if err != nil {
		return nil, err
	}
	var arr []struct {
		Currency  string `json:"currency"`
		Available string `json:"available"`
	}
	if err := json.Unmarshal(data, &arr); err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(arr))
	for _, it := range arr {
		v, _ := strconv.ParseFloat(it.Available, 64)
		out[strings.ToUpper(it.Currency)] = v
	}
	return out, nil
}

// ---- small utils ----

func hbParseDec(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty")
	}
	return strconv.ParseFloat(s, 64)
}

func hbTrimDec(f float64) string {
	s := strconv.FormatFloat(f, 'f', 12, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimRight(s, ".")
	if s == "" {
		return "0"
	}
	return s
}

func hbFloorStep(x, step float64) float64 {
	if step <= 0 {
		return x
	}
	return math.Floor(x/step+1e-9) * step
}

func hbCeilStep(x, step float64) float64 {
	if step <= 0 {
		return x
	}
	return math.Ceil(x/step-1e-9) * step
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
