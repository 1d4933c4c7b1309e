// FILE: notify.go
// Package main – Operator notifications.
//
// asyncNotifier decouples delivery from the pair lanes: Send enqueues and
// returns immediately, a single goroutine delivers, and a full queue drops the
// message with a log line. Delivery errors are logged and swallowed.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"
)

// logNotifier only logs. Used when no Telegram token is configured.
type logNotifier struct{}

func (logNotifier) Send(text string) { log.Printf("[NOTIFY] %s", text) }

// messageSender delivers one message synchronously.
type messageSender interface {
	SendMessage(ctx context.Context, text string) error
}

type asyncNotifier struct {
	sender  messageSender
	queue   chan string
	timeout time.Duration
	done    chan struct{}
}

func newAsyncNotifier(sender messageSender, buf int) *asyncNotifier {
	if buf <= 0 {
		buf = 64
	}
	return &asyncNotifier{
		sender:  sender,
		queue:   make(chan string, buf),
		timeout: 10 * time.Second,
		done:    make(chan struct{}),
	}
}

func (n *asyncNotifier) Send(text string) {
	select {
	case n.queue <- text:
	default:
		log.Printf("[NOTIFY] queue full, dropped: %s", text)
	}
}

// Run delivers queued messages until ctx is done.
func (n *asyncNotifier) Run(ctx context.Context) {
	defer close(n.done)
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-n.queue:
			sctx, cancel := context.WithTimeout(ctx, n.timeout)
			if err := n.sender.SendMessage(sctx, text); err != nil {
				log.Printf("[NOTIFY] delivery failed: %v", err)
			}
			cancel()
		}
	}
}

// ---- telegram ----

const telegramAPI = "https://api.telegram.org"

type telegramSender struct {
	client  *fasthttp.Client
	baseURL string
	token   string
	chatID  string
}

func newTelegramSender(token, chatID string) *telegramSender {
	return &telegramSender{
		client:  &fasthttp.Client{Name: "dipwatch"},
		baseURL: telegramAPI,
		token:   token,
		chatID:  chatID,
	}
}

func (t *telegramSender) SendMessage(ctx context.Context, text string) error {
	body, err := json.Marshal(map[string]string{"chat_id": t.chatID, "text": text})
	if err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(t.baseURL + "/bot" + t.token + "/sendMessage")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	timeout := 10 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if err := t.client.DoTimeout(req, resp, timeout); err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	res := gjson.ParseBytes(resp.Body())
	if !res.Get("ok").Bool() {
		return fmt.Errorf("telegram: status %d: %s", resp.StatusCode(), res.Get("description").String())
	}
	return nil
}

// buildNotifier returns the notifier for cfg and, for async delivery, the
// worker to start.
func buildNotifier(cfg Config) (Notifier, func(context.Context)) {
	if cfg.TelegramToken == "" || cfg.TelegramChatID == "" {
		return logNotifier{}, nil
	}
	an := newAsyncNotifier(newTelegramSender(cfg.TelegramToken, cfg.TelegramChatID), 64)
	return teeNotifier{logNotifier{}, an}, an.Run
}

// teeNotifier sends every message to each notifier in order.
type teeNotifier []Notifier

func (t teeNotifier) Send(text string) {
	for _, n := range t {
		n.Send(text)
	}
}
