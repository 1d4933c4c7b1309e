// FILE: main.go
// Package main – Program entrypoint and HTTP status server.
//
// Boot sequence:
//   1) loadBotEnv()                – read the env file (no shell exports required)
//   2) cfg := loadConfigFromEnv()  – build runtime Config
//   3) wire exchange / notifier / audit
//   4) start gin status server (/healthz, /metrics, /status) on cfg.Port
//   5) run every pair until SIGINT/SIGTERM
//
// Flags:
//   -tape <csv>       Replay a recorded trade tape on the paper exchange
//   -pairs BTC-USDT   Override PAIRS
//
// Example:
//   go run . -tape trades.csv -pairs ETH-USDT
//
// Notes:
//   - EXCHANGE=paper needs no credentials.
//   - EXCHANGE=binance|hitbtc with DRY_RUN=true streams the real tape but
//     fills orders on the paper exchange.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
)

func main() {
	// ---- Flags ----
	var tapePath, pairs string
	flag.StringVar(&tapePath, "tape", "", "CSV trade tape for the paper exchange (time,price,amount[,side,id,pair])")
	flag.StringVar(&pairs, "pairs", "", "Comma-separated pairs, overrides PAIRS")
	flag.Parse()

	// ---- Environment & Config ----
	loadBotEnv()
	if tapePath != "" {
		os.Setenv("PAPER_TAPE", tapePath)
	}
	if pairs != "" {
		os.Setenv("PAIRS", pairs)
	}
	cfg, err := loadConfigFromEnv()
	if err != nil {
		log.Fatalf("[BOOT] config: %v", err)
	}

	ex, err := buildExchange(cfg)
	if err != nil {
		log.Fatalf("[BOOT] exchange: %v", err)
	}
	log.Printf("[BOOT] exchange=%s dry_run=%v pairs=%v commission=%.3f%% markup=%.3f%% ttl=%s",
		ex.Name(), cfg.DryRun, cfg.Pairs, cfg.CommissionPct, cfg.MarkupPct, cfg.OrderTTL())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	notifier, notifyWorker := buildNotifier(cfg)
	if notifyWorker != nil {
		go notifyWorker(ctx)
	}
	audit, closeAudit := buildAudit(cfg)
	defer closeAudit()

	sched := NewScheduler(cfg, ex, notifier, audit)

	// ---- HTTP status/metrics ----
	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           newStatusRouter(sched, audit, ex.Name()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("[BOOT] serving status on :%d (/healthz /metrics /status)", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	// ---- Run ----
	if err := sched.Run(ctx); err != nil {
		log.Printf("[BOOT] scheduler: %v", err)
	}

	// ---- Graceful shutdown for HTTP server ----
	shutdownCtx, c := context.WithTimeout(context.Background(), 2*time.Second)
	defer c()
	_ = srv.Shutdown(shutdownCtx)
	log.Printf("[BOOT] stopped")
}

// buildExchange picks the venue. Real venues run behind the paper exchange
// when DRY_RUN is set.
func buildExchange(cfg Config) (Exchange, error) {
	paper := func() (*PaperExchange, error) {
		p := NewPaperExchange(cfg.PaperBalances, cfg.CommissionPct).WithStartPrice(cfg.PaperStartPrice)
		if cfg.PaperTape != "" {
			rows, err := loadTradeTape(cfg.PaperTape)
			if err != nil {
				return nil, fmt.Errorf("tape %s: %w", cfg.PaperTape, err)
			}
			log.Printf("[BOOT] loaded %d tape trades from %s", len(rows), cfg.PaperTape)
			p.WithTape(rows, time.Duration(cfg.PaperTapePaceMs)*time.Millisecond)
		}
		return p, nil
	}

	var venue Exchange
	switch cfg.Exchange {
	case "paper":
		p, err := paper()
		if err != nil {
			return nil, err
		}
		return p, nil
	case "binance":
		venue = NewBinanceExchangeFromEnv()
	case "hitbtc":
		venue = NewHitBTCExchangeFromEnv()
	default:
		return nil, fmt.Errorf("unknown exchange %q", cfg.Exchange)
	}
	if !cfg.DryRun {
		return venue, nil
	}
	p, err := paper()
	if err != nil {
		return nil, err
	}
	return p.WithFeed(venue), nil
}
