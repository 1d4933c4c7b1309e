// FILE: config.go
// Package main – Runtime configuration model and loader.
//
// This file defines the Config struct (all the knobs the bot uses) and a
// helper to populate it from environment variables. The env file is read
// by loadBotEnv() (see env.go), so you can tune behavior without exports.
//
// Typical flow (see main.go):
//   loadBotEnv()
//   cfg, err := loadConfigFromEnv()
package main

// NOTE: venue API credentials stay venue-prefixed (BINANCE_API_KEY/SECRET_KEY,
// HITBTC_API_KEY/SECRET) and are consumed by the venue adapters, not here.

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime knobs for trading and operations.
type Config struct {
	// Venue & markets
	Exchange string // paper | binance | hitbtc
	Pairs    []Pair
	DryRun   bool // real feed, paper execution

	// Allocation & pricing
	CommissionPct   float64
	MarkupPct       float64
	EligibleWallets []string // defaults to the base symbols of Pairs
	AmountPrecision int
	PricePrecision  int

	// Loop control
	OrderTTLSec          int
	ReconcileIntervalSec int
	EvaluateIntervalSec  int
	MaxHistoryCandles    int
	BackfillTrades       int

	// Ops
	Port           int
	TelegramToken  string
	TelegramChatID string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	AuditFile      string

	// Paper helpers
	PaperBalances   map[string]float64
	PaperTape       string
	PaperTapePaceMs int
	PaperStartPrice float64
}

// loadConfigFromEnv reads the process env (already hydrated by loadBotEnv())
// and returns a Config with sane defaults if keys are missing.
func loadConfigFromEnv() (Config, error) {
	cfg := Config{
		Exchange: strings.ToLower(getEnv("EXCHANGE", "paper")),
		DryRun:   getEnvBool("DRY_RUN", true),

		CommissionPct:   getEnvFloat("COMMISSION_PCT", 0.2),
		MarkupPct:       getEnvFloat("MARKUP_PCT", 1.0),
		AmountPrecision: getEnvInt("AMOUNT_PRECISION", 8),
		PricePrecision:  getEnvInt("PRICE_PRECISION", 3),

		OrderTTLSec:          getEnvInt("ORDER_TTL_SEC", 900),
		ReconcileIntervalSec: getEnvInt("RECONCILE_INTERVAL_SEC", 1),
		EvaluateIntervalSec:  getEnvInt("EVALUATE_INTERVAL_SEC", 60),
		MaxHistoryCandles:    getEnvInt("MAX_HISTORY_CANDLES", 1440),
		BackfillTrades:       getEnvInt("BACKFILL_TRADES", 5000),

		Port:           getEnvInt("PORT", 8080),
		TelegramToken:  getEnv("TELEGRAM_TOKEN", ""),
		TelegramChatID: getEnv("TELEGRAM_CHAT_ID", ""),
		RedisAddr:      getEnv("REDIS_ADDR", ""),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisDB:        getEnvInt("REDIS_DB", 0),
		AuditFile:      getEnv("AUDIT_FILE", ""),

		PaperTape:       getEnv("PAPER_TAPE", ""),
		PaperTapePaceMs: getEnvInt("PAPER_TAPE_PACE_MS", 0),
		PaperStartPrice: getEnvFloat("PAPER_START_PRICE", 100),
	}

	for _, raw := range getEnvList("PAIRS", []string{"BTC-USDT"}) {
		p, err := ParsePair(raw)
		if err != nil {
			return Config{}, fmt.Errorf("PAIRS: %w", err)
		}
		cfg.Pairs = append(cfg.Pairs, p)
	}

	cfg.EligibleWallets = getEnvList("ELIGIBLE_WALLETS", nil)
	if len(cfg.EligibleWallets) == 0 {
		for _, p := range cfg.Pairs {
			cfg.EligibleWallets = append(cfg.EligibleWallets, p.Base)
		}
	}
	for i, s := range cfg.EligibleWallets {
		cfg.EligibleWallets[i] = strings.ToUpper(s)
	}

	bals, err := parseBalances(getEnv("PAPER_BALANCES", "USDT:1000"))
	if err != nil {
		return Config{}, fmt.Errorf("PAPER_BALANCES: %w", err)
	}
	cfg.PaperBalances = bals

	switch cfg.Exchange {
	case "paper", "binance", "hitbtc":
	default:
		return Config{}, fmt.Errorf("EXCHANGE %q: want paper|binance|hitbtc", cfg.Exchange)
	}
	if cfg.AmountPrecision < 0 || cfg.PricePrecision < 0 {
		return Config{}, fmt.Errorf("precision must be >= 0")
	}
	if cfg.ReconcileIntervalSec <= 0 {
		cfg.ReconcileIntervalSec = 1
	}
	if cfg.EvaluateIntervalSec <= 0 {
		cfg.EvaluateIntervalSec = 60
	}
	return cfg, nil
}

// parseBalances reads "USDT:1000,BTC:0".
func parseBalances(s string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, it := range strings.Split(s, ",") {
		it = strings.TrimSpace(it)
		if it == "" {
			continue
		}
		sym, amt, ok := strings.Cut(it, ":")
		if !ok {
			return nil, fmt.Errorf("bad balance %q (want SYMBOL:AMOUNT)", it)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(amt), 64)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("bad amount in %q", it)
		}
		out[strings.ToUpper(strings.TrimSpace(sym))] = v
	}
	return out, nil
}

// ---- cfg helpers ----

func (c Config) WalletPolicy() WalletPolicy {
	return WalletPolicy{
		Eligible:        c.EligibleWallets,
		CommissionPct:   c.CommissionPct,
		MarkupPct:       c.MarkupPct,
		AmountPrecision: int32(c.AmountPrecision),
		PricePrecision:  int32(c.PricePrecision),
	}
}

func (c Config) OrderTTL() time.Duration { return time.Duration(c.OrderTTLSec) * time.Second }
func (c Config) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalSec) * time.Second
}
func (c Config) EvaluateInterval() time.Duration {
	return time.Duration(c.EvaluateIntervalSec) * time.Second
}
