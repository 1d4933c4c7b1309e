// FILE: audit.go
// Package main – Append-only audit trail of task and order lifecycle events.
//
// Sinks:
//   • fileAudit  – JSON lines appended to AUDIT_FILE
//   • redisAudit – RPUSH onto dipwatch:audit:<pair>, capped with LTRIM
//   • multiAudit – fan-out to several sinks
//
// Audit is observational only; a failing sink is logged by the caller and
// never changes a trading decision.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type AuditEvent struct {
	Time    time.Time `json:"time"`
	Pair    string    `json:"pair"`
	Kind    string    `json:"kind"` // task_created|task_abandoned|order_submitted|order_filled|order_partial|order_cancelled|order_closed
	TaskID  string    `json:"task_id,omitempty"`
	OrderID string    `json:"order_id,omitempty"`
	Side    OrderSide `json:"side,omitempty"`
	Rate    float64   `json:"rate,omitempty"`
	Amount  float64   `json:"amount,omitempty"`
	Income  float64   `json:"income,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

type AuditSink interface {
	Record(ctx context.Context, ev AuditEvent) error
}

type nopAudit struct{}

func (nopAudit) Record(context.Context, AuditEvent) error { return nil }

// ---- file ----

type fileAudit struct {
	mu   sync.Mutex
	path string
}

func newFileAudit(path string) (*fileAudit, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("audit dir: %w", err)
		}
	}
	return &fileAudit{path: path}, nil
}

func (a *fileAudit) Record(_ context.Context, ev AuditEvent) error {
	bs, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(bs, '\n'))
	return err
}

// ---- redis ----

const (
	redisAuditPrefix  = "dipwatch:audit:"
	redisAuditKeep    = 5000
	redisAuditTimeout = 2 * time.Second
)

type redisAudit struct {
	client *redis.Client
	keep   int64
}

// newRedisAudit connects and pings; the caller decides whether a failure is fatal.
func newRedisAudit(addr, password string, db int) (*redisAudit, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     4,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s: %w", addr, err)
	}
	log.Printf("[AUDIT] redis connected at %s (db %d)", addr, db)
	return &redisAudit{client: client, keep: redisAuditKeep}, nil
}

func (a *redisAudit) Record(ctx context.Context, ev AuditEvent) error {
	bs, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, redisAuditTimeout)
	defer cancel()
	key := redisAuditPrefix + ev.Pair
	pipe := a.client.Pipeline()
	pipe.RPush(ctx, key, bs)
	pipe.LTrim(ctx, key, -a.keep, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis audit: %w", err)
	}
	return nil
}

// Recent returns up to n newest events for pair, oldest first.
func (a *redisAudit) Recent(ctx context.Context, pair string, n int64) ([]AuditEvent, error) {
	raw, err := a.client.LRange(ctx, redisAuditPrefix+pair, -n, -1).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis audit: %w", err)
	}
	out := make([]AuditEvent, 0, len(raw))
	for _, s := range raw {
		var ev AuditEvent
		if json.Unmarshal([]byte(s), &ev) == nil {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (a *redisAudit) Close() error { return a.client.Close() }

// ---- fan-out ----

type multiAudit []AuditSink

func (m multiAudit) Record(ctx context.Context, ev AuditEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// buildAudit wires the sinks enabled in cfg. Unavailable sinks are logged and skipped.
func buildAudit(cfg Config) (AuditSink, func()) {
	var sinks multiAudit
	closers := []func(){}
	if cfg.AuditFile != "" {
		if fa, err := newFileAudit(cfg.AuditFile); err != nil {
			log.Printf("[AUDIT] file disabled: %v", err)
		} else {
			sinks = append(sinks, fa)
		}
	}
	if cfg.RedisAddr != "" {
		if ra, err := newRedisAudit(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB); err != nil {
			log.Printf("[AUDIT] redis disabled: %v", err)
		} else {
			sinks = append(sinks, ra)
			closers = append(closers, func() { _ = ra.Close() })
		}
	}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	switch len(sinks) {
	case 0:
		return nopAudit{}, closeAll
	case 1:
		return sinks[0], closeAll
	default:
		return sinks, closeAll
	}
}
