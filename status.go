// FILE: status.go
// Package main – HTTP status surface (gin).
//
//   GET /healthz          → "ok"
//   GET /metrics          → Prometheus exposition
//   GET /status           → snapshot of every pair
//   GET /status/:pair     → snapshot of one pair (BTC-USDT, BTC_USDT, BTC/USDT)
//   GET /audit/:pair?n=50 → newest audit events (only with a Redis audit sink)
//
// Snapshots are taken on each pair's lane, so a reply reflects a state
// between two applied events.
package main

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const statusTimeout = 3 * time.Second

// snapshotSource is what the status routes read from; *Scheduler implements it.
type snapshotSource interface {
	Snapshots(ctx context.Context) ([]PairSnapshot, error)
	Snapshot(ctx context.Context, name string) (PairSnapshot, bool, error)
}

// auditHistory is implemented by sinks that can be read back.
type auditHistory interface {
	Recent(ctx context.Context, pair string, n int64) ([]AuditEvent, error)
}

// findAuditHistory returns the first readable sink in audit, if any.
func findAuditHistory(audit AuditSink) auditHistory {
	switch a := audit.(type) {
	case auditHistory:
		return a
	case multiAudit:
		for _, s := range a {
			if h := findAuditHistory(s); h != nil {
				return h
			}
		}
	}
	return nil
}

func newStatusRouter(src snapshotSource, audit AuditSink, exchange string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok\n") })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/status", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), statusTimeout)
		defer cancel()
		snaps, err := src.Snapshots(ctx)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"exchange": exchange, "pairs": snaps})
	})

	r.GET("/status/:pair", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), statusTimeout)
		defer cancel()
		snap, ok, err := src.Snapshot(ctx, c.Param("pair"))
		switch {
		case !ok:
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown pair " + c.Param("pair")})
		case err != nil:
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusOK, snap)
		}
	})

	if hist := findAuditHistory(audit); hist != nil {
		r.GET("/audit/:pair", func(c *gin.Context) {
			p, err := ParsePair(c.Param("pair"))
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			n, err := strconv.ParseInt(c.DefaultQuery("n", "50"), 10, 64)
			if err != nil || n <= 0 {
				n = 50
			}
			evs, err := hist.Recent(c.Request.Context(), p.String(), n)
			if err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, evs)
		})
	}
	return r
}
