// Package cache stores fold and run reports in a pkg/cache backend.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"QuantLab/internal/domain/models"
	domrepo "QuantLab/internal/domain/repository"
	pkgcache "QuantLab/pkg/cache"
	applogger "QuantLab/pkg/logger"
)

const (
	foldPrefix = "fold"
	runPrefix  = "run"
	lockPrefix = "lock"
)

// ReportCache is a read-through store for fold reports (keyed by a content
// hash) and finished runs (keyed by run ID).
type ReportCache struct {
	svc pkgcache.Service
	ttl time.Duration
	l   *applogger.Logger
}

func NewReportCache(svc pkgcache.Service, ttl time.Duration, l *applogger.Logger) *ReportCache {
	if l == nil {
		l = applogger.Nop()
	}
	return &ReportCache{svc: svc, ttl: ttl, l: l}
}

// FoldKey identifies a fold result by everything that determines it.
func FoldKey(fold models.Fold, bars []models.Bar, cfg interface{}) string {
	barsJSON, _ := json.Marshal(bars)
	foldJSON, _ := json.Marshal(fold)
	cfgJSON, _ := json.Marshal(cfg)
	return pkgcache.HashKey(foldJSON, barsJSON, cfgJSON)
}

// cachedFold keeps the equity curve and fills that FoldReport leaves out of
// its JSON, so a cache hit can still be persisted in full.
type cachedFold struct {
	models.FoldReport
	Equity []models.EquityPoint `json:"equity"`
	Fills  []models.Fill        `json:"fills"`
}

func (c *ReportCache) GetFold(ctx context.Context, key string) (models.FoldReport, bool) {
	var cf cachedFold
	if !c.get(ctx, pkgcache.GenerateKey(foldPrefix, key), &cf) {
		return models.FoldReport{}, false
	}
	r := cf.FoldReport
	r.Equity, r.Fills = cf.Equity, cf.Fills
	return r, true
}

func (c *ReportCache) PutFold(ctx context.Context, key string, r models.FoldReport) error {
	cf := cachedFold{FoldReport: r, Equity: r.Equity, Fills: r.Fills}
	return c.svc.Set(ctx, pkgcache.GenerateKey(foldPrefix, key), cf, c.ttl)
}

func (c *ReportCache) GetRun(ctx context.Context, runID string) (models.WFReport, bool) {
	var r models.WFReport
	if !c.get(ctx, pkgcache.GenerateKey(runPrefix, runID), &r) {
		return models.WFReport{}, false
	}
	return r, true
}

func (c *ReportCache) PutRun(ctx context.Context, r models.WFReport) error {
	return c.svc.Set(ctx, pkgcache.GenerateKey(runPrefix, r.RunID), r, c.ttl)
}

// LockRun claims runID until UnlockRun or ttl.
func (c *ReportCache) LockRun(ctx context.Context, runID string, ttl time.Duration) (bool, error) {
	return c.svc.TryLock(ctx, pkgcache.GenerateKey(lockPrefix, pkgcache.GenerateKey(runPrefix, runID)), ttl)
}

func (c *ReportCache) UnlockRun(ctx context.Context, runID string) error {
	return c.svc.Unlock(ctx, pkgcache.GenerateKey(lockPrefix, pkgcache.GenerateKey(runPrefix, runID)))
}

func (c *ReportCache) get(ctx context.Context, key string, dest interface{}) bool {
	err := c.svc.Get(ctx, key, dest)
	if err == nil {
		return true
	}
	if !errors.Is(err, pkgcache.ErrCacheMiss) {
		c.l.Warn("report cache read failed", applogger.String("key", key), applogger.Error(err))
	}
	return false
}

var (
	_ domrepo.ReportCache = (*ReportCache)(nil)
	_ domrepo.RunLocker   = (*ReportCache)(nil)
)
