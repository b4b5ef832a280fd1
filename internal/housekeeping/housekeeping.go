// Copyright 2025 James Ross

// Package housekeeping runs a single cron-scheduled sweep (SPEC_FULL.md
// §4.10): prune orphaned dedup/rate-limit keys in Redis and sample the
// error topic's depth into a gauge. It is purely observational and
// never touches in-flight executor state.
package housekeeping

import (
	"context"

	"github.com/changeprop/engine/internal/config"
	"github.com/changeprop/engine/internal/obs"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DedupKeyPrefix namespaces retry-envelope dedup keys in Redis. No code
// in this module writes keys under it: the guaranteed producer's
// dedup-by-key is its in-memory pending map.
const DedupKeyPrefix = "change-prop:dedup:"

// RateLimitKeyPrefix namespaces per-rule rate-limit keys in Redis. No
// code in this module writes keys under it: the executor's rate limiting
// (SPEC_FULL.md §4.8) is an in-process token bucket.
const RateLimitKeyPrefix = "change-prop:ratelimit:"

const scanBatchSize = 200

// ErrorDepthProbe reports the approximate retained message count on the
// shared error topic. Implemented by internal/bus against JetStream
// stream info; kept as an interface so housekeeping stays testable
// without a live broker.
type ErrorDepthProbe interface {
	ErrorTopicDepth(ctx context.Context) (int64, error)
}

// Housekeeper owns the single cron-scheduled sweep job.
type Housekeeper struct {
	rdb    *redis.Client
	probe  ErrorDepthProbe
	logger *zap.Logger
	cron   *cron.Cron
}

// New builds a Housekeeper. probe may be nil, in which case the error
// topic depth gauge is left untouched.
func New(rdb *redis.Client, probe ErrorDepthProbe, logger *zap.Logger) *Housekeeper {
	return &Housekeeper{rdb: rdb, probe: probe, logger: logger, cron: cron.New()}
}

// Start schedules the sweep per cfg.Housekeeping.CronSpec (already
// validated at config load time) and starts the cron scheduler.
func (h *Housekeeper) Start(ctx context.Context, cfg *config.Config) error {
	schedule, err := config.ParseCronSpec(cfg.Housekeeping.CronSpec)
	if err != nil {
		return err
	}
	h.cron.Schedule(schedule, cron.FuncJob(func() { h.sweepOnce(ctx) }))
	h.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight sweep to finish.
func (h *Housekeeper) Stop() {
	<-h.cron.Stop().Done()
}

func (h *Housekeeper) sweepOnce(ctx context.Context) {
	pruned := h.pruneOrphaned(ctx, DedupKeyPrefix)
	pruned += h.pruneOrphaned(ctx, RateLimitKeyPrefix)
	if pruned > 0 {
		h.logger.Info("housekeeping swept orphaned keys", zap.Int("count", pruned))
	}

	if h.probe == nil {
		return
	}
	depth, err := h.probe.ErrorTopicDepth(ctx)
	if err != nil {
		h.logger.Warn("error topic depth probe failed", zap.Error(err))
		return
	}
	obs.ErrorTopicDepth.Set(float64(depth))
}

// pruneOrphaned deletes keys under prefix that carry no TTL: every key
// this service writes is expected to be set with an expiry, so a
// persistent key under one of these prefixes indicates a write path
// that skipped its TTL and would otherwise leak forever.
func (h *Housekeeper) pruneOrphaned(ctx context.Context, prefix string) int {
	pruned := 0
	var cursor uint64
	for {
		keys, cur, err := h.rdb.Scan(ctx, cursor, prefix+"*", scanBatchSize).Result()
		if err != nil {
			h.logger.Warn("housekeeping scan failed", zap.String("prefix", prefix), zap.Error(err))
			return pruned
		}
		cursor = cur
		for _, key := range keys {
			ttl, err := h.rdb.TTL(ctx, key).Result()
			if err != nil {
				continue
			}
			if ttl < 0 {
				if err := h.rdb.Del(ctx, key).Err(); err != nil {
					h.logger.Warn("housekeeping delete failed", zap.String("key", key), zap.Error(err))
					continue
				}
				pruned++
			}
		}
		if cursor == 0 {
			break
		}
	}
	return pruned
}
