package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-subscription-billing/internal/permission"
)

// scheduleSlack keeps a period marker alive past the period end so a late
// tick cannot schedule the same period twice.
const scheduleSlack = time.Hour

// RunScheduler periodically enqueues one max-remaining charge per active
// period of every auto-charge permission.
func RunScheduler(ctx context.Context, interval time.Duration, store *Store, rdb *redis.Client, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("charge scheduler started", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			log.Info("charge scheduler stopped")
			return
		case <-ticker.C:
			n := runScheduling(ctx, store, rdb, time.Now().Unix(), log)
			if n > 0 {
				log.Info("scheduled charges", zap.Int("count", n))
			}
		}
	}
}

func scheduledKey(hash string, period int64) string {
	return fmt.Sprintf(scheduledKeyFmt, hash, period)
}

func runScheduling(ctx context.Context, store *Store, rdb *redis.Client, now int64, log *zap.Logger) int {
	recs, err := store.ScanAll(ctx)
	if err != nil {
		log.Error("scheduler: scan permissions", zap.Error(err))
		return 0
	}

	scheduled := 0
	for _, rec := range recs {
		if !rec.AutoCharge {
			continue
		}
		hash := rec.Authorization.HashHex()
		period, err := permission.CurrentPeriod(&rec.Authorization.Permission, now)
		if err != nil {
			continue
		}
		if n, _ := rdb.Exists(ctx, CancelKeyPrefix+hash).Result(); n > 0 {
			continue
		}

		marker := scheduledKey(hash, period.Index)
		ttl := time.Duration(period.End-now)*time.Second + scheduleSlack
		ok, err := rdb.SetNX(ctx, marker, now, ttl).Result()
		if err != nil {
			log.Error("scheduler: set marker", zap.String("permission", hash), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}

		job := ChargeJob{
			ID:             uuid.NewString(),
			PermissionHash: hash,
			PeriodIndex:    period.Index,
			EnqueuedAt:     now,
		}
		if err := EnqueueCharge(ctx, rdb, job); err != nil {
			log.Error("scheduler: enqueue", zap.String("permission", hash), zap.Error(err))
			rdb.Del(ctx, marker) //nolint:errcheck
			continue
		}
		scheduled++
	}
	return scheduled
}
