package settler

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-subscription-billing/internal/billing"
	"github.com/0gfoundation/0g-subscription-billing/internal/resilience"
)

// Charger executes one charge. *billing.Service implements it.
type Charger interface {
	Charge(ctx context.Context, hash string, amount billing.Amount, opts billing.ChargeOptions) resilience.Result
}

// Options configures Run.
type Options struct {
	Charge          billing.ChargeOptions
	BLPopTimeout    time.Duration
	MaxRedeliveries int
}

// Run is the main settler loop: BLPOP → charge → handle result.
func Run(ctx context.Context, rdb *redis.Client, svc Charger, opts Options, cancelCh chan<- CancelSignal, log *zap.Logger) {
	if opts.BLPopTimeout <= 0 {
		opts.BLPopTimeout = 5 * time.Second
	}

	log.Info("settler started", zap.String("queue", billing.ChargeQueueKey))

	for {
		if ctx.Err() != nil {
			log.Info("settler stopped")
			return
		}

		// BLPOP blocks until an item appears or timeout
		results, err := rdb.BLPop(ctx, opts.BLPopTimeout, billing.ChargeQueueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Error("settler: BLPOP error", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		// results[0] = key, results[1] = value
		raw := results[1]
		var job billing.ChargeJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			log.Error("settler: unmarshal job", zap.String("raw", raw), zap.Error(err))
			rdb.RPush(ctx, billing.ChargeDLQKey, raw) //nolint:errcheck
			continue
		}

		amount, err := job.ChargeAmount()
		if err != nil {
			log.Error("settler: bad amount", zap.String("job", job.ID), zap.Error(err))
			deadLetter(ctx, rdb, job, "bad_amount", log)
			continue
		}

		result := svc.Charge(ctx, job.PermissionHash, amount, opts.Charge)
		HandleResult(ctx, rdb, cancelCh, job, result, opts.MaxRedeliveries, log)
	}
}
