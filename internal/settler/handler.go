package settler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-subscription-billing/internal/billing"
	"github.com/0gfoundation/0g-subscription-billing/internal/resilience"
)

// HandleResult routes a finished charge: receipts for success, a cancel for
// permissions that can no longer be charged, the DLQ for configuration
// problems, and a bounded re-queue for transient exhaustion. A charge whose
// submission may still be mined is never re-queued.
func HandleResult(
	ctx context.Context,
	rdb *redis.Client,
	cancelCh chan<- CancelSignal,
	job billing.ChargeJob,
	result resilience.Result,
	maxRedeliveries int,
	log *zap.Logger,
) {
	log = log.With(zap.String("job", job.ID), zap.String("permission", job.PermissionHash))

	if result.OK() {
		err := billing.AddReceipt(ctx, rdb, job.PermissionHash, billing.Receipt{
			JobID:         job.ID,
			TransactionID: result.TransactionID,
			PeriodIndex:   job.PeriodIndex,
			Attempts:      result.Attempts,
			At:            time.Now().Unix(),
		})
		if err != nil {
			log.Error("charge confirmed but receipt not stored", zap.String("tx", result.TransactionID), zap.Error(err))
		}
		log.Info("charge settled", zap.String("tx", result.TransactionID), zap.Int("attempts", result.Attempts))
		return
	}

	if result.Status == resilience.StatusExhausted {
		if result.Unconfirmed {
			deadLetter(ctx, rdb, job, ReasonUnconfirmed, log)
			return
		}
		if job.Redeliveries < maxRedeliveries {
			job.Redeliveries++
			if err := billing.EnqueueCharge(ctx, rdb, job); err != nil {
				log.Error("re-queue failed", zap.Error(err))
			}
			log.Warn("charge exhausted, re-queued",
				zap.String("kind", result.Kind.String()),
				zap.Int("redelivery", job.Redeliveries),
			)
			return
		}
		deadLetter(ctx, rdb, job, result.Kind.String(), log)
		return
	}

	switch result.Kind {
	case resilience.KindPermissionRevoked, resilience.KindInvalidAuthorization:
		persistCancel(ctx, rdb, cancelCh, job.PermissionHash, result.Kind.String(), log)

	case resilience.KindInsufficientAllowance:
		log.Warn("charge discarded: nothing left to draw this period", zap.String("reason", result.Message))

	default:
		// network/asset mismatch, user rejection, unknown
		deadLetter(ctx, rdb, job, result.Kind.String(), log)
	}
}

// ReasonUnconfirmed marks a dead-lettered charge that was accepted by the
// network without a known outcome. It needs reconciliation against the
// chain before any retry.
const ReasonUnconfirmed = "unconfirmed_submission"

type deadJob struct {
	billing.ChargeJob
	Reason string `json:"reason"`
}

func deadLetter(ctx context.Context, rdb *redis.Client, job billing.ChargeJob, reason string, log *zap.Logger) {
	raw, _ := json.Marshal(deadJob{ChargeJob: job, Reason: reason})
	rdb.RPush(ctx, billing.ChargeDLQKey, string(raw)) //nolint:errcheck
	log.Error("charge rejected, moved to DLQ", zap.String("reason", reason))
}

func persistCancel(ctx context.Context, rdb *redis.Client, cancelCh chan<- CancelSignal, hash, reason string, log *zap.Logger) {
	// 1. Persist first (crash-safe)
	rdb.Set(ctx, billing.CancelKeyPrefix+hash, reason, 0)

	// 2. Notify cancel handler via channel
	select {
	case cancelCh <- CancelSignal{PermissionHash: hash, Reason: reason}:
	default:
		log.Warn("cancelCh full, signal dropped; will recover from Redis on restart",
			zap.String("permission", hash),
		)
	}
}
