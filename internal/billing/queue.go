package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/redis/go-redis/v9"
)

const (
	ChargeQueueKey   = "billing:charge:queue"
	ChargeDLQKey     = "billing:charge:dlq"
	CancelKeyPrefix  = "billing:cancel:"
	receiptKeyPrefix = "billing:receipts:"
	scheduledKeyFmt  = "billing:scheduled:%s:%d"
)

// ChargeJob is one queued charge. An empty Amount charges the full remaining
// allowance of the period.
type ChargeJob struct {
	ID             string `json:"id"`
	PermissionHash string `json:"permission_hash"`
	Amount         string `json:"amount,omitempty"`
	PeriodIndex    int64  `json:"period_index"`
	Redeliveries   int    `json:"redeliveries"`
	EnqueuedAt     int64  `json:"enqueued_at"`
}

// ChargeAmount converts the job's amount field.
func (j ChargeJob) ChargeAmount() (Amount, error) {
	if j.Amount == "" {
		return MaxRemaining(), nil
	}
	v, ok := new(big.Int).SetString(j.Amount, 10)
	if !ok {
		return Amount{}, fmt.Errorf("invalid amount %q", j.Amount)
	}
	return Exact(v), nil
}

// EnqueueCharge appends job to the charge queue.
func EnqueueCharge(ctx context.Context, rdb *redis.Client, job ChargeJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return rdb.RPush(ctx, ChargeQueueKey, raw).Err()
}

// Receipt records a confirmed charge.
type Receipt struct {
	JobID         string `json:"job_id"`
	TransactionID string `json:"transaction_id"`
	PeriodIndex   int64  `json:"period_index"`
	Attempts      int    `json:"attempts"`
	At            int64  `json:"at"`
}

func ReceiptKey(hash string) string { return receiptKeyPrefix + hash }

func AddReceipt(ctx context.Context, rdb *redis.Client, hash string, r Receipt) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return rdb.RPush(ctx, ReceiptKey(hash), raw).Err()
}

// Receipts returns confirmed charges for a permission, oldest first.
func Receipts(ctx context.Context, rdb *redis.Client, hash string) ([]Receipt, error) {
	raws, err := rdb.LRange(ctx, ReceiptKey(hash), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Receipt, 0, len(raws))
	for _, raw := range raws {
		var r Receipt
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}
