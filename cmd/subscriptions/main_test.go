package main

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-subscription-billing/internal/billing"
	"github.com/0gfoundation/0g-subscription-billing/internal/permission"
	"github.com/0gfoundation/0g-subscription-billing/internal/settler"
)

// ── helpers ───────────────────────────────────────────────────────────────────

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func saveRecord(t *testing.T, store *billing.Store, hash common.Hash) {
	t.Helper()
	rec := billing.Record{
		Authorization: permission.Authorization{
			Permission: permission.SpendPermission{
				Account:       common.HexToAddress("0xaa"),
				Spender:       common.HexToAddress("0xbb"),
				Token:         common.HexToAddress("0xcc"),
				Allowance:     big.NewInt(1_000_000),
				PeriodSeconds: 86400,
				Start:         1_700_000_000,
				End:           1_800_000_000,
				Salt:          big.NewInt(1),
			},
			Signature:      make([]byte, 65),
			ChainID:        84532,
			PermissionHash: hash,
		},
		AutoCharge: true,
	}
	if err := store.Save(context.Background(), rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
}

// waitKeyGone polls until the Redis key disappears or the timeout elapses.
func waitKeyGone(t *testing.T, rdb *redis.Client, key string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		n, _ := rdb.Exists(context.Background(), key).Result()
		if n == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("key %q still exists after %v", key, timeout)
}

// ── recoverPendingCancels ─────────────────────────────────────────────────────

func TestRecoverPendingCancels_Empty(t *testing.T) {
	rdb := newTestRedis(t)
	cancelCh := make(chan settler.CancelSignal, 8)

	recoverPendingCancels(context.Background(), rdb, cancelCh, zap.NewNop())

	if len(cancelCh) != 0 {
		t.Errorf("expected no signals for empty Redis, got %d", len(cancelCh))
	}
}

func TestRecoverPendingCancels_MultipleKeys(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()
	cancelCh := make(chan settler.CancelSignal, 16)

	pending := map[string]string{
		"0x01": "permission_revoked",
		"0x02": "invalid_authorization",
	}
	for hash, reason := range pending {
		rdb.Set(ctx, billing.CancelKeyPrefix+hash, reason, 0) //nolint:errcheck
	}
	// Unrelated keys that must NOT be recovered
	rdb.Set(ctx, "billing:permission:0x03", "x", 0) //nolint:errcheck
	rdb.Set(ctx, "auth:nonce:abc", "1", 0)          //nolint:errcheck

	recoverPendingCancels(ctx, rdb, cancelCh, zap.NewNop())

	if len(cancelCh) != 2 {
		t.Fatalf("expected 2 signals, got %d", len(cancelCh))
	}
	got := map[string]string{}
	for len(cancelCh) > 0 {
		sig := <-cancelCh
		got[sig.PermissionHash] = sig.Reason
	}
	for hash, reason := range pending {
		if got[hash] != reason {
			t.Errorf("%s: got %q want %q", hash, got[hash], reason)
		}
	}
}

func TestRecoverPendingCancels_ContextCancelled(t *testing.T) {
	rdb := newTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	// Zero-capacity channel: any send blocks unless ctx is cancelled
	cancelCh := make(chan settler.CancelSignal)

	rdb.Set(context.Background(), billing.CancelKeyPrefix+"0x01", "permission_revoked", 0) //nolint:errcheck
	cancel()

	done := make(chan struct{})
	go func() {
		recoverPendingCancels(ctx, rdb, cancelCh, zap.NewNop())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("recoverPendingCancels did not return after context cancel")
	}
}

// ── runCancelHandler ──────────────────────────────────────────────────────────

func TestRunCancelHandler_DisablesAutoCharge(t *testing.T) {
	rdb := newTestRedis(t)
	store := billing.NewStore(rdb)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hash := common.HexToHash("0x1234")
	saveRecord(t, store, hash)
	key := billing.CancelKeyPrefix + hash.Hex()
	rdb.Set(ctx, key, "permission_revoked", 0) //nolint:errcheck

	cancelCh := make(chan settler.CancelSignal, 1)
	go runCancelHandler(ctx, cancelCh, store, rdb, zap.NewNop())
	cancelCh <- settler.CancelSignal{PermissionHash: hash.Hex(), Reason: "permission_revoked"}

	waitKeyGone(t, rdb, key, 2*time.Second)
	rec, err := store.Get(context.Background(), hash.Hex())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.AutoCharge {
		t.Error("auto-charge still enabled after cancel")
	}
}

func TestRunCancelHandler_UnknownPermissionClearsMarker(t *testing.T) {
	rdb := newTestRedis(t)
	store := billing.NewStore(rdb)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	key := billing.CancelKeyPrefix + "0xdead"
	rdb.Set(ctx, key, "invalid_authorization", 0) //nolint:errcheck

	cancelCh := make(chan settler.CancelSignal, 1)
	go runCancelHandler(ctx, cancelCh, store, rdb, zap.NewNop())
	cancelCh <- settler.CancelSignal{PermissionHash: "0xdead", Reason: "invalid_authorization"}

	waitKeyGone(t, rdb, key, 2*time.Second)
}
