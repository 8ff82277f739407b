package billing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/0gfoundation/0g-subscription-billing/internal/chain"
	"github.com/0gfoundation/0g-subscription-billing/internal/resilience"
)

// gasBumpStep is added to the fee and gas limit bump on every
// increase_budget adjustment.
const gasBumpStep = 20

// chargeOperation adapts a prepared call pair to resilience.Operation.
//
// Once the network has accepted a pair, the operation never signs a new pair
// at fresh nonces. Later attempts re-check the accepted transactions, and a
// fee bump re-signs the same calls at the same nonces so that at most one
// spend can be mined.
type chargeOperation struct {
	conn  chain.Conn
	calls []chain.Call

	mu       sync.Mutex
	opts     chain.SendOptions
	inflight *chain.OpHandle // accepted, outcome unknown
	bump     bool            // fee bump pending against inflight
}

func newChargeOperation(conn chain.Conn, calls []chain.Call) *chargeOperation {
	return &chargeOperation{conn: conn, calls: calls}
}

func (o *chargeOperation) Send(ctx context.Context) error {
	o.mu.Lock()
	inflight, bump, opts := o.inflight, o.bump, o.opts
	o.mu.Unlock()

	if inflight == nil {
		h, err := o.conn.SendOperation(ctx, o.calls, opts)
		o.mu.Lock()
		defer o.mu.Unlock()
		o.opts.RefreshNonce = false
		if err != nil {
			return err
		}
		o.inflight, o.bump = &h, false
		return nil
	}

	if !bump || inflight.Sponsored {
		return nil
	}

	opts.Sponsored, opts.RefreshNonce = false, false
	opts.Nonces = inflight.Nonces()
	h, err := o.conn.SendOperation(ctx, o.calls, opts)

	o.mu.Lock()
	defer o.mu.Unlock()
	o.bump = false
	if err != nil {
		// part of the replacement may have gone out before the failure
		if len(h.Txs) > 0 {
			kept := *inflight
			kept.Replaced = append(append(kept.Replaced[:0:0], inflight.Replaced...), h.Txs...)
			o.inflight = &kept
		}
		return err
	}
	h = h.Replacing(*inflight)
	o.inflight = &h
	return nil
}

func (o *chargeOperation) Confirm(ctx context.Context, timeout time.Duration) (string, error) {
	o.mu.Lock()
	h := o.inflight
	o.mu.Unlock()
	if h == nil {
		return "", errors.New("confirm before send")
	}

	r, err := o.conn.WaitForOperation(ctx, *h, timeout)
	if err != nil {
		if errors.Is(err, chain.ErrOperationFailed) {
			o.settle(h)
		}
		return "", err
	}
	o.settle(h)
	return chain.FormatTxID(o.conn.Network().Name, r.TxHash), nil
}

// settle drops h once its outcome is known. A newer handle is left alone.
func (o *chargeOperation) settle(h *chain.OpHandle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight == h {
		o.inflight, o.bump = nil, false
	}
}

func (o *chargeOperation) Adjust(_ context.Context, action resilience.Action) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch action {
	case resilience.ActionIncreaseBudget:
		o.opts.GasBumpPercent += gasBumpStep
		o.bump = o.inflight != nil
	case resilience.ActionRefreshNonce:
		o.opts.RefreshNonce = true
	case resilience.ActionFallbackSponsored:
		o.opts.Sponsored = true
	}
	return nil
}

// InFlight reports whether a submission was accepted but not yet resolved.
func (o *chargeOperation) InFlight() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inflight != nil
}
