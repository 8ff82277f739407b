package billing

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-subscription-billing/internal/chain"
	"github.com/0gfoundation/0g-subscription-billing/internal/permission"
	"github.com/0gfoundation/0g-subscription-billing/internal/resilience"
)

// ── fakes ────────────────────────────────────────────────────────────────────

// fakeConn behaves like a mempool: every accepted call gets a transaction at
// the next nonce unless the caller pins nonces.
type fakeConn struct {
	mu        sync.Mutex
	network   chain.Network
	state     permission.SpendState
	stateErr  error
	sendErrs  []error // consumed one per SendOperation
	waitErrs  []error // consumed one per WaitForOperation
	waitBlock bool    // WaitForOperation blocks until ctx is done
	sent      [][]chain.Call
	opts      []chain.SendOptions
	waited    []chain.OpHandle
	nonce     uint64
}

func (c *fakeConn) Network() chain.Network { return c.network }

func (c *fakeConn) SendOperation(_ context.Context, calls []chain.Call, opts chain.SendOptions) (chain.OpHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, calls)
	c.opts = append(c.opts, opts)
	if len(c.sendErrs) > 0 {
		err := c.sendErrs[0]
		c.sendErrs = c.sendErrs[1:]
		if err != nil {
			return chain.OpHandle{}, err
		}
	}
	h := chain.OpHandle{Network: c.network.Name}
	if opts.Sponsored {
		h.Sponsored, h.SponsorID = true, "op-1"
		return h, nil
	}
	for i := range calls {
		n := c.nonce
		if opts.Nonces != nil {
			n = opts.Nonces[i]
		} else {
			c.nonce++
		}
		h.Txs = append(h.Txs, types.NewTx(&types.DynamicFeeTx{
			Nonce:     n,
			GasFeeCap: big.NewInt(int64(100 + opts.GasBumpPercent)),
		}))
	}
	return h, nil
}

func (c *fakeConn) WaitForOperation(ctx context.Context, h chain.OpHandle, _ time.Duration) (chain.Receipt, error) {
	c.mu.Lock()
	c.waited = append(c.waited, h)
	block := c.waitBlock
	var err error
	if len(c.waitErrs) > 0 {
		err = c.waitErrs[0]
		c.waitErrs = c.waitErrs[1:]
	}
	c.mu.Unlock()

	if block {
		<-ctx.Done()
		return chain.Receipt{}, ctx.Err()
	}
	if err != nil {
		return chain.Receipt{}, err
	}
	return chain.Receipt{TxHash: common.HexToHash("0xfeed"), BlockNumber: 1}, nil
}

func (c *fakeConn) ReadOnChainState(context.Context, *permission.Authorization) (permission.SpendState, error) {
	return c.state, c.stateErr
}

// spends counts broadcast transactions that call spend.
func (c *fakeConn) spends() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, calls := range c.sent {
		for _, call := range calls {
			if isSpend(call) {
				n++
			}
		}
	}
	return n
}

func isSpend(c chain.Call) bool {
	return len(c.Data) >= 4 && bytes.Equal(c.Data[:4], spendSelector)
}

var spendSelector = func() []byte {
	calls, err := chain.PrepareCalls(chain.DefaultManager, &permission.Authorization{
		Permission: permission.SpendPermission{Allowance: big.NewInt(1), Salt: big.NewInt(1)},
	}, big.NewInt(1), true)
	if err != nil {
		panic(err)
	}
	return calls[0].Data[:4]
}()

type fakeConnector struct {
	conn  *fakeConn
	err   error
	calls int
}

func (f *fakeConnector) Get(context.Context, chain.Network) (chain.Conn, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.conn, nil
}

type memAuths map[string]*Record

func (m memAuths) Get(_ context.Context, hash string) (*Record, error) {
	r, ok := m[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

func (m memAuths) Save(_ context.Context, rec Record) error {
	m[rec.Authorization.HashHex()] = &rec
	return nil
}

const testStart = 1_700_000_000

type harness struct {
	svc   *Service
	auths memAuths
	conns *fakeConnector
	conn  *fakeConn
	auth  *permission.Authorization
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	networks, err := chain.NewNetworks(nil)
	if err != nil {
		t.Fatalf("NewNetworks: %v", err)
	}
	sepolia, _ := networks.ByName("base-sepolia")

	conn := &fakeConn{network: sepolia, state: permission.SpendState{Spend: big.NewInt(0)}}
	conns := &fakeConnector{conn: conn}
	auths := memAuths{}

	cfg := resilience.DefaultConfig()
	cfg.Backoff = resilience.Backoff{Strategy: resilience.StrategyFixed, Base: time.Millisecond}
	cfg.Timeout = 5 * time.Second

	svc := NewService(auths, conns, networks, resilience.NewEngine(zap.NewNop()), ServiceConfig{Resilience: cfg}, zap.NewNop())
	svc.now = func() time.Time { return time.Unix(testStart+3600, 0) }

	a := signedAuthorization(t, testStart, 1)
	auths[a.HashHex()] = &Record{Authorization: *a}
	return &harness{svc: svc, auths: auths, conns: conns, conn: conn, auth: a}
}

var testnet = ChargeOptions{Testnet: true}

func wantRejected(t *testing.T, r resilience.Result, kind resilience.FailureKind) {
	t.Helper()
	if r.Status != resilience.StatusUnrecoverable || r.Kind != kind {
		t.Fatalf("got %s, want unrecoverable %s", r, kind)
	}
}

// ── validation before any network call ───────────────────────────────────────

func TestCharge_NetworkMismatchBeforeNetworkCall(t *testing.T) {
	h := newHarness(t)

	r := h.svc.Charge(context.Background(), h.auth.HashHex(), Exact(big.NewInt(1)), ChargeOptions{Testnet: false})

	wantRejected(t, r, resilience.KindNetworkMismatch)
	if r.Attempts != 0 {
		t.Errorf("attempts: got %d want 0", r.Attempts)
	}
	if h.conns.calls != 0 {
		t.Errorf("no connection may be opened, got %d", h.conns.calls)
	}
	if len(h.conn.sent) != 0 {
		t.Errorf("sent %d operations", len(h.conn.sent))
	}
}

func TestCharge_AssetMismatch(t *testing.T) {
	h := newHarness(t)
	opts := ChargeOptions{Testnet: true, Asset: common.HexToAddress("0xdead")}

	r := h.svc.Charge(context.Background(), h.auth.HashHex(), Exact(big.NewInt(1)), opts)

	wantRejected(t, r, resilience.KindAssetMismatch)
	if h.conns.calls != 0 {
		t.Errorf("connections opened: %d", h.conns.calls)
	}
}

func TestCharge_UnknownPermission(t *testing.T) {
	h := newHarness(t)
	r := h.svc.Charge(context.Background(), "0xnope", MaxRemaining(), testnet)
	wantRejected(t, r, resilience.KindInvalidAuthorization)
}

func TestCharge_Expired(t *testing.T) {
	h := newHarness(t)
	h.svc.now = func() time.Time { return time.Unix(h.auth.Permission.End, 0) }

	r := h.svc.Charge(context.Background(), h.auth.HashHex(), MaxRemaining(), testnet)
	wantRejected(t, r, resilience.KindInvalidAuthorization)
	if h.conns.calls != 0 {
		t.Errorf("connections opened: %d", h.conns.calls)
	}
}

// ── status-driven rejections ─────────────────────────────────────────────────

func TestCharge_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		state  permission.SpendState
		amount Amount
		want   resilience.FailureKind
	}{
		{"revoked", permission.SpendState{Spend: big.NewInt(0), IsRevoked: true}, Exact(big.NewInt(1)), resilience.KindPermissionRevoked},
		{"invalid with spend", permission.SpendState{Spend: big.NewInt(10)}, Exact(big.NewInt(1)), resilience.KindInvalidAuthorization},
		{"zero amount", permission.SpendState{Spend: big.NewInt(0)}, Exact(big.NewInt(0)), resilience.KindInsufficientAllowance},
		{"above remaining", permission.SpendState{Spend: big.NewInt(900_000), IsValid: true}, Exact(big.NewInt(100_001)), resilience.KindInsufficientAllowance},
		{"fully spent", permission.SpendState{Spend: big.NewInt(1_000_000), IsValid: true}, MaxRemaining(), resilience.KindInsufficientAllowance},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.conn.state = tc.state

			r := h.svc.Charge(context.Background(), h.auth.HashHex(), tc.amount, testnet)
			wantRejected(t, r, tc.want)
			if len(h.conn.sent) != 0 {
				t.Errorf("sent %d operations", len(h.conn.sent))
			}
		})
	}
}

func TestCharge_StateReadFailureIsRetryable(t *testing.T) {
	h := newHarness(t)
	h.conn.stateErr = errors.New("dial tcp: connection refused")

	r := h.svc.Charge(context.Background(), h.auth.HashHex(), MaxRemaining(), testnet)
	if r.Status != resilience.StatusExhausted || r.Kind != resilience.KindNetworkTimeout {
		t.Fatalf("got %s", r)
	}
	if r.Attempts != 0 {
		t.Errorf("attempts: got %d want 0", r.Attempts)
	}
}

// ── submission ───────────────────────────────────────────────────────────────

func TestCharge_MaxRemainingSubmitsRemaining(t *testing.T) {
	h := newHarness(t)
	h.conn.state = permission.SpendState{Spend: big.NewInt(250_000), IsValid: true}

	r := h.svc.Charge(context.Background(), h.auth.HashHex(), MaxRemaining(), testnet)

	if !r.OK() {
		t.Fatalf("charge: %s", r)
	}
	if r.Attempts != 1 {
		t.Errorf("attempts: got %d want 1", r.Attempts)
	}
	if want := "base-sepolia:" + common.HexToHash("0xfeed").Hex(); r.TransactionID != want {
		t.Errorf("tx id: got %s want %s", r.TransactionID, want)
	}

	if len(h.conn.sent) != 1 {
		t.Fatalf("sent %d operations, want 1", len(h.conn.sent))
	}
	// already approved on-chain, so only the spend goes out
	calls := h.conn.sent[0]
	want, err := chain.PrepareCalls(chain.DefaultManager, h.auth, big.NewInt(750_000), true)
	if err != nil {
		t.Fatalf("PrepareCalls: %v", err)
	}
	if len(calls) != 1 || !bytes.Equal(want[0].Data, calls[0].Data) {
		t.Error("spend must draw the full remaining allowance")
	}
}

func TestCharge_NoOnChainRecordApprovesFirst(t *testing.T) {
	h := newHarness(t)
	r := h.svc.Charge(context.Background(), h.auth.HashHex(), Exact(big.NewInt(500_000)), testnet)
	if !r.OK() {
		t.Fatalf("charge: %s", r)
	}
	if got := len(h.conn.sent[0]); got != 2 {
		t.Fatalf("calls: got %d want approve+spend", got)
	}
	if !isSpend(h.conn.sent[0][1]) {
		t.Error("spend must follow the approval")
	}
}

func TestCharge_RetriesWithCorrectiveActions(t *testing.T) {
	h := newHarness(t)
	h.conn.sendErrs = []error{
		errors.New("nonce too low"),
		errors.New("replacement transaction underpriced"),
		resilience.Errorf(resilience.KindSponsorRejected, "insufficient funds for gas"),
		nil,
	}

	r := h.svc.Charge(context.Background(), h.auth.HashHex(), Exact(big.NewInt(1)), testnet)

	if !r.OK() {
		t.Fatalf("charge: %s", r)
	}
	if r.Attempts != 4 {
		t.Errorf("attempts: got %d want 4", r.Attempts)
	}
	if len(h.conn.opts) != 4 {
		t.Fatalf("sends: got %d want 4", len(h.conn.opts))
	}
	if diff := cmp.Diff(chain.SendOptions{}, h.conn.opts[0]); diff != "" {
		t.Errorf("first send options (-want +got):\n%s", diff)
	}
	if !h.conn.opts[1].RefreshNonce {
		t.Error("second send should refresh the nonce")
	}
	if h.conn.opts[2].GasBumpPercent != gasBumpStep {
		t.Errorf("third send bump: got %d want %d", h.conn.opts[2].GasBumpPercent, gasBumpStep)
	}
	if h.conn.opts[2].RefreshNonce {
		t.Error("nonce refresh applies to one send only")
	}
	if !h.conn.opts[3].Sponsored {
		t.Error("fourth send should be sponsored")
	}
}

func TestCharge_TransientConfirmFailureRechecksFirstSubmission(t *testing.T) {
	h := newHarness(t)
	h.conn.waitErrs = []error{errors.New("read tcp: connection reset by peer")}

	r := h.svc.Charge(context.Background(), h.auth.HashHex(), Exact(big.NewInt(1)), testnet)

	if !r.OK() {
		t.Fatalf("charge: %s", r)
	}
	if r.Attempts != 2 {
		t.Errorf("attempts: got %d want 2", r.Attempts)
	}
	if got := h.conn.spends(); got != 1 {
		t.Fatalf("spend broadcast %d times, want 1", got)
	}
	if len(h.conn.waited) != 2 {
		t.Fatalf("waits: got %d want 2", len(h.conn.waited))
	}
	first, second := h.conn.waited[0], h.conn.waited[1]
	for i := range first.Txs {
		if first.Txs[i].Hash() != second.Txs[i].Hash() {
			t.Errorf("tx %d: second wait checked %s, want the first submission %s",
				i, second.Txs[i].Hash().Hex(), first.Txs[i].Hash().Hex())
		}
	}
}

func TestCharge_TimeoutWithSubmissionInFlightIsUnconfirmed(t *testing.T) {
	h := newHarness(t)
	h.conn.waitBlock = true
	cfg := h.svc.cfg
	cfg.Timeout = 50 * time.Millisecond

	r := h.svc.Charge(context.Background(), h.auth.HashHex(), Exact(big.NewInt(1)), ChargeOptions{Testnet: true, Config: &cfg})

	if r.Status != resilience.StatusExhausted || !r.TimedOut {
		t.Fatalf("got %s, want timed out", r)
	}
	if !r.Unconfirmed {
		t.Error("a submission was accepted, result must be unconfirmed")
	}
	if got := h.conn.spends(); got != 1 {
		t.Errorf("spend broadcast %d times, want 1", got)
	}
}

func TestCharge_UnrecoverableSubmission(t *testing.T) {
	h := newHarness(t)
	h.conn.sendErrs = []error{errors.New("execution reverted: permission revoked")}

	r := h.svc.Charge(context.Background(), h.auth.HashHex(), Exact(big.NewInt(1)), testnet)
	wantRejected(t, r, resilience.KindPermissionRevoked)
	if r.Attempts != 1 || len(r.History) != 1 {
		t.Errorf("attempts %d history %d, want 1/1", r.Attempts, len(r.History))
	}
	if r.Unconfirmed {
		t.Error("nothing was accepted, result must not be unconfirmed")
	}
}

func TestCharge_ObserverSeesEvents(t *testing.T) {
	h := newHarness(t)
	obs := resilience.NewChannelObserver(16)
	cfg := h.svc.cfg
	cfg.Observer = obs

	r := h.svc.Charge(context.Background(), h.auth.HashHex(), Exact(big.NewInt(1)), ChargeOptions{Testnet: true, Config: &cfg})
	if !r.OK() {
		t.Fatalf("charge: %s", r)
	}

	var outcomes []resilience.Outcome
	for len(obs.Events()) > 0 {
		ev := <-obs.Events()
		if ev.Label != h.auth.HashHex() {
			t.Errorf("label: got %s", ev.Label)
		}
		outcomes = append(outcomes, ev.Outcome)
	}
	want := []resilience.Outcome{resilience.OutcomeSubmitting, resilience.OutcomeConfirmed}
	if diff := cmp.Diff(want, outcomes); diff != "" {
		t.Errorf("outcomes (-want +got):\n%s", diff)
	}
}

// ── Status ───────────────────────────────────────────────────────────────────

func TestStatus(t *testing.T) {
	h := newHarness(t)
	h.conn.state = permission.SpendState{Spend: big.NewInt(400_000), IsValid: true}

	st, err := h.svc.Status(context.Background(), h.auth.HashHex())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.IsSubscribed {
		t.Error("expected subscribed")
	}
	if st.Remaining.Cmp(big.NewInt(600_000)) != 0 {
		t.Errorf("remaining: got %s want 600000", st.Remaining)
	}
	if st.PeriodStart != testStart || st.PeriodEnd != testStart+86400 {
		t.Errorf("period: got %d..%d", st.PeriodStart, st.PeriodEnd)
	}
}

func TestStatus_ExpiredSkipsNetwork(t *testing.T) {
	h := newHarness(t)
	h.svc.now = func() time.Time { return time.Unix(h.auth.Permission.End+1, 0) }

	st, err := h.svc.Status(context.Background(), h.auth.HashHex())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Expired || st.IsSubscribed {
		t.Errorf("got expired=%v subscribed=%v", st.Expired, st.IsSubscribed)
	}
	if h.conns.calls != 0 {
		t.Errorf("connections opened: %d", h.conns.calls)
	}
}

func TestStatus_NotFound(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.Status(context.Background(), "0xnope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

// ── Register ─────────────────────────────────────────────────────────────────

func TestRegister(t *testing.T) {
	h := newHarness(t)
	a := signedAuthorization(t, testStart, 99)
	a.PermissionHash = common.Hash{}

	rec, err := h.svc.Register(context.Background(), a, testSpender, true)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !rec.AutoCharge {
		t.Error("auto charge not kept")
	}
	if rec.Authorization.PermissionHash == (common.Hash{}) {
		t.Error("permission hash not filled in")
	}
	if _, ok := h.auths[rec.Authorization.HashHex()]; !ok {
		t.Error("record not saved")
	}
}

func TestRegister_Rejections(t *testing.T) {
	h := newHarness(t)

	tampered := signedAuthorization(t, testStart, 2)
	tampered.Permission.Allowance = big.NewInt(5)
	if _, err := h.svc.Register(context.Background(), tampered, common.Address{}, false); !errors.Is(err, permission.ErrHashMismatch) {
		t.Errorf("tampered: got %v", err)
	}

	wrongChain := signedAuthorization(t, testStart, 3)
	wrongChain.ChainID = 1
	if _, err := h.svc.Register(context.Background(), wrongChain, common.Address{}, false); !errors.Is(err, ErrUnsupportedChain) {
		t.Errorf("wrong chain: got %v", err)
	}

	_, err := h.svc.Register(context.Background(), signedAuthorization(t, testStart, 4), common.HexToAddress("0xbeef"), false)
	if !errors.Is(err, ErrWrongSpender) {
		t.Errorf("wrong spender: got %v", err)
	}
}
