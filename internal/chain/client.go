package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"github.com/0gfoundation/0g-subscription-billing/internal/permission"
	"github.com/0gfoundation/0g-subscription-billing/internal/resilience"
)

// SendOptions are the per-attempt knobs the retry engine adjusts.
type SendOptions struct {
	GasBumpPercent int  // added on top of the suggested fees and gas limit
	RefreshNonce   bool // drop local nonce state before sending
	Sponsored      bool // route through the sponsor relayer
	// Nonces, when set, pins one nonce per call so the new transactions
	// replace ones already in the mempool. The local tracker is left alone.
	Nonces []uint64
}

// OpHandle identifies a sent operation until it is confirmed.
type OpHandle struct {
	Network   string
	Sponsored bool
	SponsorID string
	Txs       []*types.Transaction
	// Replaced holds earlier transactions at the same nonces as Txs. Any one
	// of them may be the one that gets mined.
	Replaced []*types.Transaction
}

// Nonces lists the nonce of every transaction in h, in call order.
func (h OpHandle) Nonces() []uint64 {
	out := make([]uint64, len(h.Txs))
	for i, tx := range h.Txs {
		out[i] = tx.Nonce()
	}
	return out
}

// Replacing returns h with prev's transactions recorded as replaced.
func (h OpHandle) Replacing(prev OpHandle) OpHandle {
	h.Replaced = append(append([]*types.Transaction{}, prev.Replaced...), prev.Txs...)
	return h
}

// candidates returns every known transaction sharing tx's nonce, tx first.
func (h OpHandle) candidates(tx *types.Transaction) []*types.Transaction {
	out := []*types.Transaction{tx}
	for i := len(h.Replaced) - 1; i >= 0; i-- {
		if h.Replaced[i].Nonce() == tx.Nonce() {
			out = append(out, h.Replaced[i])
		}
	}
	return out
}

// Receipt is the confirmation of the final call in an operation.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
}

// Conn is what the billing layer needs from a network.
type Conn interface {
	Network() Network
	SendOperation(ctx context.Context, calls []Call, opts SendOptions) (OpHandle, error)
	WaitForOperation(ctx context.Context, h OpHandle, timeout time.Duration) (Receipt, error)
	ReadOnChainState(ctx context.Context, a *permission.Authorization) (permission.SpendState, error)
}

// backend is the slice of ethclient.Client used here.
type backend interface {
	bind.DeployBackend
	ethereum.ContractCaller
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

const (
	// follow-up calls cannot be estimated until the approval is mined
	defaultCallGas uint64 = 200_000
	sponsorPoll           = 2 * time.Second
	receiptPoll           = time.Second
)

var (
	ErrNoSpenderKey = errors.New("no spender key configured")
	// ErrOperationFailed marks an operation that settled on-chain without
	// effect: a reverted call or a failed sponsored bundle.
	ErrOperationFailed = errors.New("operation failed on-chain")
)

// Client submits operations to one network, either from the spender EOA or
// through the sponsor relayer.
type Client struct {
	eth     backend
	network Network
	manager common.Address
	chainID *big.Int
	key     *ecdsa.PrivateKey
	spender common.Address
	sponsor *SponsorClient
	nonces  *NonceTracker
	limiter *rate.Limiter
}

// ClientOptions configures NewClient.
type ClientOptions struct {
	Manager    common.Address
	SpenderKey *ecdsa.PrivateKey
	Sponsor    *SponsorClient
	Nonces     *NonceTracker
	RateLimit  float64 // requests per second; 0 disables limiting
	RateBurst  int
}

// Dial connects to n.RPCURL and checks the remote chain id.
func Dial(ctx context.Context, n Network, opts ClientOptions) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, n.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s rpc: %w", n.Name, err)
	}
	id, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("%s chain id: %w", n.Name, err)
	}
	if id.Int64() != n.ChainID {
		eth.Close()
		return nil, fmt.Errorf("%s rpc reports chain id %s, want %d", n.Name, id, n.ChainID)
	}
	return newClient(eth, n, opts), nil
}

func newClient(eth backend, n Network, opts ClientOptions) *Client {
	c := &Client{
		eth:     eth,
		network: n,
		manager: opts.Manager,
		chainID: big.NewInt(n.ChainID),
		key:     opts.SpenderKey,
		sponsor: opts.Sponsor,
		nonces:  opts.Nonces,
		limiter: rate.NewLimiter(rate.Inf, 0),
	}
	if c.manager == (common.Address{}) {
		c.manager = DefaultManager
	}
	if c.key != nil {
		c.spender = crypto.PubkeyToAddress(c.key.PublicKey)
	}
	if c.nonces == nil {
		c.nonces = NewNonceTracker()
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return c
}

func (c *Client) Network() Network { return c.network }

// Manager is the SpendPermissionManager address calls are sent to.
func (c *Client) Manager() common.Address { return c.manager }

// Close releases the RPC connection.
func (c *Client) Close() {
	if ec, ok := c.eth.(*ethclient.Client); ok {
		ec.Close()
	}
}

// SendOperation sends calls in order and returns without waiting for
// inclusion.
func (c *Client) SendOperation(ctx context.Context, calls []Call, opts SendOptions) (OpHandle, error) {
	h := OpHandle{Network: c.network.Name}
	if opts.Sponsored {
		if c.sponsor == nil {
			return h, resilience.Errorf(resilience.KindSponsorRejected, "no sponsor relayer for %s", c.network.Name)
		}
		id, err := c.sponsor.Submit(ctx, c.network.ChainID, c.spender, calls)
		if err != nil {
			return h, err
		}
		h.Sponsored, h.SponsorID = true, id
		return h, nil
	}

	if c.key == nil {
		return h, resilience.Errorf(resilience.KindSponsorRejected, "%s: %v", c.network.Name, ErrNoSpenderKey)
	}
	pinned := opts.Nonces != nil
	if pinned && len(opts.Nonces) != len(calls) {
		return h, fmt.Errorf("%d nonces for %d calls", len(opts.Nonces), len(calls))
	}
	if opts.RefreshNonce && !pinned {
		c.nonces.Reset(c.spender)
	}

	tip, feeCap, err := c.fees(ctx, opts.GasBumpPercent)
	if err != nil {
		return h, err
	}
	signer := types.LatestSignerForChainID(c.chainID)

	for i, call := range calls {
		if err := c.limiter.Wait(ctx); err != nil {
			return h, err
		}
		var nonce uint64
		if pinned {
			nonce = opts.Nonces[i]
		} else {
			pending, err := c.eth.PendingNonceAt(ctx, c.spender)
			if err != nil {
				return h, fmt.Errorf("pending nonce: %w", err)
			}
			nonce = c.nonces.Next(c.spender, pending)
		}

		gas := defaultCallGas
		if i == 0 {
			est, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{From: c.spender, To: &call.To, Data: call.Data, Value: call.Value})
			if err != nil {
				if !pinned {
					c.nonces.Reset(c.spender)
				}
				return h, fmt.Errorf("estimate gas: %w", err)
			}
			gas = est
		}
		gas = bumpUint(gas, opts.GasBumpPercent)

		tx, err := types.SignNewTx(c.key, signer, &types.DynamicFeeTx{
			ChainID:   c.chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        &call.To,
			Value:     call.Value,
			Data:      call.Data,
		})
		if err != nil {
			return h, fmt.Errorf("sign tx: %w", err)
		}
		if err := c.eth.SendTransaction(ctx, tx); err != nil {
			if !pinned {
				c.nonces.Reset(c.spender)
			}
			return h, fmt.Errorf("send tx %d/%d: %w", i+1, len(calls), err)
		}
		h.Txs = append(h.Txs, tx)
	}
	return h, nil
}

// fees returns tip and fee cap (2*baseFee + tip), both raised by bumpPercent.
func (c *Client) fees(ctx context.Context, bumpPercent int) (tip, feeCap *big.Int, err error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}
	tip, err = c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("suggest tip: %w", err)
	}
	head, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("latest header: %w", err)
	}
	base := head.BaseFee
	if base == nil {
		base = new(big.Int)
	}
	feeCap = new(big.Int).Add(new(big.Int).Mul(base, big.NewInt(2)), tip)
	return bumpBig(tip, bumpPercent), bumpBig(feeCap, bumpPercent), nil
}

func bumpBig(v *big.Int, percent int) *big.Int {
	if percent <= 0 {
		return v
	}
	out := new(big.Int).Mul(v, big.NewInt(int64(100+percent)))
	return out.Div(out, big.NewInt(100))
}

func bumpUint(v uint64, percent int) uint64 {
	if percent <= 0 {
		return v
	}
	return v * uint64(100+percent) / 100
}

// WaitForOperation blocks until every call is mined or timeout elapses. A
// reverted call is an error wrapping ErrOperationFailed. For each nonce the
// first mined of the current and replaced transactions counts.
func (c *Client) WaitForOperation(ctx context.Context, h OpHandle, timeout time.Duration) (Receipt, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if h.Sponsored {
		s, err := c.sponsor.Wait(ctx, h.SponsorID, sponsorPoll)
		if err != nil {
			return Receipt{}, err
		}
		return Receipt{TxHash: s.TxHash}, nil
	}

	if len(h.Txs) == 0 {
		return Receipt{}, errors.New("operation has no transactions")
	}
	var last Receipt
	for _, tx := range h.Txs {
		mined, r, err := c.waitMined(ctx, h.candidates(tx))
		if err != nil {
			return Receipt{}, fmt.Errorf("wait mined %s: %w", tx.Hash().Hex(), err)
		}
		if r.Status == types.ReceiptStatusFailed {
			return Receipt{}, fmt.Errorf("execution reverted: tx %s: %w", mined.Hex(), ErrOperationFailed)
		}
		last = Receipt{TxHash: mined, BlockNumber: r.BlockNumber.Uint64()}
	}
	return last, nil
}

// waitMined polls receipts for txs until one of them is mined.
func (c *Client) waitMined(ctx context.Context, txs []*types.Transaction) (common.Hash, *types.Receipt, error) {
	ticker := time.NewTicker(receiptPoll)
	defer ticker.Stop()
	for {
		for _, tx := range txs {
			if err := c.limiter.Wait(ctx); err != nil {
				return common.Hash{}, nil, err
			}
			r, err := c.eth.TransactionReceipt(ctx, tx.Hash())
			if err == nil {
				return tx.Hash(), r, nil
			}
			if !errors.Is(err, ethereum.NotFound) {
				return common.Hash{}, nil, err
			}
		}
		select {
		case <-ctx.Done():
			return common.Hash{}, nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ReadOnChainState reads revoked, valid and current-period spend.
func (c *Client) ReadOnChainState(ctx context.Context, a *permission.Authorization) (permission.SpendState, error) {
	sp := toABI(&a.Permission)
	var st permission.SpendState

	revoked, err := c.callBool(ctx, "isRevoked", sp)
	if err != nil {
		return st, err
	}
	valid, err := c.callBool(ctx, "isValid", sp)
	if err != nil {
		return st, err
	}
	out, err := c.call(ctx, "getCurrentPeriod", sp)
	if err != nil {
		return st, err
	}
	ps := *abi.ConvertType(out[0], new(abiPeriodSpend)).(*abiPeriodSpend)

	st.IsRevoked = revoked
	st.IsValid = valid
	st.Spend = ps.Spend
	if st.Spend == nil {
		st.Spend = new(big.Int)
	}
	return st, nil
}

func (c *Client) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := managerABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	raw, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.manager, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	out, err := managerABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: empty result", method)
	}
	return out, nil
}

func (c *Client) callBool(ctx context.Context, method string, args ...any) (bool, error) {
	out, err := c.call(ctx, method, args...)
	if err != nil {
		return false, err
	}
	b, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("%s: unexpected result %T", method, out[0])
	}
	return b, nil
}
