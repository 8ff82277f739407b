package billing

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-subscription-billing/internal/chain"
	"github.com/0gfoundation/0g-subscription-billing/internal/permission"
	"github.com/0gfoundation/0g-subscription-billing/internal/resilience"
)

// Amount is an exact charge or the full remaining allowance.
type Amount struct {
	Value *big.Int
	Max   bool
}

func Exact(v *big.Int) Amount { return Amount{Value: v} }
func MaxRemaining() Amount    { return Amount{Max: true} }

func (a Amount) String() string {
	if a.Max {
		return "max"
	}
	if a.Value == nil {
		return "<nil>"
	}
	return a.Value.String()
}

// ChargeOptions carry the caller's expectations about where the charge lands.
type ChargeOptions struct {
	Testnet bool
	Asset   common.Address     // zero means the network's default asset
	Config  *resilience.Config // nil means the service default
}

// Authorizations persists registered permissions. *Store implements it.
type Authorizations interface {
	Get(ctx context.Context, hash string) (*Record, error)
	Save(ctx context.Context, rec Record) error
}

// Connector hands out per-network connections. *chain.Registry implements it.
type Connector interface {
	Get(ctx context.Context, n chain.Network) (chain.Conn, error)
}

// Service validates and executes charges against registered permissions.
type Service struct {
	auths    Authorizations
	conns    Connector
	networks *chain.Networks
	engine   *resilience.Engine
	manager  common.Address
	cfg      resilience.Config
	observer resilience.Observer
	now      func() time.Time
	log      *zap.Logger
}

type ServiceConfig struct {
	Manager    common.Address
	Resilience resilience.Config
	// Observer is attached to every charge in addition to any observer in
	// the per-call config.
	Observer resilience.Observer
}

func NewService(auths Authorizations, conns Connector, networks *chain.Networks, engine *resilience.Engine, cfg ServiceConfig, log *zap.Logger) *Service {
	manager := cfg.Manager
	if manager == (common.Address{}) {
		manager = chain.DefaultManager
	}
	return &Service{
		auths:    auths,
		conns:    conns,
		networks: networks,
		engine:   engine,
		manager:  manager,
		cfg:      cfg.Resilience,
		observer: cfg.Observer,
		now:      time.Now,
		log:      log,
	}
}

// Manager is the SpendPermissionManager permissions are bound to.
func (s *Service) Manager() common.Address { return s.manager }

// Networks exposes the configured network table.
func (s *Service) Networks() *chain.Networks { return s.networks }

// preflight turns an error raised before submission into a zero-attempt
// result. Transient causes are reported as exhausted so callers may retry.
func preflight(err error) resilience.Result {
	kind := resilience.Classify(err)
	r := resilience.Rejected(kind, err)
	if kind.Recoverable() {
		r.Status = resilience.StatusExhausted
	}
	return r
}

// Charge draws amount from the permission registered under hash. Every
// failure, including validation, comes back as a Result.
func (s *Service) Charge(ctx context.Context, hash string, amount Amount, opts ChargeOptions) resilience.Result {
	log := s.log.With(zap.String("permission", hash), zap.String("amount", amount.String()))

	rec, err := s.auths.Get(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return resilience.Rejected(resilience.KindInvalidAuthorization, err)
		}
		return preflight(fmt.Errorf("load permission: %w", err))
	}
	a := &rec.Authorization

	network, ok := s.networks.ByChainID(a.ChainID)
	if !ok {
		return resilience.Rejected(resilience.KindNetworkMismatch,
			fmt.Errorf("permission is on unsupported chain %d", a.ChainID))
	}
	if network.Testnet != opts.Testnet {
		want := "mainnet"
		if opts.Testnet {
			want = "testnet"
		}
		return resilience.Rejected(resilience.KindNetworkMismatch,
			fmt.Errorf("permission is on %s (%s), caller expects %s", network.Name, network.Class(), want))
	}
	asset := opts.Asset
	if asset == (common.Address{}) {
		asset = network.DefaultAsset
	}
	if a.Permission.Token != asset {
		return resilience.Rejected(resilience.KindAssetMismatch,
			fmt.Errorf("permission token %s, expected %s", a.Permission.Token.Hex(), asset.Hex()))
	}

	now := s.now().Unix()
	if _, err := permission.CurrentPeriod(&a.Permission, now); err != nil {
		return resilience.Rejected(resilience.KindInvalidAuthorization, err)
	}

	conn, err := s.conns.Get(ctx, network)
	if err != nil {
		return preflight(fmt.Errorf("connect %s: %w", network.Name, err))
	}
	state, err := conn.ReadOnChainState(ctx, a)
	if err != nil {
		return preflight(fmt.Errorf("read spend state: %w", err))
	}
	status, err := permission.Resolve(a, state, now)
	if err != nil {
		return resilience.Rejected(resilience.KindInvalidAuthorization, err)
	}
	if !status.IsSubscribed {
		if status.IsRevoked {
			return resilience.Rejected(resilience.KindPermissionRevoked, errors.New("permission revoked"))
		}
		return resilience.Rejected(resilience.KindInvalidAuthorization, errors.New("permission is not active"))
	}

	value := amount.Value
	if amount.Max {
		value = status.Remaining
	}
	if value == nil || value.Sign() <= 0 {
		return resilience.Rejected(resilience.KindInsufficientAllowance,
			fmt.Errorf("nothing to charge (remaining %s)", status.Remaining))
	}
	if value.Cmp(status.Remaining) > 0 {
		return resilience.Rejected(resilience.KindInsufficientAllowance,
			fmt.Errorf("amount %s exceeds remaining allowance %s", value, status.Remaining))
	}

	calls, err := chain.PrepareCalls(s.manager, a, value, state.IsValid)
	if err != nil {
		return resilience.Rejected(resilience.KindInvalidAuthorization, err)
	}

	cfg := s.cfg
	if opts.Config != nil {
		cfg = *opts.Config
	}
	cfg.Label = hash
	if obs := resilience.Observers(cfg.Observer, s.observer); obs != nil {
		cfg.Observer = obs
	}

	log.Info("submitting charge",
		zap.String("network", network.Name),
		zap.String("value", value.String()),
		zap.Int64("period", status.PeriodIndex),
	)
	return s.engine.Submit(ctx, newChargeOperation(conn, calls), cfg)
}

// Status resolves the permission's current standing. An expired permission
// is answered without touching the network.
func (s *Service) Status(ctx context.Context, hash string) (permission.Status, error) {
	rec, err := s.auths.Get(ctx, hash)
	if err != nil {
		return permission.Status{}, err
	}
	a := &rec.Authorization
	now := s.now().Unix()

	if _, err := permission.CurrentPeriod(&a.Permission, now); err != nil {
		if errors.Is(err, permission.ErrExpired) {
			return permission.Resolve(a, permission.SpendState{}, now)
		}
		return permission.Status{}, err
	}

	network, ok := s.networks.ByChainID(a.ChainID)
	if !ok {
		return permission.Status{}, fmt.Errorf("unsupported chain %d", a.ChainID)
	}
	conn, err := s.conns.Get(ctx, network)
	if err != nil {
		return permission.Status{}, fmt.Errorf("connect %s: %w", network.Name, err)
	}
	state, err := conn.ReadOnChainState(ctx, a)
	if err != nil {
		return permission.Status{}, fmt.Errorf("read spend state: %w", err)
	}
	return permission.Resolve(a, state, now)
}

var (
	ErrUnsupportedChain = errors.New("unsupported chain")
	ErrWrongSpender     = errors.New("permission spender is not this service")
)

// Register verifies a signed permission and stores it. spender, if
// non-zero, must match the permission's spender.
func (s *Service) Register(ctx context.Context, a *permission.Authorization, spender common.Address, autoCharge bool) (*Record, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	if _, ok := s.networks.ByChainID(a.ChainID); !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedChain, a.ChainID)
	}
	if spender != (common.Address{}) && a.Permission.Spender != spender {
		return nil, ErrWrongSpender
	}
	if a.PermissionHash == (common.Hash{}) {
		a.PermissionHash = permission.Hash(&a.Permission, big.NewInt(a.ChainID), s.manager)
	}
	if err := permission.Verify(a, s.manager); err != nil {
		return nil, err
	}

	rec := Record{Authorization: *a, AutoCharge: autoCharge, CreatedAt: s.now().Unix()}
	if err := s.auths.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("save permission: %w", err)
	}
	s.log.Info("permission registered",
		zap.String("permission", a.HashHex()),
		zap.String("account", a.Permission.Account.Hex()),
		zap.Int64("chain", a.ChainID),
	)
	return &rec, nil
}
