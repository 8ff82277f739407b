package permission

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// SpendPermission holds the signed terms of a recurring authorization.
// Field order and widths follow the SpendPermissionManager struct.
type SpendPermission struct {
	Account       common.Address `json:"account"`
	Spender       common.Address `json:"spender"`
	Token         common.Address `json:"token"`
	Allowance     *big.Int       `json:"allowance"`      // uint160, smallest token unit
	PeriodSeconds int64          `json:"period_seconds"` // uint48
	Start         int64          `json:"start"`          // uint48, epoch seconds
	End           int64          `json:"end"`            // uint48, epoch seconds
	Salt          *big.Int       `json:"salt"`
	ExtraData     hexutil.Bytes  `json:"extra_data"`
}

// Authorization is a signed SpendPermission bound to a chain. It is created
// off-device by the account owner and is read-only afterwards.
type Authorization struct {
	Permission     SpendPermission `json:"permission"`
	Signature      hexutil.Bytes   `json:"signature"`
	ChainID        int64           `json:"chain_id"`
	PermissionHash common.Hash     `json:"permission_hash"`
}

// SpendState is a snapshot of on-chain accounting for an authorization.
type SpendState struct {
	Spend     *big.Int // spend in the current period
	IsRevoked bool
	IsValid   bool // approved on-chain and not revoked
}

var (
	ErrInvalidPeriod    = errors.New("period_seconds must be positive")
	ErrInvalidWindow    = errors.New("end must be after start")
	ErrInvalidAllowance = errors.New("allowance must be positive")
	ErrMissingSignature = errors.New("signature missing")
)

// maxUint48 bounds period, start and end.
const maxUint48 = 1<<48 - 1

// Validate checks the static terms. It does not check the signature.
func (p *SpendPermission) Validate() error {
	if p.PeriodSeconds <= 0 || p.PeriodSeconds > maxUint48 {
		return ErrInvalidPeriod
	}
	if p.Start < 0 || p.End > maxUint48 || p.End <= p.Start {
		return ErrInvalidWindow
	}
	if p.Allowance == nil || p.Allowance.Sign() <= 0 || p.Allowance.BitLen() > 160 {
		return ErrInvalidAllowance
	}
	return nil
}

// Validate checks the terms and that a signature is present.
func (a *Authorization) Validate() error {
	if err := a.Permission.Validate(); err != nil {
		return err
	}
	if len(a.Signature) == 0 {
		return ErrMissingSignature
	}
	return nil
}

// HashHex is the permission hash as 0x-prefixed hex, used as the store key.
func (a *Authorization) HashHex() string {
	return a.PermissionHash.Hex()
}
