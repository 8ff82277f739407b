package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/0gfoundation/0g-subscription-billing/internal/permission"
)

// DefaultManager is the SpendPermissionManager deployment shared by Base
// mainnet and Base Sepolia.
var DefaultManager = common.HexToAddress("0xf85210B21cC50302F477BA56686d2019dC9b67Ad")

const spendPermissionTuple = `{"name":"spendPermission","type":"tuple","components":[
	{"name":"account","type":"address"},
	{"name":"spender","type":"address"},
	{"name":"token","type":"address"},
	{"name":"allowance","type":"uint160"},
	{"name":"period","type":"uint48"},
	{"name":"start","type":"uint48"},
	{"name":"end","type":"uint48"},
	{"name":"salt","type":"uint256"},
	{"name":"extraData","type":"bytes"}]}`

// managerABIJSON covers the subset of SpendPermissionManager the service calls.
const managerABIJSON = `[
{"type":"function","name":"approveWithSignature","stateMutability":"nonpayable",
 "inputs":[` + spendPermissionTuple + `,{"name":"signature","type":"bytes"}],
 "outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"spend","stateMutability":"nonpayable",
 "inputs":[` + spendPermissionTuple + `,{"name":"value","type":"uint160"}],
 "outputs":[]},
{"type":"function","name":"isApproved","stateMutability":"view",
 "inputs":[` + spendPermissionTuple + `],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"isRevoked","stateMutability":"view",
 "inputs":[` + spendPermissionTuple + `],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"isValid","stateMutability":"view",
 "inputs":[` + spendPermissionTuple + `],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"getCurrentPeriod","stateMutability":"view",
 "inputs":[` + spendPermissionTuple + `],
 "outputs":[{"name":"","type":"tuple","components":[
	{"name":"start","type":"uint48"},
	{"name":"end","type":"uint48"},
	{"name":"spend","type":"uint160"}]}]}
]`

var managerABI = mustParseABI(managerABIJSON)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("parse SpendPermissionManager abi: %v", err))
	}
	return parsed
}

// abiSpendPermission is the Go shape go-ethereum packs into the tuple.
type abiSpendPermission struct {
	Account   common.Address
	Spender   common.Address
	Token     common.Address
	Allowance *big.Int
	Period    *big.Int
	Start     *big.Int
	End       *big.Int
	Salt      *big.Int
	ExtraData []byte
}

type abiPeriodSpend struct {
	Start *big.Int
	End   *big.Int
	Spend *big.Int
}

func toABI(p *permission.SpendPermission) abiSpendPermission {
	salt := p.Salt
	if salt == nil {
		salt = new(big.Int)
	}
	extra := []byte(p.ExtraData)
	if extra == nil {
		extra = []byte{}
	}
	return abiSpendPermission{
		Account:   p.Account,
		Spender:   p.Spender,
		Token:     p.Token,
		Allowance: p.Allowance,
		Period:    big.NewInt(p.PeriodSeconds),
		Start:     big.NewInt(p.Start),
		End:       big.NewInt(p.End),
		Salt:      salt,
		ExtraData: extra,
	}
}
