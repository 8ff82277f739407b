package chain

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0gfoundation/0g-subscription-billing/internal/permission"
)

// Call is one contract call inside an operation.
type Call struct {
	To    common.Address `json:"to"`
	Data  []byte         `json:"data"`
	Value *big.Int       `json:"value"`
}

var ErrZeroAmount = errors.New("charge amount must be positive")

// PrepareCalls builds the ordered approveWithSignature + spend pair. When the
// permission is already approved on-chain only the spend is returned.
func PrepareCalls(manager common.Address, a *permission.Authorization, amount *big.Int, approved bool) ([]Call, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	sp := toABI(&a.Permission)

	spend, err := managerABI.Pack("spend", sp, amount)
	if err != nil {
		return nil, fmt.Errorf("pack spend: %w", err)
	}
	spendCall := Call{To: manager, Data: spend, Value: new(big.Int)}
	if approved {
		return []Call{spendCall}, nil
	}

	approve, err := managerABI.Pack("approveWithSignature", sp, []byte(a.Signature))
	if err != nil {
		return nil, fmt.Errorf("pack approveWithSignature: %w", err)
	}
	return []Call{{To: manager, Data: approve, Value: new(big.Int)}, spendCall}, nil
}
