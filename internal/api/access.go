package api

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0gfoundation/0g-subscription-billing/internal/billing"
)

var errForbidden = errors.New("forbidden")

// CheckParty verifies wallet is a party to the permission. With
// spenderOnly, only the spender qualifies.
func CheckParty(rec *billing.Record, wallet common.Address, spenderOnly bool) error {
	p := rec.Authorization.Permission
	if wallet == p.Spender {
		return nil
	}
	if !spenderOnly && wallet == p.Account {
		return nil
	}
	return errForbidden
}
