package permission

import (
	"errors"
	"math/big"
)

// Status is the resolved view of an authorization at a point in time.
type Status struct {
	IsSubscribed bool     `json:"is_subscribed"`
	Remaining    *big.Int `json:"remaining"`
	PeriodStart  int64    `json:"period_start"`
	PeriodEnd    int64    `json:"period_end"`
	PeriodIndex  int64    `json:"period_index"`
	Expired      bool     `json:"expired"`
	IsRevoked    bool     `json:"is_revoked"`
}

// HasOnChainRecord reports whether the snapshot shows any trace of the
// permission on-chain. A freshly signed permission has none until its first
// charge approves it.
func (s SpendState) HasOnChainRecord() bool {
	return s.IsValid || s.IsRevoked || (s.Spend != nil && s.Spend.Sign() > 0)
}

// Remaining returns max(allowance - spend, 0).
func Remaining(allowance, spend *big.Int) *big.Int {
	r := new(big.Int).Set(allowance)
	if spend != nil {
		r.Sub(r, spend)
	}
	if r.Sign() < 0 {
		r.SetInt64(0)
	}
	return r
}

// Resolve combines the terms, an on-chain snapshot and now into a Status.
// A permission with no on-chain record yet is reported as subscribed.
func Resolve(a *Authorization, state SpendState, now int64) (Status, error) {
	p := &a.Permission
	period, err := CurrentPeriod(p, now)
	switch {
	case errors.Is(err, ErrExpired):
		final := FinalPeriod(p)
		return Status{
			Remaining:   new(big.Int),
			PeriodStart: final.Start,
			PeriodEnd:   final.End,
			PeriodIndex: final.Index,
			Expired:     true,
			IsRevoked:   state.IsRevoked,
		}, nil
	case err != nil:
		return Status{}, err
	}

	subscribed := !state.IsRevoked && (state.IsValid || !state.HasOnChainRecord())
	return Status{
		IsSubscribed: subscribed,
		Remaining:    Remaining(p.Allowance, state.Spend),
		PeriodStart:  period.Start,
		PeriodEnd:    period.End,
		PeriodIndex:  period.Index,
		IsRevoked:    state.IsRevoked,
	}, nil
}
