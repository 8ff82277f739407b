package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

// FailureKind is the classification of a submission failure.
type FailureKind uint8

const (
	KindNone FailureKind = iota // no failure; never returned by Classify
	KindInsufficientGas
	KindNonceConflict
	KindNetworkTimeout
	KindSponsorRejected
	KindInvalidAuthorization
	KindInsufficientAllowance
	KindPermissionRevoked
	KindNetworkMismatch
	KindAssetMismatch
	KindUserRejected
	KindUnknown
)

var kindNames = map[FailureKind]string{
	KindNone:                  "",
	KindInsufficientGas:       "insufficient_gas",
	KindNonceConflict:         "nonce_conflict",
	KindNetworkTimeout:        "network_timeout",
	KindSponsorRejected:       "sponsor_rejected",
	KindInvalidAuthorization:  "invalid_authorization",
	KindInsufficientAllowance: "insufficient_allowance",
	KindPermissionRevoked:     "permission_revoked",
	KindNetworkMismatch:       "network_mismatch",
	KindAssetMismatch:         "asset_mismatch",
	KindUserRejected:          "user_rejected",
	KindUnknown:               "unknown",
}

func (k FailureKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Recoverable reports whether the engine may retry a failure of this kind.
func (k FailureKind) Recoverable() bool {
	switch k {
	case KindInsufficientGas, KindNonceConflict, KindNetworkTimeout, KindSponsorRejected:
		return true
	default:
		return false
	}
}

func (k FailureKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *FailureKind) UnmarshalText(b []byte) error {
	for kind, name := range kindNames {
		if name == string(b) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown failure kind %q", b)
}

// Error carries an explicit kind. Collaborators that know what went wrong
// return one instead of relying on message matching.
type Error struct {
	Kind FailureKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error of the given kind.
func Errorf(kind FailureKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// JSON-RPC and ERC-4337 bundler error codes with a fixed meaning.
var rpcCodeKinds = map[int]FailureKind{
	4001:   KindUserRejected,
	-32005: KindNetworkTimeout,       // limit exceeded
	-32501: KindSponsorRejected,      // rejected by paymaster
	-32504: KindSponsorRejected,      // paymaster throttled or banned
	-32507: KindInvalidAuthorization, // invalid signature
}

type pattern struct {
	kind   FailureKind
	needle []string
}

// Order matters: the first matching group wins.
var messagePatterns = []pattern{
	{KindUserRejected, []string{"user rejected", "user denied", "rejected by user"}},
	{KindPermissionRevoked, []string{"revoked"}},
	{KindInsufficientAllowance, []string{"exceeded spend permission", "exceededspendpermission", "exceeds allowance", "insufficient allowance", "exceeded allowance"}},
	{KindInvalidAuthorization, []string{
		"invalid signature", "unauthorized spender", "invalid sender", "before spend permission start",
		"after spend permission end", "zero period", "invalid start end",
	}},
	{KindSponsorRejected, []string{"paymaster", "sponsor", "insufficient funds for gas"}},
	{KindNonceConflict, []string{"nonce too low", "nonce too high", "invalid nonce", "invalid account nonce", "already known", "nonce has already been used"}},
	{KindInsufficientGas, []string{
		"intrinsic gas too low", "out of gas", "gas required exceeds", "underpriced",
		"max fee per gas less than block base fee", "fee cap less than block base fee", "gas too low",
	}},
	{KindNetworkTimeout, []string{
		"timeout", "timed out", "deadline exceeded", "connection reset", "connection refused",
		"broken pipe", "unexpected eof", "too many requests", "rate limit",
		"status 429", "status 502", "status 503", "status 504",
		"temporarily unavailable", "no such host",
	}},
}

// Classify maps a failure signal to exactly one kind. Unrecognised failures
// are KindUnknown, which is not recoverable.
func Classify(err error) FailureKind {
	if err == nil {
		return KindUnknown
	}

	var kerr *Error
	if errors.As(err, &kerr) && kerr.Kind != KindNone {
		return kerr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetworkTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindUnknown
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		if kind, ok := rpcCodeKinds[rpcErr.ErrorCode()]; ok {
			return kind
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindNetworkTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindNetworkTimeout
	}

	msg := strings.ToLower(err.Error())
	for _, p := range messagePatterns {
		for _, n := range p.needle {
			if strings.Contains(msg, n) {
				return p.kind
			}
		}
	}
	return KindUnknown
}
