package chain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var ErrInvalidTxID = errors.New("invalid transaction id")

// FormatTxID renders "<network>:<0x-hash>".
func FormatTxID(network string, hash common.Hash) string {
	return network + ":" + hash.Hex()
}

// ParseTxID splits a transaction id. A bare hash is accepted and returns an
// empty network; the caller supplies it from context. Exactly one separator
// is allowed.
func ParseTxID(id string) (network string, hash common.Hash, err error) {
	raw := id
	if before, after, found := strings.Cut(id, ":"); found {
		network, raw = before, after
		if network == "" {
			return "", common.Hash{}, fmt.Errorf("%w: empty network in %q", ErrInvalidTxID, id)
		}
		if strings.Contains(raw, ":") {
			return "", common.Hash{}, fmt.Errorf("%w: more than one separator in %q", ErrInvalidTxID, id)
		}
	}
	b, err := hexutil.Decode(raw)
	if err != nil || len(b) != common.HashLength {
		return "", common.Hash{}, fmt.Errorf("%w: malformed hash in %q", ErrInvalidTxID, id)
	}
	return network, common.BytesToHash(b), nil
}
