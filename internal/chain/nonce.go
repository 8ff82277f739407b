package chain

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// NonceTracker tracks the next nonce per sender so back-to-back transactions
// do not collide before the first is visible in the pending pool.
type NonceTracker struct {
	mu     sync.Mutex
	nonces map[common.Address]uint64 // one past the highest used
}

func NewNonceTracker() *NonceTracker {
	return &NonceTracker{nonces: make(map[common.Address]uint64)}
}

// Next returns the higher of the RPC pending nonce and the local one, and
// advances the local counter.
func (nt *NonceTracker) Next(addr common.Address, rpcNonce uint64) uint64 {
	nt.mu.Lock()
	defer nt.mu.Unlock()

	nonce := rpcNonce
	if local, ok := nt.nonces[addr]; ok && local > rpcNonce {
		nonce = local
	}
	nt.nonces[addr] = nonce + 1
	return nonce
}

// Reset forgets local state for addr; the next call trusts the RPC nonce.
func (nt *NonceTracker) Reset(addr common.Address) {
	nt.mu.Lock()
	defer nt.mu.Unlock()
	delete(nt.nonces, addr)
}
