package chain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Network is a chain the service can charge on.
type Network struct {
	Name         string
	ChainID      int64
	Testnet      bool
	DefaultAsset common.Address // USDC
	RPCURL       string
	Explorer     string
}

// TxURL links a transaction hash on the network's block explorer.
func (n Network) TxURL(hash common.Hash) string {
	if n.Explorer == "" {
		return ""
	}
	return n.Explorer + "/tx/" + hash.Hex()
}

// Class is "testnet" or "mainnet".
func (n Network) Class() string {
	if n.Testnet {
		return "testnet"
	}
	return "mainnet"
}

var knownNetworks = []Network{
	{
		Name:         "base",
		ChainID:      8453,
		DefaultAsset: common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"),
		RPCURL:       "https://mainnet.base.org",
		Explorer:     "https://basescan.org",
	},
	{
		Name:         "base-sepolia",
		ChainID:      84532,
		Testnet:      true,
		DefaultAsset: common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e"),
		RPCURL:       "https://sepolia.base.org",
		Explorer:     "https://sepolia.basescan.org",
	},
}

// Networks holds the known networks with per-deployment RPC overrides.
type Networks struct {
	byID   map[int64]Network
	byName map[string]Network
}

// NewNetworks applies rpcURLs (keyed by network name) over the built-in
// endpoints. Unknown names are an error so typos surface at startup.
func NewNetworks(rpcURLs map[string]string) (*Networks, error) {
	ns := &Networks{byID: map[int64]Network{}, byName: map[string]Network{}}
	for _, n := range knownNetworks {
		if u := rpcURLs[n.Name]; u != "" {
			n.RPCURL = u
		}
		ns.byID[n.ChainID] = n
		ns.byName[n.Name] = n
	}
	for name := range rpcURLs {
		if _, ok := ns.byName[name]; !ok {
			return nil, fmt.Errorf("rpc url for unknown network %q", name)
		}
	}
	return ns, nil
}

func (ns *Networks) ByChainID(id int64) (Network, bool) {
	n, ok := ns.byID[id]
	return n, ok
}

func (ns *Networks) ByName(name string) (Network, bool) {
	n, ok := ns.byName[name]
	return n, ok
}

// All returns networks in declaration order.
func (ns *Networks) All() []Network {
	out := make([]Network, 0, len(knownNetworks))
	for _, n := range knownNetworks {
		out = append(out, ns.byName[n.Name])
	}
	return out
}
