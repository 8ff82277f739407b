package chain

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var sampleHash = common.HexToHash("0x9c1d3e2f4a5b6c7d8e9f00112233445566778899aabbccddeeff001122334455")

func TestFormatTxID(t *testing.T) {
	if got, want := FormatTxID("base", sampleHash), "base:"+sampleHash.Hex(); got != want {
		t.Errorf("got %s want %s", got, want)
	}
}

func TestParseTxID(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		network string
		wantErr bool
	}{
		{"prefixed", "base:" + sampleHash.Hex(), "base", false},
		{"testnet prefix", "base-sepolia:" + sampleHash.Hex(), "base-sepolia", false},
		{"legacy bare hash", sampleHash.Hex(), "", false},
		{"empty prefix", ":" + sampleHash.Hex(), "", true},
		{"two separators", "a:b:" + sampleHash.Hex(), "", true},
		{"trailing separator", "base:" + sampleHash.Hex() + ":", "", true},
		{"short hash", "base:0xabc", "", true},
		{"no 0x", "base:" + sampleHash.Hex()[2:], "", true},
		{"empty", "", "", true},
		{"not hex", "base:0x" + string(make([]byte, 64)), "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			network, hash, err := ParseTxID(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTxID) {
					t.Fatalf("got %v, want ErrInvalidTxID", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTxID: %v", err)
			}
			if network != tt.network {
				t.Errorf("network: got %q want %q", network, tt.network)
			}
			if hash != sampleHash {
				t.Errorf("hash: got %s", hash.Hex())
			}
		})
	}
}

func TestParseTxID_RoundTrip(t *testing.T) {
	network, hash, err := ParseTxID(FormatTxID("base", sampleHash))
	if err != nil {
		t.Fatalf("ParseTxID: %v", err)
	}
	if network != "base" || hash != sampleHash {
		t.Errorf("got %s %s", network, hash.Hex())
	}
}

func TestNetworks(t *testing.T) {
	ns, err := NewNetworks(map[string]string{"base-sepolia": "http://localhost:8545"})
	if err != nil {
		t.Fatalf("NewNetworks: %v", err)
	}

	n, ok := ns.ByChainID(84532)
	if !ok {
		t.Fatal("base-sepolia not found by chain id")
	}
	if n.Name != "base-sepolia" || !n.Testnet || n.Class() != "testnet" {
		t.Errorf("got %+v class %s", n, n.Class())
	}
	if n.RPCURL != "http://localhost:8545" {
		t.Errorf("rpc override: got %s", n.RPCURL)
	}

	n, ok = ns.ByName("base")
	if !ok {
		t.Fatal("base not found by name")
	}
	if n.Class() != "mainnet" || n.RPCURL != "https://mainnet.base.org" {
		t.Errorf("got %+v class %s", n, n.Class())
	}

	if _, ok := ns.ByChainID(1); ok {
		t.Error("chain 1 is not supported")
	}
	if got := len(ns.All()); got != 2 {
		t.Errorf("networks: got %d want 2", got)
	}

	if _, err := NewNetworks(map[string]string{"basee": "http://x"}); err == nil {
		t.Error("expected error for unknown network override")
	}
}
