package main

import (
	"crypto/ecdsa"
	"errors"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
)

// EnvKey holds the operator's hex private key when --key is not given.
const EnvKey = "PERMCTL_KEY"

type globals struct {
	server string
	key    string
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "permctl",
		Short: "Operate recurring spend permissions",
		Long: `permctl talks to the subscription billing API and works with spend
permissions offline.

Example:
  permctl status 0x3f... --server http://localhost:8080
  permctl charge 0x3f... --amount 250000
  permctl sign permission.json --chain-id 84532
  permctl txid base-sepolia:0x9a...`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.server, "server", "http://localhost:8080", "billing API base URL")
	root.PersistentFlags().StringVar(&g.key, "key", "", "hex private key (default $"+EnvKey+")")

	root.AddCommand(
		newStatusCmd(g),
		newChargeCmd(g),
		newSignCmd(g),
		newTxIDCmd(),
	)
	return root
}

func (g *globals) privateKey() (*ecdsa.PrivateKey, error) {
	k := g.key
	if k == "" {
		k = os.Getenv(EnvKey)
	}
	if k == "" {
		return nil, errors.New("no key: pass --key or set " + EnvKey)
	}
	return crypto.HexToECDSA(strings.TrimPrefix(k, "0x"))
}

func (g *globals) client() (*apiClient, error) {
	key, err := g.privateKey()
	if err != nil {
		return nil, err
	}
	return newAPIClient(g.server, key), nil
}
