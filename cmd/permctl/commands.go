package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"github.com/0gfoundation/0g-subscription-billing/internal/chain"
	"github.com/0gfoundation/0g-subscription-billing/internal/permission"
)

func newStatusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status <permission-hash>",
		Short: "Show the current period and remaining allowance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			hash := args[0]
			body, _, err := c.do(cmd.Context(), http.MethodGet, "/api/permissions/"+hash+"/status", "status", hash, nil)
			printJSON(cmd.OutOrStdout(), body)
			return err
		},
	}
}

func newChargeCmd(g *globals) *cobra.Command {
	var amount string
	cmd := &cobra.Command{
		Use:   "charge <permission-hash>",
		Short: "Charge a permission now",
		Long: `Charge a registered permission through the billing service. Without
--amount the full remaining allowance of the current period is charged.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if amount != "" {
				if v, ok := new(big.Int).SetString(amount, 10); !ok || v.Sign() <= 0 {
					return fmt.Errorf("invalid --amount %q: want a positive integer in the token's smallest unit", amount)
				}
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			hash := args[0]
			body, _, err := c.do(cmd.Context(), http.MethodPost, "/api/permissions/"+hash+"/charge", "charge", hash,
				map[string]string{"amount": amount})
			printJSON(cmd.OutOrStdout(), body)
			return err
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "", "amount in the token's smallest unit (default: all remaining)")
	return cmd
}

func newSignCmd(g *globals) *cobra.Command {
	var (
		chainID int64
		manager string
	)
	cmd := &cobra.Command{
		Use:   "sign <permission.json|->",
		Short: "Sign a spend permission as its account",
		Long: `Read SpendPermission JSON and print a signed authorization ready for
POST /api/permissions. The key must belong to the permission's account.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			var p permission.SpendPermission
			if err := json.Unmarshal(raw, &p); err != nil {
				return fmt.Errorf("parse permission: %w", err)
			}
			key, err := g.privateKey()
			if err != nil {
				return err
			}
			m := chain.DefaultManager
			if manager != "" {
				if !common.IsHexAddress(manager) {
					return fmt.Errorf("invalid --manager %q", manager)
				}
				m = common.HexToAddress(manager)
			}
			if err := p.Validate(); err != nil {
				return err
			}
			if signer := crypto.PubkeyToAddress(key.PublicKey); signer != p.Account {
				return fmt.Errorf("key belongs to %s, permission account is %s", signer.Hex(), p.Account.Hex())
			}
			a := &permission.Authorization{Permission: p, ChainID: chainID}
			if err := permission.Sign(a, key, m); err != nil {
				return err
			}
			out, err := json.MarshalIndent(a, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().Int64Var(&chainID, "chain-id", 84532, "chain id the permission is bound to")
	cmd.Flags().StringVar(&manager, "manager", "", "SpendPermissionManager address (default: canonical deployment)")
	return cmd
}

func newTxIDCmd() *cobra.Command {
	var network string
	cmd := &cobra.Command{
		Use:   "txid <id>",
		Short: "Decode a transaction id and print its explorer link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, hash, err := chain.ParseTxID(args[0])
			if err != nil {
				return err
			}
			if name == "" {
				name = network
			}
			networks, err := chain.NewNetworks(nil)
			if err != nil {
				return err
			}
			n, ok := networks.ByName(name)
			if !ok {
				return fmt.Errorf("unknown network %q", name)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "network:  %s (chain %d)\n", n.Name, n.ChainID)
			fmt.Fprintf(w, "hash:     %s\n", hash.Hex())
			fmt.Fprintf(w, "explorer: %s\n", n.TxURL(hash))
			return nil
		},
	}
	cmd.Flags().StringVar(&network, "network", "base", "network for ids without a network prefix")
	return cmd
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

func printJSON(w io.Writer, body []byte) {
	if len(body) == 0 {
		return
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		fmt.Fprintln(w, string(body))
		return
	}
	fmt.Fprintln(w, buf.String())
}
