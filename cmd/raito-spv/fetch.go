package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/raitobridge/blockmmr/bitcoin"
	"github.com/raitobridge/blockmmr/bridge"
	"github.com/raitobridge/blockmmr/spv"
)

var (
	fetchTxID       string
	fetchProofPath  string
	fetchBridgeURL  string
	fetchBitcoinURL string
	fetchUserPass   string
	fetchCookiePath string
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch the compressed proof of a transaction",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		txid, err := chainhash.NewHashFromStr(fetchTxID)
		if err != nil {
			return fmt.Errorf("invalid txid: %w", err)
		}
		if cmd.Flags().Changed("raito-rpc-url") {
			cfg.Fetcher.IndexerURL = fetchBridgeURL
		}
		if cmd.Flags().Changed("bitcoin-rpc-url") {
			cfg.Fetcher.Node.URL = fetchBitcoinURL
		}
		if cmd.Flags().Changed("bitcoin-rpc-userpwd") {
			cfg.Fetcher.Node.UserPass = fetchUserPass
		}
		if cmd.Flags().Changed("bitcoin-rpc-cookie") {
			cfg.Fetcher.Node.CookiePath = fetchCookiePath
		}

		node, err := bitcoin.NewClient(cfg.Fetcher.Node, logger)
		if err != nil {
			return err
		}
		defer node.Close()
		indexer, err := bridge.NewClient(cfg.Fetcher.IndexerURL, logger)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		spinner, _ := pterm.DefaultSpinner.Start("Fetching proof of " + txid.String())
		proof, err := spv.NewFetcher(cfg.Fetcher, indexer, node, logger).Fetch(ctx, *txid)
		if err != nil {
			spinner.Fail(err.Error())
			return err
		}
		artifact, err := spv.EncodeProof(proof)
		if err != nil {
			spinner.Fail(err.Error())
			return err
		}
		if err := os.WriteFile(fetchProofPath, artifact, 0644); err != nil {
			spinner.Fail(err.Error())
			return err
		}

		spinner.Success(fmt.Sprintf("Proof of block %d against chain height %d written to %s (%d bytes)",
			proof.BlockHeight(), proof.ChainState.BlockHeight, fetchProofPath, len(artifact)))
		return nil
	},
}

func init() {
	fetchCmd.Flags().StringVar(&fetchTxID, "txid", "", "transaction id")
	fetchCmd.Flags().StringVar(&fetchProofPath, "proof-path", "proof.bin", "where to write the proof")
	fetchCmd.Flags().StringVar(&fetchBridgeURL, "raito-rpc-url", "", "chain indexing service url")
	fetchCmd.Flags().StringVar(&fetchBitcoinURL, "bitcoin-rpc-url", "", "bitcoin node RPC url")
	fetchCmd.Flags().StringVar(&fetchUserPass, "bitcoin-rpc-userpwd", "", "bitcoin node RPC user:password")
	fetchCmd.Flags().StringVar(&fetchCookiePath, "bitcoin-rpc-cookie", "", "bitcoin node auth cookie, used without a password")
	_ = fetchCmd.MarkFlagRequired("txid")
}
