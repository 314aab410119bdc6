package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/raitobridge/blockmmr/circuit"
	"github.com/raitobridge/blockmmr/spv"
)

var (
	verifyProofPath string
	verifyDev       bool
	verifyKeyPath   string
	verifyMinWork   string
)

func networkParams(name string) (*chaincfg.Params, error) {
	switch name {
	case "", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	}
	return nil, fmt.Errorf("unknown network %q", name)
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify a compressed proof offline",
	Long: `verify checks a proof file written by fetch. The block must be in the
accumulator the circuit proof attests, the circuit proof must be valid and
the transaction must be in the block.

Unless --dev is given the chain state must be at the height the accumulator
was proved at. The work check runs whenever a minimum work is set.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("verifying-key") {
			cfg.VerifyingKey = verifyKeyPath
		}
		if cmd.Flags().Changed("min-work") {
			cfg.MinWork = verifyMinWork
		}
		minWork, err := spv.ParseMinWork(cfg.MinWork)
		if err != nil {
			return err
		}
		params, err := networkParams(cfg.Network)
		if err != nil {
			return err
		}

		vk, err := circuit.LoadVerifyingKey(cfg.VerifyingKey)
		if err != nil {
			return fmt.Errorf("failed to load verifying key: %w", err)
		}
		artifact, err := os.ReadFile(verifyProofPath)
		if err != nil {
			return err
		}

		verifier := spv.NewVerifier(circuit.NewGroth16Verifier(vk, logger),
			spv.VerifierConfig{MinWork: minWork}, logger)
		proof, err := verifier.VerifyArtifact(artifact, !verifyDev)
		if err != nil {
			if errors.Is(err, spv.ErrInsufficientWork) {
				pterm.Warning.Println("Not enough work on top of the block yet, try again later")
			}
			pterm.Error.Println(err.Error())
			return err
		}

		rendered, err := spv.FormatTransaction(proof, params)
		if err != nil {
			return err
		}
		pterm.Success.Println("Transaction is included in the proven chain")
		fmt.Println(rendered)
		return nil
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyProofPath, "proof-path", "proof.bin", "proof file to verify")
	verifyCmd.Flags().BoolVar(&verifyDev, "dev", false, "don't check the chain height against the accumulator size")
	verifyCmd.Flags().StringVar(&verifyKeyPath, "verifying-key", "", "circuit verifying key file")
	verifyCmd.Flags().StringVar(&verifyMinWork, "min-work", "", "decimal work required on top of the block, empty disables")
}
