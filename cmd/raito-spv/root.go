package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/raitobridge/blockmmr/internal/config"
	"github.com/raitobridge/blockmmr/internal/logging"
)

var (
	configPath string
	logLevel   string

	cfg    config.SPV
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "raito-spv",
	Short: "Compressed SPV proofs of bitcoin transactions",
	Long: `raito-spv fetches a self-contained proof that a transaction is in the
bitcoin chain committed by a proven chain state, and verifies it without
talking to anyone.

Endpoints can be set in the config file, with flags, or through the
BITCOIN_RPC, USERPWD and RAITO_BRIDGE_RPC environment variables.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg = config.DefaultSPV()
		if err := config.Load(configPath, &cfg); err != nil {
			return err
		}
		cfg.ApplyEnv(os.LookupEnv)
		if cmd.Flags().Changed("log-level") {
			cfg.Log.Level = logLevel
		}

		var err error
		logger, err = logging.New(cfg.Log)
		if err != nil {
			return fmt.Errorf("failed to set up logging: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// Execute runs the command line.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "JSON config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "debug, info, warn or error")

	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(verifyCmd)
}
