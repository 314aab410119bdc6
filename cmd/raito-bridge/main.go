// Command raito-bridge indexes bitcoin block headers into the accumulator and
// serves roots and inclusion proofs over HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/raitobridge/blockmmr"
	"github.com/raitobridge/blockmmr/bitcoin"
	"github.com/raitobridge/blockmmr/bridge"
	"github.com/raitobridge/blockmmr/circuit"
	"github.com/raitobridge/blockmmr/internal/config"
	"github.com/raitobridge/blockmmr/internal/logging"
	"github.com/raitobridge/blockmmr/store"
)

var flags struct {
	config     string
	logLevel   string
	bitcoinURL string
	userPass   string
	cookiePath string
	addr       string
	lag        uint32
	dataDir    string
	keyDir     string
}

var rootCmd = &cobra.Command{
	Use:   "raito-bridge",
	Short: "Bitcoin header accumulator indexer and proof service",
	Long: `raito-bridge follows a bitcoin node, adds the header of every block with
enough confirmations to the accumulator, writes the sparse roots of each
state and serves roots and block inclusion proofs over HTTP.

The node can also be set through the BITCOIN_RPC and USERPWD environment
variables.`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.DefaultBridge()
		if err := config.Load(flags.config, &cfg); err != nil {
			return err
		}
		cfg.ApplyEnv(os.LookupEnv)
		applyFlags(cmd, &cfg)

		logger, err := logging.New(cfg.Log)
		if err != nil {
			return fmt.Errorf("failed to set up logging: %w", err)
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg, logger)
	},
}

func applyFlags(cmd *cobra.Command, cfg *config.Bridge) {
	f := cmd.Flags()
	if f.Changed("log-level") {
		cfg.Log.Level = flags.logLevel
	}
	if f.Changed("bitcoin-rpc-url") {
		cfg.Bitcoin.URL = flags.bitcoinURL
	}
	if f.Changed("bitcoin-rpc-userpwd") {
		cfg.Bitcoin.UserPass = flags.userPass
	}
	if f.Changed("bitcoin-rpc-cookie") {
		cfg.Bitcoin.CookiePath = flags.cookiePath
	}
	if f.Changed("addr") {
		cfg.Server.Addr = flags.addr
	}
	if f.Changed("confirmation-lag") {
		cfg.Indexer.ConfirmationLag = flags.lag
	}
	if f.Changed("data-dir") {
		cfg.Store.Dir = flags.dataDir + "/history"
		cfg.Indexer.StatePath = flags.dataDir + "/chainstate.json"
		cfg.SparseRoots.Dir = flags.dataDir + "/sparse_roots"
	}
	if f.Changed("key-dir") {
		cfg.KeyDir = flags.keyDir
	}
}

func run(ctx context.Context, cfg config.Bridge, logger *zap.Logger) error {
	history, err := store.Open(cfg.Store, logger)
	if err != nil {
		return err
	}
	defer history.Close()

	acc, err := blockmmr.NewAccumulator(history)
	if err != nil {
		return err
	}
	logger.Info("accumulator opened", zap.Uint64("num_leaves", acc.GetNumLeaves()),
		zap.Stringer("root", acc.GetRoot()))

	node, err := bitcoin.NewClient(cfg.Bitcoin, logger)
	if err != nil {
		return err
	}
	defer node.Close()

	deps := bridge.IndexerDeps{Headers: node, Accumulator: acc}
	if cfg.SparseRoots.Dir != "" {
		deps.Sink, err = bridge.NewSparseRootsSink(cfg.SparseRoots, logger)
		if err != nil {
			return err
		}
	}
	if cfg.KeyDir != "" {
		prover, err := circuit.OpenGroth16Prover(cfg.KeyDir)
		if err != nil {
			return err
		}
		deps.Prover = prover
		logger.Info("chain state proving enabled", zap.String("key_dir", cfg.KeyDir))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	deps.Metrics = bridge.NewMetrics(reg)

	indexer, err := bridge.NewIndexer(cfg.Indexer, deps, logger)
	if err != nil {
		return err
	}
	server, err := bridge.NewServer(cfg.Server, acc, indexer, deps.Metrics, reg, logger)
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return err
	}

	runErr := indexer.Run(ctx)
	if err := server.Stop(context.Background()); err != nil {
		logger.Warn("failed to stop http service", zap.Error(err))
	}
	return runErr
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flags.config, "config", "", "JSON config file")
	f.StringVar(&flags.logLevel, "log-level", "info", "debug, info, warn or error")
	f.StringVar(&flags.bitcoinURL, "bitcoin-rpc-url", "", "bitcoin node RPC url")
	f.StringVar(&flags.userPass, "bitcoin-rpc-userpwd", "", "bitcoin node RPC user:password")
	f.StringVar(&flags.cookiePath, "bitcoin-rpc-cookie", "", "bitcoin node auth cookie, used without a password")
	f.StringVar(&flags.addr, "addr", "", "address the HTTP service listens on")
	f.Uint32Var(&flags.lag, "confirmation-lag", 1, "confirmations a block needs before it's indexed")
	f.StringVar(&flags.dataDir, "data-dir", "", "directory for the history, chain state and sparse roots")
	f.StringVar(&flags.keyDir, "key-dir", "", "directory of the circuit keys, proving is off without it")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
