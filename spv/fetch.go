package spv

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/raitobridge/blockmmr"
	"github.com/raitobridge/blockmmr/bitcoin"
)

const (
	defaultMaxAttempts = 5
	defaultBackoff     = time.Second
	defaultTimeout     = 2 * time.Minute
)

// IndexerClient is what the fetcher needs from the chain indexing service.
type IndexerClient interface {
	// ChainStateProof returns the most recent proven chain state.
	ChainStateProof(ctx context.Context) (*ChainStateProof, error)

	// BlockInclusionProof returns the proof for the block at blockHeight
	// against the accumulator of numLeaves leaves. Errors wrap
	// ErrStaleSnapshot when that accumulator can't be served anymore.
	BlockInclusionProof(ctx context.Context, blockHeight uint32, numLeaves uint64) (blockmmr.Proof, error)
}

// NodeClient is what the fetcher needs from a bitcoin node.
type NodeClient interface {
	GetTxInclusion(ctx context.Context, txid chainhash.Hash) (*bitcoin.TxInclusion, error)
}

var _ NodeClient = (*bitcoin.Client)(nil)

// FetcherConfig is everything the fetcher and its clients are set up with.
type FetcherConfig struct {
	// IndexerURL is the base URL of the chain indexing service.
	IndexerURL string `json:"raito_rpc_url"`

	// Node is how to reach the bitcoin node.
	Node bitcoin.ClientConfig `json:"bitcoin"`

	// MaxAttempts is how many times the whole fetch is tried.
	MaxAttempts int `json:"max_attempts"`

	// Backoff is multiplied by the attempt number between attempts.
	Backoff time.Duration `json:"backoff"`

	// Timeout bounds the whole fetch, retries included.
	Timeout time.Duration `json:"timeout"`
}

// Fetcher assembles compressed proofs from an indexer and a node.
type Fetcher struct {
	config  FetcherConfig
	indexer IndexerClient
	node    NodeClient
	logger  *zap.Logger
}

// NewFetcher returns a fetcher. Zero values in config get defaults.
func NewFetcher(config FetcherConfig, indexer IndexerClient, node NodeClient, logger *zap.Logger) *Fetcher {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaultMaxAttempts
	}
	if config.Backoff <= 0 {
		config.Backoff = defaultBackoff
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		config:  config,
		indexer: indexer,
		node:    node,
		logger:  logger.Named("fetcher"),
	}
}

// Fetch returns a compressed proof for the transaction. The block inclusion
// proof is pinned to the size of the accumulator the chain state commits to
// and its root is checked against the attested one before returning, so a
// returned proof is always self-consistent.
func (f *Fetcher) Fetch(ctx context.Context, txid chainhash.Hash) (*CompressedProof, error) {
	ctx, cancel := context.WithTimeout(ctx, f.config.Timeout)
	defer cancel()

	logger := f.logger.With(
		zap.String("fetch_id", uuid.New().String()),
		zap.Stringer("txid", txid))
	logger.Info("fetching compressed proof")

	var proof *CompressedProof
	err := retryFetch(ctx, f.config.MaxAttempts, f.config.Backoff, logger,
		func(ctx context.Context) error {
			p, err := f.fetchOnce(ctx, txid, logger)
			if err != nil {
				return err
			}
			proof = p
			return nil
		})
	if err != nil {
		return nil, err
	}

	logger.Info("compressed proof fetched",
		zap.Uint32("block_height", proof.BlockHeight()),
		zap.Uint32("chain_height", proof.ChainState.BlockHeight))
	return proof, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, txid chainhash.Hash, logger *zap.Logger) (*CompressedProof, error) {
	var (
		state *ChainStateProof
		inc   *bitcoin.TxInclusion
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		state, err = f.indexer.ChainStateProof(gctx)
		if err != nil {
			return fmt.Errorf("failed to fetch chain state proof: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		inc, err = f.node.GetTxInclusion(gctx, txid)
		if err != nil {
			return fmt.Errorf("failed to fetch transaction proof: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	chainHeight := state.ChainState.BlockHeight
	if inc.Height > chainHeight {
		return nil, permanent(fmt.Errorf("%w: block %d is above chain height %d",
			ErrBlockNotCommitted, inc.Height, chainHeight))
	}

	numLeaves := uint64(chainHeight) + 1
	logger.Debug("fetching block proof",
		zap.Uint32("block_height", inc.Height),
		zap.Uint64("num_leaves", numLeaves))
	blockProof, err := f.indexer.BlockInclusionProof(ctx, inc.Height, numLeaves)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch block proof: %w", err)
	}

	if blockProof.Height != 0 || blockProof.Index != uint64(inc.Height) ||
		blockProof.NumLeaves != numLeaves {
		return nil, fmt.Errorf("%w: asked for block %d of %d leaves, got node (%d, %d) of %d",
			ErrInconsistentSnapshot, inc.Height, numLeaves,
			blockProof.Height, blockProof.Index, blockProof.NumLeaves)
	}
	root, err := blockProof.Root(bitcoin.HeaderDigest(&inc.Header))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInconsistentSnapshot, err)
	}
	if root != state.Proof.AccumulatorRoot {
		return nil, fmt.Errorf("%w: block proof gives root %s, chain state proof attests %s",
			ErrInconsistentSnapshot, root, state.Proof.AccumulatorRoot)
	}

	return &CompressedProof{
		ChainState:   state.ChainState,
		CircuitProof: state.Proof,
		Header:       inc.Header,
		BlockProof:   blockProof,
		Tx:           inc.Tx,
		TxProof:      inc.Proof,
	}, nil
}
