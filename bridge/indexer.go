// Package bridge runs the block indexer that feeds headers into the
// accumulator, and the HTTP service clients fetch proofs from.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sync"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"

	"github.com/raitobridge/blockmmr"
	"github.com/raitobridge/blockmmr/bitcoin"
	"github.com/raitobridge/blockmmr/spv"
)

// epochLength is the number of blocks between difficulty adjustments.
const epochLength = 2016

const maxPrevTimestamps = 11

// HeaderSource returns the headers of the best chain.
type HeaderSource interface {
	// WaitBlockHeader blocks until the header at height has lag blocks on
	// top of it.
	WaitBlockHeader(ctx context.Context, height, lag uint32) (wire.BlockHeader, chainhash.Hash, error)

	// GetBlockHeaderByHeight returns the header at height right away.
	GetBlockHeaderByHeight(ctx context.Context, height uint32) (wire.BlockHeader, chainhash.Hash, error)
}

var _ HeaderSource = (*bitcoin.Client)(nil)

// Prover makes circuit proofs of chain states.
type Prover interface {
	Prove(state spv.ChainState, root blockmmr.Hash) ([]byte, error)
}

// IndexerConfig configures the indexer.
type IndexerConfig struct {
	// ConfirmationLag is how many blocks must be built on a block before it
	// is indexed.
	ConfirmationLag uint32 `json:"confirmation_lag"`

	// ProveInterval makes the indexer prove the chain state every that many
	// blocks. Zero disables proving.
	ProveInterval uint32 `json:"prove_interval"`

	// StatePath is where the chain state is saved between runs. Empty means
	// it's rebuilt from the node on startup.
	StatePath string `json:"state_path"`
}

// IndexerDeps are the components the indexer drives. Sink, Prover and
// Metrics are optional.
type IndexerDeps struct {
	Headers     HeaderSource
	Accumulator *blockmmr.Accumulator
	Sink        *SparseRootsSink
	Prover      Prover
	Metrics     *Metrics
}

// Indexer adds the header of every confirmed block to the accumulator in
// height order, exports the sparse roots of each state and keeps the chain
// state of the indexed chain. It's the only writer of the accumulator.
type Indexer struct {
	config IndexerConfig
	deps   IndexerDeps
	logger *zap.Logger

	mu     sync.RWMutex
	state  *spv.ChainState
	recent *spv.ChainStateProof
}

// NewIndexer returns an indexer. Nothing is read until Run.
func NewIndexer(config IndexerConfig, deps IndexerDeps, logger *zap.Logger) (*Indexer, error) {
	if deps.Headers == nil || deps.Accumulator == nil {
		return nil, errors.New("indexer needs a header source and an accumulator")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indexer{
		config: config,
		deps:   deps,
		logger: logger.Named("indexer"),
	}, nil
}

// ChainState returns a copy of the chain state of the last indexed block.
func (ix *Indexer) ChainState() (spv.ChainState, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.state == nil {
		return spv.ChainState{}, false
	}
	return copyChainState(ix.state), true
}

// RecentProof returns the last chain state proof made.
func (ix *Indexer) RecentProof() (*spv.ChainStateProof, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.recent == nil {
		return nil, false
	}
	proof := &spv.ChainStateProof{
		ChainState: copyChainState(&ix.recent.ChainState),
		Proof: spv.CircuitProof{
			AccumulatorRoot: ix.recent.Proof.AccumulatorRoot,
			Payload:         append([]byte(nil), ix.recent.Proof.Payload...),
		},
	}
	return proof, true
}

// Run indexes blocks until ctx is done. It returns nil when stopped through
// ctx.
func (ix *Indexer) Run(ctx context.Context) error {
	if err := ix.catchUp(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	height := uint32(ix.deps.Accumulator.GetNumLeaves())
	ix.logger.Info("indexing", zap.Uint32("from_height", height),
		zap.Uint32("confirmation_lag", ix.config.ConfirmationLag))

	for {
		header, hash, err := ix.deps.Headers.WaitBlockHeader(ctx, height, ix.config.ConfirmationLag)
		if err != nil {
			if ctx.Err() != nil {
				ix.logger.Info("indexer stopped", zap.Uint32("height", height))
				return nil
			}
			return fmt.Errorf("failed to get block header %d: %w", height, err)
		}
		if err := ix.process(&header, hash, height); err != nil {
			return err
		}
		height++
	}
}

// catchUp brings the chain state level with the accumulator after a restart
// and rewrites the snapshot of the last state in case it was lost.
func (ix *Indexer) catchUp(ctx context.Context) error {
	numLeaves := ix.deps.Accumulator.GetNumLeaves()

	state, err := ix.loadState()
	if err != nil {
		return err
	}
	var next uint64
	if state != nil {
		next = uint64(state.BlockHeight) + 1
	}
	if next > numLeaves {
		return fmt.Errorf("saved chain state at height %d is ahead of the accumulator with %d leaves",
			state.BlockHeight, numLeaves)
	}

	if next < numLeaves {
		ix.logger.Info("replaying headers",
			zap.Uint64("from_height", next), zap.Uint64("num_leaves", numLeaves))
	}
	for ; next < numLeaves; next++ {
		height := uint32(next)
		header, hash, err := ix.deps.Headers.GetBlockHeaderByHeight(ctx, height)
		if err != nil {
			return fmt.Errorf("failed to get block header %d: %w", height, err)
		}
		leaf, err := ix.deps.Accumulator.GetLeaf(next)
		if err != nil {
			return err
		}
		if digest := bitcoin.HeaderDigest(&header); digest != leaf {
			return fmt.Errorf("header %d (%s) isn't the one in the accumulator", height, hash)
		}
		state, err = advanceChainState(state, &header, hash, height)
		if err != nil {
			return err
		}
	}

	if state == nil {
		return nil
	}
	if err := ix.saveState(state); err != nil {
		return err
	}
	if ix.deps.Sink != nil {
		stump, err := ix.deps.Accumulator.StumpAt(numLeaves)
		if err != nil {
			return err
		}
		if err := ix.deps.Sink.Write(stump.SparseRoots(state.BlockHeight)); err != nil {
			return err
		}
	}

	ix.deps.Metrics.blockIndexed(state.BlockHeight)
	ix.mu.Lock()
	ix.state = state
	ix.mu.Unlock()
	return nil
}

func (ix *Indexer) process(header *wire.BlockHeader, hash chainhash.Hash, height uint32) error {
	ix.mu.RLock()
	prev := ix.state
	ix.mu.RUnlock()

	if numLeaves := ix.deps.Accumulator.GetNumLeaves(); uint64(height) != numLeaves {
		return fmt.Errorf("block %d can't be added to an accumulator with %d leaves", height, numLeaves)
	}
	state, err := advanceChainState(prev, header, hash, height)
	if err != nil {
		return err
	}

	stump, err := ix.deps.Accumulator.Add(bitcoin.HeaderDigest(header))
	if err != nil {
		return fmt.Errorf("failed to add block %d: %w", height, err)
	}
	if ix.deps.Sink != nil {
		if err := ix.deps.Sink.Write(stump.SparseRoots(height)); err != nil {
			return err
		}
	}
	if err := ix.saveState(state); err != nil {
		return err
	}

	if ix.deps.Prover != nil && ix.config.ProveInterval > 0 && height%ix.config.ProveInterval == 0 {
		ix.prove(state, stump.Root())
	}

	ix.deps.Metrics.blockIndexed(height)
	ix.mu.Lock()
	ix.state = state
	ix.mu.Unlock()

	ix.logger.Debug("block indexed",
		zap.Uint32("height", height),
		zap.Stringer("hash", hash),
		zap.Stringer("root", stump.Root()))
	return nil
}

// prove doesn't fail the indexer. A failed proof leaves the previous one
// being served.
func (ix *Indexer) prove(state *spv.ChainState, root blockmmr.Hash) {
	start := time.Now()
	payload, err := ix.deps.Prover.Prove(*state, root)
	ix.deps.Metrics.proved(time.Since(start), err)
	if err != nil {
		ix.logger.Error("failed to prove chain state",
			zap.Uint32("height", state.BlockHeight), zap.Error(err))
		return
	}

	recent := &spv.ChainStateProof{
		ChainState: copyChainState(state),
		Proof:      spv.CircuitProof{AccumulatorRoot: root, Payload: payload},
	}
	ix.mu.Lock()
	ix.recent = recent
	ix.mu.Unlock()
	ix.logger.Info("chain state proved",
		zap.Uint32("height", state.BlockHeight),
		zap.Duration("took", time.Since(start)))
}

func (ix *Indexer) loadState() (*spv.ChainState, error) {
	if ix.config.StatePath == "" {
		return nil, nil
	}
	content, err := os.ReadFile(ix.config.StatePath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state spv.ChainState
	if err := json.Unmarshal(content, &state); err != nil {
		return nil, fmt.Errorf("failed to decode chain state %s: %w", ix.config.StatePath, err)
	}
	return &state, nil
}

func (ix *Indexer) saveState(state *spv.ChainState) error {
	if ix.config.StatePath == "" {
		return nil
	}
	content, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(ix.config.StatePath, content); err != nil {
		return fmt.Errorf("failed to save chain state: %w", err)
	}
	return nil
}

// advanceChainState returns the chain state after header is connected on
// top of prev. A nil prev means header is the genesis block.
func advanceChainState(prev *spv.ChainState, header *wire.BlockHeader, hash chainhash.Hash, height uint32) (*spv.ChainState, error) {
	timestamp := uint32(header.Timestamp.Unix())
	work := blockchain.CalcWork(header.Bits)

	if prev == nil {
		if height != 0 {
			return nil, fmt.Errorf("no chain state to connect block %d to", height)
		}
		return &spv.ChainState{
			BlockHeight:    0,
			TotalWork:      work,
			BestBlockHash:  hash,
			CurrentTarget:  header.Bits,
			EpochStartTime: timestamp,
			PrevTimestamps: []uint32{timestamp},
		}, nil
	}

	if height != prev.BlockHeight+1 {
		return nil, fmt.Errorf("block %d doesn't follow chain state at height %d", height, prev.BlockHeight)
	}
	if header.PrevBlock != prev.BestBlockHash {
		return nil, fmt.Errorf("block %d (%s) doesn't build on %s", height, hash, prev.BestBlockHash)
	}

	next := copyChainState(prev)
	next.BlockHeight = height
	next.TotalWork.Add(next.TotalWork, work)
	next.BestBlockHash = hash
	next.CurrentTarget = header.Bits
	if height%epochLength == 0 {
		next.EpochStartTime = timestamp
	}
	next.PrevTimestamps = append(next.PrevTimestamps, timestamp)
	if len(next.PrevTimestamps) > maxPrevTimestamps {
		next.PrevTimestamps = next.PrevTimestamps[len(next.PrevTimestamps)-maxPrevTimestamps:]
	}
	return &next, nil
}

func copyChainState(s *spv.ChainState) spv.ChainState {
	c := *s
	if s.TotalWork != nil {
		c.TotalWork = new(big.Int).Set(s.TotalWork)
	}
	c.PrevTimestamps = append([]uint32(nil), s.PrevTimestamps...)
	return c
}
