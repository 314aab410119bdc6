package spv

import (
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"go.uber.org/zap"

	"github.com/raitobridge/blockmmr"
	"github.com/raitobridge/blockmmr/bitcoin"
)

// DefaultMinWork is about six blocks worth of work at recent difficulty.
const DefaultMinWork = "1813388729421943762059264"

// CircuitVerifier checks the circuit proof that state is a valid chain state
// whose headers are committed by root.
type CircuitVerifier interface {
	Verify(state ChainState, root blockmmr.Hash, payload []byte) bool
}

// VerifierConfig holds the verification policy.
type VerifierConfig struct {
	// MinWork is the work required on top of the transaction's block. Nil
	// disables the check.
	MinWork *big.Int
}

// Verifier checks compressed proofs offline.
type Verifier struct {
	circuit CircuitVerifier
	config  VerifierConfig
	logger  *zap.Logger
}

// NewVerifier returns a verifier checking circuit proofs with circuit.
func NewVerifier(circuit CircuitVerifier, config VerifierConfig, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{
		circuit: circuit,
		config:  config,
		logger:  logger.Named("verifier"),
	}
}

// Verify runs every check on the proof and returns the first failure. When
// strict is false the chain height isn't checked against the leaf count of the
// block proof. Nothing else is relaxed.
func (v *Verifier) Verify(p *CompressedProof, strict bool) error {
	logger := v.logger.With(
		zap.Uint32("block_height", p.BlockHeight()),
		zap.Uint32("chain_height", p.ChainState.BlockHeight))

	logger.Debug("verifying block inclusion proof")
	root := p.CircuitProof.AccumulatorRoot
	leaf := bitcoin.HeaderDigest(&p.Header)
	if err := p.BlockProof.Verify(root, leaf); err != nil {
		return fmt.Errorf("%w: %v", ErrAccumulatorMismatch, err)
	}
	if p.BlockProof.Height != 0 {
		return fmt.Errorf("%w: block proof is for a node at height %d",
			ErrAccumulatorMismatch, p.BlockProof.Height)
	}

	logger.Debug("verifying chain state proof")
	if v.circuit == nil || !v.circuit.Verify(p.ChainState, root, p.CircuitProof.Payload) {
		return fmt.Errorf("%w: chain state at height %d with root %s",
			ErrCircuitProofInvalid, p.ChainState.BlockHeight, root)
	}

	logger.Debug("verifying transaction inclusion proof")
	if p.Tx == nil {
		return fmt.Errorf("%w: no transaction", ErrTransactionNotIncluded)
	}
	if err := bitcoin.VerifyTxInclusion(&p.Header, p.Tx.TxHash(), p.TxProof); err != nil {
		return fmt.Errorf("%w: %v", ErrTransactionNotIncluded, err)
	}

	if strict && p.BlockProof.NumLeaves != uint64(p.ChainState.BlockHeight)+1 {
		return fmt.Errorf("%w: chain height %d but %d leaves",
			ErrHeightMismatch, p.ChainState.BlockHeight, p.BlockProof.NumLeaves)
	}

	if v.config.MinWork != nil {
		logger.Debug("verifying work on top of block")
		if err := verifyWork(p, v.config.MinWork); err != nil {
			return err
		}
	}

	logger.Info("proof verified", zap.Stringer("txid", p.Tx.TxHash()))
	return nil
}

// VerifyArtifact decodes an artifact and verifies it.
func (v *Verifier) VerifyArtifact(b []byte, strict bool) (*CompressedProof, error) {
	p, err := DecodeProof(b)
	if err != nil {
		return nil, err
	}
	if err := v.Verify(p, strict); err != nil {
		return nil, err
	}
	return p, nil
}

// WorkOnTop estimates the work of the blocks above the transaction's block
// from the current target.
func WorkOnTop(p *CompressedProof) (*big.Int, error) {
	if p.BlockHeight() > p.ChainState.BlockHeight {
		return nil, fmt.Errorf("block %d is above chain height %d",
			p.BlockHeight(), p.ChainState.BlockHeight)
	}
	blocks := big.NewInt(int64(p.ChainState.BlockHeight - p.BlockHeight()))
	return blocks.Mul(blocks, blockchain.CalcWork(p.ChainState.CurrentTarget)), nil
}

func verifyWork(p *CompressedProof, minWork *big.Int) error {
	work, err := WorkOnTop(p)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInsufficientWork, err)
	}
	if work.Cmp(minWork) < 0 {
		return fmt.Errorf("%w: %s < %s", ErrInsufficientWork, work, minWork)
	}
	return nil
}

// ParseMinWork parses a decimal work amount. The empty string disables the
// work check.
func ParseMinWork(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	work, ok := new(big.Int).SetString(s, 10)
	if !ok || work.Sign() < 0 {
		return nil, fmt.Errorf("invalid min work %q", s)
	}
	return work, nil
}
