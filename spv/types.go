// Package spv assembles and verifies compressed SPV proofs: a transaction, the
// block it's in, the block's inclusion in the header accumulator and the
// circuit proof attesting that accumulator.
package spv

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/raitobridge/blockmmr"
)

// numPrevTimestamps is how many block timestamps the median time rule looks at.
const numPrevTimestamps = 11

// chainStateLen is the size of the serialized chain state the digest is over.
const chainStateLen = 4 + 32 + chainhash.HashSize + 4 + 4 + 4*numPrevTimestamps

// ChainState is the minimal consensus state of the best chain.
type ChainState struct {
	// BlockHeight is the height of the best block.
	BlockHeight uint32

	// TotalWork is the accumulated work of the chain.
	TotalWork *big.Int

	// BestBlockHash is the hash of the best block.
	BestBlockHash chainhash.Hash

	// CurrentTarget is the target of the current epoch in compact form.
	CurrentTarget uint32

	// EpochStartTime is the timestamp of the first block of the epoch.
	EpochStartTime uint32

	// PrevTimestamps are the timestamps of the last blocks, oldest first.
	PrevTimestamps []uint32
}

type chainStateJSON struct {
	BlockHeight    uint32   `json:"block_height"`
	TotalWork      string   `json:"total_work"`
	BestBlockHash  string   `json:"best_block_hash"`
	CurrentTarget  string   `json:"current_target"`
	EpochStartTime uint32   `json:"epoch_start_time"`
	PrevTimestamps []uint32 `json:"prev_timestamps"`
}

// MarshalJSON encodes the work and the target as decimal strings and the hash
// in its usual reversed hex.
func (c ChainState) MarshalJSON() ([]byte, error) {
	work := "0"
	if c.TotalWork != nil {
		work = c.TotalWork.String()
	}
	timestamps := c.PrevTimestamps
	if timestamps == nil {
		timestamps = []uint32{}
	}
	return json.Marshal(chainStateJSON{
		BlockHeight:    c.BlockHeight,
		TotalWork:      work,
		BestBlockHash:  c.BestBlockHash.String(),
		CurrentTarget:  blockchain.CompactToBig(c.CurrentTarget).String(),
		EpochStartTime: c.EpochStartTime,
		PrevTimestamps: timestamps,
	})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (c *ChainState) UnmarshalJSON(b []byte) error {
	var raw chainStateJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	work, ok := new(big.Int).SetString(raw.TotalWork, 10)
	if !ok || work.Sign() < 0 {
		return fmt.Errorf("invalid total work %q", raw.TotalWork)
	}
	hash, err := chainhash.NewHashFromStr(raw.BestBlockHash)
	if err != nil {
		return fmt.Errorf("invalid best block hash: %w", err)
	}
	target, ok := new(big.Int).SetString(raw.CurrentTarget, 10)
	if !ok || target.Sign() <= 0 {
		return fmt.Errorf("invalid current target %q", raw.CurrentTarget)
	}
	bits := blockchain.BigToCompact(target)
	if blockchain.CompactToBig(bits).Cmp(target) != 0 {
		return fmt.Errorf("current target %s has no compact form", target)
	}

	*c = ChainState{
		BlockHeight:    raw.BlockHeight,
		TotalWork:      work,
		BestBlockHash:  *hash,
		CurrentTarget:  bits,
		EpochStartTime: raw.EpochStartTime,
		PrevTimestamps: raw.PrevTimestamps,
	}
	return nil
}

// Serialize returns the fixed size encoding the digest is computed over. All
// integers are big-endian, the work is padded to 32 bytes, the hash is in
// internal byte order and missing timestamps are zero-filled in front.
func (c *ChainState) Serialize() ([]byte, error) {
	if c.TotalWork == nil || c.TotalWork.Sign() < 0 || c.TotalWork.BitLen() > 256 {
		return nil, fmt.Errorf("total work %v out of range", c.TotalWork)
	}
	if len(c.PrevTimestamps) > numPrevTimestamps {
		return nil, fmt.Errorf("%d previous timestamps, at most %d allowed",
			len(c.PrevTimestamps), numPrevTimestamps)
	}

	buf := make([]byte, chainStateLen)
	binary.BigEndian.PutUint32(buf[0:], c.BlockHeight)
	c.TotalWork.FillBytes(buf[4:36])
	copy(buf[36:68], c.BestBlockHash[:])
	binary.BigEndian.PutUint32(buf[68:], c.CurrentTarget)
	binary.BigEndian.PutUint32(buf[72:], c.EpochStartTime)

	offset := 76 + 4*(numPrevTimestamps-len(c.PrevTimestamps))
	for _, ts := range c.PrevTimestamps {
		binary.BigEndian.PutUint32(buf[offset:], ts)
		offset += 4
	}
	return buf, nil
}

// Digest is the commitment to the chain state that the circuit exposes.
func (c *ChainState) Digest() (blockmmr.Hash, error) {
	buf, err := c.Serialize()
	if err != nil {
		return blockmmr.Hash{}, err
	}
	return blockmmr.HashWords(buf), nil
}

// CircuitProof is the proof that the chain state is valid and that its
// headers are committed by AccumulatorRoot.
type CircuitProof struct {
	AccumulatorRoot blockmmr.Hash `json:"accumulator_root"`
	Payload         []byte        `json:"payload"`
}

// ChainStateProof is what the indexer serves as its most recent proof.
type ChainStateProof struct {
	ChainState ChainState   `json:"chainstate"`
	Proof      CircuitProof `json:"proof"`
}

// CompressedProof is everything needed to check offline that a transaction
// is in a block of the proven chain.
type CompressedProof struct {
	ChainState   ChainState
	CircuitProof CircuitProof
	Header       wire.BlockHeader
	BlockProof   blockmmr.Proof
	Tx           *wire.MsgTx
	TxProof      []byte
}

// BlockHeight is the height of the block containing the transaction.
func (p *CompressedProof) BlockHeight() uint32 {
	return uint32(p.BlockProof.Index)
}

// Confirmations is the number of blocks from the transaction's block to the
// chain tip, both included. Zero if the block is above the tip.
func (p *CompressedProof) Confirmations() uint32 {
	if p.BlockHeight() > p.ChainState.BlockHeight {
		return 0
	}
	return p.ChainState.BlockHeight - p.BlockHeight() + 1
}
