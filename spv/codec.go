package spv

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/wire"
	"github.com/fxamacker/cbor/v2"
	"github.com/golang/snappy"

	"github.com/raitobridge/blockmmr"
)

const (
	artifactVersion = 1

	// maxArtifactSize bounds the decompressed size of an artifact.
	maxArtifactSize = 64 << 20
)

var artifactMagic = []byte("RSPV")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

type chainStateRecord struct {
	BlockHeight    uint32   `cbor:"1,keyasint"`
	TotalWork      []byte   `cbor:"2,keyasint"`
	BestBlockHash  []byte   `cbor:"3,keyasint"`
	CurrentTarget  uint32   `cbor:"4,keyasint"`
	EpochStartTime uint32   `cbor:"5,keyasint"`
	PrevTimestamps []uint32 `cbor:"6,keyasint"`
}

type circuitProofRecord struct {
	AccumulatorRoot []byte `cbor:"1,keyasint"`
	Payload         []byte `cbor:"2,keyasint"`
}

type blockProofRecord struct {
	Height     uint8    `cbor:"1,keyasint"`
	Index      uint64   `cbor:"2,keyasint"`
	NumLeaves  uint64   `cbor:"3,keyasint"`
	Siblings   [][]byte `cbor:"4,keyasint"`
	PeakHeight uint8    `cbor:"5,keyasint"`
	Peaks      [][]byte `cbor:"6,keyasint"`
}

type artifactRecord struct {
	ChainState   chainStateRecord   `cbor:"1,keyasint"`
	CircuitProof circuitProofRecord `cbor:"2,keyasint"`
	Header       []byte             `cbor:"3,keyasint"`
	BlockProof   blockProofRecord   `cbor:"4,keyasint"`
	Tx           []byte             `cbor:"5,keyasint"`
	TxProof      []byte             `cbor:"6,keyasint"`
}

func hashesToBytes(hashes []blockmmr.Hash) [][]byte {
	out := make([][]byte, len(hashes))
	for i := range hashes {
		out[i] = hashes[i][:]
	}
	return out
}

func bytesToHash(b []byte) (blockmmr.Hash, error) {
	var h blockmmr.Hash
	if len(b) != len(h) {
		return h, fmt.Errorf("hash has %d bytes", len(b))
	}
	copy(h[:], b)
	return h, nil
}

func bytesToHashes(bs [][]byte) ([]blockmmr.Hash, error) {
	if len(bs) == 0 {
		return nil, nil
	}
	out := make([]blockmmr.Hash, len(bs))
	for i := range bs {
		h, err := bytesToHash(bs[i])
		if err != nil {
			return nil, err
		}
		out[i] = h
	}
	return out, nil
}

// nonEmpty keeps empty byte strings and nil apart from decoding.
func nonEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

// EncodeProof serializes the proof. The same proof always gives the same bytes.
func EncodeProof(p *CompressedProof) ([]byte, error) {
	if p.Tx == nil {
		return nil, fmt.Errorf("encode proof: no transaction")
	}
	if p.ChainState.TotalWork == nil || p.ChainState.TotalWork.Sign() < 0 {
		return nil, fmt.Errorf("encode proof: invalid total work %v", p.ChainState.TotalWork)
	}

	var header bytes.Buffer
	if err := p.Header.Serialize(&header); err != nil {
		return nil, fmt.Errorf("encode proof header: %w", err)
	}
	var tx bytes.Buffer
	if err := p.Tx.Serialize(&tx); err != nil {
		return nil, fmt.Errorf("encode proof transaction: %w", err)
	}

	timestamps := p.ChainState.PrevTimestamps
	if timestamps == nil {
		timestamps = []uint32{}
	}
	rec := artifactRecord{
		ChainState: chainStateRecord{
			BlockHeight:    p.ChainState.BlockHeight,
			TotalWork:      p.ChainState.TotalWork.Bytes(),
			BestBlockHash:  p.ChainState.BestBlockHash[:],
			CurrentTarget:  p.ChainState.CurrentTarget,
			EpochStartTime: p.ChainState.EpochStartTime,
			PrevTimestamps: timestamps,
		},
		CircuitProof: circuitProofRecord{
			AccumulatorRoot: p.CircuitProof.AccumulatorRoot[:],
			Payload:         append([]byte{}, p.CircuitProof.Payload...),
		},
		Header: header.Bytes(),
		BlockProof: blockProofRecord{
			Height:     p.BlockProof.Height,
			Index:      p.BlockProof.Index,
			NumLeaves:  p.BlockProof.NumLeaves,
			Siblings:   hashesToBytes(p.BlockProof.Siblings),
			PeakHeight: p.BlockProof.PeakHeight,
			Peaks:      hashesToBytes(p.BlockProof.Peaks),
		},
		Tx:      tx.Bytes(),
		TxProof: append([]byte{}, p.TxProof...),
	}

	body, err := encMode.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("encode proof: %w", err)
	}

	out := make([]byte, 0, len(artifactMagic)+1+snappy.MaxEncodedLen(len(body)))
	out = append(out, artifactMagic...)
	out = append(out, artifactVersion)
	return append(out, snappy.Encode(nil, body)...), nil
}

// DecodeProof parses an artifact made by EncodeProof. Every failure wraps
// ErrMalformedArtifact.
func DecodeProof(b []byte) (*CompressedProof, error) {
	p, err := decodeProof(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedArtifact, err)
	}
	return p, nil
}

func decodeProof(b []byte) (*CompressedProof, error) {
	if len(b) < len(artifactMagic)+1 || !bytes.Equal(b[:len(artifactMagic)], artifactMagic) {
		return nil, fmt.Errorf("not a proof artifact")
	}
	if v := b[len(artifactMagic)]; v != artifactVersion {
		return nil, fmt.Errorf("unsupported artifact version %d", v)
	}
	compressed := b[len(artifactMagic)+1:]

	n, err := snappy.DecodedLen(compressed)
	if err != nil {
		return nil, err
	}
	if n > maxArtifactSize {
		return nil, fmt.Errorf("decompressed artifact too large: %d > %d", n, maxArtifactSize)
	}
	body, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, err
	}

	var rec artifactRecord
	if err := decMode.Unmarshal(body, &rec); err != nil {
		return nil, err
	}

	p := &CompressedProof{
		ChainState: ChainState{
			BlockHeight:    rec.ChainState.BlockHeight,
			TotalWork:      new(big.Int).SetBytes(rec.ChainState.TotalWork),
			CurrentTarget:  rec.ChainState.CurrentTarget,
			EpochStartTime: rec.ChainState.EpochStartTime,
		},
		CircuitProof: CircuitProof{Payload: nonEmpty(rec.CircuitProof.Payload)},
		BlockProof: blockmmr.Proof{
			Height:     rec.BlockProof.Height,
			Index:      rec.BlockProof.Index,
			NumLeaves:  rec.BlockProof.NumLeaves,
			PeakHeight: rec.BlockProof.PeakHeight,
		},
		TxProof: nonEmpty(rec.TxProof),
	}
	if len(rec.ChainState.PrevTimestamps) > 0 {
		p.ChainState.PrevTimestamps = rec.ChainState.PrevTimestamps
	}

	if len(rec.ChainState.BestBlockHash) != len(p.ChainState.BestBlockHash) {
		return nil, fmt.Errorf("best block hash has %d bytes", len(rec.ChainState.BestBlockHash))
	}
	copy(p.ChainState.BestBlockHash[:], rec.ChainState.BestBlockHash)

	if p.CircuitProof.AccumulatorRoot, err = bytesToHash(rec.CircuitProof.AccumulatorRoot); err != nil {
		return nil, fmt.Errorf("accumulator root: %w", err)
	}
	if p.BlockProof.Siblings, err = bytesToHashes(rec.BlockProof.Siblings); err != nil {
		return nil, fmt.Errorf("block proof siblings: %w", err)
	}
	if p.BlockProof.Peaks, err = bytesToHashes(rec.BlockProof.Peaks); err != nil {
		return nil, fmt.Errorf("block proof peaks: %w", err)
	}

	if len(rec.Header) != wire.MaxBlockHeaderPayload {
		return nil, fmt.Errorf("block header has %d bytes", len(rec.Header))
	}
	if err := p.Header.Deserialize(bytes.NewReader(rec.Header)); err != nil {
		return nil, fmt.Errorf("block header: %w", err)
	}

	r := bytes.NewReader(rec.Tx)
	p.Tx = new(wire.MsgTx)
	if err := p.Tx.Deserialize(r); err != nil {
		return nil, fmt.Errorf("transaction: %w", err)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("transaction has %d trailing bytes", r.Len())
	}

	return p, nil
}
