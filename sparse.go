package blockmmr

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// SparseRoots is the full slot sequence of a stump, gaps included as zero
// hashes, taken right after the block at BlockHeight was added.
type SparseRoots struct {
	BlockHeight uint32 `json:"-"`
	Roots       []Hash `json:"roots"`
}

// u256 is a hash split into two 128 bit halves, each encoded as a JSON number.
type u256 struct {
	Hi json.Number `json:"hi"`
	Lo json.Number `json:"lo"`
}

type sparseRootsJSON struct {
	Roots []u256 `json:"roots"`
}

func toU256(h Hash) u256 {
	hi := new(big.Int).SetBytes(h[:16])
	lo := new(big.Int).SetBytes(h[16:])
	return u256{Hi: json.Number(hi.String()), Lo: json.Number(lo.String())}
}

func fromU256(v u256) (Hash, error) {
	var h Hash
	for i, half := range []json.Number{v.Hi, v.Lo} {
		n, ok := new(big.Int).SetString(string(half), 10)
		if !ok || n.Sign() < 0 || n.BitLen() > 128 {
			return empty, fmt.Errorf("%q isn't a 128 bit unsigned integer", half)
		}
		n.FillBytes(h[i*16 : (i+1)*16])
	}
	return h, nil
}

// MarshalJSON encodes the roots as a list of {"hi": u128, "lo": u128}.
func (s SparseRoots) MarshalJSON() ([]byte, error) {
	out := sparseRootsJSON{Roots: make([]u256, len(s.Roots))}
	for i, root := range s.Roots {
		out.Roots[i] = toU256(root)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes roots encoded by MarshalJSON. The block height isn't
// part of the encoding and is left untouched.
func (s *SparseRoots) UnmarshalJSON(b []byte) error {
	var in sparseRootsJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	roots := make([]Hash, len(in.Roots))
	for i, v := range in.Roots {
		h, err := fromU256(v)
		if err != nil {
			return fmt.Errorf("root %d: %w", i, err)
		}
		roots[i] = h
	}
	s.Roots = roots
	return nil
}

// Stump returns the stump the snapshot was taken from. The leaf count is the
// block height plus one as every block up to and including BlockHeight is a
// leaf.
func (s SparseRoots) Stump() (Stump, error) {
	return NewStumpFromSlots(s.Roots, uint64(s.BlockHeight)+1)
}
