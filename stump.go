package blockmmr

import (
	"fmt"

	"golang.org/x/exp/slices"
)

// Stump is bare-minimum data required to commit to the accumulator and to
// verify proofs against it. Stump can't generate proofs on its own as it
// doesn't keep anything below the peaks.
//
// A Stump is a value. Add never modifies the receiver so any Stump that was
// handed out stays valid.
type Stump struct {
	// Roots has one slot per height. The slot at height h holds a peak if bit
	// h of NumLeaves is set and is the zero hash otherwise. The last slot is
	// always a gap that's reserved for the next carry.
	Roots []Hash

	// NumLeaves is how many leaves were added to the accumulator.
	NumLeaves uint64
}

// NewStump returns the empty accumulator, which is a single gap. The zero
// Stump is the same accumulator.
func NewStump() Stump {
	return Stump{Roots: []Hash{empty}}
}

// slots returns the roots with the zero value given its gap.
func (s Stump) slots() []Hash {
	if len(s.Roots) == 0 && s.NumLeaves == 0 {
		return []Hash{empty}
	}
	return s.Roots
}

// String returns the fields of stump in a human readable string.
func (s Stump) String() string {
	str := fmt.Sprintf("NumLeaves: %d, ", s.NumLeaves)

	if len(s.Roots) == 1 {
		str += fmt.Sprintf("%d slot: [", len(s.Roots))
	} else {
		str += fmt.Sprintf("%d slots: [", len(s.Roots))
	}
	for h, root := range s.Roots {
		if hasPeak(s.NumLeaves, uint8(h)) {
			str += root.String()
		} else {
			str += "None"
		}

		if h != len(s.Roots)-1 {
			str += ", "
		}
	}
	str += "]"

	return str
}

// Peak returns the peak at height h. The boolean is false if the slot is a gap.
func (s Stump) Peak(h uint8) (Hash, bool) {
	if int(h) >= len(s.Roots) || !hasPeak(s.NumLeaves, h) {
		return empty, false
	}
	return s.Roots[h], true
}

// Peaks returns only the occupied slots, ordered from height 0 upwards.
func (s Stump) Peaks() []Hash {
	peaks := make([]Hash, 0, numRoots(s.NumLeaves))
	for h := range s.Roots {
		if hasPeak(s.NumLeaves, uint8(h)) {
			peaks = append(peaks, s.Roots[h])
		}
	}
	return peaks
}

// Root returns the squashed digest of all the slots. This is the value the
// chain proof commits to.
func (s Stump) Root() Hash {
	return Squash(s.slots())
}

// Add returns the stump after adding the leaf along with every node that was
// created while doing so. The receiver is left untouched.
//
// The slots are treated as a binary counter. Wherever there's a 1 in the
// binary representation of NumLeaves there's a peak. Adding a leaf is adding 1
// and every peak we run into is a carry: it gets hashed with the running value
// and its slot becomes a gap. The first gap receives the carry.
//
// Ex: 3 leaves is '11'. Adding a leaf hashes the new leaf with the peak at
// height 0, then that with the peak at height 1, and writes the result to
// height 2, giving '100'.
func (s Stump) Add(leaf Hash) (Stump, []Node) {
	slots := s.slots()
	roots := make([]Hash, len(slots), len(slots)+1)
	copy(roots, slots)

	created := make([]Node, 0, treeRows(s.NumLeaves)+1)
	created = append(created, Node{NodeKey{Height: 0, Index: s.NumLeaves}, leaf})

	carry := leaf
	h := uint8(0)
	for ; (s.NumLeaves>>h)&1 == 1; h++ {
		carry = Pair(roots[h], carry)
		roots[h] = empty

		key := NodeKey{Height: h + 1, Index: s.NumLeaves >> (h + 1)}
		created = append(created, Node{key, carry})
	}
	roots[h] = carry

	// Keep the trailing gap.
	if int(h) == len(roots)-1 {
		roots = append(roots, empty)
	}

	return Stump{Roots: roots, NumLeaves: s.NumLeaves + 1}, created
}

// Clone returns a deep copy of the stump.
func (s Stump) Clone() Stump {
	return Stump{Roots: slices.Clone(s.Roots), NumLeaves: s.NumLeaves}
}

// SparseRoots returns the slots of the stump as the snapshot for the block at
// the given height.
func (s Stump) SparseRoots(blockHeight uint32) SparseRoots {
	return SparseRoots{BlockHeight: blockHeight, Roots: slices.Clone(s.slots())}
}

// check makes sure the slots agree with the leaf count.
func (s Stump) check() error {
	rows := int(treeRows(s.NumLeaves))
	if len(s.Roots) != rows+1 {
		return fmt.Errorf("stump with %d leaves should have %d slots but has %d",
			s.NumLeaves, rows+1, len(s.Roots))
	}
	for h, root := range s.Roots {
		occupied := hasPeak(s.NumLeaves, uint8(h))
		if !occupied && root != empty {
			return fmt.Errorf("stump with %d leaves has a non-zero gap at height %d",
				s.NumLeaves, h)
		}
	}
	return nil
}

// NewStumpFromSlots returns a stump built from sparse slots, checking that the
// slots agree with the leaf count.
func NewStumpFromSlots(slots []Hash, numLeaves uint64) (Stump, error) {
	s := Stump{Roots: slices.Clone(slots), NumLeaves: numLeaves}
	if err := s.check(); err != nil {
		return Stump{}, err
	}
	return s, nil
}
