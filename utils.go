package blockmmr

import (
	"fmt"
	"math/bits"
)

// NodeKey addresses a node in the mountain range by its height and its index
// among all the nodes at that height. Leaves are at height 0 and their index is
// the order they were added in.
type NodeKey struct {
	Height uint8
	Index  uint64
}

// String returns the key as (height, index).
func (k NodeKey) String() string {
	return fmt.Sprintf("(%d, %d)", k.Height, k.Index)
}

// Node is a hash along with where it lives in the mountain range.
type Node struct {
	NodeKey
	Hash Hash
}

// sibling returns the key of the node this node gets hashed with.
func (k NodeKey) sibling() NodeKey {
	return NodeKey{Height: k.Height, Index: k.Index ^ 1}
}

// parent returns the key of the node above this one.
func (k NodeKey) parent() NodeKey {
	return NodeKey{Height: k.Height + 1, Index: k.Index >> 1}
}

// isLeft returns if the node is the left child of its parent.
func (k NodeKey) isLeft() bool {
	return k.Index&1 == 0
}

// committed returns true if every leaf below the node has been added once the
// accumulator holds numLeaves leaves.
func (k NodeKey) committed(numLeaves uint64) bool {
	if k.Height >= 64 {
		return false
	}
	last := k.Index + 1
	if last == 0 || last > numLeaves>>k.Height {
		return false
	}
	return true
}

// isPeak returns true if the node is the root of one of the perfect subtrees
// of an accumulator holding numLeaves leaves.
func (k NodeKey) isPeak(numLeaves uint64) bool {
	if k.Height >= 64 || (numLeaves>>k.Height)&1 == 0 {
		return false
	}
	return k.Index == peakIndex(numLeaves, k.Height)
}

// treeRows returns the number of heights that may hold a peak for the given
// number of leaves. The slot count of an accumulator is one more than this to
// make room for the trailing gap.
//
// Ex: 5 leaves is '101' in binary so there are 3 heights (0, 1, 2) and 4 slots.
func treeRows(numLeaves uint64) uint8 {
	return uint8(bits.Len64(numLeaves))
}

// numRoots returns the number of peaks for the given number of leaves. There is
// a peak for every 1 in the binary representation of numLeaves.
func numRoots(numLeaves uint64) int {
	return bits.OnesCount64(numLeaves)
}

// peakIndex returns the index of the peak at height h. It is only meaningful
// when bit h of numLeaves is set.
//
// The peak at height h covers the leaves right after all the bigger peaks, so
// its index is numLeaves with the bits below h dropped, minus the peak itself.
func peakIndex(numLeaves uint64, h uint8) uint64 {
	return (numLeaves >> h) - 1
}

// hasPeak returns true if there's a peak at height h.
func hasPeak(numLeaves uint64, h uint8) bool {
	return h < 64 && (numLeaves>>h)&1 == 1
}

// peakKeys returns the keys of all the peaks ordered from height 0 upwards.
func peakKeys(numLeaves uint64) []NodeKey {
	keys := make([]NodeKey, 0, numRoots(numLeaves))
	for h := uint8(0); h < treeRows(numLeaves); h++ {
		if hasPeak(numLeaves, h) {
			keys = append(keys, NodeKey{Height: h, Index: peakIndex(numLeaves, h)})
		}
	}
	return keys
}

// printHashes returns the hashes encoded as a string.
func printHashes(hashes []Hash) string {
	str := ""
	for i, hash := range hashes {
		str += fmt.Sprintf("%d:%s", i, hash.String())

		if i != len(hashes)-1 {
			str += "\n"
		}
	}

	return str
}
