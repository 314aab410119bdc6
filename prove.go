package blockmmr

import (
	"errors"
	"fmt"

	"golang.org/x/exp/slices"
)

// ErrProofInvalid is returned when a proof doesn't hash up to the claimed root.
var ErrProofInvalid = errors.New("invalid inclusion proof")

// Proof is the inclusion-proof for a single node of the mountain range.
//
// With 6 leaves the range below has peaks 06 and 09. The proof for leaf 02 has
// Siblings [03, 04], PeakHeight 2 and Peaks [09].
//
// 06
// |-------\
// 04      05      09
// |---\   |---\   |---\
// 00  01  02  03  07  08
type Proof struct {
	// Height is the height of the node being proven. 0 for leaves.
	Height uint8 `json:"height"`

	// Index is the index of the node among the nodes at Height.
	Index uint64 `json:"leaf_index"`

	// NumLeaves is the leaf count of the stump the proof is against.
	NumLeaves uint64 `json:"leaf_count"`

	// Siblings are the hashes needed to hash up to the peak, bottom-up.
	Siblings []Hash `json:"siblings_hashes"`

	// PeakHeight is the height of the peak covering the node.
	PeakHeight uint8 `json:"peak_height"`

	// Peaks are all the other peaks of the stump ordered by height.
	Peaks []Hash `json:"peaks_hashes"`
}

// String returns a string of the proof. Useful for debugging.
func (p *Proof) String() string {
	s := fmt.Sprintf("node (%d, %d) of %d leaves, peak at height %d\n",
		p.Height, p.Index, p.NumLeaves, p.PeakHeight)
	s += fmt.Sprintf("%d siblings: ", len(p.Siblings))
	for _, sib := range p.Siblings {
		s += fmt.Sprintf("%x\t", sib[:8])
	}
	s += fmt.Sprintf("\n%d peaks: ", len(p.Peaks))
	for _, peak := range p.Peaks {
		s += fmt.Sprintf("%x\t", peak[:8])
	}
	s += "\n"
	return s
}

// Prove returns the proof for the node at the given key against the stump of
// the accumulator at numLeaves leaves. All the hashes are read from history.
func Prove(history HistoryStore, key NodeKey, numLeaves uint64) (Proof, error) {
	if !key.committed(numLeaves) {
		return Proof{}, fmt.Errorf("Prove error: node %s isn't in an accumulator "+
			"of %d leaves", key, numLeaves)
	}

	proof := Proof{
		Height:    key.Height,
		Index:     key.Index,
		NumLeaves: numLeaves,
	}

	// Go up until we hit the peak.
	pos := key
	for !pos.isPeak(numLeaves) {
		sib, err := getNode(history, pos.sibling())
		if err != nil {
			return Proof{}, fmt.Errorf("Prove error: %w", err)
		}
		proof.Siblings = append(proof.Siblings, sib)
		pos = pos.parent()
	}
	proof.PeakHeight = pos.Height

	for _, peak := range peakKeys(numLeaves) {
		if peak.Height == proof.PeakHeight {
			continue
		}
		hash, err := getNode(history, peak)
		if err != nil {
			return Proof{}, fmt.Errorf("Prove error: %w", err)
		}
		proof.Peaks = append(proof.Peaks, hash)
	}

	return proof, nil
}

// check makes sure the shape of the proof agrees with its leaf count.
func (p *Proof) check() error {
	if p.NumLeaves == 0 {
		return fmt.Errorf("proof against an empty accumulator")
	}
	if !hasPeak(p.NumLeaves, p.PeakHeight) {
		return fmt.Errorf("no peak at height %d with %d leaves",
			p.PeakHeight, p.NumLeaves)
	}
	if p.Height > p.PeakHeight {
		return fmt.Errorf("node height %d is above peak height %d",
			p.Height, p.PeakHeight)
	}
	climb := p.PeakHeight - p.Height
	if len(p.Siblings) != int(climb) {
		return fmt.Errorf("have %d siblings but need %d to reach height %d",
			len(p.Siblings), climb, p.PeakHeight)
	}
	if p.Index>>climb != peakIndex(p.NumLeaves, p.PeakHeight) {
		return fmt.Errorf("node (%d, %d) isn't under the peak at height %d",
			p.Height, p.Index, p.PeakHeight)
	}
	if len(p.Peaks) != numRoots(p.NumLeaves)-1 {
		return fmt.Errorf("have %d other peaks but %d leaves need %d",
			len(p.Peaks), p.NumLeaves, numRoots(p.NumLeaves)-1)
	}
	return nil
}

// calculatePeak hashes the node with the siblings up to the peak.
func (p *Proof) calculatePeak(node Hash) Hash {
	hash := node
	key := NodeKey{Height: p.Height, Index: p.Index}
	for _, sib := range p.Siblings {
		if key.isLeft() {
			hash = Pair(hash, sib)
		} else {
			hash = Pair(sib, hash)
		}
		key = key.parent()
	}
	return hash
}

// Slots returns the stump slots the proof implies for the given node.
func (p *Proof) Slots(node Hash) ([]Hash, error) {
	if err := p.check(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProofInvalid, err)
	}

	slots := make([]Hash, treeRows(p.NumLeaves)+1)
	peaks := slices.Clone(p.Peaks)
	for h := uint8(0); h < treeRows(p.NumLeaves); h++ {
		if !hasPeak(p.NumLeaves, h) {
			continue
		}
		if h == p.PeakHeight {
			slots[h] = p.calculatePeak(node)
			continue
		}
		slots[h], peaks = peaks[0], peaks[1:]
	}

	return slots, nil
}

// Root returns the root the node and the proof hash up to.
func (p *Proof) Root(node Hash) (Hash, error) {
	slots, err := p.Slots(node)
	if err != nil {
		return empty, err
	}
	return Squash(slots), nil
}

// Verify returns an error if the node and the proof don't hash up to root.
func (p *Proof) Verify(root, node Hash) error {
	calculated, err := p.Root(node)
	if err != nil {
		return err
	}
	if calculated != root {
		return fmt.Errorf("%w: calculated root %s but expected %s",
			ErrProofInvalid, calculated, root)
	}
	return nil
}

// Verify returns an error if the node and the proof don't hash up to root.
func Verify(proof Proof, root, node Hash) error {
	return proof.Verify(root, node)
}

// Stump returns the stump the proof was made against, given the node it proves.
func (p *Proof) Stump(node Hash) (Stump, error) {
	slots, err := p.Slots(node)
	if err != nil {
		return Stump{}, err
	}
	return Stump{Roots: slots, NumLeaves: p.NumLeaves}, nil
}
