package blockmmr

import (
	"fmt"
	"sync"
)

// Accumulator is the mountain range over the block headers along with every
// node it has computed. It can prove any leaf that was ever added.
//
// Adds are serialized and readers only ever see stumps from completed adds.
type Accumulator struct {
	rwLock *sync.RWMutex

	// stump is the state after the last completed add. It's replaced, never
	// modified, so it's safe to hand out.
	stump Stump

	// history holds every node including the leaves.
	history HistoryStore
}

// NewAccumulator returns an accumulator backed by the given history. If the
// history already recorded adds, the accumulator resumes from the last one.
func NewAccumulator(history HistoryStore) (*Accumulator, error) {
	if history == nil {
		history = NewNodesMap()
	}

	numLeaves, err := history.NumLeaves()
	if err != nil {
		return nil, fmt.Errorf("failed to read leaf count: %w", err)
	}
	stump, err := StumpAt(history, numLeaves)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild accumulator at %d leaves: %w",
			numLeaves, err)
	}

	return &Accumulator{
		rwLock:  new(sync.RWMutex),
		stump:   stump,
		history: history,
	}, nil
}

// Add adds the leaf to the accumulator and returns the new stump. The nodes
// created are written to the history before the new stump becomes visible.
func (a *Accumulator) Add(leaf Hash) (Stump, error) {
	a.rwLock.Lock()
	defer a.rwLock.Unlock()

	next, created := a.stump.Add(leaf)
	err := a.history.Append(created, next.NumLeaves)
	if err != nil {
		return Stump{}, fmt.Errorf("failed to append leaf %d: %w",
			a.stump.NumLeaves, err)
	}
	a.stump = next

	return next.Clone(), nil
}

// GetStump returns the current stump.
func (a *Accumulator) GetStump() Stump {
	a.rwLock.RLock()
	defer a.rwLock.RUnlock()

	return a.stump.Clone()
}

// GetNumLeaves returns the number of total additions the accumulator has ever had.
func (a *Accumulator) GetNumLeaves() uint64 {
	a.rwLock.RLock()
	defer a.rwLock.RUnlock()

	return a.stump.NumLeaves
}

// GetRoot returns the squashed digest of the current stump.
func (a *Accumulator) GetRoot() Hash {
	a.rwLock.RLock()
	defer a.rwLock.RUnlock()

	return a.stump.Root()
}

// GetLeaf returns the leaf at the given index.
func (a *Accumulator) GetLeaf(leafIndex uint64) (Hash, error) {
	a.rwLock.RLock()
	defer a.rwLock.RUnlock()

	if leafIndex >= a.stump.NumLeaves {
		return empty, fmt.Errorf("leaf %d not in accumulator with %d leaves",
			leafIndex, a.stump.NumLeaves)
	}
	return getNode(a.history, NodeKey{Height: 0, Index: leafIndex})
}

// StumpAt returns the stump as it was when the accumulator held numLeaves
// leaves.
func (a *Accumulator) StumpAt(numLeaves uint64) (Stump, error) {
	a.rwLock.RLock()
	defer a.rwLock.RUnlock()

	if numLeaves > a.stump.NumLeaves {
		return Stump{}, fmt.Errorf("asked for stump at %d leaves but only %d were added",
			numLeaves, a.stump.NumLeaves)
	}
	return StumpAt(a.history, numLeaves)
}

// Prove returns the proof of the leaf against the current stump.
func (a *Accumulator) Prove(leafIndex uint64) (Proof, error) {
	a.rwLock.RLock()
	defer a.rwLock.RUnlock()

	return Prove(a.history, NodeKey{Height: 0, Index: leafIndex}, a.stump.NumLeaves)
}

// ProveAt returns the proof of the leaf against the stump of the accumulator
// at numLeaves leaves.
func (a *Accumulator) ProveAt(leafIndex, numLeaves uint64) (Proof, error) {
	a.rwLock.RLock()
	defer a.rwLock.RUnlock()

	if numLeaves > a.stump.NumLeaves {
		return Proof{}, fmt.Errorf("asked for proof at %d leaves but only %d were added",
			numLeaves, a.stump.NumLeaves)
	}
	return Prove(a.history, NodeKey{Height: 0, Index: leafIndex}, numLeaves)
}

// String returns a string representation of the accumulator.
func (a *Accumulator) String() string {
	return a.GetStump().String()
}
