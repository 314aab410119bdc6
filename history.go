package blockmmr

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNodeNotFound is returned when a node that should be committed is missing
// from the history.
var ErrNodeNotFound = errors.New("node not found in history")

// HistoryStore models the interface for the data storage of every node the
// accumulator ever computed. Nodes are never removed.
type HistoryStore interface {
	// Get returns the hash at the given key and a boolean to indicate if it was
	// found or not.
	Get(NodeKey) (Hash, bool, error)

	// Append saves all the nodes created by one add along with the leaf count
	// after that add. Either everything is saved or nothing is.
	Append(nodes []Node, numLeaves uint64) error

	// NumLeaves returns the leaf count recorded by the last completed Append.
	NumLeaves() (uint64, error)
}

var _ HistoryStore = (*NodesMap)(nil)

// NodesMap implements the HistoryStore interface. It's really just a map.
type NodesMap struct {
	mtx       sync.RWMutex
	m         map[NodeKey]Hash
	numLeaves uint64
}

// NewNodesMap returns an empty NodesMap.
func NewNodesMap() *NodesMap {
	return &NodesMap{m: make(map[NodeKey]Hash)}
}

// Get returns the data from the underlying map.
func (m *NodesMap) Get(k NodeKey) (Hash, bool, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	val, found := m.m[k]
	return val, found, nil
}

// Append puts the given nodes in the underlying map.
func (m *NodesMap) Append(nodes []Node, numLeaves uint64) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if numLeaves < m.numLeaves {
		return fmt.Errorf("can't append with %d leaves when %d are recorded",
			numLeaves, m.numLeaves)
	}
	for _, n := range nodes {
		m.m[n.NodeKey] = n.Hash
	}
	m.numLeaves = numLeaves

	return nil
}

// NumLeaves returns the recorded leaf count.
func (m *NodesMap) NumLeaves() (uint64, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	return m.numLeaves, nil
}

// Length returns the amount of nodes in the underlying map.
func (m *NodesMap) Length() int {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	return len(m.m)
}

// getNode fetches the node at the key and errors if it isn't there.
func getNode(history HistoryStore, k NodeKey) (Hash, error) {
	hash, found, err := history.Get(k)
	if err != nil {
		return empty, fmt.Errorf("failed to read node %s: %w", k, err)
	}
	if !found {
		return empty, fmt.Errorf("%w: %s", ErrNodeNotFound, k)
	}
	return hash, nil
}

// StumpAt rebuilds the stump of the accumulator at the time it held numLeaves
// leaves. The peak at height h is always the node (h, (numLeaves>>h)-1).
func StumpAt(history HistoryStore, numLeaves uint64) (Stump, error) {
	roots := make([]Hash, treeRows(numLeaves)+1)
	for _, key := range peakKeys(numLeaves) {
		hash, err := getNode(history, key)
		if err != nil {
			return Stump{}, err
		}
		roots[key.Height] = hash
	}

	return Stump{Roots: roots, NumLeaves: numLeaves}, nil
}
