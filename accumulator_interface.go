package blockmmr

// ProofSource defines the read side of an accumulator. It's what services
// that hand out roots and proofs need.
type ProofSource interface {
	// GetStump returns the stump after the last completed add.
	GetStump() Stump

	// GetNumLeaves returns the number of total additions the accumulator has ever had.
	GetNumLeaves() uint64

	// StumpAt returns the stump as it was when the accumulator held numLeaves leaves.
	StumpAt(numLeaves uint64) (Stump, error)

	// ProveAt returns the proof of the leaf against the stump at numLeaves leaves.
	ProveAt(leafIndex, numLeaves uint64) (Proof, error)

	// String returns a string representation of the accumulator.
	String() string
}

var _ ProofSource = (*Accumulator)(nil)
