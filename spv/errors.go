package spv

import "errors"

var (
	// ErrAccumulatorMismatch means the block inclusion proof doesn't hash up
	// to the accumulator root attested by the circuit proof.
	ErrAccumulatorMismatch = errors.New("accumulator root mismatch")

	// ErrCircuitProofInvalid means the circuit verifier rejected the proof.
	ErrCircuitProofInvalid = errors.New("invalid circuit proof")

	// ErrTransactionNotIncluded means the transaction proof doesn't bind the
	// transaction to the block header.
	ErrTransactionNotIncluded = errors.New("transaction not included in block")

	// ErrHeightMismatch means the chain height disagrees with the leaf count
	// of the block inclusion proof.
	ErrHeightMismatch = errors.New("chain height and accumulator size mismatch")

	// ErrInsufficientWork means there isn't enough work on top of the block.
	ErrInsufficientWork = errors.New("insufficient work on top of block")

	// ErrStaleSnapshot means the indexer no longer serves the requested
	// accumulator size.
	ErrStaleSnapshot = errors.New("stale snapshot")

	// ErrInconsistentSnapshot means no consistent set of fragments could be
	// fetched within the retry budget.
	ErrInconsistentSnapshot = errors.New("inconsistent snapshot")

	// ErrServiceUnavailable means the indexer failed to answer on its side
	// and may answer later.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrBlockNotCommitted means the block is above the attested chain height.
	ErrBlockNotCommitted = errors.New("block not committed by chain state")

	// ErrMalformedArtifact means a proof artifact couldn't be decoded.
	ErrMalformedArtifact = errors.New("malformed proof artifact")
)
