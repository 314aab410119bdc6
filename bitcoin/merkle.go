package bitcoin

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// maxTxPerBlock bounds the transaction count of a tree. It's the block weight
// limit over the weight of the smallest transaction.
const maxTxPerBlock = blockchain.MaxBlockWeight / 240

var (
	// ErrMerkleTreeMalformed is returned when a partial merkle tree can't be
	// walked.
	ErrMerkleTreeMalformed = errors.New("malformed partial merkle tree")

	// ErrMerkleRootMismatch is returned when a partial merkle tree hashes up
	// to a different root than the block header's.
	ErrMerkleRootMismatch = errors.New("partial merkle tree root mismatch")

	// ErrTxNotMatched is returned when the tree doesn't match exactly the
	// wanted transaction.
	ErrTxNotMatched = errors.New("transaction not matched by partial merkle tree")
)

// PartialMerkleTree is the BIP37 encoding of the part of a block's
// transaction merkle tree needed to prove some of its transactions.
type PartialMerkleTree struct {
	// Transactions is the number of transactions in the block.
	Transactions uint32

	// Hashes are the node hashes in depth-first order.
	Hashes []chainhash.Hash

	// Flags has one bit per visited node, least significant bit first.
	Flags []byte
}

// treeWidth returns the number of nodes at the given height where 0 is the
// transactions.
func treeWidth(numTx, height uint32) uint32 {
	return (numTx + (1 << height) - 1) >> height
}

// treeHeight returns the height of the merkle root.
func treeHeight(numTx uint32) uint32 {
	height := uint32(0)
	for treeWidth(numTx, height) > 1 {
		height++
	}
	return height
}

// NewPartialMerkleTree builds the tree for the block with the given txids
// that proves the transactions whose index is set in matched.
func NewPartialMerkleTree(txids []chainhash.Hash, matched []bool) (PartialMerkleTree, error) {
	if len(txids) == 0 || len(txids) != len(matched) {
		return PartialMerkleTree{}, fmt.Errorf("need one match flag per txid, "+
			"got %d txids and %d flags", len(txids), len(matched))
	}

	b := treeBuilder{
		numTx:   uint32(len(txids)),
		txids:   txids,
		matched: matched,
	}
	b.traverse(treeHeight(b.numTx), 0)

	pmt := PartialMerkleTree{
		Transactions: b.numTx,
		Hashes:       b.hashes,
		Flags:        make([]byte, (len(b.bits)+7)/8),
	}
	for i, bit := range b.bits {
		if bit {
			pmt.Flags[i/8] |= 1 << (i % 8)
		}
	}
	return pmt, nil
}

type treeBuilder struct {
	numTx   uint32
	txids   []chainhash.Hash
	matched []bool
	hashes  []chainhash.Hash
	bits    []bool
}

func (b *treeBuilder) hash(height, pos uint32) chainhash.Hash {
	if height == 0 {
		return b.txids[pos]
	}
	left := b.hash(height-1, pos*2)
	right := left
	if pos*2+1 < treeWidth(b.numTx, height-1) {
		right = b.hash(height-1, pos*2+1)
	}
	return blockchain.HashMerkleBranches(&left, &right)
}

func (b *treeBuilder) traverse(height, pos uint32) {
	isParent := false
	for i := pos << height; i < (pos+1)<<height && i < b.numTx; i++ {
		isParent = isParent || b.matched[i]
	}
	b.bits = append(b.bits, isParent)

	if height == 0 || !isParent {
		b.hashes = append(b.hashes, b.hash(height, pos))
		return
	}
	b.traverse(height-1, pos*2)
	if pos*2+1 < treeWidth(b.numTx, height-1) {
		b.traverse(height-1, pos*2+1)
	}
}

// Serialize writes the consensus encoding of the tree: the transaction count
// as a little-endian uint32, the var-int prefixed hashes and the var-bytes
// flags.
func (p *PartialMerkleTree) Serialize(w io.Writer) error {
	var count [4]byte
	binary.LittleEndian.PutUint32(count[:], p.Transactions)
	if _, err := w.Write(count[:]); err != nil {
		return err
	}

	if err := wire.WriteVarInt(w, wire.ProtocolVersion, uint64(len(p.Hashes))); err != nil {
		return err
	}
	for i := range p.Hashes {
		if _, err := w.Write(p.Hashes[i][:]); err != nil {
			return err
		}
	}

	return wire.WriteVarBytes(w, wire.ProtocolVersion, p.Flags)
}

// Bytes returns the consensus encoding of the tree.
func (p *PartialMerkleTree) Bytes() []byte {
	var buf bytes.Buffer
	// Writing to a bytes.Buffer doesn't fail.
	_ = p.Serialize(&buf)
	return buf.Bytes()
}

// Deserialize reads a tree written by Serialize.
func (p *PartialMerkleTree) Deserialize(r io.Reader) error {
	var count [4]byte
	if _, err := io.ReadFull(r, count[:]); err != nil {
		return err
	}
	p.Transactions = binary.LittleEndian.Uint32(count[:])

	numHashes, err := wire.ReadVarInt(r, wire.ProtocolVersion)
	if err != nil {
		return err
	}
	if numHashes > maxTxPerBlock {
		return fmt.Errorf("too many hashes: %d", numHashes)
	}
	p.Hashes = make([]chainhash.Hash, numHashes)
	for i := range p.Hashes {
		if _, err := io.ReadFull(r, p.Hashes[i][:]); err != nil {
			return err
		}
	}

	p.Flags, err = wire.ReadVarBytes(r, wire.ProtocolVersion, maxTxPerBlock, "flags")
	return err
}

// ParsePartialMerkleTree decodes the consensus encoding of a tree. Trailing
// bytes are an error.
func ParsePartialMerkleTree(b []byte) (PartialMerkleTree, error) {
	var p PartialMerkleTree
	r := bytes.NewReader(b)
	if err := p.Deserialize(r); err != nil {
		return PartialMerkleTree{}, fmt.Errorf("%w: %v", ErrMerkleTreeMalformed, err)
	}
	if r.Len() != 0 {
		return PartialMerkleTree{}, fmt.Errorf("%w: %d trailing bytes",
			ErrMerkleTreeMalformed, r.Len())
	}
	return p, nil
}

// ParseTxOutProof splits the output of gettxoutproof into the block header
// and the partial merkle tree.
func ParseTxOutProof(b []byte) (wire.BlockHeader, PartialMerkleTree, error) {
	var msg wire.MsgMerkleBlock
	err := msg.BtcDecode(bytes.NewReader(b), wire.ProtocolVersion, wire.BaseEncoding)
	if err != nil {
		return wire.BlockHeader{}, PartialMerkleTree{},
			fmt.Errorf("%w: %v", ErrMerkleTreeMalformed, err)
	}

	pmt := PartialMerkleTree{
		Transactions: msg.Transactions,
		Hashes:       make([]chainhash.Hash, len(msg.Hashes)),
		Flags:        msg.Flags,
	}
	for i, h := range msg.Hashes {
		pmt.Hashes[i] = *h
	}
	return msg.Header, pmt, nil
}

type treeWalker struct {
	tree     *PartialMerkleTree
	bitsUsed int
	hashUsed int
	matches  []chainhash.Hash
	indexes  []uint32
}

func (w *treeWalker) bit() (bool, error) {
	if w.bitsUsed >= len(w.tree.Flags)*8 {
		return false, errors.New("ran out of flag bits")
	}
	i := w.bitsUsed
	w.bitsUsed++
	return w.tree.Flags[i/8]&(1<<(i%8)) != 0, nil
}

func (w *treeWalker) walk(height, pos uint32) (chainhash.Hash, error) {
	parentOfMatch, err := w.bit()
	if err != nil {
		return chainhash.Hash{}, err
	}

	if height == 0 || !parentOfMatch {
		if w.hashUsed >= len(w.tree.Hashes) {
			return chainhash.Hash{}, errors.New("ran out of hashes")
		}
		hash := w.tree.Hashes[w.hashUsed]
		w.hashUsed++
		if height == 0 && parentOfMatch {
			w.matches = append(w.matches, hash)
			w.indexes = append(w.indexes, pos)
		}
		return hash, nil
	}

	left, err := w.walk(height-1, pos*2)
	if err != nil {
		return chainhash.Hash{}, err
	}
	right := left
	if pos*2+1 < treeWidth(w.tree.Transactions, height-1) {
		right, err = w.walk(height-1, pos*2+1)
		if err != nil {
			return chainhash.Hash{}, err
		}
		// Identical siblings let two different trees share a root.
		if right == left {
			return chainhash.Hash{}, errors.New("duplicate sibling hashes")
		}
	}

	return blockchain.HashMerkleBranches(&left, &right), nil
}

// ExtractMatches walks the tree and returns the merkle root along with the
// matched txids and their positions in the block.
func (p *PartialMerkleTree) ExtractMatches() (chainhash.Hash, []chainhash.Hash, []uint32, error) {
	fail := func(format string, args ...interface{}) (chainhash.Hash, []chainhash.Hash, []uint32, error) {
		return chainhash.Hash{}, nil, nil, fmt.Errorf("%w: %s",
			ErrMerkleTreeMalformed, fmt.Sprintf(format, args...))
	}

	if p.Transactions == 0 {
		return fail("no transactions")
	}
	if p.Transactions > maxTxPerBlock {
		return fail("%d transactions is more than a block can hold", p.Transactions)
	}
	if uint64(len(p.Hashes)) > uint64(p.Transactions) {
		return fail("%d hashes for %d transactions", len(p.Hashes), p.Transactions)
	}
	if len(p.Flags)*8 < len(p.Hashes) {
		return fail("%d flag bits for %d hashes", len(p.Flags)*8, len(p.Hashes))
	}

	w := treeWalker{tree: p}
	root, err := w.walk(treeHeight(p.Transactions), 0)
	if err != nil {
		return fail("%v", err)
	}

	// Every flag byte and every hash must have been used.
	if (w.bitsUsed+7)/8 != len(p.Flags) {
		return fail("used %d flag bits of %d bytes", w.bitsUsed, len(p.Flags))
	}
	if w.hashUsed != len(p.Hashes) {
		return fail("used %d hashes of %d", w.hashUsed, len(p.Hashes))
	}

	return root, w.matches, w.indexes, nil
}

// VerifyTxInclusion checks that the encoded partial merkle tree hashes up to
// the merkle root of the header and matches exactly the given txid.
func VerifyTxInclusion(header *wire.BlockHeader, txid chainhash.Hash, proof []byte) error {
	pmt, err := ParsePartialMerkleTree(proof)
	if err != nil {
		return err
	}

	root, matches, _, err := pmt.ExtractMatches()
	if err != nil {
		return err
	}
	if root != header.MerkleRoot {
		return fmt.Errorf("%w: got %s, header has %s",
			ErrMerkleRootMismatch, root, header.MerkleRoot)
	}
	if len(matches) != 1 {
		return fmt.Errorf("%w: tree matches %d transactions", ErrTxNotMatched, len(matches))
	}
	if matches[0] != txid {
		return fmt.Errorf("%w: tree matches %s, want %s", ErrTxNotMatched, matches[0], txid)
	}
	return nil
}
