// Package bitcoin holds the Bitcoin side of the accumulator: the leaf digest
// of a block header, the transaction merkle tree of a block and a client for
// the node RPC.
package bitcoin

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/wire"

	"github.com/raitobridge/blockmmr"
)

// headerWords is the size of the word encoding of a header. It's the same
// size as the consensus encoding.
const headerWords = wire.MaxBlockHeaderPayload

// HeaderDigest returns the accumulator leaf for the block header.
//
// The integer fields are encoded as big-endian words and the two hashes are
// taken in their internal byte order, which is how the circuit reads a header.
func HeaderDigest(header *wire.BlockHeader) blockmmr.Hash {
	var buf [headerWords]byte
	binary.BigEndian.PutUint32(buf[0:4], uint32(header.Version))
	copy(buf[4:36], header.PrevBlock[:])
	copy(buf[36:68], header.MerkleRoot[:])
	binary.BigEndian.PutUint32(buf[68:72], uint32(header.Timestamp.Unix()))
	binary.BigEndian.PutUint32(buf[72:76], header.Bits)
	binary.BigEndian.PutUint32(buf[76:80], header.Nonce)

	return blockmmr.HashWords(buf[:])
}
