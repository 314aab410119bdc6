package blockmmr

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2s"
)

// empty is needed as go initializes an array as all 0s. Used both to compare
// against unset hashes and as the placeholder for a gap slot.
var empty Hash

// Hash is the 32 byte of a 256 bit hash. The bytes are the big-endian encoding
// of eight 32-bit words, which is how the hash is laid out inside the circuit.
type Hash [32]byte

// String returns the hash as 0x-prefixed lowercase hex.
func (h Hash) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

// IsZero returns true if every byte of the hash is 0.
func (h Hash) IsZero() bool {
	return h == empty
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := NewHashFromStr(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// NewHashFromStr parses a hex encoded hash, with or without the 0x prefix.
// Shorter strings are left padded with zeros.
func NewHashFromStr(s string) (Hash, error) {
	var h Hash
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) > 64 {
		return h, fmt.Errorf("hash string %q is longer than 64 hex characters", s)
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid hash string: %w", err)
	}
	copy(h[32-len(b):], b)
	return h, nil
}

// swapWords reverses the byte order of every 4 byte word in src and writes
// the result to dst. dst and src may be the same slice.
func swapWords(dst, src []byte) {
	for i := 0; i+4 <= len(src); i += 4 {
		w := binary.BigEndian.Uint32(src[i:])
		binary.LittleEndian.PutUint32(dst[i:], w)
	}
}

// wordDigest converts the little-endian blake2s output into big-endian words.
func wordDigest(sum []byte) Hash {
	var h Hash
	swapWords(h[:], sum)
	return h
}

// HashWords returns the blake2s-256 digest of data read as big-endian 32-bit
// words. The length of data must be a multiple of 4.
func HashWords(data []byte) Hash {
	if len(data)%4 != 0 {
		panic(fmt.Sprintf("HashWords: input of %d bytes is not word aligned", len(data)))
	}
	buf := make([]byte, len(data))
	swapWords(buf, data)
	sum := blake2s.Sum256(buf)
	return wordDigest(sum[:])
}

// Pair returns the hash of the left and right hashes passed in. The two
// hashes fill exactly one 64 byte block which is finalized with a byte
// length of 64.
func Pair(l, r Hash) Hash {
	var block [64]byte
	swapWords(block[:32], l[:])
	swapWords(block[32:], r[:])
	sum := blake2s.Sum256(block[:])
	return wordDigest(sum[:])
}

// Squash folds the sparse slots of an accumulator into one digest. Slots are
// consumed two at a time from height 0 upwards, gaps contributing eight zero
// words. Every pair but the last one is an intermediate compression. The last
// block is either a full pair or, when the slot count is odd, the lone
// trailing gap.
func Squash(slots []Hash) Hash {
	// New256 only errors on keys longer than 32 bytes.
	h, _ := blake2s.New256(nil)

	var block [64]byte
	for i := 0; i < len(slots); i += 2 {
		n := 32
		swapWords(block[:32], slots[i][:])
		if i+1 < len(slots) {
			swapWords(block[32:], slots[i+1][:])
			n = 64
		}
		h.Write(block[:n])
	}

	return wordDigest(h.Sum(nil))
}
