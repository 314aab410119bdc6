package blockmmr

import (
	"encoding/binary"
	"math/bits"
	"math/rand"
	"testing"
)

// leafAt returns a distinct leaf for every index.
func leafAt(i uint64) Hash {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], i)
	return HashWords(buf[:])
}

// refSubtree hashes the perfect subtree over the leaves with plain recursion.
func refSubtree(leaves []Hash) Hash {
	if len(leaves) == 1 {
		return leaves[0]
	}
	half := len(leaves) / 2
	return Pair(refSubtree(leaves[:half]), refSubtree(leaves[half:]))
}

// refSlots builds the slots for the leaves from scratch. The biggest peak
// covers the first leaves.
func refSlots(leaves []Hash) []Hash {
	n := uint64(len(leaves))
	slots := make([]Hash, bits.Len64(n)+1)
	start := uint64(0)
	for h := bits.Len64(n) - 1; h >= 0; h-- {
		if (n>>h)&1 == 0 {
			continue
		}
		size := uint64(1) << h
		slots[h] = refSubtree(leaves[start : start+size])
		start += size
	}
	return slots
}

func TestStumpAddVectors(t *testing.T) {
	h2 := Pair(testLeaf, testLeaf)
	h4 := Pair(h2, h2)

	tests := []struct {
		adds     int
		expected []Hash
	}{
		{0, []Hash{empty}},
		{1, []Hash{testLeaf, empty}},
		{2, []Hash{empty, h2, empty}},
		{3, []Hash{testLeaf, h2, empty}},
		{4, []Hash{empty, empty, h4, empty}},
		{5, []Hash{testLeaf, empty, h4, empty}},
	}

	for _, test := range tests {
		s := NewStump()
		for i := 0; i < test.adds; i++ {
			s, _ = s.Add(testLeaf)
		}

		if len(s.Roots) != len(test.expected) {
			t.Fatalf("after %d adds expected %d slots, got %d: %s",
				test.adds, len(test.expected), len(s.Roots), s)
		}
		for h := range s.Roots {
			if s.Roots[h] != test.expected[h] {
				t.Fatalf("after %d adds slot %d: expected %s, got %s",
					test.adds, h, test.expected[h], s.Roots[h])
			}
		}
	}
}

func TestStumpRoot(t *testing.T) {
	expected := []string{
		"0xd80dce0578fdb44624f8b19e8ea8d4f0e3d211e56373198603c6b1909f022182",
		"0x33f24a4988925e5994c383993ad15d16bd641b5c0252af95d2b4a0efedc70e24",
		"0xef5e2e23df9786bd11ceabb3f84cf520d4a3288941258ebc4b6c0b86a240e5ae",
		"0x9ba6a887118526d2a90ed438b2cb7b7222963f21fb208da2e81944cda5f3644e",
		"0x01f90e1c8d08958c8a2acd657ffc6241ab9cbc852fe09d24243a635780d0e530",
		"0xcb29afba8c7673dd88d57568ed4ffb39384a924b9f0290567bd990e041579cd6",
		"0x6a30fb7bb5dc488b092426556797a50218eea34314672a0ca8cccc17c911c8ea",
		"0x3520efdd6df32de0ef4fe896e6ca28948bd9808630c8d44b8b5724b39cd99d59",
		"0x6ddc94cd9940d1165b1907cfff1e8a68276b816ab54e72aab9a1815830bfccf4",
		"0x1f88b45b23009adcf430382fe1ddbf0e499fa7a0b72fba6758e6eecc6e72e85f",
		"0xcb5f6fd1898ab2b1c5d28c43e3c8fa282519faa154096bfa4bef60a465d67d97",
		"0x1f83abffd6274496df054da856b5fb946599f59488d69d70b6cf7e5a6e5182dc",
		"0x9303386710b11267aacc686f2c2a67cd81a4a1e1f00532c70beae491d14a61c7",
		"0xd9cb12df4dd155d3376c609d616494f986e4b2cf8baaf7ffe60918f8472fccd2",
		"0x19f148fb4f9b5e5bac1c12594b8e4b2d4b94d12c073b92e2b3d83349909613b6",
		"0xb29a0eaff84bf0d444cc7949032d62155cb27aad26d030a22158c198933de424",
	}

	s := NewStump()
	for i, want := range expected {
		s, _ = s.Add(testLeaf)
		if got := s.Root(); got.String() != want {
			t.Fatalf("after %d adds expected root %s, got %s", i+1, want, got)
		}
	}
}

func TestStumpImmutable(t *testing.T) {
	s := NewStump()
	s, _ = s.Add(testLeaf)

	before := s.Clone()
	next, _ := s.Add(testLeaf)

	if next.NumLeaves != 2 {
		t.Fatalf("expected 2 leaves, got %d", next.NumLeaves)
	}
	if s.NumLeaves != before.NumLeaves || len(s.Roots) != len(before.Roots) {
		t.Fatalf("Add modified the receiver: before %s, after %s", before, s)
	}
	for h := range s.Roots {
		if s.Roots[h] != before.Roots[h] {
			t.Fatalf("Add modified slot %d of the receiver", h)
		}
	}
}

func TestStumpZeroValue(t *testing.T) {
	var zero Stump
	if zero.Root() != NewStump().Root() {
		t.Fatalf("zero stump root %s, expected %s", zero.Root(), NewStump().Root())
	}

	got, created := zero.Add(testLeaf)
	want, wantCreated := NewStump().Add(testLeaf)
	if got.String() != want.String() || got.Root() != want.Root() {
		t.Fatalf("adding to the zero stump gave %s, expected %s", got, want)
	}
	if len(created) != len(wantCreated) || created[0] != wantCreated[0] {
		t.Fatalf("expected created nodes %v, got %v", wantCreated, created)
	}
	if err := got.check(); err != nil {
		t.Fatal(err)
	}
	if zero.Roots != nil {
		t.Fatal("Add modified the receiver")
	}
}

func TestStumpOccupancy(t *testing.T) {
	s := NewStump()
	for n := uint64(0); n < 1100; n++ {
		if err := s.check(); err != nil {
			t.Fatal(err)
		}
		if len(s.Peaks()) != bits.OnesCount64(n) {
			t.Fatalf("%d leaves: expected %d peaks, got %d",
				n, bits.OnesCount64(n), len(s.Peaks()))
		}
		for h := range s.Roots {
			_, ok := s.Peak(uint8(h))
			if ok != ((n>>h)&1 == 1) {
				t.Fatalf("%d leaves: slot %d occupied=%v", n, h, ok)
			}
		}
		if s.Roots[len(s.Roots)-1] != empty {
			t.Fatalf("%d leaves: last slot isn't a gap", n)
		}

		s, _ = s.Add(leafAt(n))
	}
}

func TestStumpCreatedNodes(t *testing.T) {
	s := NewStump()
	for n := uint64(0); n < 64; n++ {
		var created []Node
		s, created = s.Add(leafAt(n))

		// One leaf plus one node per carry.
		carries := bits.TrailingZeros64(^n)
		if len(created) != carries+1 {
			t.Fatalf("adding leaf %d: expected %d nodes, got %d",
				n, carries+1, len(created))
		}

		top := created[len(created)-1]
		if !top.isPeak(s.NumLeaves) {
			t.Fatalf("adding leaf %d: last created node %s isn't a peak",
				n, top.NodeKey)
		}
		if s.Roots[top.Height] != top.Hash {
			t.Fatalf("adding leaf %d: peak %s doesn't match slot", n, top.NodeKey)
		}
	}
}

func FuzzStump(f *testing.F) {
	var tests = []struct {
		numLeaves uint16
		seed      int64
	}{
		{1, 0},
		{7, 0},
		{8, 1},
		{255, 2},
		{1000, 424},
	}
	for _, test := range tests {
		f.Add(test.numLeaves, test.seed)
	}

	f.Fuzz(func(t *testing.T, numLeaves uint16, seed int64) {
		rnd := rand.New(rand.NewSource(seed))

		leaves := make([]Hash, numLeaves)
		s := NewStump()
		for i := range leaves {
			rnd.Read(leaves[i][:])
			s, _ = s.Add(leaves[i])
		}

		expected := refSlots(leaves)
		if len(s.Roots) != len(expected) {
			t.Fatalf("FuzzStump fail: %d leaves: expected %d slots, got %d",
				numLeaves, len(expected), len(s.Roots))
		}
		if s.Root() != Squash(expected) {
			t.Fatalf("FuzzStump fail: %d leaves: incremental root %s, "+
				"reference root %s\nStump:\n%s\nReference:\n%s",
				numLeaves, s.Root(), Squash(expected),
				printHashes(s.Roots), printHashes(expected))
		}
	})
}

func TestNewStumpFromSlots(t *testing.T) {
	s := NewStump()
	for i := uint64(0); i < 5; i++ {
		s, _ = s.Add(leafAt(i))
	}

	got, err := NewStumpFromSlots(s.Roots, 5)
	if err != nil {
		t.Fatal(err)
	}
	if got.Root() != s.Root() {
		t.Fatalf("expected root %s, got %s", s.Root(), got.Root())
	}

	// Wrong slot count.
	if _, err := NewStumpFromSlots(s.Roots, 8); err == nil {
		t.Fatal("expected an error for 8 leaves with 4 slots")
	}
	// Gap that isn't zero.
	bad := s.Clone()
	bad.Roots[1] = testLeaf
	if _, err := NewStumpFromSlots(bad.Roots, 5); err == nil {
		t.Fatal("expected an error for a non-zero gap")
	}
}
