package blockmmr

import (
	"testing"
)

func TestPeakKeys(t *testing.T) {
	tests := []struct {
		numLeaves uint64
		expected  []NodeKey
	}{
		{0, []NodeKey{}},
		{1, []NodeKey{{0, 0}}},
		{2, []NodeKey{{1, 0}}},
		{5, []NodeKey{{0, 4}, {2, 0}}},
		{6, []NodeKey{{1, 2}, {2, 0}}},
		{15, []NodeKey{{0, 14}, {1, 6}, {2, 2}, {3, 0}}},
	}

	for _, test := range tests {
		got := peakKeys(test.numLeaves)
		if len(got) != len(test.expected) {
			t.Fatalf("%d leaves: expected %v, got %v", test.numLeaves, test.expected, got)
		}
		for i := range got {
			if got[i] != test.expected[i] {
				t.Fatalf("%d leaves: expected %v, got %v", test.numLeaves, test.expected, got)
			}
			if !got[i].isPeak(test.numLeaves) {
				t.Fatalf("%d leaves: %s isn't a peak", test.numLeaves, got[i])
			}
		}
	}
}

func TestCommitted(t *testing.T) {
	tests := []struct {
		key       NodeKey
		numLeaves uint64
		expected  bool
	}{
		{NodeKey{0, 0}, 0, false},
		{NodeKey{0, 0}, 1, true},
		{NodeKey{0, 4}, 5, true},
		{NodeKey{0, 5}, 5, false},
		{NodeKey{1, 1}, 4, true},
		{NodeKey{1, 2}, 5, false},
		{NodeKey{2, 0}, 4, true},
		{NodeKey{2, 1}, 7, false},
		{NodeKey{64, 0}, ^uint64(0), false},
		{NodeKey{0, ^uint64(0)}, ^uint64(0), false},
	}

	for _, test := range tests {
		if got := test.key.committed(test.numLeaves); got != test.expected {
			t.Fatalf("%s with %d leaves: expected %v, got %v",
				test.key, test.numLeaves, test.expected, got)
		}
	}
}

func TestNodeKeyFamily(t *testing.T) {
	k := NodeKey{Height: 2, Index: 5}
	if k.sibling() != (NodeKey{2, 4}) {
		t.Fatalf("expected sibling (2, 4), got %s", k.sibling())
	}
	if k.parent() != (NodeKey{3, 2}) {
		t.Fatalf("expected parent (3, 2), got %s", k.parent())
	}
	if k.isLeft() {
		t.Fatalf("%s should be a right child", k)
	}
}
