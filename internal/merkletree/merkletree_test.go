package merkletree

import (
	"math/big"
	"testing"

	"shieldpool/internal/crypto"
)

func mustInsert(t *testing.T, tree *Tree, leaf *big.Int) uint64 {
	t.Helper()
	idx, err := tree.Insert(leaf)
	if err != nil {
		t.Fatalf("insert %s: %v", leaf, err)
	}
	return idx
}

func TestEmptyTreeRoot(t *testing.T) {
	tree, err := New(4, DefaultRootHistorySize)
	if err != nil {
		t.Fatal(err)
	}

	// Empty root equals the depth-level zero-subtree constant.
	expected := big.NewInt(0)
	for i := 0; i < 4; i++ {
		expected = crypto.Hash(expected, expected)
	}
	if tree.Root().Cmp(expected) != 0 {
		t.Fatalf("empty root mismatch: got %s want %s", tree.Root(), expected)
	}

	// The empty root was never produced by an insert, so it is not "known".
	if tree.IsKnownRoot(tree.Root()) {
		t.Fatal("empty root should not be a known root")
	}
}

func TestInsertChangesRoot(t *testing.T) {
	tree, _ := New(4, DefaultRootHistorySize)

	a, b, c := big.NewInt(101), big.NewInt(202), big.NewInt(303)
	prev := tree.Root()
	for _, leaf := range []*big.Int{a, b, c} {
		mustInsert(t, tree, leaf)
		cur := tree.Root()
		if cur.Sign() == 0 {
			t.Fatal("root is zero after insert")
		}
		if cur.Cmp(prev) == 0 {
			t.Fatalf("root unchanged after inserting %s", leaf)
		}
		prev = cur
	}

	// proof(1) for B recomputes to the final root.
	proof, err := tree.Proof(1)
	if err != nil {
		t.Fatal(err)
	}
	if proof.Root.Cmp(tree.Root()) != 0 {
		t.Fatal("proof root is not the current root")
	}
	if !VerifyProof(b, proof) {
		t.Fatal("proof for leaf B does not verify")
	}
}

// batchRoot recomputes the root of a depth-d tree from the full leaf set,
// pairing each level bottom-up in one pass. It shares no code with the
// incremental insert path.
func batchRoot(depth int, leaves []*big.Int) *big.Int {
	layer := make([]*big.Int, len(leaves))
	copy(layer, leaves)
	zero := big.NewInt(0)
	for level := 0; level < depth; level++ {
		next := make([]*big.Int, (len(layer)+1)/2)
		for i := 0; i < len(layer); i += 2 {
			right := zero
			if i+1 < len(layer) {
				right = layer[i+1]
			}
			next[i/2] = crypto.Hash(layer[i], right)
		}
		layer = next
		zero = crypto.Hash(zero, zero)
	}
	if len(layer) == 0 {
		return zero
	}
	return layer[0]
}

// The root after n insertions must not depend on whether the leaves were
// known upfront or streamed one at a time.
func TestStreamingDeterminism(t *testing.T) {
	const depth = 6
	leaves := make([]*big.Int, 9)
	for i := range leaves {
		leaves[i] = big.NewInt(int64(1000 + i*i))
	}

	streamed, _ := New(depth, DefaultRootHistorySize)
	for i, l := range leaves {
		mustInsert(t, streamed, l)
		want := batchRoot(depth, leaves[:i+1])
		if streamed.Root().Cmp(want) != 0 {
			t.Fatalf("after %d leaves: streamed root %s != batch root %s", i+1, streamed.Root(), want)
		}
	}
}

func TestProofAgainstHistoricalRoot(t *testing.T) {
	const history = 5
	tree, _ := New(8, history)

	idx := mustInsert(t, tree, big.NewInt(7777))
	proof, err := tree.Proof(idx)
	if err != nil {
		t.Fatal(err)
	}
	insertRoot := proof.Root

	if !tree.IsKnownRoot(insertRoot) {
		t.Fatal("root at insert time should be known")
	}

	// A few more inserts keep the root inside the window.
	for i := 0; i < history-1; i++ {
		mustInsert(t, tree, big.NewInt(int64(10+i)))
	}
	if !tree.IsKnownRoot(insertRoot) {
		t.Fatal("root should still be within the history window")
	}

	// One more insert evicts it.
	mustInsert(t, tree, big.NewInt(999))
	if tree.IsKnownRoot(insertRoot) {
		t.Fatal("root should have been evicted from the history window")
	}
}

func TestStaleProofStillVerifiesAgainstItsRoot(t *testing.T) {
	tree, _ := New(6, DefaultRootHistorySize)

	leaf := big.NewInt(31337)
	idx := mustInsert(t, tree, leaf)
	stale, err := tree.Proof(idx)
	if err != nil {
		t.Fatal(err)
	}

	mustInsert(t, tree, big.NewInt(1))
	mustInsert(t, tree, big.NewInt(2))

	// The stale proof recomputes to its own (historical) root, and that
	// root is still in the window.
	if !VerifyProof(leaf, stale) {
		t.Fatal("stale proof no longer verifies against its root")
	}
	if !tree.IsKnownRoot(stale.Root) {
		t.Fatal("historical root fell out of the window too early")
	}

	// A fresh proof for the same index verifies against the new root.
	fresh, err := tree.Proof(idx)
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyProof(leaf, fresh) {
		t.Fatal("fresh proof does not verify")
	}
	if fresh.Root.Cmp(stale.Root) == 0 {
		t.Fatal("fresh proof root should differ from stale root")
	}
}

func TestCapacity(t *testing.T) {
	tree, _ := New(2, DefaultRootHistorySize)
	for i := 0; i < 4; i++ {
		mustInsert(t, tree, big.NewInt(int64(i+1)))
	}
	if _, err := tree.Insert(big.NewInt(5)); err != ErrTreeFull {
		t.Fatalf("expected ErrTreeFull, got %v", err)
	}
}

func TestReplayRebuildsSameRoot(t *testing.T) {
	orig, _ := New(5, DefaultRootHistorySize)
	for i := 0; i < 7; i++ {
		mustInsert(t, orig, big.NewInt(int64(40+i)))
	}

	rebuilt, _ := New(5, DefaultRootHistorySize)
	for _, l := range orig.Leaves() {
		mustInsert(t, rebuilt, l)
	}
	if rebuilt.Root().Cmp(orig.Root()) != 0 {
		t.Fatal("replay in insertion order produced a different root")
	}
}

func TestLeafIndexAndContains(t *testing.T) {
	tree, _ := New(4, DefaultRootHistorySize)
	leaf := big.NewInt(555)
	idx := mustInsert(t, tree, leaf)

	got, err := tree.LeafIndex(leaf)
	if err != nil || got != idx {
		t.Fatalf("LeafIndex = (%d, %v), want (%d, nil)", got, err, idx)
	}
	if !tree.Contains(leaf) {
		t.Fatal("Contains returned false for inserted leaf")
	}
	if tree.Contains(big.NewInt(556)) {
		t.Fatal("Contains returned true for absent leaf")
	}
}
