// Package merkletree implements the append-only incremental accumulator used
// for both the deposit pool and the compliance set. Leaves are BN254 field
// elements, internal nodes are MiMC(left, right), and unfilled positions
// resolve to precomputed per-level zero-subtree constants so the tree behaves
// as if fully populated with empty leaves.
package merkletree

import (
	"errors"
	"math/big"
	"sync"

	"shieldpool/internal/crypto"
)

// DefaultRootHistorySize is the number of historical roots kept acceptable
// for proof verification. Policy constant, overridable per tree.
const DefaultRootHistorySize = 30

var (
	ErrTreeFull     = errors.New("merkletree: tree is at capacity")
	ErrBadIndex     = errors.New("merkletree: leaf index out of range")
	ErrBadDepth     = errors.New("merkletree: depth must be between 1 and 32")
	ErrBadHistory   = errors.New("merkletree: root history size must be positive")
	ErrLeafNotFound = errors.New("merkletree: leaf not present")
)

// Proof carries the sibling path needed to recompute the root from a leaf.
// PathDirections[i] is true when the node at level i is a right child
// (sibling on the left).
type Proof struct {
	PathElements   []*big.Int
	PathDirections []bool
	Root           *big.Int
}

// Tree is an owned, mutex-guarded incremental Merkle accumulator with a
// bounded root-history window. Each pool/compliance instance owns its own
// Tree; nothing here is shared or ambient.
type Tree struct {
	mu sync.RWMutex

	depth     int
	capacity  uint64
	nextIndex uint64

	// zeros[i] is the hash of an all-empty subtree of height i.
	zeros []*big.Int
	// filled[i] caches the most recent left child seen at level i, the
	// standard incremental-insert trick: a right child always pairs with it.
	filled []*big.Int
	// leaves and layers are retained for proof generation.
	leaves []*big.Int

	root *big.Int

	// rootHistory is a circular buffer; rootCursor points at the slot the
	// next root will overwrite.
	rootHistory []*big.Int
	rootCursor  int
}

// New creates an empty tree of the given depth with the given root-history
// window. The empty-subtree constants are derived by repeated self-hashing of
// the zero leaf, a pure function of the hash and depth.
func New(depth, historySize int) (*Tree, error) {
	if depth < 1 || depth > 32 {
		return nil, ErrBadDepth
	}
	if historySize < 1 {
		return nil, ErrBadHistory
	}

	zeros := make([]*big.Int, depth+1)
	zeros[0] = big.NewInt(0)
	for i := 1; i <= depth; i++ {
		zeros[i] = crypto.Hash(zeros[i-1], zeros[i-1])
	}

	t := &Tree{
		depth:       depth,
		capacity:    1 << uint(depth),
		zeros:       zeros,
		filled:      make([]*big.Int, depth),
		root:        zeros[depth],
		rootHistory: make([]*big.Int, 0, historySize),
	}
	return t, nil
}

// Depth returns the fixed tree depth.
func (t *Tree) Depth() int { return t.depth }

// Size returns the number of inserted leaves.
func (t *Tree) Size() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nextIndex
}

// Root returns the current accumulator root.
func (t *Tree) Root() *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return new(big.Int).Set(t.root)
}

// Insert appends a leaf at the next free index, recomputes the O(depth) path
// to the root, and records the new root in the history window. Returns the
// leaf index.
func (t *Tree) Insert(leaf *big.Int) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.nextIndex >= t.capacity {
		return 0, ErrTreeFull
	}

	index := t.nextIndex
	t.leaves = append(t.leaves, new(big.Int).Set(leaf))
	t.nextIndex++

	current := new(big.Int).Set(leaf)
	idx := index
	for level := 0; level < t.depth; level++ {
		if idx%2 == 0 {
			// Left child: sibling subtree is still unfilled.
			t.filled[level] = new(big.Int).Set(current)
			current = crypto.Hash(current, t.zeros[level])
		} else {
			current = crypto.Hash(t.filled[level], current)
		}
		idx /= 2
	}

	t.root = current
	t.recordRootLocked(current)
	return index, nil
}

// recordRootLocked pushes a root into the circular history buffer, evicting
// the oldest entry once the buffer is full.
func (t *Tree) recordRootLocked(root *big.Int) {
	r := new(big.Int).Set(root)
	if len(t.rootHistory) < cap(t.rootHistory) {
		t.rootHistory = append(t.rootHistory, r)
		return
	}
	t.rootHistory[t.rootCursor] = r
	t.rootCursor = (t.rootCursor + 1) % cap(t.rootHistory)
}

// IsKnownRoot reports whether the root still occupies a slot in the history
// window. A root evicted by newer inserts is permanently unrecognized.
func (t *Tree) IsKnownRoot(root *big.Int) bool {
	if root == nil || root.Sign() == 0 {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, r := range t.rootHistory {
		if r.Cmp(root) == 0 {
			return true
		}
	}
	return false
}

// Proof returns the sibling values and direction bits for the leaf at the
// given index, against the current root. Layers are recomputed from the
// stored leaves; the tree keeps only O(n) state between calls.
func (t *Tree) Proof(index uint64) (*Proof, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if index >= t.nextIndex {
		return nil, ErrBadIndex
	}

	elements := make([]*big.Int, t.depth)
	directions := make([]bool, t.depth)

	layer := make([]*big.Int, t.nextIndex)
	for i, l := range t.leaves {
		layer[i] = l
	}

	idx := index
	for level := 0; level < t.depth; level++ {
		sibIdx := idx ^ 1
		if sibIdx < uint64(len(layer)) {
			elements[level] = new(big.Int).Set(layer[sibIdx])
		} else {
			elements[level] = new(big.Int).Set(t.zeros[level])
		}
		directions[level] = idx%2 == 1

		// Build the next layer up.
		next := make([]*big.Int, (len(layer)+1)/2)
		for i := 0; i < len(layer); i += 2 {
			right := t.zeros[level]
			if i+1 < len(layer) {
				right = layer[i+1]
			}
			next[i/2] = crypto.Hash(layer[i], right)
		}
		layer = next
		idx /= 2
	}

	return &Proof{
		PathElements:   elements,
		PathDirections: directions,
		Root:           new(big.Int).Set(t.root),
	}, nil
}

// LeafIndex returns the index of the first leaf equal to the given value.
func (t *Tree) LeafIndex(leaf *big.Int) (uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i, l := range t.leaves {
		if l.Cmp(leaf) == 0 {
			return uint64(i), nil
		}
	}
	return 0, ErrLeafNotFound
}

// Contains reports whether the leaf has been inserted.
func (t *Tree) Contains(leaf *big.Int) bool {
	_, err := t.LeafIndex(leaf)
	return err == nil
}

// Leaves returns a copy of the inserted leaves in insertion order. Used to
// replay a persisted accumulator after restart; replay order matters, an
// out-of-order rebuild produces an incompatible root.
func (t *Tree) Leaves() []*big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*big.Int, len(t.leaves))
	for i, l := range t.leaves {
		out[i] = new(big.Int).Set(l)
	}
	return out
}

// VerifyProof recomputes the root from a leaf and its sibling path.
func VerifyProof(leaf *big.Int, proof *Proof) bool {
	if proof == nil || len(proof.PathElements) != len(proof.PathDirections) {
		return false
	}
	current := new(big.Int).Set(leaf)
	for i, sibling := range proof.PathElements {
		if proof.PathDirections[i] {
			current = crypto.Hash(sibling, current)
		} else {
			current = crypto.Hash(current, sibling)
		}
	}
	return current.Cmp(proof.Root) == 0
}
