package pool

import (
	"errors"
	"math/big"
	"sync"
)

var ErrNullifierAlreadySpent = errors.New("pool: nullifier already spent")

// NullifierRegistry is a grow-only spent set for one spend domain. The
// withdrawal and sponsorship domains each get their own registry, so one
// deposit can be consumed once per domain without the two spends colliding.
type NullifierRegistry struct {
	mu    sync.RWMutex
	spent map[string]struct{}
}

func NewNullifierRegistry() *NullifierRegistry {
	return &NullifierRegistry{spent: make(map[string]struct{})}
}

func key(hash *big.Int) string { return string(hash.Bytes()) }

// IsSpent reports whether the nullifier hash has been consumed.
func (r *NullifierRegistry) IsSpent(hash *big.Int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.spent[key(hash)]
	return ok
}

// MarkSpent consumes a nullifier hash. Marking twice is an error; callers
// rely on this to make double-spends impossible even under races.
func (r *NullifierRegistry) MarkSpent(hash *big.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(hash)
	if _, ok := r.spent[k]; ok {
		return ErrNullifierAlreadySpent
	}
	r.spent[k] = struct{}{}
	return nil
}

// unmark rolls back a MarkSpent after a failed settlement. Internal; a spend
// that reached the outside world must never be unmarked.
func (r *NullifierRegistry) unmark(hash *big.Int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.spent, key(hash))
}

// Size returns the number of spent nullifiers.
func (r *NullifierRegistry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.spent)
}

// Spent returns the spent hashes in unspecified order, for persistence.
func (r *NullifierRegistry) Spent() []*big.Int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*big.Int, 0, len(r.spent))
	for k := range r.spent {
		out = append(out, new(big.Int).SetBytes([]byte(k)))
	}
	return out
}
