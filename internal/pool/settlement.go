package pool

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var ErrInsufficientFunds = errors.New("pool: settlement ledger lacks funds")

// Leg is one payout of a settlement: a destination and the amount it
// receives.
type Leg struct {
	To     common.Address
	Amount *big.Int
}

// Settler is the external transfer capability invoked when a withdrawal
// pays out. A withdrawal settles in a single call; implementations must
// apply every leg or none, so a failed settlement leaves no partial payout
// behind.
type Settler interface {
	Settle(legs []Leg) error
}

// LedgerSettlement is the in-process settler: a balance sheet funded by
// deposits and drained by payouts. It stands in for an on-chain token
// transfer and fails the same way, by refusing to overdraw.
type LedgerSettlement struct {
	mu       sync.Mutex
	reserve  *big.Int
	balances map[common.Address]*big.Int
}

func NewLedgerSettlement() *LedgerSettlement {
	return &LedgerSettlement{
		reserve:  new(big.Int),
		balances: make(map[common.Address]*big.Int),
	}
}

// Fund credits the pool reserve, called once per accepted deposit.
func (l *LedgerSettlement) Fund(amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reserve.Add(l.reserve, amount)
}

// Settle implements Settler. The full settlement total is checked against
// the reserve before any leg is credited, so an overdraw fails with every
// balance untouched.
func (l *LedgerSettlement) Settle(legs []Leg) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	total := new(big.Int)
	for _, leg := range legs {
		total.Add(total, leg.Amount)
	}
	if l.reserve.Cmp(total) < 0 {
		return ErrInsufficientFunds
	}

	for _, leg := range legs {
		if leg.Amount.Sign() == 0 {
			continue
		}
		l.reserve.Sub(l.reserve, leg.Amount)
		bal, ok := l.balances[leg.To]
		if !ok {
			bal = new(big.Int)
			l.balances[leg.To] = bal
		}
		bal.Add(bal, leg.Amount)
	}
	return nil
}

// BalanceOf returns the settled balance of an address.
func (l *LedgerSettlement) BalanceOf(addr common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if bal, ok := l.balances[addr]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// Reserve returns the undistributed pool balance.
func (l *LedgerSettlement) Reserve() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.reserve)
}
