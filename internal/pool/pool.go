// Package pool implements the fixed-denomination shielded pool: deposit
// intake into the commitment accumulator, compliance-gated withdrawal with
// nullifier accounting, and the sponsorship gate.
package pool

import (
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"shieldpool/internal/merkletree"
	"shieldpool/internal/metrics"
	"shieldpool/internal/proofs"
)

var (
	ErrDenominationMismatch   = errors.New("pool: value does not match pool denomination")
	ErrDuplicateCommitment    = errors.New("pool: commitment already present")
	ErrUnknownRoot            = errors.New("pool: unknown pool root")
	ErrUnknownComplianceRoot  = errors.New("pool: unknown compliance root")
	ErrNullifierBlocked       = errors.New("pool: nullifier is blocked")
	ErrFeeExceedsDenomination = errors.New("pool: fee exceeds denomination")
	ErrInvalidProof           = errors.New("pool: proof verification failed")
	ErrTransferFailed         = errors.New("pool: settlement transfer failed")
	ErrMissingComplianceRoot  = errors.New("pool: no compliance root published yet")
)

// WithdrawalRequest carries everything a withdrawal submits: the proof blob
// and the public values it must bind.
type WithdrawalRequest struct {
	Proof          []byte
	PoolRoot       *big.Int
	NullifierHash  *big.Int
	Recipient      common.Address
	FeeRecipient   common.Address
	Fee            *big.Int
	Refund         *big.Int
	ComplianceRoot *big.Int
}

// SponsorshipRequest carries a sponsorship proof and its public values.
type SponsorshipRequest struct {
	Proof          []byte
	PoolRoot       *big.Int
	NullifierHash  *big.Int
	ComplianceRoot *big.Int
}

// Config fixes a pool's immutable parameters.
type Config struct {
	Denomination    *big.Int
	TreeDepth       int
	RootHistorySize int
}

// Pool is one shielded pool instance. All state transitions run under a
// single mutex so a withdrawal is atomic: either every gate passes and the
// nullifier is spent with the transfers settled, or nothing changed.
type Pool struct {
	mu sync.Mutex

	denomination *big.Int
	tree         *merkletree.Tree

	withdrawNullifiers *NullifierRegistry
	sponsorNullifiers  *NullifierRegistry

	// complianceRoots mirrors the coordinator's published roots, a bounded
	// window like the tree's own root history.
	complianceRoots []*big.Int
	complianceMax   int
	blocked         map[string]struct{}

	// blockedCommitments records screening verdicts. The accumulators are
	// append-only, so a blocked commitment keeps any compliance membership it
	// already has; the flag stops re-insertion and answers status queries.
	blockedCommitments map[string]struct{}

	withdrawVerifier proofs.Verifier
	sponsorVerifier  proofs.Verifier
	settle           Settler
	log              *logrus.Logger
}

// New builds a pool. The verifiers decide which proof backend gates spends;
// the settler receives payouts.
func New(cfg Config, withdrawVerifier, sponsorVerifier proofs.Verifier, settle Settler, log *logrus.Logger) (*Pool, error) {
	if cfg.Denomination == nil || cfg.Denomination.Sign() <= 0 {
		return nil, ErrDenominationMismatch
	}
	history := cfg.RootHistorySize
	if history <= 0 {
		history = merkletree.DefaultRootHistorySize
	}
	tree, err := merkletree.New(cfg.TreeDepth, history)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.New()
	}
	return &Pool{
		denomination:       new(big.Int).Set(cfg.Denomination),
		tree:               tree,
		withdrawNullifiers: NewNullifierRegistry(),
		sponsorNullifiers:  NewNullifierRegistry(),
		complianceMax:      history,
		blocked:            make(map[string]struct{}),
		blockedCommitments: make(map[string]struct{}),
		withdrawVerifier:   withdrawVerifier,
		sponsorVerifier:    sponsorVerifier,
		settle:             settle,
		log:                log,
	}, nil
}

// Denomination returns the fixed deposit value.
func (p *Pool) Denomination() *big.Int { return new(big.Int).Set(p.denomination) }

// Tree exposes the commitment accumulator for proof generation and root
// queries.
func (p *Pool) Tree() *merkletree.Tree { return p.tree }

// Deposit admits a commitment carrying exactly the pool denomination and
// returns its leaf index.
func (p *Pool) Deposit(commitment, value *big.Int) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if value == nil || value.Cmp(p.denomination) != 0 {
		return 0, ErrDenominationMismatch
	}
	if p.tree.Contains(commitment) {
		return 0, ErrDuplicateCommitment
	}
	index, err := p.tree.Insert(commitment)
	if err != nil {
		return 0, err
	}
	if ledger, ok := p.settle.(*LedgerSettlement); ok {
		ledger.Fund(value)
	}

	p.log.WithFields(logrus.Fields{
		"leaf_index": index,
		"root":       p.tree.Root().Text(16),
	}).Info("💰 Deposit accepted")
	return index, nil
}

// Withdraw runs the full gate sequence and, if every gate passes, spends the
// nullifier and settles the payout. Gates run cheapest-first and the first
// failure aborts with no state change.
func (p *Pool) Withdraw(req *WithdrawalRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.withdrawNullifiers.IsSpent(req.NullifierHash) {
		return ErrNullifierAlreadySpent
	}
	if p.isBlockedLocked(req.NullifierHash) {
		return ErrNullifierBlocked
	}
	if !p.tree.IsKnownRoot(req.PoolRoot) {
		return ErrUnknownRoot
	}
	if !p.isKnownComplianceRootLocked(req.ComplianceRoot) {
		return ErrUnknownComplianceRoot
	}
	if req.Fee == nil || req.Fee.Sign() < 0 || req.Fee.Cmp(p.denomination) > 0 {
		return ErrFeeExceedsDenomination
	}

	pub := &proofs.WithdrawalPublicInputs{
		PoolRoot:       req.PoolRoot,
		NullifierHash:  req.NullifierHash,
		Recipient:      addressToField(req.Recipient),
		FeeRecipient:   addressToField(req.FeeRecipient),
		Fee:            req.Fee,
		Refund:         refundOrZero(req.Refund),
		ComplianceRoot: req.ComplianceRoot,
	}
	verifyStart := time.Now()
	ok, err := p.withdrawVerifier.Verify(req.Proof, pub.Slice())
	metrics.ProofVerificationDuration.WithLabelValues("withdrawal").Observe(time.Since(verifyStart).Seconds())
	if err != nil || !ok {
		if err != nil {
			p.log.WithError(err).Warn("⚠️ Withdrawal proof verification errored")
		}
		return ErrInvalidProof
	}

	if err := p.withdrawNullifiers.MarkSpent(req.NullifierHash); err != nil {
		return err
	}
	if err := p.settleWithdrawal(req); err != nil {
		p.withdrawNullifiers.unmark(req.NullifierHash)
		p.log.WithError(err).Error("❌ Withdrawal settlement failed, state rolled back")
		return ErrTransferFailed
	}

	p.log.WithFields(logrus.Fields{
		"nullifier": req.NullifierHash.Text(16),
		"recipient": req.Recipient.Hex(),
		"fee":       req.Fee.String(),
	}).Info("✅ Withdrawal settled")
	return nil
}

func (p *Pool) settleWithdrawal(req *WithdrawalRequest) error {
	payout := new(big.Int).Sub(p.denomination, req.Fee)
	legs := []Leg{{To: req.Recipient, Amount: payout}}
	if req.Fee.Sign() > 0 {
		legs = append(legs, Leg{To: req.FeeRecipient, Amount: req.Fee})
	}
	if refund := refundOrZero(req.Refund); refund.Sign() > 0 {
		legs = append(legs, Leg{To: req.Recipient, Amount: refund})
	}
	return p.settle.Settle(legs)
}

// IsSpent reports whether a withdrawal-domain nullifier has been consumed.
func (p *Pool) IsSpent(nullifierHash *big.Int) bool {
	return p.withdrawNullifiers.IsSpent(nullifierHash)
}

// IsSponsorSpent reports whether a sponsorship-domain nullifier has been
// consumed.
func (p *Pool) IsSponsorSpent(nullifierHash *big.Int) bool {
	return p.sponsorNullifiers.IsSpent(nullifierHash)
}

// RestoreSpent re-marks a withdrawal-domain nullifier during startup replay.
// Already-spent hashes are ignored.
func (p *Pool) RestoreSpent(nullifierHash *big.Int) {
	_ = p.withdrawNullifiers.MarkSpent(nullifierHash)
}

// RestoreSponsorSpent re-marks a sponsorship-domain nullifier during startup
// replay.
func (p *Pool) RestoreSponsorSpent(nullifierHash *big.Int) {
	_ = p.sponsorNullifiers.MarkSpent(nullifierHash)
}

// SetComplianceRoot records a root published by the compliance coordinator.
// Re-publishing the current root is a no-op.
func (p *Pool) SetComplianceRoot(root *big.Int) {
	if root == nil || root.Sign() == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.complianceRoots); n > 0 && p.complianceRoots[n-1].Cmp(root) == 0 {
		return
	}
	p.complianceRoots = append(p.complianceRoots, new(big.Int).Set(root))
	if len(p.complianceRoots) > p.complianceMax {
		p.complianceRoots = p.complianceRoots[1:]
	}
}

// LatestComplianceRoot returns the newest mirrored compliance root, or an
// error when none was ever published.
func (p *Pool) LatestComplianceRoot() (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.complianceRoots) == 0 {
		return nil, ErrMissingComplianceRoot
	}
	return new(big.Int).Set(p.complianceRoots[len(p.complianceRoots)-1]), nil
}

func (p *Pool) isKnownComplianceRootLocked(root *big.Int) bool {
	if root == nil || root.Sign() == 0 {
		return false
	}
	for _, r := range p.complianceRoots {
		if r.Cmp(root) == 0 {
			return true
		}
	}
	return false
}

// BlockNullifier bars a nullifier hash from spending. The underlying
// accumulators are append-only; blocking is an overlay, not a removal.
func (p *Pool) BlockNullifier(hash *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blocked[key(hash)] = struct{}{}
}

// UnblockNullifier lifts a block. Nothing else changes; any compliance leaf
// the deposit already has stays in place.
func (p *Pool) UnblockNullifier(hash *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.blocked, key(hash))
}

// IsBlocked reports whether a nullifier hash is barred from spending.
func (p *Pool) IsBlocked(hash *big.Int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isBlockedLocked(hash)
}

func (p *Pool) isBlockedLocked(hash *big.Int) bool {
	_, ok := p.blocked[key(hash)]
	return ok
}

// BlockCommitment records a blocked screening verdict for a commitment.
func (p *Pool) BlockCommitment(commitment *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blockedCommitments[key(commitment)] = struct{}{}
}

// UnblockCommitment clears the blocked flag. The commitment is not
// re-inserted anywhere; the coordinator decides whether to re-approve it.
func (p *Pool) UnblockCommitment(commitment *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.blockedCommitments, key(commitment))
}

// IsCommitmentBlocked reports the screening block status of a commitment.
func (p *Pool) IsCommitmentBlocked(commitment *big.Int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.blockedCommitments[key(commitment)]
	return ok
}

func addressToField(addr common.Address) *big.Int {
	return new(big.Int).SetBytes(addr.Bytes())
}

func refundOrZero(refund *big.Int) *big.Int {
	if refund == nil {
		return new(big.Int)
	}
	return refund
}
