package pool

import (
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"shieldpool/internal/metrics"
	"shieldpool/internal/proofs"
)

// SponsorshipGrant is the receipt issued when a sponsorship proof passes all
// gates. It carries no recipient and moves no funds; downstream systems
// exchange it for whatever the sponsorship entitles.
type SponsorshipGrant struct {
	ID             string    `json:"id"`
	NullifierHash  string    `json:"nullifier_hash"`
	PoolRoot       string    `json:"pool_root"`
	ComplianceRoot string    `json:"compliance_root"`
	GrantedAt      time.Time `json:"granted_at"`
}

// Sponsor runs the sponsorship gate: the same root and compliance checks as
// a withdrawal, but against the sponsorship-domain nullifier registry and
// with no settlement leg. A deposit can be sponsored once and still
// withdrawn once; the two domains never touch each other's markers.
func (p *Pool) Sponsor(req *SponsorshipRequest) (*SponsorshipGrant, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sponsorNullifiers.IsSpent(req.NullifierHash) {
		return nil, ErrNullifierAlreadySpent
	}
	if p.isBlockedLocked(req.NullifierHash) {
		return nil, ErrNullifierBlocked
	}
	if !p.tree.IsKnownRoot(req.PoolRoot) {
		return nil, ErrUnknownRoot
	}
	if !p.isKnownComplianceRootLocked(req.ComplianceRoot) {
		return nil, ErrUnknownComplianceRoot
	}

	pub := &proofs.SponsorshipPublicInputs{
		PoolRoot:       req.PoolRoot,
		NullifierHash:  req.NullifierHash,
		ComplianceRoot: req.ComplianceRoot,
	}
	verifyStart := time.Now()
	ok, err := p.sponsorVerifier.Verify(req.Proof, pub.Slice())
	metrics.ProofVerificationDuration.WithLabelValues("sponsorship").Observe(time.Since(verifyStart).Seconds())
	if err != nil || !ok {
		if err != nil {
			p.log.WithError(err).Warn("⚠️ Sponsorship proof verification errored")
		}
		return nil, ErrInvalidProof
	}

	if err := p.sponsorNullifiers.MarkSpent(req.NullifierHash); err != nil {
		return nil, err
	}

	grant := &SponsorshipGrant{
		ID:             uuid.New().String(),
		NullifierHash:  bigHex(req.NullifierHash),
		PoolRoot:       bigHex(req.PoolRoot),
		ComplianceRoot: bigHex(req.ComplianceRoot),
		GrantedAt:      time.Now().UTC(),
	}
	p.log.WithFields(logrus.Fields{
		"grant_id":  grant.ID,
		"nullifier": grant.NullifierHash,
	}).Info("🎫 Sponsorship granted")
	return grant, nil
}

func bigHex(v *big.Int) string { return "0x" + v.Text(16) }
