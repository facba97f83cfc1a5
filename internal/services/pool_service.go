package services

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"shieldpool/internal/clients"
	"shieldpool/internal/metrics"
	"shieldpool/internal/models"
	"shieldpool/internal/pool"
	"shieldpool/internal/repository"
)

// PoolService fronts the in-memory pool with persistence and events: every
// accepted deposit becomes a Deposit row, a pending ComplianceRecord and a
// pool root log entry, and restart replays the rows back into the
// accumulator in leaf order.
type PoolService struct {
	pool            *pool.Pool
	depositRepo     repository.DepositRepository
	complianceRepo  repository.ComplianceRepository
	rootRepo        repository.PublishedRootRepository
	sponsorshipRepo repository.SponsorshipRepository
	natsClient      *clients.NATSClient
}

// NewPoolService creates a new PoolService
func NewPoolService(
	p *pool.Pool,
	depositRepo repository.DepositRepository,
	complianceRepo repository.ComplianceRepository,
	rootRepo repository.PublishedRootRepository,
	sponsorshipRepo repository.SponsorshipRepository,
	natsClient *clients.NATSClient,
) *PoolService {
	return &PoolService{
		pool:            p,
		depositRepo:     depositRepo,
		complianceRepo:  complianceRepo,
		rootRepo:        rootRepo,
		sponsorshipRepo: sponsorshipRepo,
		natsClient:      natsClient,
	}
}

// Deposit admits a commitment into the pool and persists the full intake
// trail. The commitment is hex-encoded, the value a decimal string that must
// equal the pool denomination.
func (s *PoolService) Deposit(ctx context.Context, commitmentHex, value, depositor string) (*models.Deposit, error) {
	commitment, err := ParseFieldElement(commitmentHex)
	if err != nil {
		metrics.DepositsRejected.WithLabelValues("malformed_commitment").Inc()
		return nil, fmt.Errorf("invalid commitment: %w", err)
	}
	amount, err := ParseAmount(value)
	if err != nil {
		metrics.DepositsRejected.WithLabelValues("malformed_value").Inc()
		return nil, fmt.Errorf("invalid value: %w", err)
	}

	exists, err := s.depositRepo.ExistsByCommitment(ctx, FieldHex(commitment))
	if err != nil {
		return nil, fmt.Errorf("failed to check commitment uniqueness: %w", err)
	}
	if exists {
		metrics.DepositsRejected.WithLabelValues("duplicate").Inc()
		return nil, pool.ErrDuplicateCommitment
	}

	leafIndex, err := s.pool.Deposit(commitment, amount)
	if err != nil {
		metrics.DepositsRejected.WithLabelValues(rejectionReason(err)).Inc()
		return nil, err
	}

	root := s.pool.Tree().Root()
	deposit := &models.Deposit{
		ID:         uuid.New().String(),
		Commitment: FieldHex(commitment),
		LeafIndex:  leafIndex,
		Value:      amount.String(),
		Depositor:  depositor,
		PoolRoot:   FieldHex(root),
	}
	if err := s.depositRepo.Create(ctx, deposit); err != nil {
		return nil, fmt.Errorf("failed to persist deposit: %w", err)
	}

	record := &models.ComplianceRecord{
		ID:         uuid.New().String(),
		Commitment: deposit.Commitment,
		Status:     models.ScreeningStatusPending,
	}
	if err := s.complianceRepo.Create(ctx, record); err != nil {
		log.Printf("❌ [Pool] Failed to create compliance record for %s: %v", deposit.Commitment, err)
	}

	if err := s.publishPoolRoot(ctx, root); err != nil {
		log.Printf("⚠️ [Pool] Failed to log pool root: %v", err)
	}

	metrics.DepositsAccepted.Inc()
	metrics.PoolTreeSize.Set(float64(s.pool.Tree().Size()))

	if s.natsClient != nil {
		event := &clients.DepositAcceptedEvent{
			Commitment: deposit.Commitment,
			LeafIndex:  leafIndex,
			PoolRoot:   deposit.PoolRoot,
			Depositor:  depositor,
			Timestamp:  time.Now().UTC(),
		}
		if err := s.natsClient.PublishDepositAccepted(event); err != nil {
			log.Printf("⚠️ [Pool] Failed to publish deposit event: %v", err)
		}
	}

	return deposit, nil
}

// publishPoolRoot appends the post-insert root to the published-root log.
// Unlike compliance roots every deposit produces an entry, so replaying
// deposits in leaf order must reproduce the latest entry.
func (s *PoolService) publishPoolRoot(ctx context.Context, root *big.Int) error {
	seq, err := s.rootRepo.NextSequence(ctx, models.RootKindPool)
	if err != nil {
		return err
	}
	entry := &models.PublishedRoot{
		Kind:        models.RootKindPool,
		Sequence:    seq,
		Root:        FieldHex(root),
		PublishedAt: time.Now().UTC(),
	}
	if err := s.rootRepo.Create(ctx, entry); err != nil {
		return err
	}

	if s.natsClient != nil {
		event := &clients.RootPublishedEvent{
			Kind:      string(models.RootKindPool),
			Root:      entry.Root,
			Sequence:  seq,
			Timestamp: entry.PublishedAt,
		}
		if err := s.natsClient.PublishRootPublished(event); err != nil {
			log.Printf("⚠️ [Pool] Failed to publish root event: %v", err)
		}
	}
	return nil
}

// Sponsor verifies a sponsorship proof through the pool gate and persists
// the issued grant.
func (s *PoolService) Sponsor(ctx context.Context, req *pool.SponsorshipRequest) (*pool.SponsorshipGrant, error) {
	grant, err := s.pool.Sponsor(req)
	if err != nil {
		return nil, err
	}

	record := &models.SponsorshipGrantRecord{
		ID:             grant.ID,
		NullifierHash:  grant.NullifierHash,
		PoolRoot:       grant.PoolRoot,
		ComplianceRoot: grant.ComplianceRoot,
		GrantedAt:      grant.GrantedAt,
	}
	if err := s.sponsorshipRepo.Create(ctx, record); err != nil {
		log.Printf("❌ [Pool] Failed to persist sponsorship grant %s: %v", grant.ID, err)
	}
	metrics.SponsorshipsGranted.Inc()

	if s.natsClient != nil {
		event := &clients.SponsorshipGrantedEvent{
			GrantID:       grant.ID,
			NullifierHash: grant.NullifierHash,
			Timestamp:     grant.GrantedAt,
		}
		if err := s.natsClient.PublishSponsorshipGranted(event); err != nil {
			log.Printf("⚠️ [Pool] Failed to publish sponsorship event: %v", err)
		}
	}
	return grant, nil
}

// Replay rebuilds the pool accumulator from persisted deposits in leaf
// order. Called once on startup before any traffic is served.
func (s *PoolService) Replay(ctx context.Context) error {
	deposits, err := s.depositRepo.ListByLeafOrder(ctx)
	if err != nil {
		return fmt.Errorf("failed to load deposits for replay: %w", err)
	}

	for _, d := range deposits {
		commitment, err := ParseFieldElement(d.Commitment)
		if err != nil {
			return fmt.Errorf("corrupt deposit %s: %w", d.ID, err)
		}
		amount, err := ParseAmount(d.Value)
		if err != nil {
			return fmt.Errorf("corrupt deposit %s: %w", d.ID, err)
		}
		index, err := s.pool.Deposit(commitment, amount)
		if err != nil {
			return fmt.Errorf("replay of deposit %s failed: %w", d.ID, err)
		}
		if index != d.LeafIndex {
			return fmt.Errorf("replay of deposit %s landed at leaf %d, expected %d", d.ID, index, d.LeafIndex)
		}
	}

	if len(deposits) > 0 {
		last := deposits[len(deposits)-1]
		if got := FieldHex(s.pool.Tree().Root()); got != last.PoolRoot {
			return fmt.Errorf("replayed pool root %s does not match persisted root %s", got, last.PoolRoot)
		}
		log.Printf("🔄 [Pool] Replayed %d deposits, root %s", len(deposits), last.PoolRoot)
	}
	metrics.PoolTreeSize.Set(float64(s.pool.Tree().Size()))
	return nil
}

// rejectionReason maps pool errors to the metric label values
func rejectionReason(err error) string {
	switch err {
	case pool.ErrDenominationMismatch:
		return "denomination_mismatch"
	case pool.ErrDuplicateCommitment:
		return "duplicate"
	default:
		return "other"
	}
}

// ParseFieldElement parses a 0x-prefixed hex field element
func ParseFieldElement(s string) (*big.Int, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("empty field element")
	}
	if len(trimmed)%2 == 1 {
		trimmed = "0" + trimmed
	}
	if _, err := hex.DecodeString(trimmed); err != nil {
		return nil, fmt.Errorf("not a hex string: %w", err)
	}
	v, ok := new(big.Int).SetString(trimmed, 16)
	if !ok {
		return nil, fmt.Errorf("not a hex number")
	}
	return v, nil
}

// ParseAmount parses a non-negative decimal amount
func ParseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("not a decimal amount: %q", s)
	}
	return v, nil
}

// FieldHex renders a field element as 0x-prefixed hex
func FieldHex(v *big.Int) string {
	return "0x" + v.Text(16)
}
