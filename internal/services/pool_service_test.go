package services_test

import (
	"context"
	"math/big"
	"testing"

	"github.com/sirupsen/logrus"

	"shieldpool/internal/models"
	"shieldpool/internal/pool"
	"shieldpool/internal/proofs"
	"shieldpool/internal/services"
)

const testDepth = 8

var testDenomination = big.NewInt(1_000_000)

func newTestPool(t *testing.T, withdrawV, sponsorV proofs.Verifier, settle pool.Settler) *pool.Pool {
	t.Helper()
	if withdrawV == nil {
		withdrawV = proofs.NewStaticVerifier(proofs.WithdrawalInputCount)
	}
	if sponsorV == nil {
		sponsorV = proofs.NewStaticVerifier(proofs.SponsorshipInputCount)
	}
	if settle == nil {
		settle = pool.NewLedgerSettlement()
	}
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	p, err := pool.New(pool.Config{
		Denomination: testDenomination,
		TreeDepth:    testDepth,
	}, withdrawV, sponsorV, settle, log)
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	return p
}

func newPoolService(p *pool.Pool) (*services.PoolService, *memDepositRepo, *memComplianceRepo, *memRootRepo) {
	depositRepo := &memDepositRepo{}
	complianceRepo := &memComplianceRepo{}
	rootRepo := &memRootRepo{}
	svc := services.NewPoolService(p, depositRepo, complianceRepo, rootRepo, &memSponsorshipRepo{}, nil)
	return svc, depositRepo, complianceRepo, rootRepo
}

func TestDepositPersistsIntakeTrail(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t, nil, nil, nil)
	svc, depositRepo, complianceRepo, rootRepo := newPoolService(p)

	deposit, err := svc.Deposit(ctx, "0x1234abcd", testDenomination.String(), "0x1111111111111111111111111111111111111111")
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if deposit.LeafIndex != 0 {
		t.Errorf("leaf index = %d, want 0", deposit.LeafIndex)
	}
	if deposit.PoolRoot != services.FieldHex(p.Tree().Root()) {
		t.Errorf("persisted root %s does not match tree root", deposit.PoolRoot)
	}

	record, err := complianceRepo.GetByCommitment(ctx, deposit.Commitment)
	if err != nil {
		t.Fatalf("compliance record missing: %v", err)
	}
	if record.Status != models.ScreeningStatusPending {
		t.Errorf("compliance status = %s, want pending", record.Status)
	}

	latest, err := rootRepo.GetLatest(ctx, models.RootKindPool)
	if err != nil {
		t.Fatalf("pool root log entry missing: %v", err)
	}
	if latest.Sequence != 1 || latest.Root != deposit.PoolRoot {
		t.Errorf("root log entry = (%d, %s), want (1, %s)", latest.Sequence, latest.Root, deposit.PoolRoot)
	}

	if _, err := svc.Deposit(ctx, "0x1234abcd", testDenomination.String(), "0x2222222222222222222222222222222222222222"); err != pool.ErrDuplicateCommitment {
		t.Errorf("duplicate deposit error = %v, want ErrDuplicateCommitment", err)
	}

	if _, err := svc.Deposit(ctx, "0x99", "5", "0x1111111111111111111111111111111111111111"); err != pool.ErrDenominationMismatch {
		t.Errorf("wrong value error = %v, want ErrDenominationMismatch", err)
	}

	count, _ := depositRepo.Count(ctx)
	if count != 1 {
		t.Errorf("deposit count = %d, want 1", count)
	}
}

func TestReplayReproducesPoolRoot(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t, nil, nil, nil)
	svc, depositRepo, complianceRepo, rootRepo := newPoolService(p)

	commitments := []string{"0x0a", "0x0b", "0x0c"}
	for _, c := range commitments {
		if _, err := svc.Deposit(ctx, c, testDenomination.String(), "0x1111111111111111111111111111111111111111"); err != nil {
			t.Fatalf("Deposit %s: %v", c, err)
		}
	}
	wantRoot := services.FieldHex(p.Tree().Root())

	fresh := newTestPool(t, nil, nil, nil)
	replaySvc := services.NewPoolService(fresh, depositRepo, complianceRepo, rootRepo, &memSponsorshipRepo{}, nil)
	if err := replaySvc.Replay(ctx); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if got := services.FieldHex(fresh.Tree().Root()); got != wantRoot {
		t.Errorf("replayed root = %s, want %s", got, wantRoot)
	}
	if fresh.Tree().Size() != uint64(len(commitments)) {
		t.Errorf("replayed size = %d, want %d", fresh.Tree().Size(), len(commitments))
	}
}

func TestSponsorPersistsGrant(t *testing.T) {
	ctx := context.Background()
	sponsorV := proofs.NewStaticVerifier(proofs.SponsorshipInputCount)
	p := newTestPool(t, nil, sponsorV, nil)

	depositRepo := &memDepositRepo{}
	sponsorshipRepo := &memSponsorshipRepo{}
	svc := services.NewPoolService(p, depositRepo, &memComplianceRepo{}, &memRootRepo{}, sponsorshipRepo, nil)

	if _, err := svc.Deposit(ctx, "0x77", testDenomination.String(), "0x1111111111111111111111111111111111111111"); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	complianceRoot := big.NewInt(4242)
	p.SetComplianceRoot(complianceRoot)

	proof := make([]byte, 300)
	sponsorV.Allow(proof)

	grant, err := svc.Sponsor(ctx, &pool.SponsorshipRequest{
		Proof:          proof,
		PoolRoot:       p.Tree().Root(),
		NullifierHash:  big.NewInt(555),
		ComplianceRoot: complianceRoot,
	})
	if err != nil {
		t.Fatalf("Sponsor: %v", err)
	}

	record, err := sponsorshipRepo.GetByNullifier(ctx, grant.NullifierHash)
	if err != nil {
		t.Fatalf("grant record missing: %v", err)
	}
	if record.ID != grant.ID {
		t.Errorf("record ID = %s, want %s", record.ID, grant.ID)
	}
}
