package services_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"shieldpool/internal/clients"
	"shieldpool/internal/merkletree"
	"shieldpool/internal/models"
	"shieldpool/internal/pool"
	"shieldpool/internal/services"
)

// screeningStub plays the external screening provider. Verdicts are keyed
// by commitment; unknown commitments get a 500 so the record stays pending.
type screeningStub struct {
	mu       sync.Mutex
	verdicts map[string]clients.ScreeningVerdict
	calls    int
}

func (s *screeningStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls++
		s.mu.Unlock()

		var req clients.ScreeningRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		verdict, ok := s.verdicts[req.Commitment]
		s.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"data":    verdict,
		})
	}
}

type coordinatorHarness struct {
	coordinator *services.ComplianceCoordinator
	poolSvc     *services.PoolService
	p           *poolWithRepos
	stub        *screeningStub
}

type poolWithRepos struct {
	pool           *pool.Pool
	complianceRepo *memComplianceRepo
	depositRepo    *memDepositRepo
	rootRepo       *memRootRepo
}

func newCoordinatorHarness(t *testing.T) *coordinatorHarness {
	t.Helper()
	p := newTestPool(t, nil, nil, nil)
	depositRepo := &memDepositRepo{}
	complianceRepo := &memComplianceRepo{}
	rootRepo := &memRootRepo{}
	poolSvc := services.NewPoolService(p, depositRepo, complianceRepo, rootRepo, &memSponsorshipRepo{}, nil)

	stub := &screeningStub{verdicts: make(map[string]clients.ScreeningVerdict)}
	server := httptest.NewServer(stub.handler())
	t.Cleanup(server.Close)

	coordinator, err := services.NewComplianceCoordinator(services.CoordinatorConfig{
		ScreenInterval:     time.Minute,
		PublishInterval:    time.Minute,
		BlockOnHighRisk:    true,
		RiskScoreThreshold: 0.75,
	}, p, complianceRepo, depositRepo, rootRepo,
		clients.NewScreeningClient(server.URL, time.Second), nil)
	if err != nil {
		t.Fatalf("NewComplianceCoordinator: %v", err)
	}

	return &coordinatorHarness{
		coordinator: coordinator,
		poolSvc:     poolSvc,
		p: &poolWithRepos{
			pool:           p,
			complianceRepo: complianceRepo,
			depositRepo:    depositRepo,
			rootRepo:       rootRepo,
		},
		stub: stub,
	}
}

func (h *coordinatorHarness) deposit(t *testing.T, commitmentHex string) *models.Deposit {
	t.Helper()
	deposit, err := h.poolSvc.Deposit(context.Background(), commitmentHex, testDenomination.String(),
		"0x1111111111111111111111111111111111111111")
	if err != nil {
		t.Fatalf("Deposit %s: %v", commitmentHex, err)
	}
	return deposit
}

func TestScreeningVerdicts(t *testing.T) {
	ctx := context.Background()
	h := newCoordinatorHarness(t)

	clean := h.deposit(t, "0xaa01")
	dirty := h.deposit(t, "0xaa02")
	risky := h.deposit(t, "0xaa03")

	h.stub.verdicts[clean.Commitment] = clients.ScreeningVerdict{Approved: true, RiskScore: 0.1}
	h.stub.verdicts[dirty.Commitment] = clients.ScreeningVerdict{Approved: false, RiskScore: 0.99, Flags: []string{"sanctioned"}}
	h.stub.verdicts[risky.Commitment] = clients.ScreeningVerdict{Approved: true, RiskScore: 0.9}

	h.coordinator.ScreenPending(ctx)

	assertStatus := func(commitment string, want models.ScreeningStatus) {
		t.Helper()
		record, err := h.p.complianceRepo.GetByCommitment(ctx, commitment)
		if err != nil {
			t.Fatalf("record %s missing: %v", commitment, err)
		}
		if record.Status != want {
			t.Errorf("status of %s = %s, want %s", commitment, record.Status, want)
		}
	}
	assertStatus(clean.Commitment, models.ScreeningStatusApproved)
	assertStatus(dirty.Commitment, models.ScreeningStatusBlocked)
	// approved by the provider but above the risk threshold
	assertStatus(risky.Commitment, models.ScreeningStatusBlocked)

	cleanCommitment, _ := services.ParseFieldElement(clean.Commitment)
	dirtyCommitment, _ := services.ParseFieldElement(dirty.Commitment)
	if !h.coordinator.Tree().Contains(cleanCommitment) {
		t.Error("approved commitment missing from compliance accumulator")
	}
	if h.coordinator.Tree().Contains(dirtyCommitment) {
		t.Error("blocked commitment entered compliance accumulator")
	}
	if !h.p.pool.IsCommitmentBlocked(dirtyCommitment) {
		t.Error("blocked commitment has no block status on the pool")
	}
}

func TestScreeningErrorKeepsPending(t *testing.T) {
	ctx := context.Background()
	h := newCoordinatorHarness(t)

	deposit := h.deposit(t, "0xbb01")
	// no verdict registered, the stub answers 500

	h.coordinator.ScreenPending(ctx)

	record, err := h.p.complianceRepo.GetByCommitment(ctx, deposit.Commitment)
	if err != nil {
		t.Fatalf("record missing: %v", err)
	}
	if record.Status != models.ScreeningStatusPending {
		t.Errorf("status = %s, want pending after provider failure", record.Status)
	}
	if h.coordinator.Tree().Size() != 0 {
		t.Error("provider failure must not grow the compliance accumulator")
	}
}

func TestPublishRootIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newCoordinatorHarness(t)

	deposit := h.deposit(t, "0xcc01")
	h.stub.verdicts[deposit.Commitment] = clients.ScreeningVerdict{Approved: true, RiskScore: 0.2}
	h.coordinator.ScreenPending(ctx)

	if err := h.coordinator.PublishRoot(ctx); err != nil {
		t.Fatalf("PublishRoot: %v", err)
	}
	root, err := h.p.pool.LatestComplianceRoot()
	if err != nil {
		t.Fatalf("pool has no compliance root: %v", err)
	}
	if services.FieldHex(root) != services.FieldHex(h.coordinator.Tree().Root()) {
		t.Error("pool compliance root does not match accumulator root")
	}

	// republishing the same root must not append a second log entry
	if err := h.coordinator.PublishRoot(ctx); err != nil {
		t.Fatalf("PublishRoot (repeat): %v", err)
	}
	if got := h.p.rootRepo.countByKind(models.RootKindCompliance); got != 1 {
		t.Errorf("compliance root log entries = %d, want 1", got)
	}

	// a new approval moves the root and the next publish appends exactly one
	second := h.deposit(t, "0xcc02")
	h.stub.verdicts[second.Commitment] = clients.ScreeningVerdict{Approved: true, RiskScore: 0.2}
	h.coordinator.ScreenPending(ctx)
	if err := h.coordinator.PublishRoot(ctx); err != nil {
		t.Fatalf("PublishRoot (after growth): %v", err)
	}
	if got := h.p.rootRepo.countByKind(models.RootKindCompliance); got != 2 {
		t.Errorf("compliance root log entries = %d, want 2", got)
	}
}

func TestCoordinatorReplay(t *testing.T) {
	ctx := context.Background()
	h := newCoordinatorHarness(t)

	for _, c := range []string{"0xdd01", "0xdd02", "0xdd03"} {
		deposit := h.deposit(t, c)
		h.stub.verdicts[deposit.Commitment] = clients.ScreeningVerdict{Approved: true, RiskScore: 0.1}
	}
	h.coordinator.ScreenPending(ctx)
	wantRoot := services.FieldHex(h.coordinator.Tree().Root())

	fresh, err := services.NewComplianceCoordinator(services.CoordinatorConfig{},
		h.p.pool, h.p.complianceRepo, h.p.depositRepo, h.p.rootRepo,
		clients.NewScreeningClient("http://localhost:0", time.Second), nil)
	if err != nil {
		t.Fatalf("NewComplianceCoordinator: %v", err)
	}
	if err := fresh.Replay(ctx); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if got := services.FieldHex(fresh.Tree().Root()); got != wantRoot {
		t.Errorf("replayed compliance root = %s, want %s", got, wantRoot)
	}
}

func TestReplayOrdersByLeafIndex(t *testing.T) {
	ctx := context.Background()
	h := newCoordinatorHarness(t)

	// Three approvals sharing one screening timestamp, stored out of leaf
	// order. Replay must follow the accumulator positions; the timestamp
	// cannot break the tie.
	commitments := []string{"0xee01", "0xee02", "0xee03"}
	now := time.Now().UTC()
	for _, i := range []int{2, 0, 1} {
		leafIndex := uint64(i)
		record := &models.ComplianceRecord{
			ID:         uuid.New().String(),
			Commitment: commitments[i],
			Status:     models.ScreeningStatusApproved,
			RiskScore:  0.1,
			ScreenedAt: &now,
			LeafIndex:  &leafIndex,
		}
		if err := h.p.complianceRepo.Create(ctx, record); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	want, _ := merkletree.New(h.p.pool.Tree().Depth(), merkletree.DefaultRootHistorySize)
	for _, c := range commitments {
		leaf, err := services.ParseFieldElement(c)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := want.Insert(leaf); err != nil {
			t.Fatal(err)
		}
	}

	if err := h.coordinator.Replay(ctx); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if got := services.FieldHex(h.coordinator.Tree().Root()); got != services.FieldHex(want.Root()) {
		t.Errorf("replayed compliance root = %s, want %s", got, services.FieldHex(want.Root()))
	}
}
