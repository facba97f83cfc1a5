package services_test

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"shieldpool/internal/models"
	"shieldpool/internal/pool"
	"shieldpool/internal/proofs"
	"shieldpool/internal/services"
)

type brokenSettler struct{}

func (brokenSettler) Settle([]pool.Leg) error {
	return errors.New("settlement offline")
}

// flakySettler fails the first n settlements, then settles everything.
type flakySettler struct {
	mu        sync.Mutex
	remaining int
}

func (s *flakySettler) Settle([]pool.Leg) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remaining > 0 {
		s.remaining--
		return errors.New("settlement offline")
	}
	return nil
}

type schedulerHarness struct {
	scheduler    *services.WithdrawalScheduler
	withdrawRepo *memWithdrawRepo
	pool         *pool.Pool
	ledger       *pool.LedgerSettlement
	verifier     *proofs.StaticVerifier
	proof        []byte
	poolRoot     *big.Int
	compRoot     *big.Int
}

func newSchedulerHarness(t *testing.T, cfg services.SchedulerConfig, settle pool.Settler) *schedulerHarness {
	t.Helper()
	verifier := proofs.NewStaticVerifier(proofs.WithdrawalInputCount)
	ledger, _ := settle.(*pool.LedgerSettlement)
	if settle == nil {
		ledger = pool.NewLedgerSettlement()
		settle = ledger
	}
	p := newTestPool(t, verifier, nil, settle)

	if _, err := p.Deposit(big.NewInt(0xbeef), testDenomination); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	compRoot := big.NewInt(7777)
	p.SetComplianceRoot(compRoot)

	proof := bytes.Repeat([]byte{0xab}, 300)
	verifier.Allow(proof)

	withdrawRepo := newMemWithdrawRepo()
	return &schedulerHarness{
		scheduler:    services.NewWithdrawalScheduler(cfg, p, withdrawRepo, nil),
		withdrawRepo: withdrawRepo,
		pool:         p,
		ledger:       ledger,
		verifier:     verifier,
		proof:        proof,
		poolRoot:     p.Tree().Root(),
		compRoot:     compRoot,
	}
}

func (h *schedulerHarness) submitRequest(nullifier int64) *services.SubmitWithdrawalRequest {
	return &services.SubmitWithdrawalRequest{
		Proof:          services.FieldHex(new(big.Int).SetBytes(h.proof))[2:],
		PoolRoot:       services.FieldHex(h.poolRoot),
		NullifierHash:  services.FieldHex(big.NewInt(nullifier)),
		Recipient:      "0x00000000000000000000000000000000000000aa",
		FeeRecipient:   "0x00000000000000000000000000000000000000bb",
		Fee:            "1000",
		Refund:         "0",
		ComplianceRoot: services.FieldHex(h.compRoot),
	}
}

// waitTerminal polls until the request leaves the queued/processing states
func (h *schedulerHarness) waitTerminal(t *testing.T, id string, deadline time.Duration) *models.WithdrawRequest {
	t.Helper()
	ctx := context.Background()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		request, err := h.withdrawRepo.GetByID(ctx, id)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if request.Status.IsTerminal() {
			return request
		}
		time.Sleep(5 * time.Millisecond)
	}
	request, _ := h.withdrawRepo.GetByID(ctx, id)
	t.Fatalf("request %s never reached a terminal state, last status %s", id, request.Status)
	return nil
}

func TestSubmitAssignsDelayWithinBounds(t *testing.T) {
	ctx := context.Background()
	cfg := services.SchedulerConfig{MinDelay: 2 * time.Second, MaxDelay: 5 * time.Second}
	h := newSchedulerHarness(t, cfg, nil)

	for i := int64(1); i <= 20; i++ {
		before := time.Now().UTC()
		request, err := h.scheduler.Submit(ctx, h.submitRequest(i))
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		delay := request.ScheduledAt.Sub(before)
		if delay < cfg.MinDelay-100*time.Millisecond || delay > cfg.MaxDelay+100*time.Millisecond {
			t.Errorf("delay %v outside [%v, %v]", delay, cfg.MinDelay, cfg.MaxDelay)
		}
		if request.Status != models.WithdrawStatusQueued {
			t.Errorf("status = %s, want queued", request.Status)
		}
	}
}

func TestSubmitRejectsDuplicatesAndMalformed(t *testing.T) {
	ctx := context.Background()
	h := newSchedulerHarness(t, services.SchedulerConfig{MinDelay: time.Second, MaxDelay: time.Second}, nil)

	if _, err := h.scheduler.Submit(ctx, h.submitRequest(1)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := h.scheduler.Submit(ctx, h.submitRequest(1)); !errors.Is(err, services.ErrDuplicateWithdrawal) {
		t.Errorf("duplicate error = %v, want ErrDuplicateWithdrawal", err)
	}

	bad := h.submitRequest(2)
	bad.Recipient = "not-an-address"
	if _, err := h.scheduler.Submit(ctx, bad); !errors.Is(err, services.ErrMalformedWithdrawal) {
		t.Errorf("bad recipient error = %v, want ErrMalformedWithdrawal", err)
	}

	short := h.submitRequest(3)
	short.Proof = "0xdeadbeef"
	if _, err := h.scheduler.Submit(ctx, short); !errors.Is(err, services.ErrMalformedWithdrawal) {
		t.Errorf("short proof error = %v, want ErrMalformedWithdrawal", err)
	}
}

func TestProcessDueConfirmsWithdrawal(t *testing.T) {
	ctx := context.Background()
	cfg := services.SchedulerConfig{MinDelay: time.Millisecond, MaxDelay: time.Millisecond}
	h := newSchedulerHarness(t, cfg, nil)

	request, err := h.scheduler.Submit(ctx, h.submitRequest(10))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	h.scheduler.ProcessDue(ctx)

	final := h.waitTerminal(t, request.ID, 2*time.Second)
	if final.Status != models.WithdrawStatusConfirmed {
		t.Fatalf("status = %s (%s), want confirmed", final.Status, final.ErrorMsg)
	}

	nullifier, _ := services.ParseFieldElement(request.NullifierHash)
	if !h.pool.IsSpent(nullifier) {
		t.Error("nullifier not spent after confirmed withdrawal")
	}

	recipient := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	want := new(big.Int).Sub(testDenomination, big.NewInt(1000))
	if got := h.ledger.BalanceOf(recipient); got.Cmp(want) != 0 {
		t.Errorf("recipient balance = %s, want %s", got, want)
	}
}

func TestBadProofRejectedPermanently(t *testing.T) {
	ctx := context.Background()
	cfg := services.SchedulerConfig{MinDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxRetries: 3}
	h := newSchedulerHarness(t, cfg, nil)

	bad := h.submitRequest(11)
	bad.Proof = "0x" + strings.Repeat("cd", 300)
	request, err := h.scheduler.Submit(ctx, bad)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	h.scheduler.ProcessDue(ctx)

	final := h.waitTerminal(t, request.ID, 2*time.Second)
	if final.Status != models.WithdrawStatusRejected {
		t.Fatalf("status = %s, want rejected", final.Status)
	}
	if final.RetryCount != 0 {
		t.Errorf("rejected request retried %d times, want 0", final.RetryCount)
	}
}

func TestTransientFailureRetriesThenFails(t *testing.T) {
	ctx := context.Background()
	cfg := services.SchedulerConfig{MinDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxRetries: 2}
	h := newSchedulerHarness(t, cfg, brokenSettler{})

	request, err := h.scheduler.Submit(ctx, h.submitRequest(12))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// each sweep requeues once until retries are exhausted
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		h.scheduler.ProcessDue(ctx)
		current, err := h.withdrawRepo.GetByID(ctx, request.ID)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if current.Status.IsTerminal() {
			break
		}
	}

	final := h.waitTerminal(t, request.ID, time.Second)
	if final.Status != models.WithdrawStatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if final.RetryCount != cfg.MaxRetries {
		t.Errorf("retry count = %d, want %d", final.RetryCount, cfg.MaxRetries)
	}

	// the nullifier must remain spendable after the rollback
	nullifier, _ := services.ParseFieldElement(request.NullifierHash)
	if h.pool.IsSpent(nullifier) {
		t.Error("failed withdrawal left the nullifier spent")
	}
}

// driveToTerminal sweeps ProcessDue until the request leaves the live states
func (h *schedulerHarness) driveToTerminal(t *testing.T, id string) *models.WithdrawRequest {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		h.scheduler.ProcessDue(ctx)
		current, err := h.withdrawRepo.GetByID(ctx, id)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if current.Status.IsTerminal() {
			break
		}
	}
	return h.waitTerminal(t, id, time.Second)
}

func TestTransientFailureRecoversOnRetry(t *testing.T) {
	ctx := context.Background()
	cfg := services.SchedulerConfig{MinDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxRetries: 3}
	h := newSchedulerHarness(t, cfg, &flakySettler{remaining: 1})

	request, err := h.scheduler.Submit(ctx, h.submitRequest(13))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// the first attempt hits the outage and requeues, the second settles
	final := h.driveToTerminal(t, request.ID)
	if final.Status != models.WithdrawStatusConfirmed {
		t.Fatalf("status = %s (%s), want confirmed", final.Status, final.ErrorMsg)
	}
	if final.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", final.RetryCount)
	}

	nullifier, _ := services.ParseFieldElement(request.NullifierHash)
	if !h.pool.IsSpent(nullifier) {
		t.Error("nullifier not spent after confirmed withdrawal")
	}
}

func TestFailedWithdrawalCanBeResubmitted(t *testing.T) {
	ctx := context.Background()
	cfg := services.SchedulerConfig{MinDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxRetries: 1}
	h := newSchedulerHarness(t, cfg, &flakySettler{remaining: 2})

	first, err := h.scheduler.Submit(ctx, h.submitRequest(14))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if final := h.driveToTerminal(t, first.ID); final.Status != models.WithdrawStatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}

	// The failure rolled the nullifier back unspent, so the same nullifier
	// must be accepted again instead of being reported as a duplicate.
	second, err := h.scheduler.Submit(ctx, h.submitRequest(14))
	if err != nil {
		t.Fatalf("resubmit after terminal failure: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("resubmission created a second row, id %s != %s", second.ID, first.ID)
	}
	if second.Status != models.WithdrawStatusQueued {
		t.Errorf("resubmitted status = %s, want queued", second.Status)
	}
	if second.RetryCount != 0 {
		t.Errorf("resubmitted retry count = %d, want 0", second.RetryCount)
	}

	final := h.driveToTerminal(t, second.ID)
	if final.Status != models.WithdrawStatusConfirmed {
		t.Fatalf("status after resubmission = %s (%s), want confirmed", final.Status, final.ErrorMsg)
	}

	// Once settled, another submission is a spent-nullifier conflict.
	if _, err := h.scheduler.Submit(ctx, h.submitRequest(14)); !errors.Is(err, pool.ErrNullifierAlreadySpent) {
		t.Errorf("submit after settlement = %v, want ErrNullifierAlreadySpent", err)
	}
}
