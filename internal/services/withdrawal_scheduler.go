package services

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"shieldpool/internal/clients"
	"shieldpool/internal/metrics"
	"shieldpool/internal/models"
	"shieldpool/internal/pool"
	"shieldpool/internal/proofs"
	"shieldpool/internal/repository"
)

var (
	ErrDuplicateWithdrawal = errors.New("scheduler: withdrawal already requested for this nullifier")
	ErrMalformedWithdrawal = errors.New("scheduler: malformed withdrawal request")
)

// SchedulerConfig tunes the withdrawal scheduler
type SchedulerConfig struct {
	MinDelay      time.Duration
	MaxDelay      time.Duration
	PollInterval  time.Duration
	MaxConcurrent int
	MaxRetries    int
	BatchSize     int
}

// SubmitWithdrawalRequest is the wire form of a withdrawal submission. All
// field elements are 0x hex, amounts decimal strings.
type SubmitWithdrawalRequest struct {
	Proof          string `json:"proof"`
	PoolRoot       string `json:"pool_root"`
	NullifierHash  string `json:"nullifier_hash"`
	Recipient      string `json:"recipient"`
	FeeRecipient   string `json:"fee_recipient"`
	Fee            string `json:"fee"`
	Refund         string `json:"refund"`
	ComplianceRoot string `json:"compliance_root"`
}

// WithdrawalScheduler accepts withdrawal requests, delays each by a
// uniformly random interval to break timing correlation between request and
// settlement, then drives due requests through the pool under a concurrency
// cap. Each in-flight submission is an independent goroutine; a stuck
// submission only occupies one cap slot.
type WithdrawalScheduler struct {
	cfg          SchedulerConfig
	pool         *pool.Pool
	withdrawRepo repository.WithdrawRequestRepository
	natsClient   *clients.NATSClient

	running bool
	stopCh  chan struct{}
	sem     chan struct{}
	wg      sync.WaitGroup

	mu  sync.Mutex
	rng *rand.Rand
}

// NewWithdrawalScheduler creates a new WithdrawalScheduler
func NewWithdrawalScheduler(
	cfg SchedulerConfig,
	p *pool.Pool,
	withdrawRepo repository.WithdrawRequestRepository,
	natsClient *clients.NATSClient,
) *WithdrawalScheduler {
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = 30 * time.Second
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &WithdrawalScheduler{
		cfg:          cfg,
		pool:         p,
		withdrawRepo: withdrawRepo,
		natsClient:   natsClient,
		stopCh:       make(chan struct{}),
		sem:          make(chan struct{}, cfg.MaxConcurrent),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Submit validates a withdrawal request, assigns its random delay and
// persists it as queued. The pool gates run later, when the request is due;
// only structural problems and already-spent nullifiers are rejected here.
// A nullifier whose previous request failed terminally may be resubmitted;
// its failure rolled the nullifier back unspent, so the deposit must not be
// stranded behind the dead request.
func (s *WithdrawalScheduler) Submit(ctx context.Context, req *SubmitWithdrawalRequest) (*models.WithdrawRequest, error) {
	poolReq, err := buildPoolRequest(req.Proof, req.PoolRoot, req.NullifierHash, req.Recipient,
		req.FeeRecipient, req.Fee, req.Refund, req.ComplianceRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedWithdrawal, err)
	}

	if s.pool.IsSpent(poolReq.NullifierHash) {
		return nil, pool.ErrNullifierAlreadySpent
	}

	nullifierHex := FieldHex(poolReq.NullifierHash)
	existing, err := s.withdrawRepo.GetByNullifier(ctx, nullifierHex)
	if err != nil && err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("failed to check existing request: %w", err)
	}
	if existing != nil && existing.Status != models.WithdrawStatusFailed {
		return nil, ErrDuplicateWithdrawal
	}

	delay := s.randomDelay()
	request := &models.WithdrawRequest{
		ID:             uuid.New().String(),
		NullifierHash:  nullifierHex,
		Proof:          normalizeHex(req.Proof),
		PoolRoot:       FieldHex(poolReq.PoolRoot),
		ComplianceRoot: FieldHex(poolReq.ComplianceRoot),
		Recipient:      poolReq.Recipient.Hex(),
		FeeRecipient:   poolReq.FeeRecipient.Hex(),
		Fee:            poolReq.Fee.String(),
		Refund:         poolReq.Refund.String(),
		Status:         models.WithdrawStatusQueued,
		ScheduledAt:    time.Now().UTC().Add(delay),
	}
	if existing != nil {
		// The unique nullifier index keeps one row per nullifier; a failed
		// request is reset in place with the fresh parameters.
		request.ID = existing.ID
		if err := s.withdrawRepo.Resubmit(ctx, request); err != nil {
			return nil, fmt.Errorf("failed to resubmit withdrawal request: %w", err)
		}
	} else if err := s.withdrawRepo.Create(ctx, request); err != nil {
		return nil, fmt.Errorf("failed to persist withdrawal request: %w", err)
	}

	metrics.WithdrawalDelaySeconds.Observe(delay.Seconds())
	s.updateQueueGauge(ctx)
	s.publishStatus(request, "")
	log.Printf("⏳ [Scheduler] Withdrawal %s queued, due %s", request.ID, request.ScheduledAt.Format(time.RFC3339))
	return request, nil
}

// randomDelay samples uniformly from [MinDelay, MaxDelay]
func (s *WithdrawalScheduler) randomDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	span := int64(s.cfg.MaxDelay - s.cfg.MinDelay)
	if span <= 0 {
		return s.cfg.MinDelay
	}
	return s.cfg.MinDelay + time.Duration(s.rng.Int63n(span+1))
}

// Start launches the poll loop
func (s *WithdrawalScheduler) Start() {
	if s.running {
		return
	}
	s.running = true
	log.Printf("🚀 Starting WithdrawalScheduler (poll: %v, delay: %v-%v, cap: %d)",
		s.cfg.PollInterval, s.cfg.MinDelay, s.cfg.MaxDelay, s.cfg.MaxConcurrent)
	go s.pollLoop()
}

// Stop halts the poll loop and waits for in-flight submissions to finish
func (s *WithdrawalScheduler) Stop() {
	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
	s.wg.Wait()
	log.Printf("🛑 WithdrawalScheduler stopped")
}

func (s *WithdrawalScheduler) pollLoop() {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.ProcessDue(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// ProcessDue claims due requests and executes each in its own goroutine,
// bounded by the concurrency cap
func (s *WithdrawalScheduler) ProcessDue(ctx context.Context) {
	due, err := s.withdrawRepo.FindDue(ctx, time.Now().UTC(), s.cfg.BatchSize)
	if err != nil {
		log.Printf("❌ [Scheduler] Failed to load due requests: %v", err)
		return
	}
	s.updateQueueGauge(ctx)

	for _, request := range due {
		select {
		case s.sem <- struct{}{}:
		case <-s.stopCh:
			return
		}

		claimed, err := s.withdrawRepo.ClaimForProcessing(ctx, request.ID)
		if err != nil || !claimed {
			<-s.sem
			if err != nil {
				log.Printf("❌ [Scheduler] Failed to claim %s: %v", request.ID, err)
			}
			continue
		}

		s.wg.Add(1)
		go s.execute(request)
	}
}

// execute runs one claimed request through the pool and records the outcome
func (s *WithdrawalScheduler) execute(request *models.WithdrawRequest) {
	defer s.wg.Done()
	defer func() { <-s.sem }()
	metrics.WithdrawalsInFlight.Inc()
	defer metrics.WithdrawalsInFlight.Dec()

	ctx := context.Background()

	poolReq, err := buildPoolRequest(request.Proof, request.PoolRoot, request.NullifierHash,
		request.Recipient, request.FeeRecipient, request.Fee, request.Refund, request.ComplianceRoot)
	if err != nil {
		s.reject(ctx, request, "corrupt", fmt.Sprintf("corrupt request: %v", err))
		return
	}

	err = s.pool.Withdraw(poolReq)
	if err == nil {
		s.confirm(ctx, request)
		return
	}

	if gate, permanent := permanentGate(err); permanent {
		s.reject(ctx, request, gate, err.Error())
		return
	}
	s.retryOrFail(ctx, request, err)
}

func (s *WithdrawalScheduler) confirm(ctx context.Context, request *models.WithdrawRequest) {
	if err := s.withdrawRepo.MarkSubmitted(ctx, request.ID); err != nil {
		log.Printf("❌ [Scheduler] Failed to mark %s submitted: %v", request.ID, err)
		return
	}
	request.Status = models.WithdrawStatusSubmitted
	s.publishStatus(request, "")

	if err := s.withdrawRepo.MarkConfirmed(ctx, request.ID); err != nil {
		log.Printf("❌ [Scheduler] Failed to mark %s confirmed: %v", request.ID, err)
		return
	}
	request.Status = models.WithdrawStatusConfirmed
	metrics.WithdrawalsSettled.Inc()
	s.publishStatus(request, "")
	log.Printf("✅ [Scheduler] Withdrawal %s confirmed", request.ID)
}

func (s *WithdrawalScheduler) reject(ctx context.Context, request *models.WithdrawRequest, gate, reason string) {
	metrics.WithdrawalsRejected.WithLabelValues(gate).Inc()
	if err := s.withdrawRepo.MarkRejected(ctx, request.ID, reason); err != nil {
		log.Printf("❌ [Scheduler] Failed to mark %s rejected: %v", request.ID, err)
		return
	}
	request.Status = models.WithdrawStatusRejected
	s.publishStatus(request, reason)
	log.Printf("🚫 [Scheduler] Withdrawal %s rejected (%s): %s", request.ID, gate, reason)
}

// retryOrFail requeues a transiently failed request with a fresh random
// delay, or terminates it once retries are exhausted
func (s *WithdrawalScheduler) retryOrFail(ctx context.Context, request *models.WithdrawRequest, cause error) {
	if request.RetryCount >= s.cfg.MaxRetries {
		if err := s.withdrawRepo.MarkFailed(ctx, request.ID, cause.Error()); err != nil {
			log.Printf("❌ [Scheduler] Failed to mark %s failed: %v", request.ID, err)
			return
		}
		request.Status = models.WithdrawStatusFailed
		s.publishStatus(request, cause.Error())
		log.Printf("💀 [Scheduler] Withdrawal %s failed after %d retries: %v", request.ID, request.RetryCount, cause)
		return
	}

	nextAttempt := time.Now().UTC().Add(s.randomDelay())
	retries, err := s.withdrawRepo.Requeue(ctx, request.ID, nextAttempt, cause.Error())
	if err != nil {
		log.Printf("❌ [Scheduler] Failed to requeue %s: %v", request.ID, err)
		return
	}
	metrics.WithdrawalRetries.Inc()
	request.Status = models.WithdrawStatusQueued
	request.RetryCount = retries
	s.publishStatus(request, cause.Error())
	log.Printf("🔁 [Scheduler] Withdrawal %s requeued (attempt %d, due %s): %v",
		request.ID, retries, nextAttempt.Format(time.RFC3339), cause)
}

func (s *WithdrawalScheduler) updateQueueGauge(ctx context.Context) {
	if queued, err := s.withdrawRepo.CountByStatus(ctx, models.WithdrawStatusQueued); err == nil {
		metrics.WithdrawalsQueued.Set(float64(queued))
	}
}

func (s *WithdrawalScheduler) publishStatus(request *models.WithdrawRequest, errMsg string) {
	if s.natsClient == nil {
		return
	}
	event := &clients.WithdrawalStatusEvent{
		RequestID:     request.ID,
		NullifierHash: request.NullifierHash,
		Status:        string(request.Status),
		RetryCount:    request.RetryCount,
		Error:         errMsg,
		Timestamp:     time.Now().UTC(),
	}
	if err := s.natsClient.PublishWithdrawalStatus(event); err != nil {
		log.Printf("⚠️ [Scheduler] Failed to publish status event: %v", err)
	}
}

// permanentGate classifies pool errors that no retry can fix
func permanentGate(err error) (string, bool) {
	switch {
	case errors.Is(err, pool.ErrNullifierAlreadySpent):
		return "spent_nullifier", true
	case errors.Is(err, pool.ErrNullifierBlocked):
		return "blocked", true
	case errors.Is(err, pool.ErrInvalidProof):
		return "invalid_proof", true
	case errors.Is(err, pool.ErrFeeExceedsDenomination):
		return "fee", true
	case errors.Is(err, pool.ErrUnknownRoot):
		return "unknown_root", true
	case errors.Is(err, pool.ErrUnknownComplianceRoot), errors.Is(err, pool.ErrMissingComplianceRoot):
		return "unknown_compliance_root", true
	default:
		return "", false
	}
}

// buildPoolRequest parses the wire fields into a pool withdrawal request
func buildPoolRequest(proofHex, poolRoot, nullifierHash, recipient, feeRecipient, fee, refund, complianceRoot string) (*pool.WithdrawalRequest, error) {
	proof, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(proofHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("proof is not hex: %w", err)
	}
	if len(proof) < proofs.MinProofSize {
		return nil, fmt.Errorf("proof too short: %d bytes", len(proof))
	}
	if !common.IsHexAddress(recipient) {
		return nil, fmt.Errorf("invalid recipient address %q", recipient)
	}
	if !common.IsHexAddress(feeRecipient) {
		return nil, fmt.Errorf("invalid fee recipient address %q", feeRecipient)
	}

	root, err := ParseFieldElement(poolRoot)
	if err != nil {
		return nil, fmt.Errorf("invalid pool root: %w", err)
	}
	nullifier, err := ParseFieldElement(nullifierHash)
	if err != nil {
		return nil, fmt.Errorf("invalid nullifier hash: %w", err)
	}
	cRoot, err := ParseFieldElement(complianceRoot)
	if err != nil {
		return nil, fmt.Errorf("invalid compliance root: %w", err)
	}
	feeAmount, err := ParseAmount(fee)
	if err != nil {
		return nil, fmt.Errorf("invalid fee: %w", err)
	}
	refundAmount, err := ParseAmount(refund)
	if err != nil {
		return nil, fmt.Errorf("invalid refund: %w", err)
	}

	return &pool.WithdrawalRequest{
		Proof:          proof,
		PoolRoot:       root,
		NullifierHash:  nullifier,
		Recipient:      common.HexToAddress(recipient),
		FeeRecipient:   common.HexToAddress(feeRecipient),
		Fee:            feeAmount,
		Refund:         refundAmount,
		ComplianceRoot: cRoot,
	}, nil
}

func normalizeHex(s string) string {
	return "0x" + strings.TrimPrefix(strings.TrimSpace(s), "0x")
}
