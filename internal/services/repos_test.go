package services_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"shieldpool/internal/models"
)

// In-memory repository fakes. They honor the same contracts as the gorm
// implementations, including gorm.ErrRecordNotFound and the optimistic
// status transitions.

type memDepositRepo struct {
	mu       sync.Mutex
	deposits []*models.Deposit
}

func (r *memDepositRepo) Create(ctx context.Context, d *models.Deposit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.deposits {
		if existing.Commitment == d.Commitment {
			return fmt.Errorf("duplicate commitment")
		}
	}
	d.CreatedAt = time.Now()
	r.deposits = append(r.deposits, d)
	return nil
}

func (r *memDepositRepo) GetByID(ctx context.Context, id string) (*models.Deposit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.deposits {
		if d.ID == id {
			return d, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memDepositRepo) GetByCommitment(ctx context.Context, commitment string) (*models.Deposit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.deposits {
		if d.Commitment == commitment {
			return d, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memDepositRepo) ExistsByCommitment(ctx context.Context, commitment string) (bool, error) {
	_, err := r.GetByCommitment(ctx, commitment)
	if err == gorm.ErrRecordNotFound {
		return false, nil
	}
	return err == nil, err
}

func (r *memDepositRepo) ListByLeafOrder(ctx context.Context) ([]*models.Deposit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.Deposit, len(r.deposits))
	copy(out, r.deposits)
	sort.Slice(out, func(i, j int) bool { return out[i].LeafIndex < out[j].LeafIndex })
	return out, nil
}

func (r *memDepositRepo) FindByDepositor(ctx context.Context, depositor string, page, pageSize int) ([]*models.Deposit, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Deposit
	for _, d := range r.deposits {
		if d.Depositor == depositor {
			out = append(out, d)
		}
	}
	return out, int64(len(out)), nil
}

func (r *memDepositRepo) Count(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.deposits)), nil
}

type memComplianceRepo struct {
	mu      sync.Mutex
	records []*models.ComplianceRecord
}

func (r *memComplianceRepo) Create(ctx context.Context, record *models.ComplianceRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	record.CreatedAt = time.Now()
	r.records = append(r.records, record)
	return nil
}

func (r *memComplianceRepo) GetByCommitment(ctx context.Context, commitment string) (*models.ComplianceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, record := range r.records {
		if record.Commitment == commitment {
			return record, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memComplianceRepo) FindByStatus(ctx context.Context, status models.ScreeningStatus) ([]*models.ComplianceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.ComplianceRecord
	for _, record := range r.records {
		if record.Status == status {
			out = append(out, record)
		}
	}
	return out, nil
}

func (r *memComplianceRepo) ListApprovedByLeafIndex(ctx context.Context) ([]*models.ComplianceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.ComplianceRecord
	for _, record := range r.records {
		if record.Status == models.ScreeningStatusApproved {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return *out[i].LeafIndex < *out[j].LeafIndex
	})
	return out, nil
}

func (r *memComplianceRepo) UpdateVerdict(ctx context.Context, commitment string, status models.ScreeningStatus, riskScore float64, flags string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, record := range r.records {
		if record.Commitment == commitment {
			now := time.Now().UTC()
			record.Status = status
			record.RiskScore = riskScore
			record.Flags = flags
			record.ScreenedAt = &now
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

func (r *memComplianceRepo) MarkApproved(ctx context.Context, commitment string, riskScore float64, flags string, leafIndex uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, record := range r.records {
		if record.Commitment == commitment {
			now := time.Now().UTC()
			record.Status = models.ScreeningStatusApproved
			record.RiskScore = riskScore
			record.Flags = flags
			record.ScreenedAt = &now
			record.LeafIndex = &leafIndex
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

func (r *memComplianceRepo) CountByStatus(ctx context.Context, status models.ScreeningStatus) (int64, error) {
	records, _ := r.FindByStatus(ctx, status)
	return int64(len(records)), nil
}

type memRootRepo struct {
	mu    sync.Mutex
	roots []*models.PublishedRoot
}

func (r *memRootRepo) Create(ctx context.Context, root *models.PublishedRoot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	root.CreatedAt = time.Now()
	r.roots = append(r.roots, root)
	return nil
}

func (r *memRootRepo) GetLatest(ctx context.Context, kind models.RootKind) (*models.PublishedRoot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *models.PublishedRoot
	for _, root := range r.roots {
		if root.Kind != kind {
			continue
		}
		if latest == nil || root.Sequence > latest.Sequence {
			latest = root
		}
	}
	if latest == nil {
		return nil, gorm.ErrRecordNotFound
	}
	return latest, nil
}

func (r *memRootRepo) FindRecent(ctx context.Context, kind models.RootKind, limit int) ([]*models.PublishedRoot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.PublishedRoot
	for _, root := range r.roots {
		if root.Kind == kind {
			out = append(out, root)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence > out[j].Sequence })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRootRepo) IsRecentRoot(ctx context.Context, kind models.RootKind, root string, window int) (bool, error) {
	recent, err := r.FindRecent(ctx, kind, window)
	if err != nil {
		return false, err
	}
	for _, pr := range recent {
		if pr.Root == root {
			return true, nil
		}
	}
	return false, nil
}

func (r *memRootRepo) NextSequence(ctx context.Context, kind models.RootKind) (uint64, error) {
	latest, err := r.GetLatest(ctx, kind)
	if err == gorm.ErrRecordNotFound {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return latest.Sequence + 1, nil
}

func (r *memRootRepo) countByKind(kind models.RootKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, root := range r.roots {
		if root.Kind == kind {
			count++
		}
	}
	return count
}

type memWithdrawRepo struct {
	mu       sync.Mutex
	requests map[string]*models.WithdrawRequest
}

func newMemWithdrawRepo() *memWithdrawRepo {
	return &memWithdrawRepo{requests: make(map[string]*models.WithdrawRequest)}
}

func (r *memWithdrawRepo) Create(ctx context.Context, request *models.WithdrawRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.requests {
		if existing.NullifierHash == request.NullifierHash {
			return fmt.Errorf("duplicate nullifier")
		}
	}
	request.CreatedAt = time.Now()
	r.requests[request.ID] = request
	return nil
}

func (r *memWithdrawRepo) GetByID(ctx context.Context, id string) (*models.WithdrawRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	request, ok := r.requests[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	clone := *request
	return &clone, nil
}

func (r *memWithdrawRepo) GetByNullifier(ctx context.Context, nullifierHash string) (*models.WithdrawRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, request := range r.requests {
		if request.NullifierHash == nullifierHash {
			clone := *request
			return &clone, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memWithdrawRepo) Update(ctx context.Context, request *models.WithdrawRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests[request.ID] = request
	return nil
}

func (r *memWithdrawRepo) FindByStatus(ctx context.Context, status models.WithdrawStatus) ([]*models.WithdrawRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.WithdrawRequest
	for _, request := range r.requests {
		if request.Status == status {
			clone := *request
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (r *memWithdrawRepo) FindDue(ctx context.Context, now time.Time, limit int) ([]*models.WithdrawRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.WithdrawRequest
	for _, request := range r.requests {
		if request.Status == models.WithdrawStatusQueued && !request.ScheduledAt.After(now) {
			clone := *request
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memWithdrawRepo) CountByStatus(ctx context.Context, status models.WithdrawStatus) (int64, error) {
	requests, _ := r.FindByStatus(ctx, status)
	return int64(len(requests)), nil
}

func (r *memWithdrawRepo) ClaimForProcessing(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	request, ok := r.requests[id]
	if !ok || request.Status != models.WithdrawStatusQueued {
		return false, nil
	}
	request.Status = models.WithdrawStatusProcessing
	return true, nil
}

func (r *memWithdrawRepo) MarkSubmitted(ctx context.Context, id string) error {
	return r.transition(id, models.WithdrawStatusProcessing, models.WithdrawStatusSubmitted, "")
}

func (r *memWithdrawRepo) MarkConfirmed(ctx context.Context, id string) error {
	return r.transition(id, models.WithdrawStatusSubmitted, models.WithdrawStatusConfirmed, "")
}

func (r *memWithdrawRepo) MarkRejected(ctx context.Context, id string, reason string) error {
	return r.transition(id, models.WithdrawStatusProcessing, models.WithdrawStatusRejected, reason)
}

func (r *memWithdrawRepo) MarkFailed(ctx context.Context, id string, reason string) error {
	return r.transition(id, models.WithdrawStatusProcessing, models.WithdrawStatusFailed, reason)
}

func (r *memWithdrawRepo) Requeue(ctx context.Context, id string, nextAttempt time.Time, reason string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	request, ok := r.requests[id]
	if !ok || request.Status != models.WithdrawStatusProcessing {
		return 0, fmt.Errorf("requeue %s: request not in processing state", id)
	}
	request.Status = models.WithdrawStatusQueued
	request.ScheduledAt = nextAttempt
	request.RetryCount++
	request.ErrorMsg = reason
	return request.RetryCount, nil
}

func (r *memWithdrawRepo) Resubmit(ctx context.Context, request *models.WithdrawRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.requests[request.ID]
	if !ok || existing.Status != models.WithdrawStatusFailed {
		return fmt.Errorf("resubmit %s: request not in failed state", request.ID)
	}
	clone := *request
	clone.Status = models.WithdrawStatusQueued
	clone.RetryCount = 0
	clone.ErrorMsg = ""
	clone.SubmittedAt = nil
	clone.ConfirmedAt = nil
	clone.CreatedAt = existing.CreatedAt
	r.requests[request.ID] = &clone
	return nil
}

func (r *memWithdrawRepo) transition(id string, from, to models.WithdrawStatus, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	request, ok := r.requests[id]
	if !ok || request.Status != from {
		return fmt.Errorf("transition %s: request not in %s state", id, from)
	}
	request.Status = to
	if reason != "" {
		request.ErrorMsg = reason
	}
	return nil
}

type memSponsorshipRepo struct {
	mu     sync.Mutex
	grants []*models.SponsorshipGrantRecord
}

func (r *memSponsorshipRepo) Create(ctx context.Context, grant *models.SponsorshipGrantRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	grant.CreatedAt = time.Now()
	r.grants = append(r.grants, grant)
	return nil
}

func (r *memSponsorshipRepo) GetByNullifier(ctx context.Context, nullifierHash string) (*models.SponsorshipGrantRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, grant := range r.grants {
		if grant.NullifierHash == nullifierHash {
			return grant, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memSponsorshipRepo) ListSpentNullifiers(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, grant := range r.grants {
		out = append(out, grant.NullifierHash)
	}
	return out, nil
}

func (r *memSponsorshipRepo) Count(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.grants)), nil
}
