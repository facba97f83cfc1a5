package repository

import (
	"context"
	"fmt"
	"time"

	"shieldpool/internal/models"

	"gorm.io/gorm"
)

// WithdrawRequestRepository defines the interface for WithdrawRequest data access
type WithdrawRequestRepository interface {
	// Basic CRUD operations
	Create(ctx context.Context, request *models.WithdrawRequest) error
	GetByID(ctx context.Context, id string) (*models.WithdrawRequest, error)
	GetByNullifier(ctx context.Context, nullifierHash string) (*models.WithdrawRequest, error)
	Update(ctx context.Context, request *models.WithdrawRequest) error

	// Query methods
	FindByStatus(ctx context.Context, status models.WithdrawStatus) ([]*models.WithdrawRequest, error)
	FindDue(ctx context.Context, now time.Time, limit int) ([]*models.WithdrawRequest, error)
	CountByStatus(ctx context.Context, status models.WithdrawStatus) (int64, error)

	// Status transitions
	ClaimForProcessing(ctx context.Context, id string) (bool, error)
	MarkSubmitted(ctx context.Context, id string) error
	MarkConfirmed(ctx context.Context, id string) error
	MarkRejected(ctx context.Context, id string, reason string) error
	Requeue(ctx context.Context, id string, nextAttempt time.Time, reason string) (int, error)
	MarkFailed(ctx context.Context, id string, reason string) error
	Resubmit(ctx context.Context, request *models.WithdrawRequest) error
}

// withdrawRequestRepository implements WithdrawRequestRepository
type withdrawRequestRepository struct {
	db *gorm.DB
}

// NewWithdrawRequestRepository creates a new WithdrawRequestRepository instance
func NewWithdrawRequestRepository(db *gorm.DB) WithdrawRequestRepository {
	return &withdrawRequestRepository{db: db}
}

// Create creates a new withdraw request
func (r *withdrawRequestRepository) Create(ctx context.Context, request *models.WithdrawRequest) error {
	return r.db.WithContext(ctx).Create(request).Error
}

// GetByID retrieves a withdraw request by ID
func (r *withdrawRequestRepository) GetByID(ctx context.Context, id string) (*models.WithdrawRequest, error) {
	var request models.WithdrawRequest
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&request).Error; err != nil {
		return nil, err
	}
	return &request, nil
}

// GetByNullifier retrieves a withdraw request by nullifier hash
func (r *withdrawRequestRepository) GetByNullifier(ctx context.Context, nullifierHash string) (*models.WithdrawRequest, error) {
	var request models.WithdrawRequest
	if err := r.db.WithContext(ctx).Where("nullifier_hash = ?", nullifierHash).First(&request).Error; err != nil {
		return nil, err
	}
	return &request, nil
}

// Update updates a withdraw request
func (r *withdrawRequestRepository) Update(ctx context.Context, request *models.WithdrawRequest) error {
	return r.db.WithContext(ctx).Save(request).Error
}

// FindByStatus finds withdraw requests by status
func (r *withdrawRequestRepository) FindByStatus(ctx context.Context, status models.WithdrawStatus) ([]*models.WithdrawRequest, error) {
	var requests []*models.WithdrawRequest
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("scheduled_at ASC").
		Find(&requests).Error
	return requests, err
}

// FindDue returns queued requests whose scheduled time has passed
func (r *withdrawRequestRepository) FindDue(ctx context.Context, now time.Time, limit int) ([]*models.WithdrawRequest, error) {
	var requests []*models.WithdrawRequest
	err := r.db.WithContext(ctx).
		Where("status = ? AND scheduled_at <= ?", models.WithdrawStatusQueued, now).
		Order("scheduled_at ASC").
		Limit(limit).
		Find(&requests).Error
	return requests, err
}

// CountByStatus counts requests in a given status
func (r *withdrawRequestRepository) CountByStatus(ctx context.Context, status models.WithdrawStatus) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.WithdrawRequest{}).
		Where("status = ?", status).
		Count(&count).Error
	return count, err
}

// ClaimForProcessing atomically moves a request from queued to processing.
// Returns false when another worker already claimed it.
func (r *withdrawRequestRepository) ClaimForProcessing(ctx context.Context, id string) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.WithdrawRequest{}).
		Where("id = ? AND status = ?", id, models.WithdrawStatusQueued).
		Update("status", models.WithdrawStatusProcessing)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// MarkSubmitted moves a processing request to submitted
func (r *withdrawRequestRepository) MarkSubmitted(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return r.transition(ctx, id, models.WithdrawStatusProcessing, map[string]interface{}{
		"status":       models.WithdrawStatusSubmitted,
		"submitted_at": &now,
	})
}

// MarkConfirmed moves a submitted request to its terminal confirmed state
func (r *withdrawRequestRepository) MarkConfirmed(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return r.transition(ctx, id, models.WithdrawStatusSubmitted, map[string]interface{}{
		"status":       models.WithdrawStatusConfirmed,
		"confirmed_at": &now,
	})
}

// MarkRejected terminates a request the pool refused permanently
func (r *withdrawRequestRepository) MarkRejected(ctx context.Context, id string, reason string) error {
	return r.transition(ctx, id, models.WithdrawStatusProcessing, map[string]interface{}{
		"status":        models.WithdrawStatusRejected,
		"error_message": reason,
	})
}

// Requeue returns a processing request to queued with a fresh schedule and
// an incremented retry count. Returns the new retry count.
func (r *withdrawRequestRepository) Requeue(ctx context.Context, id string, nextAttempt time.Time, reason string) (int, error) {
	result := r.db.WithContext(ctx).Model(&models.WithdrawRequest{}).
		Where("id = ? AND status = ?", id, models.WithdrawStatusProcessing).
		Updates(map[string]interface{}{
			"status":        models.WithdrawStatusQueued,
			"scheduled_at":  nextAttempt,
			"retry_count":   gorm.Expr("retry_count + 1"),
			"error_message": reason,
		})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected != 1 {
		return 0, fmt.Errorf("requeue %s: request not in processing state", id)
	}
	req, err := r.GetByID(ctx, id)
	if err != nil {
		return 0, err
	}
	return req.RetryCount, nil
}

// MarkFailed terminates a request whose retries are exhausted
func (r *withdrawRequestRepository) MarkFailed(ctx context.Context, id string, reason string) error {
	return r.transition(ctx, id, models.WithdrawStatusProcessing, map[string]interface{}{
		"status":        models.WithdrawStatusFailed,
		"error_message": reason,
	})
}

// Resubmit returns a terminally failed request to queued with fresh
// parameters and a zeroed retry counter. The nullifier keeps its single
// row; a request in any other state is left untouched.
func (r *withdrawRequestRepository) Resubmit(ctx context.Context, request *models.WithdrawRequest) error {
	result := r.db.WithContext(ctx).Model(&models.WithdrawRequest{}).
		Where("id = ? AND status = ?", request.ID, models.WithdrawStatusFailed).
		Updates(map[string]interface{}{
			"status":          models.WithdrawStatusQueued,
			"proof":           request.Proof,
			"pool_root":       request.PoolRoot,
			"compliance_root": request.ComplianceRoot,
			"recipient":       request.Recipient,
			"fee_recipient":   request.FeeRecipient,
			"fee":             request.Fee,
			"refund":          request.Refund,
			"scheduled_at":    request.ScheduledAt,
			"retry_count":     0,
			"error_message":   "",
			"submitted_at":    nil,
			"confirmed_at":    nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected != 1 {
		return fmt.Errorf("resubmit %s: request not in failed state", request.ID)
	}
	return nil
}

// transition applies updates only when the request is in the expected state,
// guarding terminal states against late writers
func (r *withdrawRequestRepository) transition(ctx context.Context, id string, from models.WithdrawStatus, updates map[string]interface{}) error {
	result := r.db.WithContext(ctx).Model(&models.WithdrawRequest{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected != 1 {
		return fmt.Errorf("transition %s: request not in %s state", id, from)
	}
	return nil
}
