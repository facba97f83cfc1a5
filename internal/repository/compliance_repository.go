package repository

import (
	"context"
	"time"

	"shieldpool/internal/models"

	"gorm.io/gorm"
)

// ComplianceRepository defines the interface for ComplianceRecord data access
type ComplianceRepository interface {
	Create(ctx context.Context, record *models.ComplianceRecord) error
	GetByCommitment(ctx context.Context, commitment string) (*models.ComplianceRecord, error)
	FindByStatus(ctx context.Context, status models.ScreeningStatus) ([]*models.ComplianceRecord, error)
	// ListApprovedByLeafIndex returns approved records in accumulator leaf
	// order, for compliance accumulator replay after restart
	ListApprovedByLeafIndex(ctx context.Context) ([]*models.ComplianceRecord, error)
	UpdateVerdict(ctx context.Context, commitment string, status models.ScreeningStatus, riskScore float64, flags string) error
	MarkApproved(ctx context.Context, commitment string, riskScore float64, flags string, leafIndex uint64) error
	CountByStatus(ctx context.Context, status models.ScreeningStatus) (int64, error)
}

// complianceRepository implements ComplianceRepository
type complianceRepository struct {
	db *gorm.DB
}

// NewComplianceRepository creates a new ComplianceRepository instance
func NewComplianceRepository(db *gorm.DB) ComplianceRepository {
	return &complianceRepository{db: db}
}

// Create persists a new compliance record
func (r *complianceRepository) Create(ctx context.Context, record *models.ComplianceRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

// GetByCommitment retrieves the record for a commitment
func (r *complianceRepository) GetByCommitment(ctx context.Context, commitment string) (*models.ComplianceRecord, error) {
	var record models.ComplianceRecord
	if err := r.db.WithContext(ctx).Where("commitment = ?", commitment).First(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

// FindByStatus returns records in a given screening state, oldest first
func (r *complianceRepository) FindByStatus(ctx context.Context, status models.ScreeningStatus) ([]*models.ComplianceRecord, error) {
	var records []*models.ComplianceRecord
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Find(&records).Error
	return records, err
}

// ListApprovedByLeafIndex returns approved records ordered by their
// compliance accumulator position
func (r *complianceRepository) ListApprovedByLeafIndex(ctx context.Context) ([]*models.ComplianceRecord, error) {
	var records []*models.ComplianceRecord
	err := r.db.WithContext(ctx).
		Where("status = ?", models.ScreeningStatusApproved).
		Order("leaf_index ASC").
		Find(&records).Error
	return records, err
}

// UpdateVerdict records a screening decision
func (r *complianceRepository) UpdateVerdict(ctx context.Context, commitment string, status models.ScreeningStatus, riskScore float64, flags string) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Model(&models.ComplianceRecord{}).
		Where("commitment = ?", commitment).
		Updates(map[string]interface{}{
			"status":      status,
			"risk_score":  riskScore,
			"flags":       flags,
			"screened_at": &now,
		}).Error
}

// MarkApproved records an approval together with the commitment's position
// in the compliance accumulator
func (r *complianceRepository) MarkApproved(ctx context.Context, commitment string, riskScore float64, flags string, leafIndex uint64) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Model(&models.ComplianceRecord{}).
		Where("commitment = ?", commitment).
		Updates(map[string]interface{}{
			"status":      models.ScreeningStatusApproved,
			"risk_score":  riskScore,
			"flags":       flags,
			"screened_at": &now,
			"leaf_index":  leafIndex,
		}).Error
}

// CountByStatus counts records in a given screening state
func (r *complianceRepository) CountByStatus(ctx context.Context, status models.ScreeningStatus) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.ComplianceRecord{}).
		Where("status = ?", status).
		Count(&count).Error
	return count, err
}
