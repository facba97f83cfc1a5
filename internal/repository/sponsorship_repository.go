package repository

import (
	"context"

	"shieldpool/internal/models"

	"gorm.io/gorm"
)

// SponsorshipRepository defines the interface for SponsorshipGrantRecord data access
type SponsorshipRepository interface {
	Create(ctx context.Context, grant *models.SponsorshipGrantRecord) error
	GetByNullifier(ctx context.Context, nullifierHash string) (*models.SponsorshipGrantRecord, error)
	ListSpentNullifiers(ctx context.Context) ([]string, error)
	Count(ctx context.Context) (int64, error)
}

// sponsorshipRepository implements SponsorshipRepository
type sponsorshipRepository struct {
	db *gorm.DB
}

// NewSponsorshipRepository creates a new SponsorshipRepository instance
func NewSponsorshipRepository(db *gorm.DB) SponsorshipRepository {
	return &sponsorshipRepository{db: db}
}

// Create persists an issued grant
func (r *sponsorshipRepository) Create(ctx context.Context, grant *models.SponsorshipGrantRecord) error {
	return r.db.WithContext(ctx).Create(grant).Error
}

// GetByNullifier retrieves a grant by its sponsorship-domain nullifier hash
func (r *sponsorshipRepository) GetByNullifier(ctx context.Context, nullifierHash string) (*models.SponsorshipGrantRecord, error) {
	var grant models.SponsorshipGrantRecord
	if err := r.db.WithContext(ctx).Where("nullifier_hash = ?", nullifierHash).First(&grant).Error; err != nil {
		return nil, err
	}
	return &grant, nil
}

// ListSpentNullifiers returns every sponsorship-domain nullifier hash, for
// registry replay after restart
func (r *sponsorshipRepository) ListSpentNullifiers(ctx context.Context) ([]string, error) {
	var hashes []string
	err := r.db.WithContext(ctx).Model(&models.SponsorshipGrantRecord{}).
		Order("created_at ASC").
		Pluck("nullifier_hash", &hashes).Error
	return hashes, err
}

// Count returns the number of issued grants
func (r *sponsorshipRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.SponsorshipGrantRecord{}).Count(&count).Error
	return count, err
}
