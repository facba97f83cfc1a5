package repository

import (
	"context"

	"shieldpool/internal/models"

	"gorm.io/gorm"
)

// DepositRepository defines the interface for Deposit data access
type DepositRepository interface {
	Create(ctx context.Context, deposit *models.Deposit) error
	GetByID(ctx context.Context, id string) (*models.Deposit, error)
	GetByCommitment(ctx context.Context, commitment string) (*models.Deposit, error)
	ExistsByCommitment(ctx context.Context, commitment string) (bool, error)
	ListByLeafOrder(ctx context.Context) ([]*models.Deposit, error)
	FindByDepositor(ctx context.Context, depositor string, page, pageSize int) ([]*models.Deposit, int64, error)
	Count(ctx context.Context) (int64, error)
}

// depositRepository implements DepositRepository
type depositRepository struct {
	db *gorm.DB
}

// NewDepositRepository creates a new DepositRepository instance
func NewDepositRepository(db *gorm.DB) DepositRepository {
	return &depositRepository{db: db}
}

// Create persists a new deposit
func (r *depositRepository) Create(ctx context.Context, deposit *models.Deposit) error {
	return r.db.WithContext(ctx).Create(deposit).Error
}

// GetByID retrieves a deposit by ID
func (r *depositRepository) GetByID(ctx context.Context, id string) (*models.Deposit, error) {
	var deposit models.Deposit
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&deposit).Error; err != nil {
		return nil, err
	}
	return &deposit, nil
}

// GetByCommitment retrieves a deposit by its commitment
func (r *depositRepository) GetByCommitment(ctx context.Context, commitment string) (*models.Deposit, error) {
	var deposit models.Deposit
	if err := r.db.WithContext(ctx).Where("commitment = ?", commitment).First(&deposit).Error; err != nil {
		return nil, err
	}
	return &deposit, nil
}

// ExistsByCommitment checks commitment uniqueness without loading the row
func (r *depositRepository) ExistsByCommitment(ctx context.Context, commitment string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Deposit{}).
		Where("commitment = ?", commitment).
		Count(&count).Error
	return count > 0, err
}

// ListByLeafOrder returns all deposits ordered by leaf index, for
// accumulator replay after restart
func (r *depositRepository) ListByLeafOrder(ctx context.Context) ([]*models.Deposit, error) {
	var deposits []*models.Deposit
	err := r.db.WithContext(ctx).Order("leaf_index ASC").Find(&deposits).Error
	return deposits, err
}

// FindByDepositor finds deposits by depositor address with pagination
func (r *depositRepository) FindByDepositor(ctx context.Context, depositor string, page, pageSize int) ([]*models.Deposit, int64, error) {
	var deposits []*models.Deposit
	var total int64

	query := r.db.WithContext(ctx).Where("depositor = ?", depositor)
	if err := query.Model(&models.Deposit{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	offset := (page - 1) * pageSize
	err := query.Order("created_at DESC").Offset(offset).Limit(pageSize).Find(&deposits).Error
	return deposits, total, err
}

// Count returns the total number of deposits
func (r *depositRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Deposit{}).Count(&count).Error
	return count, err
}
