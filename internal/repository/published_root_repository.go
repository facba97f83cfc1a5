package repository

import (
	"context"

	"shieldpool/internal/models"

	"gorm.io/gorm"
)

// PublishedRootRepository defines the interface for PublishedRoot data access
type PublishedRootRepository interface {
	Create(ctx context.Context, root *models.PublishedRoot) error
	GetLatest(ctx context.Context, kind models.RootKind) (*models.PublishedRoot, error)
	FindRecent(ctx context.Context, kind models.RootKind, limit int) ([]*models.PublishedRoot, error)
	IsRecentRoot(ctx context.Context, kind models.RootKind, root string, window int) (bool, error)
	NextSequence(ctx context.Context, kind models.RootKind) (uint64, error)
}

// publishedRootRepository implements PublishedRootRepository
type publishedRootRepository struct {
	db *gorm.DB
}

// NewPublishedRootRepository creates a new PublishedRootRepository instance
func NewPublishedRootRepository(db *gorm.DB) PublishedRootRepository {
	return &publishedRootRepository{db: db}
}

// Create appends a root to the log
func (r *publishedRootRepository) Create(ctx context.Context, root *models.PublishedRoot) error {
	return r.db.WithContext(ctx).Create(root).Error
}

// GetLatest returns the newest published root of a kind
func (r *publishedRootRepository) GetLatest(ctx context.Context, kind models.RootKind) (*models.PublishedRoot, error) {
	var root models.PublishedRoot
	err := r.db.WithContext(ctx).
		Where("kind = ?", kind).
		Order("sequence DESC").
		First(&root).Error
	if err != nil {
		return nil, err
	}
	return &root, nil
}

// FindRecent returns the newest roots of a kind, newest first
func (r *publishedRootRepository) FindRecent(ctx context.Context, kind models.RootKind, limit int) ([]*models.PublishedRoot, error) {
	var roots []*models.PublishedRoot
	err := r.db.WithContext(ctx).
		Where("kind = ?", kind).
		Order("sequence DESC").
		Limit(limit).
		Find(&roots).Error
	if err != nil {
		return nil, err
	}
	return roots, nil
}

// IsRecentRoot checks whether a root sits inside the acceptance window
func (r *publishedRootRepository) IsRecentRoot(ctx context.Context, kind models.RootKind, root string, window int) (bool, error) {
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

// NextSequence returns the sequence number the next published root should use
func (r *publishedRootRepository) NextSequence(ctx context.Context, kind models.RootKind) (uint64, error) {
	latest, err := r.GetLatest(ctx, kind)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return 1, nil
		}
		return 0, err
	}
	return latest.Sequence + 1, nil
}
