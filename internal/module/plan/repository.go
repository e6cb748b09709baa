package plan

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// Repository defines the interface for plan data access.
type Repository interface {
	Create(ctx context.Context, p *Plan) error
	GetByID(ctx context.Context, id int64) (*Plan, error)
	GetByProviderPlanID(ctx context.Context, providerPlanID string) (*Plan, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository creates a new plan repository.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Create(ctx context.Context, p *Plan) error {
	if err := r.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("create plan: %w", err)
	}
	return nil
}

func (r *repository) GetByID(ctx context.Context, id int64) (*Plan, error) {
	var p Plan
	if err := r.db.WithContext(ctx).First(&p, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPlanNotFound
		}
		return nil, fmt.Errorf("get plan %d: %w", id, err)
	}
	return &p, nil
}

func (r *repository) GetByProviderPlanID(ctx context.Context, providerPlanID string) (*Plan, error) {
	var p Plan
	if err := r.db.WithContext(ctx).Where("provider_plan_id = ?", providerPlanID).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPlanNotFound
		}
		return nil, fmt.Errorf("get plan by provider id %s: %w", providerPlanID, err)
	}
	return &p, nil
}
