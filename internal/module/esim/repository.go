package esim

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// Repository defines the interface for eSIM data access.
type Repository interface {
	Create(ctx context.Context, e *PurchasedEsim) error
	GetByID(ctx context.Context, id int64) (*PurchasedEsim, error)
	GetByOrderID(ctx context.Context, orderID string) (*PurchasedEsim, error)
	// Update saves e when its version is unchanged since it was read and bumps the version.
	// It returns ErrStaleRecord when another writer got there first.
	Update(ctx context.Context, e *PurchasedEsim) error
	ListByStatuses(ctx context.Context, statuses ...Status) ([]*PurchasedEsim, error)
	ListByEmployee(ctx context.Context, employeeID int64) ([]*PurchasedEsim, error)
	// ListPendingRefunds returns cancelled eSIMs whose refund has not completed.
	ListPendingRefunds(ctx context.Context) ([]*PurchasedEsim, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository creates a new eSIM repository.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Create(ctx context.Context, e *PurchasedEsim) error {
	if err := r.db.WithContext(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("create esim %s: %w", e.OrderID, err)
	}
	return nil
}

func (r *repository) GetByID(ctx context.Context, id int64) (*PurchasedEsim, error) {
	var e PurchasedEsim
	if err := r.db.WithContext(ctx).First(&e, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEsimNotFound
		}
		return nil, fmt.Errorf("get esim %d: %w", id, err)
	}
	return &e, nil
}

func (r *repository) GetByOrderID(ctx context.Context, orderID string) (*PurchasedEsim, error) {
	var e PurchasedEsim
	if err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&e).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEsimNotFound
		}
		return nil, fmt.Errorf("get esim by order %s: %w", orderID, err)
	}
	return &e, nil
}

func (r *repository) Update(ctx context.Context, e *PurchasedEsim) error {
	expected := e.Version
	e.Version = expected + 1

	result := r.db.WithContext(ctx).Model(e).
		Where("version = ?", expected).
		Select("*").
		Omit("id", "created_at").
		Updates(e)
	if result.Error != nil {
		e.Version = expected
		return fmt.Errorf("update esim %d: %w", e.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		e.Version = expected
		return ErrStaleRecord
	}
	return nil
}

func (r *repository) ListByStatuses(ctx context.Context, statuses ...Status) ([]*PurchasedEsim, error) {
	var list []*PurchasedEsim
	if err := r.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("id ASC").
		Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list esims by status: %w", err)
	}
	return list, nil
}

func (r *repository) ListByEmployee(ctx context.Context, employeeID int64) ([]*PurchasedEsim, error) {
	var list []*PurchasedEsim
	if err := r.db.WithContext(ctx).
		Where("employee_id = ?", employeeID).
		Order("purchase_date DESC").
		Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list esims of employee %d: %w", employeeID, err)
	}
	return list, nil
}

func (r *repository) ListPendingRefunds(ctx context.Context) ([]*PurchasedEsim, error) {
	cancelled, err := r.ListByStatuses(ctx, StatusCancelled)
	if err != nil {
		return nil, err
	}
	// Metadata is JSON; filter in memory to stay portable across drivers.
	pending := make([]*PurchasedEsim, 0, len(cancelled))
	for _, e := range cancelled {
		if rf := e.Metadata.Refund; rf != nil && rf.PendingRefund && !rf.Refunded {
			pending = append(pending, e)
		}
	}
	return pending, nil
}
