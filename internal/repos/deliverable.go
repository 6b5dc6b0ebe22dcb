package repos

import (
	"context"

	"gorm.io/gorm"

	"github.com/yungbote/batchd/internal/domain"
	"github.com/yungbote/batchd/internal/platform/logger"
)

type DeliverableRepo interface {
	Create(ctx context.Context, tx *gorm.DB, d *domain.Deliverable) (*domain.Deliverable, error)
	GetByID(ctx context.Context, tx *gorm.DB, id int64) (*domain.Deliverable, error)
	ListByInstance(ctx context.Context, tx *gorm.DB, instanceID int64) ([]*domain.Deliverable, error)
}

type deliverableRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDeliverableRepo(db *gorm.DB, baseLog *logger.Logger) DeliverableRepo {
	return &deliverableRepo{db: db, log: baseLog.With("repo", "DeliverableRepo")}
}

func (r *deliverableRepo) Create(ctx context.Context, tx *gorm.DB, d *domain.Deliverable) (*domain.Deliverable, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if err := transaction.WithContext(ctx).Create(d).Error; err != nil {
		return nil, backendErr("deliverable create", err)
	}
	return d, nil
}

func (r *deliverableRepo) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*domain.Deliverable, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var d domain.Deliverable
	if err := transaction.WithContext(ctx).First(&d, "id = ?", id).Error; err != nil {
		return nil, backendErr("deliverable get", err)
	}
	return &d, nil
}

func (r *deliverableRepo) ListByInstance(ctx context.Context, tx *gorm.DB, instanceID int64) ([]*domain.Deliverable, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*domain.Deliverable
	if err := transaction.WithContext(ctx).Where("instance_id = ?", instanceID).Order("id ASC").Find(&out).Error; err != nil {
		return nil, backendErr("deliverable list", err)
	}
	return out, nil
}
