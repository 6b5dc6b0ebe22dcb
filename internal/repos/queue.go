package repos

import (
	"context"

	"gorm.io/gorm"

	"github.com/yungbote/batchd/internal/domain"
	"github.com/yungbote/batchd/internal/platform/logger"
)

type QueueRepo interface {
	Create(ctx context.Context, tx *gorm.DB, q *domain.Queue) (*domain.Queue, error)
	GetByID(ctx context.Context, tx *gorm.DB, id int64) (*domain.Queue, error)
	GetByName(ctx context.Context, tx *gorm.DB, name string) (*domain.Queue, error)
	List(ctx context.Context, tx *gorm.DB) ([]*domain.Queue, error)
	CountSubmitted(ctx context.Context, tx *gorm.DB, queueID int64) (int64, error)
}

type queueRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewQueueRepo(db *gorm.DB, baseLog *logger.Logger) QueueRepo {
	return &queueRepo{db: db, log: baseLog.With("repo", "QueueRepo")}
}

func (r *queueRepo) Create(ctx context.Context, tx *gorm.DB, q *domain.Queue) (*domain.Queue, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if err := transaction.WithContext(ctx).Create(q).Error; err != nil {
		return nil, backendErr("queue create", err)
	}
	return q, nil
}

func (r *queueRepo) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*domain.Queue, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var q domain.Queue
	if err := transaction.WithContext(ctx).First(&q, "id = ?", id).Error; err != nil {
		return nil, backendErr("queue get", err)
	}
	return &q, nil
}

func (r *queueRepo) GetByName(ctx context.Context, tx *gorm.DB, name string) (*domain.Queue, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var q domain.Queue
	if err := transaction.WithContext(ctx).First(&q, "name = ?", name).Error; err != nil {
		return nil, backendErr("queue get by name", err)
	}
	return &q, nil
}

func (r *queueRepo) List(ctx context.Context, tx *gorm.DB) ([]*domain.Queue, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*domain.Queue
	if err := transaction.WithContext(ctx).Order("id ASC").Find(&out).Error; err != nil {
		return nil, backendErr("queue list", err)
	}
	return out, nil
}

// CountSubmitted is the count-with-predicate behind queue size enforcement:
// only SUBMITTED instances count against Queue.MaxSize.
func (r *queueRepo) CountSubmitted(ctx context.Context, tx *gorm.DB, queueID int64) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var n int64
	err := transaction.WithContext(ctx).
		Model(&domain.JobInstance{}).
		Where("queue_id = ? AND state = ?", queueID, domain.StateSubmitted).
		Count(&n).Error
	if err != nil {
		return 0, backendErr("queue count submitted", err)
	}
	return n, nil
}
