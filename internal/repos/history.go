package repos

import (
	"context"

	"gorm.io/gorm"

	"github.com/yungbote/batchd/internal/domain"
	"github.com/yungbote/batchd/internal/platform/logger"
)

type HistoryRepo interface {
	GetByID(ctx context.Context, tx *gorm.DB, id int64) (*domain.HistoryRecord, error)
	List(ctx context.Context, tx *gorm.DB, f ListFilter) ([]*domain.HistoryRecord, error)
}

type historyRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewHistoryRepo(db *gorm.DB, baseLog *logger.Logger) HistoryRepo {
	return &historyRepo{db: db, log: baseLog.With("repo", "HistoryRepo")}
}

func (r *historyRepo) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*domain.HistoryRecord, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var h domain.HistoryRecord
	if err := transaction.WithContext(ctx).First(&h, "id = ?", id).Error; err != nil {
		return nil, backendErr("history get", err)
	}
	return &h, nil
}

func (r *historyRepo) List(ctx context.Context, tx *gorm.DB, f ListFilter) ([]*domain.HistoryRecord, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	q := transaction.WithContext(ctx).Model(&domain.HistoryRecord{})
	if f.State != "" {
		q = q.Where("state = ?", f.State)
	}
	if f.Application != "" {
		q = q.Where("application_name = ? OR application = ?", f.Application, f.Application)
	}
	if f.QueueID != 0 {
		q = q.Where("queue_id = ?", f.QueueID)
	}
	if f.User != "" {
		q = q.Where("username = ?", f.User)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []*domain.HistoryRecord
	if err := q.Order("id ASC").Find(&out).Error; err != nil {
		return nil, backendErr("history list", err)
	}
	return out, nil
}
