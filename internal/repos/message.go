package repos

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/yungbote/batchd/internal/domain"
	"github.com/yungbote/batchd/internal/platform/logger"
)

type MessageRepo interface {
	Record(ctx context.Context, tx *gorm.DB, instanceID int64, text string) (*domain.Message, error)
	ListByInstance(ctx context.Context, tx *gorm.DB, instanceID int64) ([]*domain.Message, error)
}

type messageRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewMessageRepo(db *gorm.DB, baseLog *logger.Logger) MessageRepo {
	return &messageRepo{db: db, log: baseLog.With("repo", "MessageRepo")}
}

func (r *messageRepo) Record(ctx context.Context, tx *gorm.DB, instanceID int64, text string) (*domain.Message, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	m := &domain.Message{
		InstanceID: instanceID,
		Text:       text,
		CreatedAt:  time.Now(),
	}
	if err := transaction.WithContext(ctx).Create(m).Error; err != nil {
		return nil, backendErr("message record", err)
	}
	return m, nil
}

// ListByInstance returns messages in submission order (ascending id, which
// is the insertion order for one instance).
func (r *messageRepo) ListByInstance(ctx context.Context, tx *gorm.DB, instanceID int64) ([]*domain.Message, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*domain.Message
	if err := transaction.WithContext(ctx).Where("instance_id = ?", instanceID).Order("id ASC").Find(&out).Error; err != nil {
		return nil, backendErr("message list", err)
	}
	return out, nil
}
