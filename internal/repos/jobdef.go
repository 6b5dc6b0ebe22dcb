package repos

import (
	"context"

	"gorm.io/gorm"

	"github.com/yungbote/batchd/internal/domain"
	"github.com/yungbote/batchd/internal/platform/logger"
)

type JobDefRepo interface {
	Create(ctx context.Context, tx *gorm.DB, def *domain.JobDefinition) (*domain.JobDefinition, error)
	GetByID(ctx context.Context, tx *gorm.DB, id int64) (*domain.JobDefinition, error)
	GetByApplicationName(ctx context.Context, tx *gorm.DB, name string) (*domain.JobDefinition, error)
	List(ctx context.Context, tx *gorm.DB) ([]*domain.JobDefinition, error)
	Delete(ctx context.Context, tx *gorm.DB, id int64) error
}

type jobDefRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobDefRepo(db *gorm.DB, baseLog *logger.Logger) JobDefRepo {
	return &jobDefRepo{db: db, log: baseLog.With("repo", "JobDefRepo")}
}

func (r *jobDefRepo) Create(ctx context.Context, tx *gorm.DB, def *domain.JobDefinition) (*domain.JobDefinition, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if err := transaction.WithContext(ctx).Create(def).Error; err != nil {
		return nil, backendErr("jobdef create", err)
	}
	return def, nil
}

func (r *jobDefRepo) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*domain.JobDefinition, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var def domain.JobDefinition
	if err := transaction.WithContext(ctx).First(&def, "id = ?", id).Error; err != nil {
		return nil, backendErr("jobdef get", err)
	}
	return &def, nil
}

func (r *jobDefRepo) GetByApplicationName(ctx context.Context, tx *gorm.DB, name string) (*domain.JobDefinition, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var def domain.JobDefinition
	if err := transaction.WithContext(ctx).First(&def, "application_name = ?", name).Error; err != nil {
		return nil, backendErr("jobdef get by name", err)
	}
	return &def, nil
}

func (r *jobDefRepo) List(ctx context.Context, tx *gorm.DB) ([]*domain.JobDefinition, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*domain.JobDefinition
	if err := transaction.WithContext(ctx).Order("id ASC").Find(&out).Error; err != nil {
		return nil, backendErr("jobdef list", err)
	}
	return out, nil
}

// Delete refuses to remove a definition that still has live instances.
func (r *jobDefRepo) Delete(ctx context.Context, tx *gorm.DB, id int64) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var n int64
		if err := txx.Model(&domain.JobInstance{}).Where("job_def_id = ?", id).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return gorm.ErrForeignKeyViolated
		}
		return txx.Delete(&domain.JobDefinition{}, "id = ?", id).Error
	})
	return backendErr("jobdef delete", err)
}
