package repos

import (
	"context"

	"gorm.io/gorm"

	"github.com/yungbote/batchd/internal/domain"
	"github.com/yungbote/batchd/internal/platform/logger"
)

// DeploymentRepo is the deployment registry: the current set of
// (node, queue, concurrency, poll interval) bindings. Callers reload on every
// poll tick, so admin changes propagate within one interval; there is no
// caching layer.
type DeploymentRepo interface {
	Create(ctx context.Context, tx *gorm.DB, b *domain.DeploymentBinding) (*domain.DeploymentBinding, error)
	GetByID(ctx context.Context, tx *gorm.DB, id int64) (*domain.DeploymentBinding, error)
	ListForNode(ctx context.Context, tx *gorm.DB, nodeID int64) ([]*domain.DeploymentBinding, error)
}

type deploymentRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDeploymentRepo(db *gorm.DB, baseLog *logger.Logger) DeploymentRepo {
	return &deploymentRepo{db: db, log: baseLog.With("repo", "DeploymentRepo")}
}

func (r *deploymentRepo) Create(ctx context.Context, tx *gorm.DB, b *domain.DeploymentBinding) (*domain.DeploymentBinding, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if err := transaction.WithContext(ctx).Create(b).Error; err != nil {
		return nil, backendErr("deployment create", err)
	}
	return b, nil
}

func (r *deploymentRepo) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*domain.DeploymentBinding, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var b domain.DeploymentBinding
	if err := transaction.WithContext(ctx).First(&b, "id = ?", id).Error; err != nil {
		return nil, backendErr("deployment get", err)
	}
	return &b, nil
}

func (r *deploymentRepo) ListForNode(ctx context.Context, tx *gorm.DB, nodeID int64) ([]*domain.DeploymentBinding, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*domain.DeploymentBinding
	if err := transaction.WithContext(ctx).Where("node_id = ?", nodeID).Order("id ASC").Find(&out).Error; err != nil {
		return nil, backendErr("deployment list", err)
	}
	return out, nil
}
