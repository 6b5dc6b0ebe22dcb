package repos

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/yungbote/batchd/internal/domain"
	"github.com/yungbote/batchd/internal/platform/logger"
)

type NodeRepo interface {
	GetByID(ctx context.Context, tx *gorm.DB, id int64) (*domain.Node, error)
	GetByName(ctx context.Context, tx *gorm.DB, name string) (*domain.Node, error)
	// Ensure returns the node row for name, creating it from the template
	// when this node boots for the first time.
	Ensure(ctx context.Context, tx *gorm.DB, template *domain.Node) (*domain.Node, error)
}

type nodeRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewNodeRepo(db *gorm.DB, baseLog *logger.Logger) NodeRepo {
	return &nodeRepo{db: db, log: baseLog.With("repo", "NodeRepo")}
}

func (r *nodeRepo) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*domain.Node, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var n domain.Node
	if err := transaction.WithContext(ctx).First(&n, "id = ?", id).Error; err != nil {
		return nil, backendErr("node get", err)
	}
	return &n, nil
}

func (r *nodeRepo) GetByName(ctx context.Context, tx *gorm.DB, name string) (*domain.Node, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var n domain.Node
	if err := transaction.WithContext(ctx).First(&n, "name = ?", name).Error; err != nil {
		return nil, backendErr("node get by name", err)
	}
	return &n, nil
}

func (r *nodeRepo) Ensure(ctx context.Context, tx *gorm.DB, template *domain.Node) (*domain.Node, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	existing, err := r.GetByName(ctx, transaction, template.Name)
	if err == nil {
		// Paths may move between boots; the row follows the config.
		updates := map[string]interface{}{
			"host":         template.Host,
			"port":         template.Port,
			"repo_path":    template.RepoPath,
			"tmp_path":     template.TmpPath,
			"dl_repo_path": template.DlRepoPath,
			"updated_at":   time.Now(),
		}
		if uerr := transaction.WithContext(ctx).Model(&domain.Node{}).Where("id = ?", existing.ID).Updates(updates).Error; uerr != nil {
			return nil, backendErr("node update", uerr)
		}
		return r.GetByID(ctx, transaction, existing.ID)
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if cerr := transaction.WithContext(ctx).Create(template).Error; cerr != nil {
		return nil, backendErr("node create", cerr)
	}
	return template, nil
}
