package repos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/batchd/internal/domain"
	"github.com/yungbote/batchd/internal/platform/logger"
)

// EnqueueRequest is everything needed to create one execution request.
type EnqueueRequest struct {
	DefID        int64
	QueueID      int64
	Priority     int
	Application  string
	Module       string
	Keyword1     string
	Keyword2     string
	Keyword3     string
	SessionID    string
	User         string
	Mail         string
	Parameters   map[string]string
	ParentID     *int64
	RestartCount int
}

type ListFilter struct {
	State       domain.State
	Application string
	QueueID     int64
	User        string
	Limit       int
}

// InstanceRepo is the persistence gateway for job instances: transactional
// CRUD plus the pessimistic reservation and CAS transitions the engine is
// built on.
type InstanceRepo interface {
	Enqueue(ctx context.Context, tx *gorm.DB, req EnqueueRequest) (*domain.JobInstance, error)
	GetByID(ctx context.Context, tx *gorm.DB, id int64) (*domain.JobInstance, error)
	List(ctx context.Context, tx *gorm.DB, f ListFilter) ([]*domain.JobInstance, error)
	Parameters(ctx context.Context, tx *gorm.DB, instanceID int64) (map[string]string, error)

	// ReserveNext selects up to limit SUBMITTED instances on the queue,
	// ordered (priority DESC, enqueue_time ASC, id ASC), and attributes them
	// to nodeID. Highlander definitions are claimed with a guard so at most
	// one instance per definition is ever ATTRIBUTED or RUNNING.
	ReserveNext(ctx context.Context, nodeID, queueID int64, limit int) ([]*domain.JobInstance, error)

	// Transition CASes the row from one state to another, applying extra
	// column updates in the same statement. ErrStateConflict when the
	// observed state differs.
	Transition(ctx context.Context, tx *gorm.DB, id int64, from, to domain.State, fields map[string]interface{}) error

	RequestKill(ctx context.Context, tx *gorm.DB, id int64, reason string) error
	// SetPriority reorders a waiting instance. Only SUBMITTED or HOLD rows
	// accept it; anything later in the lifecycle is immutable.
	SetPriority(ctx context.Context, tx *gorm.DB, id int64, priority int) error
	KillPending(ctx context.Context, tx *gorm.DB, id int64) (bool, string, error)
	UpdateProgress(ctx context.Context, tx *gorm.DB, id int64, progress int) error

	// ArchiveTerminal moves a terminal instance row into history_record.
	ArchiveTerminal(ctx context.Context, tx *gorm.DB, id int64) (*domain.HistoryRecord, error)

	// RecoverCrashed marks every instance attributed to nodeID that is still
	// ATTRIBUTED or RUNNING as CRASHED and archives it. Called once at boot,
	// before any new reservation.
	RecoverCrashed(ctx context.Context, nodeID int64) (int, error)

	CountActiveForDef(ctx context.Context, tx *gorm.DB, defID int64) (int64, error)
}

type instanceRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewInstanceRepo(db *gorm.DB, baseLog *logger.Logger) InstanceRepo {
	return &instanceRepo{db: db, log: baseLog.With("repo", "InstanceRepo")}
}

func (r *instanceRepo) Enqueue(ctx context.Context, tx *gorm.DB, req EnqueueRequest) (*domain.JobInstance, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var created *domain.JobInstance
	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var q domain.Queue
		if err := txx.First(&q, "id = ?", req.QueueID).Error; err != nil {
			return err
		}
		if q.MaxSize > 0 {
			var n int64
			if err := txx.Model(&domain.JobInstance{}).
				Where("queue_id = ? AND state = ?", q.ID, domain.StateSubmitted).
				Count(&n).Error; err != nil {
				return err
			}
			if n >= int64(q.MaxSize) {
				return fmt.Errorf("queue %s at max size %d: %w", q.Name, q.MaxSize, ErrQueueFull)
			}
		}
		now := time.Now()
		inst := &domain.JobInstance{
			JobDefID:     req.DefID,
			QueueID:      req.QueueID,
			State:        domain.StateSubmitted,
			Priority:     req.Priority,
			EnqueueTime:  now,
			Application:  req.Application,
			Module:       req.Module,
			Keyword1:     req.Keyword1,
			Keyword2:     req.Keyword2,
			Keyword3:     req.Keyword3,
			SessionID:    req.SessionID,
			User:         req.User,
			Mail:         req.Mail,
			ParentID:     req.ParentID,
			RestartCount: req.RestartCount,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := txx.Create(inst).Error; err != nil {
			return err
		}
		for k, v := range req.Parameters {
			p := &domain.RuntimeParameter{InstanceID: inst.ID, Key: k, Value: v}
			if err := txx.Create(p).Error; err != nil {
				return err
			}
		}
		created = inst
		return nil
	})
	if err != nil {
		return nil, backendErr("instance enqueue", err)
	}
	return created, nil
}

func (r *instanceRepo) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*domain.JobInstance, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var inst domain.JobInstance
	if err := transaction.WithContext(ctx).First(&inst, "id = ?", id).Error; err != nil {
		return nil, backendErr("instance get", err)
	}
	return &inst, nil
}

func (r *instanceRepo) List(ctx context.Context, tx *gorm.DB, f ListFilter) ([]*domain.JobInstance, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	q := transaction.WithContext(ctx).Model(&domain.JobInstance{})
	if f.State != "" {
		q = q.Where("state = ?", f.State)
	}
	if f.Application != "" {
		q = q.Where("application = ?", f.Application)
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
	var out []*domain.JobInstance
	if err := q.Order("id ASC").Find(&out).Error; err != nil {
		return nil, backendErr("instance list", err)
	}
	return out, nil
}

func (r *instanceRepo) Parameters(ctx context.Context, tx *gorm.DB, instanceID int64) (map[string]string, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var rows []*domain.RuntimeParameter
	if err := transaction.WithContext(ctx).Where("instance_id = ?", instanceID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, backendErr("instance parameters", err)
	}
	out := make(map[string]string, len(rows))
	for _, p := range rows {
		out[p.Key] = p.Value
	}
	return out, nil
}

func (r *instanceRepo) ReserveNext(ctx context.Context, nodeID, queueID int64, limit int) ([]*domain.JobInstance, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := time.Now()
	var reserved []*domain.JobInstance
	defs := map[int64]*domain.JobDefinition{}

	err := r.db.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		q := txx.Model(&domain.JobInstance{}).
			Where("queue_id = ? AND state = ?", queueID, domain.StateSubmitted).
			Order("priority DESC, enqueue_time ASC, id ASC").
			// Over-fetch: highlander and disabled-definition candidates may
			// be skipped without consuming a slot.
			Limit(limit * 4)
		if txx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		var candidates []*domain.JobInstance
		if err := q.Find(&candidates).Error; err != nil {
			return err
		}

		for _, cand := range candidates {
			if len(reserved) >= limit {
				break
			}
			def, ok := defs[cand.JobDefID]
			if !ok {
				var d domain.JobDefinition
				if err := txx.First(&d, "id = ?", cand.JobDefID).Error; err != nil {
					return err
				}
				def = &d
				defs[d.ID] = def
			}
			if !def.Enabled {
				continue
			}

			updates := map[string]interface{}{
				"state":            domain.StateAttributed,
				"node_id":          nodeID,
				"attribution_time": now,
				"updated_at":       now,
			}
			var res *gorm.DB
			if def.Highlander {
				// Serialize claims on the definition row first. Under read
				// committed, a peer transaction claiming a different row of
				// the same definition (other queue, or outside our locked
				// candidate set) would not see our uncommitted claim in its
				// NOT EXISTS snapshot; the definition lock forces it to wait
				// and re-evaluate against committed state.
				if txx.Dialector.Name() == "postgres" {
					var lock domain.JobDefinition
					if err := txx.Clauses(clause.Locking{Strength: "UPDATE"}).
						First(&lock, "id = ?", def.ID).Error; err != nil {
						return err
					}
				}
				res = txx.Exec(`
					UPDATE job_instance
					SET state = ?, node_id = ?, attribution_time = ?, updated_at = ?
					WHERE id = ? AND state = ?
					AND NOT EXISTS (
						SELECT 1 FROM job_instance j
						WHERE j.job_def_id = ? AND j.id <> ? AND j.state IN (?, ?)
					)`,
					domain.StateAttributed, nodeID, now, now,
					cand.ID, domain.StateSubmitted,
					def.ID, cand.ID, domain.StateAttributed, domain.StateRunning,
				)
			} else {
				res = txx.Model(&domain.JobInstance{}).
					Where("id = ? AND state = ?", cand.ID, domain.StateSubmitted).
					Updates(updates)
			}
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			cand.State = domain.StateAttributed
			cand.NodeID = &nodeID
			t := now
			cand.AttributionTime = &t
			cand.UpdatedAt = now
			reserved = append(reserved, cand)
		}
		return nil
	})
	if err != nil {
		return nil, backendErr("instance reserve", err)
	}
	return reserved, nil
}

func (r *instanceRepo) Transition(ctx context.Context, tx *gorm.DB, id int64, from, to domain.State, fields map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("transition %s -> %s not allowed: %w", from, to, ErrStateConflict)
	}
	updates := map[string]interface{}{
		"state":      to,
		"updated_at": time.Now(),
	}
	for k, v := range fields {
		updates[k] = v
	}
	res := transaction.WithContext(ctx).
		Model(&domain.JobInstance{}).
		Where("id = ? AND state = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return backendErr("instance transition", res.Error)
	}
	if res.RowsAffected == 0 {
		var probe domain.JobInstance
		if err := transaction.WithContext(ctx).First(&probe, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("instance %d: %w", id, ErrNotFound)
			}
			return backendErr("instance transition probe", err)
		}
		return fmt.Errorf("instance %d is %s, expected %s: %w", id, probe.State, from, ErrStateConflict)
	}
	return nil
}

// RequestKill sets the pending-kill marker on a live instance. The runner
// observes it at the next yield; it never pre-empts the payload.
func (r *instanceRepo) RequestKill(ctx context.Context, tx *gorm.DB, id int64, reason string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(ctx).
		Model(&domain.JobInstance{}).
		Where("id = ? AND state IN ?", id, []domain.State{domain.StateAttributed, domain.StateRunning}).
		Updates(map[string]interface{}{
			"kill_requested": true,
			"kill_reason":    reason,
			"updated_at":     time.Now(),
		})
	if res.Error != nil {
		return backendErr("instance request kill", res.Error)
	}
	if res.RowsAffected == 0 {
		var probe domain.JobInstance
		if err := transaction.WithContext(ctx).First(&probe, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("instance %d: %w", id, ErrNotFound)
			}
			return backendErr("instance request kill probe", err)
		}
		return fmt.Errorf("instance %d is %s: %w", id, probe.State, ErrStateConflict)
	}
	return nil
}

func (r *instanceRepo) SetPriority(ctx context.Context, tx *gorm.DB, id int64, priority int) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(ctx).
		Model(&domain.JobInstance{}).
		Where("id = ? AND state IN ?", id, []domain.State{domain.StateSubmitted, domain.StateHold}).
		Updates(map[string]interface{}{
			"priority":   priority,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return backendErr("instance set priority", res.Error)
	}
	if res.RowsAffected == 0 {
		var probe domain.JobInstance
		if err := transaction.WithContext(ctx).First(&probe, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("instance %d: %w", id, ErrNotFound)
			}
			return backendErr("instance set priority probe", err)
		}
		return fmt.Errorf("instance %d is %s: %w", id, probe.State, ErrStateConflict)
	}
	return nil
}

func (r *instanceRepo) KillPending(ctx context.Context, tx *gorm.DB, id int64) (bool, string, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var row struct {
		KillRequested bool
		KillReason    string
	}
	err := transaction.WithContext(ctx).
		Model(&domain.JobInstance{}).
		Select("kill_requested", "kill_reason").
		Where("id = ?", id).
		Take(&row).Error
	if err != nil {
		return false, "", backendErr("instance kill pending", err)
	}
	return row.KillRequested, row.KillReason, nil
}

// UpdateProgress overwrites the prior value; only RUNNING instances accept
// progress so a late write cannot resurrect a terminal row.
func (r *instanceRepo) UpdateProgress(ctx context.Context, tx *gorm.DB, id int64, progress int) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	err := transaction.WithContext(ctx).
		Model(&domain.JobInstance{}).
		Where("id = ? AND state = ?", id, domain.StateRunning).
		Updates(map[string]interface{}{
			"progress":   progress,
			"updated_at": time.Now(),
		}).Error
	return backendErr("instance update progress", err)
}

func (r *instanceRepo) ArchiveTerminal(ctx context.Context, tx *gorm.DB, id int64) (*domain.HistoryRecord, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var rec *domain.HistoryRecord
	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var inst domain.JobInstance
		if err := txx.First(&inst, "id = ?", id).Error; err != nil {
			return err
		}
		if !inst.State.Terminal() {
			return fmt.Errorf("instance %d is %s, not terminal: %w", id, inst.State, ErrStateConflict)
		}
		h, err := buildHistory(txx, &inst)
		if err != nil {
			return err
		}
		if err := txx.Create(h).Error; err != nil {
			return err
		}
		if err := txx.Delete(&domain.JobInstance{}, "id = ?", id).Error; err != nil {
			return err
		}
		rec = h
		return nil
	})
	if err != nil {
		return nil, backendErr("instance archive", err)
	}
	return rec, nil
}

func (r *instanceRepo) RecoverCrashed(ctx context.Context, nodeID int64) (int, error) {
	recovered := 0
	err := r.db.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var stranded []*domain.JobInstance
		if err := txx.
			Where("node_id = ? AND state IN ?", nodeID, []domain.State{domain.StateAttributed, domain.StateRunning}).
			Find(&stranded).Error; err != nil {
			return err
		}
		now := time.Now()
		for _, inst := range stranded {
			res := txx.Model(&domain.JobInstance{}).
				Where("id = ? AND state = ?", inst.ID, inst.State).
				Updates(map[string]interface{}{
					"state":      domain.StateCrashed,
					"end_time":   now,
					"end_reason": "node crash recovery",
					"updated_at": now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			inst.State = domain.StateCrashed
			t := now
			inst.EndTime = &t
			inst.EndReason = "node crash recovery"
			h, err := buildHistory(txx, inst)
			if err != nil {
				return err
			}
			if err := txx.Create(h).Error; err != nil {
				return err
			}
			if err := txx.Delete(&domain.JobInstance{}, "id = ?", inst.ID).Error; err != nil {
				return err
			}
			recovered++
		}
		return nil
	})
	if err != nil {
		return 0, backendErr("instance recover crashed", err)
	}
	return recovered, nil
}

func (r *instanceRepo) CountActiveForDef(ctx context.Context, tx *gorm.DB, defID int64) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var n int64
	err := transaction.WithContext(ctx).
		Model(&domain.JobInstance{}).
		Where("job_def_id = ? AND state IN ?", defID, []domain.State{domain.StateAttributed, domain.StateRunning}).
		Count(&n).Error
	if err != nil {
		return 0, backendErr("instance count active", err)
	}
	return n, nil
}

func buildHistory(txx *gorm.DB, inst *domain.JobInstance) (*domain.HistoryRecord, error) {
	var def domain.JobDefinition
	if err := txx.First(&def, "id = ?", inst.JobDefID).Error; err != nil {
		return nil, err
	}
	var q domain.Queue
	if err := txx.First(&q, "id = ?", inst.QueueID).Error; err != nil {
		return nil, err
	}
	nodeName := ""
	if inst.NodeID != nil {
		var n domain.Node
		if err := txx.First(&n, "id = ?", *inst.NodeID).Error; err == nil {
			nodeName = n.Name
		}
	}
	return &domain.HistoryRecord{
		ID:              inst.ID,
		JobDefID:        inst.JobDefID,
		ApplicationName: def.ApplicationName,
		QueueID:         inst.QueueID,
		QueueName:       q.Name,
		State:           inst.State,
		Priority:        inst.Priority,
		EnqueueTime:     inst.EnqueueTime,
		AttributionTime: inst.AttributionTime,
		StartTime:       inst.StartTime,
		EndTime:         inst.EndTime,
		NodeID:          inst.NodeID,
		NodeName:        nodeName,
		Progress:        inst.Progress,
		Application:     inst.Application,
		Module:          inst.Module,
		Keyword1:        inst.Keyword1,
		Keyword2:        inst.Keyword2,
		Keyword3:        inst.Keyword3,
		SessionID:       inst.SessionID,
		User:            inst.User,
		Mail:            inst.Mail,
		ParentID:        inst.ParentID,
		RestartCount:    inst.RestartCount,
		EndReason:       inst.EndReason,
		CreatedAt:       time.Now(),
	}, nil
}
