package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/yungbote/batchd/internal/domain"
	"github.com/yungbote/batchd/internal/platform/logger"
	"github.com/yungbote/batchd/internal/repos"
	"github.com/yungbote/batchd/internal/services"
)

// ErrInstanceFailed wraps the terminal state of a synchronous run that did
// not end with ENDED. ErrInstanceCancelled narrows it for the KILLED and
// CANCELLED terminals, so callers can tell an operator kill from a crash;
// it matches ErrInstanceFailed under errors.Is as well.
var (
	ErrInstanceFailed    = errors.New("instance did not complete")
	ErrInstanceCancelled = fmt.Errorf("instance cancelled: %w", ErrInstanceFailed)
)

// EnqueueOptions is a new execution request as seen from the outside:
// the application name is resolved to a definition, everything else is
// optional and defaulted from the definition and its queue.
type EnqueueOptions struct {
	ApplicationName string
	// QueueName overrides the definition's default queue.
	QueueName string
	// Priority overrides the queue's default priority.
	Priority   *int
	Parameters map[string]string

	Application string
	Module      string
	Keyword1    string
	Keyword2    string
	Keyword3    string
	SessionID   string
	User        string
	Mail        string
}

// Status is the caller-facing view of one instance, live or archived.
type Status struct {
	ID           int64         `json:"id"`
	State        domain.State  `json:"state"`
	QueueID      int64         `json:"queue_id"`
	Priority     int           `json:"priority"`
	Progress     int           `json:"progress"`
	EnqueueTime  time.Time     `json:"enqueue_time"`
	StartTime    *time.Time    `json:"start_time,omitempty"`
	EndTime      *time.Time    `json:"end_time,omitempty"`
	EndReason    string        `json:"end_reason,omitempty"`
	ParentID     *int64        `json:"parent_id,omitempty"`
	RestartCount int           `json:"restart_count"`
	Historical   bool          `json:"historical"`
}

/*
Client is the submission and monitoring API. It shares the database with the
engine but never runs anything itself: an enqueue is one row insert, and the
node pollers pick it up from there. Safe for concurrent use.
*/
type Client struct {
	log          *logger.Logger
	instances    repos.InstanceRepo
	defs         repos.JobDefRepo
	queues       repos.QueueRepo
	history      repos.HistoryRepo
	messages     repos.MessageRepo
	deliverables repos.DeliverableRepo
	notify       services.JobNotifier
}

type Deps struct {
	Instances    repos.InstanceRepo
	Defs         repos.JobDefRepo
	Queues       repos.QueueRepo
	History      repos.HistoryRepo
	Messages     repos.MessageRepo
	Deliverables repos.DeliverableRepo
	Notify       services.JobNotifier
}

func New(deps Deps, baseLog *logger.Logger) *Client {
	notify := deps.Notify
	if notify == nil {
		notify = services.NewNoopNotifier()
	}
	return &Client{
		log:          baseLog.With("component", "Client"),
		instances:    deps.Instances,
		defs:         deps.Defs,
		queues:       deps.Queues,
		history:      deps.History,
		messages:     deps.Messages,
		deliverables: deps.Deliverables,
		notify:       notify,
	}
}

// Enqueue validates the request, resolves definition and queue, and creates
// the instance in SUBMITTED. Returns ErrQueueFull when the target queue is
// at its configured maximum.
func (c *Client) Enqueue(ctx context.Context, opts EnqueueOptions) (*domain.JobInstance, error) {
	if opts.ApplicationName == "" {
		return nil, fmt.Errorf("application name is required")
	}
	def, err := c.defs.GetByApplicationName(ctx, nil, opts.ApplicationName)
	if err != nil {
		return nil, fmt.Errorf("application %q: %w", opts.ApplicationName, err)
	}

	queueID := def.DefaultQueueID
	var queue *domain.Queue
	if opts.QueueName != "" {
		queue, err = c.queues.GetByName(ctx, nil, opts.QueueName)
		if err != nil {
			return nil, fmt.Errorf("queue %q: %w", opts.QueueName, err)
		}
		queueID = queue.ID
	} else {
		queue, err = c.queues.GetByID(ctx, nil, queueID)
		if err != nil {
			return nil, fmt.Errorf("default queue %d: %w", queueID, err)
		}
	}

	priority := queue.DefaultPriority
	if opts.Priority != nil {
		priority = *opts.Priority
	}

	inst, err := c.instances.Enqueue(ctx, nil, repos.EnqueueRequest{
		DefID:       def.ID,
		QueueID:     queueID,
		Priority:    priority,
		Application: opts.Application,
		Module:      opts.Module,
		Keyword1:    opts.Keyword1,
		Keyword2:    opts.Keyword2,
		Keyword3:    opts.Keyword3,
		SessionID:   opts.SessionID,
		User:        opts.User,
		Mail:        opts.Mail,
		Parameters:  opts.Parameters,
	})
	if err != nil {
		return nil, err
	}
	c.notify.InstanceQueued(inst)
	c.log.Info("Instance enqueued", "instance_id", inst.ID, "application", def.ApplicationName, "queue_id", queueID)
	return inst, nil
}

// EnqueueSync enqueues and blocks until the instance reaches a terminal
// state, polling at the given interval. A terminal state other than ENDED
// surfaces as ErrInstanceFailed, narrowed to ErrInstanceCancelled for
// KILLED and CANCELLED; the status is returned either way.
func (c *Client) EnqueueSync(ctx context.Context, opts EnqueueOptions, pollEvery time.Duration) (*Status, error) {
	if pollEvery <= 0 {
		pollEvery = 200 * time.Millisecond
	}
	inst, err := c.Enqueue(ctx, opts)
	if err != nil {
		return nil, err
	}
	for {
		st, err := c.GetStatus(ctx, inst.ID)
		if err != nil {
			return nil, err
		}
		if st.State.Terminal() {
			if st.State != domain.StateEnded {
				sentinel := ErrInstanceFailed
				if st.State == domain.StateKilled || st.State == domain.StateCancelled {
					sentinel = ErrInstanceCancelled
				}
				return st, fmt.Errorf("instance %d finished %s (%s): %w", st.ID, st.State, st.EndReason, sentinel)
			}
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-time.After(pollEvery):
		}
	}
}

// GetState resolves the current state, consulting history when the live row
// is gone. The answer can be stale the moment it is returned.
func (c *Client) GetState(ctx context.Context, id int64) (domain.State, error) {
	st, err := c.GetStatus(ctx, id)
	if err != nil {
		return "", err
	}
	return st.State, nil
}

// GetStatus returns the caller-facing view of an instance, falling back to
// the archive when the instance has been finalized.
func (c *Client) GetStatus(ctx context.Context, id int64) (*Status, error) {
	inst, err := c.instances.GetByID(ctx, nil, id)
	if err == nil {
		return liveStatus(inst), nil
	}
	if !errors.Is(err, repos.ErrNotFound) {
		return nil, err
	}
	h, herr := c.history.GetByID(ctx, nil, id)
	if herr != nil {
		return nil, herr
	}
	return archivedStatus(h), nil
}

func liveStatus(inst *domain.JobInstance) *Status {
	progress := 0
	if inst.Progress != nil {
		progress = *inst.Progress
	}
	return &Status{
		ID:           inst.ID,
		State:        inst.State,
		QueueID:      inst.QueueID,
		Priority:     inst.Priority,
		Progress:     progress,
		EnqueueTime:  inst.EnqueueTime,
		StartTime:    inst.StartTime,
		EndTime:      inst.EndTime,
		EndReason:    inst.EndReason,
		ParentID:     inst.ParentID,
		RestartCount: inst.RestartCount,
	}
}

func archivedStatus(h *domain.HistoryRecord) *Status {
	progress := 0
	if h.Progress != nil {
		progress = *h.Progress
	}
	return &Status{
		ID:           h.ID,
		State:        h.State,
		QueueID:      h.QueueID,
		Priority:     h.Priority,
		Progress:     progress,
		EnqueueTime:  h.EnqueueTime,
		StartTime:    h.StartTime,
		EndTime:      h.EndTime,
		EndReason:    h.EndReason,
		ParentID:     h.ParentID,
		RestartCount: h.RestartCount,
		Historical:   true,
	}
}

func (c *Client) List(ctx context.Context, f repos.ListFilter) ([]*domain.JobInstance, error) {
	return c.instances.List(ctx, nil, f)
}

func (c *Client) ListHistory(ctx context.Context, f repos.ListFilter) ([]*domain.HistoryRecord, error) {
	return c.history.List(ctx, nil, f)
}

func (c *Client) Messages(ctx context.Context, id int64) ([]*domain.Message, error) {
	return c.messages.ListByInstance(ctx, nil, id)
}

// Progress reports the latest advancement value, 0 when never reported.
func (c *Client) Progress(ctx context.Context, id int64) (int, error) {
	st, err := c.GetStatus(ctx, id)
	if err != nil {
		return 0, err
	}
	return st.Progress, nil
}

func (c *Client) Deliverables(ctx context.Context, id int64) ([]*domain.Deliverable, error) {
	return c.deliverables.ListByInstance(ctx, nil, id)
}

// OpenDeliverable opens a deliverable's file for streaming. Callers own the
// returned reader. Only works on the node holding the deliverable store.
func (c *Client) OpenDeliverable(ctx context.Context, deliverableID int64) (*domain.Deliverable, io.ReadCloser, error) {
	d, err := c.deliverables.GetByID(ctx, nil, deliverableID)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(d.FilePath)
	if err != nil {
		return nil, nil, fmt.Errorf("deliverable %d content: %w", deliverableID, err)
	}
	return d, f, nil
}

/*
Kill cancels or kills one instance depending on where it is in its
lifecycle:
  - SUBMITTED or HOLD goes straight to CANCELLED and is archived, it never
    ran and never will.
  - ATTRIBUTED or RUNNING gets the pending-kill marker; the runner finalizes
    it as KILLED at the payload's next yield.
  - Terminal or archived instances return ErrStateConflict.
*/
func (c *Client) Kill(ctx context.Context, id int64, reason string) error {
	if reason == "" {
		reason = "killed by user"
	}
	inst, err := c.instances.GetByID(ctx, nil, id)
	if err != nil {
		if errors.Is(err, repos.ErrNotFound) {
			if _, herr := c.history.GetByID(ctx, nil, id); herr == nil {
				return fmt.Errorf("instance %d already finished: %w", id, repos.ErrStateConflict)
			}
		}
		return err
	}

	switch inst.State {
	case domain.StateSubmitted, domain.StateHold:
		now := time.Now()
		err = c.instances.Transition(ctx, nil, id, inst.State, domain.StateCancelled, map[string]interface{}{
			"end_time":   now,
			"end_reason": reason,
		})
		if err != nil {
			return err
		}
		if _, err := c.instances.ArchiveTerminal(ctx, nil, id); err != nil {
			return err
		}
		c.notify.InstanceState(id, domain.StateCancelled, reason)
		return nil
	default:
		if err := c.instances.RequestKill(ctx, nil, id, reason); err != nil {
			return err
		}
		c.log.Info("Kill requested", "instance_id", id, "reason", reason)
		return nil
	}
}

// Pause takes a SUBMITTED instance out of reservation until Resume.
func (c *Client) Pause(ctx context.Context, id int64) error {
	return c.instances.Transition(ctx, nil, id, domain.StateSubmitted, domain.StateHold, nil)
}

// Resume puts a HOLD instance back into the reservation pool.
func (c *Client) Resume(ctx context.Context, id int64) error {
	return c.instances.Transition(ctx, nil, id, domain.StateHold, domain.StateSubmitted, nil)
}

// SetPriority reorders a waiting instance relative to its queue peers.
func (c *Client) SetPriority(ctx context.Context, id int64, priority int) error {
	return c.instances.SetPriority(ctx, nil, id, priority)
}

// EnqueueChild posts a new request on behalf of a running instance. The
// child carries the parent's id and inherits its user tags.
func (c *Client) EnqueueChild(ctx context.Context, parent *domain.JobInstance, applicationName string, parameters map[string]string) (int64, error) {
	def, err := c.defs.GetByApplicationName(ctx, nil, applicationName)
	if err != nil {
		return 0, fmt.Errorf("application %q: %w", applicationName, err)
	}
	queue, err := c.queues.GetByID(ctx, nil, def.DefaultQueueID)
	if err != nil {
		return 0, fmt.Errorf("default queue %d: %w", def.DefaultQueueID, err)
	}
	parentID := parent.ID
	child, err := c.instances.Enqueue(ctx, nil, repos.EnqueueRequest{
		DefID:       def.ID,
		QueueID:     queue.ID,
		Priority:    queue.DefaultPriority,
		Application: parent.Application,
		Module:      parent.Module,
		Keyword1:    parent.Keyword1,
		Keyword2:    parent.Keyword2,
		Keyword3:    parent.Keyword3,
		SessionID:   parent.SessionID,
		User:        parent.User,
		Mail:        parent.Mail,
		Parameters:  parameters,
		ParentID:    &parentID,
	})
	if err != nil {
		return 0, err
	}
	c.notify.InstanceQueued(child)
	return child.ID, nil
}
