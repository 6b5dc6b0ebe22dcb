package runtime

import (
	"context"
	"fmt"
	"io"

	"github.com/yungbote/batchd/internal/domain"
	"github.com/yungbote/batchd/internal/jobs/delivery"
	"github.com/yungbote/batchd/internal/repos"
	"github.com/yungbote/batchd/internal/services"
)

/*
Context is the execution contract between the engine and payload code: a
capability-scoped handle for a single job instance.
It wraps:
	- The mutable job_instance row (read-only snapshot for the payload),
	- The merged parameter map (definition defaults overridden by runtime
	  parameters),
	- The per-instance work directory,
	- And the only sanctioned ways to report progress, emit messages,
	  register deliverables, spawn children or observe cancellation.
*Payloads never touch the repositories or the database directly. They must go
through this object.*

Every engine API call yields first: a pending kill is observed before the
call does any work, and surfaces as ErrCancelled.
*/
type Context struct {
	ctx       context.Context
	inst      *domain.JobInstance
	def       *domain.JobDefinition
	params    map[string]string
	workDir   string
	maxMsg    int
	instances repos.InstanceRepo
	messages  repos.MessageRepo
	store     *delivery.Store
	children  ChildEnqueuer
	notify    services.JobNotifier
	artifact  string
	stdout    io.Writer

	killReason string
}

// ChildEnqueuer posts a new execution request on behalf of a running
// instance. The child inherits the parent's id and user tags.
type ChildEnqueuer interface {
	EnqueueChild(ctx context.Context, parent *domain.JobInstance, applicationName string, parameters map[string]string) (int64, error)
}

type ContextDeps struct {
	Instances repos.InstanceRepo
	Messages  repos.MessageRepo
	Store     *delivery.Store
	Children  ChildEnqueuer
	Notify    services.JobNotifier

	// ArtifactPath is the cached local path of the definition's deployable,
	// empty when the definition declares none.
	ArtifactPath string
	// Stdout receives whatever the payload prints; the runner backs it with
	// a work-dir file that becomes an implicit deliverable.
	Stdout io.Writer
}

func NewContext(ctx context.Context, inst *domain.JobInstance, def *domain.JobDefinition, params map[string]string, workDir string, maxMessageChars int, deps ContextDeps) *Context {
	if params == nil {
		params = map[string]string{}
	}
	if maxMessageChars <= 0 {
		maxMessageChars = 1000
	}
	return &Context{
		ctx:       ctx,
		inst:      inst,
		def:       def,
		params:    params,
		workDir:   workDir,
		maxMsg:    maxMessageChars,
		instances: deps.Instances,
		messages:  deps.Messages,
		store:     deps.Store,
		children:  deps.Children,
		notify:    deps.Notify,
		artifact:  deps.ArtifactPath,
		stdout:    deps.Stdout,
	}
}

// Ctx exposes the instance-scoped context.Context for payload use
// (deadlines on outbound calls and engine-driven force-cancel).
func (c *Context) Ctx() context.Context { return c.ctx }

func (c *Context) InstanceID() int64        { return c.inst.ID }
func (c *Context) JobDefinitionID() int64   { return c.def.ID }
func (c *Context) ApplicationName() string  { return c.def.ApplicationName }
func (c *Context) CanBeRestarted() bool     { return c.def.CanRestart }
func (c *Context) SessionID() string        { return c.inst.SessionID }
func (c *Context) Application() string      { return c.inst.Application }
func (c *Context) Module() string           { return c.inst.Module }
func (c *Context) Keyword1() string         { return c.inst.Keyword1 }
func (c *Context) Keyword2() string         { return c.inst.Keyword2 }
func (c *Context) Keyword3() string         { return c.inst.Keyword3 }
func (c *Context) User() string             { return c.inst.User }
func (c *Context) ParentID() (int64, bool) {
	if c.inst.ParentID == nil {
		return 0, false
	}
	return *c.inst.ParentID, true
}

/*
Parameters returns the merged parameter map: definition defaults overlaid
with enqueue-time runtime parameters (runtime wins on key collision). The
returned map is a copy; payload mutations do not leak back into the engine.
*/
func (c *Context) Parameters() map[string]string {
	out := make(map[string]string, len(c.params))
	for k, v := range c.params {
		out[k] = v
	}
	return out
}

// WorkDir is the instance-private scratch directory. It already exists and
// is purged when the instance reaches a terminal state.
func (c *Context) WorkDir() string { return c.workDir }

// ArtifactPath is the local path of the definition's deployable in the node
// cache, empty when the definition declares none.
func (c *Context) ArtifactPath() string { return c.artifact }

// Stdout is where payload output goes; it is captured as an implicit
// deliverable at the end of the run.
func (c *Context) Stdout() io.Writer {
	if c.stdout == nil {
		return io.Discard
	}
	return c.stdout
}

// KillReason reports why a kill was requested, once Yield has observed it.
func (c *Context) KillReason() string { return c.killReason }

/*
Yield is the cooperative cancellation point. Payloads call it regularly;
every other engine API call also yields internally. When a kill has been
requested (client kill or watchdog timeout), Yield returns ErrCancelled and
the payload is expected to return it from Run, which finalizes the instance
as KILLED. A payload that never yields cannot be interrupted.
*/
func (c *Context) Yield() error {
	select {
	case <-c.ctx.Done():
		if c.killReason == "" {
			c.killReason = "engine shutdown"
		}
		return fmt.Errorf("%s: %w", c.killReason, ErrCancelled)
	default:
	}
	pending, reason, err := c.instances.KillPending(c.ctx, nil, c.inst.ID)
	if err != nil {
		// Storage hiccups do not cancel the payload; the next yield retries.
		return nil
	}
	if pending {
		if reason == "" {
			reason = "killed"
		}
		c.killReason = reason
		return fmt.Errorf("%s: %w", reason, ErrCancelled)
	}
	return nil
}

// SendMessage persists a short progress note, truncated to the configured
// maximum, observable by monitors in submission order.
func (c *Context) SendMessage(text string) error {
	if err := c.Yield(); err != nil {
		return err
	}
	runes := []rune(text)
	if len(runes) > c.maxMsg {
		text = string(runes[:c.maxMsg])
	}
	if _, err := c.messages.Record(c.ctx, nil, c.inst.ID, text); err != nil {
		return err
	}
	if c.notify != nil {
		c.notify.InstanceMessage(c.inst.ID, text)
	}
	return nil
}

// SendProgress records an advancement value, clamped to [0,100]. Later
// values overwrite earlier ones.
func (c *Context) SendProgress(progress int) error {
	if err := c.Yield(); err != nil {
		return err
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	if err := c.instances.UpdateProgress(c.ctx, nil, c.inst.ID, progress); err != nil {
		return err
	}
	if c.notify != nil {
		c.notify.InstanceProgress(c.inst.ID, progress)
	}
	return nil
}

/*
AddDeliverable moves the file at path into the node's deliverable store and
returns the new deliverable id. The file is moved, not copied: only call it
when the payload no longer needs the file. Create deliverables inside
WorkDir() so the move stays on one filesystem.
*/
func (c *Context) AddDeliverable(path, label string) (int64, error) {
	if err := c.Yield(); err != nil {
		return 0, err
	}
	d, err := c.store.Capture(c.ctx, c.inst.ID, path, label)
	if err != nil {
		return 0, err
	}
	return d.ID, nil
}

// EnqueueChild posts a new execution request whose parent is this instance.
func (c *Context) EnqueueChild(applicationName string, parameters map[string]string) (int64, error) {
	if err := c.Yield(); err != nil {
		return 0, err
	}
	if c.children == nil {
		return 0, fmt.Errorf("child enqueue not available")
	}
	return c.children.EnqueueChild(c.ctx, c.inst, applicationName, parameters)
}
