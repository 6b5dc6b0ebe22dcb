package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/batchd/internal/config"
	"github.com/yungbote/batchd/internal/domain"
	"github.com/yungbote/batchd/internal/jobs/artifact"
	"github.com/yungbote/batchd/internal/jobs/delivery"
	"github.com/yungbote/batchd/internal/jobs/runtime"
	"github.com/yungbote/batchd/internal/platform/logger"
	"github.com/yungbote/batchd/internal/repos"
	"github.com/yungbote/batchd/internal/services"
)

// Runner drives one reserved instance end to end: prepare, materialize
// parameters, RUN, invoke the payload, capture output and finalize with a
// terminal CAS. Side effects only happen on the winning side of each CAS.
type Runner struct {
	log       *logger.Logger
	node      *domain.Node
	cfg       config.EngineConfig
	registry  *runtime.Registry
	instances repos.InstanceRepo
	defs      repos.JobDefRepo
	messages  repos.MessageRepo
	store     *delivery.Store
	artifacts *artifact.Cache
	children  runtime.ChildEnqueuer
	notify    services.JobNotifier
}

type RunnerDeps struct {
	Node      *domain.Node
	Engine    config.EngineConfig
	Registry  *runtime.Registry
	Instances repos.InstanceRepo
	Defs      repos.JobDefRepo
	Messages  repos.MessageRepo
	Store     *delivery.Store
	Artifacts *artifact.Cache
	Children  runtime.ChildEnqueuer
	Notify    services.JobNotifier
}

func NewRunner(deps RunnerDeps, baseLog *logger.Logger) *Runner {
	return &Runner{
		log:       baseLog.With("component", "Runner"),
		node:      deps.Node,
		cfg:       deps.Engine,
		registry:  deps.Registry,
		instances: deps.Instances,
		defs:      deps.Defs,
		messages:  deps.Messages,
		store:     deps.Store,
		artifacts: deps.Artifacts,
		children:  deps.Children,
		notify:    deps.Notify,
	}
}

func (r *Runner) Run(ctx context.Context, inst *domain.JobInstance) {
	log := r.log.With("instance_id", inst.ID)

	def, err := r.defs.GetByID(ctx, nil, inst.JobDefID)
	if err != nil {
		r.failBeforeStart(ctx, inst, fmt.Sprintf("job definition %d unavailable: %v", inst.JobDefID, err))
		return
	}
	log = log.With("application", def.ApplicationName)

	payload, ok := r.registry.Get(def.EntryPoint)
	if !ok {
		r.failBeforeStart(ctx, inst, fmt.Sprintf("no payload registered for entry point %q", def.EntryPoint))
		return
	}

	artifactLocal := ""
	if def.ArtifactPath != "" {
		artifactLocal, err = r.artifacts.Ensure(ctx, def.ArtifactPath)
		if err != nil {
			// Configuration error, never restarted.
			r.failBeforeStart(ctx, inst, fmt.Sprintf("artifact unavailable: %v", err))
			return
		}
	}

	params := def.DefaultParams()
	rtParams, err := r.instances.Parameters(ctx, nil, inst.ID)
	if err != nil {
		r.failBeforeStart(ctx, inst, fmt.Sprintf("parameters unavailable: %v", err))
		return
	}
	for k, v := range rtParams {
		params[k] = v
	}

	workDir := filepath.Join(r.node.TmpPath, fmt.Sprintf("instance-%d-%s", inst.ID, uuid.NewString()[:8]))
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		r.failBeforeStart(ctx, inst, fmt.Sprintf("work dir: %v", err))
		return
	}
	defer os.RemoveAll(workDir)

	now := time.Now()
	err = r.instances.Transition(ctx, nil, inst.ID, domain.StateAttributed, domain.StateRunning, map[string]interface{}{
		"start_time": now,
	})
	if err != nil {
		// Lost the CAS: the instance was re-queued or recovered in between.
		// No side effects on the losing side.
		log.Warn("Start CAS lost, abandoning run", "error", err)
		return
	}
	r.notify.InstanceState(inst.ID, domain.StateRunning, "")
	inst.State = domain.StateRunning
	inst.StartTime = &now

	stdoutPath := filepath.Join(workDir, "stdout.log")
	stdoutFile, err := os.OpenFile(stdoutPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		log.Warn("Stdout capture unavailable", "error", err)
	}

	jc := runtime.NewContext(ctx, inst, def, params, workDir, r.cfg.MaxMessageChars, runtime.ContextDeps{
		Instances:    r.instances,
		Messages:     r.messages,
		Store:        r.store,
		Children:     r.children,
		Notify:       r.notify,
		ArtifactPath: artifactLocal,
		Stdout:       stdoutFile,
	})

	stopWatchdog := r.startWatchdog(ctx, inst.ID, def.MaxRuntime())

	runErr := invoke(payload, jc)

	stopWatchdog()
	if stdoutFile != nil {
		_ = stdoutFile.Close()
	}

	r.finalize(ctx, inst, def, rtParams, jc, runErr, stdoutPath, log)
}

// invoke isolates the payload call so a panic becomes a regular error.
func invoke(p runtime.Payload, jc *runtime.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("payload panic: %v", rec)
		}
	}()
	return p.Run(jc)
}

// startWatchdog arms the per-instance timeout. It never pre-empts: the
// deadline just sets the pending-kill marker, observed at the next yield.
func (r *Runner) startWatchdog(ctx context.Context, instanceID int64, maxRuntime time.Duration) func() {
	if maxRuntime <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		timer := time.NewTimer(maxRuntime)
		defer timer.Stop()
		select {
		case <-done:
		case <-ctx.Done():
		case <-timer.C:
			if err := r.instances.RequestKill(context.Background(), nil, instanceID, "timeout"); err != nil {
				r.log.Warn("Timeout kill request failed", "instance_id", instanceID, "error", err)
			}
		}
	}()
	var stopOnce sync.Once
	return func() {
		stopOnce.Do(func() { close(done) })
	}
}

func (r *Runner) finalize(ctx context.Context, inst *domain.JobInstance, def *domain.JobDefinition, rtParams map[string]string, jc *runtime.Context, runErr error, stdoutPath string, log *logger.Logger) {
	var terminal domain.State
	var reason string
	switch {
	case runErr == nil:
		terminal = domain.StateEnded
		reason = "completed"
	case errors.Is(runErr, runtime.ErrCancelled):
		terminal = domain.StateKilled
		reason = jc.KillReason()
		if reason == "" {
			reason = "killed"
		}
	default:
		terminal = domain.StateCrashed
		reason = runErr.Error()
	}

	now := time.Now()
	err := r.instances.Transition(ctx, nil, inst.ID, domain.StateRunning, terminal, map[string]interface{}{
		"end_time":   now,
		"end_reason": reason,
	})
	if err != nil {
		log.Error("Terminal CAS failed", "terminal", terminal, "error", err)
		return
	}

	if info, statErr := os.Stat(stdoutPath); statErr == nil && info.Size() > 0 {
		if _, capErr := r.store.Capture(context.Background(), inst.ID, stdoutPath, "stdout.log"); capErr != nil {
			log.Warn("Stdout deliverable capture failed", "error", capErr)
		}
	}

	if terminal == domain.StateCrashed {
		r.maybeRestart(ctx, inst, def, rtParams, log)
	}

	if _, archErr := r.instances.ArchiveTerminal(context.Background(), nil, inst.ID); archErr != nil {
		log.Error("Archive failed", "error", archErr)
	}
	r.notify.InstanceState(inst.ID, terminal, reason)
	log.Info("Instance finished", "state", terminal, "reason", reason)
}

// failBeforeStart handles errors between reservation and the RUNNING CAS:
// the instance goes straight to CRASHED without restart.
func (r *Runner) failBeforeStart(ctx context.Context, inst *domain.JobInstance, reason string) {
	now := time.Now()
	err := r.instances.Transition(ctx, nil, inst.ID, domain.StateAttributed, domain.StateCrashed, map[string]interface{}{
		"end_time":   now,
		"end_reason": reason,
	})
	if err != nil {
		r.log.Warn("Pre-start failure CAS lost", "instance_id", inst.ID, "error", err)
		return
	}
	if _, archErr := r.instances.ArchiveTerminal(context.Background(), nil, inst.ID); archErr != nil {
		r.log.Error("Archive failed", "instance_id", inst.ID, "error", archErr)
	}
	r.notify.InstanceState(inst.ID, domain.StateCrashed, reason)
	r.log.Error("Instance crashed before start", "instance_id", inst.ID, "reason", reason)
}

// maybeRestart re-enqueues a crashed instance as a NEW instance with this
// one as parent, bounded by the configured restart chain length.
func (r *Runner) maybeRestart(ctx context.Context, inst *domain.JobInstance, def *domain.JobDefinition, rtParams map[string]string, log *logger.Logger) {
	canRestart := def.CanRestart || r.cfg.RestartOnCrash
	if !canRestart {
		return
	}
	maxRestarts := r.cfg.MaxRestarts
	if maxRestarts <= 0 {
		maxRestarts = 1
	}
	if inst.RestartCount >= maxRestarts {
		log.Info("Restart chain exhausted", "restart_count", inst.RestartCount)
		return
	}
	parentID := inst.ID
	child, err := r.instances.Enqueue(ctx, nil, repos.EnqueueRequest{
		DefID:        inst.JobDefID,
		QueueID:      inst.QueueID,
		Priority:     inst.Priority,
		Application:  inst.Application,
		Module:       inst.Module,
		Keyword1:     inst.Keyword1,
		Keyword2:     inst.Keyword2,
		Keyword3:     inst.Keyword3,
		SessionID:    inst.SessionID,
		User:         inst.User,
		Mail:         inst.Mail,
		Parameters:   rtParams,
		ParentID:     &parentID,
		RestartCount: inst.RestartCount + 1,
	})
	if err != nil {
		log.Error("Restart enqueue failed", "error", err)
		return
	}
	r.notify.InstanceQueued(child)
	log.Info("Crashed instance re-enqueued", "child_id", child.ID, "restart_count", child.RestartCount)
}
