package engine

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yungbote/batchd/internal/config"
	"github.com/yungbote/batchd/internal/domain"
	"github.com/yungbote/batchd/internal/jobs/artifact"
	"github.com/yungbote/batchd/internal/jobs/delivery"
	"github.com/yungbote/batchd/internal/jobs/runtime"
	"github.com/yungbote/batchd/internal/platform/logger"
	"github.com/yungbote/batchd/internal/repos"
	"github.com/yungbote/batchd/internal/services"
)

// Engine is the node supervisor. On boot it registers the node row, recovers
// instances stranded by a previous crash, then keeps one poller/dispatcher
// pair alive per deployment binding, reconciling against the registry so
// admin changes propagate without a restart.
type Engine struct {
	cfg  config.Config
	log  *logger.Logger
	deps Deps

	node      *domain.Node
	artifacts *artifact.Cache
	store     *delivery.Store
	runner    *Runner

	mu    sync.Mutex
	pairs map[int64]*deploymentPair

	pollCtx    context.Context
	cancelPoll context.CancelFunc
	reloadDone chan struct{}
}

type Deps struct {
	Instances    repos.InstanceRepo
	Defs         repos.JobDefRepo
	Queues       repos.QueueRepo
	Nodes        repos.NodeRepo
	Deployments  repos.DeploymentRepo
	Messages     repos.MessageRepo
	Deliverables repos.DeliverableRepo
	Registry     *runtime.Registry
	Children     runtime.ChildEnqueuer
	Notify       services.JobNotifier
}

type deploymentPair struct {
	binding    domain.DeploymentBinding
	dispatcher *Dispatcher
	cancel     context.CancelFunc
	done       chan struct{}
}

func New(cfg config.Config, deps Deps, baseLog *logger.Logger) *Engine {
	return &Engine{
		cfg:   cfg,
		log:   baseLog.With("component", "Engine"),
		deps:  deps,
		pairs: make(map[int64]*deploymentPair),
	}
}

// Node returns the registered node row; valid after Start.
func (e *Engine) Node() *domain.Node { return e.node }

func (e *Engine) Start(ctx context.Context) error {
	for _, dir := range []string{e.cfg.Node.RepoPath, e.cfg.Node.TmpPath, e.cfg.Node.DlRepoPath} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("node dir %s: %w", dir, err)
		}
	}

	node, err := e.deps.Nodes.Ensure(ctx, nil, &domain.Node{
		Name:       e.cfg.Node.Name,
		Host:       e.cfg.Node.Host,
		Port:       e.cfg.Node.Port,
		RepoPath:   e.cfg.Node.RepoPath,
		TmpPath:    e.cfg.Node.TmpPath,
		DlRepoPath: e.cfg.Node.DlRepoPath,
		Enabled:    true,
	})
	if err != nil {
		return fmt.Errorf("register node: %w", err)
	}
	e.node = node
	e.log = e.log.With("node", node.Name)

	// Recovery must complete before any new reservation happens on this
	// node: instances left ATTRIBUTED or RUNNING by a crash go to CRASHED.
	recovered, err := e.deps.Instances.RecoverCrashed(ctx, node.ID)
	if err != nil {
		return fmt.Errorf("crash recovery: %w", err)
	}
	if recovered > 0 {
		e.log.Warn("Recovered stranded instances from previous run", "count", recovered)
	}

	e.artifacts = artifact.NewCache(node.RepoPath, e.log)
	e.store = delivery.NewStore(node.DlRepoPath, e.deps.Deliverables, e.log)
	e.runner = NewRunner(RunnerDeps{
		Node:      node,
		Engine:    e.cfg.Engine,
		Registry:  e.deps.Registry,
		Instances: e.deps.Instances,
		Defs:      e.deps.Defs,
		Messages:  e.deps.Messages,
		Store:     e.store,
		Artifacts: e.artifacts,
		Children:  e.deps.Children,
		Notify:    e.deps.Notify,
	}, e.log)

	e.pollCtx, e.cancelPoll = context.WithCancel(context.Background())
	e.reloadDone = make(chan struct{})

	if err := e.reconcile(ctx); err != nil {
		return err
	}
	go e.reloadLoop()

	e.log.Info("Engine started", "deployments", len(e.pairs))
	return nil
}

func (e *Engine) reloadLoop() {
	defer close(e.reloadDone)
	ticker := time.NewTicker(e.cfg.ReloadInterval())
	defer ticker.Stop()
	for {
		select {
		case <-e.pollCtx.Done():
			return
		case <-ticker.C:
		}
		if err := e.reconcile(e.pollCtx); err != nil {
			e.log.Warn("Deployment reconcile failed", "error", err)
		}
	}
}

// reconcile diffs the deployment registry against the running pairs:
// new bindings get a poller/dispatcher pair, deleted bindings are reaped,
// and a concurrency change restarts the pair so the pool is resized.
func (e *Engine) reconcile(ctx context.Context) error {
	node, err := e.deps.Nodes.GetByID(ctx, nil, e.node.ID)
	if err != nil {
		return err
	}
	var bindings []*domain.DeploymentBinding
	if node.Enabled {
		bindings, err = e.deps.Deployments.ListForNode(ctx, nil, e.node.ID)
		if err != nil {
			return err
		}
	}

	desired := make(map[int64]*domain.DeploymentBinding, len(bindings))
	for _, b := range bindings {
		desired[b.ID] = b
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for id, pair := range e.pairs {
		b, keep := desired[id]
		if keep && b.MaxConcurrent == pair.binding.MaxConcurrent {
			continue
		}
		e.stopPairLocked(id, pair)
	}
	for id, b := range desired {
		if _, exists := e.pairs[id]; exists {
			continue
		}
		e.startPairLocked(b)
	}
	return nil
}

func (e *Engine) startPairLocked(b *domain.DeploymentBinding) {
	maxConcurrent := b.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = e.cfg.Node.MaxConcurrentDefault
	}
	dispatcher := NewDispatcher(context.Background(), maxConcurrent, e.log)
	spawn := func(inst *domain.JobInstance) func(ctx context.Context) {
		return func(runCtx context.Context) {
			e.runner.Run(runCtx, inst)
		}
	}
	defaults := PollerDefaults{
		PollInterval:  time.Duration(e.cfg.Node.PollIntervalMsDefault) * time.Millisecond,
		MaxConcurrent: e.cfg.Node.MaxConcurrentDefault,
	}
	poller := NewPoller(b.ID, e.node.ID, b.QueueID, defaults, e.deps.Instances, e.deps.Deployments, dispatcher, spawn, e.log)

	pairCtx, cancel := context.WithCancel(e.pollCtx)
	pair := &deploymentPair{
		binding:    *b,
		dispatcher: dispatcher,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go func() {
		defer close(pair.done)
		poller.Run(pairCtx)
	}()
	e.pairs[b.ID] = pair
	e.log.Info("Deployment started", "binding_id", b.ID, "queue_id", b.QueueID, "max_concurrent", b.MaxConcurrent)
}

func (e *Engine) stopPairLocked(id int64, pair *deploymentPair) {
	pair.cancel()
	<-pair.done
	drainCtx, cancel := context.WithTimeout(context.Background(), e.cfg.DrainTimeout())
	defer cancel()
	if err := pair.dispatcher.Drain(drainCtx); err != nil {
		e.log.Warn("Deployment drain incomplete", "binding_id", id, "error", err)
	}
	delete(e.pairs, id)
	e.log.Info("Deployment stopped", "binding_id", id)
}

// Stop performs the graceful shutdown sequence: stop pollers first so
// nothing new is reserved, then drain every dispatcher up to the configured
// deadline.
func (e *Engine) Stop(ctx context.Context) error {
	e.cancelPoll()
	<-e.reloadDone

	e.mu.Lock()
	pairs := make([]*deploymentPair, 0, len(e.pairs))
	for _, p := range e.pairs {
		pairs = append(pairs, p)
	}
	e.pairs = make(map[int64]*deploymentPair)
	e.mu.Unlock()

	for _, p := range pairs {
		<-p.done
	}

	drainCtx, cancel := context.WithTimeout(ctx, e.cfg.DrainTimeout())
	defer cancel()
	g, gctx := errgroup.WithContext(drainCtx)
	for _, p := range pairs {
		pair := p
		g.Go(func() error {
			return pair.dispatcher.Drain(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		e.log.Warn("Engine drain incomplete", "error", err)
		return err
	}
	e.log.Info("Engine stopped")
	return nil
}
