package engine

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/yungbote/batchd/internal/domain"
	"github.com/yungbote/batchd/internal/platform/logger"
	"github.com/yungbote/batchd/internal/repos"
)

const backoffCap = 60 * time.Second

// Poller is the per-deployment reservation loop: every tick it reloads its
// binding, probes the dispatcher for free capacity, atomically reserves that
// many runnable instances for this node and offers them to the dispatcher.
// Pollers share nothing with each other beyond the database.
type Poller struct {
	log         *logger.Logger
	bindingID   int64
	nodeID      int64
	queueID     int64
	defaults    PollerDefaults
	instances   repos.InstanceRepo
	deployments repos.DeploymentRepo
	dispatcher  *Dispatcher
	spawn       func(inst *domain.JobInstance) func(ctx context.Context)
}

// PollerDefaults fills in binding fields left at zero: a binding that does
// not set its own cadence or concurrency inherits the node-wide values.
type PollerDefaults struct {
	PollInterval  time.Duration
	MaxConcurrent int
}

func NewPoller(bindingID, nodeID, queueID int64, defaults PollerDefaults, instances repos.InstanceRepo, deployments repos.DeploymentRepo, dispatcher *Dispatcher, spawn func(inst *domain.JobInstance) func(ctx context.Context), baseLog *logger.Logger) *Poller {
	return &Poller{
		log:         baseLog.With("component", "Poller", "binding_id", bindingID, "queue_id", queueID),
		bindingID:   bindingID,
		nodeID:      nodeID,
		queueID:     queueID,
		defaults:    defaults,
		instances:   instances,
		deployments: deployments,
		dispatcher:  dispatcher,
		spawn:       spawn,
	}
}

func (p *Poller) Run(ctx context.Context) {
	p.log.Info("Poller started")
	attempt := 0
	for {
		interval, backendDown := p.tick(ctx)
		if backendDown {
			attempt++
			interval = backoffDelay(interval, attempt)
		} else {
			attempt = 0
		}
		select {
		case <-ctx.Done():
			p.log.Info("Poller stopped")
			return
		case <-time.After(interval):
		}
	}
}

// tick runs one poll cycle and returns the sleep interval plus whether the
// backend was unavailable (which switches the caller to backoff).
func (p *Poller) tick(ctx context.Context) (time.Duration, bool) {
	binding, err := p.deployments.GetByID(ctx, nil, p.bindingID)
	if err != nil {
		if errors.Is(err, repos.ErrNotFound) {
			// Binding deleted; the supervisor reaps this poller on its next
			// reconcile. Idle until then.
			return time.Second, false
		}
		p.log.Warn("Binding reload failed", "error", err)
		return time.Second, true
	}
	interval := binding.PollInterval()
	if binding.PollIntervalMs <= 0 && p.defaults.PollInterval > 0 {
		interval = p.defaults.PollInterval
	}
	maxConcurrent := binding.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = p.defaults.MaxConcurrent
	}

	if !binding.Enabled || maxConcurrent <= 0 {
		return interval, false
	}

	free := maxConcurrent - p.dispatcher.InFlight()
	if free <= 0 {
		return interval, false
	}

	reserved, err := p.instances.ReserveNext(ctx, p.nodeID, p.queueID, free)
	if err != nil {
		p.log.Warn("Reservation failed", "error", err)
		return interval, errors.Is(err, repos.ErrBackendUnavailable)
	}

	for _, inst := range reserved {
		if p.dispatcher.TryAdmit(p.spawn(inst)) {
			continue
		}
		// Lost the capacity race (or drain started): hand the instance back
		// by CASing it to SUBMITTED so another tick or node can take it.
		requeueErr := p.instances.Transition(ctx, nil, inst.ID, domain.StateAttributed, domain.StateSubmitted, map[string]interface{}{
			"node_id":          nil,
			"attribution_time": nil,
		})
		if requeueErr != nil {
			p.log.Error("Re-queue after dispatcher refusal failed", "instance_id", inst.ID, "error", requeueErr)
		}
	}
	return interval, false
}

// backoffDelay is exponential with full jitter: base*2^attempt capped at
// 60s, then a uniform draw from (0, delay].
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	delay := base
	for i := 0; i < attempt && delay < backoffCap; i++ {
		delay *= 2
	}
	if delay > backoffCap {
		delay = backoffCap
	}
	return time.Duration(rand.Int63n(int64(delay))) + 1
}
