package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/yungbote/batchd/internal/client"
	"github.com/yungbote/batchd/internal/config"
	"github.com/yungbote/batchd/internal/domain"
	"github.com/yungbote/batchd/internal/jobs/runtime"
	"github.com/yungbote/batchd/internal/platform/logger"
	"github.com/yungbote/batchd/internal/repos"
	"github.com/yungbote/batchd/internal/services"
)

type harness struct {
	cfg      config.Config
	registry *runtime.Registry
	engine   *Engine
	client   *client.Client

	instances repos.InstanceRepo
	defs      repos.JobDefRepo
	queues    repos.QueueRepo
	nodes     repos.NodeRepo
	bindings  repos.DeploymentRepo
	messages  repos.MessageRepo
	dlv       repos.DeliverableRepo
	history   repos.HistoryRepo

	queue *domain.Queue
	node  *domain.Node
}

func newHarness(t *testing.T, mutate func(cfg *config.Config)) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Node.Name = "engine-test-node"
	cfg.Node.RepoPath = filepath.Join(t.TempDir(), "repo")
	cfg.Node.TmpPath = filepath.Join(t.TempDir(), "tmp")
	cfg.Node.DlRepoPath = filepath.Join(t.TempDir(), "dl")
	cfg.Node.ReloadIntervalMs = 60000
	cfg.Engine.DrainTimeoutMs = 3000
	if mutate != nil {
		mutate(&cfg)
	}

	dsn := "file:" + filepath.Join(t.TempDir(), "test.db") + "?_busy_timeout=5000&_journal_mode=WAL"
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatal(err)
	}
	err = gdb.AutoMigrate(
		&domain.Queue{}, &domain.Node{}, &domain.JobDefinition{}, &domain.DeploymentBinding{},
		&domain.JobInstance{}, &domain.RuntimeParameter{}, &domain.Message{},
		&domain.Deliverable{}, &domain.HistoryRecord{},
	)
	if err != nil {
		t.Fatal(err)
	}

	log := logger.NewNop()
	h := &harness{
		cfg:       cfg,
		registry:  runtime.NewRegistry(),
		instances: repos.NewInstanceRepo(gdb, log),
		defs:      repos.NewJobDefRepo(gdb, log),
		queues:    repos.NewQueueRepo(gdb, log),
		nodes:     repos.NewNodeRepo(gdb, log),
		bindings:  repos.NewDeploymentRepo(gdb, log),
		messages:  repos.NewMessageRepo(gdb, log),
		dlv:       repos.NewDeliverableRepo(gdb, log),
		history:   repos.NewHistoryRepo(gdb, log),
	}
	h.client = client.New(client.Deps{
		Instances:    h.instances,
		Defs:         h.defs,
		Queues:       h.queues,
		History:      h.history,
		Messages:     h.messages,
		Deliverables: h.dlv,
		Notify:       services.NewNoopNotifier(),
	}, log)
	h.engine = New(cfg, Deps{
		Instances:    h.instances,
		Defs:         h.defs,
		Queues:       h.queues,
		Nodes:        h.nodes,
		Deployments:  h.bindings,
		Messages:     h.messages,
		Deliverables: h.dlv,
		Registry:     h.registry,
		Children:     h.client,
		Notify:       services.NewNoopNotifier(),
	}, log)

	ctx := context.Background()
	q, err := h.queues.Create(ctx, nil, &domain.Queue{Name: "default"})
	if err != nil {
		t.Fatal(err)
	}
	h.queue = q
	node, err := h.nodes.Ensure(ctx, nil, &domain.Node{
		Name:       cfg.Node.Name,
		RepoPath:   cfg.Node.RepoPath,
		TmpPath:    cfg.Node.TmpPath,
		DlRepoPath: cfg.Node.DlRepoPath,
		Enabled:    true,
	})
	if err != nil {
		t.Fatal(err)
	}
	h.node = node
	return h
}

func (h *harness) bind(t *testing.T, maxConcurrent int) {
	t.Helper()
	_, err := h.bindings.Create(context.Background(), nil, &domain.DeploymentBinding{
		NodeID:         h.node.ID,
		QueueID:        h.queue.ID,
		MaxConcurrent:  maxConcurrent,
		PollIntervalMs: 20,
		Enabled:        true,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (h *harness) define(t *testing.T, name string, payload runtime.Payload, mutate func(d *domain.JobDefinition)) *domain.JobDefinition {
	t.Helper()
	def := &domain.JobDefinition{
		ApplicationName: name,
		EntryPoint:      name,
		DefaultQueueID:  h.queue.ID,
		Enabled:         true,
	}
	if mutate != nil {
		mutate(def)
	}
	created, err := h.defs.Create(context.Background(), nil, def)
	if err != nil {
		t.Fatal(err)
	}
	if payload != nil {
		if err := h.registry.Register(def.EntryPoint, payload); err != nil {
			t.Fatal(err)
		}
	}
	return created
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("engine start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = h.engine.Stop(ctx)
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func (h *harness) historyFor(t *testing.T, id int64) *domain.HistoryRecord {
	t.Helper()
	rec, err := h.history.GetByID(context.Background(), nil, id)
	if err != nil {
		t.Fatalf("history %d: %v", id, err)
	}
	return rec
}

func TestRunToCompletion(t *testing.T) {
	h := newHarness(t, nil)
	h.bind(t, 2)

	var mu sync.Mutex
	var seen map[string]string
	payload := runtime.PayloadFunc(func(jc *runtime.Context) error {
		mu.Lock()
		seen = jc.Parameters()
		mu.Unlock()
		if err := jc.SendProgress(50); err != nil {
			return err
		}
		if err := jc.SendMessage("halfway"); err != nil {
			return err
		}
		out := filepath.Join(jc.WorkDir(), "result.txt")
		if err := os.WriteFile(out, []byte("payload output"), 0o644); err != nil {
			return err
		}
		if _, err := jc.AddDeliverable(out, "result"); err != nil {
			return err
		}
		return nil
	})
	defaults, _ := json.Marshal(map[string]string{"a": "default", "b": "keep"})
	h.define(t, "app.complete", payload, func(d *domain.JobDefinition) {
		d.DefaultParameters = defaults
	})
	h.start(t)

	inst, err := h.client.Enqueue(context.Background(), client.EnqueueOptions{
		ApplicationName: "app.complete",
		Parameters:      map[string]string{"a": "override"},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, "completion", func() bool {
		_, err := h.history.GetByID(context.Background(), nil, inst.ID)
		return err == nil
	})
	rec := h.historyFor(t, inst.ID)
	if rec.State != domain.StateEnded || rec.EndReason != "completed" {
		t.Fatalf("terminal: %s %q", rec.State, rec.EndReason)
	}
	if rec.StartTime == nil || rec.EndTime == nil {
		t.Fatal("timestamps missing")
	}

	mu.Lock()
	defer mu.Unlock()
	if seen["a"] != "override" || seen["b"] != "keep" {
		t.Fatalf("parameter merge: %v", seen)
	}

	msgs, err := h.messages.ListByInstance(context.Background(), nil, inst.ID)
	if err != nil || len(msgs) != 1 || msgs[0].Text != "halfway" {
		t.Fatalf("messages: %v", msgs)
	}
	ds, err := h.dlv.ListByInstance(context.Background(), nil, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	// The explicit deliverable plus the captured stdout would both appear;
	// this payload writes nothing to stdout, so exactly one.
	if len(ds) != 1 || ds[0].Label != "result" {
		t.Fatalf("deliverables: %v", ds)
	}
}

func TestPriorityOrderWithSingleSlot(t *testing.T) {
	h := newHarness(t, nil)
	h.bind(t, 1)

	var mu sync.Mutex
	var order []string
	payload := runtime.PayloadFunc(func(jc *runtime.Context) error {
		mu.Lock()
		order = append(order, jc.Parameters()["tag"])
		mu.Unlock()
		return nil
	})
	h.define(t, "app.ordered", payload, nil)

	ctx := context.Background()
	enqueue := func(tag string, priority int) {
		_, err := h.client.Enqueue(ctx, client.EnqueueOptions{
			ApplicationName: "app.ordered",
			Priority:        &priority,
			Parameters:      map[string]string{"tag": tag},
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	enqueue("first-low", 1)
	enqueue("high", 9)
	enqueue("second-low", 1)

	h.start(t)

	waitFor(t, "all three to finish", func() bool {
		recs, err := h.history.List(ctx, nil, repos.ListFilter{})
		return err == nil && len(recs) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	want := []string{"high", "first-low", "second-low"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("execution order: want %v got %v", want, order)
		}
	}
}

func TestKillObservedAtYield(t *testing.T) {
	h := newHarness(t, nil)
	h.bind(t, 1)

	payload := runtime.PayloadFunc(func(jc *runtime.Context) error {
		for {
			if err := jc.Yield(); err != nil {
				return err
			}
			time.Sleep(10 * time.Millisecond)
		}
	})
	h.define(t, "app.loop", payload, nil)
	h.start(t)

	ctx := context.Background()
	inst, err := h.client.Enqueue(ctx, client.EnqueueOptions{ApplicationName: "app.loop"})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "instance running", func() bool {
		got, err := h.instances.GetByID(ctx, nil, inst.ID)
		return err == nil && got.State == domain.StateRunning
	})

	if err := h.client.Kill(ctx, inst.ID, "operator request"); err != nil {
		t.Fatalf("kill: %v", err)
	}
	waitFor(t, "kill to land", func() bool {
		_, err := h.history.GetByID(ctx, nil, inst.ID)
		return err == nil
	})
	rec := h.historyFor(t, inst.ID)
	if rec.State != domain.StateKilled || rec.EndReason != "operator request" {
		t.Fatalf("terminal: %s %q", rec.State, rec.EndReason)
	}
}

func TestWatchdogTimeout(t *testing.T) {
	h := newHarness(t, nil)
	h.bind(t, 1)

	payload := runtime.PayloadFunc(func(jc *runtime.Context) error {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if err := jc.Yield(); err != nil {
				return err
			}
			time.Sleep(10 * time.Millisecond)
		}
		return nil
	})
	h.define(t, "app.slow", payload, func(d *domain.JobDefinition) {
		d.MaxRuntimeMs = 100
	})
	h.start(t)

	ctx := context.Background()
	inst, err := h.client.Enqueue(ctx, client.EnqueueOptions{ApplicationName: "app.slow"})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "timeout kill", func() bool {
		_, err := h.history.GetByID(ctx, nil, inst.ID)
		return err == nil
	})
	rec := h.historyFor(t, inst.ID)
	if rec.State != domain.StateKilled || rec.EndReason != "timeout" {
		t.Fatalf("terminal: %s %q", rec.State, rec.EndReason)
	}
}

func TestCrashedInstanceRestartsOnce(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Engine.MaxRestarts = 1
	})
	h.bind(t, 1)

	payload := runtime.PayloadFunc(func(jc *runtime.Context) error {
		return fmt.Errorf("boom")
	})
	h.define(t, "app.flaky", payload, func(d *domain.JobDefinition) {
		d.CanRestart = true
	})
	h.start(t)

	ctx := context.Background()
	inst, err := h.client.Enqueue(ctx, client.EnqueueOptions{ApplicationName: "app.flaky", User: "marsu"})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, "original and restart to both crash", func() bool {
		recs, err := h.history.List(ctx, nil, repos.ListFilter{State: domain.StateCrashed})
		return err == nil && len(recs) == 2
	})
	recs, err := h.history.List(ctx, nil, repos.ListFilter{State: domain.StateCrashed})
	if err != nil {
		t.Fatal(err)
	}

	var original, restart *domain.HistoryRecord
	for _, r := range recs {
		if r.ID == inst.ID {
			original = r
		} else {
			restart = r
		}
	}
	if original == nil || restart == nil {
		t.Fatal("expected the original and one restart")
	}
	if restart.ParentID == nil || *restart.ParentID != inst.ID {
		t.Fatalf("restart parent: %v", restart.ParentID)
	}
	if restart.RestartCount != 1 {
		t.Fatalf("restart count: %d", restart.RestartCount)
	}
	if restart.User != "marsu" {
		t.Fatalf("restart should inherit tags, user=%q", restart.User)
	}

	// The chain is bounded: no third instance appears.
	time.Sleep(200 * time.Millisecond)
	recs, err = h.history.List(ctx, nil, repos.ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("restart chain must stop at maxRestarts, got %d records", len(recs))
	}
}

func TestMissingPayloadCrashesWithoutRestart(t *testing.T) {
	h := newHarness(t, nil)
	h.bind(t, 1)
	h.define(t, "app.ghost", nil, func(d *domain.JobDefinition) {
		d.CanRestart = true
	})
	h.start(t)

	ctx := context.Background()
	inst, err := h.client.Enqueue(ctx, client.EnqueueOptions{ApplicationName: "app.ghost"})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "pre-start failure", func() bool {
		_, err := h.history.GetByID(ctx, nil, inst.ID)
		return err == nil
	})
	rec := h.historyFor(t, inst.ID)
	if rec.State != domain.StateCrashed {
		t.Fatalf("state: %s", rec.State)
	}
	if !strings.Contains(rec.EndReason, "no payload registered") {
		t.Fatalf("reason: %q", rec.EndReason)
	}

	// Pre-start failures never restart, even for restartable definitions.
	time.Sleep(200 * time.Millisecond)
	recs, err := h.history.List(ctx, nil, repos.ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("no restart expected, got %d records", len(recs))
	}
}

func TestStdoutCapturedAsDeliverable(t *testing.T) {
	h := newHarness(t, nil)
	h.bind(t, 1)

	payload := runtime.PayloadFunc(func(jc *runtime.Context) error {
		fmt.Fprintln(jc.Stdout(), "processing batch 1")
		fmt.Fprintln(jc.Stdout(), "processing batch 2")
		return nil
	})
	h.define(t, "app.chatty", payload, nil)
	h.start(t)

	ctx := context.Background()
	inst, err := h.client.Enqueue(ctx, client.EnqueueOptions{ApplicationName: "app.chatty"})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "completion", func() bool {
		_, err := h.history.GetByID(ctx, nil, inst.ID)
		return err == nil
	})

	ds, err := h.dlv.ListByInstance(ctx, nil, inst.ID)
	if err != nil || len(ds) != 1 {
		t.Fatalf("deliverables: %v (%d)", err, len(ds))
	}
	raw, err := os.ReadFile(ds[0].FilePath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), "processing batch 2") {
		t.Fatalf("stdout content: %q", raw)
	}
}

func TestBootRecoveryPrecedesReservation(t *testing.T) {
	h := newHarness(t, nil)
	h.bind(t, 1)
	def := h.define(t, "app.recover", runtime.PayloadFunc(func(jc *runtime.Context) error { return nil }), nil)

	// Simulate a previous process that died mid-run: an instance left
	// RUNNING on this node.
	ctx := context.Background()
	inst, err := h.instances.Enqueue(ctx, nil, repos.EnqueueRequest{DefID: def.ID, QueueID: h.queue.ID})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.instances.ReserveNext(ctx, h.node.ID, h.queue.ID, 1); err != nil {
		t.Fatal(err)
	}
	if err := h.instances.Transition(ctx, nil, inst.ID, domain.StateAttributed, domain.StateRunning, map[string]interface{}{"start_time": time.Now()}); err != nil {
		t.Fatal(err)
	}

	h.start(t)

	rec := h.historyFor(t, inst.ID)
	if rec.State != domain.StateCrashed || rec.EndReason != "node crash recovery" {
		t.Fatalf("recovered: %s %q", rec.State, rec.EndReason)
	}
}

func TestEngineDrainsOnStop(t *testing.T) {
	h := newHarness(t, nil)
	h.bind(t, 1)

	started := make(chan struct{})
	payload := runtime.PayloadFunc(func(jc *runtime.Context) error {
		close(started)
		time.Sleep(300 * time.Millisecond)
		return nil
	})
	h.define(t, "app.draining", payload, nil)
	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	inst, err := h.client.Enqueue(ctx, client.EnqueueOptions{ApplicationName: "app.draining"})
	if err != nil {
		t.Fatal(err)
	}
	<-started

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.engine.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	// The in-flight instance finished during the drain.
	rec := h.historyFor(t, inst.ID)
	if rec.State != domain.StateEnded {
		t.Fatalf("drained instance state: %s", rec.State)
	}
}

func TestBindingZeroValuesUseNodeDefaults(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Node.PollIntervalMsDefault = 20
		cfg.Node.MaxConcurrentDefault = 1
	})

	// A binding that sets neither cadence nor concurrency inherits both
	// from the node config; it must still pick up work.
	_, err := h.bindings.Create(context.Background(), nil, &domain.DeploymentBinding{
		NodeID:  h.node.ID,
		QueueID: h.queue.ID,
		Enabled: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	h.define(t, "app.defaults", runtime.PayloadFunc(func(jc *runtime.Context) error { return nil }), nil)
	h.start(t)

	ctx := context.Background()
	inst, err := h.client.Enqueue(ctx, client.EnqueueOptions{ApplicationName: "app.defaults"})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "completion under node defaults", func() bool {
		_, err := h.history.GetByID(ctx, nil, inst.ID)
		return err == nil
	})
	rec := h.historyFor(t, inst.ID)
	if rec.State != domain.StateEnded {
		t.Fatalf("terminal: %s %q", rec.State, rec.EndReason)
	}
}

func TestRestartOnCrashAppliesToAllDefinitions(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Engine.RestartOnCrash = true
		cfg.Engine.MaxRestarts = 1
	})
	h.bind(t, 1)

	payload := runtime.PayloadFunc(func(jc *runtime.Context) error {
		return fmt.Errorf("boom")
	})
	// The definition does not opt in; the node-wide setting restarts it
	// anyway, bounded by maxRestarts.
	h.define(t, "app.brittle", payload, nil)
	h.start(t)

	ctx := context.Background()
	inst, err := h.client.Enqueue(ctx, client.EnqueueOptions{ApplicationName: "app.brittle"})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, "original and restart to both crash", func() bool {
		recs, err := h.history.List(ctx, nil, repos.ListFilter{State: domain.StateCrashed})
		return err == nil && len(recs) == 2
	})
	recs, err := h.history.List(ctx, nil, repos.ListFilter{State: domain.StateCrashed})
	if err != nil {
		t.Fatal(err)
	}
	var restart *domain.HistoryRecord
	for _, r := range recs {
		if r.ID != inst.ID {
			restart = r
		}
	}
	if restart == nil || restart.ParentID == nil || *restart.ParentID != inst.ID {
		t.Fatalf("expected one restart with parent %d", inst.ID)
	}

	time.Sleep(200 * time.Millisecond)
	recs, err = h.history.List(ctx, nil, repos.ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("restart chain must stop at maxRestarts, got %d records", len(recs))
	}
}
