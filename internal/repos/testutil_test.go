package repos

import (
	"context"
	"path/filepath"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/yungbote/batchd/internal/domain"
	"github.com/yungbote/batchd/internal/platform/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	err = gdb.AutoMigrate(
		&domain.Queue{},
		&domain.Node{},
		&domain.JobDefinition{},
		&domain.DeploymentBinding{},
		&domain.JobInstance{},
		&domain.RuntimeParameter{},
		&domain.Message{},
		&domain.Deliverable{},
		&domain.HistoryRecord{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

type fixture struct {
	db        *gorm.DB
	queues    QueueRepo
	nodes     NodeRepo
	defs      JobDefRepo
	instances InstanceRepo
	messages  MessageRepo
	history   HistoryRepo

	queue *domain.Queue
	node  *domain.Node
	def   *domain.JobDefinition
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb := newTestDB(t)
	log := logger.NewNop()
	f := &fixture{
		db:        gdb,
		queues:    NewQueueRepo(gdb, log),
		nodes:     NewNodeRepo(gdb, log),
		defs:      NewJobDefRepo(gdb, log),
		instances: NewInstanceRepo(gdb, log),
		messages:  NewMessageRepo(gdb, log),
		history:   NewHistoryRepo(gdb, log),
	}
	ctx := context.Background()

	q, err := f.queues.Create(ctx, nil, &domain.Queue{Name: "default", DefaultPriority: 0})
	if err != nil {
		t.Fatalf("seed queue: %v", err)
	}
	f.queue = q

	n, err := f.nodes.Ensure(ctx, nil, &domain.Node{
		Name: "test-node", RepoPath: "/tmp/repo", TmpPath: "/tmp/tmp", DlRepoPath: "/tmp/dl", Enabled: true,
	})
	if err != nil {
		t.Fatalf("seed node: %v", err)
	}
	f.node = n

	d, err := f.defs.Create(ctx, nil, &domain.JobDefinition{
		ApplicationName: "app.default",
		EntryPoint:      "app.default",
		DefaultQueueID:  q.ID,
		Enabled:         true,
	})
	if err != nil {
		t.Fatalf("seed def: %v", err)
	}
	f.def = d
	return f
}

func (f *fixture) enqueue(t *testing.T, req EnqueueRequest) *domain.JobInstance {
	t.Helper()
	if req.DefID == 0 {
		req.DefID = f.def.ID
	}
	if req.QueueID == 0 {
		req.QueueID = f.queue.ID
	}
	inst, err := f.instances.Enqueue(context.Background(), nil, req)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return inst
}
