package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/yungbote/batchd/internal/client"
	"github.com/yungbote/batchd/internal/config"
	"github.com/yungbote/batchd/internal/db"
	"github.com/yungbote/batchd/internal/handlers"
	"github.com/yungbote/batchd/internal/jobs/engine"
	"github.com/yungbote/batchd/internal/jobs/runtime"
	"github.com/yungbote/batchd/internal/platform/logger"
	"github.com/yungbote/batchd/internal/repos"
	"github.com/yungbote/batchd/internal/server"
	"github.com/yungbote/batchd/internal/services"
	"github.com/yungbote/batchd/internal/sse"
)

/*
App wires the whole node: storage, repos, notification fan-out, the payload
registry, the execution engine and the HTTP surface. Register payloads on
Registry() before calling Run.
*/
type App struct {
	cfg      config.Config
	log      *logger.Logger
	dbSvc    *db.Service
	hub      *sse.Hub
	bus      services.SSEBus
	registry *runtime.Registry
	engine   *engine.Engine
	client   *client.Client
	httpSrv  *http.Server

	busCancel context.CancelFunc
}

func New(cfg config.Config) (*App, error) {
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	dbSvc, err := db.New(cfg.DB, log)
	if err != nil {
		return nil, fmt.Errorf("init db: %w", err)
	}
	if err := dbSvc.AutoMigrateAll(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	gdb := dbSvc.DB()

	// Repos
	queueRepo := repos.NewQueueRepo(gdb, log)
	nodeRepo := repos.NewNodeRepo(gdb, log)
	defRepo := repos.NewJobDefRepo(gdb, log)
	deploymentRepo := repos.NewDeploymentRepo(gdb, log)
	instanceRepo := repos.NewInstanceRepo(gdb, log)
	messageRepo := repos.NewMessageRepo(gdb, log)
	deliverableRepo := repos.NewDeliverableRepo(gdb, log)
	historyRepo := repos.NewHistoryRepo(gdb, log)

	// SSE: local hub always; redis bus in front of it when configured, so
	// several nodes share one monitoring stream.
	hub := sse.NewHub(log)
	var emitter services.Emitter = services.NewLocalEmitter(hub)
	var bus services.SSEBus
	var busCancel context.CancelFunc
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		bus, err = services.NewRedisSSEBus(addr, os.Getenv("REDIS_SSE_CHANNEL"), log)
		if err != nil {
			return nil, fmt.Errorf("init redis bus: %w", err)
		}
		busCtx, cancel := context.WithCancel(context.Background())
		busCancel = cancel
		if err := bus.StartForwarder(busCtx, func(m sse.Message) { hub.Publish(m) }); err != nil {
			cancel()
			return nil, fmt.Errorf("start redis forwarder: %w", err)
		}
		emitter = bus
	}
	notifier := services.NewJobNotifier(emitter)

	cl := client.New(client.Deps{
		Instances:    instanceRepo,
		Defs:         defRepo,
		Queues:       queueRepo,
		History:      historyRepo,
		Messages:     messageRepo,
		Deliverables: deliverableRepo,
		Notify:       notifier,
	}, log)

	registry := runtime.NewRegistry()
	eng := engine.New(cfg, engine.Deps{
		Instances:    instanceRepo,
		Defs:         defRepo,
		Queues:       queueRepo,
		Nodes:        nodeRepo,
		Deployments:  deploymentRepo,
		Messages:     messageRepo,
		Deliverables: deliverableRepo,
		Registry:     registry,
		Children:     cl,
		Notify:       notifier,
	}, log)

	router := server.NewRouter(server.RouterConfig{
		InstancesHandler:    handlers.NewInstancesHandler(cl),
		DeliverablesHandler: handlers.NewDeliverablesHandler(cl),
		SSEHandler:          handlers.NewSSEHandler(hub, log),
	})

	return &App{
		cfg:      cfg,
		log:      log,
		dbSvc:    dbSvc,
		hub:      hub,
		bus:      bus,
		registry: registry,
		engine:   eng,
		client:   cl,
		httpSrv: &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
			Handler: router,
		},
		busCancel: busCancel,
	}, nil
}

func (a *App) Registry() *runtime.Registry { return a.registry }

func (a *App) Client() *client.Client { return a.client }

func (a *App) Log() *logger.Logger { return a.log }

// Run starts the engine and serves HTTP until ctx is cancelled, then shuts
// everything down in reverse order.
func (a *App) Run(ctx context.Context) error {
	if err := a.engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("HTTP listening", "addr", a.httpSrv.Addr)
		if err := a.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		a.shutdown(context.Background())
		return fmt.Errorf("http serve: %w", err)
	case <-ctx.Done():
	}
	return a.shutdown(context.Background())
}

func (a *App) shutdown(ctx context.Context) error {
	httpCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.httpSrv.Shutdown(httpCtx); err != nil {
		a.log.Warn("HTTP shutdown failed", "error", err)
	}

	stopErr := a.engine.Stop(ctx)

	if a.busCancel != nil {
		a.busCancel()
	}
	if a.bus != nil {
		_ = a.bus.Close()
	}
	if err := a.dbSvc.Close(); err != nil {
		a.log.Warn("DB close failed", "error", err)
	}
	a.log.Sync()
	return stopErr
}
