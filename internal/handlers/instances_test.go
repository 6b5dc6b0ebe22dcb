package handlers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/yungbote/batchd/internal/client"
	"github.com/yungbote/batchd/internal/domain"
	"github.com/yungbote/batchd/internal/handlers"
	"github.com/yungbote/batchd/internal/platform/logger"
	"github.com/yungbote/batchd/internal/repos"
	"github.com/yungbote/batchd/internal/server"
	"github.com/yungbote/batchd/internal/sse"
)

func newTestRouter(t *testing.T) (*gin.Engine, *client.Client) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gdb, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatal(err)
	}
	err = gdb.AutoMigrate(
		&domain.Queue{}, &domain.Node{}, &domain.JobDefinition{}, &domain.JobInstance{},
		&domain.RuntimeParameter{}, &domain.Message{}, &domain.Deliverable{}, &domain.HistoryRecord{},
	)
	if err != nil {
		t.Fatal(err)
	}
	log := logger.NewNop()

	queues := repos.NewQueueRepo(gdb, log)
	defs := repos.NewJobDefRepo(gdb, log)
	cl := client.New(client.Deps{
		Instances:    repos.NewInstanceRepo(gdb, log),
		Defs:         defs,
		Queues:       queues,
		History:      repos.NewHistoryRepo(gdb, log),
		Messages:     repos.NewMessageRepo(gdb, log),
		Deliverables: repos.NewDeliverableRepo(gdb, log),
	}, log)

	ctx := context.Background()
	q, err := queues.Create(ctx, nil, &domain.Queue{Name: "default", DefaultPriority: 2})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := defs.Create(ctx, nil, &domain.JobDefinition{
		ApplicationName: "app.http", EntryPoint: "app.http", DefaultQueueID: q.ID, Enabled: true,
	}); err != nil {
		t.Fatal(err)
	}

	router := server.NewRouter(server.RouterConfig{
		InstancesHandler:    handlers.NewInstancesHandler(cl),
		DeliverablesHandler: handlers.NewDeliverablesHandler(cl),
		SSEHandler:          handlers.NewSSEHandler(sse.NewHub(log), log),
	})
	return router, cl
}

func do(t *testing.T, router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthcheck(t *testing.T) {
	router, _ := newTestRouter(t)
	w := do(t, router, http.MethodGet, "/healthcheck", "")
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("healthcheck: %d %q", w.Code, w.Body.String())
	}
}

func TestEnqueueEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	w := do(t, router, http.MethodPost, "/api/instances",
		`{"application_name":"app.http","parameters":{"k":"v"},"user":"marsu"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status: %d body=%s", w.Code, w.Body.String())
	}
	var resp struct {
		Instance domain.JobInstance `json:"instance"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Instance.ID == 0 || resp.Instance.State != domain.StateSubmitted {
		t.Fatalf("instance: %+v", resp.Instance)
	}
	if resp.Instance.Priority != 2 {
		t.Fatalf("queue default priority: got %d", resp.Instance.Priority)
	}

	// Detail endpoint sees it.
	w = do(t, router, http.MethodGet, "/api/instances/1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get: %d", w.Code)
	}
}

func TestEnqueueEndpointValidation(t *testing.T) {
	router, _ := newTestRouter(t)

	w := do(t, router, http.MethodPost, "/api/instances", `{"parameters":{}}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing application_name: %d", w.Code)
	}
	w = do(t, router, http.MethodPost, "/api/instances", `{"application_name":"app.unknown"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown application: %d body=%s", w.Code, w.Body.String())
	}
}

func TestKillPauseResumeEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	w := do(t, router, http.MethodPost, "/api/instances", `{"application_name":"app.http"}`)
	if w.Code != http.StatusCreated {
		t.Fatal(w.Code)
	}

	if w = do(t, router, http.MethodPost, "/api/instances/1/pause", ""); w.Code != http.StatusOK {
		t.Fatalf("pause: %d body=%s", w.Code, w.Body.String())
	}
	if w = do(t, router, http.MethodPost, "/api/instances/1/resume", ""); w.Code != http.StatusOK {
		t.Fatalf("resume: %d body=%s", w.Code, w.Body.String())
	}
	if w = do(t, router, http.MethodPost, "/api/instances/1/priority", `{"priority":9}`); w.Code != http.StatusOK {
		t.Fatalf("priority: %d body=%s", w.Code, w.Body.String())
	}
	if w = do(t, router, http.MethodPost, "/api/instances/1/kill", `{"reason":"test"}`); w.Code != http.StatusOK {
		t.Fatalf("kill: %d body=%s", w.Code, w.Body.String())
	}

	// Cancelled and archived: visible with historical flag.
	w = do(t, router, http.MethodGet, "/api/instances/1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get after kill: %d", w.Code)
	}
	var resp struct {
		Instance client.Status `json:"instance"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Instance.State != domain.StateCancelled || !resp.Instance.Historical {
		t.Fatalf("status: %+v", resp.Instance)
	}

	// A second kill conflicts.
	if w = do(t, router, http.MethodPost, "/api/instances/1/kill", ""); w.Code != http.StatusConflict {
		t.Fatalf("second kill: %d", w.Code)
	}
}

func TestGetUnknownInstance(t *testing.T) {
	router, _ := newTestRouter(t)
	if w := do(t, router, http.MethodGet, "/api/instances/999", ""); w.Code != http.StatusNotFound {
		t.Fatalf("unknown instance: %d", w.Code)
	}
	if w := do(t, router, http.MethodGet, "/api/instances/abc", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad id: %d", w.Code)
	}
}
