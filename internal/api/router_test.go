package api

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/go-cmp/cmp"

	"agentnet/internal/domain"
	"agentnet/internal/logging"
	"agentnet/internal/messaging/inproc"
	"agentnet/internal/orchestrator"
	"agentnet/internal/registry"
	sqlitestore "agentnet/internal/store/sqlite"
)

func newTestServer(t *testing.T, withArchive bool) (*Client, *orchestrator.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logging.Discard()
	ctx := context.Background()

	var archive Archive
	var audit orchestrator.Audit
	if withArchive {
		store, err := sqlitestore.Open(filepath.Join(t.TempDir(), "api.db"))
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		if err := store.Migrate(ctx); err != nil {
			t.Fatalf("migrate: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		archive, audit = store, store
	}

	bus := inproc.New(inproc.Config{}, logger)
	t.Cleanup(bus.Close)
	svc, err := orchestrator.New(bus, registry.New(registry.Config{}), audit, orchestrator.Config{}, logger)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}

	router := NewRouter(svc, archive, ConfigView{Path: "/etc/agentnet.toml", Raw: map[string]any{"log": map[string]any{"level": "info"}}}, logger)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, srv.Client()), svc
}

func TestSubmitStatusCancelOverHTTP(t *testing.T) {
	client, _ := newTestServer(t, true)
	ctx := context.Background()

	if err := client.Health(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}

	id, err := client.Submit(ctx, domain.TaskDefinition{
		ID:   "report",
		Name: "weekly report",
		Steps: []domain.StepDefinition{
			{ID: "draft", Action: "generate", RequiredCapabilities: []string{"content"}},
			{ID: "review", Action: "echo", DependsOn: []string{"draft"}},
		},
	})
	if err != nil || id != "report" {
		t.Fatalf("submit id=%q err=%v", id, err)
	}

	snap, err := client.Status(ctx, id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if snap.Status != domain.TaskStatusPending || len(snap.Steps) != 2 {
		t.Fatalf("snapshot=%+v", snap)
	}

	pending, err := client.List(ctx, domain.TaskStatusPending)
	if err != nil || len(pending) != 1 {
		t.Fatalf("list pending=%d err=%v", len(pending), err)
	}

	ok, err := client.Cancel(ctx, id)
	if err != nil || !ok {
		t.Fatalf("cancel ok=%v err=%v", ok, err)
	}
	if ok, err := client.Cancel(ctx, id); err != nil || ok {
		t.Fatalf("second cancel ok=%v err=%v", ok, err)
	}

	decisions, err := client.Decisions(ctx, id, 10)
	if err != nil {
		t.Fatalf("decisions: %v", err)
	}
	var actions []string
	for _, d := range decisions {
		actions = append(actions, d.Action)
	}
	if diff := cmp.Diff([]string{"task_submitted", "task_cancelled"}, actions); diff != "" {
		t.Fatalf("decision actions mismatch (-want +got):\n%s", diff)
	}

	archived, err := client.Archive(ctx, domain.TaskStatusCancelled, 10)
	if err != nil || len(archived) != 1 || archived[0].TaskID != id {
		t.Fatalf("archive=%+v err=%v", archived, err)
	}

	dash, err := client.Dashboard(ctx)
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if dash.Tasks.Cancelled != 1 || len(dash.Recent) != 1 {
		t.Fatalf("dashboard=%+v", dash)
	}
}

func TestHTTPErrorMapping(t *testing.T) {
	client, _ := newTestServer(t, false)
	ctx := context.Background()

	if _, err := client.Status(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("status err=%v want ErrNotFound", err)
	}
	if _, err := client.Cancel(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("cancel err=%v want ErrNotFound", err)
	}
	_, err := client.Submit(ctx, domain.TaskDefinition{Steps: []domain.StepDefinition{
		{ID: "a", Action: "x", DependsOn: []string{"a"}},
	}})
	if !errors.Is(err, domain.ErrInvalidDefinition) {
		t.Fatalf("submit cycle err=%v want ErrInvalidDefinition", err)
	}
	if _, err := client.Archive(ctx, "", 10); err == nil {
		t.Fatalf("archive without store should fail")
	}
}
