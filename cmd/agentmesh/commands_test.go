package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/agentmesh/agentmesh/pkg/a2a"
	"github.com/agentmesh/agentmesh/pkg/task"
)

func TestCallCmdRecordsOutboundTask(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			var req a2a.Request
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			json.NewEncoder(w).Encode(a2a.NewResponse(req.ID, map[string]any{
				"taskId": "remote-task",
				"status": "completed",
				"data":   map[string]any{"echo": "hi"},
			}))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"name": "echo-agent", "url": srv.URL})
	}))
	defer srv.Close()

	dir := t.TempDir()
	dsn := filepath.Join(dir, "tasks.db")
	cfgPath := filepath.Join(dir, "config.yaml")
	cfgYAML := "storage:\n  driver: sqlite\n  dsn: " + dsn + "\n"
	if err := os.WriteFile(cfgPath, []byte(cfgYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cmd := &CallCmd{URL: srv.URL, Skill: "echo", Message: "hi"}
	if err := cmd.Run(&CLI{Config: cfgPath}); err != nil {
		t.Fatalf("call command failed: %v", err)
	}

	db, dialect, err := task.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("failed to reopen storage: %v", err)
	}
	defer db.Close()
	store, err := task.NewStore(db, dialect)
	if err != nil {
		t.Fatalf("failed to open task store: %v", err)
	}

	tasks, err := store.List(context.Background(), task.Filter{Direction: a2a.DirectionOutbound})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected the call to be recorded as 1 outbound task, got %d", len(tasks))
	}
	if tasks[0].Status != a2a.TaskStatusCompleted {
		t.Errorf("expected completed task, got %s", tasks[0].Status)
	}
	if tasks[0].Skill != "echo" || tasks[0].CounterpartyURL != srv.URL {
		t.Errorf("unexpected task record: %+v", tasks[0])
	}
}
