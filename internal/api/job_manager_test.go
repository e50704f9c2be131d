package api

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pam-connect/server/internal/store"
)

func newJobManager(t *testing.T, path string) *JobManager {
	t.Helper()
	jm, err := NewJobManager(JobManagerConfig{SQLitePath: path}, testModel(t, nil), nil)
	if err != nil {
		t.Fatalf("NewJobManager: %v", err)
	}
	return jm
}

func waitForStatus(t *testing.T, jm *JobManager, id string, want store.RunStatus) *store.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if run := jm.Get(id); run != nil && run.Status == want {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never reached %s (now %+v)", id, want, jm.Get(id))
	return nil
}

func TestJobManager_Cancel(t *testing.T) {
	jm := newJobManager(t, filepath.Join(t.TempDir(), "runs.sqlite"))
	started := make(chan string, 2)
	jm.Executor = func(ctx context.Context, st *store.Store, runID string) error {
		started <- runID
		<-ctx.Done()
		return ctx.Err()
	}
	jm.Start()
	t.Cleanup(jm.Stop)

	first, err := jm.Submit(store.RunParams{Connection: 0})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if first.Connection != "identity" || first.Params.Name != "identity" {
		t.Errorf("run = %+v", first)
	}
	second, err := jm.Submit(store.RunParams{Connection: 0})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case id := <-started:
		if id != first.ID {
			t.Fatalf("started %s, want %s", id, first.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first run never started")
	}

	// The single worker is busy: the second run is still queued.
	if !jm.Cancel(second.ID) {
		t.Error("Cancel(queued) = false")
	}
	waitForStatus(t, jm, second.ID, store.RunStatusCancelled)

	if !jm.Cancel(first.ID) {
		t.Error("Cancel(running) = false")
	}
	run := waitForStatus(t, jm, first.ID, store.RunStatusCancelled)
	if run.FinishedAt == nil {
		t.Error("cancelled run has no finish time")
	}

	select {
	case id := <-started:
		t.Errorf("cancelled run %s was executed", id)
	case <-time.After(50 * time.Millisecond):
	}

	if jm.Cancel(first.ID) {
		t.Error("Cancel(finished) = true")
	}
	if jm.Cancel("nope") {
		t.Error("Cancel(unknown) = true")
	}
}

func TestJobManager_SubmitUnknownConnection(t *testing.T) {
	jm := newJobManager(t, filepath.Join(t.TempDir(), "runs.sqlite"))
	t.Cleanup(jm.Stop)

	if _, err := jm.Submit(store.RunParams{Connection: 4}); err == nil {
		t.Error("Submit(unknown connection) succeeded")
	}
}

func TestJobManager_Recovery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.sqlite")

	before := newJobManager(t, path)
	for _, id := range []string{"queued", "running"} {
		run := &store.Run{ID: id, Connection: "identity", Status: store.RunStatusQueued, CreatedAt: time.Now()}
		if err := before.Store().CreateRun(run); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}
	if err := before.Store().UpdateRunStarted("running"); err != nil {
		t.Fatalf("UpdateRunStarted: %v", err)
	}
	before.Stop()

	after := newJobManager(t, path)
	after.Start()
	t.Cleanup(after.Stop)

	run := waitForStatus(t, after, "queued", store.RunStatusCompleted)
	if run.Rows != 3 || run.Cols != 1 {
		t.Errorf("recovered run = %+v", run)
	}
	res, err := after.Result("queued")
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if res.Connection != "identity" || res.Rows() != 3 {
		t.Errorf("result = %+v", res)
	}

	failed := after.Get("running")
	if failed == nil || failed.Status != store.RunStatusFailed || failed.Error != "server restarted" {
		t.Errorf("interrupted run = %+v", failed)
	}
}

func TestJobManager_Cleanup(t *testing.T) {
	jm := newJobManager(t, filepath.Join(t.TempDir(), "runs.sqlite"))
	t.Cleanup(jm.Stop)

	run := &store.Run{ID: "old", Connection: "identity", Status: store.RunStatusQueued, CreatedAt: time.Now()}
	if err := jm.Store().CreateRun(run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := jm.Store().UpdateRunStatus("old", store.RunStatusCompleted, ""); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}

	// A negative retention expires every finished run.
	jm.cfg.RetentionDays = -1
	jm.cleanup()
	if jm.Get("old") != nil {
		t.Error("expired run survived cleanup")
	}
}
