package store

import (
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/pam-connect/server/internal/service"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "runs", "pam.sqlite"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newRun(id string) *Run {
	return &Run{
		ID:         id,
		Connection: "ctx",
		Status:     RunStatusQueued,
		Params:     RunParams{Connection: 2, Name: "ctx", Workers: 4, Seed: 9},
		CreatedAt:  time.Now(),
	}
}

func sampleResult() *service.Result {
	res := service.NewResult("ctx", 2, 3)
	res.Seed = 9
	res.Connections[0] = []int{4, -1, 1}
	res.Distances[0] = []float64{1.5, -1, 0.25}
	res.Synapses[0][0] = &r2.Vec{X: 0.1, Y: 0.2}
	res.Synapses[0][2] = &r2.Vec{X: 0.3, Y: 0.4}
	res.Errors = []service.ConnectionError{
		{Neuron: 0, Slot: 1, Stage: service.StagePostSynapse, Message: "synapse not on layer"},
		{Neuron: 1, Slot: -1, Stage: service.StageSource, Message: "normal ray missed"},
	}
	return res
}

func TestStore_RunLifecycle(t *testing.T) {
	s := openStore(t)
	if err := s.CreateRun(newRun("r1")); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	run, err := s.GetRun("r1")
	if err != nil || run == nil {
		t.Fatalf("GetRun: %v, %v", run, err)
	}
	if run.Status != RunStatusQueued || run.Params.Seed != 9 || run.Params.Connection != 2 {
		t.Errorf("GetRun = %+v", run)
	}
	if run.StartedAt != nil || run.FinishedAt != nil {
		t.Error("new run has timestamps")
	}

	if err := s.UpdateRunStarted("r1"); err != nil {
		t.Fatalf("UpdateRunStarted: %v", err)
	}
	if err := s.UpdateRunProgress("r1", service.PhaseSources, 5, 10); err != nil {
		t.Fatalf("UpdateRunProgress: %v", err)
	}
	run, _ = s.GetRun("r1")
	if run.Status != RunStatusRunning || run.StartedAt == nil {
		t.Errorf("started run = %+v", run)
	}
	if run.Progress != (RunProgress{Phase: service.PhaseSources, Done: 5, Total: 10}) {
		t.Errorf("progress = %+v", run.Progress)
	}

	if err := s.UpdateRunStatus("r1", RunStatusFailed, "boom"); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}
	run, _ = s.GetRun("r1")
	if run.Status != RunStatusFailed || run.Error != "boom" || run.FinishedAt == nil {
		t.Errorf("failed run = %+v", run)
	}

	missing, err := s.GetRun("nope")
	if err != nil || missing != nil {
		t.Errorf("GetRun(nope) = %v, %v", missing, err)
	}
}

func TestStore_ResultRoundTrip(t *testing.T) {
	s := openStore(t)
	if err := s.CreateRun(newRun("r1")); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	want := sampleResult()
	if err := s.InsertResult("r1", want); err != nil {
		t.Fatalf("InsertResult: %v", err)
	}
	got, err := s.LoadResult("r1")
	if err != nil {
		t.Fatalf("LoadResult: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("LoadResult = %+v, want %+v", got, want)
	}

	run, _ := s.GetRun("r1")
	if run.Rows != 2 || run.Cols != 3 {
		t.Errorf("run size = %dx%d", run.Rows, run.Cols)
	}
	if _, err := s.LoadResult("nope"); err == nil {
		t.Error("LoadResult(nope) succeeded")
	}
}

func TestStore_Recovery(t *testing.T) {
	s := openStore(t)
	for _, id := range []string{"a", "b", "c"} {
		if err := s.CreateRun(newRun(id)); err != nil {
			t.Fatalf("CreateRun(%s): %v", id, err)
		}
	}
	if err := s.UpdateRunStarted("b"); err != nil {
		t.Fatalf("UpdateRunStarted: %v", err)
	}
	if err := s.MarkRunningAsFailed("server restarted"); err != nil {
		t.Fatalf("MarkRunningAsFailed: %v", err)
	}

	queued, err := s.ListQueuedRuns()
	if err != nil {
		t.Fatalf("ListQueuedRuns: %v", err)
	}
	if len(queued) != 2 {
		t.Errorf("got %d queued runs, want 2", len(queued))
	}
	b, _ := s.GetRun("b")
	if b.Status != RunStatusFailed || b.Error != "server restarted" {
		t.Errorf("run b = %+v", b)
	}

	all, err := s.ListRuns("")
	if err != nil || len(all) != 3 {
		t.Fatalf("ListRuns = %d, %v", len(all), err)
	}
	none, err := s.ListRuns("other")
	if err != nil || len(none) != 0 {
		t.Errorf("ListRuns(other) = %d, %v", len(none), err)
	}
}

func TestStore_Delete(t *testing.T) {
	s := openStore(t)
	for _, id := range []string{"old", "live"} {
		if err := s.CreateRun(newRun(id)); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
		if err := s.InsertResult(id, sampleResult()); err != nil {
			t.Fatalf("InsertResult: %v", err)
		}
	}
	if err := s.UpdateRunStatus("old", RunStatusCompleted, ""); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}

	// A negative retention puts the cutoff in the future.
	n, err := s.DeleteExpiredRuns(-1)
	if err != nil {
		t.Fatalf("DeleteExpiredRuns: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d runs, want 1", n)
	}
	if run, _ := s.GetRun("old"); run != nil {
		t.Error("expired run still present")
	}
	if errs, _ := s.ListErrors("old"); len(errs) != 0 {
		t.Errorf("expired run kept %d errors", len(errs))
	}

	if err := s.DeleteRun("live"); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}
	if run, _ := s.GetRun("live"); run != nil {
		t.Error("deleted run still present")
	}
	var cells int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM synapses").Scan(&cells); err != nil {
		t.Fatalf("count: %v", err)
	}
	if cells != 0 {
		t.Errorf("%d synapse rows left", cells)
	}
}
