// Package api provides HTTP handlers for the connectivity server.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pam-connect/server/internal/cache"
	"github.com/pam-connect/server/internal/service"
	"github.com/pam-connect/server/internal/store"
)

// JobManagerConfig contains configuration for the job manager.
type JobManagerConfig struct {
	MaxConcurrent int    // Max concurrent runs (default 1)
	SQLitePath    string // Path to SQLite database
	RetentionDays int    // Days to keep finished runs (default 7)
	CleanupPeriod time.Duration
	QueueSize     int
}

// JobManager runs connectivity computations in the background and persists
// them through the run store.
type JobManager struct {
	cfg      JobManagerConfig
	store    *store.Store
	model    *service.Model
	cache    *cache.Manager
	queue    chan string // run IDs
	running  map[string]context.CancelFunc
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	// Executor runs one computation. It defaults to computing the run's
	// connection on the model and storing its result.
	Executor func(ctx context.Context, st *store.Store, runID string) error
}

// NewJobManager opens the run store and creates a job manager over model. c
// may be nil.
func NewJobManager(cfg JobManagerConfig, model *service.Model, c *cache.Manager) (*JobManager, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 1 * time.Hour
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}

	st, err := store.NewStore(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}

	jm := &JobManager{
		cfg:     cfg,
		store:   st,
		model:   model,
		cache:   c,
		queue:   make(chan string, cfg.QueueSize),
		running: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
	}
	jm.Executor = jm.execute
	return jm, nil
}

// Store returns the underlying store for direct access.
func (jm *JobManager) Store() *store.Store {
	return jm.store
}

// Model returns the model runs are computed on.
func (jm *JobManager) Model() *service.Model {
	return jm.model
}

// Start recovers from a previous shutdown, then starts the workers and the
// cleanup ticker.
func (jm *JobManager) Start() {
	if err := jm.store.MarkRunningAsFailed("server restarted"); err != nil {
		log.Printf("[JobManager] failed to mark running runs as failed: %v", err)
	}

	queued, err := jm.store.ListQueuedRuns()
	if err != nil {
		log.Printf("[JobManager] failed to list queued runs: %v", err)
	} else {
		for _, run := range queued {
			select {
			case jm.queue <- run.ID:
				log.Printf("[JobManager] re-queued run %s", run.ID)
			default:
				log.Printf("[JobManager] queue full, cannot re-queue run %s", run.ID)
			}
		}
	}

	for i := 0; i < jm.cfg.MaxConcurrent; i++ {
		jm.wg.Add(1)
		go jm.worker()
	}

	go jm.cleaner()
}

// Stop cancels running computations, waits for the workers and closes the
// store.
func (jm *JobManager) Stop() {
	jm.stopOnce.Do(func() {
		close(jm.stopCh)
		jm.mu.Lock()
		for _, cancel := range jm.running {
			cancel()
		}
		jm.mu.Unlock()
		close(jm.queue)
		jm.wg.Wait()
		jm.store.Close()
	})
}

func (jm *JobManager) worker() {
	defer jm.wg.Done()
	for runID := range jm.queue {
		select {
		case <-jm.stopCh:
			// Left queued for the next start.
			continue
		default:
		}
		jm.runJob(runID)
	}
}

func (jm *JobManager) runJob(runID string) {
	run, err := jm.store.GetRun(runID)
	if err != nil || run == nil {
		log.Printf("[JobManager] run %s vanished before start: %v", runID, err)
		return
	}
	if run.Status != store.RunStatusQueued {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := jm.store.UpdateRunStarted(runID); err != nil {
		log.Printf("[JobManager] failed to update run %s as started: %v", runID, err)
		return
	}

	jm.mu.Lock()
	jm.running[runID] = cancel
	jm.mu.Unlock()

	start := time.Now()
	execErr := jm.Executor(ctx, jm.store, runID)

	// Unregister before the final status is visible.
	jm.mu.Lock()
	delete(jm.running, runID)
	jm.mu.Unlock()

	var status store.RunStatus
	var msg string
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		status, msg = store.RunStatusCancelled, "cancelled by user"
	case execErr != nil:
		status, msg = store.RunStatusFailed, execErr.Error()
	default:
		status = store.RunStatusCompleted
	}
	if err := jm.store.UpdateRunStatus(runID, status, msg); err != nil {
		log.Printf("[JobManager] failed to finish run %s: %v", runID, err)
		return
	}
	log.Printf("[JobManager] run %s %s in %v", runID, status, time.Since(start).Round(time.Millisecond))
}

// execute computes the connection of a run and persists its result.
func (jm *JobManager) execute(ctx context.Context, st *store.Store, runID string) error {
	run, err := st.GetRun(runID)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("run %s not found", runID)
	}

	ro := service.RunOptions{
		Workers: run.Params.Workers,
		Seed:    run.Params.Seed,
		Progress: func(phase string, done, total int) {
			if err := st.UpdateRunProgress(runID, phase, done, total); err != nil {
				log.Printf("[JobManager] progress of run %s: %v", runID, err)
			}
		},
	}
	res, err := jm.model.Compute(ctx, run.Params.Connection, ro)
	if err != nil {
		return err
	}
	if err := st.InsertResult(runID, res); err != nil {
		return fmt.Errorf("storing result: %w", err)
	}
	return nil
}

func (jm *JobManager) cleaner() {
	ticker := time.NewTicker(jm.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.cleanup()
		}
	}
}

func (jm *JobManager) cleanup() {
	deleted, err := jm.store.DeleteExpiredRuns(jm.cfg.RetentionDays)
	if err != nil {
		log.Printf("[JobManager] cleanup error: %v", err)
	} else if deleted > 0 {
		log.Printf("[JobManager] cleaned up %d expired runs", deleted)
	}
}

// Submit creates a run of connection params.Connection and enqueues it. The
// connection name is filled in from the model.
func (jm *JobManager) Submit(params store.RunParams) (*store.Run, error) {
	spec, err := jm.model.Connection(params.Connection)
	if err != nil {
		return nil, err
	}
	params.Name = spec.Label()

	id := generateJobID()
	run := &store.Run{
		ID:         id,
		Connection: params.Name,
		Status:     store.RunStatusQueued,
		Params:     params,
		CreatedAt:  time.Now(),
	}

	if err := jm.store.CreateRun(run); err != nil {
		return nil, err
	}

	select {
	case jm.queue <- id:
	default:
		jm.store.UpdateRunStatus(id, store.RunStatusFailed, "run queue is full; try again later")
		run.Status = store.RunStatusFailed
	}

	return run, nil
}

// Get returns a run by ID, or nil.
func (jm *JobManager) Get(id string) *store.Run {
	run, err := jm.store.GetRun(id)
	if err != nil {
		log.Printf("[JobManager] error getting run %s: %v", id, err)
		return nil
	}
	return run
}

// Result loads the result of a completed run.
func (jm *JobManager) Result(id string) (*service.Result, error) {
	return jm.store.LoadResult(id)
}

// Cancel attempts to cancel a queued or running run.
func (jm *JobManager) Cancel(id string) bool {
	jm.mu.Lock()
	cancel, ok := jm.running[id]
	jm.mu.Unlock()

	if ok && cancel != nil {
		cancel()
		return true
	}

	run, err := jm.store.GetRun(id)
	if err != nil || run == nil {
		return false
	}
	if run.Status == store.RunStatusQueued {
		jm.store.UpdateRunStatus(id, store.RunStatusCancelled, "cancelled before start")
		return true
	}
	return false
}

// Delete deletes a run, its results and its cached payloads.
func (jm *JobManager) Delete(id string) error {
	if jm.cache != nil {
		jm.cache.DeletePayloads(cache.ResultKey(id, ""))
	}
	return jm.store.DeleteRun(id)
}

func generateJobID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
