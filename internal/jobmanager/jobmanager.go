// Package jobmanager owns the set of outstanding JobAttempts and brokers
// submission/polling against a drm.Driver (§4.3). Grounded on the
// teacher's internal/jobs/worker/worker.go ticker-poll goroutine pool
// (heartbeat + panic-recovery wrapping generalised into "poll this DRM
// job id until terminal") and internal/jobs/orchestrator/engine.go's
// pollChild/computeBackoff family, bounded with
// golang.org/x/sync/semaphore the same way the teacher bounds its own
// worker concurrency.
package jobmanager

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/egafni/cosmos/internal/cosmoslog"
	"github.com/egafni/cosmos/internal/dbctx"
	"github.com/egafni/cosmos/internal/domain"
	"github.com/egafni/cosmos/internal/drm"
	"github.com/egafni/cosmos/internal/store"
)

func encodeJSON(v map[string]any) (datatypes.JSON, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

// Config tunes the poller. PollInterval is the bounded cadence spec
// §4.3 requires ("polling cadence is an implementation detail but MUST
// be bounded"); MaxConcurrentPolls bounds how many DRM Poll calls are
// in flight at once.
type Config struct {
	PollInterval        time.Duration
	MaxConcurrentPolls  int64
}

func DefaultConfig() Config {
	return Config{PollInterval: 2 * time.Second, MaxConcurrentPolls: 16}
}

// JobManager is the single owner of every JobAttempt row in flight. It
// is not safe to share a JobAttempt across two JobManagers.
type JobManager struct {
	log  *cosmoslog.Logger
	db   *gorm.DB
	repo *store.JobAttemptRepo
	drv  drm.Driver
	cfg  Config

	sem *semaphore.Weighted

	mu          sync.Mutex
	outstanding int

	completions chan *domain.JobAttempt
}

func New(db *gorm.DB, log *cosmoslog.Logger, repo *store.JobAttemptRepo, drv drm.Driver, cfg Config) *JobManager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxConcurrentPolls <= 0 {
		cfg.MaxConcurrentPolls = 16
	}
	return &JobManager{
		log:         log.With("component", "JobManager"),
		db:          db,
		repo:        repo,
		drv:         drv,
		cfg:         cfg,
		sem:         semaphore.NewWeighted(cfg.MaxConcurrentPolls),
		completions: make(chan *domain.JobAttempt, 64),
	}
}

// AddJobAttempt persists a new attempt in state not_submitted (§4.3).
// jobName is accepted for parity with the original add_jobAttempt
// signature; it is neither persisted nor passed on to the DRM driver.
func (m *JobManager) AddJobAttempt(ctx context.Context, taskID int64, jobName string) (*domain.JobAttempt, error) {
	_ = jobName
	a := &domain.JobAttempt{
		TaskID:      taskID,
		QueueStatus: domain.QueueNotSubmitted,
	}
	if err := m.repo.Create(dbctx.Context{Ctx: ctx, Tx: m.db}, a); err != nil {
		return nil, err
	}
	return a, nil
}

// SubmitJob hands the rendered command and resource hints to the DRM
// Driver, stores the returned opaque job id, moves state to queued, and
// spawns a bounded poller goroutine that feeds Completions() once the
// DRM reports a terminal outcome (§4.3).
func (m *JobManager) SubmitJob(ctx context.Context, attempt *domain.JobAttempt, command string, res drm.Resources) error {
	jobID, err := m.drv.Submit(ctx, command, res)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	attempt.DRMJobID = string(jobID)
	attempt.QueueStatus = domain.QueueQueued
	attempt.SubmittedOn = &now
	if err := m.repo.UpdateFields(dbctx.Context{Ctx: ctx, Tx: m.db}, attempt.ID, map[string]interface{}{
		"drm_job_id":   attempt.DRMJobID,
		"queue_status": domain.QueueQueued,
		"submitted_on": now,
	}); err != nil {
		return err
	}

	m.mu.Lock()
	m.outstanding++
	m.mu.Unlock()

	go m.pollUntilDone(ctx, attempt, jobID)
	return nil
}

func (m *JobManager) pollUntilDone(ctx context.Context, attempt *domain.JobAttempt, jobID drm.JobID) {
	claimed, err := m.repo.ClaimForPoll(dbctx.Context{Ctx: ctx, Tx: m.db}, attempt.ID)
	if err != nil {
		m.log.Warn("failed to claim job attempt for polling", "attempt_id", attempt.ID, "error", err)
		return
	}
	if !claimed {
		return
	}

	if err := m.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer m.sem.Release(1)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		outcome, err := m.drv.Poll(ctx, jobID)
		if err != nil {
			m.log.Warn("drm poll failed, will retry", "job_id", jobID, "error", err)
			continue
		}
		if !outcome.Done {
			continue
		}

		now := time.Now().UTC()
		attempt.Successful = outcome.Successful()
		attempt.QueueStatus = domain.QueueCompleted
		attempt.Stdout = outcome.Stdout
		attempt.Stderr = outcome.Stderr
		attempt.FinishedOn = &now

		updates := map[string]interface{}{
			"successful":   attempt.Successful,
			"queue_status": domain.QueueCompleted,
			"stdout":       outcome.Stdout,
			"stderr":       outcome.Stderr,
			"finished_on":  now,
		}
		if outcome.ResourceUsage != nil {
			if b, err := encodeJSON(outcome.ResourceUsage); err == nil {
				updates["resource_usage"] = b
			}
		}
		if err := m.repo.UpdateFields(dbctx.Context{Ctx: ctx, Tx: m.db}, attempt.ID, updates); err != nil {
			m.log.Error("failed to persist job attempt completion", "attempt_id", attempt.ID, "error", err)
		}

		// outstanding stays elevated until the Controller calls Ack(): a
		// completion sitting in the channel's buffer, not yet received by
		// the Run loop, must still count as outstanding or a second
		// goroutine finishing in the same window can drive Outstanding()
		// to 0 while this one is still in flight.
		select {
		case m.completions <- attempt:
		case <-ctx.Done():
			m.mu.Lock()
			m.outstanding--
			m.mu.Unlock()
		}
		return
	}
}

// Completions is the blocking stream of completed attempts (§4.3),
// delivered in DRM-reported termination order (§5). Every value received
// from this channel must be followed by a call to Ack once the caller
// has taken ownership of it.
func (m *JobManager) Completions() <-chan *domain.JobAttempt { return m.completions }

// Ack records that the Controller has taken a completion off the
// channel returned by Completions and is about to process it. Outstanding
// only drops once Ack is called, so it can never read 0 while a
// completion is sitting in the channel buffer unconsumed -- the Run
// loop's drain check would otherwise be able to race two simultaneous
// completions (e.g. the diamond DAG's B and C finishing in the same poll
// window) into a spurious cycle_detected termination.
func (m *JobManager) Ack() {
	m.mu.Lock()
	m.outstanding--
	m.mu.Unlock()
}

// Outstanding reports how many submitted attempts have not yet been
// acknowledged as consumed by the Controller (§4.3). The Controller's
// main loop treats Outstanding() reaching zero (with no further ready
// tasks) as drain.
func (m *JobManager) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outstanding
}

// TerminateJobAttempt is a best-effort forced kill via the DRM (§4.3,
// used by the terminate protocol §4.5). Failure is logged, never fatal.
func (m *JobManager) TerminateJobAttempt(ctx context.Context, attempt *domain.JobAttempt) {
	if attempt.DRMJobID == "" {
		return
	}
	if err := m.drv.Kill(ctx, drm.JobID(attempt.DRMJobID)); err != nil {
		m.log.Warn("failed to kill job attempt", "attempt_id", attempt.ID, "drm_job_id", attempt.DRMJobID, "error", err)
	}
}
