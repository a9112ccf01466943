// Package localdrm is a drm.Driver that runs jobs as local child processes
// through os/exec, bounded by a semaphore the same way the teacher bounds
// worker concurrency (internal/jobs/worker/worker.go's WORKER_CONCURRENCY
// goroutine pool). It exists so the engine can be exercised end-to-end
// without a real batch scheduler (Sun Grid Engine, Slurm, ...) wired up.
package localdrm

import (
	"bytes"
	"context"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/egafni/cosmos/internal/cosmoslog"
	"github.com/egafni/cosmos/internal/drm"
)

type job struct {
	mu      sync.Mutex
	done    bool
	outcome drm.Outcome
	cancel  context.CancelFunc
}

// Driver runs each submitted command as `sh -c <command>`. Concurrency is
// bounded by maxConcurrent; jobs beyond that limit queue behind the
// semaphore rather than being rejected.
type Driver struct {
	log *cosmoslog.Logger
	sem *semaphore.Weighted

	mu   sync.Mutex
	jobs map[drm.JobID]*job
}

func New(log *cosmoslog.Logger, maxConcurrent int64) *Driver {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Driver{
		log:  log.With("component", "localdrm"),
		sem:  semaphore.NewWeighted(maxConcurrent),
		jobs: make(map[drm.JobID]*job),
	}
}

// Submit starts command in the background and returns immediately with an
// opaque job id; the actual process start may be delayed behind the
// concurrency semaphore.
func (d *Driver) Submit(ctx context.Context, command string, res drm.Resources) (drm.JobID, error) {
	id := drm.JobID(uuid.NewString())
	jctx, cancel := context.WithCancel(context.Background())
	j := &job{cancel: cancel}
	if res.TimeMinutes > 0 {
		jctx, cancel = context.WithTimeout(jctx, time.Duration(res.TimeMinutes)*time.Minute)
		j.cancel = cancel
	}

	d.mu.Lock()
	d.jobs[id] = j
	d.mu.Unlock()

	go d.run(jctx, id, j, command)
	return id, nil
}

func (d *Driver) run(ctx context.Context, id drm.JobID, j *job, command string) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		j.mu.Lock()
		j.done = true
		j.outcome = drm.Outcome{Done: true, ExitCode: -1}
		j.mu.Unlock()
		return
	}
	defer d.sem.Release(1)

	start := time.Now()
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	elapsed := time.Since(start)

	outcome := drm.Outcome{
		Done:   true,
		Stdout: stdout.String(),
		Stderr: stderr.String(),
		ResourceUsage: map[string]any{
			"wall_seconds": elapsed.Seconds(),
		},
	}
	if runErr == nil {
		outcome.ExitCode = 0
	} else if exitErr, ok := runErr.(*exec.ExitError); ok {
		outcome.ExitCode = exitErr.ExitCode()
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			outcome.Signaled = true
		}
	} else {
		d.log.Warn("local job failed to start", "job_id", id, "error", runErr)
		outcome.ExitCode = -1
	}

	j.mu.Lock()
	j.done = true
	j.outcome = outcome
	j.mu.Unlock()
}

// Poll reports the outcome recorded by run once the process has exited.
func (d *Driver) Poll(ctx context.Context, id drm.JobID) (drm.Outcome, error) {
	d.mu.Lock()
	j, ok := d.jobs[id]
	d.mu.Unlock()
	if !ok {
		return drm.Outcome{Done: true, ExitCode: -1}, nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.done {
		return drm.Outcome{Done: false}, nil
	}
	return j.outcome, nil
}

// Kill cancels the job's context, which terminates its child process via
// exec.CommandContext's own kill-on-cancel behaviour.
func (d *Driver) Kill(ctx context.Context, id drm.JobID) error {
	d.mu.Lock()
	j, ok := d.jobs[id]
	d.mu.Unlock()
	if !ok {
		return nil
	}
	j.cancel()
	return nil
}
