package controller

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/egafni/cosmos/internal/cosmoserr"
	"github.com/egafni/cosmos/internal/domain"
	"github.com/egafni/cosmos/internal/drm"
	"github.com/egafni/cosmos/internal/gc"
	"github.com/egafni/cosmos/internal/render"
	"github.com/egafni/cosmos/internal/scheduler"
)

// Run is the main loop (§4.2, §5): hydrate the DAG once, dispatch the
// initial frontier, then drain JobManager completions -- applying the
// retry policy, re-querying the frontier, and optionally running GC --
// until the DAG is drained or a fatal condition triggers terminate.
// Signal handling is scoped to this call: SIGINT is installed on entry
// and uninstalled on exit (§9's redesign of the original's
// method-scoped signal.signal call), using the teacher's dependency-free
// idiom (os/signal is genuinely ambient OS plumbing; no pack repo wires
// a third-party signal library either).
func (c *Controller) Run(ctx context.Context, terminateOnFail bool, finish bool) (err error) {
	if c.wf == nil {
		return cosmoserr.NewWorkflow("no_active_workflow", fmt.Errorf("Run called before Start"))
	}
	// A Workflow-kind error is fatal: terminate before returning it.
	defer func() {
		if err != nil && cosmoserr.IsKind(err, cosmoserr.Workflow) && !c.terminated {
			_ = c.Terminate(ctx)
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	if err := c.hydrate(ctx); err != nil {
		return err
	}

	if err := c.runReadyTasks(ctx); err != nil {
		return err
	}

	for !c.sched.Drained() {
		if c.deps.JobManager.Outstanding() == 0 {
			if len(c.sched.GetReadyTasks()) > 0 {
				if err := c.runReadyTasks(ctx); err != nil {
					return err
				}
				continue
			}
			if c.wf.DryRun {
				// dry_run never submits to the DRM, so nothing will ever
				// complete; every dispatched task stays in_progress with
				// its exec_command rendered for inspection, same as the
				// original's yield_all_queued_jobs() yielding nothing.
				break
			}
			_ = c.Terminate(ctx)
			return cosmoserr.NewWorkflow("cycle_detected", fmt.Errorf("dag_queue non-empty with nothing outstanding and nothing ready"))
		}

		select {
		case <-sigCtx.Done():
			c.log.Warn("received interrupt, terminating workflow")
			_ = c.Terminate(ctx)
			return nil
		case attempt := <-c.deps.JobManager.Completions():
			c.deps.JobManager.Ack()
			if err := c.handleCompletion(ctx, attempt, terminateOnFail); err != nil {
				return err
			}
			if c.Terminated() {
				return nil
			}
			if err := c.runReadyTasks(ctx); err != nil {
				return err
			}
		}
	}

	if finish {
		return c.Finished(ctx)
	}
	return nil
}

// hydrate loads every Task/TaskEdge/Stage belonging to the bound
// workflow and builds the in-memory Scheduler, exactly once per Run call
// (§9: never traverse back-references inside the main loop; hydrate the
// DAG once at run()).
func (c *Controller) hydrate(ctx context.Context) error {
	dbc := c.dbc(ctx)
	tasks, err := c.deps.TaskRepo.ListByWorkflow(dbc, c.wf.ID)
	if err != nil {
		return err
	}
	edges, err := c.deps.EdgeRepo.ListByWorkflow(dbc, c.wf.ID)
	if err != nil {
		return err
	}
	stages, err := c.deps.StageRepo.ListByWorkflow(dbc, c.wf.ID)
	if err != nil {
		return err
	}

	c.tasksByID = make(map[int64]*domain.Task, len(tasks))
	for _, t := range tasks {
		c.tasksByID[t.ID] = t
	}
	c.stagesByID = make(map[int64]*domain.Stage, len(stages))
	for _, s := range stages {
		c.stagesByID[s.ID] = s
	}
	c.sched = scheduler.New(tasks, edges)
	return nil
}

// runReadyTasks dispatches every member of the current frontier, marks
// them queued, and recurses: NOOP tasks complete synchronously and may
// expose new frontier (§4.2). If delete_intermediates is set, a GC pass
// runs on every call, including one that finds nothing to dispatch.
func (c *Controller) runReadyTasks(ctx context.Context) error {
	ready := c.sched.GetReadyTasks()
	if len(ready) == 0 {
		if c.wf.DeleteIntermediates {
			c.gc.Run(ctx, c.sched, c.jobOutputDirFor)
		}
		return nil
	}
	c.sched.MarkQueued(ready...)

	var noopIDs []int64
	for _, taskID := range ready {
		task := c.tasksByID[taskID]
		if task.NOOP {
			noopIDs = append(noopIDs, taskID)
			continue
		}
		if err := c.dispatchTask(ctx, task); err != nil {
			return err
		}
	}
	for _, taskID := range noopIDs {
		if err := c.completeNOOP(ctx, taskID); err != nil {
			return err
		}
	}

	if c.wf.DeleteIntermediates {
		c.gc.Run(ctx, c.sched, c.jobOutputDirFor)
	}

	if len(noopIDs) > 0 {
		return c.runReadyTasks(ctx)
	}
	return nil
}

func (c *Controller) jobOutputDirFor(taskID int64) string {
	t := c.tasksByID[taskID]
	s := c.stagesByID[t.StageID]
	return t.JobOutputDir(s.OutputDir(c.wf.OutputDir))
}

// completeNOOP treats a NOOP task as instantaneously successful upon
// entering the frontier (§4.4).
func (c *Controller) completeNOOP(ctx context.Context, taskID int64) error {
	task := c.tasksByID[taskID]
	now := time.Now().UTC()
	if err := c.deps.TaskRepo.UpdateFields(c.dbc(ctx), taskID, map[string]interface{}{
		"status": domain.TaskSuccessful, "started_on": now, "finished_on": now,
	}); err != nil {
		return err
	}
	task.Status = domain.TaskSuccessful
	task.StartedOn, task.FinishedOn = &now, &now
	c.sched.CompleteTask(taskID, domain.TaskSuccessful)
	return c.checkStageCompletion(ctx, task.StageID)
}

// dispatchTask is _run_task (§4.4, §4.7): transitions the stage and task
// to in_progress, renders pcmd into exec_command, and submits a new
// JobAttempt. A dry_run workflow creates the attempt row but never
// submits it to the DRM.
func (c *Controller) dispatchTask(ctx context.Context, task *domain.Task) error {
	stage := c.stagesByID[task.StageID]
	dbc := c.dbc(ctx)

	if stage.Status == domain.StageNoAttempt || stage.Status == domain.StageFailed {
		if err := c.deps.StageRepo.UpdateStatus(dbc, stage.ID, domain.StageInProgress); err != nil {
			return err
		}
		stage.Status = domain.StageInProgress
	}

	now := time.Now().UTC()
	if err := c.deps.TaskRepo.UpdateFields(dbc, task.ID, map[string]interface{}{
		"status": domain.TaskInProgress, "started_on": now,
	}); err != nil {
		return err
	}
	task.Status = domain.TaskInProgress
	if task.StartedOn == nil {
		task.StartedOn = &now
	}

	if err := c.renderTask(ctx, task, stage); err != nil {
		return err
	}

	attempt, err := c.deps.JobManager.AddJobAttempt(ctx, task.ID, fmt.Sprintf("task-%d", task.ID))
	if err != nil {
		return err
	}

	if c.wf.DryRun {
		c.log.Info("dry run: skipping submission", "task_id", task.ID)
		return nil
	}

	res := drm.Resources{MemoryMB: task.MemoryMB, CPUCount: task.CPUCount, TimeMinutes: task.TimeMinutes, Queue: c.wf.DefaultQueue}
	return c.deps.JobManager.SubmitJob(ctx, attempt, task.ExecCommand, res)
}

// renderTask implements §4.7: synthesize a path for every output
// TaskFile still lacking one, then resolve every #F[id:name:path]
// reference in pcmd to that TaskFile's current path. An unresolved
// reference is fatal (render.Render returns a *cosmoserr.Error of kind
// Workflow).
func (c *Controller) renderTask(ctx context.Context, task *domain.Task, stage *domain.Stage) error {
	dbc := c.dbc(ctx)
	jobOutputDir := task.JobOutputDir(stage.OutputDir(c.wf.OutputDir))

	outputs, err := c.deps.FileRepo.ListByTask(dbc, task.ID)
	if err != nil {
		return err
	}
	byID := make(map[int64]*domain.TaskFile, len(outputs))
	for _, f := range outputs {
		if f.Path == "" {
			path := render.SynthesizeOutputPath(jobOutputDir, f.Name, f.Fmt)
			if f.Fmt == "dir" {
				if err := os.MkdirAll(path, 0o755); err != nil {
					return err
				}
			}
			if err := c.deps.FileRepo.UpdatePath(dbc, f.ID, path, f.Fmt); err != nil {
				return err
			}
			f.Path = path
		}
		byID[f.ID] = f
	}

	tokens, err := render.Parse(task.Pcmd)
	if err != nil {
		return err
	}
	resolve := func(refID string) (string, bool) {
		id, convErr := strconv.ParseInt(refID, 10, 64)
		if convErr != nil {
			return "", false
		}
		if f, ok := byID[id]; ok {
			return f.Path, f.Path != ""
		}
		got, getErr := c.deps.FileRepo.GetByIDs(dbc, []int64{id})
		if getErr != nil || len(got) == 0 {
			return "", false
		}
		return got[0].Path, got[0].Path != ""
	}
	rendered, err := render.Render(tokens, resolve)
	if err != nil {
		return err
	}
	task.ExecCommand = rendered
	return c.deps.TaskRepo.UpdateFields(dbc, task.ID, map[string]interface{}{"exec_command": rendered})
}

// handleCompletion applies the retry/failure policy (§4.4) to one
// completed JobAttempt.
func (c *Controller) handleCompletion(ctx context.Context, attempt *domain.JobAttempt, terminateOnFail bool) error {
	task := c.tasksByID[attempt.TaskID]
	if task == nil {
		return cosmoserr.NewTask("unknown_task", fmt.Errorf("completion for unknown task id %d", attempt.TaskID))
	}

	if attempt.Successful || task.SucceedOnFailure {
		if err := c.finishTask(ctx, task, domain.TaskSuccessful); err != nil {
			return err
		}
		c.sched.CompleteTask(task.ID, domain.TaskSuccessful)
		return nil
	}

	count, err := c.deps.AttemptRepo.CountByTask(c.dbc(ctx), task.ID)
	if err != nil {
		return err
	}
	if count < int64(c.wf.MaxReattempts) {
		c.log.Warn("job attempt failed, reattempting", "task_id", task.ID, "attempt", count, "stderr", attempt.Stderr)
		stage := c.stagesByID[task.StageID]
		jobOutputDir := task.JobOutputDir(stage.OutputDir(c.wf.OutputDir))
		if rmErr := gc.EmptyDir(jobOutputDir); rmErr != nil {
			c.log.Warn("failed to clear job output dir before retry", "task_id", task.ID, "error", rmErr)
		}
		return c.dispatchTask(ctx, task)
	}

	c.log.Warn("task failed and reached max_reattempts", "task_id", task.ID, "max_reattempts", c.wf.MaxReattempts, "stderr", attempt.Stderr)
	if err := c.finishTask(ctx, task, domain.TaskFailed); err != nil {
		return err
	}
	c.sched.CompleteTask(task.ID, domain.TaskFailed)
	if terminateOnFail {
		return c.Terminate(ctx)
	}
	return nil
}

func (c *Controller) finishTask(ctx context.Context, task *domain.Task, status domain.TaskStatus) error {
	now := time.Now().UTC()
	if err := c.deps.TaskRepo.UpdateFields(c.dbc(ctx), task.ID, map[string]interface{}{
		"status": status, "finished_on": now,
	}); err != nil {
		return err
	}
	task.Status = status
	task.FinishedOn = &now
	return c.checkStageCompletion(ctx, task.StageID)
}

// checkStageCompletion re-derives a stage's status from its tasks (§3).
// A stage never regresses from successful.
func (c *Controller) checkStageCompletion(ctx context.Context, stageID int64) error {
	stage := c.stagesByID[stageID]
	if stage == nil || stage.Status == domain.StageSuccessful {
		return nil
	}
	dbc := c.dbc(ctx)
	tasks, err := c.deps.TaskRepo.ListByStage(dbc, stageID)
	if err != nil {
		return err
	}
	allSuccessful := len(tasks) > 0
	allTerminal := true
	anyFailed := false
	for _, t := range tasks {
		if t.Status != domain.TaskSuccessful {
			allSuccessful = false
		}
		if !t.Status.Terminal() {
			allTerminal = false
		}
		if t.Status == domain.TaskFailed {
			anyFailed = true
		}
	}
	newStatus := domain.StageInProgress
	switch {
	case allSuccessful:
		newStatus = domain.StageSuccessful
	case allTerminal && anyFailed:
		newStatus = domain.StageFailed
	}
	if newStatus == stage.Status {
		return nil
	}
	if err := c.deps.StageRepo.UpdateStatus(dbc, stageID, newStatus); err != nil {
		return err
	}
	stage.Status = newStatus
	return nil
}
