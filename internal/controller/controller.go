// Package controller implements the Workflow Controller (§4.1): the
// top-level state machine that creates/resumes/reloads/restarts a
// Workflow, drives the Scheduler, submits ready tasks through the
// JobManager, applies the retry policy, and performs the terminate
// protocol. Grounded on the teacher's
// internal/jobs/orchestrator/engine.go main-loop shape
// (preflight/runInline/pollChild/handleStageErr/computeBackoff) and
// internal/jobs/runtime/context.go's "sole mutator of the row" idiom,
// combined with original_source/cosmos/Workflow/models.py's
// Workflow.start/__resume/__reload/__restart/_reattempt_task/terminate
// for the exact mode-dispatch and retry/terminate field-update
// sequences (§9).
package controller

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/gorm"

	"github.com/egafni/cosmos/internal/cosmoserr"
	"github.com/egafni/cosmos/internal/cosmoslog"
	"github.com/egafni/cosmos/internal/dbctx"
	"github.com/egafni/cosmos/internal/domain"
	"github.com/egafni/cosmos/internal/drm"
	"github.com/egafni/cosmos/internal/gc"
	"github.com/egafni/cosmos/internal/jobmanager"
	"github.com/egafni/cosmos/internal/scheduler"
	"github.com/egafni/cosmos/internal/store"
)

// Deps bundles every repository and collaborator the Controller needs.
// A single Controller instance is bound to exactly one Workflow at a
// time via Start.
type Deps struct {
	DB          *gorm.DB
	Log         *cosmoslog.Logger
	WorkflowRepo *store.WorkflowRepo
	StageRepo    *store.StageRepo
	TaskRepo     *store.TaskRepo
	EdgeRepo     *store.TaskEdgeRepo
	FileRepo     *store.TaskFileRepo
	TagRepo      *store.TaskTagRepo
	AttemptRepo  *store.JobAttemptRepo
	JobManager   *jobmanager.JobManager
	Driver       drm.Driver
}

// StartOptions configures Controller.Start. RootOutputDir is only used
// by create/restart; the rest mirror the original start()'s keyword
// arguments (§4.1).
type StartOptions struct {
	RootOutputDir            string
	DefaultQueue             string
	MaxReattempts             int
	DryRun                    bool
	DeleteIntermediates       bool
	DeleteUnsuccessfulStages  bool
	// PromptConfirm gates restart's destructive wipe. If nil, restart
	// proceeds without prompting (the caller has already decided).
	PromptConfirm func(msg string) bool
}

// Controller is the engine's single mutator of Task/Stage/Workflow rows.
type Controller struct {
	db   *gorm.DB
	log  *cosmoslog.Logger
	deps Deps
	gc   *gc.Collector

	wf    *domain.Workflow
	sched *scheduler.Scheduler

	stagesByID map[int64]*domain.Stage
	tasksByID  map[int64]*domain.Task

	// nextSyntheticTaskFileID is the per-Workflow controller-owned
	// counter for synthetic TaskFile placeholder ids (§9's redesign of
	// the original's process-wide global counter).
	nextSyntheticTaskFileID int64

	// terminated records whether Terminate has run to completion for the
	// bound Workflow during this process's lifetime, letting Run and
	// cmd/cosmos tell a terminate-driven stop apart from a clean Finished
	// (§4.5, §6 exit codes).
	terminated bool
}

// Terminated reports whether Terminate has completed for the workflow
// currently bound to this Controller.
func (c *Controller) Terminated() bool { return c.terminated }

func New(deps Deps) *Controller {
	return &Controller{
		db:   deps.DB,
		log:  deps.Log.With("component", "Controller"),
		deps: deps,
		gc:   gc.New(deps.DB, deps.Log, deps.TaskRepo),
	}
}

func (c *Controller) dbc(ctx context.Context) dbctx.Context { return dbctx.Context{Ctx: ctx, Tx: c.db} }

// withTx runs fn inside a single database transaction, threading the
// transaction handle through dbctx.Context so every repo call fn makes
// commits or rolls back together (spec §5: a bulk operation's writes must
// be all-or-nothing, never observed half-applied after a crash).
func (c *Controller) withTx(ctx context.Context, fn func(dbctx.Context) error) error {
	return c.db.Transaction(func(tx *gorm.DB) error {
		return fn(dbctx.Context{Ctx: ctx, Tx: tx})
	})
}

// Workflow returns the Workflow bound by the most recent Start call.
func (c *Controller) Workflow() *domain.Workflow { return c.wf }

// Start creates/resumes/reloads/restarts a Workflow by name and binds it
// to this Controller (§4.1).
func (c *Controller) Start(ctx context.Context, name string, mode domain.StartMode, opts StartOptions) (*domain.Workflow, error) {
	if name == "" {
		return nil, cosmoserr.NewValidation("empty_name", fmt.Errorf("name of a workflow cannot be empty"))
	}
	if !mode.Valid() {
		return nil, cosmoserr.NewValidation("invalid_mode", fmt.Errorf("unknown start mode %q", mode))
	}
	if opts.MaxReattempts <= 0 {
		opts.MaxReattempts = 3
	}

	var (
		wf  *domain.Workflow
		err error
	)
	switch mode {
	case domain.ModeCreate:
		wf, err = c.startCreate(ctx, name, opts)
	case domain.ModeResume:
		wf, err = c.startResume(ctx, name, opts)
	case domain.ModeReload:
		wf, err = c.startReload(ctx, name, opts)
	case domain.ModeRestart:
		wf, err = c.startRestart(ctx, name, opts)
	}
	if err != nil {
		return nil, err
	}

	if mode != domain.ModeCreate {
		if err := c.deleteStaleObjects(ctx, wf.ID); err != nil {
			c.log.Warn("failed to delete stale objects", "workflow_id", wf.ID, "error", err)
		}
	}

	maxFileID, err := c.deps.FileRepo.MaxID(c.dbc(ctx))
	if err != nil {
		return nil, err
	}

	c.wf = wf
	c.terminated = false
	c.nextSyntheticTaskFileID = maxFileID
	return wf, nil
}

func (c *Controller) startCreate(ctx context.Context, name string, opts StartOptions) (*domain.Workflow, error) {
	dbc := c.dbc(ctx)
	existing, err := c.deps.WorkflowRepo.GetByName(dbc, name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, cosmoserr.NewValidation("workflow_exists", fmt.Errorf("workflow %q already exists", name))
	}
	outputDir := filepath.Join(opts.RootOutputDir, name)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	wf := &domain.Workflow{
		Name:                name,
		OutputDir:           outputDir,
		MaxReattempts:       opts.MaxReattempts,
		DefaultQueue:        opts.DefaultQueue,
		DryRun:              opts.DryRun,
		DeleteIntermediates: opts.DeleteIntermediates,
	}
	if err := c.deps.WorkflowRepo.Create(dbc, wf); err != nil {
		return nil, err
	}
	c.log.Info("created workflow", "name", name, "id", wf.ID)
	return wf, nil
}

// startResume resumes a workflow without deleting any unsuccessful
// tasks (§4.1). It is also the shared first step of reload.
func (c *Controller) startResume(ctx context.Context, name string, opts StartOptions) (*domain.Workflow, error) {
	dbc := c.dbc(ctx)
	wf, err := c.deps.WorkflowRepo.GetByName(dbc, name)
	if err != nil {
		return nil, err
	}
	if wf == nil {
		return nil, cosmoserr.NewValidation("workflow_not_found", fmt.Errorf("workflow %q does not exist, cannot resume it", name))
	}
	if err := c.deps.WorkflowRepo.UpdateFields(dbc, wf.ID, map[string]interface{}{
		"dry_run":              opts.DryRun,
		"default_queue":        opts.DefaultQueue,
		"delete_intermediates": opts.DeleteIntermediates,
		"max_reattempts":       opts.MaxReattempts,
		"finished_on":          nil,
	}); err != nil {
		return nil, err
	}
	if err := c.deps.StageRepo.ClearOrderForResume(dbc, wf.ID); err != nil {
		return nil, err
	}
	wf.DryRun = opts.DryRun
	wf.DefaultQueue = opts.DefaultQueue
	wf.DeleteIntermediates = opts.DeleteIntermediates
	wf.MaxReattempts = opts.MaxReattempts
	wf.FinishedOn = nil
	c.log.Info("resuming workflow", "name", name, "id", wf.ID)
	return wf, nil
}

// startReload resumes, then prunes every unsuccessful Task (cascading
// its JobAttempts/TaskTags/TaskEdges/TaskFiles and output directory) and
// reopens the stages that retain at least one successful task (§4.1).
func (c *Controller) startReload(ctx context.Context, name string, opts StartOptions) (*domain.Workflow, error) {
	wf, err := c.startResume(ctx, name, opts)
	if err != nil {
		return nil, err
	}
	dbc := c.dbc(ctx)

	stages, err := c.deps.StageRepo.ListByWorkflow(dbc, wf.ID)
	if err != nil {
		return nil, err
	}

	var stagesToDelete []int64
	if opts.DeleteUnsuccessfulStages {
		for _, s := range stages {
			if s.Status != domain.StageSuccessful {
				stagesToDelete = append(stagesToDelete, s.ID)
			}
		}
	} else {
		for _, s := range stages {
			if s.Status == domain.StageSuccessful {
				continue
			}
			tasks, err := c.deps.TaskRepo.ListByStage(dbc, s.ID)
			if err != nil {
				return nil, err
			}
			hasSuccess := false
			for _, t := range tasks {
				if t.Status == domain.TaskSuccessful {
					hasSuccess = true
					break
				}
			}
			if !hasSuccess {
				c.log.Info("stage has no successful tasks, deleting", "stage", s.Name)
				stagesToDelete = append(stagesToDelete, s.ID)
			}
		}
	}
	unsuccessfulIDs, err := c.deps.TaskRepo.UnsuccessfulIDsByWorkflow(dbc, wf.ID)
	if err != nil {
		return nil, err
	}
	if len(unsuccessfulIDs) > 0 {
		if err := c.pruneTasks(ctx, wf, unsuccessfulIDs); err != nil {
			return nil, err
		}
	}

	if err := c.deps.StageRepo.DeleteByIDs(dbc, stagesToDelete); err != nil {
		return nil, err
	}

	remaining, err := c.deps.StageRepo.ListByWorkflow(dbc, wf.ID)
	if err != nil {
		return nil, err
	}
	for _, s := range remaining {
		if s.Status == domain.StageSuccessful {
			continue
		}
		if err := c.deps.StageRepo.UpdateStatus(dbc, s.ID, domain.StageInProgress); err != nil {
			return nil, err
		}
	}
	return wf, nil
}

// startRestart deletes the existing Workflow entirely (files included)
// while preserving its id, then creates a fresh one (§4.1).
func (c *Controller) startRestart(ctx context.Context, name string, opts StartOptions) (*domain.Workflow, error) {
	dbc := c.dbc(ctx)
	existing, err := c.deps.WorkflowRepo.GetByName(dbc, name)
	if err != nil {
		return nil, err
	}
	var preservedID int64
	if existing != nil {
		if opts.PromptConfirm != nil && !opts.PromptConfirm(fmt.Sprintf("restart workflow %q? all files will be deleted", name)) {
			return nil, cosmoserr.NewValidation("restart_declined", fmt.Errorf("restart of %q declined", name))
		}
		preservedID = existing.ID
		if err := c.deleteWorkflowEntirely(ctx, existing); err != nil {
			return nil, err
		}
	}
	outputDir := filepath.Join(opts.RootOutputDir, name)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	if preservedID == 0 {
		wf := &domain.Workflow{
			Name:                name,
			OutputDir:           outputDir,
			MaxReattempts:       opts.MaxReattempts,
			DefaultQueue:        opts.DefaultQueue,
			DryRun:              opts.DryRun,
			DeleteIntermediates: opts.DeleteIntermediates,
		}
		if err := c.deps.WorkflowRepo.Create(dbc, wf); err != nil {
			return nil, err
		}
		return wf, nil
	}
	if err := c.deps.WorkflowRepo.ResetForRestart(dbc, preservedID, outputDir); err != nil {
		return nil, err
	}
	if err := c.deps.WorkflowRepo.UpdateFields(dbc, preservedID, map[string]interface{}{
		"max_reattempts":       opts.MaxReattempts,
		"default_queue":        opts.DefaultQueue,
		"dry_run":              opts.DryRun,
		"delete_intermediates": opts.DeleteIntermediates,
	}); err != nil {
		return nil, err
	}
	return c.deps.WorkflowRepo.GetByID(dbc, preservedID)
}

// deleteWorkflowEntirely cascades every descendant row and the on-disk
// output tree, leaving the Workflow row itself in place so that restart
// can keep its id and reinitialise it with ResetForRestart afterward.
func (c *Controller) deleteWorkflowEntirely(ctx context.Context, wf *domain.Workflow) error {
	dbc := c.dbc(ctx)
	if err := gc.RemoveTree(wf.OutputDir); err != nil {
		c.log.Warn("failed to remove workflow output dir", "dir", wf.OutputDir, "error", err)
	}
	tasks, err := c.deps.TaskRepo.ListByWorkflow(dbc, wf.ID)
	if err != nil {
		return err
	}
	ids := make([]int64, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	if len(ids) > 0 {
		if err := c.deps.AttemptRepo.DeleteByTaskIDs(dbc, ids); err != nil {
			return err
		}
		if err := c.deps.TagRepo.DeleteByTaskIDs(dbc, ids); err != nil {
			return err
		}
		if err := c.deps.EdgeRepo.DeleteByTaskIDs(dbc, ids); err != nil {
			return err
		}
		if err := c.deps.FileRepo.DeleteByTaskIDs(dbc, ids); err != nil {
			return err
		}
		if err := c.deps.TaskRepo.DeleteByIDs(dbc, ids); err != nil {
			return err
		}
	}
	stages, err := c.deps.StageRepo.ListByWorkflow(dbc, wf.ID)
	if err != nil {
		return err
	}
	stageIDs := make([]int64, 0, len(stages))
	for _, s := range stages {
		stageIDs = append(stageIDs, s.ID)
	}
	return c.deps.StageRepo.DeleteByIDs(dbc, stageIDs)
}

// pruneTasks cascade-deletes the given tasks: JobAttempts, TaskTags,
// TaskEdges (touching the set as parent OR child -- the corrected form
// of the original's buggy `parent=self` filter, §9), TaskFiles, the
// Task rows themselves, and their on-disk output directories.
func (c *Controller) pruneTasks(ctx context.Context, wf *domain.Workflow, ids []int64) error {
	dbc := c.dbc(ctx)
	tasks, err := c.deps.TaskRepo.GetByIDs(dbc, ids)
	if err != nil {
		return err
	}
	stages, err := c.deps.StageRepo.ListByWorkflow(dbc, wf.ID)
	if err != nil {
		return err
	}
	stageByID := make(map[int64]*domain.Stage, len(stages))
	for _, s := range stages {
		stageByID[s.ID] = s
	}

	c.log.Info("pruning unsuccessful tasks", "workflow", wf.Name, "count", len(tasks))
	if err := c.deps.AttemptRepo.DeleteByTaskIDs(dbc, ids); err != nil {
		return err
	}
	if err := c.deps.TagRepo.DeleteByTaskIDs(dbc, ids); err != nil {
		return err
	}
	if err := c.deps.EdgeRepo.DeleteByTaskIDs(dbc, ids); err != nil {
		return err
	}
	if err := c.deps.FileRepo.DeleteByTaskIDs(dbc, ids); err != nil {
		return err
	}

	for _, t := range tasks {
		stage := stageByID[t.StageID]
		if stage == nil {
			continue
		}
		dir := t.OutputDir(stage.OutputDir(wf.OutputDir))
		if err := gc.RemoveTree(dir); err != nil {
			c.log.Warn("failed to remove task output dir", "task_id", t.ID, "dir", dir, "error", err)
		}
	}

	return c.deps.TaskRepo.DeleteByIDs(dbc, ids)
}

// deleteStaleObjects deletes orphaned rows left behind by an ungraceful
// exit: JobAttempts, TaskFiles or TaskTags whose owning Task no longer
// exists (original's _delete_stale_objects, §4.1). The scan is global
// (not scoped to workflowID) since task ids are unique across the whole
// store and a crash can only ever leave orphans pointing at a deleted id.
func (c *Controller) deleteStaleObjects(ctx context.Context, workflowID int64) error {
	dbc := c.dbc(ctx)
	if err := c.deps.AttemptRepo.DeleteOrphaned(dbc); err != nil {
		return err
	}
	if err := c.deps.FileRepo.DeleteOrphaned(dbc); err != nil {
		return err
	}
	if err := c.deps.TagRepo.DeleteOrphaned(dbc); err != nil {
		return err
	}
	return nil
}

// AddStage is add_stage(name): idempotent, assigns OrderInWorkflow =
// max+1 among this workflow's stages (§4.1).
func (c *Controller) AddStage(ctx context.Context, name string) (*domain.Stage, error) {
	if c.wf == nil {
		return nil, cosmoserr.NewWorkflow("no_active_workflow", fmt.Errorf("AddStage called before Start"))
	}
	return c.deps.StageRepo.GetOrCreate(c.dbc(ctx), c.wf.ID, name)
}

// Finished stamps FinishedOn; idempotent (§4.1, §8).
func (c *Controller) Finished(ctx context.Context) error {
	if c.wf == nil {
		return cosmoserr.NewWorkflow("no_active_workflow", fmt.Errorf("Finished called before Start"))
	}
	if c.wf.FinishedOn != nil {
		return nil
	}
	now := time.Now().UTC()
	if err := c.deps.WorkflowRepo.UpdateFields(c.dbc(ctx), c.wf.ID, map[string]interface{}{"finished_on": now}); err != nil {
		return err
	}
	c.wf.FinishedOn = &now
	c.log.Info("workflow finished", "name", c.wf.Name, "id", c.wf.ID)
	return nil
}

// GetTasksBy filters tasks (optionally scoped to a stage) by an
// AND-only tag match; op="or" is an explicit non-goal (§4.1, §9).
func (c *Controller) GetTasksBy(ctx context.Context, stage *domain.Stage, tags map[string]string, op string) ([]*domain.Task, error) {
	if op == "or" {
		return nil, cosmoserr.NewValidation("unsupported_op", fmt.Errorf(`op="or" is not supported`))
	}
	if c.wf == nil {
		return nil, cosmoserr.NewWorkflow("no_active_workflow", fmt.Errorf("GetTasksBy called before Start"))
	}
	dbc := c.dbc(ctx)
	var tasks []*domain.Task
	var err error
	if stage != nil {
		tasks, err = c.deps.TaskRepo.ListByStage(dbc, stage.ID)
	} else {
		tasks, err = c.deps.TaskRepo.ListByWorkflow(dbc, c.wf.ID)
	}
	if err != nil {
		return nil, err
	}
	if len(tags) == 0 {
		return tasks, nil
	}
	var out []*domain.Task
	for _, t := range tasks {
		tagRows, err := c.deps.TagRepo.ListByTask(dbc, t.ID)
		if err != nil {
			return nil, err
		}
		have := make(map[string]string, len(tagRows))
		for _, tr := range tagRows {
			have[tr.Key] = tr.Value
		}
		match := true
		for k, v := range tags {
			if have[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, t)
		}
	}
	return out, nil
}

// GetTaskBy errors if the match count is not exactly one (§4.1).
func (c *Controller) GetTaskBy(ctx context.Context, stage *domain.Stage, tags map[string]string, op string) (*domain.Task, error) {
	tasks, err := c.GetTasksBy(ctx, stage, tags, op)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, cosmoserr.NewValidation("no_matching_task", fmt.Errorf("no tasks with tags %v", tags))
	}
	if len(tasks) > 1 {
		return nil, cosmoserr.NewValidation("ambiguous_task", fmt.Errorf("more than one task with tags %v", tags))
	}
	return tasks[0], nil
}
