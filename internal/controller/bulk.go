package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"gorm.io/datatypes"

	"github.com/egafni/cosmos/internal/cosmoserr"
	"github.com/egafni/cosmos/internal/dbctx"
	"github.com/egafni/cosmos/internal/domain"
	"github.com/egafni/cosmos/internal/render"
)

// TaskInput is the DSL->Controller handoff shape for one Task (§6): the
// caller supplies the tag map directly rather than a pre-encoded JSON
// blob, since TaskTag rows and the opaque Tags column are both derived
// from it here.
type TaskInput struct {
	StageID               int64
	Pcmd                  string
	Tags                  map[string]string
	MemoryMB              int
	CPUCount              int
	TimeMinutes           int
	NOOP                  bool
	SucceedOnFailure      bool
	DontDeleteOutputFiles bool
}

// BulkSaveTasks assigns contiguous ids above the current max, inserts
// every Task in one transaction, then creates per-task output
// directories and TaskTag rows (§4.1). A duplicate (stage, tags) in the
// batch is a ValidationError naming every colliding group -- enforced
// by TaskRepo.BulkCreate's pre-insert scan plus the DB's own unique
// index as a second line of defense.
func (c *Controller) BulkSaveTasks(ctx context.Context, inputs []TaskInput) ([]*domain.Task, error) {
	if c.wf == nil {
		return nil, cosmoserr.NewWorkflow("no_active_workflow", fmt.Errorf("BulkSaveTasks called before Start"))
	}
	if len(inputs) == 0 {
		return nil, nil
	}

	tasks := make([]*domain.Task, len(inputs))
	for i, in := range inputs {
		tagsJSON, err := json.Marshal(in.Tags)
		if err != nil {
			return nil, cosmoserr.NewValidation("bad_tags", err)
		}
		tasks[i] = &domain.Task{
			StageID:               in.StageID,
			Pcmd:                  in.Pcmd,
			MemoryMB:              in.MemoryMB,
			CPUCount:              in.CPUCount,
			TimeMinutes:           in.TimeMinutes,
			NOOP:                  in.NOOP,
			SucceedOnFailure:      in.SucceedOnFailure,
			DontDeleteOutputFiles: in.DontDeleteOutputFiles,
			Tags:                  datatypes.JSON(tagsJSON),
			TagsHash:              domain.TagsHash(in.Tags),
		}
	}

	err := c.withTx(ctx, func(dbc dbctx.Context) error {
		if err := c.deps.TaskRepo.BulkCreate(dbc, tasks); err != nil {
			return err
		}

		stageCache := map[int64]*domain.Stage{}
		var tagRows []*domain.TaskTag
		for i, t := range tasks {
			stage, ok := stageCache[t.StageID]
			if !ok {
				var err error
				stage, err = c.deps.StageRepo.GetByID(dbc, t.StageID)
				if err != nil {
					return err
				}
				if stage == nil {
					return cosmoserr.NewValidation("unknown_stage", fmt.Errorf("task references unknown stage id %d", t.StageID))
				}
				stageCache[t.StageID] = stage
			}
			if err := os.MkdirAll(t.OutputDir(stage.OutputDir(c.wf.OutputDir)), 0o755); err != nil {
				return fmt.Errorf("create task output dir: %w", err)
			}
			if err := os.MkdirAll(t.JobOutputDir(stage.OutputDir(c.wf.OutputDir)), 0o755); err != nil {
				return fmt.Errorf("create task job output dir: %w", err)
			}
			for k, v := range inputs[i].Tags {
				tagRows = append(tagRows, &domain.TaskTag{TaskID: t.ID, Key: k, Value: v})
			}
		}
		return c.deps.TagRepo.BulkCreate(dbc, tagRows)
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// TaskFileInput mirrors one pre-persist TaskFile plus the synthetic
// placeholder id ("t_<n>") its producing Task's pcmd may reference, if
// any (§6).
type TaskFileInput struct {
	Name        string
	Path        string
	Fmt         string
	TaskID      int64
	SyntheticID string
}

// BulkSaveTaskFiles assigns real ids above the current max, inserts
// every TaskFile in one transaction, and rewrites any #F[t_<n>:...]
// reference in the affected tasks' pcmd to the newly-assigned real id
// (§3, §6). affectedTasks should include every Task whose pcmd might
// reference one of these files' synthetic ids.
func (c *Controller) BulkSaveTaskFiles(ctx context.Context, inputs []TaskFileInput, affectedTasks []*domain.Task) error {
	if len(inputs) == 0 {
		return nil
	}
	files := make([]*domain.TaskFile, len(inputs))
	for i, in := range inputs {
		fmtName := in.Fmt
		if fmtName == "" && in.Path != "" {
			fmtName = domain.InferFmt(in.Path)
		}
		files[i] = &domain.TaskFile{Name: in.Name, Path: in.Path, Fmt: fmtName, TaskID: in.TaskID}
	}

	return c.withTx(ctx, func(dbc dbctx.Context) error {
		assigned, err := c.deps.FileRepo.BulkCreate(dbc, files)
		if err != nil {
			return fmt.Errorf("bulk save task files: %w", err)
		}

		idMap := make(map[string]int64)
		for i, in := range inputs {
			if in.SyntheticID != "" {
				idMap[in.SyntheticID] = assigned[i]
			}
		}
		if len(idMap) == 0 {
			return nil
		}
		for _, t := range affectedTasks {
			rewritten, err := render.RewriteSyntheticRefs(t.Pcmd, idMap)
			if err != nil {
				return err
			}
			if rewritten == t.Pcmd {
				continue
			}
			if err := c.deps.TaskRepo.UpdateFields(dbc, t.ID, map[string]interface{}{"pcmd": rewritten}); err != nil {
				return err
			}
			t.Pcmd = rewritten
		}
		return nil
	})
}

// TaskEdgeInput is one parent->child dependency by task identity (§6).
type TaskEdgeInput struct {
	ParentID int64
	ChildID  int64
}

// BulkSaveTaskEdges persists directed parent->child dependencies in one
// transaction (§4.1).
func (c *Controller) BulkSaveTaskEdges(ctx context.Context, inputs []TaskEdgeInput) error {
	if c.wf == nil {
		return cosmoserr.NewWorkflow("no_active_workflow", fmt.Errorf("BulkSaveTaskEdges called before Start"))
	}
	if len(inputs) == 0 {
		return nil
	}
	edges := make([]*domain.TaskEdge, len(inputs))
	for i, in := range inputs {
		edges[i] = &domain.TaskEdge{WorkflowID: c.wf.ID, ParentID: in.ParentID, ChildID: in.ChildID}
	}
	return c.withTx(ctx, func(dbc dbctx.Context) error {
		return c.deps.EdgeRepo.BulkCreate(dbc, edges)
	})
}

// NextSyntheticTaskFileID returns the next synthetic TaskFile placeholder
// id for the bound workflow, in the form render.SyntheticRef expects.
// The counter is owned by this Controller instance (one per Workflow),
// not a process-wide global (§9's redesign note), and Start seeds it from
// max(TaskFile id)+1 so a resumed/reloaded workflow's placeholders never
// collide with the real ids already on disk.
func (c *Controller) NextSyntheticTaskFileID() string {
	c.nextSyntheticTaskFileID++
	return render.SyntheticRef(c.nextSyntheticTaskFileID)
}
