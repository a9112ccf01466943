package main

import (
	"context"
	"fmt"

	"github.com/egafni/cosmos/internal/controller"
)

// dagSpec is the JSON shape a caller hands cmd/cosmos for a create/restart
// run: a flat list of stages, each carrying the tasks it owns. A task's
// own id is local to this file and is only ever used to resolve
// depends_on edges -- it has nothing to do with the real int64 ids the
// Controller assigns once persisted.
type dagSpec struct {
	Stages []stageSpec `json:"stages"`
}

type stageSpec struct {
	Name  string     `json:"stage_name"`
	Tasks []taskSpec `json:"tasks"`
}

type taskSpec struct {
	ID                    string            `json:"id"`
	DependsOn             []string          `json:"depends_on"`
	Pcmd                  string            `json:"pcmd"`
	Tags                  map[string]string `json:"tags"`
	Resources             resourceSpec      `json:"resources"`
	NOOP                  bool              `json:"noop"`
	SucceedOnFailure      bool              `json:"succeed_on_failure"`
	DontDeleteOutputFiles bool              `json:"dont_delete_output_files"`
	OutputFileSpecs       []outputFileSpec  `json:"output_file_specs"`
}

type resourceSpec struct {
	MemoryMB    int    `json:"memory_mb"`
	CPUCount    int    `json:"cpu_count"`
	TimeMinutes int    `json:"time_minutes"`
	Queue       string `json:"queue"`
}

type outputFileSpec struct {
	SyntheticID string `json:"synthetic_id"`
	Name        string `json:"name"`
	Fmt         string `json:"fmt"`
}

// buildDAG replays a dagSpec through the Controller's bulk APIs: one
// AddStage + BulkSaveTasks + BulkSaveTaskFiles per stage (files are
// rewritten against that stage's own tasks, the only tasks a pcmd can
// legally reference its own synthetic ids from), then a single
// BulkSaveTaskEdges pass across the whole graph once every task has a
// real id.
func buildDAG(ctx context.Context, ctrl *controller.Controller, spec dagSpec) error {
	idToReal := map[string]int64{}
	var allTaskSpecs []taskSpec

	for _, st := range spec.Stages {
		stage, err := ctrl.AddStage(ctx, st.Name)
		if err != nil {
			return fmt.Errorf("add stage %q: %w", st.Name, err)
		}

		inputs := make([]controller.TaskInput, len(st.Tasks))
		for i, t := range st.Tasks {
			inputs[i] = controller.TaskInput{
				StageID:               stage.ID,
				Pcmd:                  t.Pcmd,
				Tags:                  t.Tags,
				MemoryMB:              t.Resources.MemoryMB,
				CPUCount:              t.Resources.CPUCount,
				TimeMinutes:           t.Resources.TimeMinutes,
				NOOP:                  t.NOOP,
				SucceedOnFailure:      t.SucceedOnFailure,
				DontDeleteOutputFiles: t.DontDeleteOutputFiles,
			}
		}
		tasks, err := ctrl.BulkSaveTasks(ctx, inputs)
		if err != nil {
			return fmt.Errorf("save tasks for stage %q: %w", st.Name, err)
		}

		var fileInputs []controller.TaskFileInput
		for i, t := range st.Tasks {
			idToReal[t.ID] = tasks[i].ID
			for _, f := range t.OutputFileSpecs {
				fileInputs = append(fileInputs, controller.TaskFileInput{
					Name: f.Name, Fmt: f.Fmt, TaskID: tasks[i].ID, SyntheticID: f.SyntheticID,
				})
			}
		}
		if err := ctrl.BulkSaveTaskFiles(ctx, fileInputs, tasks); err != nil {
			return fmt.Errorf("save task files for stage %q: %w", st.Name, err)
		}

		allTaskSpecs = append(allTaskSpecs, st.Tasks...)
	}

	var edgeInputs []controller.TaskEdgeInput
	for _, t := range allTaskSpecs {
		childID, ok := idToReal[t.ID]
		if !ok {
			continue
		}
		for _, dep := range t.DependsOn {
			parentID, ok := idToReal[dep]
			if !ok {
				return fmt.Errorf("task %q depends_on unknown task id %q", t.ID, dep)
			}
			edgeInputs = append(edgeInputs, controller.TaskEdgeInput{ParentID: parentID, ChildID: childID})
		}
	}
	return ctrl.BulkSaveTaskEdges(ctx, edgeInputs)
}
