package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/egafni/cosmos/internal/cosmoserr"
	"github.com/egafni/cosmos/internal/domain"
)

// Terminate is the terminate protocol (§4.5): kill every queued
// JobAttempt through the DRM, mark them and their owning Tasks failed,
// mark every not-already-successful Stage failed, and stamp the
// Workflow finished. It is idempotent -- replaying it against a
// Workflow that is already finished does nothing but still flips
// Terminated() so the caller can tell a terminate-driven stop apart from
// a clean Finished.
func (c *Controller) Terminate(ctx context.Context) error {
	if c.wf == nil {
		return cosmoserr.NewWorkflow("no_active_workflow", fmt.Errorf("Terminate called before Start"))
	}
	c.terminated = true

	if c.wf.FinishedOn != nil {
		return nil
	}
	c.log.Warn("terminating workflow", "name", c.wf.Name, "id", c.wf.ID)
	dbc := c.dbc(ctx)

	queued, err := c.deps.AttemptRepo.ListQueuedByWorkflow(dbc, c.wf.ID)
	if err != nil {
		return err
	}
	c.log.Info("sending terminate signal to running jobs", "count", len(queued))
	for _, a := range queued {
		c.deps.JobManager.TerminateJobAttempt(ctx, a)
	}

	now := time.Now().UTC()
	attemptIDs := make([]int64, 0, len(queued))
	taskIDSet := make(map[int64]bool, len(queued))
	for _, a := range queued {
		attemptIDs = append(attemptIDs, a.ID)
		taskIDSet[a.TaskID] = true
	}
	if len(attemptIDs) > 0 {
		if err := c.deps.AttemptRepo.BulkUpdateFields(dbc, attemptIDs, map[string]interface{}{
			"queue_status": domain.QueueCompleted,
			"successful":   false,
			"finished_on":  now,
		}); err != nil {
			return err
		}
	}

	taskIDs := make([]int64, 0, len(taskIDSet))
	for id := range taskIDSet {
		taskIDs = append(taskIDs, id)
	}
	if len(taskIDs) > 0 {
		if err := c.deps.TaskRepo.BulkUpdateFields(dbc, taskIDs, map[string]interface{}{
			"status":      domain.TaskFailed,
			"finished_on": now,
		}); err != nil {
			return err
		}
	}

	stages, err := c.deps.StageRepo.ListByWorkflow(dbc, c.wf.ID)
	if err != nil {
		return err
	}
	for _, s := range stages {
		if s.Status == domain.StageSuccessful {
			continue
		}
		if err := c.deps.StageRepo.UpdateStatus(dbc, s.ID, domain.StageFailed); err != nil {
			return err
		}
	}

	if err := c.Finished(ctx); err != nil {
		return err
	}
	c.log.Warn("workflow terminated", "name", c.wf.Name, "id", c.wf.ID)
	return nil
}
