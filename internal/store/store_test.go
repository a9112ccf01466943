package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/egafni/cosmos/internal/cosmoserr"
	"github.com/egafni/cosmos/internal/dbctx"
	"github.com/egafni/cosmos/internal/domain"
	"github.com/egafni/cosmos/internal/store"
	"github.com/egafni/cosmos/internal/testsupport"
)

func dbc(ctx context.Context) dbctx.Context { return dbctx.Context{Ctx: ctx} }

func TestStageGetOrCreateIsIdempotent(t *testing.T) {
	db := testsupport.DB(t)
	ctx := context.Background()
	workflowRepo := store.NewWorkflowRepo(db)
	stageRepo := store.NewStageRepo(db)

	wf := &domain.Workflow{Name: "wf1", OutputDir: "/tmp/wf1"}
	require.NoError(t, workflowRepo.Create(dbc(ctx), wf))

	a, err := stageRepo.GetOrCreate(dbc(ctx), wf.ID, "align")
	require.NoError(t, err)
	b, err := stageRepo.GetOrCreate(dbc(ctx), wf.ID, "align")
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID, "GetOrCreate must return the same row on a second call")

	c, err := stageRepo.GetOrCreate(dbc(ctx), wf.ID, "variant_call")
	require.NoError(t, err)
	assert.Equal(t, a.OrderInWorkflow+1, c.OrderInWorkflow, "a new stage gets the next order_in_workflow")
}

func TestTaskBulkCreateRejectsDuplicateStageTagsWithinBatch(t *testing.T) {
	db := testsupport.DB(t)
	ctx := context.Background()
	workflowRepo := store.NewWorkflowRepo(db)
	stageRepo := store.NewStageRepo(db)
	taskRepo := store.NewTaskRepo(db)

	wf := &domain.Workflow{Name: "wf1", OutputDir: "/tmp/wf1"}
	require.NoError(t, workflowRepo.Create(dbc(ctx), wf))
	stage, err := stageRepo.GetOrCreate(dbc(ctx), wf.ID, "only")
	require.NoError(t, err)

	hash := domain.TagsHash(map[string]string{"sample": "s1"})
	tasks := []*domain.Task{
		{StageID: stage.ID, Pcmd: "true", TagsHash: hash},
		{StageID: stage.ID, Pcmd: "true", TagsHash: hash},
	}

	err = taskRepo.BulkCreate(dbc(ctx), tasks)
	require.Error(t, err)
	assert.True(t, cosmoserr.IsKind(err, cosmoserr.Validation))
}

func TestTaskBulkCreateAssignsContiguousIDs(t *testing.T) {
	db := testsupport.DB(t)
	ctx := context.Background()
	workflowRepo := store.NewWorkflowRepo(db)
	stageRepo := store.NewStageRepo(db)
	taskRepo := store.NewTaskRepo(db)

	wf := &domain.Workflow{Name: "wf1", OutputDir: "/tmp/wf1"}
	require.NoError(t, workflowRepo.Create(dbc(ctx), wf))
	stage, err := stageRepo.GetOrCreate(dbc(ctx), wf.ID, "only")
	require.NoError(t, err)

	tasks := []*domain.Task{
		{StageID: stage.ID, Pcmd: "true", TagsHash: domain.TagsHash(map[string]string{"n": "a"})},
		{StageID: stage.ID, Pcmd: "true", TagsHash: domain.TagsHash(map[string]string{"n": "b"})},
	}
	require.NoError(t, taskRepo.BulkCreate(dbc(ctx), tasks))
	assert.Equal(t, tasks[0].ID+1, tasks[1].ID)

	got, err := taskRepo.GetByIDs(dbc(ctx), []int64{tasks[0].ID, tasks[1].ID})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	for _, tk := range got {
		assert.Equal(t, domain.TaskNoAttempt, tk.Status, "BulkCreate defaults status to no_attempt")
	}
}

func TestUnsuccessfulIDsByWorkflowExcludesSuccessfulTasks(t *testing.T) {
	db := testsupport.DB(t)
	ctx := context.Background()
	workflowRepo := store.NewWorkflowRepo(db)
	stageRepo := store.NewStageRepo(db)
	taskRepo := store.NewTaskRepo(db)

	wf := &domain.Workflow{Name: "wf1", OutputDir: "/tmp/wf1"}
	require.NoError(t, workflowRepo.Create(dbc(ctx), wf))
	stage, err := stageRepo.GetOrCreate(dbc(ctx), wf.ID, "only")
	require.NoError(t, err)

	tasks := []*domain.Task{
		{StageID: stage.ID, Pcmd: "true", TagsHash: domain.TagsHash(map[string]string{"n": "a"}), Status: domain.TaskSuccessful},
		{StageID: stage.ID, Pcmd: "true", TagsHash: domain.TagsHash(map[string]string{"n": "b"}), Status: domain.TaskFailed},
	}
	require.NoError(t, taskRepo.BulkCreate(dbc(ctx), tasks))

	ids, err := taskRepo.UnsuccessfulIDsByWorkflow(dbc(ctx), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{tasks[1].ID}, ids)
}

func TestJobAttemptClaimForPollIsExclusive(t *testing.T) {
	db := testsupport.DB(t)
	ctx := context.Background()
	attemptRepo := store.NewJobAttemptRepo(db)

	a := &domain.JobAttempt{TaskID: 1, QueueStatus: domain.QueueQueued}
	require.NoError(t, attemptRepo.Create(dbc(ctx), a))

	claimed, err := attemptRepo.ClaimForPoll(dbc(ctx), a.ID)
	require.NoError(t, err)
	assert.True(t, claimed, "first claim on a queued, unlocked attempt succeeds")

	claimedAgain, err := attemptRepo.ClaimForPoll(dbc(ctx), a.ID)
	require.NoError(t, err)
	assert.False(t, claimedAgain, "a second claim on the same attempt must fail once locked_at is set")
}

func TestJobAttemptClaimForPollIgnoresUnqueuedAttempt(t *testing.T) {
	db := testsupport.DB(t)
	ctx := context.Background()
	attemptRepo := store.NewJobAttemptRepo(db)

	a := &domain.JobAttempt{TaskID: 1, QueueStatus: domain.QueueCompleted}
	require.NoError(t, attemptRepo.Create(dbc(ctx), a))

	claimed, err := attemptRepo.ClaimForPoll(dbc(ctx), a.ID)
	require.NoError(t, err)
	assert.False(t, claimed)
}
