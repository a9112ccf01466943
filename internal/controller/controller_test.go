package controller_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/egafni/cosmos/internal/controller"
	"github.com/egafni/cosmos/internal/cosmoslog"
	"github.com/egafni/cosmos/internal/dbctx"
	"github.com/egafni/cosmos/internal/domain"
	"github.com/egafni/cosmos/internal/drm/localdrm"
	"github.com/egafni/cosmos/internal/jobmanager"
	"github.com/egafni/cosmos/internal/store"
	"github.com/egafni/cosmos/internal/testsupport"
)

func dbc(ctx context.Context) dbctx.Context { return dbctx.Context{Ctx: ctx} }

type harness struct {
	ctrl        *controller.Controller
	taskRepo    *store.TaskRepo
	attemptRepo *store.JobAttemptRepo
	stageRepo   *store.StageRepo
	log         *cosmoslog.Logger
	outputDir   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testsupport.DB(t)
	log := testsupport.Logger(t)

	workflowRepo := store.NewWorkflowRepo(db)
	stageRepo := store.NewStageRepo(db)
	taskRepo := store.NewTaskRepo(db)
	edgeRepo := store.NewTaskEdgeRepo(db)
	fileRepo := store.NewTaskFileRepo(db)
	tagRepo := store.NewTaskTagRepo(db)
	attemptRepo := store.NewJobAttemptRepo(db)

	driver := localdrm.New(log, 4)
	jm := jobmanager.New(db, log, attemptRepo, driver, jobmanager.Config{
		PollInterval:       20 * time.Millisecond,
		MaxConcurrentPolls: 8,
	})

	ctrl := controller.New(controller.Deps{
		DB:           db,
		Log:          log,
		WorkflowRepo: workflowRepo,
		StageRepo:    stageRepo,
		TaskRepo:     taskRepo,
		EdgeRepo:     edgeRepo,
		FileRepo:     fileRepo,
		TagRepo:      tagRepo,
		AttemptRepo:  attemptRepo,
		JobManager:   jm,
		Driver:       driver,
	})

	return &harness{
		ctrl:        ctrl,
		taskRepo:    taskRepo,
		attemptRepo: attemptRepo,
		stageRepo:   stageRepo,
		log:         log,
		outputDir:   t.TempDir(),
	}
}

func (h *harness) start(t *testing.T, name string, opts controller.StartOptions) *domain.Workflow {
	t.Helper()
	opts.RootOutputDir = h.outputDir
	if opts.MaxReattempts == 0 {
		opts.MaxReattempts = 3
	}
	wf, err := h.ctrl.Start(context.Background(), name, domain.ModeCreate, opts)
	require.NoError(t, err)
	return wf
}

func TestLinearChainAllSucceedFirstAttempt(t *testing.T) {
	h := newHarness(t)
	wf := h.start(t, "linear", controller.StartOptions{})
	ctx := context.Background()

	stage, err := h.ctrl.AddStage(ctx, "only")
	require.NoError(t, err)

	tasks, err := h.ctrl.BulkSaveTasks(ctx, []controller.TaskInput{
		{StageID: stage.ID, Pcmd: "true", Tags: map[string]string{"name": "a"}},
		{StageID: stage.ID, Pcmd: "true", Tags: map[string]string{"name": "b"}},
		{StageID: stage.ID, Pcmd: "true", Tags: map[string]string{"name": "c"}},
	})
	require.NoError(t, err)
	a, b, c := tasks[0], tasks[1], tasks[2]

	require.NoError(t, h.ctrl.BulkSaveTaskEdges(ctx, []controller.TaskEdgeInput{
		{ParentID: a.ID, ChildID: b.ID},
		{ParentID: b.ID, ChildID: c.ID},
	}))

	require.NoError(t, runWithTimeout(t, h.ctrl, true, true))

	for _, id := range []int64{a.ID, b.ID, c.ID} {
		got, err := h.taskRepo.GetByIDs(dbc(ctx), []int64{id})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, domain.TaskSuccessful, got[0].Status)

		n, err := h.attemptRepo.CountByTask(dbc(ctx), id)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, "exactly one attempt per task on a clean first-try success")
	}

	assert.NotNil(t, h.ctrl.Workflow().FinishedOn)
	assert.False(t, h.ctrl.Terminated())
	_ = wf
}

func TestDiamondWaitsForBothBranches(t *testing.T) {
	h := newHarness(t)
	h.start(t, "diamond", controller.StartOptions{})
	ctx := context.Background()

	stage, err := h.ctrl.AddStage(ctx, "only")
	require.NoError(t, err)

	tasks, err := h.ctrl.BulkSaveTasks(ctx, []controller.TaskInput{
		{StageID: stage.ID, Pcmd: "true", Tags: map[string]string{"n": "a"}},
		{StageID: stage.ID, Pcmd: "sleep 0.05", Tags: map[string]string{"n": "b"}},
		{StageID: stage.ID, Pcmd: "true", Tags: map[string]string{"n": "c"}},
		{StageID: stage.ID, Pcmd: "true", Tags: map[string]string{"n": "d"}},
	})
	require.NoError(t, err)
	a, b, c, d := tasks[0], tasks[1], tasks[2], tasks[3]

	require.NoError(t, h.ctrl.BulkSaveTaskEdges(ctx, []controller.TaskEdgeInput{
		{ParentID: a.ID, ChildID: b.ID},
		{ParentID: a.ID, ChildID: c.ID},
		{ParentID: b.ID, ChildID: d.ID},
		{ParentID: c.ID, ChildID: d.ID},
	}))

	require.NoError(t, runWithTimeout(t, h.ctrl, true, true))

	rows, err := h.taskRepo.GetByIDs(dbc(ctx), []int64{a.ID, b.ID, c.ID, d.ID})
	require.NoError(t, err)
	byID := map[int64]*domain.Task{}
	for _, r := range rows {
		byID[r.ID] = r
		assert.Equal(t, domain.TaskSuccessful, r.Status)
	}

	// Edge ordering invariant (spec §8): for every edge (p, c), p finished
	// no later than c started.
	for _, e := range [][2]int64{{a.ID, b.ID}, {a.ID, c.ID}, {b.ID, d.ID}, {c.ID, d.ID}} {
		parent, child := byID[e[0]], byID[e[1]]
		require.NotNil(t, parent.FinishedOn)
		require.NotNil(t, child.StartedOn)
		assert.False(t, parent.FinishedOn.After(*child.StartedOn))
	}
}

func TestRetryThenRecover(t *testing.T) {
	h := newHarness(t)
	h.start(t, "retry-recover", controller.StartOptions{MaxReattempts: 3})
	ctx := context.Background()

	stage, err := h.ctrl.AddStage(ctx, "only")
	require.NoError(t, err)

	counter := filepath.Join(t.TempDir(), "counter")
	cmd := "n=$(cat " + counter + " 2>/dev/null || echo 0); n=$((n+1)); echo $n > " + counter + "; if [ $n -lt 3 ]; then exit 1; fi"

	tasks, err := h.ctrl.BulkSaveTasks(ctx, []controller.TaskInput{
		{StageID: stage.ID, Pcmd: cmd, Tags: map[string]string{"n": "a"}},
	})
	require.NoError(t, err)
	taskID := tasks[0].ID

	require.NoError(t, runWithTimeout(t, h.ctrl, true, true))

	got, err := h.taskRepo.GetByIDs(dbc(ctx), []int64{taskID})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskSuccessful, got[0].Status)

	n, err := h.attemptRepo.CountByTask(dbc(ctx), taskID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n, "two failures plus the recovering third attempt")
}

func TestRetryExhaustedTerminates(t *testing.T) {
	h := newHarness(t)
	h.start(t, "retry-exhausted", controller.StartOptions{MaxReattempts: 1})
	ctx := context.Background()

	stage, err := h.ctrl.AddStage(ctx, "only")
	require.NoError(t, err)

	tasks, err := h.ctrl.BulkSaveTasks(ctx, []controller.TaskInput{
		{StageID: stage.ID, Pcmd: "exit 1", Tags: map[string]string{"n": "a"}},
	})
	require.NoError(t, err)
	taskID := tasks[0].ID

	require.NoError(t, runWithTimeout(t, h.ctrl, true, true))

	assert.True(t, h.ctrl.Terminated())
	assert.NotNil(t, h.ctrl.Workflow().FinishedOn)

	got, err := h.taskRepo.GetByIDs(dbc(ctx), []int64{taskID})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, got[0].Status)

	n, err := h.attemptRepo.CountByTask(dbc(ctx), taskID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "max_reattempts=1 fails the task on the very first failure")
}

func TestSingleNOOPWorkflowNeverInvokesDRM(t *testing.T) {
	h := newHarness(t)
	h.start(t, "noop-only", controller.StartOptions{})
	ctx := context.Background()

	stage, err := h.ctrl.AddStage(ctx, "only")
	require.NoError(t, err)

	tasks, err := h.ctrl.BulkSaveTasks(ctx, []controller.TaskInput{
		{StageID: stage.ID, NOOP: true, Tags: map[string]string{"n": "a"}},
	})
	require.NoError(t, err)
	taskID := tasks[0].ID

	require.NoError(t, runWithTimeout(t, h.ctrl, true, true))

	got, err := h.taskRepo.GetByIDs(dbc(ctx), []int64{taskID})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskSuccessful, got[0].Status)

	n, err := h.attemptRepo.CountByTask(dbc(ctx), taskID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "a NOOP task never submits a JobAttempt")
}

func TestIntermediateGCClearsMiddleTaskNotRoot(t *testing.T) {
	h := newHarness(t)
	wf := h.start(t, "gc-chain", controller.StartOptions{DeleteIntermediates: true})
	ctx := context.Background()

	stage, err := h.ctrl.AddStage(ctx, "only")
	require.NoError(t, err)

	markerA := filepath.Join(t.TempDir(), "a.out")
	tasks, err := h.ctrl.BulkSaveTasks(ctx, []controller.TaskInput{
		{StageID: stage.ID, Pcmd: "echo hi > " + markerA, Tags: map[string]string{"n": "a"}},
		{StageID: stage.ID, Pcmd: "true", Tags: map[string]string{"n": "b"}},
		{StageID: stage.ID, Pcmd: "true", Tags: map[string]string{"n": "c"}},
	})
	require.NoError(t, err)
	a, b, c := tasks[0], tasks[1], tasks[2]

	require.NoError(t, h.ctrl.BulkSaveTaskEdges(ctx, []controller.TaskEdgeInput{
		{ParentID: a.ID, ChildID: b.ID},
		{ParentID: b.ID, ChildID: c.ID},
	}))

	require.NoError(t, runWithTimeout(t, h.ctrl, true, true))

	gotA, err := h.taskRepo.GetByIDs(dbc(ctx), []int64{a.ID})
	require.NoError(t, err)
	gotB, err := h.taskRepo.GetByIDs(dbc(ctx), []int64{b.ID})
	require.NoError(t, err)

	assert.False(t, gotA[0].ClearedOutputFiles, "a root task is never classified intermediate")
	assert.True(t, gotB[0].ClearedOutputFiles, "B has a parent and a successful child C")

	stageRow, err := h.stageRepo.GetByID(dbc(ctx), stage.ID)
	require.NoError(t, err)
	bJobOutDir := gotB[0].JobOutputDir(stageRow.OutputDir(wf.OutputDir))
	entries, err := os.ReadDir(bJobOutDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "B's job_output_dir must be emptied by GC")
}

// runWithTimeout fails the test instead of hanging forever if the engine
// never drains -- a symptom of a scheduling bug rather than an expected
// outcome for any of these fixtures.
func runWithTimeout(t *testing.T, ctrl *controller.Controller, terminateOnFail, finish bool) error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		done <- ctrl.Run(context.Background(), terminateOnFail, finish)
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not complete within the test timeout")
		return nil
	}
}
