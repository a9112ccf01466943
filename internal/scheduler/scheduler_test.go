package scheduler

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/egafni/cosmos/internal/domain"
)

func task(id, stageID int64, status domain.TaskStatus) *domain.Task {
	return &domain.Task{ID: id, StageID: stageID, Status: status}
}

func TestLinearChainFrontier(t *testing.T) {
	// A -> B -> C, nothing started yet.
	tasks := []*domain.Task{
		task(1, 1, domain.TaskNoAttempt),
		task(2, 1, domain.TaskNoAttempt),
		task(3, 1, domain.TaskNoAttempt),
	}
	edges := []*domain.TaskEdge{
		{ParentID: 1, ChildID: 2},
		{ParentID: 2, ChildID: 3},
	}
	s := New(tasks, edges)

	require.Equal(t, []int64{1}, s.GetReadyTasks())

	s.MarkQueued(1)
	assert.Empty(t, s.GetReadyTasks(), "A is queued, nothing else is ready yet")

	s.CompleteTask(1, domain.TaskSuccessful)
	require.Equal(t, []int64{2}, s.GetReadyTasks())

	s.MarkQueued(2)
	s.CompleteTask(2, domain.TaskSuccessful)
	require.Equal(t, []int64{3}, s.GetReadyTasks())

	s.MarkQueued(3)
	s.CompleteTask(3, domain.TaskSuccessful)
	assert.True(t, s.Drained())
}

func TestDiamondFrontier(t *testing.T) {
	// A -> {B, C} -> D
	tasks := []*domain.Task{
		task(1, 1, domain.TaskNoAttempt),
		task(2, 1, domain.TaskNoAttempt),
		task(3, 1, domain.TaskNoAttempt),
		task(4, 1, domain.TaskNoAttempt),
	}
	edges := []*domain.TaskEdge{
		{ParentID: 1, ChildID: 2},
		{ParentID: 1, ChildID: 3},
		{ParentID: 2, ChildID: 4},
		{ParentID: 3, ChildID: 4},
	}
	s := New(tasks, edges)

	require.Equal(t, []int64{1}, s.GetReadyTasks())
	s.MarkQueued(1)
	s.CompleteTask(1, domain.TaskSuccessful)

	ready := s.GetReadyTasks()
	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
	require.Equal(t, []int64{2, 3}, ready, "B and C must both be in the frontier simultaneously after A")

	s.MarkQueued(2, 3)
	assert.Empty(t, s.GetReadyTasks(), "D must not be ready until both B and C are done")

	s.CompleteTask(2, domain.TaskSuccessful)
	assert.Empty(t, s.GetReadyTasks(), "D still waits on C")

	s.CompleteTask(3, domain.TaskSuccessful)
	require.Equal(t, []int64{4}, s.GetReadyTasks())
}

func TestResumePreRemovesSuccessfulTasks(t *testing.T) {
	// B already successful from a prior run; only C should surface.
	tasks := []*domain.Task{
		task(1, 1, domain.TaskSuccessful),
		task(2, 1, domain.TaskInProgress),
	}
	edges := []*domain.TaskEdge{{ParentID: 1, ChildID: 2}}
	s := New(tasks, edges)

	require.Equal(t, []int64{2}, s.GetReadyTasks(), "successful predecessors are pre-removed from dag_queue")
}

func TestStuckNonEmptyDetectsCycle(t *testing.T) {
	tasks := []*domain.Task{
		task(1, 1, domain.TaskNoAttempt),
		task(2, 1, domain.TaskNoAttempt),
	}
	edges := []*domain.TaskEdge{
		{ParentID: 1, ChildID: 2},
		{ParentID: 2, ChildID: 1},
	}
	s := New(tasks, edges)
	assert.Empty(t, s.GetReadyTasks())
	assert.False(t, s.Drained())
	assert.True(t, s.StuckNonEmpty())
}

func TestIsIntermediate(t *testing.T) {
	// A -> B -> C. A is a root (no parent): never intermediate.
	// B has a parent and a successful child C: intermediate once C succeeds.
	tasks := []*domain.Task{
		task(1, 1, domain.TaskSuccessful),
		task(2, 1, domain.TaskSuccessful),
		task(3, 1, domain.TaskNoAttempt),
	}
	edges := []*domain.TaskEdge{
		{ParentID: 1, ChildID: 2},
		{ParentID: 2, ChildID: 3},
	}
	s := New(tasks, edges)

	assert.False(t, s.IsIntermediate(1), "a root task is never intermediate")
	assert.False(t, s.IsIntermediate(2), "B's only child C has not succeeded yet")

	s.CompleteTask(3, domain.TaskSuccessful)
	assert.True(t, s.IsIntermediate(2), "B now has a successful child")
	assert.False(t, s.IsIntermediate(3), "C is a leaf: it has no children")
}

func TestIntermediateCandidatesSkipsClearedAndProtected(t *testing.T) {
	tasks := []*domain.Task{
		task(1, 1, domain.TaskSuccessful),
		task(2, 1, domain.TaskSuccessful),
		task(3, 1, domain.TaskSuccessful),
		task(4, 1, domain.TaskSuccessful),
	}
	tasks[1].ClearedOutputFiles = false
	tasks[2].DontDeleteOutputFiles = true
	edges := []*domain.TaskEdge{
		{ParentID: 1, ChildID: 2},
		{ParentID: 2, ChildID: 3},
		{ParentID: 1, ChildID: 3},
		{ParentID: 3, ChildID: 4},
	}
	s := New(tasks, edges)

	candidates := s.IntermediateCandidates()
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })
	require.Equal(t, []int64{2}, candidates, "task 3 is protected by dont_delete_output_files")

	s.MarkCleared(2)
	assert.Empty(t, s.IntermediateCandidates())
}
