// Package scheduler is the in-memory DAG over task identifiers (§4.2).
// It is built once at the start of Controller.Run from the persisted
// tasks and edges -- per §9's redesign note, nothing here traverses back
// to the store; the Controller hydrates it and the Scheduler mutates
// only its own in-memory node bookkeeping.
package scheduler

import "github.com/egafni/cosmos/internal/domain"

// Node carries the status, stage and GC bookkeeping of one task, from the
// annotations the original WorkflowManager.createDiGraph puts on each
// graph node. Task tags are not copied onto the node.
type Node struct {
	TaskID                int64
	StageID               int64
	Status                domain.TaskStatus
	NOOP                  bool
	ClearedOutputFiles    bool
	DontDeleteOutputFiles bool
}

// Scheduler holds the full DAG plus a working copy ("dag_queue") that has
// already-successful tasks pre-removed, and the set of tasks dispatched
// but not yet completed ("queued_tasks").
type Scheduler struct {
	nodes map[int64]*Node

	// parents/children are the full, static adjacency of the DAG; they
	// never change after construction.
	parents  map[int64][]int64
	children map[int64][]int64

	// queueIndegree is the working in-degree count used by dagQueue;
	// it is decremented as parents complete and the corresponding task
	// is removed from the queue entirely once it completes.
	queueIndegree map[int64]int
	inQueue       map[int64]bool
	queuedTasks   map[int64]bool
}

// New builds both the full graph and the working dag_queue, pre-removing
// tasks that are already successful (the resume/reload case: a reloaded
// run must not re-offer already-successful tasks to the frontier).
func New(tasks []*domain.Task, edges []*domain.TaskEdge) *Scheduler {
	s := &Scheduler{
		nodes:         make(map[int64]*Node, len(tasks)),
		parents:       make(map[int64][]int64),
		children:      make(map[int64][]int64),
		queueIndegree: make(map[int64]int, len(tasks)),
		inQueue:       make(map[int64]bool, len(tasks)),
		queuedTasks:   make(map[int64]bool),
	}
	for _, t := range tasks {
		s.nodes[t.ID] = &Node{
			TaskID:                t.ID,
			StageID:               t.StageID,
			Status:                t.Status,
			NOOP:                  t.NOOP,
			ClearedOutputFiles:    t.ClearedOutputFiles,
			DontDeleteOutputFiles: t.DontDeleteOutputFiles,
		}
	}
	for _, e := range edges {
		s.parents[e.ChildID] = append(s.parents[e.ChildID], e.ParentID)
		s.children[e.ParentID] = append(s.children[e.ParentID], e.ChildID)
	}
	for id, n := range s.nodes {
		if n.Status == domain.TaskSuccessful {
			continue
		}
		s.inQueue[id] = true
	}
	for id := range s.inQueue {
		deg := 0
		for _, p := range s.parents[id] {
			if s.inQueue[p] {
				deg++
			}
		}
		s.queueIndegree[id] = deg
	}
	return s
}

// GetReadyTasks returns every task in dag_queue whose in-degree is zero
// and which has not already been dispatched (§4.2). There is no ordering
// guarantee within the returned frontier.
func (s *Scheduler) GetReadyTasks() []int64 {
	var ready []int64
	for id := range s.inQueue {
		if s.queuedTasks[id] {
			continue
		}
		if s.queueIndegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	return ready
}

// MarkQueued adds task ids to queued_tasks, the dispatched-but-incomplete
// set. Called by the Controller immediately after submission so a task
// is never offered twice by GetReadyTasks.
func (s *Scheduler) MarkQueued(ids ...int64) {
	for _, id := range ids {
		s.queuedTasks[id] = true
	}
}

// CompleteTask removes the node from dag_queue and stamps its final
// status on the full graph (§4.2). Removing it from dag_queue decrements
// the queue in-degree of every still-queued child.
func (s *Scheduler) CompleteTask(taskID int64, status domain.TaskStatus) {
	if n, ok := s.nodes[taskID]; ok {
		n.Status = status
	}
	delete(s.inQueue, taskID)
	delete(s.queueIndegree, taskID)
	delete(s.queuedTasks, taskID)
	for _, c := range s.children[taskID] {
		if s.inQueue[c] {
			s.queueIndegree[c]--
		}
	}
}

// MarkCleared records that GC has emptied a task's job_output_dir.
func (s *Scheduler) MarkCleared(taskID int64) {
	if n, ok := s.nodes[taskID]; ok {
		n.ClearedOutputFiles = true
	}
}

// Drained reports whether dag_queue is empty -- the success condition
// for Controller.Run's main loop.
func (s *Scheduler) Drained() bool {
	return len(s.inQueue) == 0
}

// StuckNonEmpty reports a cycle: dag_queue is non-empty but nothing in
// it has zero in-degree, so GetReadyTasks can never make progress again.
// The Controller treats this as a fatal WorkflowError (§4.2, §9).
func (s *Scheduler) StuckNonEmpty() bool {
	if len(s.inQueue) == 0 {
		return false
	}
	for id := range s.inQueue {
		if s.queuedTasks[id] {
			continue
		}
		if s.queueIndegree[id] == 0 {
			return false
		}
	}
	return true
}

// IsIntermediate reports whether a task is eligible for GC (§4.6): it has
// at least one parent, at least one child, and at least one child is
// already successful.
func (s *Scheduler) IsIntermediate(taskID int64) bool {
	if len(s.parents[taskID]) == 0 || len(s.children[taskID]) == 0 {
		return false
	}
	for _, c := range s.children[taskID] {
		if cn, ok := s.nodes[c]; ok && cn.Status == domain.TaskSuccessful {
			return true
		}
	}
	return false
}

// IntermediateCandidates returns every task id not yet cleared whose
// IsIntermediate holds, for the GC pass (§4.6).
func (s *Scheduler) IntermediateCandidates() []int64 {
	var out []int64
	for id, n := range s.nodes {
		if n.ClearedOutputFiles || n.DontDeleteOutputFiles {
			continue
		}
		if s.IsIntermediate(id) {
			out = append(out, id)
		}
	}
	return out
}

// Node exposes a task's in-memory node, for callers (GC, tests) that need
// its stage/flags without a second store round-trip.
func (s *Scheduler) Node(taskID int64) (*Node, bool) {
	n, ok := s.nodes[taskID]
	return n, ok
}
