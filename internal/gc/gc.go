// Package gc is the Intermediate GC (§4.6). It reclaims disk by emptying
// the job_output_dir of tasks that are internal to the DAG and whose
// dependants have all succeeded. Grounded on
// original_source/cosmos/Workflow/models.py's
// WorkflowManager.clear_intermediate_tasks/Task.clear_job_output_dir for
// the eligibility rule, and on spec §9's redesign note for the deletion
// mechanism: a recursive os.ReadDir/os.Lstat deleter that refuses to follow
// symlinks out of the task's job_output_dir, replacing the original's
// `os.system('rm -rf ...')` shell-out.
package gc

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/gorm"

	"github.com/egafni/cosmos/internal/cosmoslog"
	"github.com/egafni/cosmos/internal/dbctx"
	"github.com/egafni/cosmos/internal/scheduler"
	"github.com/egafni/cosmos/internal/store"
)

// Collector runs GC passes against one workflow's scheduler and store.
type Collector struct {
	log      *cosmoslog.Logger
	taskRepo *store.TaskRepo
	db       *gorm.DB
}

func New(db *gorm.DB, log *cosmoslog.Logger, taskRepo *store.TaskRepo) *Collector {
	return &Collector{log: log.With("component", "GC"), taskRepo: taskRepo, db: db}
}

// Run classifies every not-yet-cleared task in sched as intermediate or
// not, and for each eligible one (ClearedOutputFiles=false,
// DontDeleteOutputFiles=false) empties its job_output_dir and marks it
// cleared, both in the store and on the in-memory scheduler node. This
// is advisory: a deletion failure is logged and swallowed, never fatal
// to the workflow (§4.6, §7).
func (c *Collector) Run(ctx context.Context, sched *scheduler.Scheduler, jobOutputDir func(taskID int64) string) {
	for _, taskID := range sched.IntermediateCandidates() {
		dir := jobOutputDir(taskID)
		if err := EmptyDir(dir); err != nil {
			c.log.Warn("failed to clear intermediate task output", "task_id", taskID, "dir", dir, "error", err)
		} else {
			c.log.Info("cleared intermediate task output", "task_id", taskID, "dir", dir)
		}
		sched.MarkCleared(taskID)
		if err := c.taskRepo.UpdateFields(dbctx.Context{Ctx: ctx, Tx: c.db}, taskID, map[string]interface{}{
			"cleared_output_files": true,
		}); err != nil {
			c.log.Warn("failed to persist cleared_output_files", "task_id", taskID, "error", err)
		}
	}
}

// RemoveTree removes dir and everything inside it, honouring the same
// symlink-boundary rule as EmptyDir. Used for whole-directory teardown
// (reload-mode task pruning, restart-mode workflow wipe, §4.1) in place
// of the original's `os.system('rm -rf ...')`.
func RemoveTree(dir string) error {
	if err := EmptyDir(dir); err != nil {
		return err
	}
	if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// EmptyDir removes every entry inside dir (but not dir itself), refusing
// to descend through symlinks that point outside dir. A missing dir is
// not an error -- nothing to clear.
func EmptyDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if err := removeWithinBoundary(filepath.Join(dir, e.Name()), dir); err != nil {
			return err
		}
	}
	return nil
}

// removeWithinBoundary recursively removes path, refusing to follow any
// symlink whose resolved target escapes boundary. Symlinks themselves
// are removed (not followed) regardless of target.
func removeWithinBoundary(path, boundary string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		return os.Remove(path)
	}
	if !info.IsDir() {
		return os.Remove(path)
	}
	real, err := filepath.EvalSymlinks(path)
	if err == nil {
		boundaryReal, berr := filepath.EvalSymlinks(boundary)
		if berr == nil {
			rel, rerr := filepath.Rel(boundaryReal, real)
			if rerr != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
				return os.Remove(path)
			}
		}
	}
	children, err := os.ReadDir(path)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := removeWithinBoundary(filepath.Join(path, child.Name()), boundary); err != nil {
			return err
		}
	}
	return os.Remove(path)
}
