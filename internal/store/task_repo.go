package store

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/egafni/cosmos/internal/cosmoserr"
	"github.com/egafni/cosmos/internal/dbctx"
	"github.com/egafni/cosmos/internal/domain"
)

type TaskRepo struct{ db *gorm.DB }

func NewTaskRepo(db *gorm.DB) *TaskRepo { return &TaskRepo{db: db} }

func (r *TaskRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return r.db.WithContext(dbc.Ctx)
}

func (r *TaskRepo) maxID(dbc dbctx.Context) (int64, error) {
	var max int64
	err := r.tx(dbc).Model(&domain.Task{}).Select("COALESCE(MAX(id), 0)").Scan(&max).Error
	return max, err
}

// BulkCreate assigns contiguous ids above the current max, inserts every
// Task in one transaction, and returns the caller's slice mutated with
// its assigned ids. A duplicate (stage, tags) within the batch is a hard
// ValidationError reporting every colliding group, not just the first.
func (r *TaskRepo) BulkCreate(dbc dbctx.Context, tasks []*domain.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	type key struct {
		stageID int64
		hash    string
	}
	seen := map[key][]int{}
	for i, t := range tasks {
		k := key{stageID: t.StageID, hash: t.TagsHash}
		seen[k] = append(seen[k], i)
	}
	var dups []string
	for k, idxs := range seen {
		if len(idxs) > 1 {
			dups = append(dups, fmt.Sprintf("stage=%d tags=%q (%d tasks)", k.stageID, k.hash, len(idxs)))
		}
	}
	if len(dups) > 0 {
		sort.Strings(dups)
		return cosmoserr.NewValidation("duplicate_stage_tags", fmt.Errorf("duplicate (stage, tags) in batch: %s", strings.Join(dups, "; ")))
	}

	max, err := r.maxID(dbc)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for i, t := range tasks {
		max++
		t.ID = max
		if t.CreatedOn.IsZero() {
			t.CreatedOn = now
		}
		if t.Status == "" {
			t.Status = domain.TaskNoAttempt
		}
		tasks[i] = t
	}
	if err := r.tx(dbc).Create(&tasks).Error; err != nil {
		return fmt.Errorf("insert tasks: %w", err)
	}
	return nil
}

func (r *TaskRepo) GetByIDs(dbc dbctx.Context, ids []int64) ([]*domain.Task, error) {
	var out []*domain.Task
	if len(ids) == 0 {
		return out, nil
	}
	err := r.tx(dbc).Where("id IN ?", ids).Find(&out).Error
	return out, err
}

func (r *TaskRepo) ListByStage(dbc dbctx.Context, stageID int64) ([]*domain.Task, error) {
	var out []*domain.Task
	err := r.tx(dbc).Where("stage_id = ?", stageID).Find(&out).Error
	return out, err
}

// ListByWorkflow hydrates every Task belonging to a workflow, joined
// through Stage. Called once at the start of Controller.Run (§9: never
// traverse back-references inside the main loop).
func (r *TaskRepo) ListByWorkflow(dbc dbctx.Context, workflowID int64) ([]*domain.Task, error) {
	var out []*domain.Task
	err := r.tx(dbc).
		Joins("JOIN stage ON stage.id = task.stage_id").
		Where("stage.workflow_id = ?", workflowID).
		Find(&out).Error
	return out, err
}

func (r *TaskRepo) UpdateFields(dbc dbctx.Context, id int64, updates map[string]interface{}) error {
	return r.tx(dbc).Model(&domain.Task{}).Where("id = ?", id).Updates(updates).Error
}

func (r *TaskRepo) BulkUpdateFields(dbc dbctx.Context, ids []int64, updates map[string]interface{}) error {
	if len(ids) == 0 {
		return nil
	}
	return r.tx(dbc).Model(&domain.Task{}).Where("id IN ?", ids).Updates(updates).Error
}

func (r *TaskRepo) CountByStatus(dbc dbctx.Context, workflowID int64) (map[domain.TaskStatus]int64, error) {
	type row struct {
		Status domain.TaskStatus
		Count  int64
	}
	var rows []row
	err := r.tx(dbc).Model(&domain.Task{}).
		Joins("JOIN stage ON stage.id = task.stage_id").
		Where("stage.workflow_id = ?", workflowID).
		Select("task.status AS status, COUNT(*) AS count").
		Group("task.status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[domain.TaskStatus]int64, len(rows))
	for _, rr := range rows {
		out[rr.Status] = rr.Count
	}
	return out, nil
}

// UnsuccessfulIDsByWorkflow lists the ids of every Task in the workflow
// whose status is not successful -- the reload-mode prune set (§4.1).
func (r *TaskRepo) UnsuccessfulIDsByWorkflow(dbc dbctx.Context, workflowID int64) ([]int64, error) {
	var ids []int64
	err := r.tx(dbc).Model(&domain.Task{}).
		Joins("JOIN stage ON stage.id = task.stage_id").
		Where("stage.workflow_id = ? AND task.status <> ?", workflowID, domain.TaskSuccessful).
		Pluck("task.id", &ids).Error
	return ids, err
}

func (r *TaskRepo) DeleteByIDs(dbc dbctx.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return r.tx(dbc).Where("id IN ?", ids).Delete(&domain.Task{}).Error
}
