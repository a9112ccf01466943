package store

import (
	"gorm.io/gorm"

	"github.com/egafni/cosmos/internal/dbctx"
	"github.com/egafni/cosmos/internal/domain"
)

type TaskTagRepo struct{ db *gorm.DB }

func NewTaskTagRepo(db *gorm.DB) *TaskTagRepo { return &TaskTagRepo{db: db} }

func (r *TaskTagRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return r.db.WithContext(dbc.Ctx)
}

func (r *TaskTagRepo) maxID(dbc dbctx.Context) (int64, error) {
	var max int64
	err := r.tx(dbc).Model(&domain.TaskTag{}).Select("COALESCE(MAX(id), 0)").Scan(&max).Error
	return max, err
}

func (r *TaskTagRepo) BulkCreate(dbc dbctx.Context, tags []*domain.TaskTag) error {
	if len(tags) == 0 {
		return nil
	}
	max, err := r.maxID(dbc)
	if err != nil {
		return err
	}
	for _, t := range tags {
		max++
		t.ID = max
	}
	return r.tx(dbc).Create(&tags).Error
}

func (r *TaskTagRepo) ListByTask(dbc dbctx.Context, taskID int64) ([]*domain.TaskTag, error) {
	var out []*domain.TaskTag
	err := r.tx(dbc).Where("task_id = ?", taskID).Find(&out).Error
	return out, err
}

func (r *TaskTagRepo) DeleteByTaskIDs(dbc dbctx.Context, taskIDs []int64) error {
	if len(taskIDs) == 0 {
		return nil
	}
	return r.tx(dbc).Where("task_id IN ?", taskIDs).Delete(&domain.TaskTag{}).Error
}

// DeleteOrphaned removes any TaskTag whose owning Task row no longer
// exists (original's _delete_stale_objects, §4.1).
func (r *TaskTagRepo) DeleteOrphaned(dbc dbctx.Context) error {
	return r.tx(dbc).Where("task_id NOT IN (SELECT id FROM task)").Delete(&domain.TaskTag{}).Error
}
