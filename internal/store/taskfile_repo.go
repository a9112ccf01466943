package store

import (
	"gorm.io/gorm"

	"github.com/egafni/cosmos/internal/dbctx"
	"github.com/egafni/cosmos/internal/domain"
)

type TaskFileRepo struct{ db *gorm.DB }

func NewTaskFileRepo(db *gorm.DB) *TaskFileRepo { return &TaskFileRepo{db: db} }

func (r *TaskFileRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return r.db.WithContext(dbc.Ctx)
}

func (r *TaskFileRepo) maxID(dbc dbctx.Context) (int64, error) {
	return r.MaxID(dbc)
}

// MaxID returns the highest assigned TaskFile id, or 0 if none exist yet.
// Exported so Controller.Start can reseed the synthetic placeholder
// counter against whatever real files a resumed/reloaded workflow
// already has on disk (§9).
func (r *TaskFileRepo) MaxID(dbc dbctx.Context) (int64, error) {
	var max int64
	err := r.tx(dbc).Model(&domain.TaskFile{}).Select("COALESCE(MAX(id), 0)").Scan(&max).Error
	return max, err
}

// BulkCreate assigns real ids above the current max and returns a map
// from each file's index in files to its assigned real id; callers pair
// those indices with their own synthetic ids ("t_<n>") to rewrite any
// #F[t_<n>:...] references left in pcmd templates (§3).
func (r *TaskFileRepo) BulkCreate(dbc dbctx.Context, files []*domain.TaskFile) (map[int]int64, error) {
	if len(files) == 0 {
		return nil, nil
	}
	max, err := r.maxID(dbc)
	if err != nil {
		return nil, err
	}
	assigned := make(map[int]int64, len(files))
	for i, f := range files {
		max++
		f.ID = max
		assigned[i] = f.ID
	}
	if err := r.tx(dbc).Create(&files).Error; err != nil {
		return nil, err
	}
	return assigned, nil
}

func (r *TaskFileRepo) GetByIDs(dbc dbctx.Context, ids []int64) ([]*domain.TaskFile, error) {
	var out []*domain.TaskFile
	if len(ids) == 0 {
		return out, nil
	}
	err := r.tx(dbc).Where("id IN ?", ids).Find(&out).Error
	return out, err
}

func (r *TaskFileRepo) ListByTask(dbc dbctx.Context, taskID int64) ([]*domain.TaskFile, error) {
	var out []*domain.TaskFile
	err := r.tx(dbc).Where("task_id = ?", taskID).Find(&out).Error
	return out, err
}

func (r *TaskFileRepo) UpdatePath(dbc dbctx.Context, id int64, path, fmtName string) error {
	return r.tx(dbc).Model(&domain.TaskFile{}).Where("id = ?", id).
		Updates(map[string]interface{}{"path": path, "fmt": fmtName}).Error
}

func (r *TaskFileRepo) DeleteByTaskIDs(dbc dbctx.Context, taskIDs []int64) error {
	if len(taskIDs) == 0 {
		return nil
	}
	return r.tx(dbc).Where("task_id IN ?", taskIDs).Delete(&domain.TaskFile{}).Error
}

// DeleteOrphaned removes any TaskFile whose owning Task row no longer
// exists (original's _delete_stale_objects, §4.1).
func (r *TaskFileRepo) DeleteOrphaned(dbc dbctx.Context) error {
	return r.tx(dbc).Where("task_id NOT IN (SELECT id FROM task)").Delete(&domain.TaskFile{}).Error
}

