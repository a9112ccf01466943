package store

import (
	"gorm.io/gorm"

	"github.com/egafni/cosmos/internal/dbctx"
	"github.com/egafni/cosmos/internal/domain"
)

type TaskEdgeRepo struct{ db *gorm.DB }

func NewTaskEdgeRepo(db *gorm.DB) *TaskEdgeRepo { return &TaskEdgeRepo{db: db} }

func (r *TaskEdgeRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return r.db.WithContext(dbc.Ctx)
}

func (r *TaskEdgeRepo) maxID(dbc dbctx.Context) (int64, error) {
	var max int64
	err := r.tx(dbc).Model(&domain.TaskEdge{}).Select("COALESCE(MAX(id), 0)").Scan(&max).Error
	return max, err
}

func (r *TaskEdgeRepo) BulkCreate(dbc dbctx.Context, edges []*domain.TaskEdge) error {
	if len(edges) == 0 {
		return nil
	}
	max, err := r.maxID(dbc)
	if err != nil {
		return err
	}
	for _, e := range edges {
		max++
		e.ID = max
	}
	return r.tx(dbc).Create(&edges).Error
}

func (r *TaskEdgeRepo) ListByWorkflow(dbc dbctx.Context, workflowID int64) ([]*domain.TaskEdge, error) {
	var out []*domain.TaskEdge
	err := r.tx(dbc).Where("workflow_id = ?", workflowID).Find(&out).Error
	return out, err
}

// DeleteByTaskIDs removes every edge touching any of the given tasks as
// either parent or child. The original source filtered by
// `parent=workflow` (a bug: `self` there was the Workflow, not a Task
// set) -- this is the corrected form per spec §9.
func (r *TaskEdgeRepo) DeleteByTaskIDs(dbc dbctx.Context, taskIDs []int64) error {
	if len(taskIDs) == 0 {
		return nil
	}
	return r.tx(dbc).Where("parent_id IN ? OR child_id IN ?", taskIDs, taskIDs).Delete(&domain.TaskEdge{}).Error
}
