package store

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/egafni/cosmos/internal/dbctx"
	"github.com/egafni/cosmos/internal/domain"
)

type StageRepo struct{ db *gorm.DB }

func NewStageRepo(db *gorm.DB) *StageRepo { return &StageRepo{db: db} }

func (r *StageRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return r.db.WithContext(dbc.Ctx)
}

func (r *StageRepo) GetByName(dbc dbctx.Context, workflowID int64, name string) (*domain.Stage, error) {
	var s domain.Stage
	err := r.tx(dbc).Where("workflow_id = ? AND name = ?", workflowID, name).Take(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *StageRepo) GetByID(dbc dbctx.Context, id int64) (*domain.Stage, error) {
	var s domain.Stage
	err := r.tx(dbc).Where("id = ?", id).Take(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *StageRepo) maxOrder(dbc dbctx.Context, workflowID int64) (int, error) {
	var max int
	err := r.tx(dbc).Model(&domain.Stage{}).
		Where("workflow_id = ?", workflowID).
		Select("COALESCE(MAX(order_in_workflow), 0)").
		Scan(&max).Error
	return max, err
}

// GetOrCreate is add_stage(name): idempotent, returns the existing Stage
// or creates one with OrderInWorkflow = max+1 among the workflow's stages.
func (r *StageRepo) GetOrCreate(dbc dbctx.Context, workflowID int64, name string) (*domain.Stage, error) {
	existing, err := r.GetByName(dbc, workflowID, name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	max, err := r.maxOrder(dbc, workflowID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	s := &domain.Stage{
		WorkflowID:      workflowID,
		Name:            name,
		OrderInWorkflow: max + 1,
		Status:          domain.StageNoAttempt,
		CreatedOn:       now,
		UpdatedOn:       now,
	}
	if err := r.tx(dbc).Create(s).Error; err != nil {
		return nil, err
	}
	return s, nil
}

func (r *StageRepo) ListByWorkflow(dbc dbctx.Context, workflowID int64) ([]*domain.Stage, error) {
	var out []*domain.Stage
	err := r.tx(dbc).Where("workflow_id = ?", workflowID).Order("order_in_workflow ASC").Find(&out).Error
	return out, err
}

func (r *StageRepo) UpdateStatus(dbc dbctx.Context, id int64, status domain.StageStatus) error {
	return r.tx(dbc).Model(&domain.Stage{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":     status,
		"updated_on": time.Now().UTC(),
	}).Error
}

// ClearOrderForResume resets order_in_workflow to 0 for every stage in the
// workflow so the DSL replay re-numbers them (resume mode, §4.1).
func (r *StageRepo) ClearOrderForResume(dbc dbctx.Context, workflowID int64) error {
	return r.tx(dbc).Model(&domain.Stage{}).Where("workflow_id = ?", workflowID).
		Update("order_in_workflow", 0).Error
}

func (r *StageRepo) DeleteByIDs(dbc dbctx.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return r.tx(dbc).Where("id IN ?", ids).Delete(&domain.Stage{}).Error
}
