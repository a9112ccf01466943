package store

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/egafni/cosmos/internal/dbctx"
	"github.com/egafni/cosmos/internal/domain"
)

type WorkflowRepo struct{ db *gorm.DB }

func NewWorkflowRepo(db *gorm.DB) *WorkflowRepo { return &WorkflowRepo{db: db} }

func (r *WorkflowRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return r.db.WithContext(dbc.Ctx)
}

func (r *WorkflowRepo) GetByName(dbc dbctx.Context, name string) (*domain.Workflow, error) {
	var w domain.Workflow
	err := r.tx(dbc).Where("name = ?", name).Take(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *WorkflowRepo) GetByID(dbc dbctx.Context, id int64) (*domain.Workflow, error) {
	var w domain.Workflow
	err := r.tx(dbc).Where("id = ?", id).Take(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *WorkflowRepo) Create(dbc dbctx.Context, w *domain.Workflow) error {
	if w.CreatedOn.IsZero() {
		w.CreatedOn = time.Now().UTC()
	}
	return r.tx(dbc).Create(w).Error
}

func (r *WorkflowRepo) UpdateFields(dbc dbctx.Context, id int64, updates map[string]interface{}) error {
	return r.tx(dbc).Model(&domain.Workflow{}).Where("id = ?", id).Updates(updates).Error
}

// Delete removes a Workflow row outright; the caller is responsible for
// cascading deletes of every descendant row and the on-disk output tree
// first. Restart mode does not use it: it keeps the row and calls
// ResetForRestart.
func (r *WorkflowRepo) Delete(dbc dbctx.Context, id int64) error {
	return r.tx(dbc).Where("id = ?", id).Delete(&domain.Workflow{}).Error
}

// ResetForRestart reinitialises a Workflow row in place, preserving its
// id, after the controller has cascade-deleted every descendant row and
// wiped the output directory (restart mode, §4.1).
func (r *WorkflowRepo) ResetForRestart(dbc dbctx.Context, id int64, outputDir string) error {
	return r.tx(dbc).Model(&domain.Workflow{}).Where("id = ?", id).Updates(map[string]interface{}{
		"output_dir":  outputDir,
		"created_on":  time.Now().UTC(),
		"finished_on": nil,
	}).Error
}
