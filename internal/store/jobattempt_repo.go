package store

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/egafni/cosmos/internal/dbctx"
	"github.com/egafni/cosmos/internal/domain"
)

type JobAttemptRepo struct{ db *gorm.DB }

func NewJobAttemptRepo(db *gorm.DB) *JobAttemptRepo { return &JobAttemptRepo{db: db} }

func (r *JobAttemptRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return r.db.WithContext(dbc.Ctx)
}

func (r *JobAttemptRepo) Create(dbc dbctx.Context, a *domain.JobAttempt) error {
	if a.CreatedOn.IsZero() {
		a.CreatedOn = time.Now().UTC()
	}
	if a.QueueStatus == "" {
		a.QueueStatus = domain.QueueNotSubmitted
	}
	return r.tx(dbc).Create(a).Error
}

func (r *JobAttemptRepo) UpdateFields(dbc dbctx.Context, id int64, updates map[string]interface{}) error {
	return r.tx(dbc).Model(&domain.JobAttempt{}).Where("id = ?", id).Updates(updates).Error
}

func (r *JobAttemptRepo) CountByTask(dbc dbctx.Context, taskID int64) (int64, error) {
	var n int64
	err := r.tx(dbc).Model(&domain.JobAttempt{}).Where("task_id = ?", taskID).Count(&n).Error
	return n, err
}

func (r *JobAttemptRepo) ListByTask(dbc dbctx.Context, taskID int64) ([]*domain.JobAttempt, error) {
	var out []*domain.JobAttempt
	err := r.tx(dbc).Where("task_id = ?", taskID).Order("created_on ASC").Find(&out).Error
	return out, err
}

// ListQueuedByWorkflow collects every JobAttempt whose queue_status is
// "queued" for the given workflow -- the terminate protocol's kill set
// (§4.5 step 1).
func (r *JobAttemptRepo) ListQueuedByWorkflow(dbc dbctx.Context, workflowID int64) ([]*domain.JobAttempt, error) {
	var out []*domain.JobAttempt
	err := r.tx(dbc).
		Joins("JOIN task ON task.id = job_attempt.task_id").
		Joins("JOIN stage ON stage.id = task.stage_id").
		Where("stage.workflow_id = ? AND job_attempt.queue_status = ?", workflowID, domain.QueueQueued).
		Find(&out).Error
	return out, err
}

// DeleteByTaskIDs cascade-deletes every JobAttempt belonging to any of
// the given tasks, part of the reload/restart prune path (§4.1).
func (r *JobAttemptRepo) DeleteByTaskIDs(dbc dbctx.Context, taskIDs []int64) error {
	if len(taskIDs) == 0 {
		return nil
	}
	return r.tx(dbc).Where("task_id IN ?", taskIDs).Delete(&domain.JobAttempt{}).Error
}

// DeleteOrphaned removes any JobAttempt whose owning Task row no longer
// exists -- rows left behind by an ungraceful exit mid-cascade (original's
// _delete_stale_objects, §4.1).
func (r *JobAttemptRepo) DeleteOrphaned(dbc dbctx.Context) error {
	return r.tx(dbc).Where("task_id NOT IN (SELECT id FROM task)").Delete(&domain.JobAttempt{}).Error
}

// CountByQueueStatus backs Workflow.get_sjob_stat: a count of JobAttempts
// by queue_status for one workflow, for external CLI/HTTP reporting.
func (r *JobAttemptRepo) CountByQueueStatus(dbc dbctx.Context, workflowID int64) (map[domain.JobQueueStatus]int64, error) {
	type row struct {
		QueueStatus domain.JobQueueStatus
		Count       int64
	}
	var rows []row
	err := r.tx(dbc).Model(&domain.JobAttempt{}).
		Joins("JOIN task ON task.id = job_attempt.task_id").
		Joins("JOIN stage ON stage.id = task.stage_id").
		Where("stage.workflow_id = ?", workflowID).
		Select("job_attempt.queue_status AS queue_status, COUNT(*) AS count").
		Group("job_attempt.queue_status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[domain.JobQueueStatus]int64, len(rows))
	for _, rr := range rows {
		out[rr.QueueStatus] = rr.Count
	}
	return out, nil
}

func (r *JobAttemptRepo) BulkUpdateFields(dbc dbctx.Context, ids []int64, updates map[string]interface{}) error {
	if len(ids) == 0 {
		return nil
	}
	return r.tx(dbc).Model(&domain.JobAttempt{}).Where("id IN ?", ids).Updates(updates).Error
}

// ClaimForPoll marks an attempt as owned by this process's poller
// goroutine, using the same SELECT ... FOR UPDATE SKIP LOCKED discipline
// as the teacher's ClaimNextRunnable on postgres: two pollers racing on
// the same queued attempt (a crash-restart overlapping the old process)
// must not both dial the DRM for it. On sqlite the locking clause is
// skipped (unsupported by the driver) and the locked_at IS NULL predicate
// carries the claim alone. Returns false if another poller already holds
// it.
func (r *JobAttemptRepo) ClaimForPoll(dbc dbctx.Context, id int64) (bool, error) {
	now := time.Now().UTC()
	claimed := false
	err := r.tx(dbc).Transaction(func(txx *gorm.DB) error {
		q := txx
		// SKIP LOCKED is a Postgres (and MySQL 8+) extension; sqlite's
		// driver doesn't parse it, so the claim discipline there rests on
		// the locked_at IS NULL predicate alone under sqlite's own
		// connection-level serialization.
		if txx.Dialector.Name() == "postgres" {
			q = txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		var row domain.JobAttempt
		err := q.
			Where("id = ? AND queue_status = ? AND locked_at IS NULL", id, domain.QueueQueued).
			Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := txx.Model(&domain.JobAttempt{}).Where("id = ?", id).Update("locked_at", now).Error; err != nil {
			return err
		}
		claimed = true
		return nil
	})
	return claimed, err
}
