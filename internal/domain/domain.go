// Package domain holds the plain record types persisted by the engine:
// Workflow, Stage, Task, TaskFile, TaskEdge, TaskTag and JobAttempt. These
// are gorm models only — no behaviour lives here beyond simple derived
// accessors and path construction; mutation is the Controller's job alone
// (see internal/controller), per the "hydrate once, mutate through one
// owner" redesign called for over the original's lazy cross-entity
// properties.
package domain

import (
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Workflow is the top-level unit of work. All identifiers in this schema
// are stable sequential integers assigned on first persist, not UUIDs.
type Workflow struct {
	ID                  int64      `gorm:"primaryKey" json:"id"`
	Name                string     `gorm:"uniqueIndex;not null" json:"name"`
	OutputDir           string     `gorm:"not null" json:"output_dir"`
	MaxReattempts       int        `gorm:"not null;default:3" json:"max_reattempts"`
	DefaultQueue        string     `json:"default_queue,omitempty"`
	DryRun              bool       `gorm:"not null;default:false" json:"dry_run"`
	DeleteIntermediates bool       `gorm:"not null;default:false" json:"delete_intermediates"`
	CreatedOn           time.Time  `gorm:"not null" json:"created_on"`
	FinishedOn          *time.Time `json:"finished_on,omitempty"`
}

func (Workflow) TableName() string { return "workflow" }

func (w *Workflow) Finished() bool { return w.FinishedOn != nil }

// Stage is a named group of Tasks, ordered within a Workflow by
// OrderInWorkflow. Status is written only by the Controller: re-derived
// from its Tasks whenever one finishes (§3's derivation rule), and also
// set directly to in_progress on dispatch and reload and to failed on
// terminate.
type Stage struct {
	ID              int64       `gorm:"primaryKey" json:"id"`
	WorkflowID      int64       `gorm:"not null;index;uniqueIndex:idx_stage_workflow_name" json:"workflow_id"`
	Name            string      `gorm:"not null;uniqueIndex:idx_stage_workflow_name" json:"name"`
	OrderInWorkflow int         `gorm:"not null" json:"order_in_workflow"`
	Status          StageStatus `gorm:"not null;default:no_attempt" json:"status"`
	CreatedOn       time.Time   `gorm:"not null" json:"created_on"`
	UpdatedOn       time.Time   `gorm:"not null" json:"updated_on"`
}

func (Stage) TableName() string { return "stage" }

func (s *Stage) Successful() bool { return s.Status == StageSuccessful }

func (s *Stage) OutputDir(workflowOutputDir string) string {
	return filepath.Join(workflowOutputDir, s.Name)
}

// Task is a single declarative unit of work. Tags are materialised twice:
// the opaque Tags blob here, and row-wise in TaskTag for query (§3).
type Task struct {
	ID                    int64          `gorm:"primaryKey" json:"id"`
	StageID               int64          `gorm:"not null;index;uniqueIndex:idx_task_stage_tags" json:"stage_id"`
	Pcmd                  string         `gorm:"not null" json:"pcmd"`
	ExecCommand           string         `json:"exec_command,omitempty"`
	MemoryMB              int            `json:"memory_mb,omitempty"`
	CPUCount              int            `json:"cpu_count,omitempty"`
	TimeMinutes           int            `json:"time_minutes,omitempty"`
	Status                TaskStatus     `gorm:"not null;default:no_attempt;index" json:"status"`
	NOOP                  bool           `gorm:"not null;default:false" json:"noop"`
	SucceedOnFailure      bool           `gorm:"not null;default:false" json:"succeed_on_failure"`
	ClearedOutputFiles    bool           `gorm:"not null;default:false" json:"cleared_output_files"`
	DontDeleteOutputFiles bool           `gorm:"not null;default:false" json:"dont_delete_output_files"`
	Tags                  datatypes.JSON `gorm:"type:jsonb" json:"tags"`
	// TagsHash is a canonical (sorted key=value, joined) digest of Tags,
	// maintained by the repository layer so the database itself enforces
	// the "(stage, tags) unique within a stage" invariant (§3).
	TagsHash string `gorm:"uniqueIndex:idx_task_stage_tags" json:"-"`
	CreatedOn             time.Time      `gorm:"not null" json:"created_on"`
	StartedOn             *time.Time     `json:"started_on,omitempty"`
	FinishedOn            *time.Time     `json:"finished_on,omitempty"`
}

func (Task) TableName() string { return "task" }

func (t *Task) Successful() bool { return t.Status == TaskSuccessful }

// OutputDir is <stage.output_dir>/<task.id>; JobOutputDir is its "out"
// subdirectory. This layout is part of the external contract (§6).
func (t *Task) OutputDir(stageOutputDir string) string {
	return filepath.Join(stageOutputDir, strconv.FormatInt(t.ID, 10))
}

func (t *Task) JobOutputDir(stageOutputDir string) string {
	return filepath.Join(t.OutputDir(stageOutputDir), "out")
}

// TaskFile is a named output artefact of exactly one Task; it may be
// input to many others via TaskEdge-independent #F[] references in pcmd.
type TaskFile struct {
	ID   int64  `gorm:"primaryKey" json:"id"`
	Name string `gorm:"not null" json:"name"`
	Path string `json:"path,omitempty"`
	Fmt  string `json:"fmt,omitempty"`
	// TaskID is the producing Task's id.
	TaskID int64 `gorm:"not null;index" json:"task_id"`
}

func (TaskFile) TableName() string { return "task_file" }

// InferFmt mirrors the original Cosmos inference rule: a ".X.gz" suffix
// yields fmt "X.gz"; otherwise fmt is the final extension.
func InferFmt(path string) string {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	if ext == "" {
		return ""
	}
	if ext == ".gz" {
		stem := base[:len(base)-len(ext)]
		if inner := filepath.Ext(stem); inner != "" {
			return inner[1:] + ".gz"
		}
	}
	return ext[1:]
}

// TaskEdge is a directed parent->child dependency between two Tasks in
// the same Workflow; it is the only representation of data dependency.
type TaskEdge struct {
	ID         int64 `gorm:"primaryKey" json:"id"`
	WorkflowID int64 `gorm:"not null;index" json:"workflow_id"`
	ParentID   int64 `gorm:"not null;index;uniqueIndex:idx_task_edge_pair" json:"parent_id"`
	ChildID    int64 `gorm:"not null;index;uniqueIndex:idx_task_edge_pair" json:"child_id"`
}

func (TaskEdge) TableName() string { return "task_edge" }

// TaskTag is a (task, key, value) row denormalised from Task.Tags.
type TaskTag struct {
	ID     int64  `gorm:"primaryKey" json:"id"`
	TaskID int64  `gorm:"not null;index;uniqueIndex:idx_task_tag_key" json:"task_id"`
	Key    string `gorm:"not null;uniqueIndex:idx_task_tag_key" json:"key"`
	Value  string `json:"value"`
}

func (TaskTag) TableName() string { return "task_tag" }

// JobAttempt is one submission of a Task's rendered command to the DRM.
type JobAttempt struct {
	ID            int64          `gorm:"primaryKey" json:"id"`
	TaskID        int64          `gorm:"not null;index" json:"task_id"`
	DRMJobID      string         `json:"drm_job_id,omitempty"`
	QueueStatus   JobQueueStatus `gorm:"not null;default:not_submitted;index" json:"queue_status"`
	Successful    bool           `gorm:"not null;default:false" json:"successful"`
	Stdout        string         `json:"stdout,omitempty"`
	Stderr        string         `json:"stderr,omitempty"`
	ResourceUsage datatypes.JSON `gorm:"type:jsonb" json:"resource_usage"`
	CreatedOn     time.Time      `gorm:"not null" json:"created_on"`
	SubmittedOn   *time.Time     `json:"submitted_on,omitempty"`
	FinishedOn    *time.Time     `json:"finished_on,omitempty"`
	// LockedAt marks an attempt as claimed by a poller goroutine, the same
	// row-claiming idiom the teacher uses for its job-run queue (§5).
	LockedAt *time.Time `gorm:"index" json:"locked_at,omitempty"`
}

func (JobAttempt) TableName() string { return "job_attempt" }

// TagsHash canonicalises a tag map into a stable digest string so the
// database can enforce "(stage, tags) unique within a stage" (§3) with an
// ordinary unique index rather than a runtime-only check.
func TagsHash(tags map[string]string) string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+tags[k])
	}
	return strings.Join(parts, "\x1f")
}
