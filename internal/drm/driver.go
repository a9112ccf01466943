// Package drm declares the abstract distributed resource manager contract
// the Controller and JobManager submit work through (§4.3/§6). The engine
// assumes jobs are independent, exit status 0 means success, and any
// non-zero exit or signal means failure; polling cadence is an
// implementation detail that must only be bounded.
package drm

import "context"

type JobID string

type Resources struct {
	MemoryMB    int
	CPUCount    int
	TimeMinutes int
	Queue       string
}

// Outcome is the result of one Poll call. Done is false while the job is
// still running on the DRM; once Done is true the remaining fields are
// meaningful.
type Outcome struct {
	Done          bool
	ExitCode      int
	Signaled      bool
	Stdout        string
	Stderr        string
	ResourceUsage map[string]any
}

func (o Outcome) Successful() bool {
	return o.Done && !o.Signaled && o.ExitCode == 0
}

// Driver is the capability set an external DRM implementation must
// provide. Implementations are free: local subprocess pool, cluster
// batch scheduler, anything that can accept a rendered shell command.
type Driver interface {
	Submit(ctx context.Context, command string, res Resources) (JobID, error)
	Poll(ctx context.Context, id JobID) (Outcome, error)
	Kill(ctx context.Context, id JobID) error
}
