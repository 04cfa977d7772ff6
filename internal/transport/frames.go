package transport

import (
	"context"

	"jobsync/internal/model"
	"jobsync/internal/reconcile"
)

const (
	FrameInit      = "init"
	FrameJobUpdate = "job_update"
	FrameHeartbeat = "heartbeat"
	FramePing      = "ping"
)

// Frame is one push channel message.
type Frame struct {
	Type string      `json:"type"`
	Jobs []model.Job `json:"jobs,omitempty"`
	Job  *model.Job  `json:"job,omitempty"`
}

// Sink receives normalized job events.
type Sink interface {
	ApplyInitial(jobs []model.Job) reconcile.Result
	ReconcileWithServerList(jobs []model.Job) reconcile.Result
	ApplyDelta(job model.Job) bool
}

// Lister fetches the full job list.
type Lister interface {
	ListJobs(ctx context.Context) ([]model.Job, error)
}
