package model

import "fmt"

const (
	StatusPending          = "pending"
	StatusFetching         = "fetching"
	StatusParsing          = "parsing"
	StatusDownloading      = "downloading"
	StatusTranscribing     = "transcribing"
	StatusCompressing      = "compressing"
	StatusTranscribingFast = "transcribing_fast"
	StatusSummarizing      = "summarizing"
	StatusQuickReady       = "quick_ready"
	StatusRefining         = "refining"
	StatusMerging          = "merging"
	StatusCancelling       = "cancelling"
	StatusCompleted        = "completed"
	StatusFailed           = "failed"
	StatusCancelled        = "cancelled"
)

// stageRank orders the pipeline. Siblings share a rank; the backend picks
// one of them per job.
var stageRank = map[string]int{
	StatusPending:          0,
	StatusFetching:         1,
	StatusParsing:          1,
	StatusDownloading:      2,
	StatusTranscribing:     3,
	StatusCompressing:      3,
	StatusTranscribingFast: 3,
	StatusSummarizing:      4,
	StatusQuickReady:       5,
	StatusRefining:         6,
	StatusMerging:          7,
	StatusCancelling:       8,
	StatusCompleted:        9,
	StatusFailed:           9,
	StatusCancelled:        9,
}

func IsKnownStatus(status string) bool {
	_, ok := stageRank[status]
	return ok
}

func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsActive reports whether a job with this status still has work pending on
// the backend. Unknown statuses count as active.
func IsActive(status string) bool {
	return status != "" && !IsTerminal(status)
}

// StageRank returns the pipeline position of status, or -1 for unknown statuses.
func StageRank(status string) int {
	rank, ok := stageRank[status]
	if !ok {
		return -1
	}
	return rank
}

// CanTransition reports whether a job observed in status from may next be
// observed in status to. Observations are sampled, so forward skips are
// allowed; moving back down the pipeline or out of a terminal state is not.
func CanTransition(from, to string) bool {
	if to == "" {
		return false
	}
	if from == "" || from == to {
		return true
	}
	if IsTerminal(from) {
		return false
	}
	if !IsKnownStatus(to) || !IsKnownStatus(from) {
		return true
	}
	switch to {
	case StatusFailed, StatusCancelled, StatusCancelling, StatusCompleted:
		return true
	}
	if from == StatusCancelling {
		return false
	}
	return stageRank[to] >= stageRank[from]
}

func TransitionJobStatus(job *Job, toStatus string) error {
	from := job.Status
	if !CanTransition(from, toStatus) {
		return fmt.Errorf("invalid job status transition: %q -> %q (job_id=%s)", from, toStatus, job.ID)
	}
	job.Status = toStatus
	if toStatus != StatusFailed {
		job.Error = ErrorKindNone
	}
	return nil
}
