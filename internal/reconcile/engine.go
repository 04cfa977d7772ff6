package reconcile

import (
	"log/slog"
	"math"
	"reflect"
	"sync"
	"time"

	"jobsync/internal/model"
	"jobsync/internal/observability"
	"jobsync/internal/store"
)

type Options struct {
	// OptimismWindow is the minimum age before an unacknowledged local row
	// may be dropped.
	OptimismWindow time.Duration
	// MissedSnapshots is how many full snapshots must omit an unacknowledged
	// row before it may be dropped.
	MissedSnapshots int
	Logger          *slog.Logger
	Now             func() time.Time
}

// Result summarizes one reconciliation pass.
type Result struct {
	Inserted int
	Updated  int
	Removed  int
	Dropped  int
	Expired  int
}

type unconfirmed struct {
	insertedAt time.Time
	missed     int
}

type cancelOverlay struct {
	prevStatus string
}

// Engine is the only writer of the job store. It merges server snapshots and
// deltas without letting a job move backwards, and keeps rows the server has
// not listed yet for a bounded window.
type Engine struct {
	mu     sync.Mutex
	store  *store.Store
	opts   Options
	logger *slog.Logger

	seeded      bool
	unconfirmed map[string]*unconfirmed
	cancels     map[string]cancelOverlay
	dismissed   map[string]bool
}

func New(st *store.Store, opts Options) *Engine {
	if opts.OptimismWindow <= 0 {
		opts.OptimismWindow = 15 * time.Second
	}
	if opts.MissedSnapshots <= 0 {
		opts.MissedSnapshots = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store:       st,
		opts:        opts,
		logger:      observability.OrDefault(opts.Logger),
		unconfirmed: map[string]*unconfirmed{},
		cancels:     map[string]cancelOverlay{},
		dismissed:   map[string]bool{},
	}
}

func (e *Engine) Store() *store.Store {
	return e.store
}

// ApplyInitial loads the first full list. Later calls, and calls made while
// local rows are still waiting for acknowledgement, reconcile instead.
func (e *Engine) ApplyInitial(jobs []model.Job) Result {
	e.mu.Lock()
	if e.seeded || len(e.unconfirmed) > 0 || len(e.cancels) > 0 {
		e.mu.Unlock()
		return e.ReconcileWithServerList(jobs)
	}
	defer e.mu.Unlock()
	e.seeded = true

	kept := make([]model.Job, 0, len(jobs))
	for _, job := range jobs {
		if job.ID == "" || e.dismissed[job.ID] {
			continue
		}
		kept = append(kept, normalize(job))
	}
	e.store.ReplaceAll(kept)
	return Result{Inserted: e.store.Len()}
}

// ReconcileWithServerList merges a full authoritative snapshot.
func (e *Engine) ReconcileWithServerList(jobs []model.Job) Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seeded = true

	var res Result
	now := e.opts.Now()
	seen := make(map[string]bool, len(jobs))

	e.store.Batch(func(tx *store.Tx) {
		// Reverse walk so new rows end up in server order at the head.
		for i := len(jobs) - 1; i >= 0; i-- {
			in := jobs[i]
			if in.ID == "" || seen[in.ID] {
				continue
			}
			seen[in.ID] = true
			if e.dismissed[in.ID] {
				continue
			}
			delete(e.unconfirmed, in.ID)
			e.applyLocked(tx, in, &res)
		}

		for _, id := range tx.IDs() {
			if seen[id] {
				continue
			}
			local, _ := tx.Get(id)
			if pending, ok := e.unconfirmed[id]; ok {
				pending.missed++
				if pending.missed >= e.opts.MissedSnapshots && now.Sub(pending.insertedAt) >= e.opts.OptimismWindow {
					tx.Remove(id)
					e.forgetLocked(id)
					res.Expired++
					observability.OptimisticExpired.Inc()
					e.logger.Info("dropping unacknowledged job", "job_id", id, "status", local.Status, "missed_snapshots", pending.missed)
				}
				continue
			}
			if model.IsTerminal(local.Status) {
				continue
			}
			tx.Remove(id)
			e.forgetLocked(id)
			res.Removed++
			e.logger.Debug("server no longer lists job", "job_id", id, "status", local.Status)
		}
	})

	for id := range e.dismissed {
		if !seen[id] {
			delete(e.dismissed, id)
		}
	}
	return res
}

// ApplyDelta merges a single-job update. It reports whether the store changed.
func (e *Engine) ApplyDelta(job model.Job) bool {
	if job.ID == "" {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dismissed[job.ID] {
		observability.StaleUpdatesDropped.WithLabelValues("dismissed").Inc()
		return false
	}
	var res Result
	e.store.Batch(func(tx *store.Tx) {
		if !tx.Has(job.ID) {
			e.unconfirmed[job.ID] = &unconfirmed{insertedAt: e.opts.Now()}
		}
		e.applyLocked(tx, job, &res)
	})
	changed := res.Inserted+res.Updated > 0
	if changed {
		observability.DeltasApplied.Inc()
	}
	return changed
}

// InsertOptimistic adds a row the backend has accepted but not listed yet.
// An existing row with the same id is left alone.
func (e *Engine) InsertOptimistic(job model.Job) bool {
	if job.ID == "" {
		return false
	}
	if job.Status == "" {
		job.Status = model.StatusPending
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	inserted := false
	e.store.Batch(func(tx *store.Tx) {
		if tx.Has(job.ID) {
			return
		}
		tx.Put(normalize(job))
		e.unconfirmed[job.ID] = &unconfirmed{insertedAt: e.opts.Now()}
		inserted = true
	})
	return inserted
}

// BeginCancel shows the job as cancelling until the server catches up.
// It reports false for unknown or terminal jobs.
func (e *Engine) BeginCancel(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	ok := false
	e.store.Batch(func(tx *store.Tx) {
		local, found := tx.Get(id)
		if !found || model.IsTerminal(local.Status) {
			return
		}
		ok = true
		if local.Status == model.StatusCancelling {
			return
		}
		e.cancels[id] = cancelOverlay{prevStatus: local.Status}
		local.Status = model.StatusCancelling
		tx.Put(local)
	})
	return ok
}

// AbortCancel drops the cancelling overlay after a failed cancel request and
// puts back the status the row had before it.
func (e *Engine) AbortCancel(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	overlay, ok := e.cancels[id]
	if !ok {
		return
	}
	delete(e.cancels, id)
	e.store.Batch(func(tx *store.Tx) {
		local, found := tx.Get(id)
		if !found || local.Status != model.StatusCancelling {
			return
		}
		local.Status = overlay.prevStatus
		tx.Put(local)
	})
}

// Dismiss removes a row locally and ignores the id in later updates until a
// snapshot no longer lists it.
func (e *Engine) Dismiss(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	removed := false
	e.store.Batch(func(tx *store.Tx) {
		removed = tx.Remove(id)
	})
	e.forgetLocked(id)
	e.dismissed[id] = true
	return removed
}

// Pending reports whether id is a local row the server has not listed yet.
func (e *Engine) Pending(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.unconfirmed[id]
	return ok
}

func (e *Engine) applyLocked(tx *store.Tx, in model.Job, res *Result) {
	local, ok := tx.Get(in.ID)
	if !ok {
		tx.Put(normalize(in))
		res.Inserted++
		return
	}
	merged, changed, reason := e.mergeLocked(local, in)
	if reason != "" {
		res.Dropped++
		observability.StaleUpdatesDropped.WithLabelValues(reason).Inc()
		e.logger.Debug("dropping stale update", "job_id", in.ID, "status", local.Status, "incoming_status", in.Status, "reason", reason)
	}
	if changed {
		tx.Put(merged)
		res.Updated++
	}
}

// mergeLocked applies in over local. A non-empty reason means the status
// part of the update was rejected.
func (e *Engine) mergeLocked(local, in model.Job) (model.Job, bool, string) {
	if model.IsTerminal(local.Status) {
		merged := model.FillDescriptive(local, in)
		reason := ""
		if in.Status != "" && in.Status != local.Status {
			reason = "terminal"
		}
		return merged, !jobsEqual(merged, local), reason
	}

	status := in.Status
	if status == "" {
		status = local.Status
	}
	if overlay, ok := e.cancels[in.ID]; ok {
		if status == model.StatusCancelling || model.IsTerminal(status) {
			delete(e.cancels, in.ID)
		} else {
			// AbortCancel restores the furthest stage the server reported.
			if model.StageRank(status) > model.StageRank(overlay.prevStatus) {
				e.cancels[in.ID] = cancelOverlay{prevStatus: status}
			}
			status = model.StatusCancelling
		}
	}
	if !model.CanTransition(local.Status, status) {
		merged := model.FillDescriptive(local, in)
		return merged, !jobsEqual(merged, local), "regression"
	}

	in.Status = status
	merged := model.MergeJob(local, in)
	merged.Progress = clampProgress(merged.Progress)
	if model.IsActive(status) && merged.Progress < local.Progress {
		merged.Progress = local.Progress
	}
	if status == model.StatusCompleted {
		merged.Progress = 100
	}
	if model.IsTerminal(status) {
		delete(e.cancels, in.ID)
	}
	return merged, !jobsEqual(merged, local), ""
}

func (e *Engine) forgetLocked(id string) {
	delete(e.unconfirmed, id)
	delete(e.cancels, id)
}

func normalize(job model.Job) model.Job {
	job = job.Clone()
	job.Progress = clampProgress(job.Progress)
	if job.Status != model.StatusFailed {
		job.Error = model.ErrorKindNone
	}
	if job.Status == model.StatusCompleted {
		job.Progress = 100
	}
	return job
}

func clampProgress(p float64) float64 {
	switch {
	case math.IsNaN(p) || p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

func jobsEqual(a, b model.Job) bool {
	return reflect.DeepEqual(a, b)
}
