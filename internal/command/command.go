package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"jobsync/internal/api"
	"jobsync/internal/model"
	"jobsync/internal/observability"
	"jobsync/internal/reconcile"
)

var (
	ErrUnknownJob  = errors.New("unknown job")
	ErrJobActive   = errors.New("job is still running")
	ErrJobTerminal = errors.New("job already finished")
	ErrInFlight    = errors.New("a command for this job is already in flight")
)

// Backend is the subset of the API the command layer drives.
type Backend interface {
	Submit(ctx context.Context, req api.SubmitRequest) (string, error)
	Cancel(ctx context.Context, id string) error
	Retry(ctx context.Context, id string) (string, error)
	Delete(ctx context.Context, id string) error
}

// Commander issues job commands and applies their optimistic local effects.
// It never waits for a reconciliation to report success.
type Commander struct {
	backend Backend
	engine  *reconcile.Engine
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	inFlight map[string]string
}

func New(backend Backend, engine *reconcile.Engine, logger *slog.Logger) *Commander {
	return &Commander{
		backend:  backend,
		engine:   engine,
		logger:   observability.OrDefault(logger),
		now:      time.Now,
		inFlight: map[string]string{},
	}
}

// InFlight returns the command currently running for id, if any.
func (c *Commander) InFlight(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	name, ok := c.inFlight[id]
	return name, ok
}

// Submit creates a job and shows it as pending until the backend lists it.
func (c *Commander) Submit(ctx context.Context, req api.SubmitRequest) (string, error) {
	id, err := c.backend.Submit(ctx, req)
	if err != nil {
		c.record("submit", "", err)
		return "", fmt.Errorf("submit: %w", err)
	}
	c.record("submit", id, nil)

	job := model.Job{
		ID:        id,
		Kind:      req.Kind,
		Status:    model.StatusPending,
		Message:   "queued " + req.URL,
		CreatedAt: c.now().UTC().Format(time.RFC3339),
	}
	if req.Kind == model.KindVideoNote {
		job.Task = &model.Task{Platform: req.Platform, Style: req.Style, Formats: append([]string(nil), req.Formats...)}
	}
	c.engine.InsertOptimistic(job)
	return id, nil
}

// Cancel marks the job cancelling and asks the backend to stop it. On failure
// the overlay is dropped and reconciliation shows the real state.
func (c *Commander) Cancel(ctx context.Context, id string) error {
	job, ok := c.engine.Store().Get(id)
	if !ok {
		return ErrUnknownJob
	}
	if model.IsTerminal(job.Status) {
		return fmt.Errorf("cancel %s: %w", id, ErrJobTerminal)
	}
	release, err := c.begin(id, "cancel")
	if err != nil {
		return err
	}
	defer release()

	c.engine.BeginCancel(id)
	err = c.backend.Cancel(ctx, id)
	c.record("cancel", id, err)
	if err != nil {
		c.engine.AbortCancel(id)
		return fmt.Errorf("cancel %s: %w", id, err)
	}
	return nil
}

// Retry asks the backend to run a finished job again. The old row is left as
// it is; the new id is inserted as pending.
func (c *Commander) Retry(ctx context.Context, id string) (string, error) {
	old, ok := c.engine.Store().Get(id)
	if !ok {
		return "", ErrUnknownJob
	}
	release, err := c.begin(id, "retry")
	if err != nil {
		return "", err
	}
	defer release()

	newID, err := c.backend.Retry(ctx, id)
	c.record("retry", id, err)
	if err != nil {
		return "", fmt.Errorf("retry %s: %w", id, err)
	}

	next := model.Job{
		ID:           newID,
		Kind:         old.Kind,
		Status:       model.StatusPending,
		Message:      "queued for retry",
		SubjectTitle: old.SubjectTitle,
		SubjectID:    old.SubjectID,
		CreatedAt:    c.now().UTC().Format(time.RFC3339),
	}
	if old.Task != nil {
		next.Task = &model.Task{Platform: old.Task.Platform, Style: old.Task.Style, Formats: append([]string(nil), old.Task.Formats...)}
	}
	c.engine.InsertOptimistic(next)
	return newID, nil
}

// Delete removes a finished job on the backend and then locally. A job the
// backend no longer knows is removed locally as well.
func (c *Commander) Delete(ctx context.Context, id string) error {
	job, ok := c.engine.Store().Get(id)
	if ok && !model.IsTerminal(job.Status) {
		return fmt.Errorf("delete %s: %w", id, ErrJobActive)
	}
	release, err := c.begin(id, "delete")
	if err != nil {
		return err
	}
	defer release()

	err = c.backend.Delete(ctx, id)
	if errors.Is(err, api.ErrNotFound) {
		err = nil
	}
	c.record("delete", id, err)
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	c.engine.Dismiss(id)
	return nil
}

// Dismiss hides a finished job locally without telling the backend.
func (c *Commander) Dismiss(id string) error {
	job, ok := c.engine.Store().Get(id)
	if !ok {
		return ErrUnknownJob
	}
	if !model.IsTerminal(job.Status) {
		return fmt.Errorf("dismiss %s: %w", id, ErrJobActive)
	}
	c.engine.Dismiss(id)
	observability.Commands.WithLabelValues("dismiss", "ok").Inc()
	return nil
}

func (c *Commander) begin(id, name string) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if running, ok := c.inFlight[id]; ok {
		return nil, fmt.Errorf("%s %s: %w (%s)", name, id, ErrInFlight, running)
	}
	c.inFlight[id] = name
	return func() {
		c.mu.Lock()
		delete(c.inFlight, id)
		c.mu.Unlock()
	}, nil
}

func (c *Commander) record(name, id string, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, api.ErrRejected), errors.Is(err, api.ErrNotFound):
		outcome = "rejected"
	default:
		outcome = "error"
	}
	observability.Commands.WithLabelValues(name, outcome).Inc()
	if err != nil {
		c.logger.Warn("command failed", "command", name, "job_id", id, "error", err)
		return
	}
	c.logger.Info("command sent", "command", name, "job_id", id)
}
