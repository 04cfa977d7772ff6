// Package devserver is a local stand-in for the processing backend. It
// serves the same HTTP and push endpoints and moves jobs through a
// simulated pipeline so the client can be demoed and tested end to end.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"jobsync/internal/api"
	"jobsync/internal/model"
	"jobsync/internal/observability"
	"jobsync/internal/statefile"
	"jobsync/internal/transport"
)

var (
	errUnknownJob   = errors.New("job not found")
	errWrongStatus  = errors.New("job is not in a state that allows this")
	errUnknownToken = errors.New("unknown qr token")
)

type Options struct {
	Addr string

	// StatePath keeps the job history in a JSON file; empty means in memory.
	StatePath string

	StepInterval      time.Duration
	HeartbeatInterval time.Duration

	// PingTimeout drops push clients that have not pinged for this long.
	PingTimeout time.Duration

	QRScanAfter    time.Duration
	QRConfirmAfter time.Duration
	QRTTL          time.Duration

	CORSOrigins []string
	Logger      *slog.Logger
	Now         func() time.Time
}

func (o Options) withDefaults() Options {
	if strings.TrimSpace(o.Addr) == "" {
		o.Addr = ":8483"
	}
	if o.StepInterval <= 0 {
		o.StepInterval = 2 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 15 * time.Second
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = 3 * o.HeartbeatInterval
	}
	if o.QRScanAfter <= 0 {
		o.QRScanAfter = 6 * time.Second
	}
	if o.QRConfirmAfter <= 0 {
		o.QRConfirmAfter = 12 * time.Second
	}
	if o.QRTTL <= 0 {
		o.QRTTL = 180 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Server holds the simulated backend state.
type Server struct {
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	jobs   map[string]*record
	order  []string // most recent first
	tokens map[string]*qrToken
	hub    *hub
}

type stateDoc struct {
	Jobs []record `json:"jobs"`
}

func New(opts Options) (*Server, error) {
	opts = opts.withDefaults()
	logger := observability.OrDefault(opts.Logger).With("component", "devserver")
	s := &Server{
		opts:   opts,
		logger: logger,
		jobs:   map[string]*record{},
		tokens: map[string]*qrToken{},
		hub:    newHub(logger),
	}
	if opts.StatePath != "" {
		if err := s.load(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Server) load() error {
	var doc stateDoc
	found, err := statefile.ReadJSON(s.opts.StatePath, &doc)
	if err != nil {
		return fmt.Errorf("load devserver state: %w", err)
	}
	if !found {
		return nil
	}
	for _, rec := range doc.Jobs {
		if rec.Job.ID == "" {
			continue
		}
		if _, dup := s.jobs[rec.Job.ID]; dup {
			continue
		}
		r := rec
		s.jobs[r.Job.ID] = &r
		s.order = append(s.order, r.Job.ID)
	}
	s.logger.Info("loaded devserver state", "path", s.opts.StatePath, "jobs", len(s.order))
	return nil
}

func (s *Server) persistLocked() {
	if s.opts.StatePath == "" {
		return
	}
	doc := stateDoc{Jobs: make([]record, 0, len(s.order))}
	for _, id := range s.order {
		doc.Jobs = append(doc.Jobs, *s.jobs[id])
	}
	if err := statefile.WriteJSON(s.opts.StatePath, doc); err != nil {
		s.logger.Warn("persist devserver state failed", "path", s.opts.StatePath, "error", err)
	}
}

// Run serves on Options.Addr and drives the pipeline until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	if s.opts.StatePath != "" {
		lock, err := statefile.AcquireLock(s.opts.StatePath)
		if err != nil {
			return err
		}
		defer func() { _ = lock.Release() }()
	}

	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()
	s.logger.Info("devserver listening", "addr", s.opts.Addr, "step", s.opts.StepInterval.String())

	step := time.NewTicker(s.opts.StepInterval)
	defer step.Stop()
	beat := time.NewTicker(s.opts.HeartbeatInterval)
	defer beat.Stop()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.hub.closeAll()
			s.mu.Unlock()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown devserver: %w", err)
			}
			return nil
		case err := <-serveErr:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("devserver: %w", err)
		case <-step.C:
			s.Step()
		case <-beat.C:
			s.Heartbeat()
		}
	}
}

// Step advances every active job one stage and pushes the changes.
func (s *Server) Step() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.opts.Now()
	changed := 0
	// Oldest first, so pushes arrive in submission order.
	for i := len(s.order) - 1; i >= 0; i-- {
		rec := s.jobs[s.order[i]]
		if !rec.advance(now) {
			continue
		}
		changed++
		s.publishLocked(rec)
	}
	if changed > 0 {
		s.persistLocked()
	}
	s.pruneTokensLocked(now)
	return changed
}

// Heartbeat pings push clients and drops the silent ones.
func (s *Server) Heartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hub.heartbeat(s.opts.Now(), s.opts.PingTimeout)
}

func (s *Server) publishLocked(rec *record) {
	job := rec.Job.Clone()
	s.hub.broadcast(transport.Frame{Type: transport.FrameJobUpdate, Job: &job})
}

func (s *Server) listLocked() []model.Job {
	out := make([]model.Job, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.jobs[id].Job.Clone())
	}
	return out
}

// Jobs returns the current job list, most recent first.
func (s *Server) Jobs() []model.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked()
}

func (s *Server) insertLocked(rec *record) {
	s.jobs[rec.Job.ID] = rec
	s.order = append([]string{rec.Job.ID}, s.order...)
	s.publishLocked(rec)
	s.persistLocked()
}

func (s *Server) create(kind, url, platform, style string, formats []string, llm string) model.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := &record{
		Job: model.Job{
			ID:        uuid.NewString(),
			Kind:      kind,
			Status:    model.StatusPending,
			Message:   stageMessages[model.StatusPending],
			CreatedAt: s.opts.Now().UTC().Format(time.RFC3339),
		},
		URL:   url,
		Model: llm,
	}
	if kind == model.KindVideoNote {
		rec.Job.Task = &model.Task{Platform: platform, Style: style, Formats: append([]string(nil), formats...)}
	}
	s.insertLocked(rec)
	s.logger.Info("job created", "job_id", rec.Job.ID, "kind", kind)
	return rec.Job.Clone()
}

func (s *Server) cancel(id string) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return model.Job{}, errUnknownJob
	}
	switch {
	case rec.Job.Status == model.StatusCancelling:
		return rec.Job.Clone(), nil
	case model.IsTerminal(rec.Job.Status):
		return model.Job{}, fmt.Errorf("%w: job is %s", errWrongStatus, rec.Job.Status)
	}
	rec.Job.Status = model.StatusCancelling
	rec.Job.Message = "cancelling"
	s.publishLocked(rec)
	s.persistLocked()
	return rec.Job.Clone(), nil
}

func (s *Server) retry(id string) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.jobs[id]
	if !ok {
		return model.Job{}, errUnknownJob
	}
	if old.Job.Status != model.StatusFailed && old.Job.Status != model.StatusCancelled {
		return model.Job{}, fmt.Errorf("%w: job is %s", errWrongStatus, old.Job.Status)
	}
	rec := &record{
		Job: model.Job{
			ID:           uuid.NewString(),
			Kind:         old.Job.Kind,
			Status:       model.StatusPending,
			Message:      stageMessages[model.StatusPending],
			SubjectTitle: old.Job.SubjectTitle,
			SubjectID:    old.Job.SubjectID,
			CreatedAt:    s.opts.Now().UTC().Format(time.RFC3339),
		},
		URL:   old.URL,
		Model: old.Model,
	}
	if t := old.Job.Task; t != nil {
		rec.Job.Task = &model.Task{Platform: t.Platform, Style: t.Style, Formats: append([]string(nil), t.Formats...)}
	}
	s.insertLocked(rec)
	s.logger.Info("job retried", "job_id", id, "new_job_id", rec.Job.ID)
	return rec.Job.Clone(), nil
}

func (s *Server) remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return errUnknownJob
	}
	if !model.IsTerminal(rec.Job.Status) {
		return fmt.Errorf("%w: job is %s", errWrongStatus, rec.Job.Status)
	}
	delete(s.jobs, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.persistLocked()
	return nil
}

func (s *Server) issueQR(platform string) (token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.opts.Now()
	s.pruneTokensLocked(now)
	token = uuid.NewString()
	s.tokens[token] = &qrToken{Platform: platform, IssuedAt: now}
	return token
}

func (s *Server) pruneTokensLocked(now time.Time) {
	for token, t := range s.tokens {
		if t.stale(now, s.opts.QRTTL) {
			delete(s.tokens, token)
		}
	}
}

// Tokens returns the number of QR codes the server still answers for.
func (s *Server) Tokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

func (s *Server) pollQR(platform, token string) (api.QRPoll, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[token]
	if !ok || t.Platform != platform {
		return api.QRPoll{}, errUnknownToken
	}
	return t.pollStatus(s.opts.Now(), s.opts.QRScanAfter, s.opts.QRConfirmAfter, s.opts.QRTTL), nil
}

// attach registers a push client and queues its init frame in one step, so
// no update can slip between the snapshot and the subscription.
func (s *Server) attach(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hub.add(c)
	s.hub.send(c, transport.Frame{Type: transport.FrameInit, Jobs: s.listLocked()})
}

func (s *Server) detach(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hub.remove(c)
}

// Clients returns the number of connected push clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hub.count()
}
