package qrlogin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"jobsync/internal/api"
	"jobsync/internal/observability"
)

const (
	StatusIdle       = "idle"
	StatusGenerating = "generating"
	StatusWaiting    = "waiting"
	StatusScanned    = "scanned"
	StatusSucceeded  = "succeeded"
	StatusExpired    = "expired"
	StatusErrored    = "errored"
)

var (
	ErrScanLapsed          = errors.New("scan was confirmed too late, start again")
	ErrUnsupportedPlatform = errors.New("unsupported platform")
)

// Backend issues handshake artifacts and reports their status.
type Backend interface {
	GenerateQR(ctx context.Context, platform string) (api.QRCode, error)
	PollQR(ctx context.Context, platform, token string) (api.QRPoll, error)
}

// State is a point-in-time copy of a session.
type State struct {
	SessionID        string
	Platform         string
	Attempt          uint64
	HandshakeToken   string
	QRPayload        string
	Status           string
	SecondsRemaining int
	Message          string
	Err              error
}

func (s State) Done() bool {
	return s.Status == StatusSucceeded || s.Status == StatusErrored || s.Status == StatusIdle
}

type Options struct {
	PollInterval time.Duration
	// TTL seeds the cosmetic countdown; the backend decides real expiry.
	TTL time.Duration
	// MaxPollFailures is how many consecutive poll errors turn the session errored.
	MaxPollFailures int
	Logger          *slog.Logger
	// OnChange receives the latest state after every change. Calls are serialized.
	OnChange func(State)
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.TTL <= 0 {
		o.TTL = 180 * time.Second
	}
	if o.MaxPollFailures <= 0 {
		o.MaxPollFailures = 3
	}
	o.Logger = observability.OrDefault(o.Logger)
	return o
}

// Session is one platform's QR login flow. Each generated code is an attempt
// with its own id; results tagged with an older attempt are discarded.
type Session struct {
	backend  Backend
	platform string
	opts     Options
	logger   *slog.Logger
	onDone   func(*Session)

	mu       sync.Mutex
	ctx      context.Context
	state    State
	cancel   context.CancelFunc
	failures int
	closed   bool

	notifyMu sync.Mutex
}

func newSession(ctx context.Context, backend Backend, platform string, opts Options, onDone func(*Session)) *Session {
	id := uuid.NewString()
	return &Session{
		backend:  backend,
		platform: platform,
		opts:     opts,
		logger:   opts.Logger.With("platform", platform, "session_id", id),
		onDone:   onDone,
		ctx:      ctx,
		state:    State{SessionID: id, Platform: platform, Status: StatusIdle},
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Restart begins a new attempt, abandoning the current one.
func (s *Session) Restart() {
	s.regenerate("")
}

// Close invalidates the current attempt and stops every timer before
// returning. Later results from any attempt are discarded.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state.Attempt++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.state.Status != StatusSucceeded {
		s.state.Status = StatusIdle
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Session) regenerate(message string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.cancel = cancel
	s.failures = 0
	s.state.Attempt++
	attempt := s.state.Attempt
	s.state.Status = StatusGenerating
	s.state.HandshakeToken = ""
	s.state.QRPayload = ""
	s.state.SecondsRemaining = 0
	s.state.Message = message
	s.state.Err = nil
	s.mu.Unlock()

	observability.QRAttempts.WithLabelValues(s.platform).Inc()
	s.logger.Info("generating qr code", "attempt", attempt)
	s.notify()
	go s.generate(ctx, attempt)
}

func (s *Session) generate(ctx context.Context, attempt uint64) {
	code, err := s.backend.GenerateQR(ctx, s.platform)
	if !s.applyGenerated(attempt, code, err) {
		return
	}
	go s.countdown(ctx, attempt)
	s.pollLoop(ctx, attempt, code.Token)
}

// applyGenerated records a generate result and reports whether polling
// should start.
func (s *Session) applyGenerated(attempt uint64, code api.QRCode, err error) bool {
	s.mu.Lock()
	if !s.currentLocked(attempt) {
		s.mu.Unlock()
		observability.QRStaleResponses.Inc()
		return false
	}
	if err != nil {
		s.failLocked(fmt.Errorf("generate qr code: %w", err))
		s.mu.Unlock()
		s.logger.Warn("qr generate failed", "attempt", attempt, "error", err)
		s.notify()
		return false
	}
	s.state.HandshakeToken = code.Token
	s.state.QRPayload = code.URL
	s.state.Status = StatusWaiting
	s.state.SecondsRemaining = int(s.opts.TTL / time.Second)
	s.mu.Unlock()
	s.notify()
	return true
}

func (s *Session) pollLoop(ctx context.Context, attempt uint64, token string) {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		resp, err := s.backend.PollQR(ctx, s.platform, token)
		if ctx.Err() != nil {
			// Cancelled means superseded or closed.
			observability.QRStaleResponses.Inc()
			return
		}
		if !s.applyPoll(attempt, token, resp, err) {
			return
		}
	}
}

// applyPoll records one poll result and reports whether polling continues.
// Results from a superseded attempt or token change nothing.
func (s *Session) applyPoll(attempt uint64, token string, resp api.QRPoll, err error) bool {
	s.mu.Lock()
	if !s.currentLocked(attempt) || s.state.HandshakeToken != token {
		s.mu.Unlock()
		observability.QRStaleResponses.Inc()
		s.logger.Debug("discarding stale qr poll", "attempt", attempt)
		return false
	}

	if err != nil {
		s.failures++
		if s.failures < s.opts.MaxPollFailures {
			s.mu.Unlock()
			s.logger.Warn("qr poll failed", "attempt", attempt, "error", err, "failures", s.failures)
			return true
		}
		s.failLocked(fmt.Errorf("poll qr status: %w", err))
		s.mu.Unlock()
		s.logger.Warn("qr poll giving up", "attempt", attempt, "error", err)
		s.notify()
		return false
	}
	s.failures = 0
	if resp.Message != "" {
		s.state.Message = resp.Message
	}

	switch resp.Status {
	case api.QRWaiting:
		s.mu.Unlock()
		return true
	case api.QRScanned:
		changed := s.state.Status != StatusScanned
		s.state.Status = StatusScanned
		s.mu.Unlock()
		if changed {
			s.notify()
		}
		return true
	case api.QRSuccess:
		s.state.Status = StatusSucceeded
		s.state.SecondsRemaining = 0
		s.stopLocked()
		s.mu.Unlock()
		s.logger.Info("qr login succeeded", "attempt", attempt)
		s.notify()
		if s.onDone != nil {
			s.onDone(s)
		}
		return false
	case api.QRExpired:
		if s.state.Status == StatusScanned {
			s.failLocked(ErrScanLapsed)
			s.mu.Unlock()
			s.logger.Warn("qr expired after scan", "attempt", attempt)
			s.notify()
			return false
		}
		s.state.Status = StatusExpired
		s.mu.Unlock()
		s.logger.Info("qr expired, regenerating", "attempt", attempt)
		s.notify()
		s.regenerate("code expired, generated a new one")
		return false
	default:
		s.mu.Unlock()
		s.logger.Debug("unknown qr poll status", "status", resp.Status)
		return true
	}
}

func (s *Session) countdown(ctx context.Context, attempt uint64) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !s.tick(attempt) {
			return
		}
	}
}

func (s *Session) tick(attempt uint64) bool {
	s.mu.Lock()
	if !s.currentLocked(attempt) {
		s.mu.Unlock()
		return false
	}
	if s.state.SecondsRemaining > 0 {
		s.state.SecondsRemaining--
	}
	s.mu.Unlock()
	s.notify()
	return true
}

func (s *Session) currentLocked(attempt uint64) bool {
	return !s.closed && s.state.Attempt == attempt
}

func (s *Session) failLocked(err error) {
	s.state.Status = StatusErrored
	s.state.Err = err
	s.state.Message = err.Error()
	s.state.SecondsRemaining = 0
	s.stopLocked()
}

func (s *Session) stopLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *Session) notify() {
	if s.opts.OnChange == nil {
		return
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.opts.OnChange(s.State())
}
