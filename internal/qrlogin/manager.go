package qrlogin

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Platforms lists the platforms with a QR login flow.
var Platforms = []string{"bilibili", "douyin", "kuaishou", "youtube"}

func IsSupported(platform string) bool {
	return slices.Contains(Platforms, platform)
}

// Manager keeps at most one live session per platform.
type Manager struct {
	backend Backend
	opts    Options

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(backend Backend, opts Options) *Manager {
	return &Manager{
		backend:  backend,
		opts:     opts.withDefaults(),
		sessions: map[string]*Session{},
	}
}

// Start tears down any session for platform and begins a new one.
func (m *Manager) Start(ctx context.Context, platform string) (*Session, error) {
	if !IsSupported(platform) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPlatform, platform)
	}
	m.mu.Lock()
	prev := m.sessions[platform]
	s := newSession(ctx, m.backend, platform, m.opts, m.release)
	m.sessions[platform] = s
	m.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	s.regenerate("")
	return s, nil
}

// Switch leaves every other platform's flow and starts platform.
func (m *Manager) Switch(ctx context.Context, platform string) (*Session, error) {
	if !IsSupported(platform) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPlatform, platform)
	}
	var others []*Session
	m.mu.Lock()
	for name, s := range m.sessions {
		if name != platform {
			others = append(others, s)
			delete(m.sessions, name)
		}
	}
	m.mu.Unlock()
	for _, s := range others {
		s.Close()
	}
	return m.Start(ctx, platform)
}

// Stop closes the session for platform, if any.
func (m *Manager) Stop(platform string) {
	m.mu.Lock()
	s, ok := m.sessions[platform]
	delete(m.sessions, platform)
	m.mu.Unlock()
	if ok {
		s.Close()
	}
}

func (m *Manager) StopAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = map[string]*Session{}
	m.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

// Session returns the live session for platform.
func (m *Manager) Session(platform string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[platform]
	return s, ok
}

// release drops a finished session if it is still the registered one.
func (m *Manager) release(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.platform] == s {
		delete(m.sessions, s.platform)
	}
}
