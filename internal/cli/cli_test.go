package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"jobsync/internal/api"
	"jobsync/internal/command"
	"jobsync/internal/devserver"
	"jobsync/internal/model"
	"jobsync/internal/qrlogin"
	"jobsync/internal/reconcile"
	"jobsync/internal/store"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeBackend struct {
	mu        sync.Mutex
	submitted []api.SubmitRequest
	cancelled []string
	deleted   []string
	cancelErr error
}

func (b *fakeBackend) Submit(ctx context.Context, req api.SubmitRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitted = append(b.submitted, req)
	return "new-1", nil
}

func (b *fakeBackend) Cancel(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled = append(b.cancelled, id)
	return b.cancelErr
}

func (b *fakeBackend) Retry(ctx context.Context, id string) (string, error) {
	return "retry-1", nil
}

func (b *fakeBackend) Delete(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = append(b.deleted, id)
	return nil
}

func newTestWatchModel(t *testing.T, backend *fakeBackend) (watchModel, *store.Store) {
	t.Helper()
	st := store.New()
	engine := reconcile.New(st, reconcile.Options{Logger: quietLogger})
	engine.ApplyInitial([]model.Job{
		{ID: "a", Kind: model.KindPodcast, Status: model.StatusDownloading, Progress: 40, SubjectTitle: "Episode A"},
		{ID: "b", Kind: model.KindPodcast, Status: model.StatusCompleted, Progress: 100, SubjectTitle: "Episode B"},
		{ID: "c", Kind: model.KindPodcast, Status: model.StatusFailed, Error: model.ErrorKindDownload, SubjectTitle: "Episode C"},
	})
	cmd := command.New(backend, engine, quietLogger)
	m := newWatchModel(context.Background(), st, cmd, func() bool { return true }, nil, time.Second)
	return m, st
}

func press(t *testing.T, m watchModel, k tea.KeyMsg) (watchModel, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(k)
	wm, ok := next.(watchModel)
	if !ok {
		t.Fatalf("Update returned %T", next)
	}
	return wm, cmd
}

func runes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestWatch_CancelDisablesControlsUntilDone(t *testing.T) {
	backend := &fakeBackend{}
	m, st := newTestWatchModel(t, backend)

	m, cmd := press(t, m, runes("c"))
	if cmd == nil {
		t.Fatal("expected a command for cancel")
	}
	if m.busy["a"] != "cancel" {
		t.Fatalf("busy = %v, want cancel for a", m.busy)
	}

	m2, again := press(t, m, runes("c"))
	if again != nil || !m2.errored {
		t.Fatalf("second cancel while in flight was not refused (status %q)", m2.status)
	}

	next, _ := m.Update(cmd())
	m = next.(watchModel)
	if _, busy := m.busy["a"]; busy {
		t.Fatalf("controls still disabled after completion")
	}
	if job, _ := st.Get("a"); job.Status != model.StatusCancelling {
		t.Fatalf("status = %s, want cancelling", job.Status)
	}
	if len(backend.cancelled) != 1 {
		t.Fatalf("cancel requests = %v", backend.cancelled)
	}
}

func TestWatch_FailedCancelReenablesControls(t *testing.T) {
	backend := &fakeBackend{cancelErr: errors.New("backend down")}
	m, st := newTestWatchModel(t, backend)

	m, cmd := press(t, m, runes("c"))
	next, _ := m.Update(cmd())
	m = next.(watchModel)
	if _, busy := m.busy["a"]; busy || !m.errored {
		t.Fatalf("busy=%v errored=%v after failed cancel", m.busy, m.errored)
	}
	if job, _ := st.Get("a"); job.Status != model.StatusDownloading {
		t.Fatalf("status = %s, want downloading restored", job.Status)
	}
}

func TestWatch_KeyRulesPerStatus(t *testing.T) {
	cases := []struct {
		name    string
		downs   int
		key     string
		allowed bool
	}{
		{"retry running", 0, "r", false},
		{"delete running", 0, "D", false},
		{"dismiss running", 0, "x", false},
		{"cancel completed", 1, "c", false},
		{"retry completed", 1, "r", false},
		{"delete completed", 1, "D", true},
		{"dismiss completed", 1, "x", true},
		{"retry failed", 2, "r", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, _ := newTestWatchModel(t, &fakeBackend{})
			for i := 0; i < tc.downs; i++ {
				m, _ = press(t, m, tea.KeyMsg{Type: tea.KeyDown})
			}
			_, cmd := press(t, m, runes(tc.key))
			if got := cmd != nil; got != tc.allowed {
				t.Fatalf("allowed = %v, want %v", got, tc.allowed)
			}
		})
	}
}

func TestWatch_DeleteRemovesRow(t *testing.T) {
	backend := &fakeBackend{}
	m, st := newTestWatchModel(t, backend)
	m, _ = press(t, m, tea.KeyMsg{Type: tea.KeyDown})

	m, cmd := press(t, m, runes("D"))
	next, _ := m.Update(cmd())
	m = next.(watchModel)
	if _, ok := st.Get("b"); ok {
		t.Fatalf("deleted job still in store")
	}
	if len(m.jobs) != 2 {
		t.Fatalf("rows = %d, want 2", len(m.jobs))
	}
}

func TestWatch_SubmitFromInput(t *testing.T) {
	backend := &fakeBackend{}
	m, st := newTestWatchModel(t, backend)

	m, _ = press(t, m, runes("n"))
	if !m.entering {
		t.Fatal("expected input mode")
	}
	m, _ = press(t, m, runes("https://www.bilibili.com/video/BV1"))
	m, cmd := press(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	if m.entering || cmd == nil {
		t.Fatalf("enter did not submit")
	}
	next, _ := m.Update(cmd())
	m = next.(watchModel)

	if len(backend.submitted) != 1 || backend.submitted[0].Kind != model.KindVideoNote || backend.submitted[0].Platform != "bilibili" {
		t.Fatalf("submitted = %+v", backend.submitted)
	}
	if _, ok := st.Get("new-1"); !ok {
		t.Fatalf("submitted job not shown")
	}
	if m.jobs[0].ID != "new-1" {
		t.Fatalf("new job not listed first: %s", m.jobs[0].ID)
	}
}

func TestWatch_ViewShowsRowsAndBadge(t *testing.T) {
	m, _ := newTestWatchModel(t, &fakeBackend{})
	view := m.View()
	for _, want := range []string{"live", "Episode A", "Episode B", "download failed"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
}

func TestSubmitRequestFor(t *testing.T) {
	cases := []struct {
		url      string
		kind     string
		platform string
	}{
		{"https://feeds.example/show.rss", model.KindPodcast, ""},
		{"https://www.douyin.com/video/1", model.KindVideoNote, "douyin"},
		{"https://youtu.be/abc", model.KindVideoNote, "youtube"},
		{"not a url", model.KindPodcast, ""},
	}
	for _, tc := range cases {
		got := submitRequestFor(tc.url)
		if got.Kind != tc.kind || got.Platform != tc.platform {
			t.Fatalf("%s: got %s/%s, want %s/%s", tc.url, got.Kind, got.Platform, tc.kind, tc.platform)
		}
	}
}

type stubQR struct {
	mu sync.Mutex
	n  int
}

func (s *stubQR) GenerateQR(ctx context.Context, platform string) (api.QRCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return api.QRCode{URL: "https://qr.example/" + platform, Token: platform + "-token"}, nil
}

func (s *stubQR) PollQR(ctx context.Context, platform, token string) (api.QRPoll, error) {
	return api.QRPoll{Status: api.QRWaiting}, nil
}

func TestLogin_TabSwitchesPlatformAndClosesOld(t *testing.T) {
	manager := qrlogin.NewManager(&stubQR{}, qrlogin.Options{PollInterval: time.Hour, Logger: quietLogger})
	defer manager.StopAll()

	m, err := newLoginModel(context.Background(), manager, nil, "bilibili")
	if err != nil {
		t.Fatalf("new login model: %v", err)
	}
	first := m.session

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyTab})
	m = next.(loginModel)
	if m.platform != "douyin" {
		t.Fatalf("platform = %s, want douyin", m.platform)
	}
	if _, ok := manager.Session("bilibili"); ok {
		t.Fatalf("old platform session still registered")
	}
	if st := first.State(); st.Status != qrlogin.StatusIdle {
		t.Fatalf("old session status = %s, want idle", st.Status)
	}

	stale := first.State()
	stale.Status = qrlogin.StatusScanned
	next, _ = m.Update(qrStateMsg(stale))
	m = next.(loginModel)
	if m.state.Platform != "douyin" {
		t.Fatalf("state from a closed session was shown: %+v", m.state)
	}
}

func TestRenderQR_HalfBlocks(t *testing.T) {
	out := renderQR("https://login.example/qr?token=abc")
	lines := strings.Split(out, "\n")
	if len(lines) < 10 {
		t.Fatalf("qr too small: %d lines", len(lines))
	}
	width := len([]rune(lines[0]))
	for i, line := range lines {
		if len([]rune(line)) != width {
			t.Fatalf("line %d width %d, want %d", i, len([]rune(line)), width)
		}
	}
	if renderQR("") != "" {
		t.Fatalf("empty payload rendered a code")
	}
}

func captureStdout(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = prev })
	return &buf
}

func TestOneShotCommandsAgainstDevserver(t *testing.T) {
	srv, err := devserver.New(devserver.Options{Logger: quietLogger})
	if err != nil {
		t.Fatalf("devserver: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	t.Setenv("JOBSYNC_API_URL", ts.URL)
	out := captureStdout(t)

	if err := Run([]string{"submit", "--json", "--url", "https://feeds.example/ep-7"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	var submitted map[string]string
	if err := json.Unmarshal(out.Bytes(), &submitted); err != nil {
		t.Fatalf("decode submit output %q: %v", out.String(), err)
	}
	id := submitted["job_id"]
	if id == "" || submitted["kind"] != model.KindPodcast {
		t.Fatalf("submit output = %v", submitted)
	}

	out.Reset()
	if err := Run([]string{"jobs", "--json"}); err != nil {
		t.Fatalf("jobs: %v", err)
	}
	var jobs []model.Job
	if err := json.Unmarshal(out.Bytes(), &jobs); err != nil || len(jobs) != 1 || jobs[0].ID != id {
		t.Fatalf("jobs output = %q err=%v", out.String(), err)
	}

	if err := Run([]string{"delete", id}); !errors.Is(err, api.ErrRejected) {
		t.Fatalf("delete running err = %v, want ErrRejected", err)
	}

	out.Reset()
	if err := Run([]string{"cancel", id}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !strings.Contains(out.String(), "status: cancelling") {
		t.Fatalf("cancel output = %q", out.String())
	}
	srv.Step()

	out.Reset()
	if err := Run([]string{"retry", "--json", id}); err != nil {
		t.Fatalf("retry: %v", err)
	}
	var retried map[string]string
	if err := json.Unmarshal(out.Bytes(), &retried); err != nil || retried["new_job_id"] == "" {
		t.Fatalf("retry output = %q err=%v", out.String(), err)
	}

	out.Reset()
	if err := Run([]string{"jobs"}); err != nil {
		t.Fatalf("jobs: %v", err)
	}
	if !strings.Contains(out.String(), "2 jobs, 1 active") {
		t.Fatalf("jobs table = %q", out.String())
	}

	if err := Run([]string{"delete", id}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := Run([]string{"cancel"}); err == nil {
		t.Fatalf("cancel without id should fail")
	}
	if err := Run([]string{"bogus"}); err == nil {
		t.Fatalf("unknown command should fail")
	}
}

func TestAPIFlagOverridesBadEnvironmentURL(t *testing.T) {
	srv, err := devserver.New(devserver.Options{Logger: quietLogger})
	if err != nil {
		t.Fatalf("devserver: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	t.Setenv("JOBSYNC_API_URL", "localhost-without-scheme")
	out := captureStdout(t)

	if err := Run([]string{"jobs"}); err == nil || !strings.Contains(err.Error(), "JOBSYNC_API_URL") {
		t.Fatalf("jobs with bad env url err = %v", err)
	}
	if err := Run([]string{"jobs", "--api", ts.URL}); err != nil {
		t.Fatalf("jobs --api: %v", err)
	}
	if !strings.Contains(out.String(), "no jobs") {
		t.Fatalf("jobs output = %q", out.String())
	}
}
