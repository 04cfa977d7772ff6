package devserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"jobsync/internal/api"
	"jobsync/internal/model"
	"jobsync/internal/transport"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestServer(t *testing.T, opts Options) (*Server, *api.Client, *httptest.Server) {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	srv, err := New(opts)
	if err != nil {
		t.Fatalf("new devserver: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	client, err := api.New(api.Options{BaseURL: ts.URL, Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("api client: %v", err)
	}
	return srv, client, ts
}

func stepUntil(t *testing.T, srv *Server, id string, want string) model.Job {
	t.Helper()
	for i := 0; i < 20; i++ {
		for _, job := range srv.Jobs() {
			if job.ID == id && job.Status == want {
				return job
			}
		}
		srv.Step()
	}
	t.Fatalf("job %s never reached %s", id, want)
	return model.Job{}
}

func TestAdvance_PodcastPipeline(t *testing.T) {
	rec := &record{Job: model.Job{ID: "p1", Kind: model.KindPodcast, Status: model.StatusPending}, URL: "https://feeds.example/show/ep-12"}
	now := time.Now()

	var seen []string
	lastProgress := -1.0
	for rec.advance(now) {
		seen = append(seen, rec.Job.Status)
		if rec.Job.Progress < lastProgress {
			t.Fatalf("progress went backwards at %s", rec.Job.Status)
		}
		lastProgress = rec.Job.Progress
	}
	want := []string{model.StatusFetching, model.StatusDownloading, model.StatusTranscribing, model.StatusSummarizing, model.StatusCompleted}
	if strings.Join(seen, ",") != strings.Join(want, ",") {
		t.Fatalf("stages = %v, want %v", seen, want)
	}
	if rec.Job.Progress != 100 {
		t.Fatalf("final progress = %v, want 100", rec.Job.Progress)
	}
	if rec.Job.SubjectID != "ep-12" {
		t.Fatalf("subject id = %q", rec.Job.SubjectID)
	}
}

func TestAdvance_VideoNoteAppendsVersions(t *testing.T) {
	rec := &record{
		Job: model.Job{ID: "v1", Kind: model.KindVideoNote, Status: model.StatusPending, Task: &model.Task{Platform: "bilibili", Style: "outline"}},
		URL: "https://www.bilibili.com/video/BV1xx",
	}
	for rec.advance(time.Now()) {
	}
	if rec.Job.Status != model.StatusCompleted {
		t.Fatalf("status = %s", rec.Job.Status)
	}
	if got := len(rec.Job.Task.Versions); got != 2 {
		t.Fatalf("versions = %d, want 2", got)
	}
	if rec.Job.Task.Versions[0].Style != "outline" {
		t.Fatalf("version style = %q", rec.Job.Task.Versions[0].Style)
	}
}

func TestAdvance_FailingSourceAndCancel(t *testing.T) {
	rec := &record{Job: model.Job{ID: "f1", Kind: model.KindPodcast, Status: model.StatusFetching}, URL: "https://example.com/fail.mp3"}
	if !rec.advance(time.Now()) {
		t.Fatalf("expected a change")
	}
	if rec.Job.Status != model.StatusFailed || rec.Job.Error != model.ErrorKindDownload {
		t.Fatalf("got %s/%s, want failed/download_failed", rec.Job.Status, rec.Job.Error)
	}
	if rec.advance(time.Now()) {
		t.Fatalf("terminal job advanced")
	}

	c := &record{Job: model.Job{ID: "c1", Kind: model.KindPodcast, Status: model.StatusCancelling}}
	c.advance(time.Now())
	if c.Job.Status != model.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", c.Job.Status)
	}
}

func TestHTTP_JobLifecycle(t *testing.T) {
	srv, client, _ := newTestServer(t, Options{})
	ctx := context.Background()

	id, err := client.Submit(ctx, api.SubmitRequest{Kind: model.KindPodcast, URL: "https://feeds.example/ep1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	jobs, err := client.ListJobs(ctx)
	if err != nil || len(jobs) != 1 || jobs[0].ID != id {
		t.Fatalf("list = %+v err=%v", jobs, err)
	}

	if err := client.Delete(ctx, id); !errors.Is(err, api.ErrRejected) {
		t.Fatalf("delete active err = %v, want ErrRejected", err)
	}
	if _, err := client.Retry(ctx, id); !errors.Is(err, api.ErrRejected) {
		t.Fatalf("retry active err = %v, want ErrRejected", err)
	}

	if err := client.Cancel(ctx, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	job, err := client.GetJob(ctx, id)
	if err != nil || job.Status != model.StatusCancelling {
		t.Fatalf("after cancel: %+v err=%v", job, err)
	}
	srv.Step()
	job, _ = client.GetJob(ctx, id)
	if job.Status != model.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", job.Status)
	}
	if err := client.Cancel(ctx, id); !errors.Is(err, api.ErrRejected) {
		t.Fatalf("cancel terminal err = %v, want ErrRejected", err)
	}

	newID, err := client.Retry(ctx, id)
	if err != nil || newID == id {
		t.Fatalf("retry = %q err=%v", newID, err)
	}
	jobs, _ = client.ListJobs(ctx)
	if len(jobs) != 2 || jobs[0].ID != newID {
		t.Fatalf("retried job not listed first: %+v", jobs)
	}

	if err := client.Delete(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := client.GetJob(ctx, id); !errors.Is(err, api.ErrNotFound) {
		t.Fatalf("get deleted err = %v, want ErrNotFound", err)
	}
	if err := client.Cancel(ctx, "missing"); !errors.Is(err, api.ErrNotFound) {
		t.Fatalf("cancel missing err = %v, want ErrNotFound", err)
	}
}

func TestHTTP_SubmitValidation(t *testing.T) {
	_, _, ts := newTestServer(t, Options{})
	resp, err := http.Post(ts.URL+"/jobs", "application/json", strings.NewReader(`{"kind":"podcast","url":"  "}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHTTP_QRHandshake(t *testing.T) {
	clock := newFakeClock()
	_, client, _ := newTestServer(t, Options{
		Now:            clock.Now,
		QRScanAfter:    5 * time.Second,
		QRConfirmAfter: 10 * time.Second,
		QRTTL:          60 * time.Second,
	})
	ctx := context.Background()

	code, err := client.GenerateQR(ctx, "douyin")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.Contains(code.URL, code.Token) {
		t.Fatalf("qr url %q does not carry token", code.URL)
	}

	steps := []struct {
		advance time.Duration
		want    string
	}{
		{0, api.QRWaiting},
		{5 * time.Second, api.QRScanned},
		{5 * time.Second, api.QRSuccess},
		{30 * time.Second, api.QRSuccess},
	}
	for _, step := range steps {
		clock.Advance(step.advance)
		poll, err := client.PollQR(ctx, "douyin", code.Token)
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		if poll.Status != step.want {
			t.Fatalf("after +%s status = %s, want %s", step.advance, poll.Status, step.want)
		}
	}

	if _, err := client.PollQR(ctx, "bilibili", code.Token); !errors.Is(err, api.ErrNotFound) {
		t.Fatalf("poll with wrong platform err = %v, want ErrNotFound", err)
	}
	if _, err := client.GenerateQR(ctx, "myspace"); !errors.Is(err, api.ErrNotFound) {
		t.Fatalf("generate unsupported err = %v, want ErrNotFound", err)
	}
}

func TestHTTP_QRExpires(t *testing.T) {
	clock := newFakeClock()
	_, client, _ := newTestServer(t, Options{Now: clock.Now, QRScanAfter: time.Minute, QRConfirmAfter: 2 * time.Minute, QRTTL: 30 * time.Second})
	ctx := context.Background()

	code, _ := client.GenerateQR(ctx, "kuaishou")
	clock.Advance(31 * time.Second)
	poll, err := client.PollQR(ctx, "kuaishou", code.Token)
	if err != nil || poll.Status != api.QRExpired {
		t.Fatalf("poll = %+v err=%v, want expired", poll, err)
	}
}

func TestQRTokens_ForgottenOneTTLAfterFinishing(t *testing.T) {
	clock := newFakeClock()
	srv, client, _ := newTestServer(t, Options{
		Now:            clock.Now,
		QRScanAfter:    5 * time.Second,
		QRConfirmAfter: 10 * time.Second,
		QRTTL:          60 * time.Second,
	})
	ctx := context.Background()

	confirmed, _ := client.GenerateQR(ctx, "bilibili")
	abandoned, _ := client.GenerateQR(ctx, "bilibili")
	clock.Advance(10 * time.Second)
	if poll, err := client.PollQR(ctx, "bilibili", confirmed.Token); err != nil || poll.Status != api.QRSuccess {
		t.Fatalf("poll = %+v err=%v, want success", poll, err)
	}

	// abandoned expired at 60s and is kept until 120s; confirmed until 70s.
	clock.Advance(55 * time.Second)
	srv.Step()
	if got := srv.Tokens(); got != 2 {
		t.Fatalf("tokens at 65s = %d, want 2", got)
	}
	clock.Advance(10 * time.Second)
	srv.Step()
	if got := srv.Tokens(); got != 1 {
		t.Fatalf("tokens at 75s = %d, want 1", got)
	}
	if _, err := client.PollQR(ctx, "bilibili", confirmed.Token); !errors.Is(err, api.ErrNotFound) {
		t.Fatalf("poll forgotten token err = %v, want ErrNotFound", err)
	}
	if poll, err := client.PollQR(ctx, "bilibili", abandoned.Token); err != nil || poll.Status != api.QRExpired {
		t.Fatalf("poll = %+v err=%v, want expired", poll, err)
	}

	clock.Advance(50 * time.Second)
	if _, err := client.GenerateQR(ctx, "bilibili"); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got := srv.Tokens(); got != 1 {
		t.Fatalf("tokens after issuing at 125s = %d, want only the new one", got)
	}
}

func dialPush(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/jobs"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) transport.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f transport.Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func TestPush_InitUpdatesAndHeartbeat(t *testing.T) {
	srv, client, ts := newTestServer(t, Options{})
	ctx := context.Background()
	existing, _ := client.Submit(ctx, api.SubmitRequest{Kind: model.KindPodcast, URL: "https://feeds.example/a"})

	conn := dialPush(t, ts)
	init := readFrame(t, conn)
	if init.Type != transport.FrameInit || len(init.Jobs) != 1 || init.Jobs[0].ID != existing {
		t.Fatalf("init = %+v", init)
	}

	srv.Step()
	update := readFrame(t, conn)
	if update.Type != transport.FrameJobUpdate || update.Job == nil || update.Job.Status != model.StatusFetching {
		t.Fatalf("update = %+v", update)
	}

	srv.Heartbeat()
	if f := readFrame(t, conn); f.Type != transport.FrameHeartbeat {
		t.Fatalf("frame = %s, want heartbeat", f.Type)
	}
}

func TestPush_DropsClientsThatStopPinging(t *testing.T) {
	clock := newFakeClock()
	srv, _, ts := newTestServer(t, Options{Now: clock.Now, HeartbeatInterval: time.Second, PingTimeout: 3 * time.Second})

	quiet := dialPush(t, ts)
	readFrame(t, quiet)
	chatty := dialPush(t, ts)
	readFrame(t, chatty)
	waitForClients(t, srv, 2)

	clock.Advance(2 * time.Second)
	if err := chatty.WriteJSON(transport.Frame{Type: transport.FramePing}); err != nil {
		t.Fatalf("ping: %v", err)
	}
	// Give the server a moment to record the ping.
	time.Sleep(50 * time.Millisecond)
	clock.Advance(2 * time.Second)
	srv.Heartbeat()

	waitForClients(t, srv, 1)
	if f := readFrame(t, chatty); f.Type != transport.FrameHeartbeat {
		t.Fatalf("chatty client frame = %s", f.Type)
	}
}

func waitForClients(t *testing.T, srv *Server, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if srv.Clients() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("clients = %d, want %d", srv.Clients(), want)
}

func TestState_PersistsAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devserver.json")
	srv, client, _ := newTestServer(t, Options{StatePath: path})
	ctx := context.Background()

	id, err := client.Submit(ctx, api.SubmitRequest{Kind: model.KindVideoNote, URL: "https://youtu.be/x?v=abc", Platform: "youtube", Style: "brief"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	stepUntil(t, srv, id, model.StatusQuickReady)

	reopened, err := New(Options{StatePath: path, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	jobs := reopened.Jobs()
	if len(jobs) != 1 || jobs[0].ID != id || jobs[0].Status != model.StatusQuickReady {
		t.Fatalf("reloaded jobs = %+v", jobs)
	}
	if jobs[0].Task == nil || len(jobs[0].Task.Versions) != 1 {
		t.Fatalf("reloaded task = %+v", jobs[0].Task)
	}
	stepUntil(t, reopened, id, model.StatusCompleted)
}
