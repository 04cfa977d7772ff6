package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"jobsync/internal/model"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := New(Options{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestListJobs_AcceptsArrayAndWrappedObject(t *testing.T) {
	for name, body := range map[string]string{
		"array":   `[{"id":"j1","status":"downloading","progress":12.5,"subject_title":"Ep 1"}]`,
		"wrapped": `{"jobs":[{"id":"j1","status":"downloading","progress":12.5,"subject_title":"Ep 1"}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodGet || r.URL.Path != "/jobs" {
					t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
				}
				if r.Header.Get("X-Request-Id") == "" {
					t.Errorf("missing X-Request-Id")
				}
				_, _ = w.Write([]byte(body))
			})

			jobs, err := client.ListJobs(context.Background())
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(jobs) != 1 || jobs[0].ID != "j1" || jobs[0].Progress != 12.5 || jobs[0].SubjectTitle != "Ep 1" {
				t.Fatalf("unexpected jobs: %+v", jobs)
			}
		})
	}
}

func TestRetry_ReturnsNewJobID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/jobs/j1/retry" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"new_job_id": "j2"})
	})

	got, err := client.Retry(context.Background(), "j1")
	if err != nil || got != "j2" {
		t.Fatalf("retry = %q, %v", got, err)
	}
}

func TestStatusErrors_UnwrapToSentinels(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/jobs/missing":
			http.Error(w, `{"error":"job not found"}`, http.StatusNotFound)
		case "/jobs/busy/cancel":
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"message":"job already finished"}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	})

	err := client.Delete(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("delete err = %v, want ErrNotFound", err)
	}

	err = client.Cancel(context.Background(), "busy")
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("cancel err = %v, want ErrRejected", err)
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Body != "job already finished" {
		t.Fatalf("unexpected status error: %#v", err)
	}

	err = client.Cancel(context.Background(), "other")
	if errors.Is(err, ErrRejected) || errors.Is(err, ErrNotFound) || err == nil {
		t.Fatalf("5xx should not map to a sentinel: %v", err)
	}
}

func TestSubmit_SendsRequestBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Kind != model.KindVideoNote || req.Platform != "bilibili" || len(req.Formats) != 2 {
			t.Errorf("unexpected body: %+v", req)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"job_id": "new-1"})
	})

	id, err := client.Submit(context.Background(), SubmitRequest{
		Kind:     model.KindVideoNote,
		URL:      "https://www.bilibili.com/video/BV1xx",
		Platform: "bilibili",
		Formats:  []string{"toc", "summary"},
	})
	if err != nil || id != "new-1" {
		t.Fatalf("submit = %q, %v", id, err)
	}
}

func TestSubmit_ValidatesBeforeSending(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("request should not be sent")
	})
	if _, err := client.Submit(context.Background(), SubmitRequest{Kind: "movie", URL: "x"}); err == nil {
		t.Fatalf("expected validation error for kind")
	}
	if _, err := client.Submit(context.Background(), SubmitRequest{Kind: model.KindPodcast}); err == nil {
		t.Fatalf("expected validation error for url")
	}
}

func TestQREndpoints(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/cookies/bilibili/qr/generate":
			_ = json.NewEncoder(w).Encode(QRCode{URL: "https://passport.example/qr?k=1", Token: "t1"})
		case "/cookies/bilibili/qr/poll":
			if r.URL.Query().Get("token") != "t1" {
				t.Errorf("token = %q", r.URL.Query().Get("token"))
			}
			_ = json.NewEncoder(w).Encode(QRPoll{Status: QRScanned, Message: "confirm on phone"})
		default:
			http.NotFound(w, r)
		}
	})

	code, err := client.GenerateQR(context.Background(), "bilibili")
	if err != nil || code.Token != "t1" {
		t.Fatalf("generate = %+v, %v", code, err)
	}
	poll, err := client.PollQR(context.Background(), "bilibili", "t1")
	if err != nil || poll.Status != QRScanned {
		t.Fatalf("poll = %+v, %v", poll, err)
	}
}

func TestNew_RejectsNonHTTPBase(t *testing.T) {
	if _, err := New(Options{BaseURL: "ws://localhost"}); err == nil {
		t.Fatalf("expected error")
	}
}
