package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())
	for _, key := range []string{"JOBSYNC_API_URL", "JOBSYNC_WS_URL", "JOBSYNC_SLOW_POLL", "JOBSYNC_FAST_POLL", "JOBSYNC_OPTIMISM_MISSED_SNAPSHOTS"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.APIURL != DefaultAPIURL {
		t.Fatalf("api url = %q", cfg.APIURL)
	}
	if cfg.SlowPoll != 5*time.Second || cfg.FastPoll != 800*time.Millisecond {
		t.Fatalf("poll intervals = %s/%s", cfg.SlowPoll, cfg.FastPoll)
	}
	if cfg.OptimismMissedSnapshots != 3 || cfg.OptimismWindow != 15*time.Second {
		t.Fatalf("optimism = %d/%s", cfg.OptimismMissedSnapshots, cfg.OptimismWindow)
	}
	push, err := cfg.PushURL()
	if err != nil || push != "ws://localhost:8483/ws/jobs" {
		t.Fatalf("push url = %q err=%v", push, err)
	}
}

func TestLoad_EnvOverridesAndBadValuesFallBack(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("JOBSYNC_API_URL", "https://notes.example.com/api/")
	t.Setenv("JOBSYNC_FAST_POLL", "250ms")
	t.Setenv("JOBSYNC_SLOW_POLL", "soon")
	t.Setenv("JOBSYNC_OPTIMISM_MISSED_SNAPSHOTS", "x")

	cfg := Load()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.APIURL != "https://notes.example.com/api" {
		t.Fatalf("api url = %q", cfg.APIURL)
	}
	if cfg.FastPoll != 250*time.Millisecond {
		t.Fatalf("fast poll = %s", cfg.FastPoll)
	}
	if cfg.SlowPoll != 5*time.Second {
		t.Fatalf("bad duration should fall back, got %s", cfg.SlowPoll)
	}
	if cfg.OptimismMissedSnapshots != 3 {
		t.Fatalf("bad int should fall back, got %d", cfg.OptimismMissedSnapshots)
	}
	push, _ := cfg.PushURL()
	if push != "wss://notes.example.com/api/ws/jobs" {
		t.Fatalf("push url = %q", push)
	}
}

func TestValidate_RejectsNonPositive(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("JOBSYNC_FAST_POLL", "-1s")
	t.Setenv("JOBSYNC_RECONNECT_BASE", "40s")

	err := Load().Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "JOBSYNC_FAST_POLL") || !strings.Contains(msg, "JOBSYNC_RECONNECT_MAX") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDerivePushURL_RejectsOtherSchemes(t *testing.T) {
	if _, err := DerivePushURL("ftp://host"); err == nil {
		t.Fatalf("expected error for ftp scheme")
	}
}

func TestLoad_BadValuesLeftForCallerToOverride(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("JOBSYNC_API_URL", "not a url")

	cfg := Load()
	if cfg.APIURL != "not a url" {
		t.Fatalf("api url = %q", cfg.APIURL)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error before override")
	}
	cfg.APIURL = "http://localhost:9000"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("override should validate: %v", err)
	}
}

// chdir mirrors testing.T.Chdir (Go 1.24+): it changes the working
// directory for the test and restores the previous one on cleanup.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatalf("restore cwd: %v", err)
		}
	})
}
