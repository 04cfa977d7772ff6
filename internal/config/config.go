package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const DefaultAPIURL = "http://localhost:8483"

type Config struct {
	APIURL         string
	WSURL          string
	RequestTimeout time.Duration

	SlowPoll      time.Duration
	FastPoll      time.Duration
	ReconnectBase time.Duration
	ReconnectMax  time.Duration

	OptimismWindow          time.Duration
	OptimismMissedSnapshots int

	QRPollInterval time.Duration
	QRTTL          time.Duration

	MetricsAddr string
	LogFile     string
	LogLevel    string
	LogFormat   string

	DevserverAddr  string
	DevserverState string
}

// Load reads .env when present, then the process environment. Callers
// validate once their own overrides are applied.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		APIURL:                  strings.TrimRight(getenv("JOBSYNC_API_URL", DefaultAPIURL), "/"),
		WSURL:                   getenv("JOBSYNC_WS_URL", ""),
		RequestTimeout:          parseDuration(os.Getenv("JOBSYNC_REQUEST_TIMEOUT"), 10*time.Second),
		SlowPoll:                parseDuration(os.Getenv("JOBSYNC_SLOW_POLL"), 5*time.Second),
		FastPoll:                parseDuration(os.Getenv("JOBSYNC_FAST_POLL"), 800*time.Millisecond),
		ReconnectBase:           parseDuration(os.Getenv("JOBSYNC_RECONNECT_BASE"), 3*time.Second),
		ReconnectMax:            parseDuration(os.Getenv("JOBSYNC_RECONNECT_MAX"), 30*time.Second),
		OptimismWindow:          parseDuration(os.Getenv("JOBSYNC_OPTIMISM_WINDOW"), 15*time.Second),
		OptimismMissedSnapshots: parseInt(os.Getenv("JOBSYNC_OPTIMISM_MISSED_SNAPSHOTS"), 3),
		QRPollInterval:          parseDuration(os.Getenv("JOBSYNC_QR_POLL"), 2*time.Second),
		QRTTL:                   parseDuration(os.Getenv("JOBSYNC_QR_TTL"), 180*time.Second),
		MetricsAddr:             getenv("JOBSYNC_METRICS_ADDR", ""),
		LogFile:                 getenv("JOBSYNC_LOG_FILE", defaultLogFile()),
		LogLevel:                getenv("LOG_LEVEL", "info"),
		LogFormat:               getenv("LOG_FORMAT", "json"),
		DevserverAddr:           getenv("JOBSYNC_DEVSERVER_ADDR", ":8483"),
		DevserverState:          getenv("JOBSYNC_DEVSERVER_STATE", ""),
	}
	return cfg
}

// PushURL returns the websocket endpoint, derived from APIURL unless set.
func (c Config) PushURL() (string, error) {
	if c.WSURL != "" {
		return c.WSURL, nil
	}
	return DerivePushURL(c.APIURL)
}

func DerivePushURL(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", fmt.Errorf("parse api url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported api url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/jobs"
	u.RawQuery = ""
	return u.String(), nil
}

func (c Config) Validate() error {
	var errs []error
	u, err := url.Parse(c.APIURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("JOBSYNC_API_URL must be an http(s) url, got %q", c.APIURL))
	}
	positive := []struct {
		name  string
		value time.Duration
	}{
		{"JOBSYNC_REQUEST_TIMEOUT", c.RequestTimeout},
		{"JOBSYNC_SLOW_POLL", c.SlowPoll},
		{"JOBSYNC_FAST_POLL", c.FastPoll},
		{"JOBSYNC_RECONNECT_BASE", c.ReconnectBase},
		{"JOBSYNC_RECONNECT_MAX", c.ReconnectMax},
		{"JOBSYNC_OPTIMISM_WINDOW", c.OptimismWindow},
		{"JOBSYNC_QR_POLL", c.QRPollInterval},
		{"JOBSYNC_QR_TTL", c.QRTTL},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", p.name, p.value))
		}
	}
	if c.OptimismMissedSnapshots < 1 {
		errs = append(errs, fmt.Errorf("JOBSYNC_OPTIMISM_MISSED_SNAPSHOTS must be at least 1, got %d", c.OptimismMissedSnapshots))
	}
	if c.ReconnectMax < c.ReconnectBase {
		errs = append(errs, fmt.Errorf("JOBSYNC_RECONNECT_MAX (%s) is below JOBSYNC_RECONNECT_BASE (%s)", c.ReconnectMax, c.ReconnectBase))
	}
	return errors.Join(errs...)
}

func defaultLogFile() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "jobsync", "jobsync.log")
}

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
