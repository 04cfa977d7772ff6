package statefile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const lockOwnerFile = "owner.json"

// Lock marks a state file as owned by one process. It is a directory next
// to the file, since creating a directory is atomic on every platform.
type Lock struct {
	dir string
}

type lockOwner struct {
	PID       int    `json:"pid"`
	CreatedAt string `json:"created_at"`
	Hostname  string `json:"hostname,omitempty"`
}

func lockDirFor(path string) string {
	return filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".lock")
}

func AcquireLock(path string) (Lock, error) {
	target := strings.TrimSpace(path)
	if target == "" {
		return Lock{}, fmt.Errorf("state file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return Lock{}, fmt.Errorf("create parent for %s: %w", target, err)
	}

	dir := lockDirFor(target)
	if err := os.Mkdir(dir, 0o755); err != nil {
		if !os.IsExist(err) {
			return Lock{}, fmt.Errorf("lock %s: %w", target, err)
		}
		var owner lockOwner
		if found, readErr := ReadJSON(filepath.Join(dir, lockOwnerFile), &owner); found && readErr == nil && owner.PID > 0 {
			return Lock{}, fmt.Errorf("state file %s is in use (pid=%d since %s on %s)", target, owner.PID, owner.CreatedAt, owner.Hostname)
		}
		return Lock{}, fmt.Errorf("state file %s is in use", target)
	}

	owner := lockOwner{
		PID:       os.Getpid(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Hostname:  hostname(),
	}
	if err := WriteJSON(filepath.Join(dir, lockOwnerFile), owner); err != nil {
		_ = os.RemoveAll(dir)
		return Lock{}, fmt.Errorf("record lock owner for %s: %w", target, err)
	}
	return Lock{dir: dir}, nil
}

func (l Lock) Release() error {
	if l.dir == "" {
		return nil
	}
	if err := os.RemoveAll(l.dir); err != nil {
		return fmt.Errorf("release lock %s: %w", l.dir, err)
	}
	return nil
}

func hostname() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		return "unknown"
	}
	return strings.TrimSpace(host)
}
