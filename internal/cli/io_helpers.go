package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"jobsync/internal/model"
)

var stdout io.Writer = os.Stdout

func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func stdinIsTTY() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

func kv(k, v string) string {
	return fmt.Sprintf("%s: %s", k, v)
}

func listWindow(total, cursor, maxRows int) (int, int) {
	if total <= maxRows {
		return 0, total
	}
	start := max(cursor-maxRows/2, 0)
	end := start + maxRows
	if end > total {
		end = total
		start = end - maxRows
	}
	return start, end
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	if limit <= 1 {
		return string(r[:limit])
	}
	return string(r[:limit-1]) + "…"
}

func wrapOrTrim(s string, width int) string {
	if width <= 0 || lipgloss.Width(s) <= width {
		return s
	}
	return truncateRunes(s, width)
}

func clampInt(v, minV, maxV int) int {
	return min(max(v, minV), maxV)
}

func formatProgress(p float64) string {
	return strconv.FormatFloat(p, 'f', 0, 64) + "%"
}

// statusLine is the one-line summary used by the non-interactive commands.
func statusLine(job model.Job) string {
	status := job.Status
	if job.Status == model.StatusFailed && job.Error != "" {
		status += " (" + job.Error.Label() + ")"
	}
	parts := []string{
		fmt.Sprintf("%-36s", job.ID),
		fmt.Sprintf("%-18s", status),
		fmt.Sprintf("%4s", formatProgress(job.Progress)),
		job.DisplayTitle(),
	}
	if msg := strings.TrimSpace(job.Message); msg != "" && job.Status != model.StatusFailed {
		parts = append(parts, "· "+msg)
	}
	return strings.Join(parts, "  ")
}
