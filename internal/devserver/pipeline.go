package devserver

import (
	"fmt"
	"net/url"
	"path"
	"slices"
	"strings"
	"time"

	"jobsync/internal/model"
)

var podcastStages = []string{
	model.StatusPending,
	model.StatusFetching,
	model.StatusDownloading,
	model.StatusTranscribing,
	model.StatusSummarizing,
	model.StatusCompleted,
}

var videoNoteStages = []string{
	model.StatusPending,
	model.StatusParsing,
	model.StatusDownloading,
	model.StatusTranscribingFast,
	model.StatusSummarizing,
	model.StatusQuickReady,
	model.StatusRefining,
	model.StatusMerging,
	model.StatusCompleted,
}

var stageMessages = map[string]string{
	model.StatusPending:          "waiting for a worker",
	model.StatusFetching:         "fetching feed",
	model.StatusParsing:          "resolving video",
	model.StatusDownloading:      "downloading audio",
	model.StatusTranscribing:     "transcribing",
	model.StatusTranscribingFast: "quick transcript",
	model.StatusSummarizing:      "summarizing",
	model.StatusQuickReady:       "quick note ready",
	model.StatusRefining:         "refining note",
	model.StatusMerging:          "merging versions",
	model.StatusCompleted:        "done",
}

// record is one simulated job plus the inputs that drive its pipeline.
type record struct {
	Job   model.Job `json:"job"`
	URL   string    `json:"url"`
	Model string    `json:"model,omitempty"`
}

func stagesFor(kind string) []string {
	if kind == model.KindVideoNote {
		return videoNoteStages
	}
	return podcastStages
}

// failsAt reports whether the simulated source breaks when the job reaches stage.
func (r *record) failsAt(stage string) bool {
	return stage == model.StatusDownloading && strings.Contains(strings.ToLower(r.URL), "fail")
}

// advance moves the record one step. It reports false when nothing changed.
func (r *record) advance(now time.Time) bool {
	job := &r.Job
	switch {
	case model.IsTerminal(job.Status):
		return false
	case job.Status == model.StatusCancelling:
		job.Status = model.StatusCancelled
		job.Message = "cancelled"
		return true
	}

	stages := stagesFor(job.Kind)
	idx := slices.Index(stages, job.Status)
	if idx < 0 || idx+1 >= len(stages) {
		return false
	}
	next := stages[idx+1]

	if r.failsAt(next) {
		job.Status = model.StatusFailed
		job.Error = model.ErrorKindDownload
		job.Message = "source could not be downloaded"
		return true
	}

	job.Status = next
	job.Progress = float64(idx+1) / float64(len(stages)-1) * 100
	job.Message = stageMessages[next]

	switch next {
	case model.StatusFetching, model.StatusParsing:
		job.SubjectTitle, job.SubjectID = subjectFromURL(r.URL)
	case model.StatusQuickReady:
		r.appendVersion("quick", now)
	case model.StatusCompleted:
		if job.Kind == model.KindVideoNote {
			r.appendVersion("refined", now)
		}
	}
	return true
}

func (r *record) appendVersion(label string, now time.Time) {
	task := r.Job.Task
	if task == nil {
		task = &model.Task{}
		r.Job.Task = task
	}
	task.Versions = append(task.Versions, model.Version{
		ID:        fmt.Sprintf("%s-v%d", r.Job.ID, len(task.Versions)+1),
		Content:   fmt.Sprintf("%s note for %s", label, r.Job.DisplayTitle()),
		Style:     task.Style,
		Model:     r.Model,
		CreatedAt: now.UTC().Format(time.RFC3339),
	})
}

func subjectFromURL(raw string) (title, id string) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw, ""
	}
	id = path.Base(strings.TrimRight(u.Path, "/"))
	if id == "." || id == "/" {
		id = ""
	}
	if v := u.Query().Get("v"); v != "" {
		id = v
	}
	if id == "" {
		return u.Host, ""
	}
	return fmt.Sprintf("%s (%s)", id, u.Host), id
}
