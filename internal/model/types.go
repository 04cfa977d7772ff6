package model

const (
	KindPodcast   = "podcast"
	KindVideoNote = "video_note"
)

// ErrorKind is the backend's structured failure code for a failed job.
type ErrorKind string

const (
	ErrorKindNone              ErrorKind = ""
	ErrorKindDownload          ErrorKind = "download_failed"
	ErrorKindTranscription     ErrorKind = "transcription_failed"
	ErrorKindSummarization     ErrorKind = "summarization_failed"
	ErrorKindUnsupportedSource ErrorKind = "unsupported_source"
	ErrorKindAuthRequired      ErrorKind = "auth_required"
	ErrorKindTimeout           ErrorKind = "timeout"
	ErrorKindInternal          ErrorKind = "internal"
)

var errorKindLabels = map[ErrorKind]string{
	ErrorKindDownload:          "download failed",
	ErrorKindTranscription:     "transcription failed",
	ErrorKindSummarization:     "summarization failed",
	ErrorKindUnsupportedSource: "unsupported source",
	ErrorKindAuthRequired:      "login required",
	ErrorKindTimeout:           "timed out",
	ErrorKindInternal:          "internal error",
}

// Label returns a short human-readable description of the error kind.
func (k ErrorKind) Label() string {
	if label, ok := errorKindLabels[k]; ok {
		return label
	}
	return string(k)
}

// Job is one unit of asynchronous work as the backend reports it.
type Job struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind,omitempty"`
	Status       string    `json:"status"`
	Progress     float64   `json:"progress"`
	Message      string    `json:"message,omitempty"`
	SubjectTitle string    `json:"subject_title,omitempty"`
	SubjectID    string    `json:"subject_id,omitempty"`
	Error        ErrorKind `json:"error,omitempty"`
	CreatedAt    string    `json:"created_at,omitempty"`
	Task         *Task     `json:"task,omitempty"`
}

// Task carries the video-note descriptive fields. Platform, Style and
// Formats are fixed at creation; Versions only grow.
type Task struct {
	Platform string    `json:"platform,omitempty"`
	Style    string    `json:"style,omitempty"`
	Formats  []string  `json:"formats,omitempty"`
	Versions []Version `json:"versions,omitempty"`
}

type Version struct {
	ID        string `json:"id"`
	Content   string `json:"content,omitempty"`
	Style     string `json:"style,omitempty"`
	Model     string `json:"model,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// Clone returns a copy that shares no slices with j.
func (j Job) Clone() Job {
	if j.Task == nil {
		return j
	}
	task := *j.Task
	task.Formats = append([]string(nil), j.Task.Formats...)
	task.Versions = append([]Version(nil), j.Task.Versions...)
	j.Task = &task
	return j
}

// DisplayTitle returns the subject title, falling back to the subject id and
// then the job id.
func (j Job) DisplayTitle() string {
	switch {
	case j.SubjectTitle != "":
		return j.SubjectTitle
	case j.SubjectID != "":
		return j.SubjectID
	default:
		return j.ID
	}
}
