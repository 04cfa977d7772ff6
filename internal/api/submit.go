package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"jobsync/internal/model"
)

// SubmitRequest starts a new job. Platform, Style, Formats and Model only
// apply to video notes.
type SubmitRequest struct {
	Kind     string   `json:"kind"`
	URL      string   `json:"url"`
	Platform string   `json:"platform,omitempty"`
	Style    string   `json:"style,omitempty"`
	Formats  []string `json:"formats,omitempty"`
	Model    string   `json:"model,omitempty"`
}

func (r SubmitRequest) Validate() error {
	if strings.TrimSpace(r.URL) == "" {
		return fmt.Errorf("url is required")
	}
	switch r.Kind {
	case model.KindPodcast, model.KindVideoNote:
	default:
		return fmt.Errorf("unknown job kind %q (want %s or %s)", r.Kind, model.KindPodcast, model.KindVideoNote)
	}
	return nil
}

// Submit creates a job and returns its id.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	var out struct {
		JobID string `json:"job_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/jobs", nil, req, &out); err != nil {
		return "", err
	}
	if out.JobID == "" {
		return "", fmt.Errorf("submit: response carried no job_id")
	}
	return out.JobID, nil
}
