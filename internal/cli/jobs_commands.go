package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"strings"

	"jobsync/internal/api"
	"jobsync/internal/config"
	"jobsync/internal/model"
	"jobsync/internal/qrlogin"
)

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*s = append(*s, part)
		}
	}
	return nil
}

type oneShot struct {
	fs      *flag.FlagSet
	cfg     config.Config
	common  *commonFlags
	jsonOut *bool
}

func newOneShot(name string) *oneShot {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(flag.CommandLine.Output())
	cfg, common := loadConfig(fs)
	return &oneShot{fs: fs, cfg: cfg, common: common, jsonOut: fs.Bool("json", false, "print JSON output")}
}

// client parses args and returns a backend client for the result.
func (o *oneShot) client(args []string) (*api.Client, error) {
	if err := o.fs.Parse(args); err != nil {
		return nil, err
	}
	cfg, err := o.common.apply(o.cfg)
	if err != nil {
		return nil, err
	}
	o.cfg = cfg
	return newAPIClient(cfg)
}

func (o *oneShot) jobID(verb string) (string, error) {
	if o.fs.NArg() != 1 || strings.TrimSpace(o.fs.Arg(0)) == "" {
		return "", fmt.Errorf("usage: jobsync %s <job-id>", verb)
	}
	return strings.TrimSpace(o.fs.Arg(0)), nil
}

func (o *oneShot) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), o.cfg.RequestTimeout)
}

func runJobs(args []string) error {
	o := newOneShot("jobs")
	client, err := o.client(args)
	if err != nil {
		return err
	}
	ctx, cancel := o.ctx()
	defer cancel()

	jobs, err := client.ListJobs(ctx)
	if err != nil {
		return err
	}
	if *o.jsonOut {
		if jobs == nil {
			jobs = []model.Job{}
		}
		return printJSON(jobs)
	}
	if len(jobs) == 0 {
		fmt.Fprintln(stdout, "no jobs")
		return nil
	}
	active := 0
	for _, job := range jobs {
		if model.IsActive(job.Status) {
			active++
		}
		fmt.Fprintln(stdout, statusLine(job))
	}
	fmt.Fprintf(stdout, "%d jobs, %d active\n", len(jobs), active)
	return nil
}

func runSubmit(args []string) error {
	o := newOneShot("submit")
	rawURL := o.fs.String("url", "", "source URL")
	kind := o.fs.String("kind", "", "podcast|video_note (default: guessed from the URL)")
	platform := o.fs.String("platform", "", "video platform for video notes")
	style := o.fs.String("style", "", "note style for video notes")
	llm := o.fs.String("model", "", "summary model for video notes")
	var formats stringList
	o.fs.Var(&formats, "format", "note output format (repeatable or comma-separated)")

	client, err := o.client(args)
	if err != nil {
		return err
	}
	req := submitRequestFor(*rawURL)
	if k := strings.TrimSpace(*kind); k != "" {
		req.Kind = k
	}
	if p := strings.TrimSpace(*platform); p != "" {
		req.Platform = p
	}
	req.Style = strings.TrimSpace(*style)
	req.Model = strings.TrimSpace(*llm)
	req.Formats = formats

	ctx, cancel := o.ctx()
	defer cancel()
	id, err := client.Submit(ctx, req)
	if err != nil {
		return err
	}
	if *o.jsonOut {
		return printJSON(map[string]string{"job_id": id, "kind": req.Kind})
	}
	fmt.Fprintln(stdout, kv("job_id", id))
	fmt.Fprintln(stdout, kv("kind", req.Kind))
	return nil
}

// submitRequestFor guesses the job kind from the URL host: links to a known
// video platform become video notes, everything else a podcast.
func submitRequestFor(raw string) api.SubmitRequest {
	raw = strings.TrimSpace(raw)
	req := api.SubmitRequest{Kind: model.KindPodcast, URL: raw}
	u, err := url.Parse(raw)
	if err != nil {
		return req
	}
	host := strings.ToLower(u.Hostname())
	for _, p := range qrlogin.Platforms {
		if strings.Contains(host, p) || (p == "youtube" && strings.HasSuffix(host, "youtu.be")) {
			req.Kind = model.KindVideoNote
			req.Platform = p
			return req
		}
	}
	return req
}

func runCancel(args []string) error {
	return runJobAction("cancel", args, func(ctx context.Context, c *api.Client, id string) (map[string]string, error) {
		if err := c.Cancel(ctx, id); err != nil {
			return nil, err
		}
		return map[string]string{"job_id": id, "status": model.StatusCancelling}, nil
	})
}

func runRetry(args []string) error {
	return runJobAction("retry", args, func(ctx context.Context, c *api.Client, id string) (map[string]string, error) {
		newID, err := c.Retry(ctx, id)
		if err != nil {
			return nil, err
		}
		return map[string]string{"job_id": id, "new_job_id": newID}, nil
	})
}

func runDelete(args []string) error {
	return runJobAction("delete", args, func(ctx context.Context, c *api.Client, id string) (map[string]string, error) {
		err := c.Delete(ctx, id)
		if errors.Is(err, api.ErrNotFound) {
			return map[string]string{"job_id": id, "deleted": "already gone"}, nil
		}
		if err != nil {
			return nil, err
		}
		return map[string]string{"job_id": id, "deleted": "yes"}, nil
	})
}

func runJobAction(verb string, args []string, do func(context.Context, *api.Client, string) (map[string]string, error)) error {
	o := newOneShot(verb)
	client, err := o.client(args)
	if err != nil {
		return err
	}
	id, err := o.jobID(verb)
	if err != nil {
		return err
	}
	ctx, cancel := o.ctx()
	defer cancel()

	out, err := do(ctx, client, id)
	if err != nil {
		return fmt.Errorf("%s %s: %w", verb, id, err)
	}
	if *o.jsonOut {
		return printJSON(out)
	}
	for _, key := range []string{"job_id", "status", "new_job_id", "deleted"} {
		if v, ok := out[key]; ok {
			fmt.Fprintln(stdout, kv(key, v))
		}
	}
	return nil
}
