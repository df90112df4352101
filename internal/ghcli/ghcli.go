// Package ghcli shells out to the GitHub CLI for issue operations. Every
// call goes through the retry engine so transient API failures (rate
// limits, 5xx, network drops) are absorbed, and every JSON payload goes
// through the safe decoder so a malformed response never panics the
// worker loop.
package ghcli

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/calder/autoissue/internal/jsonsafe"
	aiotel "github.com/calder/autoissue/internal/otel"
	"github.com/calder/autoissue/internal/retry"
	"github.com/calder/autoissue/internal/shared"
)

// Issue is the subset of tracker issue fields the worker needs.
type Issue struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     string    `json:"state"`
	URL       string    `json:"url"`
	Labels    []Label   `json:"labels"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Label is a tracker issue label.
type Label struct {
	Name string `json:"name"`
}

// HasLabel reports whether the issue carries the named label.
func (i Issue) HasLabel(name string) bool {
	for _, l := range i.Labels {
		if strings.EqualFold(l.Name, name) {
			return true
		}
	}
	return false
}

// runner executes one gh invocation. Tests substitute a fake.
type runner interface {
	run(ctx context.Context, args ...string) ([]byte, error)
}

type execRunner struct {
	bin string
}

func (r *execRunner) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, r.bin, args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		// Keep stderr in the error text: the classifier reads HTTP
		// status phrases out of it.
		msg := strings.TrimSpace(errBuf.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("%s %s: %s", r.bin, strings.Join(args, " "), shared.Redact(msg))
	}
	return outBuf.Bytes(), nil
}

// Client wraps the gh binary for one repository.
type Client struct {
	repo    string
	runner  runner
	engine  *retry.Engine
	decoder *jsonsafe.Decoder
	logger  *slog.Logger
	tracer  trace.Tracer
}

// New creates a client for the given repo (owner/name form). tracer may
// be nil (spans are then no-ops).
func New(bin, repo string, engine *retry.Engine, decoder *jsonsafe.Decoder, logger *slog.Logger, tracer trace.Tracer) *Client {
	if bin == "" {
		bin = "gh"
	}
	if logger == nil {
		logger = slog.Default()
	}
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(aiotel.TracerName)
	}
	return &Client{
		repo:    repo,
		runner:  &execRunner{bin: bin},
		engine:  engine,
		decoder: decoder,
		logger:  logger,
		tracer:  tracer,
	}
}

const issueFields = "number,title,body,state,url,labels,updatedAt"

// fetchIssue performs one un-retried fetch-and-decode. The retry policy
// is applied by the caller, so view paths never stack retry loops.
func (c *Client) fetchIssue(ctx context.Context, number int) (*Issue, error) {
	raw, err := c.runner.run(ctx, "issue", "view", strconv.Itoa(number),
		"--repo", c.repo, "--json", issueFields)
	if err != nil {
		return nil, err
	}

	var issue Issue
	outcome := c.decoder.Decode(raw, fmt.Sprintf("gh issue view %d", number), nil)
	if !outcome.OK {
		return nil, fmt.Errorf("issue %d: undecodable response: %w", number, outcome.Err)
	}
	if err := jsonsafe.Remarshal(outcome.Data, &issue); err != nil {
		return nil, fmt.Errorf("issue %d: unexpected response shape: %w", number, err)
	}
	return &issue, nil
}

// ViewIssue fetches one issue, retrying transient failures.
func (c *Client) ViewIssue(ctx context.Context, number int) (*Issue, error) {
	ctx, span := aiotel.StartClientSpan(ctx, c.tracer, "gh.issue.view",
		aiotel.AttrIssueNumber.Int(number), aiotel.AttrRepo.String(c.repo))
	defer span.End()

	return retry.Do(ctx, c.engine, fmt.Sprintf("issue view %d", number), func(ctx context.Context) (*Issue, error) {
		return c.fetchIssue(ctx, number)
	})
}

// ViewIssueSafe fetches one issue, swallowing the error into diagnostics.
// Returns nil when the issue could not be fetched. The fetch passes
// through the retry engine once, same as ViewIssue.
func (c *Client) ViewIssueSafe(ctx context.Context, number int) *Issue {
	ctx, span := aiotel.StartClientSpan(ctx, c.tracer, "gh.issue.view",
		aiotel.AttrIssueNumber.Int(number), aiotel.AttrRepo.String(c.repo))
	defer span.End()

	issue, ok := retry.DoSafe(ctx, c.engine, fmt.Sprintf("issue view %d", number), func(ctx context.Context) (*Issue, error) {
		return c.fetchIssue(ctx, number)
	})
	if !ok {
		return nil
	}
	return issue
}

// ListOpenIssues fetches open issues, optionally filtered by label.
// limit <= 0 uses the gh default.
func (c *Client) ListOpenIssues(ctx context.Context, label string, limit int) ([]Issue, error) {
	ctx, span := aiotel.StartClientSpan(ctx, c.tracer, "gh.issue.list",
		aiotel.AttrRepo.String(c.repo))
	defer span.End()

	args := []string{"issue", "list", "--repo", c.repo, "--state", "open", "--json", issueFields}
	if label != "" {
		args = append(args, "--label", label)
	}
	if limit > 0 {
		args = append(args, "--limit", strconv.Itoa(limit))
	}

	raw, err := retry.Do(ctx, c.engine, "issue list", func(ctx context.Context) ([]byte, error) {
		return c.runner.run(ctx, args...)
	})
	if err != nil {
		return nil, err
	}

	outcome := c.decoder.Decode(raw, "gh issue list", nil)
	if !outcome.OK {
		return nil, fmt.Errorf("issue list: undecodable response: %w", outcome.Err)
	}
	var issues []Issue
	if err := jsonsafe.Remarshal(outcome.Data, &issues); err != nil {
		return nil, fmt.Errorf("issue list: unexpected response shape: %w", err)
	}
	return issues, nil
}

// Comment posts a comment on the issue.
func (c *Client) Comment(ctx context.Context, number int, body string) error {
	ctx, span := aiotel.StartClientSpan(ctx, c.tracer, "gh.issue.comment",
		aiotel.AttrIssueNumber.Int(number), aiotel.AttrRepo.String(c.repo))
	defer span.End()

	_, err := retry.Do(ctx, c.engine, fmt.Sprintf("issue comment %d", number), func(ctx context.Context) ([]byte, error) {
		return c.runner.run(ctx, "issue", "comment", strconv.Itoa(number),
			"--repo", c.repo, "--body", body)
	})
	return err
}

// AddLabel attaches a label to the issue.
func (c *Client) AddLabel(ctx context.Context, number int, label string) error {
	_, err := retry.Do(ctx, c.engine, fmt.Sprintf("issue edit %d add-label", number), func(ctx context.Context) ([]byte, error) {
		return c.runner.run(ctx, "issue", "edit", strconv.Itoa(number),
			"--repo", c.repo, "--add-label", label)
	})
	return err
}

// RemoveLabel detaches a label from the issue.
func (c *Client) RemoveLabel(ctx context.Context, number int, label string) error {
	_, err := retry.Do(ctx, c.engine, fmt.Sprintf("issue edit %d remove-label", number), func(ctx context.Context) ([]byte, error) {
		return c.runner.run(ctx, "issue", "edit", strconv.Itoa(number),
			"--repo", c.repo, "--remove-label", label)
	})
	return err
}
