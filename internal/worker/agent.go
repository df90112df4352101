package worker

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/calder/autoissue/internal/ghcli"
	"github.com/calder/autoissue/internal/shared"
)

// Agent runs the coding agent against one issue and returns its raw
// output.
type Agent interface {
	Run(ctx context.Context, issue ghcli.Issue) (string, error)
}

// ExecAgent invokes an external agent binary. The issue brief is passed
// on stdin so arbitrary issue text never hits the argument list.
type ExecAgent struct {
	Command string
	Args    []string
	Timeout time.Duration
}

// Run executes the agent with a bounded deadline and returns redacted
// combined output.
func (a *ExecAgent) Run(ctx context.Context, issue ghcli.Issue) (string, error) {
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, a.Command, a.Args...)
	cmd.Stdin = strings.NewReader(issueBrief(issue))

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	output := shared.Redact(outBuf.String())
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return output, fmt.Errorf("agent timed out after %s on issue %d", timeout, issue.Number)
		}
		stderr := strings.TrimSpace(shared.Redact(errBuf.String()))
		if stderr != "" {
			return output, fmt.Errorf("agent failed on issue %d: %v: %s", issue.Number, err, stderr)
		}
		return output, fmt.Errorf("agent failed on issue %d: %w", issue.Number, err)
	}
	return output, nil
}

// issueBrief renders the prompt the agent receives for one issue.
func issueBrief(issue ghcli.Issue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Issue #%d: %s\n", issue.Number, issue.Title)
	fmt.Fprintf(&b, "URL: %s\n\n", issue.URL)
	b.WriteString(issue.Body)
	b.WriteString("\n\nWhen finished, output a JSON object with fields: ")
	b.WriteString(`"issue" (number), "outcome" ("completed", "blocked", or "skipped"), `)
	b.WriteString(`"summary" (what you did), and optionally "pr_url".` + "\n")
	return b.String()
}
