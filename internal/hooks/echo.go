package hooks

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"crane-deployment/internal/deployment"
)

// echo talks to the operator watching the job log.
type echo struct {
	Base
	d   *deployment.Deployment
	out io.Writer
}

func NewEcho(ctx context.Context, d *deployment.Deployment, env Env) (Hook, error) {
	out := env.Out
	if out == nil {
		out = os.Stdout
	}
	return &echo{d: d, out: out}, nil
}

func (e *echo) Name() string { return "echo" }

func (e *echo) Active() bool { return true }

func (e *echo) Start(ctx context.Context) error {
	fmt.Fprintln(e.out, "Alrighty, let's deploy! ᕕ( ᐛ )ᕗ")
	fmt.Fprintf(e.out, "(But please supervise me at %s)\n", e.d.Stack.WebURL())
	fmt.Fprintf(e.out, "\n%s\n\n", e.changelog())
	fmt.Fprintln(e.out, "If this is not what you meant to deploy, you can cancel with the link above.")
	return nil
}

func (e *echo) Success(ctx context.Context) error {
	fmt.Fprintln(e.out, "…and we're done. Good job, everyone! (◕‿◕✿)")
	return nil
}

// Failure leaves a blank line between the progress output and the
// diagnostics printed after it.
func (e *echo) Failure(ctx context.Context) error {
	fmt.Fprintln(e.out)
	return nil
}

func (e *echo) changelog() string {
	c, err := e.d.Classify()
	if err != nil {
		return fmt.Sprintf("I can't tell what is being deployed: %v", err)
	}

	var prefix string
	switch c.Kind {
	case deployment.Redeploy:
		return "This is just a re-deploy, you are not deploying any new commits.\n"
	case deployment.Rollback:
		prefix = "Rolling back the following changes:\n"
	case deployment.Disconnected:
		prefix = "Switching branches, so the exact changes cannot be determined. The latest commit now is:\n"
	}

	lines := make([]string, 0, len(c.Commits))
	for _, commit := range deployment.Changelog(c.Commits) {
		lines = append(lines, "  "+commit.Summary())
	}
	return prefix + "\n" + strings.Join(lines, "\n")
}
