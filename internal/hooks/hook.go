// Package hooks announces deployment lifecycle events to notification
// backends. Each hook decides for itself whether it is configured, and a
// failing hook never affects the others or the deployment.
package hooks

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"crane-deployment/internal/config"
	"crane-deployment/internal/deployment"
	"crane-deployment/internal/metrics"
)

type Event int

const (
	Start Event = iota
	Success
	Failure
)

func (e Event) String() string {
	switch e {
	case Start:
		return "start"
	case Success:
		return "success"
	case Failure:
		return "failure"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

func ParseEvent(name string) (Event, error) {
	switch strings.ToLower(name) {
	case "start":
		return Start, nil
	case "success":
		return Success, nil
	case "failure":
		return Failure, nil
	default:
		return 0, fmt.Errorf("unknown event %q, expected start, success or failure", name)
	}
}

// Hook is one notification backend bound to a single deployment.
type Hook interface {
	Name() string
	// Active is asked before every event.
	Active() bool
	Start(ctx context.Context) error
	Success(ctx context.Context) error
	Failure(ctx context.Context) error
}

// Base gives hooks no-op handlers for the events they ignore.
type Base struct{}

func (Base) Start(context.Context) error   { return nil }
func (Base) Success(context.Context) error { return nil }
func (Base) Failure(context.Context) error { return nil }

// Env is what hooks may use besides the deployment itself.
type Env struct {
	Config  *config.Config
	Out     io.Writer
	HTTP    *http.Client
	Metrics *metrics.Recorder
}

// Constructor builds a hook. An error leaves the hook out of the registry.
type Constructor func(ctx context.Context, d *deployment.Deployment, env Env) (Hook, error)

// Defaults lists every hook crane knows about, in dispatch order.
func Defaults() []Constructor {
	return []Constructor{
		NewEcho,
		NewSlack,
		NewSentry,
		NewWebhook,
		NewDatadog,
		NewLedger,
		NewPushgateway,
	}
}

func handle(ctx context.Context, h Hook, event Event) error {
	switch event {
	case Start:
		return h.Start(ctx)
	case Success:
		return h.Success(ctx)
	case Failure:
		return h.Failure(ctx)
	default:
		return fmt.Errorf("unhandled event %v", event)
	}
}
