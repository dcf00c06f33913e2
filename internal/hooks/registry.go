package hooks

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/sirupsen/logrus"

	"crane-deployment/internal/deployment"
	"crane-deployment/internal/logger"
)

// Registry holds the hooks of one deployment in registration order.
type Registry struct {
	hooks  []Hook
	logger *logrus.Entry
}

// NewRegistry builds every hook against d. Constructors that fail or panic
// are logged and skipped. A limited deployment gets an empty registry since
// none of its hooks would ever be called.
func NewRegistry(ctx context.Context, d *deployment.Deployment, env Env, constructors ...Constructor) *Registry {
	r := &Registry{logger: logger.WithModule("hooks").WithField("deployment_id", d.ID)}
	if d.Limited() {
		r.logger.Debug("Limited mode, not setting up hooks")
		return r
	}
	for _, construct := range constructors {
		h, err := build(ctx, construct, d, env)
		if err != nil {
			r.logger.WithError(err).Warn("Skipping hook that could not be set up")
			continue
		}
		r.hooks = append(r.hooks, h)
	}
	return r
}

func build(ctx context.Context, construct Constructor, d *deployment.Deployment, env Env) (h Hook, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("hook constructor panicked: %v", rec)
		}
	}()
	return construct(ctx, d, env)
}

func (r *Registry) Hooks() []Hook {
	return r.hooks
}

// Dispatch hands event to every active hook. Nothing reaches any hook while
// d is limited.
func (r *Registry) Dispatch(ctx context.Context, event Event, d *deployment.Deployment) {
	if d.Limited() {
		r.logger.WithField("event", event.String()).Debug("Limited mode, not dispatching")
		return
	}

	for _, h := range r.hooks {
		if !h.Active() {
			continue
		}
		if err := r.call(ctx, h, event); err != nil {
			r.logger.WithFields(logrus.Fields{
				"hook":  h.Name(),
				"event": event.String(),
			}).WithError(deployment.NewError(deployment.KindNotification, "", "", err)).
				Errorf("Uh-oh, %s couldn't handle %s. Oh well, on with the release!", h.Name(), event)
		}
	}
}

func (r *Registry) call(ctx context.Context, h Hook, event Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v\n%s", rec, debug.Stack())
		}
	}()
	return handle(ctx, h, event)
}
