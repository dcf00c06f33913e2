// Package upgrade drives a rolling upgrade of a deployment's services on the
// platform: submit, wait for convergence, finish.
package upgrade

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"crane-deployment/internal/config"
	"crane-deployment/internal/deployment"
	"crane-deployment/internal/hooks"
	"crane-deployment/internal/logger"
	"crane-deployment/internal/metrics"
	"crane-deployment/internal/models"
	"crane-deployment/internal/rancher"
)

// Remote is the part of the platform client the orchestrator drives.
type Remote interface {
	ServiceState(ctx context.Context, service rancher.Service) (*models.ServiceResource, error)
	Upgrade(ctx context.Context, service rancher.Service, req models.UpgradeRequest) error
	FinishUpgrade(ctx context.Context, service rancher.Service) error
}

type Dispatcher interface {
	Dispatch(ctx context.Context, event hooks.Event, d *deployment.Deployment)
}

type Options struct {
	BatchSize     int
	BatchInterval time.Duration
	StartFirst    bool
	Sidekick      string
	NewImage      string

	PollInterval      time.Duration
	SleepAfterUpgrade time.Duration
	ManualFinish      bool

	// BreakerThreshold consecutive failed remote calls open the breaker,
	// which stays open for BreakerTimeout.
	BreakerThreshold int
	BreakerTimeout   time.Duration
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		BatchSize:         cfg.BatchSize,
		BatchInterval:     cfg.BatchInterval,
		StartFirst:        cfg.StartFirst,
		Sidekick:          cfg.Sidekick,
		NewImage:          cfg.NewImage,
		PollInterval:      cfg.PollInterval,
		SleepAfterUpgrade: cfg.SleepAfterUpgrade,
		ManualFinish:      cfg.ManualFinish,
		BreakerThreshold:  cfg.BreakerThreshold,
		BreakerTimeout:    cfg.BreakerTimeout,
	}
}

// Sleeper blocks for d. Poll waits go through it.
type Sleeper func(ctx context.Context, d time.Duration)

type Option func(*Orchestrator)

func WithSleeper(sleep Sleeper) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

func WithMetrics(r *metrics.Recorder) Option {
	return func(o *Orchestrator) { o.metrics = r }
}

// WithOutput sets where operator-facing progress lines go.
func WithOutput(w io.Writer) Option {
	return func(o *Orchestrator) { o.out = w }
}

// Orchestrator runs one deployment. It is not safe for concurrent use; the
// breaker it holds spans every remote call of the run.
type Orchestrator struct {
	remote     Remote
	dispatcher Dispatcher
	opts       Options
	breaker    *gobreaker.CircuitBreaker
	sleep      Sleeper
	metrics    *metrics.Recorder
	out        io.Writer
	logger     *logrus.Entry

	states map[string]State
}

func New(remote Remote, dispatcher Dispatcher, opts Options, options ...Option) *Orchestrator {
	if opts.BreakerThreshold < 1 {
		opts.BreakerThreshold = 20
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = time.Minute
	}

	o := &Orchestrator{
		remote:     remote,
		dispatcher: dispatcher,
		opts:       opts,
		sleep:      sleepContext,
		out:        os.Stdout,
		logger:     logger.WithModule("upgrade"),
		states:     make(map[string]State),
	}
	for _, opt := range options {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = metrics.NewRecorder()
	}

	threshold := uint32(opts.BreakerThreshold)
	o.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "rancher",
		Timeout: opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: reachable,
		OnStateChange: func(name string, from, to gobreaker.State) {
			o.logger.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Warn("Circuit breaker changed state")
		},
	})
	return o
}

// refusal is an action the platform answered and declined. Only actions
// are wrapped this way; a failed read always counts against the breaker.
type refusal struct {
	err error
}

func (r *refusal) Error() string { return r.err.Error() }
func (r *refusal) Unwrap() error { return r.err }

func reachable(err error) bool {
	var r *refusal
	return err == nil || errors.As(err, &r)
}

func sleepContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// States reports where every service got to.
func (o *Orchestrator) States() map[string]State {
	out := make(map[string]State, len(o.states))
	for k, v := range o.states {
		out[k] = v
	}
	return out
}

// Run upgrades every service of d. Start is dispatched first; success or
// failure exactly once afterwards, failure also when the run panics.
func (o *Orchestrator) Run(ctx context.Context, d *deployment.Deployment) (err error) {
	log := o.logger.WithField("deployment_id", d.ID)
	o.dispatcher.Dispatch(ctx, hooks.Start, d)

	defer func() {
		if rec := recover(); rec != nil {
			o.metrics.Finish(hooks.Failure.String())
			o.dispatcher.Dispatch(ctx, hooks.Failure, d)
			panic(rec)
		}
	}()

	if err := o.upgrade(ctx, d); err != nil {
		log.WithError(err).Error("Upgrade failed")
		o.metrics.Finish(hooks.Failure.String())
		o.dispatcher.Dispatch(ctx, hooks.Failure, d)
		return err
	}

	log.Info("Upgrade finished")
	o.metrics.Finish(hooks.Success.String())
	o.dispatcher.Dispatch(ctx, hooks.Success, d)
	return nil
}

func (o *Orchestrator) upgrade(ctx context.Context, d *deployment.Deployment) error {
	txn := newrelic.FromContext(ctx)

	for _, service := range d.Services {
		o.states[service.Name] = Pending
	}

	seg := txn.StartSegment("upgrade.start")
	err := o.start(ctx, d)
	seg.End()
	if err != nil {
		return err
	}

	seg = txn.StartSegment("upgrade.wait")
	err = o.wait(ctx, d)
	seg.End()
	if err != nil {
		return err
	}

	if o.opts.SleepAfterUpgrade > 0 {
		fmt.Fprintf(o.out, "Upgrade done, waiting %s as requested\n", o.opts.SleepAfterUpgrade)
		o.sleep(ctx, o.opts.SleepAfterUpgrade)
	}

	seg = txn.StartSegment("upgrade.finish")
	defer seg.End()
	return o.finish(ctx, d)
}

func (o *Orchestrator) strategy() rancher.Strategy {
	return rancher.Strategy{
		BatchSize:     o.opts.BatchSize,
		BatchInterval: o.opts.BatchInterval,
		StartFirst:    o.opts.StartFirst,
		Sidekick:      o.opts.Sidekick,
		NewImage:      o.opts.NewImage,
	}
}

func (o *Orchestrator) start(ctx context.Context, d *deployment.Deployment) error {
	strategy := o.strategy()

	for _, service := range d.Services {
		log := o.logger.WithFields(logrus.Fields{"deployment_id": d.ID, "service": service.Name})

		current, err := o.serviceState(ctx, service)
		if err != nil {
			o.states[service.Name] = Failed
			if apiErr, ok := rancher.Refused(err); ok {
				return deployment.NewError(deployment.KindRemoteRejected, service.Name,
					fmt.Sprintf("Rancher refused to show me %s (%s). Please check the API keys and that the service still exists.",
						service.Name, apiErr.Describe()), err)
			}
			return deployment.NewError(deployment.KindRemoteUnreachable, service.Name,
				"Rancher is unreachable! Please fix it for me", err)
		}

		req, err := rancher.NewUpgradeRequest(current, d.OldVersion, d.NewVersion, strategy)
		if err != nil {
			o.states[service.Name] = Failed
			return deployment.NewError(deployment.KindConfiguration, service.Name,
				fmt.Sprintf("I can't find the sidekick '%s' in %s", strategy.Sidekick, service.Name), err)
		}

		if err := o.call(func() error { return o.remote.Upgrade(ctx, service, req) }); err != nil {
			o.states[service.Name] = Failed
			if rancher.IsActionNotAvailable(err) {
				return deployment.NewError(deployment.KindRemoteActionUnavailable, service.Name,
					fmt.Sprintf("Rancher won't let me upgrade %s. Please see if it's upgradeable at %s",
						service.Name, service.WebURL()), err)
			}
			if isBreakerOpen(err) {
				return deployment.NewError(deployment.KindRemoteUnreachable, service.Name,
					"Rancher is unreachable! Please fix it for me", err)
			}
			return deployment.NewError(deployment.KindRemoteRejected, service.Name,
				fmt.Sprintf("Rancher refused to upgrade %s", service.Name), err)
		}

		o.states[service.Name] = Upgrading
		o.metrics.Submitted(service.Name)
		log.WithField("image", req.InServiceStrategy.LaunchConfig.Image()).Info("Upgrade submitted")
	}
	return nil
}

// wait polls the services still upgrading until none is left. The first
// round runs immediately and every further round is preceded by one sleep.
func (o *Orchestrator) wait(ctx context.Context, d *deployment.Deployment) error {
	pending := append([]rancher.Service(nil), d.Services...)

	for {
		o.metrics.PollTick()
		remaining, err := o.poll(ctx, d, pending)
		if err != nil {
			return err
		}
		pending = remaining
		if len(pending) == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "stopped waiting for the upgrade")
		}
		o.sleep(ctx, o.opts.PollInterval)
	}
}

// poll checks each pending service once. A service whose state could not be
// read stays pending; every failed read counts toward the shared breaker.
func (o *Orchestrator) poll(ctx context.Context, d *deployment.Deployment, pending []rancher.Service) ([]rancher.Service, error) {
	var remaining []rancher.Service

	for _, service := range pending {
		log := o.logger.WithFields(logrus.Fields{"deployment_id": d.ID, "service": service.Name})

		current, err := o.serviceState(ctx, service)
		if err != nil {
			if isBreakerOpen(err) {
				o.states[service.Name] = Failed
				return nil, deployment.NewError(deployment.KindRemoteUnreachable, service.Name,
					"Rancher is unreachable! Please fix it for me", err)
			}
			log.WithError(err).Warn("Could not read service state, retrying")
			o.metrics.TransientFailure(service.Name)
			remaining = append(remaining, service)
			continue
		}

		switch current.State {
		case models.StateUpgrading:
			remaining = append(remaining, service)
		case models.StateUpgraded:
			o.states[service.Name] = Upgraded
			fmt.Fprintf(o.out, "Rancher says %s is now '%s'.\n", service.Name, current.State)
			log.WithField("state", current.State).Info("Service upgraded")
		default:
			o.states[service.Name] = Failed
			fmt.Fprintf(o.out, "Rancher says %s is now '%s'.\n", service.Name, current.State)
			return nil, deployment.NewError(deployment.KindUnknownRemoteState, service.Name,
				fmt.Sprintf("But I don't know what %s's '%s' state means! Please fix it for me",
					service.Name, current.State), nil)
		}
	}
	return remaining, nil
}

func (o *Orchestrator) finish(ctx context.Context, d *deployment.Deployment) error {
	if o.opts.ManualFinish {
		o.logger.WithField("deployment_id", d.ID).Info("Leaving the upgrade to be finished manually")
		return nil
	}

	for _, service := range d.Services {
		if err := o.call(func() error { return o.remote.FinishUpgrade(ctx, service) }); err != nil {
			o.states[service.Name] = Failed
			return deployment.NewError(deployment.KindRemoteRejected, service.Name,
				fmt.Sprintf("Rancher could not finish the upgrade of %s, please finish it at %s",
					service.Name, service.WebURL()), err)
		}
		o.states[service.Name] = Finished
	}
	return nil
}

func (o *Orchestrator) serviceState(ctx context.Context, service rancher.Service) (*models.ServiceResource, error) {
	res, err := o.breaker.Execute(func() (interface{}, error) {
		return o.remote.ServiceState(ctx, service)
	})
	if err != nil {
		return nil, err
	}
	return res.(*models.ServiceResource), nil
}

// call runs an action through the breaker. A declined action comes back as
// the platform's own error.
func (o *Orchestrator) call(fn func() error) error {
	_, err := o.breaker.Execute(func() (interface{}, error) {
		err := fn()
		if _, ok := rancher.Refused(err); ok {
			return nil, &refusal{err: err}
		}
		return nil, err
	})
	var r *refusal
	if errors.As(err, &r) {
		return r.err
	}
	return err
}

func isBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
