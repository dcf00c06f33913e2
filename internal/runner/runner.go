// Package runner wires configuration, the platform client, git history, hooks
// and the orchestrator together for the crane commands.
package runner

import (
	"context"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/sirupsen/logrus"

	"crane-deployment/internal/config"
	"crane-deployment/internal/deployment"
	"crane-deployment/internal/hooks"
	"crane-deployment/internal/logger"
	"crane-deployment/internal/metrics"
	nr "crane-deployment/internal/newrelic"
	"crane-deployment/internal/rancher"
	"crane-deployment/internal/upgrade"
	"crane-deployment/internal/vcs"
)

// OpenRepository opens the git history a deployment is classified against.
type OpenRepository func(path string) (vcs.Graph, error)

type Runner struct {
	config       *config.Config
	out          io.Writer
	httpClient   *http.Client
	openRepo     OpenRepository
	constructors []hooks.Constructor
	sleeper      upgrade.Sleeper
	metrics      *metrics.Recorder
	app          *newrelic.Application
	logger       *logrus.Entry
}

type Option func(*Runner)

// WithOutput sets where operator-facing lines go. Defaults to stdout.
func WithOutput(w io.Writer) Option {
	return func(r *Runner) { r.out = w }
}

// WithHTTPClient replaces the clients used for the platform and the hooks.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Runner) { r.httpClient = c }
}

func WithRepository(open OpenRepository) Option {
	return func(r *Runner) { r.openRepo = open }
}

func WithHooks(constructors ...hooks.Constructor) Option {
	return func(r *Runner) { r.constructors = constructors }
}

func WithSleeper(sleep upgrade.Sleeper) Option {
	return func(r *Runner) { r.sleeper = sleep }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(r *Runner) { r.metrics = m }
}

func WithApplication(app *newrelic.Application) Option {
	return func(r *Runner) { r.app = app }
}

func New(cfg *config.Config, options ...Option) *Runner {
	r := &Runner{
		config:       cfg,
		out:          os.Stdout,
		openRepo:     openGit,
		constructors: hooks.Defaults(),
		logger:       logger.WithModule("runner"),
	}
	for _, opt := range options {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = metrics.NewRecorder()
	}
	return r
}

func openGit(path string) (vcs.Graph, error) {
	repo, err := vcs.Open(path)
	if err != nil {
		return nil, err
	}
	return repo, nil
}

// Metrics exposes the recorder shared by the orchestrator and the hooks.
func (r *Runner) Metrics() *metrics.Recorder {
	return r.metrics
}

// Deploy upgrades the configured services and reports through the hooks.
func (r *Runner) Deploy(ctx context.Context) (err error) {
	if err := r.config.Validate(); err != nil {
		return deployment.NewError(deployment.KindConfiguration, "", err.Error(), err)
	}

	ctx, txn := nr.StartTransaction(ctx, r.app, "deploy")
	defer txn.End()
	defer func() {
		if err != nil {
			txn.NoticeError(err)
		}
	}()

	client := rancher.NewClient(r.config.RancherURL, r.config.RancherEnv, rancher.Auth{
		AccessKey: r.config.RancherAccessKey,
		SecretKey: r.config.RancherSecretKey,
	}, r.client(60*time.Second))

	d, err := deployment.Load(ctx, r.config, client)
	if err != nil {
		return err
	}
	r.attachHistory(d)

	log := r.logger.WithFields(logrus.Fields{
		"deployment_id": d.ID,
		"stack":         d.Stack.Name,
		"old_version":   d.OldVersion,
		"new_version":   d.NewVersion,
	})
	log.Info("Starting deployment")

	registry := hooks.NewRegistry(ctx, d, r.env(), r.constructors...)
	options := []upgrade.Option{upgrade.WithMetrics(r.metrics), upgrade.WithOutput(r.out)}
	if r.sleeper != nil {
		options = append(options, upgrade.WithSleeper(r.sleeper))
	}
	orchestrator := upgrade.New(client, registry, upgrade.OptionsFromConfig(r.config), options...)

	if err := orchestrator.Run(ctx, d); err != nil {
		log.WithField("kind", deployment.KindOf(err).String()).Error("Deployment failed")
		return err
	}
	log.Info("Deployment finished")
	return nil
}

// Announce sends a single lifecycle event for the configured versions. The
// platform is never contacted; stack and service names stand in for IDs.
func (r *Runner) Announce(ctx context.Context, event hooks.Event) error {
	if r.config.Stack == "" {
		return deployment.Errorf(deployment.KindConfiguration, "You need to tell me what stack the release belongs to.")
	}
	if r.config.OldCommit == "" || r.config.NewCommit == "" {
		return deployment.Errorf(deployment.KindConfiguration,
			"Announcing a release needs both the old and the new commit.")
	}

	ctx, txn := nr.StartTransaction(ctx, r.app, "announce")
	defer txn.End()

	stack := rancher.Stack{ID: r.config.Stack, Name: r.config.Stack, URL: r.config.RancherURL, Env: r.config.RancherEnv}
	services := make([]rancher.Service, 0, len(r.config.Services))
	for _, name := range r.config.Services {
		services = append(services, rancher.Service{ID: name, Name: name, Stack: stack})
	}
	d := deployment.New(stack, services, r.config.OldCommit, r.config.NewCommit, nil)
	r.attachHistory(d)

	switch event {
	case hooks.Success:
		r.metrics.Finish("success")
	case hooks.Failure:
		r.metrics.Finish("failure")
	}

	r.logger.WithFields(logrus.Fields{
		"deployment_id": d.ID,
		"event":         event.String(),
	}).Info("Announcing release")
	hooks.NewRegistry(ctx, d, r.env(), r.constructors...).Dispatch(ctx, event, d)
	return nil
}

// attachHistory puts d in limited mode when no usable git history exists.
func (r *Runner) attachHistory(d *deployment.Deployment) {
	var repo vcs.Graph
	if r.openRepo != nil {
		opened, err := r.openRepo(r.config.RepoPath)
		if err != nil {
			r.logger.WithError(err).Debug("No git repository available")
		} else {
			repo = opened
		}
	}

	if err := d.CheckPreconditions(repo); err != nil {
		msg := err.Error()
		if e, ok := err.(*deployment.Error); ok {
			msg = e.Message
		}
		r.logger.WithField("deployment_id", d.ID).Warn(msg)
	}
}

func (r *Runner) env() hooks.Env {
	return hooks.Env{
		Config:  r.config,
		Out:     r.out,
		HTTP:    r.client(10 * time.Second),
		Metrics: r.metrics,
	}
}

func (r *Runner) client(timeout time.Duration) *http.Client {
	if r.httpClient != nil {
		return r.httpClient
	}
	return nr.Client(&http.Client{Timeout: timeout})
}
