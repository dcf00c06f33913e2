package hooks

import (
	"context"
	"net/http"

	"crane-deployment/internal/config"
	"crane-deployment/internal/deployment"
	"crane-deployment/internal/metrics"
)

// pushgateway pushes the run's metrics once the outcome is known.
type pushgateway struct {
	Base
	d       *deployment.Deployment
	cfg     *config.Config
	metrics *metrics.Recorder
	client  *http.Client
}

func NewPushgateway(ctx context.Context, d *deployment.Deployment, env Env) (Hook, error) {
	recorder := env.Metrics
	if recorder == nil {
		recorder = metrics.NewRecorder()
	}
	return &pushgateway{d: d, cfg: env.Config, metrics: recorder, client: httpClient(env)}, nil
}

func (p *pushgateway) Name() string { return "pushgateway" }

func (p *pushgateway) Active() bool { return p.cfg.PushgatewayURL != "" }

func (p *pushgateway) Success(ctx context.Context) error { return p.push(ctx) }

func (p *pushgateway) Failure(ctx context.Context) error { return p.push(ctx) }

func (p *pushgateway) push(ctx context.Context) error {
	return p.metrics.Push(ctx, p.cfg.PushgatewayURL, map[string]string{
		"stack":       p.d.Stack.Name,
		"environment": p.cfg.CI.EnvironmentName,
	}, p.client)
}
