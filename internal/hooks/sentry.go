package hooks

import (
	"context"
	"net/http"

	"crane-deployment/internal/config"
	"crane-deployment/internal/deployment"
)

// sentry registers the release with a Sentry release webhook.
type sentry struct {
	Base
	d       *deployment.Deployment
	cfg     *config.Config
	webhook string
	client  *http.Client
}

type sentryRelease struct {
	Version string          `json:"version"`
	URL     string          `json:"url"`
	Commits []commitPayload `json:"commits"`
}

func NewSentry(ctx context.Context, d *deployment.Deployment, env Env) (Hook, error) {
	return &sentry{d: d, cfg: env.Config, webhook: env.Config.SentryWebhook, client: httpClient(env)}, nil
}

func (s *sentry) Name() string { return "sentry" }

func (s *sentry) Active() bool { return s.webhook != "" }

func (s *sentry) Success(ctx context.Context) error {
	commits, err := commits(s.d)
	if err != nil {
		return err
	}
	return postJSON(ctx, s.client, s.webhook, nil, sentryRelease{
		Version: s.d.NewVersion,
		URL:     s.cfg.CI.JobURL(),
		Commits: newCommitPayloads(commits),
	})
}
