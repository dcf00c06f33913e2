package hooks

import (
	"context"
	"net/http"

	"github.com/pkg/errors"

	"crane-deployment/internal/config"
	"crane-deployment/internal/deployment"
)

// webhook posts the outcome to every configured URL.
type webhook struct {
	Base
	d      *deployment.Deployment
	cfg    *config.Config
	client *http.Client
}

type webhookPayload struct {
	Status          string          `json:"status"`
	Version         string          `json:"version"`
	CIProjectURL    string          `json:"ci_project_url"`
	CIJobID         string          `json:"ci_job_id"`
	GitlabUserEmail string          `json:"gitlab_user_email"`
	Commits         []commitPayload `json:"commits"`
}

func NewWebhook(ctx context.Context, d *deployment.Deployment, env Env) (Hook, error) {
	return &webhook{d: d, cfg: env.Config, client: httpClient(env)}, nil
}

func (w *webhook) Name() string { return "webhook" }

func (w *webhook) Active() bool { return len(w.cfg.WebhookURLs) > 0 }

func (w *webhook) Success(ctx context.Context) error {
	return w.send(ctx, "success")
}

func (w *webhook) Failure(ctx context.Context) error {
	return w.send(ctx, "failure")
}

// send tries every URL and reports the first failure.
func (w *webhook) send(ctx context.Context, status string) error {
	commits, err := commits(w.d)
	if err != nil {
		return err
	}
	payload := webhookPayload{
		Status:          status,
		Version:         w.d.NewVersion,
		CIProjectURL:    w.cfg.CI.ProjectURL,
		CIJobID:         w.cfg.CI.JobID,
		GitlabUserEmail: w.cfg.CI.UserEmail,
		Commits:         newCommitPayloads(commits),
	}
	headers := map[string]string{"Auth-Token": w.cfg.WebhookToken}

	var first error
	for _, url := range w.cfg.WebhookURLs {
		if err := postJSON(ctx, w.client, url, headers, payload); err != nil && first == nil {
			first = errors.Wrapf(err, "webhook %s", url)
		}
	}
	return first
}
