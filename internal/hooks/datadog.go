package hooks

import (
	"context"
	"net/http"
	"strings"

	"crane-deployment/internal/config"
	"crane-deployment/internal/deployment"
)

// datadog records the outcome as a Datadog event.
type datadog struct {
	Base
	d      *deployment.Deployment
	cfg    *config.Config
	client *http.Client
}

type datadogEvent struct {
	Title     string   `json:"title"`
	Text      string   `json:"text"`
	Tags      []string `json:"tags"`
	AlertType string   `json:"alert_type"`
}

func NewDatadog(ctx context.Context, d *deployment.Deployment, env Env) (Hook, error) {
	return &datadog{d: d, cfg: env.Config, client: httpClient(env)}, nil
}

func (dd *datadog) Name() string { return "datadog" }

func (dd *datadog) Active() bool {
	return dd.cfg.DatadogAPIKey != "" && dd.cfg.DatadogAppKey != ""
}

func (dd *datadog) Success(ctx context.Context) error {
	return dd.send(ctx, "success")
}

func (dd *datadog) Failure(ctx context.Context) error {
	return dd.send(ctx, "error")
}

// send lists commit summaries oldest first, whichever way the deployment goes.
func (dd *datadog) send(ctx context.Context, alertType string) error {
	c, err := dd.d.Classify()
	if err != nil {
		return err
	}
	summaries := make([]string, 0, len(c.Commits))
	for _, commit := range c.Commits {
		summaries = append(summaries, commit.Summary())
	}
	if c.Kind == deployment.Rollback {
		for i, j := 0, len(summaries)-1; i < j; i, j = i+1, j-1 {
			summaries[i], summaries[j] = summaries[j], summaries[i]
		}
	}

	return postJSON(ctx, dd.client, dd.cfg.DatadogURL+"/api/v1/events",
		map[string]string{
			"DD-API-KEY":         dd.cfg.DatadogAPIKey,
			"DD-APPLICATION-KEY": dd.cfg.DatadogAppKey,
		},
		datadogEvent{
			Title: "crane.deployment",
			Text:  strings.Join(summaries, "\n"),
			Tags: []string{
				"author:" + dd.cfg.CI.UserEmail,
				"project:" + dd.cfg.CI.ProjectPathSlug,
			},
			AlertType: alertType,
		})
}
