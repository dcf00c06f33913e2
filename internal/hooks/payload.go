package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"crane-deployment/internal/deployment"
	"crane-deployment/internal/vcs"
)

type commitPayload struct {
	ID          string `json:"id"`
	Message     string `json:"message"`
	AuthorName  string `json:"author_name"`
	AuthorEmail string `json:"author_email"`
	Timestamp   string `json:"timestamp"`
}

func newCommitPayloads(commits []vcs.Commit) []commitPayload {
	out := make([]commitPayload, 0, len(commits))
	for _, c := range commits {
		out = append(out, commitPayload{
			ID:          c.Hash,
			Message:     c.Message,
			AuthorName:  c.AuthorName,
			AuthorEmail: c.AuthorEmail,
			Timestamp:   c.When.Format("2006-01-02 15:04:05"),
		})
	}
	return out
}

// commits classifies d afresh for every payload.
func commits(d *deployment.Deployment) ([]vcs.Commit, error) {
	c, err := d.Classify()
	if err != nil {
		return nil, err
	}
	return c.Commits, nil
}

func httpClient(env Env) *http.Client {
	if env.HTTP != nil {
		return env.HTTP
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// postJSON sends body and treats anything but a 2xx answer as a failure.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "failed to marshal payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrapf(err, "failed to build request to %s", url)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "POST %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("POST %s returned %d: %s", url, resp.StatusCode, bytes.TrimSpace(raw))
	}
	return nil
}
