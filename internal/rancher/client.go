package rancher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"crane-deployment/internal/logger"
	"crane-deployment/internal/models"
)

// Auth is the API key pair sent as basic auth.
type Auth struct {
	AccessKey string
	SecretKey string
}

// Client talks to the Rancher v1 API of one environment. It holds the one
// HTTP client shared by every call of a run.
type Client struct {
	URL    string
	Env    string
	auth   Auth
	client *http.Client
	logger *logrus.Entry
}

func NewClient(rancherURL, env string, auth Auth, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		URL:    strings.TrimRight(rancherURL, "/"),
		Env:    env,
		auth:   auth,
		client: httpClient,
		logger: logger.WithModule("rancher"),
	}
}

// StackByName resolves a stack, using name as the ID when it already is one.
func (c *Client) StackByName(ctx context.Context, name string) (Stack, error) {
	if IsID(name) {
		return Stack{ID: name, Name: name, URL: c.URL, Env: c.Env}, nil
	}

	qs := url.Values{}
	qs.Set("name", name)
	var result models.Collection
	err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("%s/v1/projects/%s/environments?%s", c.URL, c.Env, qs.Encode()), nil, &result)
	if err != nil {
		return Stack{}, err
	}
	if len(result.Data) == 0 {
		return Stack{}, errors.Wrapf(ErrNotFound, "stack %q", name)
	}

	match := result.Data[0]
	return Stack{
		ID:   strings.ReplaceAll(match.ID, "1e", "1st"),
		Name: match.Name,
		URL:  c.URL,
		Env:  c.Env,
	}, nil
}

// ServiceByName resolves a service inside stack.
func (c *Client) ServiceByName(ctx context.Context, stack Stack, name string) (Service, error) {
	if IsID(name) {
		return Service{ID: name, Name: name, Stack: stack}, nil
	}

	qs := url.Values{}
	qs.Set("name", name)
	qs.Set("stackId", stack.ID)
	var result models.Collection
	err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("%s/v1/projects/%s/services?%s", c.URL, c.Env, qs.Encode()), nil, &result)
	if err != nil {
		return Service{}, err
	}
	if len(result.Data) == 0 {
		return Service{}, errors.Wrapf(ErrNotFound, "service %q in stack %q", name, stack.Name)
	}

	return Service{ID: result.Data[0].ID, Name: result.Data[0].Name, Stack: stack}, nil
}

// ServiceState fetches the current remote view of a service. Nothing is
// cached between calls.
func (c *Client) ServiceState(ctx context.Context, service Service) (*models.ServiceResource, error) {
	var result models.ServiceResource
	if err := c.do(ctx, http.MethodGet, service.APIURL(), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) Upgrade(ctx context.Context, service Service, req models.UpgradeRequest) error {
	c.logger.WithField("service", service.Name).Info("Submitting upgrade")
	return c.do(ctx, http.MethodPost, actionURL(service, "upgrade"), req, nil)
}

func (c *Client) FinishUpgrade(ctx context.Context, service Service) error {
	if err := c.do(ctx, http.MethodPost, actionURL(service, "finishupgrade"), struct{}{}, nil); err != nil {
		return err
	}
	c.logger.WithField("service", service.Name).Info("Marked upgrade as finished")
	return nil
}

func actionURL(service Service, action string) string {
	qs := url.Values{}
	qs.Set("action", action)
	return fmt.Sprintf("%s?%s", service.APIURL(), qs.Encode())
}

func (c *Client) do(ctx context.Context, method, reqURL string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to marshal request")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return errors.Wrapf(err, "failed to build %s %s", method, reqURL)
	}
	req.SetBasicAuth(c.auth.AccessKey, c.auth.SecretKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.WithFields(logrus.Fields{"method": method, "url": reqURL}).Debug("Calling rancher")

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, reqURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "failed to decode response of %s %s", method, reqURL)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}

	var body models.APIErrorBody
	if err := json.Unmarshal(raw, &body); err == nil {
		apiErr.Code = body.Code
		apiErr.Message = body.Message
		if apiErr.Message == "" {
			apiErr.Message = body.Detail
		}
	}
	return apiErr
}
