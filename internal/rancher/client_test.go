package rancher_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crane-deployment/internal/models"
	"crane-deployment/internal/rancher"
	"crane-deployment/internal/rancher/ranchertest"
)

func newClient(srv *ranchertest.Server) *rancher.Client {
	return rancher.NewClient(srv.URL, ranchertest.Env,
		rancher.Auth{AccessKey: ranchertest.AccessKey, SecretKey: ranchertest.SecretKey}, srv.Client())
}

func TestIsID(t *testing.T) {
	tests := map[string]bool{
		"1st5":    true,
		"1s42":    true,
		"1e5":     true,
		"billing": false,
		"1stack":  false,
		"st5":     false,
		"1abc5":   false,
	}
	for value, want := range tests {
		assert.Equal(t, want, rancher.IsID(value), value)
	}
}

func TestStackByName(t *testing.T) {
	srv := ranchertest.NewServer(t)
	srv.AddStack("1e5", "billing")
	client := newClient(srv)
	ctx := context.Background()

	t.Run("lookup rewrites the id", func(t *testing.T) {
		stack, err := client.StackByName(ctx, "billing")
		require.NoError(t, err)
		assert.Equal(t, "1st5", stack.ID)
		assert.Equal(t, "billing", stack.Name)
		assert.Equal(t, srv.URL+"/env/1a5/apps/stacks/1st5", stack.WebURL())
	})

	t.Run("id passthrough", func(t *testing.T) {
		stack, err := client.StackByName(ctx, "1st9")
		require.NoError(t, err)
		assert.Equal(t, "1st9", stack.ID)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := client.StackByName(ctx, "payroll")
		assert.True(t, errors.Is(err, rancher.ErrNotFound), "got %v", err)
	})
}

func TestServiceByName(t *testing.T) {
	srv := ranchertest.NewServer(t)
	srv.AddStack("1e5", "billing")
	srv.AddService("1e5", models.ServiceResource{ID: "1s10", Name: "app"})
	client := newClient(srv)
	ctx := context.Background()

	stack, err := client.StackByName(ctx, "billing")
	require.NoError(t, err)

	service, err := client.ServiceByName(ctx, stack, "app")
	require.NoError(t, err)
	assert.Equal(t, "1s10", service.ID)
	assert.Equal(t, srv.URL+"/v1/projects/1a5/services/1s10", service.APIURL())
	assert.Equal(t, stack.WebURL()+"/services/1s10/containers", service.WebURL())

	_, err = client.ServiceByName(ctx, stack, "worker")
	assert.True(t, errors.Is(err, rancher.ErrNotFound), "got %v", err)
}

func TestServiceStateAndActions(t *testing.T) {
	srv := ranchertest.NewServer(t)
	srv.AddStack("1e5", "billing")
	srv.AddService("1e5", models.ServiceResource{
		ID:           "1s10",
		Name:         "app",
		LaunchConfig: models.LaunchConfig{"imageUuid": "docker:registry/billing:abc123"},
	}, models.StateUpgrading, models.StateUpgraded)
	client := newClient(srv)
	ctx := context.Background()

	stack, err := client.StackByName(ctx, "billing")
	require.NoError(t, err)
	service, err := client.ServiceByName(ctx, stack, "app")
	require.NoError(t, err)

	current, err := client.ServiceState(ctx, service)
	require.NoError(t, err)
	assert.Equal(t, "active", current.State)
	assert.Equal(t, "docker:registry/billing:abc123", current.LaunchConfig.Image())

	req, err := rancher.NewUpgradeRequest(current, "abc123", "def456", rancher.Strategy{BatchSize: 2})
	require.NoError(t, err)
	require.NoError(t, client.Upgrade(ctx, service, req))

	upgrades := srv.UpgradeRequests("1s10")
	require.Len(t, upgrades, 1)
	assert.Equal(t, 2, upgrades[0].InServiceStrategy.BatchSize)
	assert.Equal(t, "docker:registry/billing:def456", upgrades[0].InServiceStrategy.LaunchConfig.Image())

	for _, want := range []string{models.StateUpgrading, models.StateUpgraded, models.StateUpgraded} {
		state, err := client.ServiceState(ctx, service)
		require.NoError(t, err)
		assert.Equal(t, want, state.State)
	}

	require.NoError(t, client.FinishUpgrade(ctx, service))
	assert.Equal(t, 1, srv.FinishCount("1s10"))
}

func TestUpgradeActionNotAvailable(t *testing.T) {
	srv := ranchertest.NewServer(t)
	srv.AddService("1st5", models.ServiceResource{ID: "1s10", Name: "app"})
	srv.FailUpgrade("1s10", http.StatusUnprocessableEntity, models.APIErrorBody{
		Code:    rancher.CodeActionNotAvailable,
		Message: "upgrade",
	})
	client := newClient(srv)

	service := rancher.Service{ID: "1s10", Name: "app", Stack: rancher.Stack{ID: "1st5", URL: srv.URL, Env: ranchertest.Env}}
	err := client.Upgrade(context.Background(), service, models.UpgradeRequest{})
	require.Error(t, err)
	assert.True(t, rancher.IsActionNotAvailable(err))

	var apiErr *rancher.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
}

func TestBadCredentials(t *testing.T) {
	srv := ranchertest.NewServer(t)
	client := rancher.NewClient(srv.URL, ranchertest.Env, rancher.Auth{AccessKey: "nope"}, srv.Client())

	_, err := client.StackByName(context.Background(), "billing")
	var apiErr *rancher.APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.False(t, rancher.IsActionNotAvailable(err))
}
