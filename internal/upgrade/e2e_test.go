package upgrade_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crane-deployment/internal/deployment"
	"crane-deployment/internal/hooks"
	"crane-deployment/internal/models"
	"crane-deployment/internal/rancher"
	"crane-deployment/internal/rancher/ranchertest"
	"crane-deployment/internal/upgrade"
)

func TestRunAgainstPlatform(t *testing.T) {
	srv := ranchertest.NewServer(t)
	srv.AddStack("1e5", "billing")
	for _, svc := range []models.ServiceResource{
		{ID: "1s10", Name: "A", LaunchConfig: models.LaunchConfig{models.ImageField: "docker:registry/a:abc123"}},
		{ID: "1s11", Name: "B", LaunchConfig: models.LaunchConfig{models.ImageField: "docker:registry/b:abc123"}},
	} {
		srv.AddService("1e5", svc, models.StateUpgrading, models.StateUpgrading, models.StateUpgraded)
	}

	client := rancher.NewClient(srv.URL, ranchertest.Env,
		rancher.Auth{AccessKey: ranchertest.AccessKey, SecretKey: ranchertest.SecretKey}, srv.Client())
	ctx := context.Background()

	stack, err := client.StackByName(ctx, "billing")
	require.NoError(t, err)
	var services []rancher.Service
	for _, name := range []string{"A", "B"} {
		svc, err := client.ServiceByName(ctx, stack, name)
		require.NoError(t, err)
		services = append(services, svc)
	}
	d := deployment.New(stack, services, "abc123", "def456", nil)

	events := &eventLog{}
	sleeps := &sleepLog{}
	orch := upgrade.New(client, events, defaultOptions(),
		upgrade.WithSleeper(sleeps.sleep),
		upgrade.WithOutput(&bytes.Buffer{}),
	)

	require.NoError(t, orch.Run(ctx, d))

	assert.Equal(t, []hooks.Event{hooks.Start, hooks.Success}, events.events)
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second}, sleeps.sleeps)

	for id, image := range map[string]string{"1s10": "docker:registry/a:def456", "1s11": "docker:registry/b:def456"} {
		upgrades := srv.UpgradeRequests(id)
		require.Len(t, upgrades, 1, id)
		assert.Equal(t, image, upgrades[0].InServiceStrategy.LaunchConfig.Image())
		assert.Equal(t, 3, srv.StateReads(id), id)
		assert.Equal(t, 1, srv.FinishCount(id), id)
	}
	assert.Equal(t, upgrade.Finished, orch.States()["A"])
	assert.Equal(t, upgrade.Finished, orch.States()["B"])
}
