package main

import (
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/spf13/cobra"

	"crane-deployment/internal/config"
	"crane-deployment/internal/runner"
)

const shutdownTimeout = 5 * time.Second

type rootOpts struct {
	config  *config.Config
	app     *newrelic.Application
	options []runner.Option
}

func newRoot(cfg *config.Config, app *newrelic.Application) *rootOpts {
	return &rootOpts{config: cfg, app: app}
}

func (opts *rootOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "crane",
		Short:         "Upgrade Rancher services to a new commit and tell everyone about it",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          opts.RunE,
	}

	cfg := opts.config
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfg.RancherURL, "url", cfg.RancherURL, "Rancher API URL")
	flags.StringVar(&cfg.RancherAccessKey, "access-key", cfg.RancherAccessKey, "Rancher API access key")
	flags.StringVar(&cfg.RancherSecretKey, "secret-key", cfg.RancherSecretKey, "Rancher API secret key")
	flags.StringVar(&cfg.RancherEnv, "env", cfg.RancherEnv, "Rancher environment ID")
	flags.StringVar(&cfg.Stack, "stack", cfg.Stack, "stack to upgrade")
	flags.StringSliceVar(&cfg.Services, "service", cfg.Services, "services to upgrade")
	flags.StringVar(&cfg.Sidekick, "sidekick", cfg.Sidekick, "sidekick to use instead of the primary service")
	flags.StringVar(&cfg.OldCommit, "old-commit", cfg.OldCommit, "commit currently deployed, instead of reading it from the image")
	flags.StringVar(&cfg.NewCommit, "new-commit", cfg.NewCommit, "commit to deploy")
	flags.StringVar(&cfg.RepoPath, "repo", cfg.RepoPath, "path of the git checkout")
	flags.StringVar(&cfg.CI.EnvironmentName, "environment", cfg.CI.EnvironmentName, "environment name shown in notifications")

	local := cmd.Flags()
	local.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "containers to upgrade at once")
	local.DurationVar(&cfg.BatchInterval, "batch-interval", cfg.BatchInterval, "wait between batches")
	local.BoolVar(&cfg.StartFirst, "start-first", cfg.StartFirst, "start new containers before stopping the old ones")
	local.StringVar(&cfg.NewImage, "new-image", cfg.NewImage, "image to deploy instead of the new commit's")
	local.DurationVar(&cfg.SleepAfterUpgrade, "sleep-after-upgrade", cfg.SleepAfterUpgrade, "wait after the upgrade before finishing it")
	local.BoolVar(&cfg.ManualFinish, "manual-finish", cfg.ManualFinish, "leave the upgrade unfinished in Rancher")
	local.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "wait between state checks")
	local.IntVar(&cfg.BreakerThreshold, "breaker-threshold", cfg.BreakerThreshold, "consecutive failed calls before giving up on Rancher")
	local.DurationVar(&cfg.BreakerTimeout, "breaker-timeout", cfg.BreakerTimeout, "how long to stop calling Rancher once it is unreachable")

	return cmd
}

func (opts *rootOpts) runner() *runner.Runner {
	options := append([]runner.Option{runner.WithApplication(opts.app)}, opts.options...)
	return runner.New(opts.config, options...)
}

func (opts *rootOpts) RunE(cmd *cobra.Command, _ []string) error {
	return opts.runner().Deploy(cmd.Context())
}
