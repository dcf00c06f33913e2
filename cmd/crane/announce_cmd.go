package main

import (
	"github.com/spf13/cobra"

	"crane-deployment/internal/hooks"
)

type announceOpts struct {
	*rootOpts
}

func newAnnounce(parent *rootOpts) *announceOpts {
	return &announceOpts{rootOpts: parent}
}

func (opts *announceOpts) Command() *cobra.Command {
	return &cobra.Command{
		Use:       "announce start|success|failure",
		Short:     "Send one release event to the hooks without touching Rancher",
		Example:   "crane announce success --old-commit=$PREVIOUS_SHA --new-commit=$CI_COMMIT_SHA",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"start", "success", "failure"},
		RunE:      opts.RunE,
	}
}

func (opts *announceOpts) RunE(cmd *cobra.Command, args []string) error {
	event, err := hooks.ParseEvent(args[0])
	if err != nil {
		return err
	}
	return opts.runner().Announce(cmd.Context(), event)
}
