package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"crane-deployment/internal/database"
	"crane-deployment/internal/deployment"
	"crane-deployment/internal/models"
)

type historyOpts struct {
	*rootOpts
	limit int
	all   bool
}

func newHistory(parent *rootOpts) *historyOpts {
	return &historyOpts{rootOpts: parent}
}

func (opts *historyOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "history",
		Short:   "Show recent deployments recorded in the local ledger",
		Example: "crane history --ledger=/var/lib/crane/ledger.db --limit=50",
		Args:    cobra.NoArgs,
		RunE:    opts.RunE,
	}
	cmd.Flags().StringVar(&opts.config.LedgerPath, "ledger", opts.config.LedgerPath, "path of the SQLite ledger")
	cmd.Flags().IntVar(&opts.limit, "limit", 20, "number of events to show")
	cmd.Flags().BoolVar(&opts.all, "all-stacks", false, "show events of every stack, not just --stack")
	return cmd
}

func (opts *historyOpts) RunE(cmd *cobra.Command, _ []string) error {
	if opts.config.LedgerPath == "" {
		return deployment.Errorf(deployment.KindConfiguration, "There is no ledger to read. Set CRANE_LEDGER_PATH or --ledger.")
	}

	db, err := database.Open(opts.config.LedgerPath)
	if err != nil {
		return err
	}
	defer db.Close()

	stack := opts.config.Stack
	if opts.all {
		stack = ""
	}
	events, err := database.RecentEvents(db, stack, opts.limit)
	if err != nil {
		return err
	}
	return printHistory(cmd.OutOrStdout(), events)
}

func printHistory(w io.Writer, events []models.DeploymentEvent) error {
	out := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	fmt.Fprintln(out, "TIME\tDEPLOYMENT\tSTACK\tKIND\tEVENT\tVERSIONS")
	for _, e := range events {
		fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%s\t%s..%s\n",
			e.CreatedAt.Format(time.RFC822), short(e.DeploymentID), e.Stack, e.Kind, e.Event,
			short(e.OldVersion), short(e.NewVersion))
	}
	return out.Flush()
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
