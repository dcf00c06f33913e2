package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"crane-deployment/internal/config"
	"crane-deployment/internal/deployment"
	"crane-deployment/internal/logger"
	"crane-deployment/internal/newrelic"
)

func main() {
	logger.Initialize()
	cfg := config.Load()

	app, err := newrelic.Initialize(cfg)
	if err != nil {
		logger.WithModule("main").WithError(err).Warn("Continuing without New Relic")
	}

	root := newRoot(cfg, app)
	rootCmd := root.Command()
	rootCmd.AddCommand(newAnnounce(root).Command(), newHistory(root).Command())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = rootCmd.ExecuteContext(ctx)
	stop()
	newrelic.Shutdown(app, shutdownTimeout)
	os.Exit(exitCode(os.Stderr, err))
}

// exitCode prints err for the operator. Handled failures carry their own
// message; anything else gets the full stack trace.
func exitCode(w io.Writer, err error) int {
	if err == nil {
		return 0
	}
	var handled *deployment.Error
	if errors.Is(err, deployment.ErrUpgradeFailed) && errors.As(err, &handled) {
		msg := handled.Message
		if msg == "" {
			msg = handled.Error()
		}
		fmt.Fprintln(w, msg)
	} else {
		fmt.Fprintf(w, "crane crashed: %+v\n", err)
	}
	return 1
}
