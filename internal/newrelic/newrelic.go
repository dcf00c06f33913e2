package newrelic

import (
	"context"
	"net/http"
	"time"

	"crane-deployment/internal/config"
	"crane-deployment/internal/logger"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/sirupsen/logrus"
)

// Initialize sets up New Relic monitoring. A disabled or unlicensed setup
// still returns a (disabled) application.
func Initialize(cfg *config.Config) (*newrelic.Application, error) {
	nrLogger := logger.WithModule("newrelic")

	if !cfg.NewRelicEnabled {
		nrLogger.Debug("New Relic monitoring is disabled")
		return newrelic.NewApplication(newrelic.ConfigEnabled(false))
	}

	if cfg.NewRelicLicense == "" {
		nrLogger.Warn("New Relic license key is not provided, monitoring will be disabled")
		return newrelic.NewApplication(newrelic.ConfigEnabled(false))
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(cfg.NewRelicAppName),
		newrelic.ConfigLicense(cfg.NewRelicLicense),
		newrelic.ConfigDistributedTracerEnabled(true),
		newrelic.ConfigLogger(newRelicLogger{logger: nrLogger}),
	)
	if err != nil {
		nrLogger.WithError(err).Error("Failed to initialize New Relic")
		return nil, err
	}

	nrLogger.WithFields(logrus.Fields{
		"app_name": cfg.NewRelicAppName,
	}).Info("New Relic initialized")

	return app, nil
}

// StartTransaction opens a transaction named after the crane command and
// stores it in the returned context. Segments started from that context by
// the orchestrator and the hook HTTP clients attach to it.
func StartTransaction(ctx context.Context, app *newrelic.Application, name string) (context.Context, *newrelic.Transaction) {
	txn := app.StartTransaction(name)
	return newrelic.NewContext(ctx, txn), txn
}

// Client wraps base so outgoing requests show up as external segments of
// the transaction carried by the request context.
func Client(base *http.Client) *http.Client {
	if base == nil {
		base = &http.Client{Timeout: 10 * time.Second}
	}
	client := *base
	client.Transport = newrelic.NewRoundTripper(base.Transport)
	return &client
}

// Shutdown flushes pending data before the process exits.
func Shutdown(app *newrelic.Application, timeout time.Duration) {
	if app == nil {
		return
	}
	app.Shutdown(timeout)
}

// newRelicLogger implements the newrelic.Logger interface using logrus
type newRelicLogger struct {
	logger *logrus.Entry
}

func (l newRelicLogger) Error(msg string, context map[string]interface{}) {
	l.logger.WithFields(logrus.Fields(context)).Error(msg)
}

func (l newRelicLogger) Warn(msg string, context map[string]interface{}) {
	l.logger.WithFields(logrus.Fields(context)).Warn(msg)
}

func (l newRelicLogger) Info(msg string, context map[string]interface{}) {
	l.logger.WithFields(logrus.Fields(context)).Info(msg)
}

func (l newRelicLogger) Debug(msg string, context map[string]interface{}) {
	l.logger.WithFields(logrus.Fields(context)).Debug(msg)
}

func (l newRelicLogger) DebugEnabled() bool {
	return l.logger.Logger.IsLevelEnabled(logrus.DebugLevel)
}
