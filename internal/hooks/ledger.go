package hooks

import (
	"context"
	"strings"

	"crane-deployment/internal/database"
	"crane-deployment/internal/deployment"
	"crane-deployment/internal/models"
)

// ledger appends every event to the local SQLite ledger.
type ledger struct {
	d    *deployment.Deployment
	path string
}

func NewLedger(ctx context.Context, d *deployment.Deployment, env Env) (Hook, error) {
	return &ledger{d: d, path: env.Config.LedgerPath}, nil
}

func (l *ledger) Name() string { return "ledger" }

func (l *ledger) Active() bool { return l.path != "" }

func (l *ledger) Start(ctx context.Context) error   { return l.record(Start) }
func (l *ledger) Success(ctx context.Context) error { return l.record(Success) }
func (l *ledger) Failure(ctx context.Context) error { return l.record(Failure) }

func (l *ledger) record(event Event) error {
	kind := "unknown"
	if c, err := l.d.Classify(); err == nil {
		kind = c.Kind.String()
	}

	db, err := database.Open(l.path)
	if err != nil {
		return err
	}
	defer db.Close()

	return database.InsertEvent(db, models.DeploymentEvent{
		DeploymentID: l.d.ID,
		Stack:        l.d.Stack.Name,
		Services:     strings.Join(l.d.ServiceNames(), ","),
		OldVersion:   l.d.OldVersion,
		NewVersion:   l.d.NewVersion,
		Kind:         kind,
		Event:        event.String(),
	})
}
