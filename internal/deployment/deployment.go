// Package deployment describes one upgrade attempt: which services move from
// which version to which, and what that change means in git history.
package deployment

import (
	"github.com/google/uuid"

	"crane-deployment/internal/rancher"
	"crane-deployment/internal/vcs"
)

// Deployment is built once per invocation. Only the limited flag changes
// afterwards, while preconditions are checked.
type Deployment struct {
	ID         string
	OldVersion string
	NewVersion string
	Stack      rancher.Stack
	Services   []rancher.Service

	repo    vcs.Graph
	limited bool
}

// New builds a deployment. A nil repo puts it in limited mode.
func New(stack rancher.Stack, services []rancher.Service, oldVersion, newVersion string, repo vcs.Graph) *Deployment {
	return &Deployment{
		ID:         uuid.NewString(),
		OldVersion: oldVersion,
		NewVersion: newVersion,
		Stack:      stack,
		Services:   services,
		repo:       repo,
	}
}

// Repository returns the history the deployment is classified against, or
// nil in limited mode.
func (d *Deployment) Repository() vcs.Graph {
	if d.limited {
		return nil
	}
	return d.repo
}

// Limited reports whether history-dependent behaviour is disabled.
func (d *Deployment) Limited() bool {
	return d.limited || d.repo == nil
}

// Limit switches the deployment to limited mode. The upgrade itself still
// runs.
func (d *Deployment) Limit() {
	d.limited = true
}

// Classify is recomputed on every call. In limited mode there is no history
// to inspect and the result is a KindVersionResolution error.
func (d *Deployment) Classify() (Classification, error) {
	if d.Limited() {
		return Classification{}, Errorf(KindVersionResolution, "no git history available for %s", d.NewVersion)
	}
	return Classify(d.OldVersion, d.NewVersion, d.repo)
}

// ServiceNames lists the services in upgrade order.
func (d *Deployment) ServiceNames() []string {
	names := make([]string, 0, len(d.Services))
	for _, s := range d.Services {
		names = append(names, s.Name)
	}
	return names
}
