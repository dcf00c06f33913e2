package models

import "time"

// DeploymentEvent is one lifecycle event recorded in the local ledger.
type DeploymentEvent struct {
	ID           int       `json:"id"`
	DeploymentID string    `json:"deployment_id"`
	Stack        string    `json:"stack"`
	Services     string    `json:"services"`
	OldVersion   string    `json:"old_version"`
	NewVersion   string    `json:"new_version"`
	Kind         string    `json:"kind"`
	Event        string    `json:"event"`
	CreatedAt    time.Time `json:"created_at"`
}
