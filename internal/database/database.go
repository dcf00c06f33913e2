// Package database keeps a local ledger of deployment lifecycle events. Runs
// only append to it; the history command reads it back.
package database

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"crane-deployment/internal/logger"
	"crane-deployment/internal/models"
)

const createTable = `
CREATE TABLE IF NOT EXISTS deployment_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	deployment_id TEXT NOT NULL,
	stack TEXT NOT NULL,
	services TEXT NOT NULL,
	old_version TEXT NOT NULL,
	new_version TEXT NOT NULL,
	kind TEXT NOT NULL,
	event TEXT NOT NULL,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);`

// Open opens the ledger at path, creating the file and table when missing.
func Open(path string) (*sql.DB, error) {
	log := logger.WithModule("database").WithField("path", path)

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	log.Debug("Ledger ready")

	return db, nil
}

func InsertEvent(db *sql.DB, e models.DeploymentEvent) error {
	log := logger.WithModule("database")
	log.Debugf("Inserting event: deployment_id=%s, event=%s", e.DeploymentID, e.Event)

	stmt, err := db.Prepare(`INSERT INTO deployment_events
		(deployment_id, stack, services, old_version, new_version, kind, event)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		log.Errorf("ERROR preparing insert statement: %v", err)
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	_, err = stmt.Exec(e.DeploymentID, e.Stack, e.Services, e.OldVersion, e.NewVersion, e.Kind, e.Event)
	if err != nil {
		log.Errorf("ERROR executing insert statement: %v", err)
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

const selectEvents = `SELECT id, deployment_id, stack, services, old_version, new_version, kind, event, created_at
	FROM deployment_events`

// ListEvents returns the events of one deployment in the order they were
// recorded.
func ListEvents(db *sql.DB, deploymentID string) ([]models.DeploymentEvent, error) {
	rows, err := db.Query(selectEvents+` WHERE deployment_id = ? ORDER BY id`, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return scanEvents(rows)
}

// RecentEvents returns up to limit events, newest first. An empty stack
// matches every stack.
func RecentEvents(db *sql.DB, stack string, limit int) ([]models.DeploymentEvent, error) {
	rows, err := db.Query(selectEvents+` WHERE (? = '' OR stack = ?) ORDER BY id DESC LIMIT ?`, stack, stack, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]models.DeploymentEvent, error) {
	defer rows.Close()

	var events []models.DeploymentEvent
	for rows.Next() {
		var e models.DeploymentEvent
		if err := rows.Scan(&e.ID, &e.DeploymentID, &e.Stack, &e.Services,
			&e.OldVersion, &e.NewVersion, &e.Kind, &e.Event, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
