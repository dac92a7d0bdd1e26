package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/jonathan/therapy-pipeline/internal/types"
)

// InsertAuditEvent appends an audit event. The table rejects updates and deletes.
func (db *DB) InsertAuditEvent(ctx context.Context, event *types.AuditEvent) error {
	details := event.Details
	if details == nil {
		details = map[string]any{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("failed to marshal audit details: %w", err)
	}

	var runID *uuid.UUID
	if event.RunID != uuid.Nil {
		runID = &event.RunID
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO audit_events (id, actor, action, resource_type, resource_id, run_id, result, details, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		event.ID, event.Actor, event.Action, event.ResourceType, event.ResourceID,
		runID, string(event.Result), detailsJSON, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event %s: %w", event.Action, err)
	}
	return nil
}

// ListAuditEvents returns the audit trail of a run in timestamp order
func (db *DB) ListAuditEvents(ctx context.Context, runID uuid.UUID) ([]types.AuditEvent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, actor, action, resource_type, resource_id, run_id, result, details, ts
		 FROM audit_events
		 WHERE run_id = $1
		 ORDER BY ts, id`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	events := []types.AuditEvent{}
	for rows.Next() {
		var e types.AuditEvent
		var rid *uuid.UUID
		var result string
		var detailsJSON []byte
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.ResourceType, &e.ResourceID,
			&rid, &result, &detailsJSON, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		if rid != nil {
			e.RunID = *rid
		}
		e.Result = types.AuditResult(result)
		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &e.Details); err != nil {
				return nil, fmt.Errorf("failed to decode audit details: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
