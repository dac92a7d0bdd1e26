//nolint:revive // types is a standard Go package name pattern
package types

import (
	"time"

	"github.com/google/uuid"
)

// AuditResult is the outcome recorded on an audit event
type AuditResult string

const (
	AuditSuccess AuditResult = "success"
	AuditFailure AuditResult = "failure"
	AuditDenied  AuditResult = "denied"
)

// Audit actions
const (
	ActionRunQueued        = "run.queued"
	ActionRunStarted       = "run.started"
	ActionRunCompleted     = "run.completed"
	ActionRunFailed        = "run.failed"
	ActionStageAttempt     = "stage.attempt"
	ActionAbstractionGate  = "gate.abstraction"
	ActionIsolationGate    = "gate.isolation"
	ActionSecurityAlert    = "security.alert"
	ResourcePipelineRun    = "pipeline_run"
	ResourceAbstractionRec = "abstraction_record"
	ResourceIsolationRec   = "isolation_record"
)

// AuditEvent is an append-only record of a stage transition or boundary crossing.
// Details holds identifiers, token lists and outcome flags only.
type AuditEvent struct {
	ID           uuid.UUID      `json:"id"`
	Actor        string         `json:"actor"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	RunID        uuid.UUID      `json:"run_id"`
	Result       AuditResult    `json:"result"`
	Timestamp    time.Time      `json:"timestamp"`
	Details      map[string]any `json:"details,omitempty"`
}
