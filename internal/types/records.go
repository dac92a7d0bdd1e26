//nolint:revive // types is a standard Go package name pattern
package types

import (
	"time"

	"github.com/google/uuid"
)

// StageOutcome is the result of one stage attempt
type StageOutcome string

const (
	OutcomeOK      StageOutcome = "ok"
	OutcomeRetried StageOutcome = "retried"
	OutcomeFailed  StageOutcome = "failed"
)

// StageRecord is written for every stage attempt. Content is referenced by hash only.
type StageRecord struct {
	ID         uuid.UUID    `json:"id"`
	RunID      uuid.UUID    `json:"run_id"`
	Stage      string       `json:"stage"`
	Attempt    int          `json:"attempt_count"`
	Outcome    StageOutcome `json:"outcome"`
	DurationMs int64        `json:"duration_ms"`
	InputHash  string       `json:"input_hash,omitempty"`
	OutputHash string       `json:"output_hash,omitempty"`
	ErrorKind  string       `json:"error_kind,omitempty"`
	RecordedAt time.Time    `json:"recorded_at"`
}

// AbstractionRecord is written on every AbstractionGate invocation, including the empty path
type AbstractionRecord struct {
	ID                 uuid.UUID `json:"id"`
	RunID              uuid.UUID `json:"run_id"`
	Tokens             []string  `json:"tokens"`
	HadRejectedContent bool      `json:"had_rejected_content"`
	RejectedCount      int       `json:"rejected_count"`
	VocabularyVersion  string    `json:"vocabulary_version"`
	CreatedAt          time.Time `json:"created_at"`
}

// IsolationRecord is written on every IsolationGate invocation.
// SourceA and SourceB identify the two partner extractions that fed the gate.
type IsolationRecord struct {
	ID                uuid.UUID `json:"id"`
	RunID             uuid.UUID `json:"run_id"`
	PairID            string    `json:"pair_id"`
	SourceA           uuid.UUID `json:"source_a"`
	SourceB           uuid.UUID `json:"source_b"`
	TokensA           []string  `json:"tokens_a"`
	TokensB           []string  `json:"tokens_b"`
	IsolationInvoked  bool      `json:"isolation_invoked"`
	Succeeded         bool      `json:"succeeded"`
	VocabularyVersion string    `json:"vocabulary_version"`
	CreatedAt         time.Time `json:"created_at"`
}

// PairLink binds two clients into a couple
type PairLink struct {
	ID       string `json:"id"`
	PartnerA string `json:"partner_a"`
	PartnerB string `json:"partner_b"`
	Active   bool   `json:"active"`
}
