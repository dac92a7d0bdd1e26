//nolint:revive // types is a standard Go package name pattern
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// SessionInput is the decrypted session payload placed in the blob store upstream.
// ResearchQuery is anonymized before it reaches the pipeline.
type SessionInput struct {
	Transcript    string `json:"transcript"`
	ResearchQuery string `json:"research_query,omitempty"`
}

// ClinicalOutput is the structured output of the clinical-analysis role.
// Labels are the only structured category fields; everything else is free text
// and never crosses a boundary.
type ClinicalOutput struct {
	Labels     []string           `json:"labels"`
	Summary    string             `json:"summary,omitempty"`
	Evidence   []string           `json:"evidence,omitempty"`
	Quotes     []string           `json:"quotes,omitempty"`
	RiskScores map[string]float64 `json:"risk_scores,omitempty"`
	RiskFlags  []string           `json:"risk_flags,omitempty"`
}

// Citation is one research lookup result
type Citation struct {
	Title  string `json:"title"`
	URL    string `json:"url"`
	Source string `json:"source,omitempty"`
}

// ClientSynthesis is the client-facing output of a solo_pre run
type ClientSynthesis struct {
	Message    string   `json:"message"`
	FocusAreas []string `json:"focus_areas,omitempty"`
}

// TreatmentPlan is the clinician-side plan produced by solo_post runs
type TreatmentPlan struct {
	Version       int      `json:"version"`
	Goals         []string `json:"goals"`
	Interventions []string `json:"interventions,omitempty"`
	Notes         string   `json:"notes,omitempty"`
}

// MergeSynthesis is the shared output of a pair_merge run
type MergeSynthesis struct {
	SharedThemes []string `json:"shared_themes,omitempty"`
	Guidance     string   `json:"guidance"`
}

// AgentRole selects which agent an inference call speaks for
type AgentRole string

const (
	RoleClinical AgentRole = "clinical"
	RoleClient   AgentRole = "client"
	RoleMerge    AgentRole = "merge"
)

// Inference tasks
const (
	TaskPreSessionAnalysis    = "pre_session_analysis"
	TaskPostSessionExtraction = "post_session_extraction"
	TaskPlanGeneration        = "plan_generation"
	TaskClientSynthesis       = "client_synthesis"
	TaskMergeSynthesis        = "merge_synthesis"
)

// StructuredPrompt is the input to the analysis inference collaborator
type StructuredPrompt struct {
	Role   AgentRole      `json:"role"`
	Task   string         `json:"task"`
	Fields map[string]any `json:"fields"`
}

// StructuredOutput is the raw JSON returned by the inference collaborator
type StructuredOutput json.RawMessage

// ContentHash returns the hex sha256 of v's JSON encoding, or of the bytes themselves
// for []byte and StructuredOutput values.
func ContentHash(v any) string {
	var data []byte
	switch val := v.(type) {
	case nil:
		return ""
	case []byte:
		data = val
	case StructuredOutput:
		data = val
	case string:
		data = []byte(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		data = b
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
