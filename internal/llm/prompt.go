package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jonathan/therapy-pipeline/internal/prompts"
	"github.com/jonathan/therapy-pipeline/internal/types"
	"github.com/jonathan/therapy-pipeline/internal/vocabulary"
)

// OutputSchema describes the JSON the model must return for a task
type OutputSchema struct {
	Name        string        // Schema name (e.g., "ClinicalOutput")
	Description string        // System prompt preamble describing the task
	Fields      []SchemaField // Expected output fields
}

// SchemaField defines a single field in the output.
type SchemaField struct {
	Name        string // JSON field name
	Type        string // Type hint: "string", "[]string", "map[string]number"
	Description string // Description for the LLM
	Required    bool   // Whether this field is required
}

// PromptBuilder renders structured prompts into model text. Tasks that label
// content are given the whitelist so labels can be chosen from it.
type PromptBuilder struct {
	vocab *vocabulary.Vocabulary
}

// NewPromptBuilder creates a builder; vocab may be nil
func NewPromptBuilder(vocab *vocabulary.Vocabulary) *PromptBuilder {
	return &PromptBuilder{vocab: vocab}
}

// Build constructs the prompt text for p
func (b *PromptBuilder) Build(p types.StructuredPrompt) (string, error) {
	schema, err := SchemaFor(p.Task)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(prompts.Format(prompts.MustGet(prompts.InferenceFile, "role_header"), map[string]string{"Role": string(p.Role)}))
	sb.WriteString("\n")
	sb.WriteString(schema.Description)
	sb.WriteString("\n\n")

	// Output schema
	sb.WriteString("Return ONLY valid JSON matching this exact structure:\n{\n")
	for i, field := range schema.Fields {
		requiredHint := ""
		if field.Required {
			requiredHint = " (required)"
		}
		fmt.Fprintf(&sb, "  %q: %s%s", field.Name, field.Type, requiredHint)
		if field.Description != "" {
			fmt.Fprintf(&sb, " // %s", field.Description)
		}
		if i < len(schema.Fields)-1 {
			sb.WriteString(",")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("}\n\n")

	if labelsTask(p.Task) && b.vocab != nil {
		sb.WriteString(prompts.MustGet(prompts.InferenceFile, "allowed_labels_header"))
		sb.WriteString("\n")
		for _, tok := range b.vocab.Tokens() {
			sb.WriteString("- ")
			sb.WriteString(tok)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	sb.WriteString(prompts.MustGet(prompts.InferenceFile, "output_rules"))
	sb.WriteString("\n\n")

	// Input fields
	input, err := json.MarshalIndent(p.Fields, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode prompt fields: %w", err)
	}
	sb.WriteString("Input:\n")
	sb.Write(input)
	sb.WriteString("\n")

	return sb.String(), nil
}

func labelsTask(task string) bool {
	return task == types.TaskPreSessionAnalysis || task == types.TaskPostSessionExtraction
}

// SchemaFor returns the output schema of an inference task
func SchemaFor(task string) (OutputSchema, error) {
	var schema OutputSchema
	switch task {
	case types.TaskPreSessionAnalysis, types.TaskPostSessionExtraction:
		schema = clinicalSchema("ClinicalOutput")
	case types.TaskPlanGeneration:
		schema = OutputSchema{
			Name: "TreatmentPlan",
			Fields: []SchemaField{
				{Name: "goals", Type: `["string"]`, Description: "Treatment goals", Required: true},
				{Name: "interventions", Type: `["string"]`, Description: "Planned interventions"},
				{Name: "notes", Type: `"string"`, Description: "Clinician-facing notes"},
			},
		}
	case types.TaskClientSynthesis:
		schema = OutputSchema{
			Name: "ClientSynthesis",
			Fields: []SchemaField{
				{Name: "message", Type: `"string"`, Description: "A short, warm message to the client", Required: true},
				{Name: "focus_areas", Type: `["string"]`, Description: "Topic labels to reflect on, taken from the input"},
			},
		}
	case types.TaskMergeSynthesis:
		schema = OutputSchema{
			Name: "MergeSynthesis",
			Fields: []SchemaField{
				{Name: "shared_themes", Type: `["string"]`, Description: "Topic labels both partners share"},
				{Name: "guidance", Type: `"string"`, Description: "Guidance for the joint session", Required: true},
			},
		}
	default:
		return OutputSchema{}, fmt.Errorf("no output schema for task %q", task)
	}

	description, err := prompts.Task(task)
	if err != nil {
		return OutputSchema{}, err
	}
	schema.Description = description
	return schema, nil
}

func clinicalSchema(name string) OutputSchema {
	return OutputSchema{
		Name: name,
		Fields: []SchemaField{
			{Name: "labels", Type: `["string"]`, Description: "Labels from the allowed list", Required: true},
			{Name: "summary", Type: `"string"`, Description: "Clinician-facing summary"},
			{Name: "evidence", Type: `["string"]`, Description: "Observations supporting the labels"},
			{Name: "quotes", Type: `["string"]`, Description: "Short verbatim quotes"},
			{Name: "risk_scores", Type: `{"name": number}`, Description: "Risk indicators between 0 and 1"},
			{Name: "risk_flags", Type: `["string"]`, Description: "Risk flags requiring attention"},
		},
	}
}
