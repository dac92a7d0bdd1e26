// Package steps provides stage definitions, the fixed stage graph of each
// pipeline kind, and dependency validation against recorded stage attempts.
package steps

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jonathan/therapy-pipeline/internal/types"
)

// Stage categories
const (
	CategoryInput       = "input"
	CategoryAnalysis    = "analysis"
	CategoryGate        = "gate"
	CategoryMatching    = "matching"
	CategorySynthesis   = "synthesis"
	CategoryPersistence = "persistence"
)

// Stage names
const (
	FetchInput         = "fetch-input"
	ClinicalAnalysis   = "clinical-analysis"
	ResearchLookup     = "research-lookup"
	AbstractionGate    = "abstraction-gate"
	ClientSynthesis    = "client-synthesis"
	Extraction         = "extraction"
	LoadPriorState     = "load-prior-state"
	PlanGeneration     = "plan-generation"
	ValidateLink       = "validate-link"
	PartnerAExtraction = "partner-A-extraction"
	PartnerBExtraction = "partner-B-extraction"
	IsolationGate      = "isolation-gate"
	TopicMatch         = "topic-match"
	MergeSynthesis     = "merge-synthesis"
	Persist            = "persist"
)

// StepDefinition defines metadata for a pipeline stage
type StepDefinition struct {
	Name         string
	Category     string
	Dependencies []string
}

// Graph is the fixed topology of one pipeline kind. Groups run in order;
// the stages of one group are independent and run concurrently.
type Graph struct {
	Kind   types.PipelineKind
	Groups [][]string
	Steps  map[string]StepDefinition
}

func def(name, category string, deps ...string) StepDefinition {
	return StepDefinition{Name: name, Category: category, Dependencies: deps}
}

func index(defs ...StepDefinition) map[string]StepDefinition {
	m := make(map[string]StepDefinition, len(defs))
	for _, d := range defs {
		m[d.Name] = d
	}
	return m
}

// GraphFor returns the stage graph of kind
func GraphFor(kind types.PipelineKind) Graph {
	switch kind {
	case types.KindSoloPre:
		return Graph{
			Kind: kind,
			Groups: [][]string{
				{FetchInput},
				{ClinicalAnalysis, ResearchLookup},
				{AbstractionGate},
				{ClientSynthesis},
				{Persist},
			},
			Steps: index(
				def(FetchInput, CategoryInput),
				def(ClinicalAnalysis, CategoryAnalysis, FetchInput),
				def(ResearchLookup, CategoryAnalysis, FetchInput),
				def(AbstractionGate, CategoryGate, ClinicalAnalysis, ResearchLookup),
				def(ClientSynthesis, CategorySynthesis, AbstractionGate),
				def(Persist, CategoryPersistence, ClientSynthesis),
			),
		}
	case types.KindSoloPost:
		return Graph{
			Kind: kind,
			Groups: [][]string{
				{FetchInput},
				{Extraction},
				{LoadPriorState},
				{PlanGeneration},
				{Persist},
			},
			Steps: index(
				def(FetchInput, CategoryInput),
				def(Extraction, CategoryAnalysis, FetchInput),
				def(LoadPriorState, CategoryInput, Extraction),
				def(PlanGeneration, CategoryAnalysis, LoadPriorState),
				def(Persist, CategoryPersistence, PlanGeneration),
			),
		}
	case types.KindPairMerge:
		return Graph{
			Kind: kind,
			Groups: [][]string{
				{ValidateLink},
				{PartnerAExtraction, PartnerBExtraction},
				{IsolationGate},
				{TopicMatch},
				{MergeSynthesis},
				{Persist},
			},
			Steps: index(
				def(ValidateLink, CategoryInput),
				def(PartnerAExtraction, CategoryAnalysis, ValidateLink),
				def(PartnerBExtraction, CategoryAnalysis, ValidateLink),
				def(IsolationGate, CategoryGate, PartnerAExtraction, PartnerBExtraction),
				def(TopicMatch, CategoryMatching, IsolationGate),
				def(MergeSynthesis, CategorySynthesis, TopicMatch),
				def(Persist, CategoryPersistence, MergeSynthesis),
			),
		}
	default:
		panic(fmt.Sprintf("steps: unhandled pipeline kind %q", string(kind)))
	}
}

// Order returns every stage in execution order
func (g Graph) Order() []string {
	var out []string
	for _, group := range g.Groups {
		out = append(out, group...)
	}
	return out
}

// GateFor returns the boundary gate upstream of a synthesis stage, if the kind has one
func (g Graph) GateFor(stage string) (string, bool) {
	d, ok := g.Steps[stage]
	if !ok || d.Category != CategorySynthesis {
		return "", false
	}
	for _, name := range g.Order() {
		if g.Steps[name].Category == CategoryGate {
			return name, true
		}
		if name == stage {
			break
		}
	}
	return "", false
}

// GraphError reports a malformed stage graph
type GraphError struct {
	Kind    types.PipelineKind
	Message string
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("invalid stage graph %s: %s", e.Kind, e.Message)
}

// Validate checks that every stage appears once, depends only on stages in
// earlier groups, and that a gate precedes every synthesis stage.
func (g Graph) Validate() error {
	done := make(map[string]bool)
	for _, group := range g.Groups {
		if len(group) == 0 {
			return &GraphError{Kind: g.Kind, Message: "empty group"}
		}
		inGroup := make(map[string]bool, len(group))
		for _, name := range group {
			d, ok := g.Steps[name]
			if !ok {
				return &GraphError{Kind: g.Kind, Message: fmt.Sprintf("stage %s has no definition", name)}
			}
			if done[name] || inGroup[name] {
				return &GraphError{Kind: g.Kind, Message: fmt.Sprintf("stage %s appears twice", name)}
			}
			for _, dep := range d.Dependencies {
				if !done[dep] {
					return &GraphError{Kind: g.Kind, Message: fmt.Sprintf("stage %s depends on %s, which does not complete earlier", name, dep)}
				}
			}
			inGroup[name] = true
		}
		for _, name := range group {
			done[name] = true
		}
	}
	if len(done) != len(g.Steps) {
		return &GraphError{Kind: g.Kind, Message: "graph defines stages that are never scheduled"}
	}
	for name, d := range g.Steps {
		if d.Category != CategorySynthesis {
			continue
		}
		if _, ok := g.GateFor(name); !ok {
			return &GraphError{Kind: g.Kind, Message: fmt.Sprintf("synthesis stage %s is not behind a gate", name)}
		}
	}
	return nil
}

// StageLookup returns the latest recorded attempt of a stage, or nil if none
type StageLookup interface {
	GetStageRecord(ctx context.Context, runID uuid.UUID, stage string) (*types.StageRecord, error)
}

// DependencyError represents a dependency validation error
type DependencyError struct {
	Step                string
	MissingDependencies []string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("stage %s has missing dependencies: %v", e.Step, e.MissingDependencies)
}

// ValidateDependencies checks that every dependency of stepName has a recorded successful attempt
func ValidateDependencies(ctx context.Context, lookup StageLookup, runID uuid.UUID, g Graph, stepName string) error {
	d, ok := g.Steps[stepName]
	if !ok {
		return fmt.Errorf("unknown step: %s", stepName)
	}

	var missing []string
	for _, dep := range d.Dependencies {
		rec, err := lookup.GetStageRecord(ctx, runID, dep)
		if err != nil {
			return fmt.Errorf("failed to check dependency %s: %w", dep, err)
		}
		if rec == nil || rec.Outcome != types.OutcomeOK {
			missing = append(missing, dep)
		}
	}

	if len(missing) > 0 {
		return &DependencyError{Step: stepName, MissingDependencies: missing}
	}
	return nil
}
