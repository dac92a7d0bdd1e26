// Package observability provides formatted output utilities for the CLI.
package observability

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/jonathan/therapy-pipeline/internal/pipeline"
	"github.com/jonathan/therapy-pipeline/internal/types"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// hashWidth is how much of a content hash is shown
	hashWidth = 12
)

// Printer handles formatted output for the CLI
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	lines := strings.Split(content, "\n")
	for _, line := range lines {
		// Truncate long lines
		if len([]rune(line)) > boxWidth-4 {
			line = string([]rune(line)[:boxWidth-7]) + "..."
		}
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, line)
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

// PrintRun outputs the status of a run and its per-stage timings in start order.
func (p *Printer) PrintRun(run *types.PipelineRun) {
	if run == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Run:      %s\n", run.ID))
	sb.WriteString(fmt.Sprintf("Kind:     %s\n", run.Kind))
	sb.WriteString(fmt.Sprintf("Subject:  %s\n", run.Subject))
	sb.WriteString(fmt.Sprintf("Status:   %s %s\n", statusIcon(run.Status), run.Status))
	if run.CurrentStage != "" {
		sb.WriteString(fmt.Sprintf("Stage:    %s\n", run.CurrentStage))
	}
	if run.StartedAt != nil && run.CompletedAt != nil {
		sb.WriteString(fmt.Sprintf("Elapsed:  %s\n", run.CompletedAt.Sub(*run.StartedAt).Round(time.Millisecond)))
	}
	if run.Error != nil {
		sb.WriteString(fmt.Sprintf("Error:    %s", run.Error.Kind))
		if run.Error.Stage != "" {
			sb.WriteString(fmt.Sprintf(" at %s", run.Error.Stage))
		}
		sb.WriteString(fmt.Sprintf("\n          %s\n", run.Error.Message))
	}

	if len(run.Stages) > 0 {
		sb.WriteString("\nStages:\n")
		for _, name := range stagesByStart(run.Stages) {
			timing := run.Stages[name]
			sb.WriteString(fmt.Sprintf("  %s %-22s %6dms", outcomeIcon(timing.Outcome), name, timing.DurationMs))
			if timing.Attempts > 1 {
				sb.WriteString(fmt.Sprintf("  (%d attempts)", timing.Attempts))
			}
			sb.WriteString("\n")
		}
	}

	p.printBox("PIPELINE RUN", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintStageRecords outputs every recorded stage attempt. Only hashes are shown.
func (p *Printer) PrintStageRecords(records []types.StageRecord) {
	if len(records) == 0 {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Recorded %d attempts:\n\n", len(records)))
	for i, rec := range records {
		sb.WriteString(fmt.Sprintf("%s %s #%d  %dms\n", outcomeIcon(string(rec.Outcome)), rec.Stage, rec.Attempt, rec.DurationMs))
		if rec.InputHash != "" || rec.OutputHash != "" {
			sb.WriteString(fmt.Sprintf("  in:%s out:%s\n", shortHash(rec.InputHash), shortHash(rec.OutputHash)))
		}
		if rec.ErrorKind != "" {
			sb.WriteString(fmt.Sprintf("  error: %s\n", rec.ErrorKind))
		}
		if i < len(records)-1 {
			sb.WriteString("\n")
		}
	}

	p.printBox("STAGE RECORDS", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintProgress outputs one progress line. It is usable as a pipeline.ProgressCallback.
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) PrintProgress(event pipeline.ProgressEvent) {
	stage := event.Stage
	if stage == "" {
		stage = "-"
	}
	fmt.Fprintf(p.out, "[%s] %-22s %-10s %s\n", shortID(event.RunID), stage, event.Status, event.Message)
}

func stagesByStart(stages map[string]types.StageTiming) []string {
	names := make([]string, 0, len(stages))
	for name := range stages {
		names = append(names, name)
	}
	slices.SortFunc(names, func(a, b string) int {
		if c := stages[a].StartedAt.Compare(stages[b].StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	})
	return names
}

func statusIcon(status types.RunStatus) string {
	switch status {
	case types.RunComplete:
		return "✅"
	case types.RunFailed:
		return "❌"
	case types.RunRunning:
		return "▶"
	default:
		return "…"
	}
}

func outcomeIcon(outcome string) string {
	switch types.StageOutcome(outcome) {
	case types.OutcomeOK:
		return "✓"
	case types.OutcomeRetried:
		return "↻"
	case types.OutcomeFailed:
		return "✗"
	default:
		return "·"
	}
}

func shortHash(h string) string {
	if h == "" {
		return "-"
	}
	h = strings.TrimPrefix(h, "sha256:")
	if len(h) > hashWidth {
		return h[:hashWidth]
	}
	return h
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
