package gate

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/therapy-pipeline/internal/audit"
	"github.com/jonathan/therapy-pipeline/internal/types"
	"github.com/jonathan/therapy-pipeline/internal/vocabulary"
)

const abstractionActor = "abstraction-gate"

// AbstractionGate is the single path from clinical output to client input
type AbstractionGate struct {
	vocab *vocabulary.Vocabulary
	sink  audit.Sink
	now   func() time.Time
}

// NewAbstractionGate creates a gate over vocab that audits to sink
func NewAbstractionGate(vocab *vocabulary.Vocabulary, sink audit.Sink) *AbstractionGate {
	return &AbstractionGate{vocab: vocab, sink: sink, now: time.Now}
}

// Abstract extracts the whitelist tokens from out's category labels. Every
// call returns a record and emits exactly one audit event, including the
// empty path, which fails with ErrInsufficientContent.
func (g *AbstractionGate) Abstract(ctx context.Context, runID uuid.UUID, out types.ClinicalOutput) (ClientInput, types.AbstractionRecord, error) {
	x := extract(g.vocab, out)

	rec := types.AbstractionRecord{
		ID:                 uuid.New(),
		RunID:              runID,
		Tokens:             nonNil(x.tokens),
		HadRejectedContent: x.rejected > 0,
		RejectedCount:      x.rejected,
		VocabularyVersion:  g.vocab.Version(),
		CreatedAt:          g.now().UTC(),
	}

	var gateErr error
	result := types.AuditSuccess
	if !closed(g.vocab, rec.Tokens) {
		gateErr = outsideWhitelist(abstractionActor)
		result = types.AuditDenied
	} else if len(rec.Tokens) == 0 {
		gateErr = ErrInsufficientContent
		result = types.AuditFailure
	}

	event := audit.NewEvent(abstractionActor, types.ActionAbstractionGate, types.ResourceAbstractionRec,
		rec.ID.String(), runID, result, map[string]any{
			"tokens":               rec.Tokens,
			"token_count":          len(rec.Tokens),
			"had_rejected_content": rec.HadRejectedContent,
			"rejected_count":       rec.RejectedCount,
			"vocabulary_version":   rec.VocabularyVersion,
		})
	if err := g.sink.Record(ctx, event); err != nil {
		gateErr = auditFailed(err)
	}

	if gateErr != nil {
		return ClientInput{}, rec, gateErr
	}
	return ClientInput{
		tokens:            freeze(rec.Tokens),
		vocabularyVersion: rec.VocabularyVersion,
	}, rec, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
