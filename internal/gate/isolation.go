package gate

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/therapy-pipeline/internal/audit"
	"github.com/jonathan/therapy-pipeline/internal/failure"
	"github.com/jonathan/therapy-pipeline/internal/types"
	"github.com/jonathan/therapy-pipeline/internal/vocabulary"
)

const isolationActor = "isolation-gate"

// PartnerOutput is one partner's clinical output and the id of the extraction that produced it
type PartnerOutput struct {
	SourceID uuid.UUID
	Output   types.ClinicalOutput
}

// IsolationGate is the single path from a partner's analysis into the merge context
type IsolationGate struct {
	vocab *vocabulary.Vocabulary
	sink  audit.Sink
	now   func() time.Time
}

// NewIsolationGate creates a gate over vocab that audits to sink
func NewIsolationGate(vocab *vocabulary.Vocabulary, sink audit.Sink) *IsolationGate {
	return &IsolationGate{vocab: vocab, sink: sink, now: time.Now}
}

// IsolateAndPair extracts each partner's tokens with its own extractor; neither
// extraction sees the other partner's output. Any label that cannot be mapped,
// or a partner with no tokens, fails the whole merge.
func (g *IsolationGate) IsolateAndPair(ctx context.Context, runID uuid.UUID, pairID string, a, b PartnerOutput) (PairTokens, types.IsolationRecord, error) {
	xa := extract(g.vocab, a.Output)
	xb := extract(g.vocab, b.Output)

	rec := types.IsolationRecord{
		ID:                uuid.New(),
		RunID:             runID,
		PairID:            pairID,
		SourceA:           a.SourceID,
		SourceB:           b.SourceID,
		TokensA:           nonNil(xa.tokens),
		TokensB:           nonNil(xb.tokens),
		IsolationInvoked:  true,
		VocabularyVersion: g.vocab.Version(),
		CreatedAt:         g.now().UTC(),
	}

	var gateErr error
	result := types.AuditFailure
	switch {
	case !closed(g.vocab, rec.TokensA) || !closed(g.vocab, rec.TokensB):
		gateErr = outsideWhitelist(isolationActor)
		result = types.AuditDenied
	case xa.rejected > 0:
		gateErr = failure.Validation("partner A output contains labels outside the whitelist", nil)
	case xb.rejected > 0:
		gateErr = failure.Validation("partner B output contains labels outside the whitelist", nil)
	case len(rec.TokensA) == 0 || len(rec.TokensB) == 0:
		gateErr = ErrInsufficientContent
	default:
		rec.Succeeded = true
		result = types.AuditSuccess
	}

	event := audit.NewEvent(isolationActor, types.ActionIsolationGate, types.ResourceIsolationRec,
		rec.ID.String(), runID, result, map[string]any{
			"pair_id":            pairID,
			"source_a":           rec.SourceA.String(),
			"source_b":           rec.SourceB.String(),
			"tokens_a":           rec.TokensA,
			"tokens_b":           rec.TokensB,
			"rejected_a":         xa.rejected,
			"rejected_b":         xb.rejected,
			"isolation_invoked":  true,
			"succeeded":          rec.Succeeded,
			"vocabulary_version": rec.VocabularyVersion,
		})
	if err := g.sink.Record(ctx, event); err != nil {
		rec.Succeeded = false
		gateErr = auditFailed(err)
	}

	if gateErr != nil {
		return PairTokens{}, rec, gateErr
	}
	return PairTokens{
		a:                 freeze(rec.TokensA),
		b:                 freeze(rec.TokensB),
		vocabularyVersion: rec.VocabularyVersion,
	}, rec, nil
}
