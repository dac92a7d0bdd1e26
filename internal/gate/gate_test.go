package gate

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"testing"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/therapy-pipeline/internal/audit"
	"github.com/jonathan/therapy-pipeline/internal/failure"
	"github.com/jonathan/therapy-pipeline/internal/types"
	"github.com/jonathan/therapy-pipeline/internal/vocabulary"
)

func newGates(t *testing.T) (*AbstractionGate, *IsolationGate, *audit.Log) {
	t.Helper()
	log := audit.NewLog()
	vocab := vocabulary.Default()
	return NewAbstractionGate(vocab, log), NewIsolationGate(vocab, log), log
}

func TestAbstract_SoloPreScenario(t *testing.T) {
	g, _, log := newGates(t)
	runID := uuid.New()

	out := types.ClinicalOutput{
		Labels:     []string{"attachment:anxious", "framework:gottman"},
		Summary:    "patient said X",
		Evidence:   []string{"patient said X"},
		Quotes:     []string{"patient said X"},
		RiskScores: map[string]float64{"self_harm": 0.2},
		RiskFlags:  []string{"passive ideation"},
	}

	in, rec, err := g.Abstract(context.Background(), runID, out)
	require.NoError(t, err)
	assert.Equal(t, []string{"attachment:anxious", "framework:gottman"}, in.Tokens())
	assert.False(t, rec.HadRejectedContent)
	assert.Equal(t, runID, rec.RunID)

	encoded, err := json.Marshal(in)
	require.NoError(t, err)
	assert.NotContains(t, string(encoded), "patient said X")
	assert.NotContains(t, string(encoded), "self_harm")
	assert.NotContains(t, string(encoded), "passive ideation")

	events := log.WithAction(types.ActionAbstractionGate)
	require.Len(t, events, 1)
	assert.Equal(t, rec.ID.String(), events[0].ResourceID)
	assert.Equal(t, false, events[0].Details["had_rejected_content"])
}

func TestAbstract_DropsRejectedLabels(t *testing.T) {
	g, _, log := newGates(t)

	in, rec, err := g.Abstract(context.Background(), uuid.New(), types.ClinicalOutput{
		Labels: []string{"theme:trust", "feels abandoned by mother", "theme:trust", "attachment:unheard-of"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"theme:trust"}, in.Tokens())
	assert.True(t, rec.HadRejectedContent)
	assert.Equal(t, 2, rec.RejectedCount)

	events := log.Events()
	require.Len(t, events, 1)
	assert.Equal(t, true, events[0].Details["had_rejected_content"])
	assert.NotContains(t, events[0].Details, audit.DetailsRedactedKey)
}

func TestAbstract_FailClosedOnEmpty(t *testing.T) {
	g, _, log := newGates(t)
	runID := uuid.New()

	in, rec, err := g.Abstract(context.Background(), runID, types.ClinicalOutput{
		Labels:   []string{"something vague"},
		Evidence: []string{"long free text"},
	})
	require.ErrorIs(t, err, ErrInsufficientContent)
	assert.Equal(t, failure.KindValidation, failure.KindOf(err))
	assert.True(t, in.Empty())
	assert.Empty(t, rec.Tokens)
	assert.NotNil(t, rec.Tokens)
	assert.True(t, rec.HadRejectedContent)

	events := log.ForRun(runID)
	require.Len(t, events, 1, "the empty path is still audited")
	assert.Equal(t, types.AuditFailure, events[0].Result)
}

type brokenSink struct{}

func (brokenSink) Record(context.Context, types.AuditEvent) error { return errors.New("disk full") }

func TestAbstract_AuditFailureFailsClosed(t *testing.T) {
	g := NewAbstractionGate(vocabulary.Default(), brokenSink{})
	in, _, err := g.Abstract(context.Background(), uuid.New(), types.ClinicalOutput{Labels: []string{"theme:trust"}})
	require.Error(t, err)
	assert.True(t, in.Empty())
	assert.NotContains(t, failure.SafeMessage(err), "disk full")
	assert.ErrorIs(t, err, ErrAuditUnrecorded)
}

func TestGates_AuditFailureOverridesGateOutcome(t *testing.T) {
	vocab := vocabulary.Default()
	ctx := context.Background()

	_, _, err := NewAbstractionGate(vocab, brokenSink{}).Abstract(ctx, uuid.New(), types.ClinicalOutput{Summary: "nothing to abstract"})
	assert.ErrorIs(t, err, ErrAuditUnrecorded, "empty extraction with a failed audit write")

	a := PartnerOutput{SourceID: uuid.New(), Output: types.ClinicalOutput{Labels: []string{"attachment:avoidant"}}}
	b := PartnerOutput{SourceID: uuid.New(), Output: types.ClinicalOutput{Labels: []string{"attachment:anxious"}}}
	pair, rec, err := NewIsolationGate(vocab, brokenSink{}).IsolateAndPair(ctx, uuid.New(), "pair-1", a, b)
	assert.ErrorIs(t, err, ErrAuditUnrecorded)
	assert.True(t, pair.Empty())
	assert.False(t, rec.Succeeded)
}

func TestIsolateAndPair_Scenario(t *testing.T) {
	_, g, log := newGates(t)
	runID := uuid.New()
	a := PartnerOutput{SourceID: uuid.New(), Output: types.ClinicalOutput{Labels: []string{"attachment:avoidant"}}}
	b := PartnerOutput{SourceID: uuid.New(), Output: types.ClinicalOutput{Labels: []string{"attachment:anxious"}}}

	pair, rec, err := g.IsolateAndPair(context.Background(), runID, "pair-1", a, b)
	require.NoError(t, err)
	assert.Equal(t, []string{"attachment:avoidant"}, pair.A().Tokens())
	assert.Equal(t, []string{"attachment:anxious"}, pair.B().Tokens())
	assert.True(t, rec.IsolationInvoked)
	assert.True(t, rec.Succeeded)
	assert.Equal(t, a.SourceID, rec.SourceA)
	assert.Equal(t, b.SourceID, rec.SourceB)

	events := log.WithAction(types.ActionIsolationGate)
	require.Len(t, events, 1)
	assert.Equal(t, rec.ID.String(), events[0].ResourceID)
	assert.Equal(t, types.AuditSuccess, events[0].Result)
}

func TestIsolateAndPair_FailsOnAnyRejection(t *testing.T) {
	_, g, log := newGates(t)

	tests := []struct {
		name string
		a, b []string
		want error
	}{
		{"A unmappable", []string{"theme:trust", "he shouts"}, []string{"theme:trust"}, failure.ErrValidation},
		{"B unmappable", []string{"theme:trust"}, []string{"attachment:clingy"}, failure.ErrValidation},
		{"B empty", []string{"theme:trust"}, nil, ErrInsufficientContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pair, rec, err := g.IsolateAndPair(context.Background(), uuid.New(), "pair-1",
				PartnerOutput{Output: types.ClinicalOutput{Labels: tt.a}},
				PartnerOutput{Output: types.ClinicalOutput{Labels: tt.b}})
			require.ErrorIs(t, err, tt.want)
			assert.True(t, pair.Empty())
			assert.True(t, rec.IsolationInvoked)
			assert.False(t, rec.Succeeded)
		})
	}
	assert.Len(t, log.WithAction(types.ActionIsolationGate), len(tests))
}

func TestIsolateAndPair_NoCrossover(t *testing.T) {
	_, g, _ := newGates(t)

	const sentinelA = "SENTINEL-ALPHA-7f3a"
	const sentinelB = "SENTINEL-BRAVO-19c2"

	a := types.ClinicalOutput{
		Labels:    []string{"theme:trust", "communication:criticism"},
		Summary:   sentinelA,
		Evidence:  []string{sentinelA + " evidence"},
		Quotes:    []string{"quote " + sentinelA},
		RiskFlags: []string{sentinelA},
	}
	b := types.ClinicalOutput{
		Labels:    []string{"theme:intimacy"},
		Summary:   sentinelB,
		Evidence:  []string{sentinelB},
		Quotes:    []string{sentinelB},
		RiskFlags: []string{sentinelB},
	}

	pair, rec, err := g.IsolateAndPair(context.Background(), uuid.New(), "pair-2",
		PartnerOutput{Output: a}, PartnerOutput{Output: b})
	require.NoError(t, err)

	encA, _ := json.Marshal(pair.A())
	encB, _ := json.Marshal(pair.B())
	assert.NotContains(t, string(encA), sentinelB)
	assert.NotContains(t, string(encB), sentinelA)
	assert.NotContains(t, string(encA), sentinelA)
	assert.NotContains(t, string(encB), sentinelB)
	assert.Equal(t, []string{"communication:criticism", "theme:trust"}, rec.TokensA)
	assert.Equal(t, []string{"theme:intimacy"}, rec.TokensB)
}

func TestTokenSetIsFrozen(t *testing.T) {
	src := []string{"theme:trust", "attachment:anxious", "theme:trust"}
	set := freeze(src)
	src[0] = "mutated"

	toks := set.Tokens()
	toks[0] = "mutated"
	assert.Equal(t, []string{"attachment:anxious", "theme:trust"}, set.Tokens())
	assert.True(t, set.Contains("theme:trust"))
	assert.False(t, set.Contains("mutated"))

	enc, err := json.Marshal(TokenSet{})
	require.NoError(t, err)
	assert.Equal(t, "[]", string(enc))
}

// labelGen mixes whitelist tokens, near misses and free text
func labelGen(vocab *vocabulary.Vocabulary) gopter.Gen {
	tokens := vocab.Tokens()
	return gen.OneGenOf(
		gen.IntRange(0, len(tokens)-1).Map(func(i int) string { return tokens[i] }),
		gen.IntRange(0, len(tokens)-1).Map(func(i int) string { return " " + tokens[i] + "x" }),
		gen.AlphaString(),
		gen.AnyString(),
	)
}

func clinicalGen(vocab *vocabulary.Vocabulary) gopter.Gen {
	return gopter.CombineGens(
		gen.SliceOf(labelGen(vocab)),
		gen.AnyString(),
		gen.SliceOf(gen.AnyString()),
	).Map(func(v []interface{}) types.ClinicalOutput {
		return types.ClinicalOutput{
			Labels:   v[0].([]string),
			Summary:  v[1].(string),
			Evidence: v[2].([]string),
		}
	})
}

func TestWhitelistClosure_Property(t *testing.T) {
	vocab := vocabulary.Default()
	ag := NewAbstractionGate(vocab, audit.Discard{})
	ig := NewIsolationGate(vocab, audit.Discard{})

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.MaxSize = 12
	properties := gopter.NewProperties(parameters)

	allMembers := func(toks []string) bool {
		for _, tok := range toks {
			if !vocab.Contains(tok) {
				return false
			}
		}
		return true
	}

	properties.Property("abstraction output is whitelist-only", prop.ForAll(
		func(out types.ClinicalOutput) bool {
			in, rec, err := ag.Abstract(context.Background(), uuid.New(), out)
			if !allMembers(rec.Tokens) || !allMembers(in.Tokens()) {
				return false
			}
			if err != nil {
				return in.Empty()
			}
			return !in.Empty()
		},
		clinicalGen(vocab),
	))

	properties.Property("isolation output is whitelist-only", prop.ForAll(
		func(a, b types.ClinicalOutput) bool {
			pair, rec, _ := ig.IsolateAndPair(context.Background(), uuid.New(), "p", PartnerOutput{Output: a}, PartnerOutput{Output: b})
			return allMembers(rec.TokensA) && allMembers(rec.TokensB) &&
				allMembers(pair.A().Tokens()) && allMembers(pair.B().Tokens())
		},
		clinicalGen(vocab),
		clinicalGen(vocab),
	))

	properties.Property("partner A tokens do not depend on partner B", prop.ForAll(
		func(a, b1, b2 types.ClinicalOutput) bool {
			_, r1, _ := ig.IsolateAndPair(context.Background(), uuid.New(), "p", PartnerOutput{Output: a}, PartnerOutput{Output: b1})
			_, r2, _ := ig.IsolateAndPair(context.Background(), uuid.New(), "p", PartnerOutput{Output: a}, PartnerOutput{Output: b2})
			return slices.Equal(r1.TokensA, r2.TokensA)
		},
		clinicalGen(vocab),
		clinicalGen(vocab),
		clinicalGen(vocab),
	))

	properties.TestingRun(t)
}
