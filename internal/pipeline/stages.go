package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/jonathan/therapy-pipeline/internal/blob"
	"github.com/jonathan/therapy-pipeline/internal/failure"
	"github.com/jonathan/therapy-pipeline/internal/gate"
	"github.com/jonathan/therapy-pipeline/internal/matching"
	"github.com/jonathan/therapy-pipeline/internal/pipeline/steps"
	"github.com/jonathan/therapy-pipeline/internal/schemas"
	"github.com/jonathan/therapy-pipeline/internal/types"
)

// runState is the in-memory working set of one run. Every field is written by
// exactly one stage and read only by stages in later groups, so the group
// barrier orders all access.
type runState struct {
	runID   uuid.UUID
	kind    types.PipelineKind
	subject types.SubjectRef

	input     types.SessionInput
	clinical  types.ClinicalOutput
	citations []types.Citation

	clientInput gate.ClientInput
	abstraction *types.AbstractionRecord
	client      types.ClientSynthesis

	extraction types.ClinicalOutput
	priorPlan  types.TreatmentPlan
	plan       types.TreatmentPlan

	link      types.PairLink
	partnerA  gate.PartnerOutput
	partnerB  gate.PartnerOutput
	pair      gate.PairTokens
	isolation *types.IsolationRecord
	match     matching.Result
	merge     types.MergeSynthesis
}

func newRunState(run *types.PipelineRun) *runState {
	return &runState{runID: run.ID, kind: run.Kind, subject: run.Subject}
}

func (r *Runner) stageFunc(st *runState, name string) StageFunc {
	switch name {
	case steps.FetchInput:
		return func(ctx context.Context) (StageResult, error) { return r.fetchInput(ctx, st) }
	case steps.ClinicalAnalysis:
		return func(ctx context.Context) (StageResult, error) { return r.clinicalAnalysis(ctx, st) }
	case steps.ResearchLookup:
		return func(ctx context.Context) (StageResult, error) { return r.researchLookup(ctx, st) }
	case steps.AbstractionGate:
		return func(ctx context.Context) (StageResult, error) { return r.abstractionGate(ctx, st) }
	case steps.ClientSynthesis:
		return func(ctx context.Context) (StageResult, error) {
			out, res, err := r.synthesizeClient(ctx, st.clientInput, st.citations)
			if err == nil {
				st.client = out
			}
			return res, err
		}
	case steps.Extraction:
		return func(ctx context.Context) (StageResult, error) { return r.extraction(ctx, st) }
	case steps.LoadPriorState:
		return func(ctx context.Context) (StageResult, error) { return r.loadPriorState(ctx, st) }
	case steps.PlanGeneration:
		return func(ctx context.Context) (StageResult, error) { return r.planGeneration(ctx, st) }
	case steps.ValidateLink:
		return func(ctx context.Context) (StageResult, error) { return r.validateLink(ctx, st) }
	case steps.PartnerAExtraction:
		return func(ctx context.Context) (StageResult, error) {
			return r.partnerExtraction(ctx, st.link.PartnerA, &st.partnerA)
		}
	case steps.PartnerBExtraction:
		return func(ctx context.Context) (StageResult, error) {
			return r.partnerExtraction(ctx, st.link.PartnerB, &st.partnerB)
		}
	case steps.IsolationGate:
		return func(ctx context.Context) (StageResult, error) { return r.isolationGate(ctx, st) }
	case steps.TopicMatch:
		return func(ctx context.Context) (StageResult, error) { return r.topicMatch(st) }
	case steps.MergeSynthesis:
		return func(ctx context.Context) (StageResult, error) {
			out, res, err := r.synthesizeMerge(ctx, st.pair, st.match)
			if err == nil {
				st.merge = out
			}
			return res, err
		}
	case steps.Persist:
		return func(ctx context.Context) (StageResult, error) { return r.persistOutputs(ctx, st) }
	default:
		panic(fmt.Sprintf("pipeline: no stage body for %q", name))
	}
}

// infer calls the inference collaborator, validates the output against the
// named schema and decodes it into out. Schema mismatches are not retried.
func (r *Runner) infer(ctx context.Context, prompt types.StructuredPrompt, schema string, out any) (StageResult, error) {
	res := StageResult{InputHash: types.ContentHash(prompt)}
	raw, err := r.deps.Inference.Infer(ctx, prompt)
	if err != nil {
		return res, err
	}
	res.OutputHash = types.ContentHash(raw)
	if err := schemas.Validate(schema, raw); err != nil {
		return res, failure.Validation(fmt.Sprintf("%s output failed schema validation", prompt.Task), err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return res, failure.Validation(fmt.Sprintf("%s output could not be decoded", prompt.Task), err)
	}
	return res, nil
}

func (r *Runner) readInput(ctx context.Context, key string) (types.SessionInput, []byte, error) {
	var in types.SessionInput
	data, err := r.deps.Blobs.Get(ctx, key)
	if err != nil {
		if failure.KindOf(err) == failure.KindNotFound {
			return in, nil, failure.Validation("session input not found", err)
		}
		return in, nil, err
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return in, nil, failure.Validation("session input is malformed", err)
	}
	if strings.TrimSpace(in.Transcript) == "" {
		return in, nil, failure.Validation("session input has no transcript", nil)
	}
	return in, data, nil
}

func (r *Runner) putJSON(ctx context.Context, key string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", failure.New(failure.KindInternal, "failed to encode output", err)
	}
	if err := r.deps.Blobs.Put(ctx, key, data); err != nil {
		return "", err
	}
	return types.ContentHash(data), nil
}

func (r *Runner) fetchInput(ctx context.Context, st *runState) (StageResult, error) {
	var key string
	switch st.kind {
	case types.KindSoloPre:
		key = blob.PreSessionKey(st.subject.ClientID)
	case types.KindSoloPost:
		key = blob.PostSessionKey(st.subject.ClientID)
	default:
		panic(fmt.Sprintf("pipeline: %s has no %s stage", st.kind, steps.FetchInput))
	}

	res := StageResult{InputHash: types.ContentHash(key)}
	in, data, err := r.readInput(ctx, key)
	if err != nil {
		return res, err
	}
	st.input = in
	res.OutputHash = types.ContentHash(data)
	return res, nil
}

func (r *Runner) clinicalAnalysis(ctx context.Context, st *runState) (StageResult, error) {
	prompt := types.StructuredPrompt{
		Role:   types.RoleClinical,
		Task:   types.TaskPreSessionAnalysis,
		Fields: map[string]any{"transcript": st.input.Transcript},
	}
	var out types.ClinicalOutput
	res, err := r.infer(ctx, prompt, schemas.ClinicalOutput, &out)
	if err != nil {
		return res, err
	}
	st.clinical = out
	return res, nil
}

func (r *Runner) researchLookup(ctx context.Context, st *runState) (StageResult, error) {
	query := strings.TrimSpace(st.input.ResearchQuery)
	res := StageResult{InputHash: types.ContentHash(query)}
	if query == "" {
		st.citations = nil
		res.OutputHash = types.ContentHash([]types.Citation{})
		return res, nil
	}
	citations, err := r.deps.Research.Search(ctx, query)
	if err != nil {
		return res, err
	}
	st.citations = citations
	res.OutputHash = types.ContentHash(citations)
	return res, nil
}

func (r *Runner) abstractionGate(ctx context.Context, st *runState) (StageResult, error) {
	res := StageResult{InputHash: types.ContentHash(st.clinical)}
	in, rec, err := r.abstraction.Abstract(ctx, st.runID, st.clinical)
	r.deps.Observer.GateInvocation("abstraction", gateResult(err))
	if errors.Is(err, gate.ErrAuditUnrecorded) {
		return res, err
	}
	if perr := r.deps.Store.InsertAbstractionRecord(ctx, &rec); perr != nil {
		return res, failure.New(failure.KindInternal, "failed to persist abstraction record", perr)
	}
	if err != nil {
		return res, err
	}
	st.clientInput = in
	st.abstraction = &rec
	res.OutputHash = types.ContentHash(in)
	return res, nil
}

// synthesizeClient is the only path to the client-facing agent. It accepts
// nothing derived from clinical output except the abstraction gate's result.
func (r *Runner) synthesizeClient(ctx context.Context, in gate.ClientInput, citations []types.Citation) (types.ClientSynthesis, StageResult, error) {
	var out types.ClientSynthesis
	if in.Empty() {
		return out, StageResult{}, failure.IsolationViolation("client synthesis reached without abstraction output", nil)
	}
	if citations == nil {
		citations = []types.Citation{}
	}
	prompt := types.StructuredPrompt{
		Role: types.RoleClient,
		Task: types.TaskClientSynthesis,
		Fields: map[string]any{
			"client_input": in,
			"citations":    citations,
		},
	}
	res, err := r.infer(ctx, prompt, schemas.ClientSynthesis, &out)
	return out, res, err
}

func (r *Runner) extraction(ctx context.Context, st *runState) (StageResult, error) {
	prompt := types.StructuredPrompt{
		Role:   types.RoleClinical,
		Task:   types.TaskPostSessionExtraction,
		Fields: map[string]any{"transcript": st.input.Transcript},
	}
	var out types.ClinicalOutput
	res, err := r.infer(ctx, prompt, schemas.ClinicalOutput, &out)
	if err != nil {
		return res, err
	}
	st.extraction = out
	return res, nil
}

func (r *Runner) loadPriorState(ctx context.Context, st *runState) (StageResult, error) {
	key := blob.PlanStateKey(st.subject.ClientID)
	res := StageResult{InputHash: types.ContentHash(key)}

	data, err := r.deps.Blobs.Get(ctx, key)
	if failure.KindOf(err) == failure.KindNotFound {
		st.priorPlan = types.TreatmentPlan{Goals: []string{}}
		res.OutputHash = types.ContentHash(st.priorPlan)
		return res, nil
	}
	if err != nil {
		return res, err
	}
	if err := schemas.Validate(schemas.TreatmentPlan, data); err != nil {
		return res, failure.Validation("stored treatment plan is malformed", err)
	}
	var plan types.TreatmentPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return res, failure.Validation("stored treatment plan is malformed", err)
	}
	st.priorPlan = plan
	res.OutputHash = types.ContentHash(data)
	return res, nil
}

func (r *Runner) planGeneration(ctx context.Context, st *runState) (StageResult, error) {
	prompt := types.StructuredPrompt{
		Role: types.RoleClinical,
		Task: types.TaskPlanGeneration,
		Fields: map[string]any{
			"extraction": st.extraction,
			"prior_plan": st.priorPlan,
		},
	}
	var plan types.TreatmentPlan
	res, err := r.infer(ctx, prompt, schemas.TreatmentPlan, &plan)
	if err != nil {
		return res, err
	}
	plan.Version = st.priorPlan.Version + 1
	st.plan = plan
	return res, nil
}

func (r *Runner) validateLink(ctx context.Context, st *runState) (StageResult, error) {
	res := StageResult{InputHash: types.ContentHash(st.subject.PairID)}
	link, err := r.deps.Store.GetPairLink(ctx, st.subject.PairID)
	if err != nil {
		return res, failure.Upstream("failed to load pair link", err)
	}
	switch {
	case link == nil:
		return res, failure.Validation("unknown pair link", nil)
	case !link.Active:
		return res, failure.Validation("pair link is inactive", nil)
	case link.PartnerA == link.PartnerB:
		return res, failure.Validation("pair link partners must differ", nil)
	}
	for _, id := range []string{link.PartnerA, link.PartnerB} {
		if err := (types.SubjectRef{ClientID: id}).ValidateFor(types.KindSoloPost); err != nil {
			return res, failure.Validation("pair link has a malformed partner id", err)
		}
	}
	st.link = *link
	res.OutputHash = types.ContentHash(link)
	return res, nil
}

// partnerExtraction reads one partner's session and writes only that
// partner's slot.
func (r *Runner) partnerExtraction(ctx context.Context, clientID string, slot *gate.PartnerOutput) (StageResult, error) {
	key := blob.PostSessionKey(clientID)
	in, _, err := r.readInput(ctx, key)
	if err != nil {
		return StageResult{InputHash: types.ContentHash(key)}, err
	}
	prompt := types.StructuredPrompt{
		Role:   types.RoleClinical,
		Task:   types.TaskPostSessionExtraction,
		Fields: map[string]any{"transcript": in.Transcript},
	}
	var out types.ClinicalOutput
	res, err := r.infer(ctx, prompt, schemas.ClinicalOutput, &out)
	if err != nil {
		return res, err
	}
	*slot = gate.PartnerOutput{SourceID: uuid.New(), Output: out}
	return res, nil
}

func (r *Runner) isolationGate(ctx context.Context, st *runState) (StageResult, error) {
	res := StageResult{InputHash: types.ContentHash([]uuid.UUID{st.partnerA.SourceID, st.partnerB.SourceID})}
	pair, rec, err := r.isolation.IsolateAndPair(ctx, st.runID, st.subject.PairID, st.partnerA, st.partnerB)
	r.deps.Observer.GateInvocation("isolation", gateResult(err))
	if errors.Is(err, gate.ErrAuditUnrecorded) {
		return res, err
	}
	if perr := r.deps.Store.InsertIsolationRecord(ctx, &rec); perr != nil {
		return res, failure.New(failure.KindInternal, "failed to persist isolation record", perr)
	}
	if err != nil {
		return res, err
	}
	st.pair = pair
	st.isolation = &rec
	res.OutputHash = types.ContentHash(pair)
	return res, nil
}

func (r *Runner) topicMatch(st *runState) (StageResult, error) {
	if st.isolation == nil || st.pair.Empty() {
		return StageResult{}, failure.IsolationViolation("topic match reached without isolation output", nil)
	}
	res := StageResult{InputHash: types.ContentHash(st.pair)}
	st.match = r.deps.Matcher.Match(st.pair.A().Tokens(), st.pair.B().Tokens())
	res.OutputHash = types.ContentHash(st.match)
	return res, nil
}

// synthesizeMerge is the only path to the merge agent. It accepts the
// isolation gate's pair and the match over it, nothing else.
func (r *Runner) synthesizeMerge(ctx context.Context, pair gate.PairTokens, match matching.Result) (types.MergeSynthesis, StageResult, error) {
	var out types.MergeSynthesis
	if pair.Empty() {
		return out, StageResult{}, failure.IsolationViolation("merge synthesis reached without isolation output", nil)
	}
	prompt := types.StructuredPrompt{
		Role: types.RoleMerge,
		Task: types.TaskMergeSynthesis,
		Fields: map[string]any{
			"pair_tokens": pair,
			"topic_match": match,
		},
	}
	res, err := r.infer(ctx, prompt, schemas.MergeSynthesis, &out)
	return out, res, err
}

func (r *Runner) persistOutputs(ctx context.Context, st *runState) (StageResult, error) {
	type artifact struct {
		key   string
		value any
	}
	var artifacts []artifact
	switch st.kind {
	case types.KindSoloPre:
		artifacts = []artifact{
			{blob.OutputKey(st.runID, "client_synthesis"), st.client},
		}
	case types.KindSoloPost:
		artifacts = []artifact{
			{blob.PlanStateKey(st.subject.ClientID), st.plan},
			{blob.OutputKey(st.runID, "treatment_plan"), st.plan},
		}
	case types.KindPairMerge:
		artifacts = []artifact{
			{blob.OutputKey(st.runID, "merge_synthesis"), st.merge},
			{blob.OutputKey(st.runID, "topic_match"), st.match},
		}
	default:
		panic(fmt.Sprintf("pipeline: unknown pipeline kind %q", st.kind))
	}

	keys := make([]string, 0, len(artifacts))
	hashes := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		h, err := r.putJSON(ctx, a.key, a.value)
		if err != nil {
			return StageResult{InputHash: types.ContentHash(keys)}, err
		}
		keys = append(keys, a.key)
		hashes = append(hashes, h)
	}
	return StageResult{InputHash: types.ContentHash(keys), OutputHash: types.ContentHash(hashes)}, nil
}

func gateResult(err error) string {
	switch {
	case err == nil:
		return "pass"
	case failure.Critical(err):
		return "violation"
	default:
		return "rejected"
	}
}
