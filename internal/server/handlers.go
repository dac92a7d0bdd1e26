package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/therapy-pipeline/internal/types"
)

const maxRequestBody = 64 << 10

// TriggerRequest is the body of POST /runs
type TriggerRequest struct {
	Kind     string `json:"kind" validate:"required,oneof=solo_pre solo_post pair_merge"`
	ClientID string `json:"client_id,omitempty" validate:"omitempty,max=64"`
	PairID   string `json:"pair_id,omitempty" validate:"omitempty,max=64"`
}

// TriggerResponse is returned once a run is queued
type TriggerResponse struct {
	RunID  uuid.UUID         `json:"run_id"`
	Status types.RunStatus   `json:"status"`
	Links  map[string]string `json:"links"`
}

// StageRecordResponse exposes attempt metadata and content hashes only
type StageRecordResponse struct {
	Stage      string             `json:"stage"`
	Attempt    int                `json:"attempt_count"`
	Outcome    types.StageOutcome `json:"outcome"`
	DurationMs int64              `json:"duration_ms"`
	InputHash  string             `json:"input_hash,omitempty"`
	OutputHash string             `json:"output_hash,omitempty"`
	ErrorKind  string             `json:"error_kind,omitempty"`
	RecordedAt time.Time          `json:"recorded_at"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.failResponse(w, err)
		return
	}

	kind, err := types.ParsePipelineKind(req.Kind)
	if err != nil {
		s.failResponse(w, err)
		return
	}

	id, err := s.runs.Start(r.Context(), kind, types.SubjectRef{ClientID: req.ClientID, PairID: req.PairID})
	if err != nil {
		s.failResponse(w, err)
		return
	}

	base := "/runs/" + id.String()
	w.Header().Set("Location", base)
	s.jsonResponse(w, http.StatusAccepted, TriggerResponse{
		RunID:  id,
		Status: types.RunQueued,
		Links: map[string]string{
			"self":   base,
			"stages": base + "/stages",
			"events": base + "/events",
		},
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			s.failResponse(w, &ErrValidation{Field: "limit", Message: "must be an integer between 1 and 500"})
			return
		}
		limit = n
	}

	runs, err := s.runs.ListRuns(r.Context(), limit)
	if err != nil {
		s.failResponse(w, err)
		return
	}
	if runs == nil {
		runs = []types.PipelineRun{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := s.runID(w, r)
	if !ok {
		return
	}
	run, err := s.runs.GetStatus(r.Context(), id)
	if err != nil {
		s.failResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, run)
}

func (s *Server) handleListStages(w http.ResponseWriter, r *http.Request) {
	id, ok := s.runID(w, r)
	if !ok {
		return
	}
	records, err := s.runs.StageRecords(r.Context(), id)
	if err != nil {
		s.failResponse(w, err)
		return
	}

	out := make([]StageRecordResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, StageRecordResponse{
			Stage:      rec.Stage,
			Attempt:    rec.Attempt,
			Outcome:    rec.Outcome,
			DurationMs: rec.DurationMs,
			InputHash:  rec.InputHash,
			OutputHash: rec.OutputHash,
			ErrorKind:  rec.ErrorKind,
			RecordedAt: rec.RecordedAt,
		})
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"run_id": id,
		"stages": out,
	})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id, ok := s.runID(w, r)
	if !ok {
		return
	}
	if err := s.runs.Cancel(r.Context(), id); err != nil {
		s.failResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusAccepted, map[string]any{
		"run_id": id,
		"status": "cancelling",
	})
}

// handleRunEvents streams status changes of a run until it is terminal
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := s.runID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	run, err := s.runs.GetStatus(ctx, id)
	if err != nil {
		s.failResponse(w, err)
		return
	}

	stream, err := newRunEventStream(w, r)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := stream.Status(run); err != nil {
			s.logger.Debug("event stream closed", zap.String("run_id", id.String()), zap.Error(err))
			return
		}
		if run.Status.Terminal() {
			stream.Complete(run) //nolint:errcheck
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := stream.KeepAlive(s.cfg.KeepAlive); err != nil {
			return
		}

		next, err := s.runs.GetStatus(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			stream.Fail(errorMessage(err))
			return
		}
		run = next
	}
}

// runID parses the {id} path value, writing a 400 when malformed
func (s *Server) runID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.failResponse(w, &ErrValidation{Field: "id", Message: "invalid run id"})
		return uuid.Nil, false
	}
	return id, true
}

// decodeJSON reads a bounded JSON body into dst and validates its tags
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &ErrValidation{Field: "body", Message: "request body too large"}
		}
		return &ErrValidation{Field: "body", Message: "invalid JSON"}
	}

	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ErrValidation{Field: fieldName(fe), Message: fmt.Sprintf("failed '%s' validation", fe.Tag())}
		}
		return &ErrValidation{Field: "body", Message: "invalid request"}
	}
	return nil
}

// fieldName maps a struct field error to its JSON key
func fieldName(fe validator.FieldError) string {
	switch fe.StructField() {
	case "Kind":
		return "kind"
	case "ClientID":
		return "client_id"
	case "PairID":
		return "pair_id"
	default:
		return fe.Field()
	}
}
