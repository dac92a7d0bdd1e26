package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/jonathan/therapy-pipeline/internal/failure"
	"github.com/jonathan/therapy-pipeline/internal/types"
)

// RunEvent is the payload of status and complete frames. It is built from
// run metadata only.
type RunEvent struct {
	RunID           string             `json:"run_id"`
	Kind            types.PipelineKind `json:"kind"`
	Status          types.RunStatus    `json:"status"`
	CurrentStage    string             `json:"current_stage,omitempty"`
	StagesCompleted int                `json:"stages_completed"`
	ErrorKind       failure.Kind       `json:"error_kind,omitempty"`
	ErrorStage      string             `json:"error_stage,omitempty"`
}

func newRunEvent(run *types.PipelineRun) RunEvent {
	ev := RunEvent{
		RunID:        run.ID.String(),
		Kind:         run.Kind,
		Status:       run.Status,
		CurrentStage: run.CurrentStage,
	}
	for _, st := range run.Stages {
		if st.CompletedAt != nil {
			ev.StagesCompleted++
		}
	}
	if run.Error != nil {
		ev.ErrorKind = run.Error.Kind
		ev.ErrorStage = run.Error.Stage
	}
	return ev
}

// runEventStream writes one run's status changes as Server-Sent Events.
// Frame ids continue from the client's Last-Event-ID so a reconnecting
// client sees increasing ids.
type runEventStream struct {
	w         http.ResponseWriter
	flusher   http.Flusher
	seq       int
	last      RunEvent
	sent      bool
	lastWrite time.Time
	now       func() time.Time
}

func newRunEventStream(w http.ResponseWriter, r *http.Request) (*runEventStream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming not supported")
	}

	s := &runEventStream{w: w, flusher: flusher, now: time.Now}
	if n, err := strconv.Atoi(r.Header.Get("Last-Event-ID")); err == nil && n > 0 {
		s.seq = n
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	s.lastWrite = s.now()
	return s, nil
}

func (s *runEventStream) frame(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	s.seq++
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", s.seq, event, payload); err != nil {
		return err
	}
	s.flusher.Flush()
	s.lastWrite = s.now()
	return nil
}

// Status writes a status frame when the status or current stage differs from
// the last frame sent. It reports whether a frame was written.
func (s *runEventStream) Status(run *types.PipelineRun) (bool, error) {
	ev := newRunEvent(run)
	if s.sent && ev.Status == s.last.Status && ev.CurrentStage == s.last.CurrentStage {
		return false, nil
	}
	if err := s.frame("status", ev); err != nil {
		return false, err
	}
	s.last, s.sent = ev, true
	return true, nil
}

// Complete writes the terminal frame
func (s *runEventStream) Complete(run *types.PipelineRun) error {
	return s.frame("complete", newRunEvent(run))
}

// Fail writes an error frame carrying a client-safe message
func (s *runEventStream) Fail(message string) {
	s.frame("error", map[string]string{"error": message}) //nolint:errcheck
}

// KeepAlive writes a comment line when nothing was written for idle
func (s *runEventStream) KeepAlive(idle time.Duration) error {
	if s.now().Sub(s.lastWrite) < idle {
		return nil
	}
	if _, err := fmt.Fprint(s.w, ": keep-alive\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	s.lastWrite = s.now()
	return nil
}
