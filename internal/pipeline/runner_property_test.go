package pipeline

import (
	"context"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/jonathan/therapy-pipeline/internal/blob"
	"github.com/jonathan/therapy-pipeline/internal/failure"
	"github.com/jonathan/therapy-pipeline/internal/types"
)

func TestRunState_MonotonicProperty(t *testing.T) {
	h := newHarness(t, testConfig())

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	complete := []types.RunStatus{types.RunQueued, types.RunRunning, types.RunComplete}
	failed := []types.RunStatus{types.RunQueued, types.RunRunning, types.RunFailed}

	n := 0
	properties.Property("status only moves forward and ends terminal", prop.ForAll(
		func(upstreamFailures int, empty bool) bool {
			n++
			client := fmt.Sprintf("prop%d", n)
			h.putInput(t, blob.PreSessionKey(client), soloPreInput())

			h.inference.mu.Lock()
			h.inference.failures[types.TaskPreSessionAnalysis] = nil
			for i := 0; i < upstreamFailures; i++ {
				h.inference.failures[types.TaskPreSessionAnalysis] = append(
					h.inference.failures[types.TaskPreSessionAnalysis], failure.Upstream("model unavailable", nil))
			}
			h.inference.outputs[types.TaskPreSessionAnalysis] = preAnalysisJSON
			if empty {
				h.inference.outputs[types.TaskPreSessionAnalysis] = `{"labels":["nothing on the list"]}`
			}
			h.inference.mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			id, err := h.runner.Start(ctx, types.KindSoloPre, types.SubjectRef{ClientID: client})
			if err != nil {
				return false
			}
			run, err := h.runner.Wait(ctx, id)
			if err != nil {
				return false
			}

			wantFailed := upstreamFailures >= 3 || empty
			log := h.store.StatusLog(id)
			if wantFailed {
				return run.Status == types.RunFailed && slices.Equal(log, failed)
			}
			return run.Status == types.RunComplete && slices.Equal(log, complete)
		},
		gen.IntRange(0, 4),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
