package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jonathan/therapy-pipeline/internal/failure"
	"github.com/jonathan/therapy-pipeline/internal/types"
)

// Inference adapts a Client to the pipeline's inference collaborator
type Inference struct {
	client  Client
	prompts *PromptBuilder
	logger  *zap.Logger
}

// NewInference creates the collaborator
func NewInference(client Client, prompts *PromptBuilder, logger *zap.Logger) *Inference {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inference{client: client, prompts: prompts, logger: logger.Named("llm")}
}

// Infer renders the prompt, calls the model tier for the task and returns the
// JSON object it produced. Errors are classified for the retry policy.
func (i *Inference) Infer(ctx context.Context, p types.StructuredPrompt) (types.StructuredOutput, error) {
	text, err := i.prompts.Build(p)
	if err != nil {
		return nil, failure.New(failure.KindInternal, "failed to build prompt", err)
	}

	tier := TierFor(p.Task)
	start := time.Now()
	raw, err := i.client.GenerateJSON(ctx, text, tier)
	if err != nil {
		classified := Classify(err)
		i.logger.Warn("inference call failed",
			zap.String("task", p.Task),
			zap.String("tier", string(tier)),
			zap.String("error_kind", string(failure.KindOf(classified))),
			zap.Duration("elapsed", time.Since(start)))
		return nil, classified
	}
	i.logger.Debug("inference call complete",
		zap.String("task", p.Task),
		zap.String("tier", string(tier)),
		zap.Int("response_bytes", len(raw)),
		zap.Duration("elapsed", time.Since(start)))

	cleaned := CleanJSONBlock(raw)
	if !json.Valid([]byte(cleaned)) {
		return nil, failure.Validation("inference output is not valid JSON", nil)
	}
	return types.StructuredOutput(cleaned), nil
}

// Classify maps provider errors onto the failure taxonomy
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if failure.KindOf(err) != failure.KindInternal {
		return err
	}

	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return failure.Validation("inference output blocked by safety filters", err)
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return classifyHTTP(gerr.Code, err)
	}

	if s, ok := status.FromError(err); ok && s.Code() != codes.Unknown {
		return classifyGRPC(s.Code(), err)
	}

	return failure.Upstream("inference service error", err)
}

func classifyHTTP(code int, err error) error {
	switch {
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500:
		return failure.Upstream("inference service unavailable", err)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return failure.New(failure.KindInternal, "inference credentials rejected", err)
	default:
		return failure.Validation("inference request rejected", err)
	}
}

func classifyGRPC(code codes.Code, err error) error {
	switch code {
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		return failure.Validation("inference request rejected", err)
	case codes.Unauthenticated, codes.PermissionDenied:
		return failure.New(failure.KindInternal, "inference credentials rejected", err)
	case codes.DeadlineExceeded:
		return failure.Timeout("inference call timed out", err)
	case codes.Canceled:
		return failure.Cancelled("inference call cancelled", err)
	default:
		return failure.Upstream("inference service unavailable", err)
	}
}
