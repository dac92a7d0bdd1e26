package gate

import (
	"errors"

	"github.com/jonathan/therapy-pipeline/internal/failure"
)

// ErrInsufficientContent is returned when no whitelist token survives extraction.
// The gate never substitutes generic content.
var ErrInsufficientContent = failure.Validation("insufficient abstractable content", nil)

func outsideWhitelist(gateName string) error {
	return failure.IsolationViolation(gateName+" produced a token outside the whitelist", nil)
}

// ErrAuditUnrecorded is matched by errors.Is when the gate's audit event could
// not be written. Callers must not persist the gate record in that case.
var ErrAuditUnrecorded = errors.New("gate audit event not recorded")

func auditFailed(cause error) error {
	return failure.New(failure.KindInternal, "failed to record gate audit event", errors.Join(ErrAuditUnrecorded, cause))
}
