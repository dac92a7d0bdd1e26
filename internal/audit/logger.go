package audit

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/therapy-pipeline/internal/failure"
	"github.com/jonathan/therapy-pipeline/internal/types"
)

// ZapMirror writes every event to a structured logger
type ZapMirror struct {
	logger *zap.Logger
}

// NewZapMirror creates a mirror under the "audit" logger
func NewZapMirror(logger *zap.Logger) *ZapMirror {
	return &ZapMirror{logger: logger.Named("audit")}
}

// Record implements Sink
func (m *ZapMirror) Record(_ context.Context, event types.AuditEvent) error {
	event = prepare(event)
	fields := []zap.Field{
		zap.String("event_id", event.ID.String()),
		zap.String("actor", event.Actor),
		zap.String("action", event.Action),
		zap.String("resource_type", event.ResourceType),
		zap.String("resource_id", event.ResourceID),
		zap.String("run_id", event.RunID.String()),
		zap.String("result", string(event.Result)),
	}
	if len(event.Details) > 0 {
		fields = append(fields, zap.Any("details", event.Details))
	}
	m.logger.Info("audit event", fields...)
	return nil
}

// Alert is raised for isolation violations and encryption failures
type Alert struct {
	Kind  failure.Kind
	RunID uuid.UUID
	Stage string
}

// Alerter receives critical boundary failures, separate from ordinary failure reporting
type Alerter interface {
	Alert(ctx context.Context, alert Alert)
}

// AlertCounter counts alerts by kind
type AlertCounter interface {
	SecurityAlert(kind string)
}

// LogAlerter reports alerts on the "security_alert" logger
type LogAlerter struct {
	logger  *zap.Logger
	counter AlertCounter
}

// NewLogAlerter creates the default alerter; counter may be nil
func NewLogAlerter(logger *zap.Logger, counter AlertCounter) *LogAlerter {
	return &LogAlerter{logger: logger.Named("security_alert"), counter: counter}
}

// Alert implements Alerter
func (a *LogAlerter) Alert(_ context.Context, alert Alert) {
	a.logger.Error("security alert",
		zap.String("kind", string(alert.Kind)),
		zap.String("run_id", alert.RunID.String()),
		zap.String("stage", alert.Stage))
	if a.counter != nil {
		a.counter.SecurityAlert(string(alert.Kind))
	}
}

// AlertRecorder collects alerts in memory for tests and the CLI
type AlertRecorder struct {
	alerts chan Alert
}

// NewAlertRecorder creates a recorder holding up to capacity alerts
func NewAlertRecorder(capacity int) *AlertRecorder {
	return &AlertRecorder{alerts: make(chan Alert, capacity)}
}

// Alert implements Alerter; alerts beyond capacity are discarded
func (r *AlertRecorder) Alert(_ context.Context, alert Alert) {
	select {
	case r.alerts <- alert:
	default:
	}
}

// Drain returns the alerts received so far
func (r *AlertRecorder) Drain() []Alert {
	var out []Alert
	for {
		select {
		case a := <-r.alerts:
			out = append(out, a)
		default:
			return out
		}
	}
}
