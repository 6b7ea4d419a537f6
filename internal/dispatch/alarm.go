package dispatch

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/sandboxops/lease-notify/internal/classify"
	"github.com/sandboxops/lease-notify/internal/domain"
	"github.com/sandboxops/lease-notify/internal/metrics"
	"github.com/sandboxops/lease-notify/internal/validation"
)

// Alarmer raises an immediate out-of-band alarm for Critical and Security
// failures. Raising is synchronous with the dispatch so these failures can
// never be dropped between "classified" and "seen by a human".
type Alarmer interface {
	Raise(ctx context.Context, ev domain.Event, kind classify.Kind, cause error)
}

// LogAlarmer reports through the highest log severity plus an alarm counter;
// the alerting pipeline picks both up.
type LogAlarmer struct {
	lg zerolog.Logger
}

func NewLogAlarmer(lg zerolog.Logger) *LogAlarmer {
	return &LogAlarmer{lg: lg.With().Str("component", "alarmer").Logger()}
}

func (a *LogAlarmer) Raise(_ context.Context, ev domain.Event, kind classify.Kind, cause error) {
	metrics.RecordAlarm(string(kind))
	a.lg.Error().
		Str("alarm", string(kind)).
		Str("event_id", validation.SanitizeID(string(ev.ID))).
		Str("event_type", string(ev.Type)).
		Str("source_account", validation.MaskAccount(ev.SourceAccount)).
		Err(cause).
		Msg("ALARM: immediate attention required")
}
