// Package audit records administrative and pipeline events.
//
// The sink interface is narrow on purpose: the hosting application owns the
// real audit trail. The zerolog sink is the default for standalone runs.
package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Event is one auditable action.
type Event struct {
	Action  string         `json:"action"`
	Actor   string         `json:"actor,omitempty"`
	Success bool           `json:"success"`
	Detail  map[string]any `json:"detail,omitempty"`
	At      time.Time      `json:"at"`
}

// Sink receives audit events.
type Sink interface {
	Record(ctx context.Context, e Event)
}

// LogSink writes audit events to the structured log.
type LogSink struct{}

// Record logs the event.
func (LogSink) Record(_ context.Context, e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	log.Info().
		Str("audit_action", e.Action).
		Str("actor", e.Actor).
		Bool("success", e.Success).
		Interface("detail", e.Detail).
		Time("at", e.At).
		Msg("audit event")
}

var _ Sink = LogSink{}
