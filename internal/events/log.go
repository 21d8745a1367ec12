package events

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/prn-tf/sealstore/internal/domain"
)

// LogHandler writes every event to a zerolog logger. Error events are logged
// at warn level, or error level when they carry alert=true.
type LogHandler struct {
	logger zerolog.Logger
}

// NewLogHandler creates a LogHandler.
func NewLogHandler(logger zerolog.Logger) *LogHandler {
	return &LogHandler{logger: logger.With().Str("component", "event_log").Logger()}
}

// Handle implements Handler.
func (h *LogHandler) Handle(_ context.Context, event domain.StorageEvent) {
	var e *zerolog.Event
	switch {
	case event.IsFailure() && event.Metadata[domain.MetaAlert] == "true":
		e = h.logger.Error()
	case event.IsFailure():
		e = h.logger.Warn()
	default:
		e = h.logger.Debug()
	}

	e = e.Str("event_id", event.ID).
		Str("event_type", string(event.Type)).
		Str("object_id", event.ObjectID).
		Str("provider", string(event.Provider)).
		Str("region", event.Region)
	if event.Size != nil {
		e = e.Int64("size", *event.Size)
	}
	if event.Duration != nil {
		e = e.Dur("duration", *event.Duration)
	}
	if event.Error != "" {
		e = e.Str("error", event.Error)
	}
	if len(event.Metadata) > 0 {
		e = e.Interface("metadata", event.Metadata)
	}
	e.Msg("storage event")
}

var _ Handler = (*LogHandler)(nil)
