// Package audit records who changed what. Recording is best effort: a failed
// write is logged and never reaches the caller.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/klinik/clinic/internal/platform/auth"
)

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionStatus Action = "status"
)

// Change is the before and after value of one field.
type Change struct {
	Old interface{} `json:"old"`
	New interface{} `json:"new"`
}

type Entry struct {
	ID          uuid.UUID         `json:"id"`
	Actor       auth.Actor        `json:"actor"`
	Action      Action            `json:"action"`
	EntityType  string            `json:"entity_type"`
	EntityID    string            `json:"entity_id"`
	Description string            `json:"description"`
	Changes     map[string]Change `json:"changes,omitempty"`
	RecordedAt  time.Time         `json:"recorded_at"`
}

// Recorder persists entries.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// Trail is what services hold. A nil *Trail records nothing.
type Trail struct {
	recorder Recorder
	logger   zerolog.Logger
}

func NewTrail(recorder Recorder, logger zerolog.Logger) *Trail {
	return &Trail{recorder: recorder, logger: logger}
}

// Record stores e and swallows any failure after logging it.
func (t *Trail) Record(ctx context.Context, e Entry) {
	if t == nil || t.recorder == nil {
		return
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	if err := t.recorder.Record(ctx, e); err != nil {
		t.logger.Warn().Err(err).
			Str("entity_type", e.EntityType).
			Str("entity_id", e.EntityID).
			Str("action", string(e.Action)).
			Msg("audit record failed")
	}
}

// LogRecorder writes entries to the structured log only.
type LogRecorder struct {
	Logger zerolog.Logger
}

func (r LogRecorder) Record(_ context.Context, e Entry) error {
	r.Logger.Info().
		Str("actor", e.Actor.UserID.String()).
		Str("role", string(e.Actor.Role)).
		Str("action", string(e.Action)).
		Str("entity_type", e.EntityType).
		Str("entity_id", e.EntityID).
		Interface("changes", e.Changes).
		Msg(e.Description)
	return nil
}
