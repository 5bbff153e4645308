package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"chanpass/pkg/enums"
)

// ActorRef identifies who caused the event. System-originated events (webhook
// settlements, cron sweeps) carry only the performer.
type ActorRef struct {
	Performer enums.AccessPerformer `json:"performer"`
	AdminID   *uuid.UUID            `json:"adminId,omitempty"`
}

// PayloadEnvelope is the stable payload structure stored in outbox_events.
type PayloadEnvelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Actor      *ActorRef       `json:"actor,omitempty"`
	Data       json.RawMessage `json:"data"`
}
