package models

import (
	"time"

	"github.com/google/uuid"

	"chanpass/pkg/enums"
)

// AccessLogEntry is the append-only audit trail of channel-membership side
// effects. One row per grant or revoke, never updated or deleted.
type AccessLogEntry struct {
	ID          uuid.UUID             `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	SubscriberID uuid.UUID            `gorm:"column:subscriber_id;type:uuid;not null;index"`
	ChannelID   int64                 `gorm:"column:channel_id;not null"`
	Action      enums.AccessAction    `gorm:"column:action;type:access_action_enum;not null"`
	PerformedBy enums.AccessPerformer `gorm:"column:performed_by;type:access_performer_enum;not null"`
	Reason      string                `gorm:"column:reason"`
	CreatedAt   time.Time             `gorm:"column:created_at;autoCreateTime"`
}
