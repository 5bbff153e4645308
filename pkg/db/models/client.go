package models

import (
	"time"

	"github.com/google/uuid"

	"chanpass/pkg/enums"
)

// Client is a tenant: the owner of a private channel whose platform
// subscription is itself paid through the same settlement pipeline.
type Client struct {
	ID          uuid.UUID                `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	Name        string                   `gorm:"column:name;not null"`
	ChatUserID  int64                    `gorm:"column:chat_user_id;not null"`
	ChannelID   int64                    `gorm:"column:channel_id;not null;unique"`
	Status      enums.SubscriptionStatus `gorm:"column:status;type:subscription_status_enum;not null;default:'pending'"`
	PlanID      *uuid.UUID               `gorm:"column:plan_id;type:uuid"`
	PeriodStart *time.Time               `gorm:"column:period_start"`
	PeriodEnd   *time.Time               `gorm:"column:period_end;index"`
	CreatedAt   time.Time                `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time                `gorm:"column:updated_at;autoUpdateTime"`
}
