package models

import (
	"time"

	"github.com/google/uuid"

	"chanpass/pkg/enums"
)

// Subscriber is an end user paying for access to a client's private channel.
// The subscription facet (status, plan, period) is mutated only by the state
// transition engine and the expiration sweep.
type Subscriber struct {
	ID          uuid.UUID                `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	ClientID    uuid.UUID                `gorm:"column:client_id;type:uuid;not null;index"`
	ChatUserID  int64                    `gorm:"column:chat_user_id;not null;index"`
	Username    string                   `gorm:"column:username"`
	Status      enums.SubscriptionStatus `gorm:"column:status;type:subscription_status_enum;not null;default:'pending'"`
	PlanID      *uuid.UUID               `gorm:"column:plan_id;type:uuid"`
	PeriodStart *time.Time               `gorm:"column:period_start"`
	PeriodEnd   *time.Time               `gorm:"column:period_end;index"`
	CreatedAt   time.Time                `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time                `gorm:"column:updated_at;autoUpdateTime"`
}
