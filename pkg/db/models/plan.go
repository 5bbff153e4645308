package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Plan prices a fixed-duration access window. ClientID is nil for the
// platform plans clients pay on. Plans referenced by a confirmed transaction
// are treated as read-only.
type Plan struct {
	ID           uuid.UUID       `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	ClientID     *uuid.UUID      `gorm:"column:client_id;type:uuid;index"`
	Name         string          `gorm:"column:name;not null"`
	DurationDays int             `gorm:"column:duration_days;not null"`
	Price        decimal.Decimal `gorm:"column:price;type:numeric(18,8);not null"`
	Currency     string          `gorm:"column:currency;not null"`
	CreatedAt    time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

// Duration returns the plan length as a time.Duration.
func (p Plan) Duration() time.Duration {
	return time.Duration(p.DurationDays) * 24 * time.Hour
}
