package accounts

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"chanpass/pkg/db/models"
	"chanpass/pkg/enums"
)

// ErrNotFound is returned when no account row matches the lookup.
var ErrNotFound = errors.New("account record not found")

// Repository manages subscribers, clients, and plans.
type Repository interface {
	WithTx(tx *gorm.DB) Repository

	CreateSubscriber(ctx context.Context, subscriber *models.Subscriber) error
	FindSubscriberByID(ctx context.Context, id uuid.UUID) (*models.Subscriber, error)
	FindSubscriberByChatUser(ctx context.Context, clientID uuid.UUID, chatUserID int64) (*models.Subscriber, error)
	UpdateSubscriber(ctx context.Context, id uuid.UUID, updates map[string]any) error
	// ListExpiredSubscribers returns ACTIVE subscribers whose period ended
	// before now. The expiration sweep walks this list.
	ListExpiredSubscribers(ctx context.Context, now time.Time) ([]models.Subscriber, error)

	CreateClient(ctx context.Context, client *models.Client) error
	FindClientByID(ctx context.Context, id uuid.UUID) (*models.Client, error)
	FindClientByChannelID(ctx context.Context, channelID int64) (*models.Client, error)
	UpdateClient(ctx context.Context, id uuid.UUID, updates map[string]any) error
	ListExpiredClients(ctx context.Context, now time.Time) ([]models.Client, error)

	CreatePlan(ctx context.Context, plan *models.Plan) error
	FindPlanByID(ctx context.Context, id uuid.UUID) (*models.Plan, error)
	ListPlansByClient(ctx context.Context, clientID *uuid.UUID) ([]models.Plan, error)

	CreateAccessLogEntry(ctx context.Context, entry *models.AccessLogEntry) error
	ListAccessLog(ctx context.Context, subscriberID uuid.UUID, limit int) ([]models.AccessLogEntry, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns an accounts repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) CreateSubscriber(ctx context.Context, subscriber *models.Subscriber) error {
	if subscriber.ID == uuid.Nil {
		subscriber.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(subscriber).Error
}

func (r *repository) FindSubscriberByID(ctx context.Context, id uuid.UUID) (*models.Subscriber, error) {
	var subscriber models.Subscriber
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&subscriber).Error
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &subscriber, nil
}

func (r *repository) FindSubscriberByChatUser(ctx context.Context, clientID uuid.UUID, chatUserID int64) (*models.Subscriber, error) {
	var subscriber models.Subscriber
	err := r.db.WithContext(ctx).
		Where("client_id = ? AND chat_user_id = ?", clientID, chatUserID).
		First(&subscriber).Error
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &subscriber, nil
}

func (r *repository) UpdateSubscriber(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	return r.db.WithContext(ctx).
		Model(&models.Subscriber{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *repository) ListExpiredSubscribers(ctx context.Context, now time.Time) ([]models.Subscriber, error) {
	var rows []models.Subscriber
	err := r.db.WithContext(ctx).
		Where("status = ? AND period_end IS NOT NULL AND period_end < ?", enums.SubscriptionStatusActive, now).
		Order("period_end ASC").
		Find(&rows).Error
	return rows, err
}

func (r *repository) CreateClient(ctx context.Context, client *models.Client) error {
	if client.ID == uuid.Nil {
		client.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(client).Error
}

func (r *repository) FindClientByID(ctx context.Context, id uuid.UUID) (*models.Client, error) {
	var client models.Client
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&client).Error
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &client, nil
}

func (r *repository) FindClientByChannelID(ctx context.Context, channelID int64) (*models.Client, error) {
	var client models.Client
	err := r.db.WithContext(ctx).Where("channel_id = ?", channelID).First(&client).Error
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &client, nil
}

func (r *repository) UpdateClient(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	return r.db.WithContext(ctx).
		Model(&models.Client{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *repository) ListExpiredClients(ctx context.Context, now time.Time) ([]models.Client, error) {
	var rows []models.Client
	err := r.db.WithContext(ctx).
		Where("status = ? AND period_end IS NOT NULL AND period_end < ?", enums.SubscriptionStatusActive, now).
		Order("period_end ASC").
		Find(&rows).Error
	return rows, err
}

func (r *repository) CreatePlan(ctx context.Context, plan *models.Plan) error {
	if plan.ID == uuid.Nil {
		plan.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(plan).Error
}

func (r *repository) FindPlanByID(ctx context.Context, id uuid.UUID) (*models.Plan, error) {
	var plan models.Plan
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&plan).Error
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &plan, nil
}

func (r *repository) ListPlansByClient(ctx context.Context, clientID *uuid.UUID) ([]models.Plan, error) {
	query := r.db.WithContext(ctx).Model(&models.Plan{})
	if clientID == nil {
		query = query.Where("client_id IS NULL")
	} else {
		query = query.Where("client_id = ?", *clientID)
	}
	var rows []models.Plan
	err := query.Order("created_at ASC").Find(&rows).Error
	return rows, err
}

func (r *repository) CreateAccessLogEntry(ctx context.Context, entry *models.AccessLogEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *repository) ListAccessLog(ctx context.Context, subscriberID uuid.UUID, limit int) ([]models.AccessLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []models.AccessLogEntry
	err := r.db.WithContext(ctx).
		Where("subscriber_id = ?", subscriberID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func mapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
