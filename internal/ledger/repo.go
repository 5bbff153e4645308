package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"chanpass/pkg/db/models"
	"chanpass/pkg/enums"
)

// ErrNotFound is returned when no transaction matches the lookup.
var ErrNotFound = errors.New("transaction not found")

// Repository manages persistence for the transaction ledger.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, transaction *models.Transaction) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	FindByInvoiceID(ctx context.Context, invoiceID string) (*models.Transaction, error)
	// FindByInvoiceIDForUpdate takes a row lock so concurrent settlements of
	// the same invoice serialize. Must run inside a transaction.
	FindByInvoiceIDForUpdate(ctx context.Context, invoiceID string) (*models.Transaction, error)
	Update(ctx context.Context, id uuid.UUID, updates map[string]any) error
	ListStuck(ctx context.Context, payeeKind enums.PayeeKind, cutoff time.Time) ([]models.Transaction, error)
	ListByPayee(ctx context.Context, payeeKind enums.PayeeKind, payeeID uuid.UUID, limit int) ([]models.Transaction, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a ledger repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, transaction *models.Transaction) error {
	if transaction.ID == uuid.Nil {
		transaction.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(transaction).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	var transaction models.Transaction
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&transaction).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &transaction, nil
}

func (r *repository) FindByInvoiceID(ctx context.Context, invoiceID string) (*models.Transaction, error) {
	var transaction models.Transaction
	err := r.db.WithContext(ctx).Where("invoice_id = ?", invoiceID).First(&transaction).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &transaction, nil
}

func (r *repository) FindByInvoiceIDForUpdate(ctx context.Context, invoiceID string) (*models.Transaction, error) {
	var transaction models.Transaction
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate}).
		Where("invoice_id = ?", invoiceID).
		First(&transaction).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &transaction, nil
}

func (r *repository) Update(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	return r.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// ListStuck returns non-terminal transactions older than cutoff for the
// reconciliation sweep.
func (r *repository) ListStuck(ctx context.Context, payeeKind enums.PayeeKind, cutoff time.Time) ([]models.Transaction, error) {
	var rows []models.Transaction
	err := r.db.WithContext(ctx).
		Where("payee_kind = ?", payeeKind).
		Where("status IN ?", []enums.PaymentStatus{
			enums.PaymentStatusPending,
			enums.PaymentStatusConfirming,
		}).
		Where("created_at < ?", cutoff).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}

func (r *repository) ListByPayee(ctx context.Context, payeeKind enums.PayeeKind, payeeID uuid.UUID, limit int) ([]models.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []models.Transaction
	err := r.db.WithContext(ctx).
		Where("payee_kind = ? AND payee_id = ?", payeeKind, payeeID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
