package ipn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chanpass/pkg/redis"
)

const idempotencyScope = "ipn"

// IdempotencyGuard sheds duplicate deliveries before they reach the
// settlement engine. The engine stays authoritative; the guard only saves it
// a row lock per retransmission.
type IdempotencyGuard struct {
	store redis.IdempotencyStore
	ttl   time.Duration
}

func NewIdempotencyGuard(store redis.IdempotencyStore, ttl time.Duration) (*IdempotencyGuard, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	return &IdempotencyGuard{store: store, ttl: ttl}, nil
}

// CheckAndMark claims the (invoice, status) pair. It reports true when the
// pair was already claimed by an earlier delivery.
func (g *IdempotencyGuard) CheckAndMark(ctx context.Context, invoiceID, status string) (bool, error) {
	if invoiceID == "" || status == "" {
		return false, errors.New("invoice id and status are required")
	}
	key := g.store.IdempotencyKey(idempotencyScope, fmt.Sprintf("%s:%s", invoiceID, status))
	set, err := g.store.SetNX(ctx, key, "1", g.ttl)
	if err != nil {
		return false, fmt.Errorf("set idempotency key: %w", err)
	}
	return !set, nil
}

// Release frees the claim so a failed delivery can be retried.
func (g *IdempotencyGuard) Release(ctx context.Context, invoiceID, status string) error {
	if invoiceID == "" || status == "" {
		return errors.New("invoice id and status are required")
	}
	key := g.store.IdempotencyKey(idempotencyScope, fmt.Sprintf("%s:%s", invoiceID, status))
	return g.store.Del(ctx, key)
}
