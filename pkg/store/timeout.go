package store

import (
	"context"
	"errors"
	"time"

	"github.com/gruporder/gruporder/pkg/models"
)

// ErrWriteTimeout is returned when a write exceeds the configured hard
// timeout. Distinct from the optimistic-mutation deadline: this one fires
// on the network call itself.
var ErrWriteTimeout = errors.New("store write timed out")

// DefaultWriteTimeout bounds every store write issued through a
// TimeoutStore.
const DefaultWriteTimeout = 10 * time.Second

// TimeoutStore wraps a Store and bounds each write operation with a hard
// deadline, so a hung connection can never block the caller's UI path.
// Reads pass through untouched; callers bound those with their own
// contexts where needed.
type TimeoutStore struct {
	Store
	timeout time.Duration
}

// NewTimeoutStore wraps inner with a per-write deadline. A non-positive
// timeout falls back to DefaultWriteTimeout.
func NewTimeoutStore(inner Store, timeout time.Duration) *TimeoutStore {
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	return &TimeoutStore{Store: inner, timeout: timeout}
}

// Unwrap returns the underlying store
func (t *TimeoutStore) Unwrap() Store {
	return t.Store
}

func (t *TimeoutStore) write(ctx context.Context, op func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	err := op(ctx)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrWriteTimeout
	}
	return err
}

func (t *TimeoutStore) CreateSession(ctx context.Context, session *models.Session) error {
	return t.write(ctx, func(ctx context.Context) error {
		return t.Store.CreateSession(ctx, session)
	})
}

func (t *TimeoutStore) UpdateMerchant(ctx context.Context, merchant *models.Merchant) error {
	return t.write(ctx, func(ctx context.Context) error {
		return t.Store.UpdateMerchant(ctx, merchant)
	})
}

func (t *TimeoutStore) CreateOrder(ctx context.Context, order *models.Order) error {
	return t.write(ctx, func(ctx context.Context) error {
		return t.Store.CreateOrder(ctx, order)
	})
}

func (t *TimeoutStore) UpdateOrder(ctx context.Context, order *models.Order) error {
	return t.write(ctx, func(ctx context.Context) error {
		return t.Store.UpdateOrder(ctx, order)
	})
}

func (t *TimeoutStore) DeleteOrder(ctx context.Context, id models.OrderID) error {
	return t.write(ctx, func(ctx context.Context) error {
		return t.Store.DeleteOrder(ctx, id)
	})
}

func (t *TimeoutStore) CreateMessage(ctx context.Context, message *models.ChatMessage) error {
	return t.write(ctx, func(ctx context.Context) error {
		return t.Store.CreateMessage(ctx, message)
	})
}
