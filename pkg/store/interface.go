// Package store defines the persistence boundary of the sync engine.
//
// The [Store] interface is the only way the rest of the system touches the
// relational database: session-scoped selects ordered by creation time,
// and row-level inserts, updates and deletes. Implementations live in
// subpackages; [gormstore] is the PostgreSQL implementation.
//
// All operations take a context. Writes are expected to be wrapped with a
// hard timeout (see [NewTimeoutStore]) so a hung network call can never
// block a caller indefinitely.
package store

import (
	"context"
	"errors"

	"github.com/gruporder/gruporder/pkg/models"
)

// ErrSessionNotFound is returned by writes that reference a session that
// does not exist. It is terminal: callers must surface it, never retry.
var ErrSessionNotFound = errors.New("session not found")

// ErrOrderNotFound is returned when an order update or delete references
// an unknown order.
var ErrOrderNotFound = errors.New("order not found")

type Store interface {
	// Migrate creates the schema if missing. Safe to run repeatedly.
	Migrate(ctx context.Context) error

	// CreateSession inserts a session together with its merchants.
	CreateSession(ctx context.Context, session *models.Session) error

	// GetSession returns the session with its merchants, or nil if no
	// such session exists.
	GetSession(ctx context.Context, id models.SessionID) (*models.Session, error)

	// UpdateMerchant replaces a merchant's name and cached menu payload.
	// This is the only mutation a session admits after creation.
	UpdateMerchant(ctx context.Context, merchant *models.Merchant) error

	// ListOrders returns all orders of a session with their items,
	// ordered by creation time ascending.
	ListOrders(ctx context.Context, sessionID models.SessionID) ([]models.Order, error)

	// CreateOrder inserts an order and its items. The stored total is
	// recomputed from the items, never trusted from the caller.
	CreateOrder(ctx context.Context, order *models.Order) error

	// UpdateOrder replaces the order's fields and its full item list.
	UpdateOrder(ctx context.Context, order *models.Order) error

	// DeleteOrder removes an order; items cascade.
	DeleteOrder(ctx context.Context, id models.OrderID) error

	// ListMessages returns all chat messages of a session, ordered by
	// creation time ascending.
	ListMessages(ctx context.Context, sessionID models.SessionID) ([]models.ChatMessage, error)

	// CreateMessage inserts a chat message. The ID is client-generated;
	// inserting the same ID twice is a conflict, not an upsert.
	CreateMessage(ctx context.Context, message *models.ChatMessage) error

	Close() error
}
