// Package gormstore implements [store.Store] on PostgreSQL using GORM.
//
// The schema maps the session data model onto five tables: sessions,
// merchants, orders, order_items and chat_messages. Order items cascade
// on order deletion; updating an order replaces its full item list,
// matching the "last write observed wins" contract of the system.
package gormstore

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/gruporder/gruporder/pkg/models"
	"github.com/gruporder/gruporder/pkg/store"
)

// GormStore implements the Store interface using PostgreSQL with GORM.
type GormStore struct {
	db *gorm.DB
}

var _ store.Store = (*GormStore)(nil)

// New connects to PostgreSQL with the given DSN.
func New(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &GormStore{db: db}, nil
}

// FromDB wraps an existing gorm.DB. Used by tests that open their own
// connection (e.g. against sqlite or a transaction-scoped session).
func FromDB(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates missing tables, indexes and constraints. Safe to run
// repeatedly; it never drops existing data.
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&models.Session{},
		&models.Merchant{},
		&models.Order{},
		&models.OrderItem{},
		&models.ChatMessage{},
	)
}

// Close closes the database connection
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) CreateSession(ctx context.Context, session *models.Session) error {
	// Merchants ride along via the association; one transaction.
	return s.db.WithContext(ctx).Create(session).Error
}

func (s *GormStore) GetSession(ctx context.Context, id models.SessionID) (*models.Session, error) {
	var session models.Session
	err := s.db.WithContext(ctx).Preload("Merchants").First(&session, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &session, nil
}

func (s *GormStore) UpdateMerchant(ctx context.Context, merchant *models.Merchant) error {
	result := s.db.WithContext(ctx).Model(&models.Merchant{}).
		Where("id = ? AND session_id = ?", merchant.ID, merchant.SessionID).
		Updates(map[string]any{
			"name":      merchant.Name,
			"menu_data": merchant.MenuData,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return store.ErrSessionNotFound
	}
	return nil
}

func (s *GormStore) ListOrders(ctx context.Context, sessionID models.SessionID) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.WithContext(ctx).Preload("Items").
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

func (s *GormStore) CreateOrder(ctx context.Context, order *models.Order) error {
	if err := s.checkSession(ctx, order.SessionID); err != nil {
		return err
	}
	order.Total = order.ComputeTotal()
	return s.db.WithContext(ctx).Create(order).Error
}

// UpdateOrder replaces the order row and its full item list. The item
// replacement mirrors the original write path: delete all items, insert
// the new set, recompute the total.
func (s *GormStore) UpdateOrder(ctx context.Context, order *models.Order) error {
	order.Total = order.ComputeTotal()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Order{}).
			Where("id = ?", order.ID).
			Updates(map[string]any{
				"customer_name": order.CustomerName,
				"notes":         order.Notes,
				"total":         order.Total,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return store.ErrOrderNotFound
		}

		if err := tx.Where("order_id = ?", order.ID).Delete(&models.OrderItem{}).Error; err != nil {
			return err
		}
		for i := range order.Items {
			order.Items[i].ID = 0
			order.Items[i].OrderID = order.ID
		}
		if len(order.Items) == 0 {
			return nil
		}
		return tx.Create(&order.Items).Error
	})
}

func (s *GormStore) DeleteOrder(ctx context.Context, id models.OrderID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("order_id = ?", id).Delete(&models.OrderItem{}).Error; err != nil {
			return err
		}
		result := tx.Delete(&models.Order{}, "id = ?", id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return store.ErrOrderNotFound
		}
		return nil
	})
}

func (s *GormStore) ListMessages(ctx context.Context, sessionID models.SessionID) ([]models.ChatMessage, error) {
	var messages []models.ChatMessage
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *GormStore) CreateMessage(ctx context.Context, message *models.ChatMessage) error {
	if err := s.checkSession(ctx, message.SessionID); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(message).Error
}

func (s *GormStore) checkSession(ctx context.Context, id models.SessionID) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return store.ErrSessionNotFound
	}
	return nil
}
