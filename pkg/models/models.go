package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// JSONMap is a flexible key-value container stored as JSONB. It holds the
// raw merchant catalog payload, whose structure is owned by the external
// catalog provider and treated as opaque here.
type JSONMap map[string]any

// Value implements the driver.Valuer interface for database storage
func (j JSONMap) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface for database retrieval
func (j *JSONMap) Scan(value any) error {
	if value == nil {
		*j = make(map[string]any)
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		bytes = []byte(value.(string))
	}
	return json.Unmarshal(bytes, j)
}

// StringList is a []string stored as a JSON array column, used for
// chat message mentions.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

func (l *StringList) Scan(value any) error {
	if value == nil {
		*l = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		bytes = []byte(value.(string))
	}
	return json.Unmarshal(bytes, l)
}

// Session is one group-ordering session. Created once by the host and
// immutable afterwards except for merchant menu refreshes. Sessions are
// never deleted, only abandoned.
type Session struct {
	ID        SessionID  `gorm:"type:uuid;primary_key" json:"id"`
	Name      string     `gorm:"not null" json:"name"`
	Merchants []Merchant `gorm:"foreignKey:SessionID" json:"merchants,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// BeforeCreate hook to generate ID if not set
func (s *Session) BeforeCreate(tx *gorm.DB) error {
	if s.ID.IsZero() {
		s.ID = NewSessionID()
	}
	return nil
}

// Merchant is an external restaurant attached to a session. MenuData is
// the cached catalog payload, refreshed asynchronously and never edited
// by participants.
type Merchant struct {
	ID        MerchantID `gorm:"type:uuid;primary_key" json:"id"`
	SessionID SessionID  `gorm:"type:uuid;not null;index" json:"session_id"`
	Name      string     `gorm:"not null" json:"name"`
	Link      string     `gorm:"not null" json:"link"`
	MenuData  JSONMap    `gorm:"type:jsonb" json:"menu_data,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// BeforeCreate hook to generate ID if not set
func (m *Merchant) BeforeCreate(tx *gorm.DB) error {
	if m.ID.IsZero() {
		m.ID = NewMerchantID()
	}
	return nil
}

// MenuItem is a catalog entry parsed out of a merchant payload. Prices
// are whole currency units. Menu items are immutable once fetched; they
// are denormalized into order items rather than referenced.
type MenuItem struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Price       int        `json:"price"`
	Description string     `json:"description,omitempty"`
	Image       string     `json:"image,omitempty"`
	Category    string     `json:"category,omitempty"`
	MerchantID  MerchantID `json:"merchant_id"`
}

// Order is one participant's order within a session. Any participant may
// update or delete any order; there is deliberately no ownership check.
type Order struct {
	ID           OrderID     `gorm:"type:uuid;primary_key" json:"id"`
	SessionID    SessionID   `gorm:"type:uuid;not null;index" json:"session_id"`
	CustomerName string      `gorm:"not null" json:"customer_name"`
	Notes        string      `json:"notes,omitempty"`
	Total        int         `gorm:"not null" json:"total"`
	Items        []OrderItem `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE" json:"items"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// BeforeCreate hook to generate ID if not set
func (o *Order) BeforeCreate(tx *gorm.DB) error {
	if o.ID.IsZero() {
		o.ID = NewOrderID()
	}
	return nil
}

// ComputeTotal returns the sum of item price times quantity. The stored
// Total must always equal this at last write.
func (o *Order) ComputeTotal() int {
	total := 0
	for _, item := range o.Items {
		total += item.MenuItemPrice * item.Quantity
	}
	return total
}

// OrderItem is a denormalized line item: the menu item's name and price
// are copied in at order time so later catalog refreshes cannot change a
// placed order.
type OrderItem struct {
	ID                  uint       `gorm:"primary_key;autoIncrement" json:"-"`
	OrderID             OrderID    `gorm:"type:uuid;not null;index" json:"order_id"`
	MenuItemID          string     `gorm:"not null" json:"menu_item_id"`
	MenuItemName        string     `gorm:"not null" json:"menu_item_name"`
	MenuItemPrice       int        `gorm:"not null" json:"menu_item_price"`
	MenuItemDescription string     `json:"menu_item_description,omitempty"`
	MerchantID          MerchantID `gorm:"type:uuid" json:"merchant_id"`
	Quantity            int        `gorm:"not null" json:"quantity"`
}

// ChatMessage is immutable once accepted by the store. The ID is
// generated on the client before the insert and acts as the idempotency
// key for optimistic reconciliation. Optimistic is client-local state
// and is never persisted or sent on the wire.
type ChatMessage struct {
	ID         MessageID  `gorm:"type:uuid;primary_key" json:"id"`
	SessionID  SessionID  `gorm:"type:uuid;not null;index" json:"session_id"`
	SenderName string     `gorm:"not null" json:"sender_name"`
	Body       string     `gorm:"type:text;not null" json:"body"`
	Mentions   StringList `gorm:"type:jsonb" json:"mentions,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`

	Optimistic bool `gorm:"-" json:"-"`
}

// BeforeCreate hook to generate ID if not set
func (m *ChatMessage) BeforeCreate(tx *gorm.DB) error {
	if m.ID.IsZero() {
		m.ID = NewMessageID()
	}
	return nil
}

// TypingSignal is an ephemeral presence event. It only ever lives on the
// broadcast channel and in each client's presence set.
type TypingSignal struct {
	SenderName string    `json:"sender_name"`
	At         time.Time `json:"at"`
}
