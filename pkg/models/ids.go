package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// SessionID is a typed ID for ordering sessions
type SessionID struct {
	uuid uuid.UUID
}

func NewSessionID() SessionID {
	return SessionID{uuid: uuid.New()}
}

func ParseSessionID(s string) (SessionID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return SessionID{}, fmt.Errorf("invalid session ID: %w", err)
	}
	return SessionID{uuid: id}, nil
}

func (s SessionID) UUID() uuid.UUID { return s.uuid }
func (s SessionID) String() string  { return s.uuid.String() }
func (s SessionID) IsZero() bool    { return s.uuid == uuid.Nil }

func (s SessionID) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.uuid.String())
}

func (s *SessionID) UnmarshalJSON(data []byte) error {
	return unmarshalUUIDJSON(data, &s.uuid)
}

func (s SessionID) Value() (driver.Value, error) {
	if s.IsZero() {
		return nil, nil
	}
	return s.uuid.String(), nil
}

func (s *SessionID) Scan(value any) error {
	return scanUUID(value, &s.uuid)
}

func (SessionID) GormDataType() string { return "uuid" }

// MerchantID is a typed ID for merchants
type MerchantID struct {
	uuid uuid.UUID
}

func NewMerchantID() MerchantID {
	return MerchantID{uuid: uuid.New()}
}

func ParseMerchantID(s string) (MerchantID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return MerchantID{}, fmt.Errorf("invalid merchant ID: %w", err)
	}
	return MerchantID{uuid: id}, nil
}

func (m MerchantID) UUID() uuid.UUID { return m.uuid }
func (m MerchantID) String() string  { return m.uuid.String() }
func (m MerchantID) IsZero() bool    { return m.uuid == uuid.Nil }

func (m MerchantID) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.uuid.String())
}

func (m *MerchantID) UnmarshalJSON(data []byte) error {
	return unmarshalUUIDJSON(data, &m.uuid)
}

func (m MerchantID) Value() (driver.Value, error) {
	if m.IsZero() {
		return nil, nil
	}
	return m.uuid.String(), nil
}

func (m *MerchantID) Scan(value any) error {
	return scanUUID(value, &m.uuid)
}

func (MerchantID) GormDataType() string { return "uuid" }

// OrderID is a typed ID for orders
type OrderID struct {
	uuid uuid.UUID
}

func NewOrderID() OrderID {
	return OrderID{uuid: uuid.New()}
}

func ParseOrderID(s string) (OrderID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return OrderID{}, fmt.Errorf("invalid order ID: %w", err)
	}
	return OrderID{uuid: id}, nil
}

func (o OrderID) UUID() uuid.UUID { return o.uuid }
func (o OrderID) String() string  { return o.uuid.String() }
func (o OrderID) IsZero() bool    { return o.uuid == uuid.Nil }

func (o OrderID) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.uuid.String())
}

func (o *OrderID) UnmarshalJSON(data []byte) error {
	return unmarshalUUIDJSON(data, &o.uuid)
}

func (o OrderID) Value() (driver.Value, error) {
	if o.IsZero() {
		return nil, nil
	}
	return o.uuid.String(), nil
}

func (o *OrderID) Scan(value any) error {
	return scanUUID(value, &o.uuid)
}

func (OrderID) GormDataType() string { return "uuid" }

// MessageID is a typed ID for chat messages. It doubles as the
// idempotency key: the client generates it before the write, and the
// change feed echo is matched back to the optimistic entity by it.
type MessageID struct {
	uuid uuid.UUID
}

func NewMessageID() MessageID {
	return MessageID{uuid: uuid.New()}
}

func ParseMessageID(s string) (MessageID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return MessageID{}, fmt.Errorf("invalid message ID: %w", err)
	}
	return MessageID{uuid: id}, nil
}

func (m MessageID) UUID() uuid.UUID { return m.uuid }
func (m MessageID) String() string  { return m.uuid.String() }
func (m MessageID) IsZero() bool    { return m.uuid == uuid.Nil }

func (m MessageID) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.uuid.String())
}

func (m *MessageID) UnmarshalJSON(data []byte) error {
	return unmarshalUUIDJSON(data, &m.uuid)
}

func (m MessageID) Value() (driver.Value, error) {
	if m.IsZero() {
		return nil, nil
	}
	return m.uuid.String(), nil
}

func (m *MessageID) Scan(value any) error {
	return scanUUID(value, &m.uuid)
}

func (MessageID) GormDataType() string { return "uuid" }

func unmarshalUUIDJSON(data []byte, dst *uuid.UUID) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return err
	}
	*dst = id
	return nil
}

func scanUUID(value any, dst *uuid.UUID) error {
	if value == nil {
		*dst = uuid.Nil
		return nil
	}
	switch v := value.(type) {
	case string:
		id, err := uuid.Parse(v)
		if err != nil {
			return err
		}
		*dst = id
	case []byte:
		id, err := uuid.Parse(string(v))
		if err != nil {
			return err
		}
		*dst = id
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
	return nil
}
