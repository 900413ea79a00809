package models

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// CBOR encodings for the typed IDs: the canonical string form, same as
// JSON. Required because the uuid field is unexported and would
// otherwise encode as an empty map on the wire.

func (s SessionID) MarshalCBOR() ([]byte, error)   { return cbor.Marshal(s.uuid.String()) }
func (s *SessionID) UnmarshalCBOR(d []byte) error  { return unmarshalUUIDCBOR(d, &s.uuid) }
func (m MerchantID) MarshalCBOR() ([]byte, error)  { return cbor.Marshal(m.uuid.String()) }
func (m *MerchantID) UnmarshalCBOR(d []byte) error { return unmarshalUUIDCBOR(d, &m.uuid) }
func (o OrderID) MarshalCBOR() ([]byte, error)     { return cbor.Marshal(o.uuid.String()) }
func (o *OrderID) UnmarshalCBOR(d []byte) error    { return unmarshalUUIDCBOR(d, &o.uuid) }
func (m MessageID) MarshalCBOR() ([]byte, error)   { return cbor.Marshal(m.uuid.String()) }
func (m *MessageID) UnmarshalCBOR(d []byte) error  { return unmarshalUUIDCBOR(d, &m.uuid) }

func unmarshalUUIDCBOR(data []byte, dst *uuid.UUID) error {
	var s string
	if err := cbor.Unmarshal(data, &s); err != nil {
		return err
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return err
	}
	*dst = id
	return nil
}
