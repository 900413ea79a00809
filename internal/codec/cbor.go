package codec

import (
	"io"

	"github.com/fxamacker/cbor/v2"
)

// CBOR implements Marshaler and Unmarshaler with canonical CBOR.
// It is the default wire codec for realtime frames: compact, schema-free,
// and unambiguous about binary payloads, unlike JSON.
type CBOR struct{}

var _ Marshaler = CBOR{}
var _ Unmarshaler = CBOR{}

func (CBOR) Marshal(v any) ([]byte, error) {
	return cbor.Marshal(v)
}

func (CBOR) NewEncoder(w io.Writer) Encoder {
	return cbor.NewEncoder(w)
}

func (CBOR) Unmarshal(data []byte, dst any) error {
	return cbor.Unmarshal(data, dst)
}

func (CBOR) NewDecoder(r io.Reader) Decoder {
	return cbor.NewDecoder(r)
}
