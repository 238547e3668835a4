// Package codec holds the body encodings of the document API (JSON) and the
// local cache (CBOR). Socket frames carry their own envelope in
// pkg/message.
package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/goccy/go-json"
)

type Encoder interface {
	Encode(v any) error
}

type Decoder interface {
	Decode(v any) error
}

type Marshaler interface {
	Marshal(v any) ([]byte, error)
	NewEncoder(w io.Writer) Encoder
}

type Unmarshaler interface {
	Unmarshal(data []byte, dst any) error
	NewDecoder(r io.Reader) Decoder
}

// Codec marshals and unmarshals with a single encoding.
type Codec interface {
	Marshaler
	Unmarshaler
}

// JSON is backed by goccy/go-json.
type JSON struct{}

var _ Codec = JSON{}

func (JSON) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSON) NewEncoder(w io.Writer) Encoder {
	return json.NewEncoder(w)
}

func (JSON) Unmarshal(data []byte, dst any) error {
	return json.Unmarshal(data, dst)
}

func (JSON) NewDecoder(r io.Reader) Decoder {
	return json.NewDecoder(r)
}

var mapStringAny = reflect.TypeOf(map[string]any(nil))

// CBOR is backed by fxamacker/cbor with RFC 3339 timestamps.
type CBOR struct {
	em cbor.EncMode
	dm cbor.DecMode
}

var _ Codec = (*CBOR)(nil)

func NewCBOR() *CBOR {
	em, err := cbor.EncOptions{
		Time:    cbor.TimeRFC3339Nano,
		TimeTag: cbor.EncTagRequired,
		Sort:    cbor.SortCanonical,
	}.EncMode()
	if err != nil {
		panic(err)
	}

	dm, err := cbor.DecOptions{
		TimeTagToAny:     cbor.TimeTagToTime,
		DefaultMapType:   mapStringAny,
		DupMapKey:        cbor.DupMapKeyQuiet,
		IntDec:           cbor.IntDecConvertNone,
		MaxNestedLevels:  64,
		MaxArrayElements: 131072,
	}.DecMode()
	if err != nil {
		panic(err)
	}

	return &CBOR{em: em, dm: dm}
}

func (c *CBOR) Marshal(v any) ([]byte, error) {
	return c.em.Marshal(v)
}

func (c *CBOR) NewEncoder(w io.Writer) Encoder {
	return c.em.NewEncoder(w)
}

func (c *CBOR) Unmarshal(data []byte, dst any) error {
	return c.dm.Unmarshal(data, dst)
}

func (c *CBOR) NewDecoder(r io.Reader) Decoder {
	return c.dm.NewDecoder(r)
}
