// Package wire is a small tag-length-value codec on top of the protobuf wire
// format. It is used for the durable encodings of checkpoints and session
// messages so that fields can be added without breaking stored data: decoders
// skip field numbers they do not know.
package wire

import (
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"google.golang.org/protobuf/encoding/protowire"
)

var ErrMalformed = errors.New("malformed wire data", j.C("ERR_6b0f7a2c1d5e4f30"))

// Encoder appends fields to a buffer. Zero values are omitted.
type Encoder struct {
	buf []byte
}

func (e *Encoder) Bytes() []byte {
	return e.buf
}

func (e *Encoder) Uint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}

	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, v)
}

func (e *Encoder) Int(num protowire.Number, v int64) {
	if v == 0 {
		return
	}

	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, protowire.EncodeZigZag(v))
}

func (e *Encoder) Bool(num protowire.Number, v bool) {
	if !v {
		return
	}

	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, protowire.EncodeBool(v))
}

func (e *Encoder) String(num protowire.Number, v string) {
	if v == "" {
		return
	}

	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendString(e.buf, v)
}

// BytesField writes v when it is non-nil. An empty but non-nil slice is written so
// that a present-but-empty payload survives a round trip.
func (e *Encoder) BytesField(num protowire.Number, v []byte) {
	if v == nil {
		return
	}

	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, v)
}

// Time is stored as nanoseconds since the unix epoch in UTC.
func (e *Encoder) Time(num protowire.Number, t time.Time) {
	if t.IsZero() {
		return
	}

	e.Int(num, t.UnixNano())
}

// Message writes a nested message produced by fn. Nested messages are always
// written, even when empty, so that repeated entries keep their position.
func (e *Encoder) Message(num protowire.Number, fn func(e *Encoder)) {
	var nested Encoder
	fn(&nested)

	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, nested.buf)
}

// Field is a single decoded field handed to the Decode callback.
type Field struct {
	typ   protowire.Type
	value uint64
	bytes []byte
}

func (f Field) Uint() uint64 {
	return f.value
}

func (f Field) Int() int64 {
	return protowire.DecodeZigZag(f.value)
}

func (f Field) Bool() bool {
	return protowire.DecodeBool(f.value)
}

func (f Field) String() string {
	return string(f.bytes)
}

// Bytes returns a copy of the field's bytes so the caller may retain it.
func (f Field) Bytes() []byte {
	out := make([]byte, len(f.bytes))
	copy(out, f.bytes)
	return out
}

func (f Field) Time() time.Time {
	return time.Unix(0, f.Int()).UTC()
}

// Decode walks the fields of b calling fn for every field with a varint or
// bytes wire type. Fields of other wire types are skipped.
func Decode(b []byte, fn func(num protowire.Number, f Field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(ErrMalformed, "tag", j.MKV{"reason": protowire.ParseError(n).Error()})
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return errors.Wrap(ErrMalformed, "varint", j.MKV{"field": int(num)})
			}
			b = b[n:]

			err := fn(num, Field{typ: typ, value: v})
			if err != nil {
				return err
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return errors.Wrap(ErrMalformed, "bytes", j.MKV{"field": int(num)})
			}
			b = b[n:]

			err := fn(num, Field{typ: typ, bytes: v})
			if err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return errors.Wrap(ErrMalformed, "unknown field", j.MKV{"field": int(num)})
			}
			b = b[n:]
		}
	}

	return nil
}
