package bus

import (
	"fmt"

	"github.com/ugorji/go/codec"
)

// Records cross the bus as msgpack frames; the struct tags on the record
// types in internal/model name the fields.
var msgpackHandle codec.MsgpackHandle

// Encode frames a record for publishing.
func Encode(v any) ([]byte, error) {
	var out []byte
	if err := codec.NewEncoderBytes(&out, &msgpackHandle).Encode(v); err != nil {
		return nil, fmt.Errorf("encode bus record: %w", err)
	}
	return out, nil
}

// Decode unframes a received payload into v.
func Decode(payload []byte, v any) error {
	if err := codec.NewDecoderBytes(payload, &msgpackHandle).Decode(v); err != nil {
		return fmt.Errorf("decode bus record: %w", err)
	}
	return nil
}
