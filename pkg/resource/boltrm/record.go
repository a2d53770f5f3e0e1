package boltrm

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// writeValue is the value of a buffered write.
// Its format is as follows
// | user value (variable size) | delete flag (1 byte) |
//
// For a put the flag is 0. For a delete the flag is 1 and the user value is empty.
type writeValue []byte

func newPutValue(value []byte) writeValue {
	w := make(writeValue, len(value)+1)
	i := copy(w, value)
	w[i] = 0
	return w
}

func newDeleteValue() writeValue {
	return writeValue{1}
}

func (w writeValue) userValue() []byte {
	if len(w) > 1 {
		return []byte(w[:len(w)-1])
	}
	return []byte{}
}

func (w writeValue) isDelete() bool {
	return w[len(w)-1] == 1
}

const (
	recordInfoField  protowire.Number = 1
	recordWriteField protowire.Number = 2

	writeKeyField   protowire.Number = 1
	writeValueField protowire.Number = 2
)

// preparedRecord is what is forced to disk when a transaction prepares.
type preparedRecord struct {
	info   []byte
	writes map[string]writeValue
}

func (r *preparedRecord) encode() []byte {
	var b []byte
	b = protowire.AppendTag(b, recordInfoField, protowire.BytesType)
	b = protowire.AppendBytes(b, r.info)
	for k, v := range r.writes {
		var w []byte
		w = protowire.AppendTag(w, writeKeyField, protowire.BytesType)
		w = protowire.AppendBytes(w, []byte(k))
		w = protowire.AppendTag(w, writeValueField, protowire.BytesType)
		w = protowire.AppendBytes(w, v)

		b = protowire.AppendTag(b, recordWriteField, protowire.BytesType)
		b = protowire.AppendBytes(b, w)
	}
	return b
}

func decodePreparedRecord(b []byte) (*preparedRecord, error) {
	r := &preparedRecord{writes: make(map[string]writeValue)}
	err := consumeFields(b, func(num protowire.Number, v []byte) error {
		switch num {
		case recordInfoField:
			r.info = append([]byte(nil), v...)
		case recordWriteField:
			var key []byte
			var val writeValue
			if err := consumeFields(v, func(num protowire.Number, v []byte) error {
				switch num {
				case writeKeyField:
					key = append([]byte(nil), v...)
				case writeValueField:
					val = append(writeValue(nil), v...)
				}
				return nil
			}); err != nil {
				return err
			}
			if len(val) == 0 {
				return fmt.Errorf("write of key %q has no value", key)
			}
			r.writes[string(key)] = val
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid prepared record: %w", err)
	}
	return r, nil
}

// consumeFields calls fn for every length delimited field of b and skips the rest.
func consumeFields(b []byte, fn func(num protowire.Number, v []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := fn(num, v); err != nil {
			return err
		}
	}
	return nil
}
