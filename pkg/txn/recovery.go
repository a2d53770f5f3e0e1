package txn

import (
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	recoveryRMField      protowire.Number = 1
	recoveryPayloadField protowire.Number = 2
)

// EncodeRecoveryInformation serializes the resource manager id and an opaque
// payload in protobuf wire format.
func EncodeRecoveryInformation(rmID uuid.UUID, payload []byte) []byte {
	var b []byte
	b = protowire.AppendTag(b, recoveryRMField, protowire.BytesType)
	b = protowire.AppendBytes(b, rmID[:])
	b = protowire.AppendTag(b, recoveryPayloadField, protowire.BytesType)
	b = protowire.AppendBytes(b, payload)
	return b
}

// DecodeRecoveryInformation parses bytes produced by EncodeRecoveryInformation.
// Unknown fields are skipped.
func DecodeRecoveryInformation(b []byte) (uuid.UUID, []byte, error) {
	var (
		rmID    uuid.UUID
		payload []byte
		seenRM  bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return uuid.Nil, nil, fmt.Errorf("invalid recovery information tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		if typ != protowire.BytesType || (num != recoveryRMField && num != recoveryPayloadField) {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return uuid.Nil, nil, fmt.Errorf("invalid recovery information field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return uuid.Nil, nil, fmt.Errorf("invalid recovery information field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case recoveryRMField:
			id, err := uuid.FromBytes(v)
			if err != nil {
				return uuid.Nil, nil, fmt.Errorf("invalid resource manager id: %w", err)
			}
			rmID, seenRM = id, true
		case recoveryPayloadField:
			payload = append([]byte(nil), v...)
		}
	}
	if !seenRM {
		return uuid.Nil, nil, fmt.Errorf("recovery information carries no resource manager id")
	}
	return rmID, payload, nil
}
