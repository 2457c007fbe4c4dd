package boltstore

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/wolfeidau/nodestore/primary"
)

// Record field numbers. The id is the bucket key and is not repeated in the value.
const (
	fieldData            protowire.Number = 1
	fieldContentEncoding protowire.Number = 2
	fieldCreatedDay      protowire.Number = 3
)

// marshalRecord encodes an entry in protobuf wire format.
func marshalRecord(e *primary.Entry) []byte {
	b := make([]byte, 0, len(e.Data)+len(e.ContentEncoding)+24)
	b = protowire.AppendTag(b, fieldData, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Data)
	if e.ContentEncoding != "" {
		b = protowire.AppendTag(b, fieldContentEncoding, protowire.BytesType)
		b = protowire.AppendString(b, e.ContentEncoding)
	}
	b = protowire.AppendTag(b, fieldCreatedDay, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, uint64(e.CreatedDay.Unix())) //nolint:gosec // round-trips through int64 below
	return b
}

// unmarshalRecord decodes a record. The returned entry does not alias b,
// which is only valid for the life of the bbolt transaction.
func unmarshalRecord(id string, b []byte) (*primary.Entry, error) {
	e := &primary.Entry{ID: id}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("decoding record %s: %w", id, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldData && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			e.Data = append([]byte(nil), v...)
		case num == fieldContentEncoding && typ == protowire.BytesType:
			e.ContentEncoding, n = protowire.ConsumeString(b)
		case num == fieldCreatedDay && typ == protowire.Fixed64Type:
			var v uint64
			v, n = protowire.ConsumeFixed64(b)
			e.CreatedDay = time.Unix(int64(v), 0).UTC() //nolint:gosec // written from int64
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, fmt.Errorf("decoding record %s: %w", id, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return e, nil
}
