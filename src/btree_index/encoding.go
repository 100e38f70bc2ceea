package btreeindex

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Type tags ordering values of different kinds: null < bool < number <
// string. Within a tag the encoded bytes compare in value order.
const (
	tagNull   = 0x01
	tagFalse  = 0x02
	tagTrue   = 0x03
	tagNumber = 0x04
	tagString = 0x05
)

// EncodeFieldValue turns a document field value into an order-preserving
// byte key. Numeric types collapse to float64 so 1 and 1.0 index
// identically.
func EncodeFieldValue(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return []byte{tagNull}, nil
	case bool:
		if v {
			return []byte{tagTrue}, nil
		}
		return []byte{tagFalse}, nil
	case float64:
		return encodeNumber(v), nil
	case float32:
		return encodeNumber(float64(v)), nil
	case int:
		return encodeNumber(float64(v)), nil
	case int32:
		return encodeNumber(float64(v)), nil
	case int64:
		return encodeNumber(float64(v)), nil
	case string:
		buf := make([]byte, 0, len(v)+1)
		buf = append(buf, tagString)
		return append(buf, v...), nil
	default:
		return nil, fmt.Errorf("cannot index field value of type %T", value)
	}
}

// encodeNumber maps a float64 to 8 bytes whose lexicographic order matches
// numeric order: flip the sign bit for positives, flip everything for
// negatives.
func encodeNumber(f float64) []byte {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	buf := make([]byte, 9)
	buf[0] = tagNumber
	binary.BigEndian.PutUint64(buf[1:], bits)
	return buf
}
