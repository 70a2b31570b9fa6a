package metadata

import (
	"encoding/binary"
	"errors"
	"math"
	"sort"
)

var (
	ErrShortBuffer = errors.New("metadata: short buffer")
	ErrUnknownKind = errors.New("metadata: unknown value kind")
)

// MarshalBinary encodes the document in a compact binary format.
// Keys are written in sorted order so equal documents encode identically.
func (d Document) MarshalBinary() ([]byte, error) {
	return AppendDocument(nil, d)
}

// UnmarshalBinary decodes a document produced by MarshalBinary.
func (d *Document) UnmarshalBinary(data []byte) error {
	doc, rest, err := ReadDocument(data)
	if err != nil {
		return err
	}
	if len(rest) != 0 {
		return errors.New("metadata: trailing bytes")
	}
	*d = doc
	return nil
}

// AppendDocument appends the encoding of d to buf.
func AppendDocument(buf []byte, d Document) ([]byte, error) {
	buf = binary.AppendUvarint(buf, uint64(len(d)))
	if len(d) == 0 {
		return buf, nil
	}

	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		buf = binary.AppendUvarint(buf, uint64(len(k)))
		buf = append(buf, k...)

		var err error
		if buf, err = appendValue(buf, d[k]); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// ReadDocument decodes one document from data and returns the remaining bytes.
// An empty document decodes as nil.
func ReadDocument(data []byte) (Document, []byte, error) {
	count, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, nil, ErrShortBuffer
	}
	data = data[n:]
	if count == 0 {
		return nil, data, nil
	}
	if count > uint64(len(data)) {
		return nil, nil, ErrShortBuffer
	}

	d := make(Document, count)
	for range count {
		kLen, n := binary.Uvarint(data)
		if n <= 0 || uint64(len(data)-n) < kLen {
			return nil, nil, ErrShortBuffer
		}
		data = data[n:]
		key := string(data[:kLen])
		data = data[kLen:]

		val, rest, err := parseValue(data)
		if err != nil {
			return nil, nil, err
		}
		d[key] = val
		data = rest
	}
	return d, data, nil
}

func appendValue(buf []byte, v Value) ([]byte, error) {
	buf = append(buf, byte(v.Kind))

	switch v.Kind {
	case KindNull:
	case KindInt:
		buf = binary.AppendVarint(buf, v.I64)
	case KindFloat:
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v.F64))
	case KindString:
		buf = binary.AppendUvarint(buf, uint64(len(v.S)))
		buf = append(buf, v.S...)
	case KindBool:
		if v.B {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case KindArray:
		buf = binary.AppendUvarint(buf, uint64(len(v.A)))
		for _, item := range v.A {
			var err error
			if buf, err = appendValue(buf, item); err != nil {
				return nil, err
			}
		}
	default:
		return nil, ErrUnknownKind
	}
	return buf, nil
}

func parseValue(data []byte) (Value, []byte, error) {
	if len(data) == 0 {
		return Value{}, nil, ErrShortBuffer
	}
	v := Value{Kind: Kind(data[0])}
	data = data[1:]

	switch v.Kind {
	case KindNull:
	case KindInt:
		i, n := binary.Varint(data)
		if n <= 0 {
			return v, nil, ErrShortBuffer
		}
		v.I64 = i
		data = data[n:]
	case KindFloat:
		if len(data) < 8 {
			return v, nil, ErrShortBuffer
		}
		v.F64 = math.Float64frombits(binary.LittleEndian.Uint64(data))
		data = data[8:]
	case KindString:
		sLen, n := binary.Uvarint(data)
		if n <= 0 || uint64(len(data)-n) < sLen {
			return v, nil, ErrShortBuffer
		}
		data = data[n:]
		v.S = string(data[:sLen])
		data = data[sLen:]
	case KindBool:
		if len(data) == 0 {
			return v, nil, ErrShortBuffer
		}
		v.B = data[0] != 0
		data = data[1:]
	case KindArray:
		aLen, n := binary.Uvarint(data)
		if n <= 0 || aLen > uint64(len(data)) {
			return v, nil, ErrShortBuffer
		}
		data = data[n:]
		v.A = make([]Value, aLen)
		for i := range v.A {
			item, rest, err := parseValue(data)
			if err != nil {
				return v, nil, err
			}
			v.A[i] = item
			data = rest
		}
	default:
		return v, nil, ErrUnknownKind
	}
	return v, data, nil
}
