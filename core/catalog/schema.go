package catalog

import (
	"encoding/binary"
	"fmt"
	"strings"

	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// FieldType is the type of a column.
type FieldType uint8

const (
	FieldInt64 FieldType = iota + 1
	FieldString
)

// DefaultStringLength is the byte capacity of a string column that does not
// set one.
const DefaultStringLength = 128

func (t FieldType) String() string {
	switch t {
	case FieldInt64:
		return "INT"
	case FieldString:
		return "STRING"
	default:
		return fmt.Sprintf("FieldType(%d)", uint8(t))
	}
}

// ParseFieldType accepts the names printed by String, case-insensitively.
func ParseFieldType(s string) (FieldType, error) {
	switch strings.ToUpper(s) {
	case "INT", "INT64":
		return FieldInt64, nil
	case "STRING", "TEXT":
		return FieldString, nil
	}
	return 0, fmt.Errorf("unknown field type %q", s)
}

// Field is one column. Length is the byte capacity of a string column and is
// ignored for integers.
type Field struct {
	Name   string    `msgpack:"name"`
	Type   FieldType `msgpack:"type"`
	Length int       `msgpack:"length"`
}

// width is the number of bytes the field occupies in a record.
func (f Field) width() int {
	if f.Type == FieldString {
		return 4 + f.Length
	}
	return 8
}

// Schema describes the fixed-width rows of a table. It implements
// pagemanager.RecordCodec: an int64 is 8 big-endian bytes and a string is a
// 4-byte big-endian length followed by Length bytes, zero padded.
type Schema struct {
	Fields []Field `msgpack:"fields"`
}

var _ pagemanager.RecordCodec = (*Schema)(nil)

// NewSchema validates fields and fills in default string lengths.
func NewSchema(fields ...Field) (*Schema, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("schema must have at least one field")
	}
	seen := make(map[string]struct{}, len(fields))
	out := make([]Field, len(fields))
	for i, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("field %d has no name", i)
		}
		if _, dup := seen[f.Name]; dup {
			return nil, fmt.Errorf("duplicate field name %q", f.Name)
		}
		seen[f.Name] = struct{}{}
		switch f.Type {
		case FieldInt64:
			f.Length = 0
		case FieldString:
			if f.Length == 0 {
				f.Length = DefaultStringLength
			}
			if f.Length < 0 {
				return nil, fmt.Errorf("field %q has negative length %d", f.Name, f.Length)
			}
		default:
			return nil, fmt.Errorf("field %q has unknown type %d", f.Name, f.Type)
		}
		out[i] = f
	}
	return &Schema{Fields: out}, nil
}

// RecordSize is the sum of the field widths.
func (s *Schema) RecordSize() int {
	size := 0
	for _, f := range s.Fields {
		size += f.width()
	}
	return size
}

// FieldIndex returns the position of the named field, or -1.
func (s *Schema) FieldIndex(name string) int {
	for i, f := range s.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

func (s *Schema) String() string {
	parts := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		if f.Type == FieldString {
			parts[i] = fmt.Sprintf("%s %s(%d)", f.Name, f.Type, f.Length)
		} else {
			parts[i] = fmt.Sprintf("%s %s", f.Name, f.Type)
		}
	}
	return strings.Join(parts, ", ")
}

// Encode copies an already encoded row into a slot after checking that it
// decodes under this schema.
func (s *Schema) Encode(rec *pagemanager.Record, dst []byte) error {
	size := s.RecordSize()
	if rec == nil || len(rec.Data) != size {
		got := 0
		if rec != nil {
			got = len(rec.Data)
		}
		return fmt.Errorf("%w: record is %d bytes, schema needs %d", pagemanager.ErrSchemaMismatch, got, size)
	}
	if len(dst) < size {
		return fmt.Errorf("%w: destination is %d bytes, schema needs %d", pagemanager.ErrSchemaMismatch, len(dst), size)
	}
	if _, err := s.DecodeValues(rec.Data); err != nil {
		return err
	}
	copy(dst, rec.Data)
	return nil
}

// Decode parses one slot into a record.
func (s *Schema) Decode(src []byte) (*pagemanager.Record, error) {
	if _, err := s.DecodeValues(src); err != nil {
		return nil, err
	}
	data := make([]byte, len(src))
	copy(data, src)
	return &pagemanager.Record{Data: data}, nil
}

// EncodeValues builds a row from one value per field. Integers may be any Go
// integer type; strings must fit in the field's length.
func (s *Schema) EncodeValues(values ...any) ([]byte, error) {
	if len(values) != len(s.Fields) {
		return nil, fmt.Errorf("%w: got %d values for %d fields", pagemanager.ErrSchemaMismatch, len(values), len(s.Fields))
	}
	buf := make([]byte, s.RecordSize())
	off := 0
	for i, f := range s.Fields {
		switch f.Type {
		case FieldInt64:
			v, ok := toInt64(values[i])
			if !ok {
				return nil, fmt.Errorf("%w: field %q wants an integer, got %T", pagemanager.ErrSchemaMismatch, f.Name, values[i])
			}
			binary.BigEndian.PutUint64(buf[off:], uint64(v))
		case FieldString:
			v, ok := values[i].(string)
			if !ok {
				return nil, fmt.Errorf("%w: field %q wants a string, got %T", pagemanager.ErrSchemaMismatch, f.Name, values[i])
			}
			if len(v) > f.Length {
				return nil, fmt.Errorf("%w: field %q holds %d bytes, value has %d", pagemanager.ErrSchemaMismatch, f.Name, f.Length, len(v))
			}
			binary.BigEndian.PutUint32(buf[off:], uint32(len(v)))
			copy(buf[off+4:], v)
		}
		off += f.width()
	}
	return buf, nil
}

// DecodeValues is the inverse of EncodeValues. Integers come back as int64.
func (s *Schema) DecodeValues(data []byte) ([]any, error) {
	if len(data) != s.RecordSize() {
		return nil, fmt.Errorf("%w: row is %d bytes, schema needs %d", pagemanager.ErrSchemaMismatch, len(data), s.RecordSize())
	}
	out := make([]any, len(s.Fields))
	off := 0
	for i, f := range s.Fields {
		switch f.Type {
		case FieldInt64:
			out[i] = int64(binary.BigEndian.Uint64(data[off:]))
		case FieldString:
			n := int(binary.BigEndian.Uint32(data[off:]))
			if n > f.Length {
				return nil, fmt.Errorf("%w: field %q claims %d bytes, capacity %d", pagemanager.ErrSchemaMismatch, f.Name, n, f.Length)
			}
			out[i] = string(data[off+4 : off+4+n])
		}
		off += f.width()
	}
	return out, nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	}
	return 0, false
}
