package pagemanager

import "fmt"

// RecordCodec converts records to and from their fixed-width slot bytes.
type RecordCodec interface {
	RecordSize() int
	Encode(rec *Record, dst []byte) error
	Decode(src []byte) (*Record, error)
}

// FixedWidthCodec stores record bytes verbatim in slots of Size bytes.
type FixedWidthCodec struct {
	Size int
}

func (c FixedWidthCodec) RecordSize() int { return c.Size }

func (c FixedWidthCodec) Encode(rec *Record, dst []byte) error {
	if rec == nil || len(rec.Data) != c.Size {
		got := 0
		if rec != nil {
			got = len(rec.Data)
		}
		return fmt.Errorf("%w: record is %d bytes, slot is %d", ErrSchemaMismatch, got, c.Size)
	}
	if len(dst) < c.Size {
		return fmt.Errorf("%w: destination is %d bytes, slot is %d", ErrSchemaMismatch, len(dst), c.Size)
	}
	copy(dst, rec.Data)
	return nil
}

func (c FixedWidthCodec) Decode(src []byte) (*Record, error) {
	if len(src) != c.Size {
		return nil, fmt.Errorf("%w: slot is %d bytes, expected %d", ErrSchemaMismatch, len(src), c.Size)
	}
	data := make([]byte, c.Size)
	copy(data, src)
	return &Record{Data: data}, nil
}
