package gguf

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// countingReader wraps a reader and tracks bytes consumed so the quick
// scan can enforce the 8 MiB window.
type countingReader struct {
	r   *bufio.Reader
	pos int64
}

func (c *countingReader) readFull(buf []byte) error {
	n, err := io.ReadFull(c.r, buf)
	c.pos += int64(n)
	return err
}

func (c *countingReader) u8() (uint8, error) {
	b, err := c.r.ReadByte()
	if err != nil {
		return 0, err
	}
	c.pos++
	return b, nil
}

func (c *countingReader) u16() (uint16, error) {
	var buf [2]byte
	if err := c.readFull(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (c *countingReader) u32() (uint32, error) {
	var buf [4]byte
	if err := c.readFull(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (c *countingReader) u64() (uint64, error) {
	var buf [8]byte
	if err := c.readFull(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (c *countingReader) f32() (float32, error) {
	bits, err := c.u32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(bits), nil
}

func (c *countingReader) f64() (float64, error) {
	bits, err := c.u64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(bits), nil
}

func (c *countingReader) bool8() (bool, error) {
	b, err := c.u8()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

// readString reads a u64 length-prefixed UTF-8 string, rejecting lengths
// above the 1,000,000-byte bound.
func (c *countingReader) readString() (string, error) {
	n, err := c.u64()
	if err != nil {
		return "", err
	}
	if n > maxStringLen {
		return "", ErrOversizeString
	}
	buf := make([]byte, n)
	if err := c.readFull(buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// readValueType reads a u32 and validates it names a known ValueType.
func (c *countingReader) readValueType() (ValueType, error) {
	raw, err := c.u32()
	if err != nil {
		return 0, err
	}
	t := ValueType(raw)
	if !t.valid() {
		return 0, ErrInvalidValueType
	}
	return t, nil
}

// readValue decodes a single TypedValue of the given tag, recursing for
// arrays. Array element counts above the 10,000,000 bound are rejected.
func (c *countingReader) readValue(t ValueType) (Value, error) {
	v := Value{Type: t}
	switch t {
	case TypeUint8:
		x, err := c.u8()
		v.U8 = x
		return v, err
	case TypeInt8:
		x, err := c.u8()
		v.I8 = int8(x)
		return v, err
	case TypeUint16:
		x, err := c.u16()
		v.U16 = x
		return v, err
	case TypeInt16:
		x, err := c.u16()
		v.I16 = int16(x)
		return v, err
	case TypeUint32:
		x, err := c.u32()
		v.U32 = x
		return v, err
	case TypeInt32:
		x, err := c.u32()
		v.I32 = int32(x)
		return v, err
	case TypeUint64:
		x, err := c.u64()
		v.U64 = x
		return v, err
	case TypeInt64:
		x, err := c.u64()
		v.I64 = int64(x)
		return v, err
	case TypeFloat32:
		x, err := c.f32()
		v.F32 = x
		return v, err
	case TypeFloat64:
		x, err := c.f64()
		v.F64 = x
		return v, err
	case TypeBool:
		x, err := c.bool8()
		v.B = x
		return v, err
	case TypeString:
		s, err := c.readString()
		v.Str = s
		return v, err
	case TypeArray:
		elemType, err := c.readValueType()
		if err != nil {
			return v, err
		}
		count, err := c.u64()
		if err != nil {
			return v, err
		}
		if count > maxArrayLen {
			return v, ErrOversizeArray
		}
		v.ElemType = elemType
		v.Arr = make([]Value, 0, count)
		for i := uint64(0); i < count; i++ {
			elem, err := c.readValue(elemType)
			if err != nil {
				return v, err
			}
			v.Arr = append(v.Arr, elem)
		}
		return v, nil
	default:
		return v, ErrInvalidValueType
	}
}

// QuickScan reads the GGUF header and metadata from r, starting no new
// metadata entry once QuickScanLimit bytes have been consumed (an entry
// that starts before the limit is read whole). ErrInvalidMagic,
// ErrUnsupportedVersion, and ErrTruncatedHeader are returned when the
// fixed-size header itself cannot be decoded or is malformed.
// ErrInvalidValueType, ErrOversizeString and ErrOversizeArray are
// returned too, even mid-metadata-list, since a bad tag, string or array
// claiming to exceed the format's bounds indicates a malformed or
// adversarial file rather than a plain end-of-file. Running out of bytes
// partway through the metadata list is the only condition that surrenders
// the current entry, returning the partially-decoded Header with
// Truncated=true and a nil error.
func QuickScan(r io.Reader) (*Header, error) {
	c := &countingReader{r: bufio.NewReaderSize(r, 64*1024)}

	magic, err := c.u32()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncatedHeader, err)
	}
	if magic != Magic {
		return nil, ErrInvalidMagic
	}

	version, err := c.u32()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncatedHeader, err)
	}
	if version > MaxVersion {
		return nil, ErrUnsupportedVersion
	}

	tensorCount, err := c.u64()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncatedHeader, err)
	}
	kvCount, err := c.u64()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncatedHeader, err)
	}

	h := &Header{
		Version:         version,
		TensorCount:     tensorCount,
		MetadataKVCount: kvCount,
	}

	for i := uint64(0); i < kvCount; i++ {
		if c.pos >= QuickScanLimit {
			h.Truncated = true
			break
		}
		key, err := c.readString()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, err
			}
			h.Truncated = true
			break
		}
		tag, err := c.readValueType()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, err
			}
			h.Truncated = true
			break
		}
		value, err := c.readValue(tag)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, err
			}
			h.Truncated = true
			break
		}
		h.Metadata = append(h.Metadata, KV{Key: key, Value: value})
	}
	if uint64(len(h.Metadata)) < kvCount {
		h.Truncated = true
	}

	return h, nil
}
