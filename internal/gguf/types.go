// Package gguf decodes the GGUF model-container header and its typed
// key-value metadata into a bounded in-memory record.
package gguf

import "fmt"

// Magic is the little-endian magic word that must prefix every GGUF file.
const Magic uint32 = 0x47475546

// MaxVersion is the highest header version this reader accepts.
const MaxVersion uint32 = 3

// QuickScanLimit bounds how much of a file the quick scan will read.
// Must cover tokenizer vocab arrays (observed at ~151K entries).
const QuickScanLimit = 8 * 1024 * 1024

const (
	maxStringLen = 1_000_000
	maxArrayLen  = 10_000_000
)

// ValueType is the tag of a TypedValue.
type ValueType uint32

const (
	TypeUint8 ValueType = iota
	TypeInt8
	TypeUint16
	TypeInt16
	TypeUint32
	TypeInt32
	TypeFloat32
	TypeBool
	TypeString
	TypeArray
	TypeUint64
	TypeInt64
	TypeFloat64
)

func (t ValueType) valid() bool {
	return t <= TypeFloat64
}

func (t ValueType) String() string {
	switch t {
	case TypeUint8:
		return "uint8"
	case TypeInt8:
		return "int8"
	case TypeUint16:
		return "uint16"
	case TypeInt16:
		return "int16"
	case TypeUint32:
		return "uint32"
	case TypeInt32:
		return "int32"
	case TypeFloat32:
		return "float32"
	case TypeBool:
		return "bool"
	case TypeString:
		return "string"
	case TypeArray:
		return "array"
	case TypeUint64:
		return "uint64"
	case TypeInt64:
		return "int64"
	case TypeFloat64:
		return "float64"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(t))
	}
}

// Value is a decoded TypedValue. Exactly one of the typed fields is
// populated according to Type; Array holds nested Values when
// Type == TypeArray, all sharing ElemType.
type Value struct {
	Type     ValueType
	ElemType ValueType // only meaningful when Type == TypeArray

	U8  uint8
	I8  int8
	U16 uint16
	I16 int16
	U32 uint32
	I32 int32
	U64 uint64
	I64 int64
	F32 float32
	F64 float64
	B   bool
	Str string
	Arr []Value
}

// AsUint32 returns the value as a uint32 when the underlying type is an
// unsigned or signed integer type that fits, else ok is false.
func (v Value) AsUint32() (uint32, bool) {
	switch v.Type {
	case TypeUint8:
		return uint32(v.U8), true
	case TypeUint16:
		return uint32(v.U16), true
	case TypeUint32:
		return v.U32, true
	case TypeInt8:
		return uint32(v.I8), true
	case TypeInt16:
		return uint32(v.I16), true
	case TypeInt32:
		return uint32(v.I32), true
	default:
		return 0, false
	}
}

// AsUint64 returns the value as a uint64 for any integer type.
func (v Value) AsUint64() (uint64, bool) {
	switch v.Type {
	case TypeUint8:
		return uint64(v.U8), true
	case TypeUint16:
		return uint64(v.U16), true
	case TypeUint32:
		return uint64(v.U32), true
	case TypeUint64:
		return v.U64, true
	case TypeInt8:
		return uint64(v.I8), true
	case TypeInt16:
		return uint64(v.I16), true
	case TypeInt32:
		return uint64(v.I32), true
	case TypeInt64:
		return uint64(v.I64), true
	default:
		return 0, false
	}
}

// AsString returns the value as a string when Type == TypeString.
func (v Value) AsString() (string, bool) {
	if v.Type != TypeString {
		return "", false
	}
	return v.Str, true
}

// AsFloat32 returns the value as a float32 for either float width.
func (v Value) AsFloat32() (float32, bool) {
	switch v.Type {
	case TypeFloat32:
		return v.F32, true
	case TypeFloat64:
		return float32(v.F64), true
	default:
		return 0, false
	}
}

// KV is one (key, value) entry in header metadata, in file order.
type KV struct {
	Key   string
	Value Value
}

// Header is the decoded ModelFileHeader plus raw metadata entries.
type Header struct {
	Version          uint32
	TensorCount      uint64
	MetadataKVCount  uint64
	Metadata         []KV
	Truncated        bool // true when the scan window or a short read cut metadata short
}

// Lookup returns the first KV value for key, if present.
func (h *Header) Lookup(key string) (Value, bool) {
	for _, kv := range h.Metadata {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return Value{}, false
}
