package gguf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func u32le(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func u64le(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func strle(s string) []byte {
	var buf bytes.Buffer
	buf.Write(u64le(uint64(len(s))))
	buf.WriteString(s)
	return buf.Bytes()
}

func TestQuickScan_FourByteFileIsTruncated(t *testing.T) {
	buf := u32le(Magic)
	_, err := QuickScan(bytes.NewReader(buf))
	if !errors.Is(err, ErrTruncatedHeader) {
		t.Fatalf("want ErrTruncatedHeader, got %v", err)
	}
}

func TestQuickScan_InvalidMagic(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(u32le(0xDEADBEEF))
	buf.Write(u32le(3))
	buf.Write(u64le(0))
	buf.Write(u64le(0))
	_, err := QuickScan(&buf)
	if !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("want ErrInvalidMagic, got %v", err)
	}
}

func TestQuickScan_UnsupportedVersion(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(u32le(Magic))
	buf.Write(u32le(4))
	buf.Write(u64le(0))
	buf.Write(u64le(0))
	_, err := QuickScan(&buf)
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("want ErrUnsupportedVersion, got %v", err)
	}
}

func TestQuickScan_SimpleMetadata(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(u32le(Magic))
	buf.Write(u32le(3))
	buf.Write(u64le(1))  // tensor_count
	buf.Write(u64le(2))  // metadata_kv_count

	// general.architecture = "llama" (string)
	buf.Write(strle("general.architecture"))
	buf.Write(u32le(uint32(TypeString)))
	buf.Write(strle("llama"))

	// llama.context_length = 4096 (uint32)
	buf.Write(strle("llama.context_length"))
	buf.Write(u32le(uint32(TypeUint32)))
	buf.Write(u32le(4096))

	h, err := QuickScan(&buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.Truncated {
		t.Fatalf("did not expect truncation")
	}
	if len(h.Metadata) != 2 {
		t.Fatalf("want 2 metadata entries, got %d", len(h.Metadata))
	}

	info := ExtractInfo(h)
	if info.Architecture != "llama" {
		t.Errorf("want architecture llama, got %q", info.Architecture)
	}
	if info.ContextLength != 4096 {
		t.Errorf("want context length 4096, got %d", info.ContextLength)
	}
}

func TestQuickScan_TruncatedMetadataToleratesPartial(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(u32le(Magic))
	buf.Write(u32le(3))
	buf.Write(u64le(0))
	buf.Write(u64le(2)) // claims two entries but only one follows

	buf.Write(strle("general.name"))
	buf.Write(u32le(uint32(TypeString)))
	buf.Write(strle("test-model"))
	// second entry's key is cut off mid-length-prefix

	h, err := QuickScan(&buf)
	if err != nil {
		t.Fatalf("quick scan of a truncated file must not error, got %v", err)
	}
	if !h.Truncated {
		t.Fatalf("want Truncated=true")
	}
	if len(h.Metadata) != 1 {
		t.Fatalf("want 1 surviving metadata entry, got %d", len(h.Metadata))
	}
}

func TestQuickScan_OversizeArray(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(u32le(Magic))
	buf.Write(u32le(3))
	buf.Write(u64le(0))
	buf.Write(u64le(1))

	buf.Write(strle("tokenizer.ggml.tokens"))
	buf.Write(u32le(uint32(TypeArray)))
	buf.Write(u32le(uint32(TypeString))) // element type
	buf.Write(u64le(10_000_001))         // count exceeds bound

	_, err := QuickScan(&buf)
	if !errors.Is(err, ErrOversizeArray) {
		t.Fatalf("want ErrOversizeArray, got %v", err)
	}
}

func TestQuickScan_WindowLimitStopsEarly(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(u32le(Magic))
	buf.Write(u32le(3))
	buf.Write(u64le(0))
	buf.Write(u64le(1_000_000)) // claims far more than will fit in the window

	// Fill well past QuickScanLimit with valid small entries.
	entry := func(i int) []byte {
		var e bytes.Buffer
		e.Write(strle("k"))
		e.Write(u32le(uint32(TypeUint8)))
		e.WriteByte(byte(i))
		return e.Bytes()
	}
	for buf.Len() < QuickScanLimit+1024 {
		buf.Write(entry(buf.Len() % 256))
	}

	h, err := QuickScan(&buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !h.Truncated {
		t.Fatalf("want Truncated=true once the scan window is exceeded")
	}
	if uint64(len(h.Metadata)) >= 1_000_000 {
		t.Fatalf("scan must stop well short of the claimed count")
	}
}

func TestQuickScan_NestedArray(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(u32le(Magic))
	buf.Write(u32le(3))
	buf.Write(u64le(0))
	buf.Write(u64le(1))

	buf.Write(strle("tokenizer.ggml.merges"))
	buf.Write(u32le(uint32(TypeArray)))
	buf.Write(u32le(uint32(TypeString)))
	buf.Write(u64le(3))
	buf.Write(strle("a"))
	buf.Write(strle("b"))
	buf.Write(strle("c"))

	h, err := QuickScan(&buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, ok := h.Lookup("tokenizer.ggml.merges")
	if !ok {
		t.Fatalf("expected the array entry to be present")
	}
	if len(v.Arr) != 3 {
		t.Fatalf("want 3 array elements, got %d", len(v.Arr))
	}
	if s, _ := v.Arr[1].AsString(); s != "b" {
		t.Errorf("want second element %q, got %q", "b", s)
	}
}

func TestQuantizationName(t *testing.T) {
	cases := map[uint32]string{
		0:   "F32",
		15:  "Q4_K_M",
		32:  "BF16",
		999: "Unknown",
	}
	for ft, want := range cases {
		if got := QuantizationName(ft); got != want {
			t.Errorf("QuantizationName(%d) = %q, want %q", ft, got, want)
		}
	}
}
