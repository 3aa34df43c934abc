package catalog

import (
	"os"
	"path/filepath"
	"testing"
)

func writeMinimalGGUF(t *testing.T, path string) {
	t.Helper()
	// magic + version(3) + tensor_count(0) + kv_count(0), little-endian.
	buf := []byte{
		0x47, 0x47, 0x55, 0x46,
		0x03, 0x00, 0x00, 0x00,
		0, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0,
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestScan_SplitAndCompanionGrouping(t *testing.T) {
	dir := t.TempDir()
	names := []string{
		"m-00001-of-00002.gguf",
		"m-00002-of-00002.gguf",
		"m-mmproj-f16.gguf",
	}
	for _, n := range names {
		writeMinimalGGUF(t, filepath.Join(dir, n))
	}

	entries, err := Scan([]string{dir})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("want 1 catalog entry, got %d: %+v", len(entries), entries)
	}
	e := entries[0]
	if !e.IsSplit || len(e.SplitParts) != 2 {
		t.Errorf("want is_split with 2 parts, got is_split=%v parts=%v", e.IsSplit, e.SplitParts)
	}
	if e.CompanionPath == "" {
		t.Errorf("want a companion path attached")
	}
}

func TestDetectSplitBase(t *testing.T) {
	base, ok := detectSplitBase("llama3-8b-00001-of-00003.gguf")
	if !ok || base != "llama3-8b" {
		t.Errorf("want base llama3-8b, got %q ok=%v", base, ok)
	}
	_, ok = detectSplitBase("base.gguf")
	if ok {
		t.Errorf("base.gguf must not be detected as a split file")
	}
}

func TestGenerateID(t *testing.T) {
	got := GenerateID("/models/My Cool Model.gguf")
	want := "my-cool-model"
	if got != want {
		t.Errorf("GenerateID = %q, want %q", got, want)
	}
}

func TestScan_CaseSensitiveExtension(t *testing.T) {
	dir := t.TempDir()
	writeMinimalGGUF(t, filepath.Join(dir, "model.GGUF"))
	entries, err := Scan([]string{dir})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("want .GGUF (uppercase) to be skipped, got %d entries", len(entries))
	}
}

func TestScan_FailedHeaderIsNonFatal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.gguf")
	if err := os.WriteFile(path, []byte("not a gguf file"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	entries, err := Scan([]string{dir})
	if err != nil {
		t.Fatalf("scan must not error on a bad header: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("want 1 entry with minimal metadata, got %d", len(entries))
	}
	if entries[0].Name != "broken" {
		t.Errorf("want fallback name from file stem, got %q", entries[0].Name)
	}
}

func TestScan_DeterministicOrder(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"c.gguf", "a.gguf", "b.gguf"} {
		writeMinimalGGUF(t, filepath.Join(dir, n))
	}
	first, err := Scan([]string{dir})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := Scan([]string{dir})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(first) != 3 || len(second) != 3 {
		t.Fatalf("want 3 entries each scan")
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Errorf("scan order not stable at index %d: %q vs %q", i, first[i].ID, second[i].ID)
		}
	}
	if first[0].ID != "a" || first[1].ID != "b" || first[2].ID != "c" {
		t.Errorf("want lexicographic order a,b,c; got %v", []string{first[0].ID, first[1].ID, first[2].ID})
	}
}
