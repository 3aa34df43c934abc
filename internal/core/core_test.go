package core

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"

	"github.com/oaklatch/llamadash/internal/decoder"
	"github.com/oaklatch/llamadash/internal/decoder/mockdecoder"
	"github.com/oaklatch/llamadash/internal/events"
	"github.com/oaklatch/llamadash/internal/generate"
)

func writeMinimalGGUF(t *testing.T, path string) {
	t.Helper()
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

func TestCore_ScanLoadGenerateUnload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tiny-model.gguf")
	writeMinimalGGUF(t, path)

	backend := mockdecoder.New(mockdecoder.DefaultConfig())
	c := New(backend, Config{MaxModels: 4}, nil, logr.Discard())

	entries, err := c.ScanDirectories([]string{dir})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "tiny-model" {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	hdr, err := c.QuickScan(path)
	if err != nil {
		t.Fatalf("quick scan: %v", err)
	}
	if hdr.Version != 3 {
		t.Fatalf("want version 3, got %d", hdr.Version)
	}

	ref, err := c.LoadModel(path, "tiny-model", decoder.ModelParams{}, decoder.ContextParams{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer ref.Release()

	if !c.IsLoaded("tiny-model") {
		t.Fatal("want slot loaded")
	}

	ch := c.Generate(context.Background(), "tiny-model", generate.Request{
		Tokens:    []decoder.Token{10, 11},
		MaxTokens: 10,
		Sampling:  generate.DefaultSamplingParams(),
	})
	var got []events.GenerateEvent
	for ev := range ch {
		got = append(got, ev)
	}
	if len(got) != 4 {
		t.Fatalf("want 4 events, got %d: %+v", len(got), got)
	}

	info := c.SlotInfo()
	if len(info) != 1 || info[0].ID != "tiny-model" {
		t.Fatalf("unexpected slot info: %+v", info)
	}

	if !c.UnloadModel("tiny-model") {
		t.Fatal("want unload to succeed")
	}
	if c.IsLoaded("tiny-model") {
		t.Fatal("want slot no longer loaded")
	}
}

func TestCore_LoadModelRegistersParentDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tiny-model.gguf")
	writeMinimalGGUF(t, path)

	backend := mockdecoder.New(mockdecoder.DefaultConfig())
	c := New(backend, Config{MaxModels: 4}, nil, logr.Discard())

	if roots := c.ScanRoots(); len(roots) != 0 {
		t.Fatalf("want empty scan list before any load, got %v", roots)
	}

	ref, err := c.LoadModel(path, "tiny-model", decoder.ModelParams{}, decoder.ContextParams{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer ref.Release()

	wantDir, err := filepath.Abs(dir)
	if err != nil {
		t.Fatalf("abs: %v", err)
	}
	roots := c.ScanRoots()
	if len(roots) != 1 || roots[0] != wantDir {
		t.Fatalf("want scan list to contain %q, got %v", wantDir, roots)
	}

	// Loading another model from the same directory must not duplicate it.
	path2 := filepath.Join(dir, "second-model.gguf")
	writeMinimalGGUF(t, path2)
	ref2, err := c.LoadModel(path2, "second-model", decoder.ModelParams{}, decoder.ContextParams{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer ref2.Release()

	if roots := c.ScanRoots(); len(roots) != 1 {
		t.Fatalf("want scan list to still have 1 entry, got %v", roots)
	}
}

func TestCore_ApplyChatTemplateFallback(t *testing.T) {
	backend := mockdecoder.New(mockdecoder.DefaultConfig())
	c := New(backend, DefaultConfig(), nil, logr.Discard())

	model, err := backend.LoadModel("/models/mock.gguf", decoder.ModelParams{})
	if err != nil {
		t.Fatalf("load model: %v", err)
	}

	rendered, err := c.ApplyChatTemplate(model, "", []decoder.ChatMessage{
		{Role: "user", Content: "hi"},
	}, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rendered == "" {
		t.Fatal("want non-empty rendered template")
	}
}

func TestCore_Tokenize(t *testing.T) {
	backend := mockdecoder.New(mockdecoder.DefaultConfig())
	c := New(backend, DefaultConfig(), nil, logr.Discard())

	model, err := backend.LoadModel("/models/mock.gguf", decoder.ModelParams{})
	if err != nil {
		t.Fatalf("load model: %v", err)
	}

	toks, err := c.Tokenize(model, "hi", true, false)
	if err != nil {
		t.Fatalf("tokenize: %v", err)
	}
	if len(toks) != 2 {
		t.Fatalf("want 2 tokens, got %d", len(toks))
	}
}
