package catalog

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/oaklatch/llamadash/internal/gguf"
)

// splitPattern matches "<base>-NNNNN-of-NNNNN.gguf", capturing base.
var splitPattern = regexp.MustCompile(`^(.+)-(\d+)-of-(\d+)$`)

// Scan walks roots recursively, collects every .gguf file, and groups them
// into Entry rows per spec: split-part grouping first, then mmproj
// companion association in a second pass. Scan order (and therefore id
// collision resolution) is deterministic via the lexicographic sort of
// the discovered file list.
func Scan(roots []string) ([]Entry, error) {
	var files []string
	for _, root := range roots {
		found, err := walk(root)
		if err != nil {
			return nil, err
		}
		files = append(files, found...)
	}
	sort.Strings(files)

	entries := make([]Entry, 0, len(files))
	baseIndex := make(map[string]int)

	for _, path := range files {
		fname := filepath.Base(path)
		if isCompanion(fname) {
			continue
		}

		if base, ok := detectSplitBase(fname); ok {
			if idx, seen := baseIndex[base]; seen {
				entries[idx].SplitParts = append(entries[idx].SplitParts, path)
				entries[idx].IsSplit = true
				continue
			}
			baseIndex[base] = len(entries)
		}

		entries = append(entries, buildEntry(path, fname))
	}

	// Pass 2: attach mmproj companions to the first same-directory entry
	// whose CompanionPath is still empty.
	for _, path := range files {
		fname := filepath.Base(path)
		if !isCompanion(fname) {
			continue
		}
		dir := filepath.Dir(path)
		for i := range entries {
			if filepath.Dir(entries[i].Path) == dir && entries[i].CompanionPath == "" {
				entries[i].CompanionPath = path
				break
			}
		}
	}

	return entries, nil
}

func buildEntry(path, fname string) Entry {
	e := Entry{
		ID:         GenerateID(path),
		Path:       path,
		SplitParts: []string{path},
	}

	f, err := os.Open(path)
	if err != nil {
		e.Name = strings.TrimSuffix(fname, ".gguf")
		return e
	}
	defer f.Close()

	if fi, statErr := f.Stat(); statErr == nil {
		e.FileSize = fi.Size()
	}

	header, err := gguf.QuickScan(f)
	if err != nil {
		e.Name = strings.TrimSuffix(fname, ".gguf")
		return e
	}

	info := gguf.ExtractInfo(header)
	e.Architecture = info.Architecture
	e.Quantization = info.Quantization
	e.ContextLength = info.ContextLength
	e.EmbeddingLength = info.EmbeddingLength
	e.ChatTemplate = info.ChatTemplate
	if info.Name != "" {
		e.Name = info.Name
	} else {
		e.Name = strings.TrimSuffix(fname, ".gguf")
	}
	return e
}

func walk(root string) ([]string, error) {
	var out []string
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return out, nil
	}
	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if filepath.Ext(path) != ".gguf" {
			return nil
		}
		out = append(out, path)
		return nil
	})
	return out, err
}

func isCompanion(fname string) bool {
	return strings.Contains(fname, "-mmproj-") || strings.Contains(fname, "_mmproj_")
}

// detectSplitBase extracts the base name from "<base>-NNNNN-of-NNNNN.gguf".
// Applied to "base.gguf" it returns ("", false).
func detectSplitBase(fname string) (string, bool) {
	name := strings.TrimSuffix(fname, ".gguf")
	if name == fname {
		return "", false // no .gguf suffix
	}
	m := splitPattern.FindStringSubmatch(name)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// GenerateID derives the catalog id for a path: the lowercased file stem
// with spaces replaced by hyphens.
func GenerateID(path string) string {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return strings.ReplaceAll(strings.ToLower(stem), " ", "-")
}
