package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/oaklatch/llamadash/internal/db"
	"github.com/oaklatch/llamadash/internal/decoder"
	"github.com/oaklatch/llamadash/internal/gguf"
)

// ScanRequest optionally overrides the configured model_dirs for a single scan.
type ScanRequest struct {
	Roots []string `json:"roots,omitempty"`
}

type modelEntryDTO struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Path          string `json:"path"`
	Architecture  string `json:"architecture"`
	Quantization  string `json:"quantization"`
	ContextLength uint64 `json:"context_length"`
	IsSplit       bool   `json:"is_split"`
	CompanionPath string `json:"companion_path,omitempty"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	roots := req.Roots
	if len(roots) == 0 {
		roots = s.core.ScanRoots()
	}

	entries, err := s.core.ScanDirectories(roots)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if s.db != nil {
		rootsStr, _ := json.Marshal(roots)
		_ = s.db.RecordScan(string(rootsStr), len(entries))
	}
	if s.queue != nil {
		_ = s.queue.Publish("scan:refresh", map[string]int{"entry_count": len(entries)})
	}

	out := make([]modelEntryDTO, len(entries))
	for i, e := range entries {
		out[i] = modelEntryDTO{
			ID:            e.ID,
			Name:          e.Name,
			Path:          e.Path,
			Architecture:  e.Architecture,
			Quantization:  e.Quantization,
			ContextLength: e.ContextLength,
			IsSplit:       e.IsSplit,
			CompanionPath: e.CompanionPath,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleListModels serves /v1/models: the OpenAI-compatible model list,
// built from a scan of the configured model directories.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	entries, err := s.core.ScanDirectories(s.core.ScanRoots())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	data := make([]map[string]interface{}, len(entries))
	for i, e := range entries {
		data[i] = map[string]interface{}{
			"id":       e.ID,
			"object":   "model",
			"owned_by": "local",
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data":   data,
	})
}

type slotDTO struct {
	ID         string `json:"id"`
	Path       string `json:"path"`
	Status     string `json:"status"`
	LastUsedMs int64  `json:"last_used_ms"`
	PinCount   int    `json:"pin_count"`
}

func (s *Server) handleListSlots(w http.ResponseWriter, r *http.Request) {
	info := s.core.SlotInfo()
	out := make([]slotDTO, len(info))
	for i, sl := range info {
		out[i] = slotDTO{
			ID:         sl.ID,
			Path:       sl.Path,
			Status:     sl.Status.String(),
			LastUsedMs: sl.LastUsedMs,
			PinCount:   sl.PinCount,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type loadSlotRequest struct {
	Path          string  `json:"path"`
	NGPULayers    *int32  `json:"n_gpu_layers,omitempty"`
	ContextLength *uint32 `json:"context_length,omitempty"`
}

func (s *Server) handleLoadSlot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req loadSlotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	nGPU := s.cfg.DefaultNGPULayers
	if req.NGPULayers != nil {
		nGPU = *req.NGPULayers
	}
	nCtx := s.cfg.DefaultCtxSize
	if req.ContextLength != nil {
		nCtx = *req.ContextLength
	}

	ref, err := s.core.LoadModel(req.Path, id, decoder.ModelParams{GPULayers: nGPU}, decoder.ContextParams{NCtx: nCtx})
	if err != nil {
		if s.db != nil {
			_ = s.db.RecordLoadEvent(db.LoadEvent{ModelID: id, Path: req.Path, EventType: "load_failed", Error: err.Error(), At: time.Now()})
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer ref.Release()

	if s.db != nil {
		_ = s.db.RecordLoadEvent(db.LoadEvent{ModelID: ref.ID(), Path: ref.Path(), EventType: "loaded", At: time.Now()})
	}

	writeJSON(w, http.StatusOK, slotDTO{ID: ref.ID(), Path: ref.Path(), Status: "ready"})
}

func (s *Server) handleUnloadSlot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok := s.core.UnloadModel(id)
	if !ok {
		writeError(w, http.StatusNotFound, "slot not found")
		return
	}
	if s.db != nil {
		_ = s.db.RecordLoadEvent(db.LoadEvent{ModelID: id, EventType: "unloaded", At: time.Now()})
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTouchSlot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.core.Touch(id)
	w.WriteHeader(http.StatusNoContent)
}

// handleQuickScan is a dashboard convenience for inspecting a single
// file's header without adding it to the catalog; not part of the
// OpenAI-compatible surface.
func (s *Server) handleQuickScan(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path query parameter is required")
		return
	}
	hdr, err := s.core.QuickScan(path)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	info := gguf.ExtractInfo(hdr)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":        hdr.Version,
		"truncated":      hdr.Truncated,
		"architecture":   info.Architecture,
		"name":           info.Name,
		"quantization":   info.Quantization,
		"context_length": info.ContextLength,
	})
}
