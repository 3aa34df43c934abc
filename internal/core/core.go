// Package core composes the header parser, directory scanner, decoder
// facade, slot table, generation engine, and event fabric behind the
// narrow operation set the HTTP layer is allowed to call. Nothing outside
// this package touches those subsystems directly.
package core

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/oaklatch/llamadash/internal/catalog"
	"github.com/oaklatch/llamadash/internal/decoder"
	"github.com/oaklatch/llamadash/internal/events"
	"github.com/oaklatch/llamadash/internal/generate"
	"github.com/oaklatch/llamadash/internal/gguf"
	"github.com/oaklatch/llamadash/internal/slots"
)

// Config holds the five configuration keys the core recognizes, from
// any configuration source.
type Config struct {
	MaxModels         int
	IdleTimeoutSecs   uint64
	DefaultNGPULayers int32
	DefaultCtxSize    uint32
	ModelDirs         []string
}

// DefaultConfig returns the documented defaults: max_models=4,
// idle_timeout_secs=0 (disabled), default_n_gpu_layers=-1 (all),
// default_ctx_size=0 (use model training context).
func DefaultConfig() Config {
	return Config{
		MaxModels:         4,
		IdleTimeoutSecs:   0,
		DefaultNGPULayers: -1,
		DefaultCtxSize:    0,
	}
}

// Core is the single composition point for every subsystem: a slot table,
// a decoder backend, and a dispatcher that runs generation requests
// against it.
type Core struct {
	cfg        Config
	backend    decoder.Backend
	table      *slots.Table
	dispatcher *generate.Dispatcher
	broadcast  *events.Broadcast
	log        logr.Logger

	scanRootsMu sync.Mutex
	scanRoots   []string
}

// New wires a Core around backend using cfg, publishing slot lifecycle
// events to broadcast (may be nil, in which case they are simply not
// published anywhere). The scan list starts as cfg.ModelDirs and grows as
// models get loaded from directories outside it.
func New(backend decoder.Backend, cfg Config, broadcast *events.Broadcast, log logr.Logger) *Core {
	c := &Core{cfg: cfg, backend: backend, broadcast: broadcast, log: log.WithName("core")}
	c.scanRoots = append([]string(nil), cfg.ModelDirs...)
	onEvent := func(ev slots.Event) {
		if broadcast == nil {
			return
		}
		broadcast.Publish(events.NewEnvelope(ev.Type, ev))
	}
	c.table = slots.New(backend, cfg.MaxModels, log, onEvent)
	c.dispatcher = generate.NewDispatcher(c.table, log)
	return c
}

// ScanRoots returns the current scan list: the configured model_dirs plus
// every parent directory auto-registered by a successful LoadModel call.
func (c *Core) ScanRoots() []string {
	c.scanRootsMu.Lock()
	defer c.scanRootsMu.Unlock()
	return append([]string(nil), c.scanRoots...)
}

// registerScanRoot adds dir to the scan list if not already present.
func (c *Core) registerScanRoot(dir string) {
	c.scanRootsMu.Lock()
	defer c.scanRootsMu.Unlock()
	for _, existing := range c.scanRoots {
		if existing == dir {
			return
		}
	}
	c.scanRoots = append(c.scanRoots, dir)
}

// StartIdleSweeper starts the background idle-slot sweeper per the
// configured idle_timeout_secs; a no-op if it is 0 (disabled).
func (c *Core) StartIdleSweeper(ctx context.Context) {
	if c.cfg.IdleTimeoutSecs == 0 {
		return
	}
	c.table.StartIdleSweeper(ctx, secondsToDuration(c.cfg.IdleTimeoutSecs))
}

// StopIdleSweeper stops the background sweeper started by
// StartIdleSweeper.
func (c *Core) StopIdleSweeper() {
	c.table.StopIdleSweeper()
}

// ScanDirectories walks roots and returns the deterministically ordered
// catalog of discovered models, with split-file and mmproj-companion
// grouping applied.
func (c *Core) ScanDirectories(roots []string) ([]catalog.Entry, error) {
	return catalog.Scan(roots)
}

// QuickScan parses the header of the GGUF file at path, starting no new
// metadata entry past the 8 MiB quick-scan window, and returns it.
func (c *Core) QuickScan(path string) (*gguf.Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return gguf.QuickScan(f)
}

// LoadModel loads path into the slot table under id (derived from path's
// base name if empty), returning a pinned LiveRef the caller must
// Release when done. On success, path's canonicalized parent directory is
// added to the scan list if not already present, so a model loaded from
// outside the configured directories is still picked up by future scans.
func (c *Core) LoadModel(path, id string, modelParams decoder.ModelParams, ctxParams decoder.ContextParams) (*slots.LiveRef, error) {
	ref, err := c.table.Load(path, id, modelParams, ctxParams)
	if err != nil {
		return nil, err
	}
	if dir, dirErr := filepath.Abs(filepath.Dir(path)); dirErr == nil {
		c.registerScanRoot(filepath.Clean(dir))
	}
	return ref, nil
}

// UnloadModel removes id's slot immediately, regardless of pin count.
func (c *Core) UnloadModel(id string) bool {
	return c.table.Unload(id)
}

// Resolve returns a pinned LiveRef for id, or the most-recently-used
// Ready slot when id is empty.
func (c *Core) Resolve(id string) (*slots.LiveRef, error) {
	return c.table.Resolve(id)
}

// IsLoaded reports whether id currently has a Ready slot.
func (c *Core) IsLoaded(id string) bool {
	return c.table.IsLoaded(id)
}

// SlotInfo returns a snapshot of every slot in the table.
func (c *Core) SlotInfo() []slots.Info {
	return c.table.SlotInfo()
}

// Touch bumps id's last_used timestamp, if it is currently Ready.
func (c *Core) Touch(id string) {
	c.table.Touch(id)
}

// SweepIdle runs one idle-eviction pass synchronously against
// timeoutSecs, independent of any running background sweeper.
func (c *Core) SweepIdle(timeoutSecs uint64) {
	c.table.SweepIdle(secondsToDuration(timeoutSecs))
}

// Generate resolves modelID to a loaded slot and runs a generation
// request against it on a dedicated goroutine, returning the channel of
// GenerateEvents the run produces. The channel is closed when the run
// finishes or goCtx is cancelled.
func (c *Core) Generate(goCtx context.Context, modelID string, req generate.Request) <-chan events.GenerateEvent {
	return c.dispatcher.Submit(goCtx, modelID, req)
}

// ApplyChatTemplate renders messages through model's chat template (or
// template if non-empty, overriding the model's own), falling back to a
// debug-grade role/content join if the template fails to apply.
func (c *Core) ApplyChatTemplate(model decoder.Model, template string, messages []decoder.ChatMessage, addAssistant bool) (string, error) {
	if template == "" {
		template = model.ChatTemplate()
	}
	rendered, err := c.backend.ApplyChatTemplate(model, template, messages, addAssistant)
	if err != nil {
		c.log.V(1).Info("chat template failed, using fallback render", "error", err.Error())
		return decoder.FallbackRender(messages), nil
	}
	return rendered, nil
}

// Tokenize converts text to tokens using model's vocabulary.
func (c *Core) Tokenize(model decoder.Model, text string, addSpecial, parseSpecial bool) ([]decoder.Token, error) {
	return model.Vocab().Tokenize(text, addSpecial, parseSpecial)
}

// Detokenize converts tokens back to text using model's vocabulary.
func (c *Core) Detokenize(model decoder.Model, toks []decoder.Token) string {
	return model.Vocab().Detokenize(toks)
}

func secondsToDuration(s uint64) time.Duration {
	return time.Duration(s) * time.Second
}
