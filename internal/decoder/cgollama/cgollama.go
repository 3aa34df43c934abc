//go:build cgo_llama

// Package cgollama is the real decoder.Backend, binding against llama.cpp
// via cgo. It is isolated behind the cgo_llama build tag so the rest of
// the module compiles without a system llama.cpp install or a cgo
// toolchain; internal/decoder/mockdecoder stands in for it otherwise.
package cgollama

/*
#cgo CFLAGS: -I${SRCDIR}/include
#cgo LDFLAGS: -lllama -lggml-base -lggml -lggml-cpu -lm -lpthread -lstdc++

#include "llama.h"
#include <stdlib.h>
*/
import "C"

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/oaklatch/llamadash/internal/decoder"
)

var backendInitOnce sync.Once

func backendInit() {
	backendInitOnce.Do(func() {
		C.llama_backend_init()
	})
}

// Backend is the cgo-backed decoder.Backend implementation.
type Backend struct{}

// New returns a Backend. The underlying llama.cpp runtime is initialized
// at most once, lazily, on first use (spec.md §9's once-initialized
// singleton).
func New() *Backend {
	return &Backend{}
}

func (b *Backend) LoadModel(path string, params decoder.ModelParams) (decoder.Model, error) {
	backendInit()

	cPath := C.CString(path)
	defer C.free(unsafe.Pointer(cPath))

	cParams := C.llama_model_default_params()
	cParams.n_gpu_layers = C.int32_t(params.GPULayers)
	cParams.use_mmap = C.bool(params.UseMmap)
	cParams.use_mlock = C.bool(params.UseMlock)

	raw := C.llama_model_load_from_file(cPath, cParams)
	if raw == nil {
		return nil, fmt.Errorf("cgollama: failed to load model from %s", path)
	}

	m := &model{model: raw}
	runtime.SetFinalizer(m, (*model).free)
	return m, nil
}

func (b *Backend) CreateContext(dm decoder.Model, params decoder.ContextParams) (decoder.Context, error) {
	m, ok := dm.(*model)
	if !ok {
		return nil, errors.New("cgollama: foreign model handle")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	cParams := C.llama_context_default_params()
	cParams.n_ctx = C.uint32_t(params.NCtx)
	cParams.n_batch = C.uint32_t(params.NBatch)
	cParams.n_ubatch = C.uint32_t(params.NUBatch)
	cParams.n_threads = C.int32_t(params.NThreads)
	cParams.n_threads_batch = C.int32_t(params.NThreadsBatch)
	cParams.embeddings = C.bool(params.Embeddings)

	raw := C.llama_init_from_model(m.model, cParams)
	if raw == nil {
		return nil, errors.New("cgollama: failed to create context")
	}

	c := &llamaContext{ctx: raw, model: m}
	runtime.SetFinalizer(c, (*llamaContext).Close)
	return c, nil
}

func (b *Backend) ApplyChatTemplate(dm decoder.Model, template string, messages []decoder.ChatMessage, addAssistant bool) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}

	cMessages := make([]C.struct_llama_chat_message, len(messages))
	cStrings := make([]*C.char, len(messages)*2)
	for i, msg := range messages {
		cStrings[i*2] = C.CString(msg.Role)
		cStrings[i*2+1] = C.CString(msg.Content)
		cMessages[i].role = cStrings[i*2]
		cMessages[i].content = cStrings[i*2+1]
	}
	defer func() {
		for _, s := range cStrings {
			C.free(unsafe.Pointer(s))
		}
	}()

	var cTmpl *C.char
	if template != "" {
		cTmpl = C.CString(template)
		defer C.free(unsafe.Pointer(cTmpl))
	}

	n := C.llama_chat_apply_template(cTmpl, &cMessages[0], C.size_t(len(messages)), C.bool(addAssistant), nil, 0)
	if n < 0 {
		return "", fmt.Errorf("cgollama: apply_chat_template failed: %d", n)
	}
	buf := make([]byte, n+1)
	n = C.llama_chat_apply_template(cTmpl, &cMessages[0], C.size_t(len(messages)), C.bool(addAssistant),
		(*C.char)(unsafe.Pointer(&buf[0])), C.int32_t(len(buf)))
	if n < 0 {
		return "", fmt.Errorf("cgollama: apply_chat_template failed: %d", n)
	}
	return string(buf[:n]), nil
}

type model struct {
	model *C.struct_llama_model
	mu    sync.RWMutex
}

func (m *model) free() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model != nil {
		C.llama_model_free(m.model)
		m.model = nil
	}
}

func (m *model) Vocab() decoder.Vocab {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &vocab{vocab: C.llama_model_get_vocab(m.model)}
}

func (m *model) NCtxTrain() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint32(C.llama_model_n_ctx_train(m.model))
}

func (m *model) ChatTemplate() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tmpl := C.llama_model_chat_template(m.model, nil)
	if tmpl == nil {
		return ""
	}
	return C.GoString(tmpl)
}

func (m *model) NewSamplerChain() decoder.SamplerChain {
	params := C.llama_sampler_chain_default_params()
	chain := C.llama_sampler_chain_init(params)
	sc := &samplerChain{chain: chain}
	runtime.SetFinalizer(sc, (*samplerChain).free)
	return sc
}

type vocab struct {
	vocab *C.struct_llama_vocab
}

func (v *vocab) Tokenize(text string, addSpecial, parseSpecial bool) ([]decoder.Token, error) {
	cText := C.CString(text)
	defer C.free(unsafe.Pointer(cText))

	n := C.llama_tokenize(v.vocab, cText, C.int32_t(len(text)), nil, 0, C.bool(addSpecial), C.bool(parseSpecial))
	if n < 0 {
		n = -n
	}
	if n == 0 {
		return nil, nil
	}
	toks := make([]decoder.Token, n)
	got := C.llama_tokenize(v.vocab, cText, C.int32_t(len(text)),
		(*C.llama_token)(unsafe.Pointer(&toks[0])), C.int32_t(n), C.bool(addSpecial), C.bool(parseSpecial))
	if got < 0 {
		return nil, fmt.Errorf("cgollama: tokenize failed: %d", got)
	}
	return toks[:got], nil
}

func (v *vocab) TokenToPiece(tok decoder.Token) string {
	buf := make([]byte, 128)
	n := C.llama_token_to_piece(v.vocab, C.llama_token(tok), (*C.char)(unsafe.Pointer(&buf[0])), C.int32_t(len(buf)), 0, C.bool(true))
	if n < 0 {
		buf = make([]byte, -n)
		n = C.llama_token_to_piece(v.vocab, C.llama_token(tok), (*C.char)(unsafe.Pointer(&buf[0])), C.int32_t(len(buf)), 0, C.bool(true))
	}
	if n <= 0 {
		return ""
	}
	return string(buf[:n])
}

func (v *vocab) Detokenize(toks []decoder.Token) string {
	if len(toks) == 0 {
		return ""
	}
	buf := make([]byte, len(toks)*32)
	n := C.llama_detokenize(v.vocab, (*C.llama_token)(unsafe.Pointer(&toks[0])), C.int32_t(len(toks)),
		(*C.char)(unsafe.Pointer(&buf[0])), C.int32_t(len(buf)), C.bool(true), C.bool(true))
	if n < 0 {
		buf = make([]byte, -n)
		n = C.llama_detokenize(v.vocab, (*C.llama_token)(unsafe.Pointer(&toks[0])), C.int32_t(len(toks)),
			(*C.char)(unsafe.Pointer(&buf[0])), C.int32_t(len(buf)), C.bool(true), C.bool(true))
	}
	if n <= 0 {
		return ""
	}
	return string(buf[:n])
}

func (v *vocab) EOS() decoder.Token { return decoder.Token(C.llama_vocab_eos(v.vocab)) }
func (v *vocab) EOT() decoder.Token { return decoder.Token(C.llama_vocab_eot(v.vocab)) }
func (v *vocab) IsEOG(tok decoder.Token) bool {
	return bool(C.llama_vocab_is_eog(v.vocab, C.llama_token(tok)))
}

type llamaContext struct {
	ctx   *C.struct_llama_context
	model *model
	mu    sync.Mutex
}

func (c *llamaContext) Decode(ctx context.Context, batch *decoder.Batch) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(batch.Entries)
	cBatch := C.llama_batch_init(C.int32_t(maxInt(n, 1)), 0, 1)
	defer C.llama_batch_free(cBatch)

	cBatch.n_tokens = C.int32_t(n)
	for i, e := range batch.Entries {
		cBatch.token[i] = C.llama_token(e.Token)
		cBatch.pos[i] = C.llama_pos(e.Pos)
		cBatch.n_seq_id[i] = C.int32_t(len(e.SeqIDs))
		if len(e.SeqIDs) > 0 {
			cBatch.seq_id[i][0] = C.llama_seq_id(e.SeqIDs[0])
		}
		if e.RequestLogit {
			cBatch.logits[i] = 1
		} else {
			cBatch.logits[i] = 0
		}
	}

	ret := C.llama_decode(c.ctx, cBatch)
	if ret != 0 {
		return fmt.Errorf("cgollama: decode failed with code %d", ret)
	}
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (c *llamaContext) LogitsAt(i int32) []float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ptr := C.llama_get_logits_ith(c.ctx, C.int32_t(i))
	if ptr == nil {
		return nil
	}
	nVocab := int(C.llama_vocab_n_tokens(C.llama_model_get_vocab(c.model.model)))
	return unsafe.Slice((*float32)(unsafe.Pointer(ptr)), nVocab)
}

func (c *llamaContext) Embeddings() []float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ptr := C.llama_get_embeddings(c.ctx)
	if ptr == nil {
		return nil
	}
	nEmbd := int(C.llama_model_n_embd(c.model.model))
	return unsafe.Slice((*float32)(unsafe.Pointer(ptr)), nEmbd)
}

func (c *llamaContext) KVClear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	C.llama_kv_cache_clear(c.ctx)
}

func (c *llamaContext) KVSeqRM(seqID int32, p0, p1 int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	C.llama_kv_cache_seq_rm(c.ctx, C.llama_seq_id(seqID), C.llama_pos(p0), C.llama_pos(p1))
}

func (c *llamaContext) NCtx() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint32(C.llama_n_ctx(c.ctx))
}

func (c *llamaContext) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx != nil {
		C.llama_free(c.ctx)
		c.ctx = nil
	}
}

type samplerChain struct {
	chain *C.struct_llama_sampler
	mu    sync.Mutex
}

func (s *samplerChain) free() {
	if s.chain != nil {
		C.llama_sampler_free(s.chain)
		s.chain = nil
	}
}

// Add appends one configured stage, matching the load-bearing ordering
// contract the generation engine drives this chain with.
func (s *samplerChain) Add(stage decoder.SamplerStage) {
	var sampler *C.struct_llama_sampler
	switch stage.Kind {
	case decoder.SamplerGreedy:
		sampler = C.llama_sampler_init_greedy()
	case decoder.SamplerDist:
		sampler = C.llama_sampler_init_dist(C.uint32_t(stage.Seed))
	case decoder.SamplerTopK:
		sampler = C.llama_sampler_init_top_k(C.int32_t(stage.K))
	case decoder.SamplerTopP:
		sampler = C.llama_sampler_init_top_p(C.float(stage.P), 1)
	case decoder.SamplerMinP:
		sampler = C.llama_sampler_init_min_p(C.float(stage.P), 1)
	case decoder.SamplerTemp:
		sampler = C.llama_sampler_init_temp(C.float(stage.Temperature))
	case decoder.SamplerPenalties:
		sampler = C.llama_sampler_init_penalties(
			C.int32_t(stage.PenaltyLastN),
			C.float(stage.RepeatPenalty),
			C.float(stage.FreqPenalty),
			C.float(stage.PresencePenalty))
	default:
		return
	}
	C.llama_sampler_chain_add(s.chain, sampler)
}

func (s *samplerChain) Sample(ctx decoder.Context, batchIndex int32) decoder.Token {
	lc, ok := ctx.(*llamaContext)
	if !ok {
		return -1
	}
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return decoder.Token(C.llama_sampler_sample(s.chain, lc.ctx, C.int32_t(batchIndex)))
}
