// Package decoder treats the underlying tensor/inference library as an
// opaque facade: load model, create context, decode batch, sample,
// tokenize. The real llama.cpp binding lives in the cgollama subpackage
// (build-tagged cgo_llama); mockdecoder ships a deterministic in-memory
// stand-in for tests and callers without a native toolchain.
package decoder

import "context"

// Token is a vocabulary token id.
type Token = int32

// ModelParams configures model loading.
type ModelParams struct {
	GPULayers int32
	UseMmap   bool
	UseMlock  bool
}

// ContextParams configures context creation.
type ContextParams struct {
	NCtx          uint32
	NBatch        uint32
	NUBatch       uint32
	NThreads      int32
	NThreadsBatch int32
	Embeddings    bool
}

// BatchEntry is one token slot within a Batch.
type BatchEntry struct {
	Token        Token
	Pos          int32
	SeqIDs       []int32
	RequestLogit bool
}

// Batch is an ordered set of token entries submitted to Decode together.
type Batch struct {
	Entries []BatchEntry
}

// Clear empties the batch for reuse without reallocating its backing array.
func (b *Batch) Clear() {
	b.Entries = b.Entries[:0]
}

// Add appends one token entry to the batch.
func (b *Batch) Add(tok Token, pos int32, seqIDs []int32, requestLogit bool) {
	b.Entries = append(b.Entries, BatchEntry{Token: tok, Pos: pos, SeqIDs: seqIDs, RequestLogit: requestLogit})
}

// ChatMessage is one turn in a chat-style prompt.
type ChatMessage struct {
	Role    string
	Content string
}

// SamplerKind names a single stage in a sampler chain.
type SamplerKind int

const (
	SamplerGreedy SamplerKind = iota
	SamplerDist
	SamplerTopK
	SamplerTopP
	SamplerMinP
	SamplerTemp
	SamplerPenalties
)

// SamplerStage is one configured stage to append to a SamplerChain.
type SamplerStage struct {
	Kind SamplerKind

	// TopK
	K int32
	// TopP / MinP
	P float32
	// Temp
	Temperature float32
	// Dist
	Seed uint32
	// Penalties
	PenaltyLastN    int32
	RepeatPenalty   float32
	FreqPenalty     float32
	PresencePenalty float32
}

// SamplerChain picks a token from a context's logits, applying its staged
// transforms in the order they were added. Ordering is load-bearing: see
// internal/generate for the construction order this facade is driven with.
type SamplerChain interface {
	Add(stage SamplerStage)
	Sample(ctx Context, batchIndex int32) Token
}

// Vocab exposes the tokenizer operations against a loaded model.
type Vocab interface {
	Tokenize(text string, addSpecial, parseSpecial bool) ([]Token, error)
	TokenToPiece(tok Token) string
	Detokenize(toks []Token) string
	EOS() Token
	EOT() Token
	IsEOG(tok Token) bool
}

// Model is a loaded model handle, opaque beyond what the facade exposes.
type Model interface {
	Vocab() Vocab
	NCtxTrain() uint32
	ChatTemplate() string
	NewSamplerChain() SamplerChain
}

// Context is an inference context bound to a Model. Concurrent calls
// require external mutual exclusion: a DecoderContext supports only
// single-threaded access.
type Context interface {
	Decode(ctx context.Context, batch *Batch) error
	LogitsAt(i int32) []float32
	Embeddings() []float32
	KVClear()
	KVSeqRM(seqID int32, p0, p1 int32)
	NCtx() uint32
	Close()
}

// Backend is the facade over the inference library enumerated by this
// component: load model, create context, decode batch, sample, tokenize.
type Backend interface {
	LoadModel(path string, params ModelParams) (Model, error)
	CreateContext(model Model, params ContextParams) (Context, error)
	ApplyChatTemplate(model Model, template string, messages []ChatMessage, addAssistant bool) (string, error)
}

// ApplyModelTemplate applies a model's own embedded chat template without
// the caller needing to fetch it separately — a convenience wrapper kept
// from the original implementation's apply_model_template.
func ApplyModelTemplate(backend Backend, model Model, messages []ChatMessage, addAssistant bool) (string, error) {
	return backend.ApplyChatTemplate(model, model.ChatTemplate(), messages, addAssistant)
}

// FallbackRender joins messages with a debug-grade "<role>: <content>"
// format when apply_chat_template fails, per the generation engine's
// documented fallback.
func FallbackRender(messages []ChatMessage) string {
	var out string
	for _, m := range messages {
		out += m.Role + ": " + m.Content + "\n"
	}
	out += "\nassistant:"
	return out
}
