// Package mockdecoder is a deterministic, pure-Go decoder.Backend used by
// the generation engine's own tests and by any caller exercising the
// pipeline without a real model file. It mirrors the spec's own
// end-to-end scenarios verbatim: a fixed token stream with a
// configurable vocabulary and end-of-sequence token.
package mockdecoder

import (
	"context"
	"errors"
	"fmt"

	"github.com/oaklatch/llamadash/internal/decoder"
)

// Config describes the deterministic behavior of a mock backend instance.
type Config struct {
	// Tokens is the fixed stream the sampler chain yields, one per Sample
	// call, in order. Once exhausted, Sample repeats the final token
	// (tests should size Tokens to exceed max_tokens when a non-EOS tail
	// is required).
	Tokens []decoder.Token
	// Vocab maps a token id to its decoded piece.
	Vocab map[decoder.Token]string
	EOS   decoder.Token
	EOT   decoder.Token
}

// DefaultConfig returns the exact mock scenario the spec's testable
// properties section describes: stream [100,101,102,eos], vocab
// 100->"a" 101->"b" 102->"c", eos=2.
func DefaultConfig() Config {
	return Config{
		Tokens: []decoder.Token{100, 101, 102, 2},
		Vocab: map[decoder.Token]string{
			100: "a",
			101: "b",
			102: "c",
		},
		EOS: 2,
		EOT: -1,
	}
}

// Backend is a deterministic decoder.Backend.
type Backend struct {
	cfg Config
}

// New returns a Backend driven by cfg.
func New(cfg Config) *Backend {
	return &Backend{cfg: cfg}
}

var ErrNoSuchPath = errors.New("mockdecoder: no such model path")

func (b *Backend) LoadModel(path string, params decoder.ModelParams) (decoder.Model, error) {
	if path == "" {
		return nil, ErrNoSuchPath
	}
	return &model{backend: b}, nil
}

func (b *Backend) CreateContext(m decoder.Model, params decoder.ContextParams) (decoder.Context, error) {
	mm, ok := m.(*model)
	if !ok {
		return nil, fmt.Errorf("mockdecoder: foreign model handle")
	}
	nCtx := params.NCtx
	if nCtx == 0 {
		nCtx = 4096
	}
	return &mockContext{model: mm, nCtx: nCtx}, nil
}

func (b *Backend) ApplyChatTemplate(m decoder.Model, template string, messages []decoder.ChatMessage, addAssistant bool) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}
	if template == "" {
		return decoder.FallbackRender(messages), nil
	}
	rendered := ""
	for _, msg := range messages {
		rendered += "<" + msg.Role + ">" + msg.Content
	}
	if addAssistant {
		rendered += "<assistant>"
	}
	return rendered, nil
}

type model struct {
	backend *Backend
}

func (m *model) Vocab() decoder.Vocab { return &vocab{cfg: &m.backend.cfg} }
func (m *model) NCtxTrain() uint32    { return 4096 }
func (m *model) ChatTemplate() string { return "" }
func (m *model) NewSamplerChain() decoder.SamplerChain {
	return &samplerChain{cfg: &m.backend.cfg}
}

type vocab struct {
	cfg *Config
}

func (v *vocab) Tokenize(text string, addSpecial, parseSpecial bool) ([]decoder.Token, error) {
	// Deterministic: one synthetic token per rune, valued 10 plus the
	// rune's byte offset, so it stays clear of EOS (2) and, for text
	// shorter than 90 bytes, of the generation vocabulary (100s).
	toks := make([]decoder.Token, 0, len(text))
	for i := range text {
		toks = append(toks, decoder.Token(10+i))
	}
	return toks, nil
}

func (v *vocab) TokenToPiece(tok decoder.Token) string {
	if s, ok := v.cfg.Vocab[tok]; ok {
		return s
	}
	return ""
}

func (v *vocab) Detokenize(toks []decoder.Token) string {
	out := ""
	for _, t := range toks {
		out += v.TokenToPiece(t)
	}
	return out
}

func (v *vocab) EOS() decoder.Token { return v.cfg.EOS }
func (v *vocab) EOT() decoder.Token { return v.cfg.EOT }
func (v *vocab) IsEOG(tok decoder.Token) bool {
	return tok == v.cfg.EOS || (v.cfg.EOT >= 0 && tok == v.cfg.EOT)
}

// mockContext tracks how many sample calls it has served so the sampler
// chain can walk the configured token stream deterministically.
type mockContext struct {
	model *model
	nCtx  uint32
	calls int
}

func (c *mockContext) Decode(ctx context.Context, batch *decoder.Batch) error { return nil }
func (c *mockContext) LogitsAt(i int32) []float32                            { return nil }
func (c *mockContext) Embeddings() []float32                                 { return nil }
func (c *mockContext) KVClear()                                              {}
func (c *mockContext) KVSeqRM(seqID int32, p0, p1 int32)                     {}
func (c *mockContext) NCtx() uint32                                          { return c.nCtx }
func (c *mockContext) Close()                                                {}

func (c *mockContext) nextToken(cfg *Config) decoder.Token {
	if c.calls >= len(cfg.Tokens) {
		return cfg.Tokens[len(cfg.Tokens)-1]
	}
	tok := cfg.Tokens[c.calls]
	c.calls++
	return tok
}

type samplerChain struct {
	cfg    *Config
	stages []decoder.SamplerStage
}

func (s *samplerChain) Add(stage decoder.SamplerStage) {
	s.stages = append(s.stages, stage)
}

func (s *samplerChain) Sample(ctx decoder.Context, batchIndex int32) decoder.Token {
	mc, ok := ctx.(*mockContext)
	if !ok {
		return s.cfg.EOS
	}
	return mc.nextToken(s.cfg)
}
