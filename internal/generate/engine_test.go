package generate

import (
	"context"
	"testing"

	"github.com/oaklatch/llamadash/internal/decoder"
	"github.com/oaklatch/llamadash/internal/decoder/mockdecoder"
	"github.com/oaklatch/llamadash/internal/events"
)

func newMockRun(t *testing.T, cfg mockdecoder.Config, req Request) []events.GenerateEvent {
	t.Helper()
	backend := mockdecoder.New(cfg)
	model, err := backend.LoadModel("/models/mock.gguf", decoder.ModelParams{})
	if err != nil {
		t.Fatalf("load model: %v", err)
	}
	ctx, err := backend.CreateContext(model, decoder.ContextParams{})
	if err != nil {
		t.Fatalf("create context: %v", err)
	}

	tx := make(chan events.GenerateEvent, events.TokenChanCapacity)
	done := make(chan struct{})
	var got []events.GenerateEvent
	go func() {
		defer close(done)
		for ev := range tx {
			got = append(got, ev)
		}
	}()

	Run(context.Background(), model, ctx, req, tx)
	close(tx)
	<-done
	return got
}

func TestRun_NaturalStop(t *testing.T) {
	cfg := mockdecoder.DefaultConfig()
	req := Request{
		Tokens:    []decoder.Token{10, 11},
		MaxTokens: 10,
		Sampling:  DefaultSamplingParams(),
	}
	got := newMockRun(t, cfg, req)

	if len(got) != 4 {
		t.Fatalf("want 4 events, got %d: %+v", len(got), got)
	}
	wantTokens := []string{"a", "b", "c"}
	for i, w := range wantTokens {
		if got[i].Token != w {
			t.Errorf("event %d: want token %q, got %q", i, w, got[i].Token)
		}
	}
	last := got[3]
	if !last.Done || last.FinishReason != events.FinishStop {
		t.Fatalf("want Done{Stop}, got %+v", last)
	}
	if last.PromptTokens != 2 || last.CompletionTokens != 4 {
		t.Errorf("want prompt=2 completion=4, got prompt=%d completion=%d", last.PromptTokens, last.CompletionTokens)
	}
}

func TestRun_LengthStop(t *testing.T) {
	cfg := mockdecoder.Config{
		Tokens: []decoder.Token{100, 101, 102}, // never yields eos
		Vocab:  map[decoder.Token]string{100: "a", 101: "b", 102: "c"},
		EOS:    2,
		EOT:    -1,
	}
	req := Request{
		Tokens:    []decoder.Token{10, 11},
		MaxTokens: 2,
		Sampling:  DefaultSamplingParams(),
	}
	got := newMockRun(t, cfg, req)

	if len(got) != 3 {
		t.Fatalf("want 3 events, got %d: %+v", len(got), got)
	}
	if got[0].Token != "a" || got[1].Token != "b" {
		t.Fatalf("want tokens a,b got %+v", got[:2])
	}
	last := got[2]
	if !last.Done || last.FinishReason != events.FinishLength {
		t.Fatalf("want Done{Length}, got %+v", last)
	}
	if last.PromptTokens != 2 || last.CompletionTokens != 2 {
		t.Errorf("want prompt=2 completion=2, got prompt=%d completion=%d", last.PromptTokens, last.CompletionTokens)
	}
}

func TestRun_StopWord(t *testing.T) {
	cfg := mockdecoder.DefaultConfig()
	req := Request{
		Tokens:    []decoder.Token{10, 11},
		MaxTokens: 10,
		StopWords: []string{"b"},
		Sampling:  DefaultSamplingParams(),
	}
	got := newMockRun(t, cfg, req)

	if len(got) != 3 {
		t.Fatalf("want 3 events (a, b, done), got %d: %+v", len(got), got)
	}
	if got[0].Token != "a" || got[1].Token != "b" {
		t.Fatalf("want tokens a,b, got %+v", got[:2])
	}
	last := got[2]
	if !last.Done || last.FinishReason != events.FinishStopWord || last.StopWord != "b" {
		t.Fatalf("want Done{StopWord(b)}, got %+v", last)
	}
	if last.PromptTokens != 2 || last.CompletionTokens != 2 {
		t.Errorf("want prompt=2 completion=2, got prompt=%d completion=%d", last.PromptTokens, last.CompletionTokens)
	}
}

func TestRun_MaxTokensZero(t *testing.T) {
	cfg := mockdecoder.DefaultConfig()
	req := Request{
		Tokens:    []decoder.Token{10},
		MaxTokens: 0,
		Sampling:  DefaultSamplingParams(),
	}
	got := newMockRun(t, cfg, req)

	if len(got) != 1 {
		t.Fatalf("want exactly 1 event (immediate Done), got %d: %+v", len(got), got)
	}
	if !got[0].Done || got[0].FinishReason != events.FinishLength || got[0].CompletionTokens != 0 {
		t.Fatalf("want first event Done{Length, completion_tokens=0}, got %+v", got[0])
	}
}

func TestRun_CancellationStopsOnReceiverDrop(t *testing.T) {
	cfg := mockdecoder.Config{
		Tokens: func() []decoder.Token {
			toks := make([]decoder.Token, 0, 1000)
			for i := 0; i < 1000; i++ {
				toks = append(toks, decoder.Token(100+(i%3)))
			}
			return toks
		}(),
		Vocab: map[decoder.Token]string{100: "a", 101: "b", 102: "c"},
		EOS:   2,
		EOT:   -1,
	}
	backend := mockdecoder.New(cfg)
	model, _ := backend.LoadModel("/models/mock.gguf", decoder.ModelParams{})
	ctx, _ := backend.CreateContext(model, decoder.ContextParams{})

	goCtx, cancel := context.WithCancel(context.Background())
	tx := make(chan events.GenerateEvent) // unbuffered: forces the engine to block on send

	runDone := make(chan struct{})
	go func() {
		Run(goCtx, model, ctx, Request{
			Tokens:    []decoder.Token{1},
			MaxTokens: 1000,
			Sampling:  DefaultSamplingParams(),
		}, tx)
		close(runDone)
	}()

	<-tx // receive exactly one token, then abandon
	cancel()

	select {
	case <-runDone:
	case <-goCtx.Done():
	}
	<-runDone
}

func TestBuildChain_ReturnsChain(t *testing.T) {
	backend := mockdecoder.New(mockdecoder.DefaultConfig())
	model, _ := backend.LoadModel("/models/mock.gguf", decoder.ModelParams{})

	p := DefaultSamplingParams()
	chain := BuildChain(model, p)
	if chain == nil {
		t.Fatal("expected a non-nil chain")
	}
}

func TestDefaultSamplingParams(t *testing.T) {
	p := DefaultSamplingParams()
	if p.Temperature != 0.8 || p.TopK != 40 || p.TopP != 0.95 || p.MinP != 0.05 ||
		p.RepeatPenalty != 1.1 || p.FrequencyPenalty != 0 || p.PresencePenalty != 0 ||
		p.RepeatLastN != 64 || p.Seed != nil {
		t.Errorf("defaults do not match spec: %+v", p)
	}
}
