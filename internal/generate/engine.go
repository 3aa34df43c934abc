package generate

import (
	"context"
	"strings"

	"github.com/oaklatch/llamadash/internal/decoder"
	"github.com/oaklatch/llamadash/internal/events"
)

// Request is a generation request: pre-tokenized prompt, generation
// limits, stop words, and sampling configuration.
type Request struct {
	Tokens    []decoder.Token
	MaxTokens uint32
	StopWords []string
	Sampling  SamplingParams
}

// Run executes the blocking decode/sample loop against ctx and model,
// sending GenerateEvents to tx. It is meant to be called on a dedicated
// goroutine holding an exclusive lock on ctx for the request's whole
// duration; the caller owns that locking discipline (see slots.LiveRef).
//
// Cancellation: the caller abandons a run by cancelling goCtx. A full,
// unreceived channel causes the Token send below to block; Run observes
// the cancellation at that send (or the next one) and stops silently with
// no further events. A consumer that stops receiving without cancelling
// goCtx leaves Run blocked on the send.
func Run(goCtx context.Context, model decoder.Model, dctx decoder.Context, req Request, tx chan<- events.GenerateEvent) {
	vocab := model.Vocab()
	nCtx := int32(dctx.NCtx())

	dctx.KVClear()

	batchCap := len(req.Tokens)
	if batchCap < 1 {
		batchCap = 1
	}
	batch := &decoder.Batch{Entries: make([]decoder.BatchEntry, 0, batchCap)}
	for i, tok := range req.Tokens {
		logits := i == len(req.Tokens)-1
		batch.Add(tok, int32(i), []int32{0}, logits)
	}

	if err := dctx.Decode(goCtx, batch); err != nil {
		send(goCtx, tx, events.GenerateEvent{Err: err})
		return
	}

	promptTokens := len(req.Tokens)
	pos := int32(len(req.Tokens))
	completionTokens := 0
	var generatedText strings.Builder

	chain := BuildChain(model, req.Sampling)

	for {
		if uint32(completionTokens) >= req.MaxTokens {
			send(goCtx, tx, doneEvent(events.FinishLength, "", promptTokens, completionTokens))
			return
		}

		tok := chain.Sample(dctx, int32(len(batch.Entries))-1)
		completionTokens++

		if tok == vocab.EOS() || tok == vocab.EOT() {
			send(goCtx, tx, doneEvent(events.FinishStop, "", promptTokens, completionTokens))
			return
		}

		piece := vocab.TokenToPiece(tok)
		generatedText.WriteString(piece)

		if !send(goCtx, tx, events.GenerateEvent{Token: piece}) {
			return // cancellation: goCtx done, stop silently
		}

		if sw, ok := matchedStopWord(generatedText.String(), req.StopWords); ok {
			send(goCtx, tx, doneEvent(events.FinishStopWord, sw, promptTokens, completionTokens))
			return
		}

		if pos >= nCtx {
			send(goCtx, tx, doneEvent(events.FinishLength, "", promptTokens, completionTokens))
			return
		}

		batch.Clear()
		batch.Add(tok, pos, []int32{0}, true)
		pos++

		if err := dctx.Decode(goCtx, batch); err != nil {
			send(goCtx, tx, events.GenerateEvent{Err: err})
			return
		}
	}
}

func doneEvent(reason events.FinishReason, stopWord string, promptTokens, completionTokens int) events.GenerateEvent {
	return events.GenerateEvent{
		Done:             true,
		FinishReason:     reason,
		StopWord:         stopWord,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
	}
}

// matchedStopWord returns the first configured stop word that
// generatedText currently ends with (raw ends-with, no normalization).
func matchedStopWord(generatedText string, stopWords []string) (string, bool) {
	for _, sw := range stopWords {
		if sw != "" && strings.HasSuffix(generatedText, sw) {
			return sw, true
		}
	}
	return "", false
}

// send attempts to deliver ev on tx, honoring goCtx as the cancellation
// signal: a caller that abandons a generation cancels its context rather
// than relying on GC to notice an orphaned channel. It reports false when
// goCtx is done before ev could be delivered — the engine's sole
// cancellation path.
func send(goCtx context.Context, tx chan<- events.GenerateEvent, ev events.GenerateEvent) bool {
	select {
	case tx <- ev:
		return true
	case <-goCtx.Done():
		return false
	}
}
