// Package generate implements the streaming generation engine: one
// dedicated goroutine per request runs the KV-clear / decode / sample
// loop and emits GenerateEvents over a bounded channel.
package generate

import "github.com/oaklatch/llamadash/internal/decoder"

// SamplingParams configures a sampler chain, with the source's defaults.
type SamplingParams struct {
	Temperature      float32
	TopK             int32
	TopP             float32
	MinP             float32
	RepeatPenalty    float32
	FrequencyPenalty float32
	PresencePenalty  float32
	RepeatLastN      int32
	Seed             *uint32
}

// DefaultSamplingParams returns the spec's documented defaults:
// (0.8, 40, 0.95, 0.05, 1.1, 0, 0, 64, none).
func DefaultSamplingParams() SamplingParams {
	return SamplingParams{
		Temperature:      0.8,
		TopK:             40,
		TopP:             0.95,
		MinP:             0.05,
		RepeatPenalty:    1.1,
		FrequencyPenalty: 0,
		PresencePenalty:  0,
		RepeatLastN:      64,
		Seed:             nil,
	}
}

// BuildChain constructs a sampler chain from p. Ordering is load-bearing:
// penalties first (if any non-default), then top_k, top_p, min_p
// truncation filters, then temperature+stochastic pick or greedy.
func BuildChain(model decoder.Model, p SamplingParams) decoder.SamplerChain {
	chain := model.NewSamplerChain()

	if p.RepeatPenalty != 1.0 || p.FrequencyPenalty != 0.0 || p.PresencePenalty != 0.0 {
		chain.Add(decoder.SamplerStage{
			Kind:            decoder.SamplerPenalties,
			PenaltyLastN:    p.RepeatLastN,
			RepeatPenalty:   p.RepeatPenalty,
			FreqPenalty:     p.FrequencyPenalty,
			PresencePenalty: p.PresencePenalty,
		})
	}

	if p.TopK > 0 {
		chain.Add(decoder.SamplerStage{Kind: decoder.SamplerTopK, K: p.TopK})
	}
	if p.TopP < 1.0 {
		chain.Add(decoder.SamplerStage{Kind: decoder.SamplerTopP, P: p.TopP})
	}
	if p.MinP > 0.0 {
		chain.Add(decoder.SamplerStage{Kind: decoder.SamplerMinP, P: p.MinP})
	}

	if p.Temperature > 0 {
		chain.Add(decoder.SamplerStage{Kind: decoder.SamplerTemp, Temperature: p.Temperature})
		seed := uint32(0)
		if p.Seed != nil {
			seed = *p.Seed
		}
		chain.Add(decoder.SamplerStage{Kind: decoder.SamplerDist, Seed: seed})
	} else {
		chain.Add(decoder.SamplerStage{Kind: decoder.SamplerGreedy})
	}

	return chain
}
