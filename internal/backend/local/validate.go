package local

import (
	"strings"

	"batchd/internal/engine"
	"batchd/internal/registry"
	"batchd/pkg/types"
)

const defaultMaxTokens = 16

// validate checks req against what this backend can serve and returns the
// effective sampling params and resolved adapter. Every failure is an
// engine.ValidationError: it only fails the offending request.
func (b *Backend) validate(req *engine.Request) (engine.SamplingParams, *types.Adapter, error) {
	var sp engine.SamplingParams
	if req.Inputs.Prompt == "" && len(req.Inputs.PromptTokenIDs) == 0 {
		return sp, nil, engine.NewValidationError(req.ID, "prompt is empty")
	}
	for _, id := range req.Inputs.PromptTokenIDs {
		if id < 0 {
			return sp, nil, engine.NewValidationError(req.ID, "prompt token id %d is negative", id)
		}
	}

	if req.Kind() == engine.KindGenerate {
		if req.Sampling != nil {
			sp = *req.Sampling
		}
		switch {
		case sp.MaxTokens < 0:
			return sp, nil, engine.NewValidationError(req.ID, "max_tokens must be at least 1, got %d", sp.MaxTokens)
		case sp.Temperature < 0:
			return sp, nil, engine.NewValidationError(req.ID, "temperature must be non-negative, got %g", sp.Temperature)
		case sp.TopP < 0 || sp.TopP > 1:
			return sp, nil, engine.NewValidationError(req.ID, "top_p must be in (0, 1], got %g", sp.TopP)
		case sp.TopK < 0:
			return sp, nil, engine.NewValidationError(req.ID, "top_k must be non-negative, got %d", sp.TopK)
		case sp.RepetitionPenalty < 0:
			return sp, nil, engine.NewValidationError(req.ID, "repetition_penalty must be non-negative, got %g", sp.RepetitionPenalty)
		}
		for _, s := range sp.Stop {
			if s == "" {
				return sp, nil, engine.NewValidationError(req.ID, "stop sequences must not be empty")
			}
		}
		if sp.MaxTokens == 0 {
			sp.MaxTokens = defaultMaxTokens
		}
		if sp.TopP == 0 {
			sp.TopP = 1
		}
	}

	if req.Adapter == nil {
		return sp, nil, nil
	}
	if !b.cfg.EnableAdapters {
		return sp, nil, engine.NewValidationError(req.ID, "adapter %q requested but adapters are not enabled", req.Adapter.Name)
	}
	ad, ok := b.lookupAdapter(req.Adapter)
	if !ok {
		return sp, nil, engine.NewValidationError(req.ID, "unknown adapter %q", req.Adapter.Name)
	}
	return sp, ad, nil
}

func (b *Backend) lookupAdapter(ref *engine.AdapterRef) (*types.Adapter, bool) {
	if name := strings.TrimSpace(ref.Name); name != "" {
		a, ok := registry.Find(b.cfg.Adapters, name)
		return &a, ok
	}
	for i := range b.cfg.Adapters {
		if a := &b.cfg.Adapters[i]; ref.ID > 0 && a.ID == ref.ID {
			return a, true
		}
	}
	return nil, false
}
