package engine

import (
	"strings"
	"sync"
	"time"
)

// seqState accumulates what has been produced for one request so every
// output carries the full text so far.
type seqState struct {
	req          *Request
	promptTokens int
	text         strings.Builder
	tokenIDs     []int
	metrics      RequestMetrics
}

// outputBuilder turns raw backend samples into cumulative RequestOutputs. It
// is shared by all steppers because the backend, not the stepper that
// admitted a request, decides which stage runs it.
type outputBuilder struct {
	mu   sync.Mutex
	seqs map[string]*seqState
}

func newOutputBuilder() *outputBuilder {
	return &outputBuilder{seqs: make(map[string]*seqState)}
}

func (b *outputBuilder) admit(req *Request) {
	b.mu.Lock()
	b.seqs[req.ID] = &seqState{
		req:          req,
		promptTokens: len(req.Inputs.PromptTokenIDs),
		metrics:      RequestMetrics{ArrivalTime: req.ArrivalTime},
	}
	b.mu.Unlock()
}

func (b *outputBuilder) forget(ids ...string) {
	b.mu.Lock()
	for _, id := range ids {
		delete(b.seqs, id)
	}
	b.mu.Unlock()
}

func (b *outputBuilder) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.seqs)
}

// build converts one step's results. Samples for requests that were aborted
// in the meantime are dropped.
func (b *outputBuilder) build(batch *Batch, raw []RawOutput, now time.Time) []*RequestOutput {
	b.mu.Lock()
	defer b.mu.Unlock()

	if batch != nil {
		for _, s := range batch.Sequences {
			if st := b.seqs[s.RequestID]; st != nil && st.metrics.FirstScheduledTime.IsZero() {
				st.metrics.FirstScheduledTime = now
			}
		}
	}

	outs := make([]*RequestOutput, 0, len(raw))
	for _, r := range raw {
		st := b.seqs[r.RequestID]
		if st == nil {
			continue
		}
		if r.PromptTokens > 0 {
			st.promptTokens = r.PromptTokens
		}
		out := &RequestOutput{
			RequestID: r.RequestID,
			Kind:      st.req.Kind(),
			Prompt:    st.req.Inputs.Prompt,
		}
		if out.Kind == KindEncode {
			out.Embedding = r.Embedding
		} else {
			if r.TokenID >= 0 {
				st.tokenIDs = append(st.tokenIDs, r.TokenID)
			}
			st.text.WriteString(r.Text)
			out.Delta = r.Text
			out.Text = st.text.String()
			out.TokenIDs = append([]int(nil), st.tokenIDs...)
		}
		if st.metrics.FirstTokenTime.IsZero() {
			st.metrics.FirstTokenTime = now
		}
		out.PromptTokens = st.promptTokens
		if r.Finished {
			out.Finished = true
			out.FinishReason = r.FinishReason
			st.metrics.FinishedTime = now
			delete(b.seqs, r.RequestID)
		}
		out.Metrics = st.metrics
		outs = append(outs, out)
	}

	if batch != nil {
		for _, ig := range batch.Ignored {
			st := b.seqs[ig.RequestID]
			if st == nil {
				continue
			}
			st.metrics.FinishedTime = now
			outs = append(outs, &RequestOutput{
				RequestID:    ig.RequestID,
				Kind:         st.req.Kind(),
				Prompt:       st.req.Inputs.Prompt,
				PromptTokens: st.promptTokens,
				Finished:     true,
				FinishReason: ig.Reason,
				Metrics:      st.metrics,
			})
			delete(b.seqs, ig.RequestID)
		}
	}
	return outs
}
