//go:build llama

package local

import (
	"context"
	"errors"
	"strings"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"
)

// LlamaBuilt indicates this binary was compiled with real llama support.
const LlamaBuilt = true

// LlamaOptions configures the in-process llama.cpp model.
type LlamaOptions struct {
	ModelPath string
	CtxSize   int
	Threads   int
}

// LlamaExecutor runs a GGUF model through go-llama.cpp. The binding
// generates a whole completion per call, so each sequence gets a generation
// goroutine that feeds a buffered token channel; Execute takes one token per
// sequence from it. The model is not safe for concurrent use, so
// generations are serialized.
type LlamaExecutor struct {
	model   *llama.LLama
	threads int

	genMu sync.Mutex // one Predict/Embeddings at a time

	mu   sync.Mutex
	gens map[string]*llamaGen
}

type llamaGen struct {
	tokens chan string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewLlamaExecutor loads the model at opts.ModelPath.
func NewLlamaExecutor(opts LlamaOptions) (*LlamaExecutor, error) {
	if strings.TrimSpace(opts.ModelPath) == "" {
		return nil, errors.New("model path is empty")
	}
	mo := []llama.ModelOption{llama.EnableEmbeddings}
	if opts.CtxSize > 0 {
		mo = append(mo, llama.SetContext(opts.CtxSize))
	}
	m, err := llama.New(opts.ModelPath, mo...)
	if err != nil {
		return nil, err
	}
	return &LlamaExecutor{model: m, threads: max(1, opts.Threads), gens: make(map[string]*llamaGen)}, nil
}

func (x *LlamaExecutor) Execute(ctx context.Context, seqs []*Sequence) ([]Sample, error) {
	out := make([]Sample, len(seqs))
	for i, seq := range seqs {
		g := x.generation(seq)
		select {
		case tok, ok := <-g.tokens:
			if !ok {
				if g.err != nil {
					return nil, g.err
				}
				out[i] = Sample{TokenID: -1, EOS: true}
				continue
			}
			out[i] = Sample{TokenID: -1, Text: tok}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return out, nil
}

// generation returns the running generation for seq, starting it on first use.
func (x *LlamaExecutor) generation(seq *Sequence) *llamaGen {
	x.mu.Lock()
	defer x.mu.Unlock()
	if g, ok := x.gens[seq.ID]; ok {
		return g
	}
	ctx, cancel := context.WithCancel(context.Background())
	// Sized so the producer never blocks on a slow consumer while holding genMu.
	g := &llamaGen{tokens: make(chan string, seq.Sampling.MaxTokens+1), cancel: cancel, done: make(chan struct{})}
	x.gens[seq.ID] = g
	go x.run(ctx, seq, g)
	return g
}

func (x *LlamaExecutor) run(ctx context.Context, seq *Sequence, g *llamaGen) {
	defer close(g.done)
	defer close(g.tokens)

	x.genMu.Lock()
	defer x.genMu.Unlock()
	if ctx.Err() != nil {
		return
	}
	sent := 0
	x.model.SetTokenCallback(func(tok string) bool {
		if ctx.Err() != nil || sent >= cap(g.tokens) {
			return false
		}
		g.tokens <- tok
		sent++
		return true
	})
	_, err := x.model.Predict(seq.Prompt, predictOptions(seq, x.threads)...)
	if err != nil && ctx.Err() == nil {
		g.err = err
	}
}

func predictOptions(seq *Sequence, threads int) []llama.PredictOption {
	sp := seq.Sampling
	po := []llama.PredictOption{
		llama.SetTokens(max(1, sp.MaxTokens)),
		llama.SetThreads(threads),
		llama.SetTopP(zf(float32(sp.TopP), llama.DefaultOptions.TopP)),
		llama.SetTopK(zn(sp.TopK, llama.DefaultOptions.TopK)),
		llama.SetTemperature(float32(sp.Temperature)),
		llama.SetPenalty(zf(float32(sp.RepetitionPenalty), llama.DefaultOptions.Penalty)),
	}
	if sp.Seed != 0 {
		po = append(po, llama.SetSeed(int(sp.Seed)))
	}
	if len(sp.Stop) > 0 {
		po = append(po, llama.SetStopWords(sp.Stop...))
	}
	if sp.IgnoreEOS {
		po = append(po, llama.IgnoreEOS)
	}
	return po
}

func (x *LlamaExecutor) Embed(ctx context.Context, seqs []*Sequence) ([][]float32, error) {
	x.genMu.Lock()
	defer x.genMu.Unlock()
	out := make([][]float32, len(seqs))
	for i, seq := range seqs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := x.model.Embeddings(seq.Prompt, llama.SetThreads(x.threads))
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (x *LlamaExecutor) Release(id string) {
	x.mu.Lock()
	g, ok := x.gens[id]
	delete(x.gens, id)
	x.mu.Unlock()
	if ok {
		g.cancel()
	}
}

func (x *LlamaExecutor) StopIdleWorkers(context.Context) error { return nil }

func (x *LlamaExecutor) CheckHealth(context.Context) error {
	if x.model == nil {
		return errors.New("llama model not initialized")
	}
	return nil
}

// Close frees the model after waiting for running generations.
func (x *LlamaExecutor) Close() error {
	x.mu.Lock()
	gens := x.gens
	x.gens = make(map[string]*llamaGen)
	x.mu.Unlock()
	for _, g := range gens {
		g.cancel()
		<-g.done
	}
	if x.model != nil {
		x.model.Free()
		x.model = nil
	}
	return nil
}

func zn(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func zf(v, def float32) float32 {
	if v > 0 {
		return v
	}
	return def
}
