package local

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// SyntheticOptions configures the echo model.
type SyntheticOptions struct {
	// Delay is the simulated compute time per sample.
	Delay time.Duration
	// Workers bounds how many sequences are computed in parallel.
	Workers int
	// Dims is the embedding width.
	Dims int
}

// SyntheticExecutor is a deterministic model: it generates the prompt back
// token by token, then EOS. Embeddings are a histogram of prompt tokens.
type SyntheticExecutor struct {
	tok     Tokenizer
	opts    SyntheticOptions
	idle    atomic.Int64
	healthy atomic.Bool
}

// NewSyntheticExecutor returns an executor using tok for decoding.
func NewSyntheticExecutor(tok Tokenizer, opts SyntheticOptions) *SyntheticExecutor {
	if tok == nil {
		tok = ByteTokenizer{}
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.Dims <= 0 {
		opts.Dims = 8
	}
	x := &SyntheticExecutor{tok: tok, opts: opts}
	x.healthy.Store(true)
	return x
}

func (x *SyntheticExecutor) Execute(ctx context.Context, seqs []*Sequence) ([]Sample, error) {
	out := make([]Sample, len(seqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.opts.Workers)
	for i, seq := range seqs {
		g.Go(func() error {
			if err := x.wait(gctx); err != nil {
				return err
			}
			out[i] = x.next(seq)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (x *SyntheticExecutor) next(seq *Sequence) Sample {
	n := seq.Generated()
	if n < len(seq.PromptTokenIDs) {
		id := seq.PromptTokenIDs[n]
		return Sample{TokenID: id, Text: x.tok.Decode([]int{id})}
	}
	return Sample{TokenID: x.tok.EOS(), EOS: true}
}

func (x *SyntheticExecutor) Embed(ctx context.Context, seqs []*Sequence) ([][]float32, error) {
	out := make([][]float32, len(seqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.opts.Workers)
	for i, seq := range seqs {
		g.Go(func() error {
			if err := x.wait(gctx); err != nil {
				return err
			}
			v := make([]float32, x.opts.Dims)
			for _, id := range seq.PromptTokenIDs {
				v[id%x.opts.Dims]++
			}
			out[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (x *SyntheticExecutor) wait(ctx context.Context) error {
	if x.opts.Delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(x.opts.Delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (x *SyntheticExecutor) Release(string) {}

func (x *SyntheticExecutor) StopIdleWorkers(context.Context) error {
	x.idle.Add(1)
	return nil
}

// IdleStops returns how many times StopIdleWorkers was called.
func (x *SyntheticExecutor) IdleStops() int64 { return x.idle.Load() }

// SetHealthy toggles the CheckHealth result.
func (x *SyntheticExecutor) SetHealthy(ok bool) { x.healthy.Store(ok) }

func (x *SyntheticExecutor) CheckHealth(context.Context) error {
	if !x.healthy.Load() {
		return errUnhealthy
	}
	return nil
}
