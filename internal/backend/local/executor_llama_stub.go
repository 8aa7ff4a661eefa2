//go:build !llama

package local

import "context"

// LlamaBuilt indicates this binary was compiled without llama support.
const LlamaBuilt = false

// LlamaOptions configures the in-process llama.cpp model.
type LlamaOptions struct {
	ModelPath string
	CtxSize   int
	Threads   int
}

// LlamaExecutor is a stub that refuses to load a model without the 'llama'
// build tag, keeping default builds CGO-free.
type LlamaExecutor struct{}

func NewLlamaExecutor(LlamaOptions) (*LlamaExecutor, error) {
	return nil, ErrDependencyUnavailable("llama support not built (missing 'llama' build tag)")
}

func (x *LlamaExecutor) Execute(context.Context, []*Sequence) ([]Sample, error) {
	return nil, ErrDependencyUnavailable("llama support not built (missing 'llama' build tag)")
}

func (x *LlamaExecutor) Embed(context.Context, []*Sequence) ([][]float32, error) {
	return nil, ErrDependencyUnavailable("llama support not built (missing 'llama' build tag)")
}

func (x *LlamaExecutor) Release(string) {}

func (x *LlamaExecutor) StopIdleWorkers(context.Context) error { return nil }

func (x *LlamaExecutor) CheckHealth(context.Context) error {
	return ErrDependencyUnavailable("llama support not built (missing 'llama' build tag)")
}

func (x *LlamaExecutor) Close() error { return nil }
