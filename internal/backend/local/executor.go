package local

import "context"

// Sample is one generated token for one sequence.
type Sample struct {
	// TokenID is -1 when the executor only knows the text.
	TokenID int
	Text    string
	// EOS marks the end-of-sequence token.
	EOS bool
}

// Executor runs the model. Execute returns exactly one sample per sequence,
// in order; Embed one vector per sequence. Calls for different stages may
// run concurrently.
type Executor interface {
	Execute(ctx context.Context, seqs []*Sequence) ([]Sample, error)
	Embed(ctx context.Context, seqs []*Sequence) ([][]float32, error)
	// Release drops per-sequence state after it finishes or is aborted.
	Release(id string)
	StopIdleWorkers(ctx context.Context) error
	CheckHealth(ctx context.Context) error
}
