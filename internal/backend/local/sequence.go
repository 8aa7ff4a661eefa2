package local

import (
	"strings"

	"batchd/internal/engine"
	"batchd/pkg/types"
)

// Sequence is the backend's view of one admitted request. Executors may read
// the exported fields; only the owning stage mutates them, between steps.
type Sequence struct {
	ID             string
	Kind           engine.RequestKind
	Prompt         string
	PromptTokenIDs []int
	OutputTokenIDs []int
	Sampling       engine.SamplingParams
	Pooling        engine.PoolingParams
	Adapter        *types.Adapter
	Stage          int

	generated int
	text      strings.Builder
	emitted   int // bytes of text already returned to the engine
	prefilled bool
}

// Generated returns the number of samples produced so far, including those
// without a known token ID.
func (s *Sequence) Generated() int { return s.generated }

// Text returns the decoded output so far.
func (s *Sequence) Text() string { return s.text.String() }

func (s *Sequence) totalLen() int { return len(s.PromptTokenIDs) + s.generated }
