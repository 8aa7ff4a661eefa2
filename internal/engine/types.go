package engine

import "time"

// LoopState is the lifecycle state of the background loop.
type LoopState string

const (
	LoopNew      LoopState = "new"
	LoopIdle     LoopState = "idle"
	LoopStepping LoopState = "stepping"
	LoopDraining LoopState = "draining"
	LoopDead     LoopState = "dead"
	LoopStopped  LoopState = "stopped"
)

// RequestKind distinguishes completion requests from embedding requests.
type RequestKind string

const (
	KindGenerate RequestKind = "generate"
	KindEncode   RequestKind = "encode"
)

// Inputs is the request payload. Either Prompt or PromptTokenIDs must be set.
type Inputs struct {
	Prompt         string `json:"prompt,omitempty"`
	PromptTokenIDs []int  `json:"prompt_token_ids,omitempty"`
	// Opaque multimodal payload forwarded to the backend untouched.
	MultiModalData []byte `json:"multi_modal_data,omitempty"`
}

// SamplingParams controls generation.
type SamplingParams struct {
	MaxTokens         int      `json:"max_tokens,omitempty"`
	Temperature       float64  `json:"temperature,omitempty"`
	TopP              float64  `json:"top_p,omitempty"`
	TopK              int      `json:"top_k,omitempty"`
	Stop              []string `json:"stop,omitempty"`
	Seed              int64    `json:"seed,omitempty"`
	IgnoreEOS         bool     `json:"ignore_eos,omitempty"`
	RepetitionPenalty float64  `json:"repetition_penalty,omitempty"`
}

// PoolingParams controls embedding requests.
type PoolingParams struct {
	Normalize bool `json:"normalize,omitempty"`
}

// AdapterRef names a LoRA weight set to apply to a request.
type AdapterRef struct {
	Name string `json:"name"`
	ID   int    `json:"id,omitempty"`
	Path string `json:"path,omitempty"`
}

// Request is the unit of work submitted to the engine. Exactly one of
// Sampling or Pooling is set.
type Request struct {
	ID          string          `json:"id"`
	Inputs      Inputs          `json:"inputs"`
	Sampling    *SamplingParams `json:"sampling,omitempty"`
	Pooling     *PoolingParams  `json:"pooling,omitempty"`
	ArrivalTime time.Time       `json:"arrival_time"`
	Adapter     *AdapterRef     `json:"adapter,omitempty"`
}

// Kind reports whether the request generates tokens or embeddings.
func (r *Request) Kind() RequestKind {
	if r.Pooling != nil {
		return KindEncode
	}
	return KindGenerate
}

// ScheduledSequence is one request's slot in a batch.
type ScheduledSequence struct {
	RequestID string `json:"request_id"`
	// IsPrompt is true on the first iteration a request is scheduled.
	IsPrompt bool `json:"is_prompt"`
}

// IgnoredRequest is a request the scheduler refused to run (e.g. prompt too
// long). It is reported finished with Reason.
type IgnoredRequest struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason"`
}

// Batch is the descriptor returned by Schedule for one stage.
type Batch struct {
	ID        string              `json:"id"`
	Stage     int                 `json:"stage"`
	Sequences []ScheduledSequence `json:"sequences,omitempty"`
	Ignored   []IgnoredRequest    `json:"ignored,omitempty"`
}

// IsEmpty reports whether there is nothing to execute. Ignored requests still
// need bookkeeping but no compute.
func (b *Batch) IsEmpty() bool { return b == nil || len(b.Sequences) == 0 }

// RawOutput is one sequence's result from a single ExecuteModel call.
type RawOutput struct {
	RequestID    string    `json:"request_id"`
	TokenID      int       `json:"token_id"`
	Text         string    `json:"text,omitempty"`
	Embedding    []float32 `json:"embedding,omitempty"`
	PromptTokens int       `json:"prompt_tokens,omitempty"`
	Finished     bool      `json:"finished,omitempty"`
	FinishReason string    `json:"finish_reason,omitempty"`
}

// RequestMetrics records per-request timing.
type RequestMetrics struct {
	ArrivalTime        time.Time `json:"arrival_time"`
	FirstScheduledTime time.Time `json:"first_scheduled_time,omitempty"`
	FirstTokenTime     time.Time `json:"first_token_time,omitempty"`
	FinishedTime       time.Time `json:"finished_time,omitempty"`
}

// RequestOutput is the cumulative result delivered to a request's stream.
// Text and TokenIDs hold everything generated so far; Delta is the newest
// piece.
type RequestOutput struct {
	RequestID    string         `json:"request_id"`
	Kind         RequestKind    `json:"kind"`
	Prompt       string         `json:"prompt,omitempty"`
	PromptTokens int            `json:"prompt_tokens,omitempty"`
	Text         string         `json:"text,omitempty"`
	Delta        string         `json:"delta,omitempty"`
	TokenIDs     []int          `json:"token_ids,omitempty"`
	Embedding    []float32      `json:"embedding,omitempty"`
	Finished     bool           `json:"finished"`
	FinishReason string         `json:"finish_reason,omitempty"`
	Metrics      RequestMetrics `json:"metrics"`
}

// ModelConfig describes the model served by a backend.
type ModelConfig struct {
	Name        string `json:"name"`
	MaxModelLen int    `json:"max_model_len"`
	Stages      int    `json:"stages"`
	Adapters    bool   `json:"adapters_enabled"`
}
