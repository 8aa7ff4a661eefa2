package types

// GenerateRequest is the body of POST /v1/generate.
type GenerateRequest struct {
	// Optional request identifier. A ULID is generated when omitted.
	// example: 01HZX3K6Q3Y0M5J8T2W9B7C4DE
	ID string `json:"id,omitempty" example:"01HZX3K6Q3Y0M5J8T2W9B7C4DE"`
	// Prompt text. Either prompt or prompt_token_ids is required.
	// example: Write a haiku about the ocean.
	Prompt string `json:"prompt,omitempty" example:"Write a haiku about the ocean."`
	// Pre-tokenized prompt.
	PromptTokenIDs []int `json:"prompt_token_ids,omitempty"`
	// Maximum number of new tokens to generate.
	// example: 128
	MaxTokens int `json:"max_tokens,omitempty" example:"128"`
	// Sampling temperature (higher = more random).
	// example: 0.7
	Temperature float64 `json:"temperature,omitempty" example:"0.7"`
	// Nucleus sampling probability.
	// example: 0.9
	TopP float64 `json:"top_p,omitempty" example:"0.9"`
	// Top-K sampling: limit candidates to top K tokens.
	// example: 40
	TopK int `json:"top_k,omitempty" example:"40"`
	// Optional stop sequences. Generation stops when any sequence is matched.
	// example: ["\n\n","END"]
	Stop []string `json:"stop,omitempty" example:"[\"\\n\\n\",\"END\"]"`
	// Random seed for reproducibility; 0 or omitted lets the server choose.
	// example: 42
	Seed int64 `json:"seed,omitempty" example:"42"`
	// Keep generating past end-of-sequence tokens.
	IgnoreEOS bool `json:"ignore_eos,omitempty"`
	// Repetition penalty.
	// example: 1.1
	RepetitionPenalty float64 `json:"repetition_penalty,omitempty" example:"1.1"`
	// Optional LoRA adapter name from GET /v1/adapters.
	// example: sql-lora
	Adapter string `json:"adapter,omitempty" example:"sql-lora"`
}

// GenerateChunk is one NDJSON line of the /v1/generate stream.
type GenerateChunk struct {
	// Request identifier.
	ID string `json:"id"`
	// Newly generated text since the previous chunk.
	// example: Waves
	Delta string `json:"delta,omitempty" example:"Waves"`
	// Full text generated so far.
	Text string `json:"text,omitempty"`
	// Number of generated tokens so far.
	// example: 12
	Tokens int `json:"tokens"`
	// Number of prompt tokens.
	// example: 7
	PromptTokens int `json:"prompt_tokens,omitempty" example:"7"`
	// True on the last chunk.
	Done bool `json:"done"`
	// Why generation stopped (stop, length, abort).
	// example: length
	FinishReason string `json:"finish_reason,omitempty" example:"length"`
	// Error message; set only on a terminal error chunk.
	Error string `json:"error,omitempty"`
	// Time to first token in milliseconds, set on the last chunk.
	TTFTMs int64 `json:"ttft_ms,omitempty"`
	// Total latency in milliseconds, set on the last chunk.
	LatencyMs int64 `json:"latency_ms,omitempty"`
}

// EncodeRequest is the body of POST /v1/encode.
type EncodeRequest struct {
	// Optional request identifier. A ULID is generated when omitted.
	ID string `json:"id,omitempty"`
	// Text to embed. Either input or input_token_ids is required.
	// example: The quick brown fox
	Input string `json:"input,omitempty" example:"The quick brown fox"`
	// Pre-tokenized input.
	InputTokenIDs []int `json:"input_token_ids,omitempty"`
	// L2-normalize the embedding.
	// example: true
	Normalize bool `json:"normalize,omitempty" example:"true"`
	// Optional LoRA adapter name.
	Adapter string `json:"adapter,omitempty"`
}

// EncodeResponse is returned by POST /v1/encode.
type EncodeResponse struct {
	// Request identifier.
	ID string `json:"id"`
	// Embedding vector.
	Embedding []float32 `json:"embedding"`
	// Number of input tokens.
	// example: 5
	PromptTokens int `json:"prompt_tokens" example:"5"`
}

// AbortResponse is returned by POST /v1/abort/{id}.
type AbortResponse struct {
	// Request identifier.
	ID string `json:"id"`
	// Always true; aborting an unknown request is not an error.
	Aborted bool `json:"aborted"`
}

// AdaptersResponse wraps the list returned by GET /v1/adapters.
type AdaptersResponse struct {
	Adapters []Adapter `json:"adapters"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}
