package engine

import "context"

// ComputeBackend is the capability the loop drives. Implementations are
// in-process (internal/backend/local) or a remote actor
// (internal/backend/remote); the loop does not know which one it has.
//
// Concurrent calls for different stages must be safe. Calls for one stage
// are never issued concurrently by the loop.
type ComputeBackend interface {
	// Stages returns the number of independently stepped pipeline stages.
	Stages() int
	// AddRequest admits a request. Bad parameters yield a *ValidationError
	// and must leave backend state untouched.
	AddRequest(ctx context.Context, req *Request) error
	// AbortRequests drops requests from all scheduling structures. Unknown
	// or already finished IDs are ignored.
	AbortRequests(ctx context.Context, ids []string) error
	// Schedule picks the next batch for a stage.
	Schedule(ctx context.Context, stage int) (*Batch, error)
	// ExecuteModel runs one compute iteration for a non-empty batch.
	ExecuteModel(ctx context.Context, batch *Batch) ([]RawOutput, error)
	// HasUnfinishedRequests reports whether a stage has queued or running work.
	HasUnfinishedRequests(ctx context.Context, stage int) (bool, error)
	// StopIdleWorkers releases remote workers blocked waiting for work.
	StopIdleWorkers(ctx context.Context) error
	// CheckHealth returns an error if the backend is unreachable or corrupted.
	CheckHealth(ctx context.Context) error
}

// ModelConfigProvider is optionally implemented by backends that can
// describe the served model.
type ModelConfigProvider interface {
	ModelConfig(ctx context.Context) (ModelConfig, error)
}
