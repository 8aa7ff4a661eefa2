package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// AsyncEngine is the caller-facing facade over the background loop. Many
// goroutines may submit, consume and abort concurrently.
type AsyncEngine struct {
	cfg       EngineConfig
	log       zerolog.Logger
	pub       EventPublisher
	stats     *engineStats
	startTime time.Time

	// mu orders submissions against loop exit: a request is either tracked
	// before the exit handler runs, or sees the engine as not running.
	mu      sync.RWMutex
	running bool
	stopped bool
	deadErr error
	loop    *engineLoop
	tracker *RequestTracker
	cancel  context.CancelFunc
	done    chan struct{}
}

// RequestOption customizes a request built by Generate or Encode.
type RequestOption func(*Request)

// WithAdapter applies a LoRA adapter to the request.
func WithAdapter(a AdapterRef) RequestOption {
	return func(r *Request) { r.Adapter = &a }
}

// WithArrivalTime overrides the submission timestamp.
func WithArrivalTime(t time.Time) RequestOption {
	return func(r *Request) { r.ArrivalTime = t }
}

// New validates cfg, applies defaults and returns a stopped engine. The loop
// starts on Start or, unless DisableAutoStart is set, on the first request.
func New(cfg EngineConfig) (*AsyncEngine, error) {
	if cfg.Backend == nil {
		return nil, errors.New("engine: backend is required")
	}
	cfg = cfg.withDefaults()
	stats := &engineStats{}
	e := &AsyncEngine{
		cfg:       cfg,
		log:       cfg.Logger.With().Str("component", "engine").Logger(),
		pub:       statsPublisher{next: cfg.Publisher, stats: stats},
		stats:     stats,
		startTime: time.Now(),
	}
	observeLoopState(LoopNew)
	return e, nil
}

// Start launches the background loop. Values carried by ctx are inherited by
// the loop but its cancellation is not; use Shutdown to stop.
func (e *AsyncEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startLocked(ctx)
}

func (e *AsyncEngine) startLocked(ctx context.Context) error {
	if e.deadErr != nil {
		return e.deadError("background loop has errored already")
	}
	if e.running {
		return ErrAlreadyRunning
	}
	tracker := NewRequestTracker(e.log, e.cfg.LogRequests, e.pub)
	loop := newEngineLoop(e.cfg, tracker)
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	e.tracker, e.loop, e.cancel, e.done = tracker, loop, cancel, done
	e.running, e.stopped = true, false

	go func() {
		defer close(done)
		err := loop.run(loopCtx)
		e.handleLoopExit(loopCtx, loop, tracker, err)
	}()
	e.log.Info().Int("stages", len(loop.steppers)).Dur("iteration_timeout", e.cfg.IterationTimeout).Msg("engine started")
	return nil
}

// handleLoopExit records the terminal state of a finished loop.
func (e *AsyncEngine) handleLoopExit(ctx context.Context, loop *engineLoop, tracker *RequestTracker, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = false
	liveRequests.Set(0)

	if stoppedGracefully(ctx, err) {
		e.stopped = true
		tracker.FinishAll()
		loop.setState(LoopStopped)
		e.log.Info().Msg("engine is gracefully shutting down")
		e.pub.Publish(Event{Name: "engine_stopped"})
		return
	}

	if err == nil {
		err = errors.New("background loop exited unexpectedly")
	}
	e.deadErr = err
	// The loop already broadcast err; this also reaches requests that were
	// added while it was draining.
	tracker.PropagateException(err, "")
	loop.setState(LoopDead)
	e.log.Error().Err(err).Msg("engine background task failed")
	e.pub.Publish(Event{Name: "engine_dead", Fields: map[string]any{"error": err.Error()}})
}

// Shutdown stops the loop and waits for it to exit or for ctx to expire.
// Live requests finish without an error. Stopping a dead or never started
// engine is a no-op.
func (e *AsyncEngine) Shutdown(ctx context.Context) error {
	e.mu.RLock()
	cancel, done := e.cancel, e.done
	e.mu.RUnlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddRequest submits req and returns its stream. It fails synchronously with
// ErrDuplicateRequest, ErrEngineNotRunning, a *EngineDeadError or a
// ValidationError for a malformed request.
func (e *AsyncEngine) AddRequest(ctx context.Context, req Request) (*OutputStream, error) {
	if req.ID == "" {
		return nil, NewValidationError("", "request id is required")
	}
	if req.Sampling != nil && req.Pooling != nil {
		return nil, NewValidationError(req.ID, "only one of sampling and pooling params may be set")
	}
	if req.ArrivalTime.IsZero() {
		req.ArrivalTime = time.Now()
	}

	e.mu.RLock()
	if e.running {
		stream, err := e.addLocked(&req)
		e.mu.RUnlock()
		return stream, err
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		if e.cfg.DisableAutoStart {
			if e.deadErr != nil {
				return nil, e.deadError("background loop is not running")
			}
			return nil, ErrEngineNotRunning
		}
		if err := e.startLocked(ctx); err != nil {
			return nil, err
		}
	}
	return e.addLocked(&req)
}

// addLocked requires e.mu held in either mode.
func (e *AsyncEngine) addLocked(req *Request) (*OutputStream, error) {
	stream, err := e.tracker.AddRequest(req)
	if err != nil {
		return nil, err
	}
	if e.cfg.LogRequests {
		e.logRequest(req)
	}
	requestsTotal.WithLabelValues(string(req.Kind())).Inc()
	e.pub.Publish(Event{Name: "request_added", RequestID: req.ID, Fields: map[string]any{"kind": string(req.Kind())}})
	return stream, nil
}

func (e *AsyncEngine) logRequest(req *Request) {
	ev := e.log.Info().
		Str("request_id", req.ID).
		Str("kind", string(req.Kind())).
		Str("prompt", truncate(req.Inputs.Prompt, e.cfg.MaxLogLen)).
		Ints("prompt_token_ids", truncateIDs(req.Inputs.PromptTokenIDs, e.cfg.MaxLogLen))
	if req.Sampling != nil {
		ev = ev.Int("max_tokens", req.Sampling.MaxTokens).Float64("temperature", req.Sampling.Temperature)
	}
	if req.Adapter != nil {
		ev = ev.Str("adapter", req.Adapter.Name)
	}
	ev.Msg("received request")
}

// Generate submits a completion request and returns an iterator over its
// outputs. Leaving the loop early, a ctx cancellation or any error aborts
// the request.
func (e *AsyncEngine) Generate(ctx context.Context, id string, inputs Inputs, params SamplingParams, opts ...RequestOption) (iter.Seq2[*RequestOutput, error], error) {
	req := Request{ID: id, Inputs: inputs, Sampling: &params}
	for _, opt := range opts {
		opt(&req)
	}
	return e.submit(ctx, req, KindGenerate)
}

// Encode submits an embedding request. See Generate.
func (e *AsyncEngine) Encode(ctx context.Context, id string, inputs Inputs, params PoolingParams, opts ...RequestOption) (iter.Seq2[*RequestOutput, error], error) {
	req := Request{ID: id, Inputs: inputs, Pooling: &params}
	for _, opt := range opts {
		opt(&req)
	}
	return e.submit(ctx, req, KindEncode)
}

func (e *AsyncEngine) submit(ctx context.Context, req Request, kind RequestKind) (iter.Seq2[*RequestOutput, error], error) {
	stream, err := e.AddRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	tracker := e.tracker
	e.mu.RUnlock()
	return e.results(ctx, tracker, stream, kind), nil
}

// results drains stream. Every exit other than a clean end of stream aborts
// the request, including a panic in the caller's loop body.
func (e *AsyncEngine) results(ctx context.Context, tracker *RequestTracker, stream *OutputStream, kind RequestKind) iter.Seq2[*RequestOutput, error] {
	return func(yield func(*RequestOutput, error) bool) {
		clean := false
		defer func() {
			if !clean {
				e.abortOn(tracker, stream.RequestID())
			}
		}()
		for {
			out, err := stream.Next(ctx)
			if errors.Is(err, io.EOF) {
				clean = true
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if out.Kind != kind {
				yield(nil, fmt.Errorf("%w: want %s, got %s", ErrUnexpectedOutput, kind, out.Kind))
				return
			}
			if !yield(out, nil) {
				return
			}
		}
	}
}

// Abort cancels request id. Unknown and already finished IDs are ignored.
func (e *AsyncEngine) Abort(id string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.running {
		return e.deadError("background loop is not running")
	}
	e.abortOn(e.tracker, id)
	return nil
}

func (e *AsyncEngine) abortOn(tracker *RequestTracker, id string) {
	if tracker == nil {
		return
	}
	if !tracker.AbortRequest(id) {
		return
	}
	abortsTotal.Inc()
	e.pub.Publish(Event{Name: "request_aborted", RequestID: id})
}

// CheckHealth fails with a *EngineDeadError once the loop has exited and
// otherwise defers to the backend.
func (e *AsyncEngine) CheckHealth(ctx context.Context) error {
	if e.IsStopped() {
		return e.deadError("background loop is stopped")
	}
	if err := e.cfg.Backend.CheckHealth(ctx); err != nil {
		return fmt.Errorf("backend health: %w", err)
	}
	return nil
}

// ModelConfig describes the served model. Backends that do not report one
// get a description derived from their stage count.
func (e *AsyncEngine) ModelConfig(ctx context.Context) (ModelConfig, error) {
	if p, ok := e.cfg.Backend.(ModelConfigProvider); ok {
		return p.ModelConfig(ctx)
	}
	return ModelConfig{Stages: e.cfg.Backend.Stages()}, nil
}

// IsRunning reports whether the background loop is active.
func (e *AsyncEngine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// IsStopped reports whether a started loop has exited, gracefully or not.
func (e *AsyncEngine) IsStopped() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stopped || e.deadErr != nil
}

// Errored reports whether the loop died with an error.
func (e *AsyncEngine) Errored() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.deadErr != nil
}

// Err returns the error that killed the loop, if any.
func (e *AsyncEngine) Err() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.deadErr
}

// State returns the current loop state.
func (e *AsyncEngine) State() LoopState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	switch {
	case e.running:
		return e.loop.State()
	case e.deadErr != nil:
		return LoopDead
	case e.stopped:
		return LoopStopped
	default:
		return LoopNew
	}
}

// deadError requires e.mu held.
func (e *AsyncEngine) deadError(msg string) error {
	return &EngineDeadError{Msg: msg, Cause: e.deadErr}
}

// engineStats counts request outcomes for Status.
type engineStats struct {
	added    atomic.Uint64
	finished atomic.Uint64
	failed   atomic.Uint64
	aborted  atomic.Uint64
}

// statsPublisher counts lifecycle events before forwarding them.
type statsPublisher struct {
	next  EventPublisher
	stats *engineStats
}

func (p statsPublisher) Publish(ev Event) {
	switch ev.Name {
	case "request_added":
		p.stats.added.Add(1)
	case "request_finished":
		p.stats.finished.Add(1)
	case "request_failed":
		p.stats.failed.Add(1)
	case "request_aborted":
		p.stats.aborted.Add(1)
	}
	p.next.Publish(ev)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n]
}

func truncateIDs(ids []int, n int) []int {
	if n <= 0 || len(ids) <= n {
		return ids
	}
	return ids[:n]
}
