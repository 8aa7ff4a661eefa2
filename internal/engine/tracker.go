package engine

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

type pendingRequest struct {
	stream *OutputStream
	req    *Request
}

// RequestTracker maps request IDs to their streams and buffers new and
// finished requests between loop iterations. It is safe for concurrent use.
//
// A request is pending from AddRequest until the next drain, then live until
// it finishes or is aborted. An ID is pending or live at most once.
type RequestTracker struct {
	mu       sync.Mutex
	streams  map[string]*OutputStream
	pending  []pendingRequest
	queued   map[string]*OutputStream // IDs in pending
	finished map[string]struct{}
	wake     chan struct{} // size 1: raised when pending becomes non-empty

	log       zerolog.Logger
	verbose   bool
	publisher EventPublisher
}

// NewRequestTracker returns an empty tracker. verbose enables per-request
// info logs.
func NewRequestTracker(log zerolog.Logger, verbose bool, pub EventPublisher) *RequestTracker {
	if pub == nil {
		pub = noopPublisher{}
	}
	return &RequestTracker{
		streams:   make(map[string]*OutputStream),
		queued:    make(map[string]*OutputStream),
		finished:  make(map[string]struct{}),
		wake:      make(chan struct{}, 1),
		log:       log,
		verbose:   verbose,
		publisher: pub,
	}
}

// Len returns the number of live requests.
func (t *RequestTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streams)
}

// Contains reports whether id is live.
func (t *RequestTracker) Contains(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.streams[id]
	return ok
}

// HasNewRequests reports whether requests are waiting to be drained.
func (t *RequestTracker) HasNewRequests() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending) > 0
}

// Pending returns the number of requests waiting to be drained.
func (t *RequestTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// AddRequest buffers req for the next drain and returns its stream. The
// request is not visible to the backend until then.
func (t *RequestTracker) AddRequest(req *Request) (*OutputStream, error) {
	t.mu.Lock()
	if _, ok := t.streams[req.ID]; ok {
		t.mu.Unlock()
		return nil, duplicateRequest(req.ID)
	}
	if _, ok := t.queued[req.ID]; ok {
		t.mu.Unlock()
		return nil, duplicateRequest(req.ID)
	}
	stream := newOutputStream(req.ID)
	t.pending = append(t.pending, pendingRequest{stream: stream, req: req})
	t.queued[req.ID] = stream
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
	return stream, nil
}

// AbortRequest marks id finished for the next drain and finishes its stream
// right away so a blocked consumer returns. Safe to call repeatedly and for
// unknown IDs. It reports whether a stream was finished by this call.
func (t *RequestTracker) AbortRequest(id string) bool {
	t.mu.Lock()
	stream := t.abortLocked(id)
	t.mu.Unlock()
	if stream == nil {
		return false
	}
	if t.verbose {
		t.log.Info().Str("request_id", id).Msg("aborted request")
	}
	return true
}

// abortLocked returns the stream it finished, if any.
func (t *RequestTracker) abortLocked(id string) *OutputStream {
	t.finished[id] = struct{}{}
	stream, ok := t.streams[id]
	if !ok {
		stream, ok = t.queued[id]
	}
	if !ok || stream.Finished() {
		return nil
	}
	stream.Finish()
	return stream
}

// PropagateException delivers err to the stream of id, or to every stream
// when id is empty, and aborts each affected request. The broadcast form also
// reaches requests that have not been drained yet: after a global failure no
// drain will ever happen for them.
func (t *RequestTracker) PropagateException(err error, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id != "" {
		t.failLocked(id, err)
		return
	}
	for rid := range t.streams {
		t.failLocked(rid, err)
	}
	for rid := range t.queued {
		t.failLocked(rid, err)
	}
}

func (t *RequestTracker) failLocked(id string, err error) {
	stream, ok := t.streams[id]
	if !ok {
		stream, ok = t.queued[id]
	}
	if ok {
		stream.PutError(err)
	}
	t.abortLocked(id)
}

// ProcessException delivers a request-scoped error, e.g. a validation failure.
func (t *RequestTracker) ProcessException(id string, err error) {
	t.PropagateException(err, id)
	if t.verbose {
		t.log.Info().Str("request_id", id).Err(err).Msg("finished request")
	}
	t.publisher.Publish(Event{Name: "request_failed", RequestID: id, Fields: map[string]any{"error": err.Error()}})
}

// ProcessOutput routes out to its stream. A finished output also aborts the
// request, which evicts it on the next drain. Outputs for requests that are
// no longer live are dropped.
func (t *RequestTracker) ProcessOutput(out *RequestOutput) {
	t.mu.Lock()
	stream, ok := t.streams[out.RequestID]
	if !ok {
		t.mu.Unlock()
		t.log.Debug().Str("request_id", out.RequestID).Msg("dropping output for unknown request")
		return
	}
	stream.Put(out)
	if out.Finished {
		t.abortLocked(out.RequestID)
	}
	t.mu.Unlock()

	if out.Finished {
		if t.verbose {
			t.log.Info().Str("request_id", out.RequestID).Str("finish_reason", out.FinishReason).Msg("finished request")
		}
		t.publisher.Publish(Event{Name: "request_finished", RequestID: out.RequestID, Fields: map[string]any{
			"finish_reason": out.FinishReason,
			"tokens":        len(out.TokenIDs),
		}})
	}
}

// GetNewAndFinishedRequests drains both buffers in one critical section.
// Finished IDs are drained first: a request added and aborted in the same
// window is never returned as new, and its stream is finished.
func (t *RequestTracker) GetNewAndFinishedRequests() ([]*Request, map[string]struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	finished := t.finished
	t.finished = make(map[string]struct{})
	for id := range finished {
		delete(t.streams, id)
	}

	var newReqs []*Request
	for _, p := range t.pending {
		delete(t.queued, p.req.ID)
		if _, aborted := finished[p.req.ID]; aborted {
			p.stream.Finish()
			continue
		}
		t.streams[p.req.ID] = p.stream
		newReqs = append(newReqs, p.req)
	}
	t.pending = nil
	return newReqs, finished
}

// WaitForNewRequests blocks until new requests are pending or ctx is done.
// Spurious wakeups are absorbed by re-checking the buffer.
func (t *RequestTracker) WaitForNewRequests(ctx context.Context) error {
	for {
		if t.HasNewRequests() {
			select {
			case <-t.wake:
			default:
			}
			return nil
		}
		select {
		case <-t.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// FinishAll finishes every pending and live stream without an error. Used on
// graceful shutdown.
func (t *RequestTracker) FinishAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.streams {
		t.abortLocked(id)
	}
	for id := range t.queued {
		t.abortLocked(id)
	}
}
