package engine

import (
	"context"
	"io"
	"iter"
	"sync"
)

type streamItem struct {
	out  *RequestOutput
	err  error
	done bool
}

// OutputStream is the ordered queue of results for one request. The loop is
// the only producer; the caller is the only consumer. Put never blocks.
type OutputStream struct {
	id string

	mu       sync.Mutex
	items    []streamItem
	finished bool
	drained  bool
	ready    chan struct{} // size 1: wakes the consumer
}

func newOutputStream(id string) *OutputStream {
	return &OutputStream{id: id, ready: make(chan struct{}, 1)}
}

// RequestID returns the ID of the owning request.
func (s *OutputStream) RequestID() string { return s.id }

// Put enqueues a result. No-op once finished.
func (s *OutputStream) Put(out *RequestOutput) { s.enqueue(streamItem{out: out}) }

// PutError enqueues an error; the consumer observes it from Next. No-op once
// finished.
func (s *OutputStream) PutError(err error) { s.enqueue(streamItem{err: err}) }

func (s *OutputStream) enqueue(it streamItem) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.items = append(s.items, it)
	s.mu.Unlock()
	s.notify()
}

// Finish enqueues the terminal marker. Later Put and Finish calls are no-ops.
func (s *OutputStream) Finish() {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.items = append(s.items, streamItem{done: true})
	s.mu.Unlock()
	s.notify()
}

// Finished reports whether Finish has been called.
func (s *OutputStream) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

func (s *OutputStream) notify() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Next blocks until the next item is available. It returns the queued error
// for error items, io.EOF once the terminal marker has been consumed, and
// ctx.Err() if ctx is done first.
func (s *OutputStream) Next(ctx context.Context) (*RequestOutput, error) {
	for {
		s.mu.Lock()
		if len(s.items) > 0 {
			it := s.items[0]
			s.items[0] = streamItem{}
			s.items = s.items[1:]
			if it.done {
				s.drained = true
				s.items = nil
			}
			s.mu.Unlock()
			switch {
			case it.done:
				return nil, io.EOF
			case it.err != nil:
				return nil, it.err
			default:
				return it.out, nil
			}
		}
		if s.drained {
			s.mu.Unlock()
			return nil, io.EOF
		}
		s.mu.Unlock()

		select {
		case <-s.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// All returns an iterator over the remaining results. Iteration stops after
// the terminal marker or after yielding the first error.
func (s *OutputStream) All(ctx context.Context) iter.Seq2[*RequestOutput, error] {
	return func(yield func(*RequestOutput, error) bool) {
		for {
			out, err := s.Next(ctx)
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(out, nil) {
				return
			}
		}
	}
}
