package engine

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestTracker() (*RequestTracker, *MemoryPublisher) {
	pub := NewMemoryPublisher()
	return NewRequestTracker(zerolog.Nop(), false, pub), pub
}

func TestTrackerAddAndAbortBeforeDrain(t *testing.T) {
	tr, _ := newTestTracker()
	stream, err := tr.AddRequest(&Request{ID: "a"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !tr.AbortRequest("a") {
		t.Fatalf("expected abort to finish the queued stream")
	}
	if !stream.Finished() {
		t.Fatalf("stream should be finished right after abort")
	}

	newReqs, finished := tr.GetNewAndFinishedRequests()
	if len(newReqs) != 0 {
		t.Fatalf("aborted request returned as new: %v", newReqs)
	}
	if _, ok := finished["a"]; !ok {
		t.Fatalf("expected a in finished set, got %v", finished)
	}
	if tr.Contains("a") || tr.Len() != 0 {
		t.Fatalf("aborted request must never become live")
	}
	if _, err := stream.Next(testCtx(t)); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestTrackerDuplicate(t *testing.T) {
	tr, _ := newTestTracker()
	if _, err := tr.AddRequest(&Request{ID: "a"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	// Pending duplicate.
	if _, err := tr.AddRequest(&Request{ID: "a"}); !IsDuplicateRequest(err) {
		t.Fatalf("expected duplicate while pending, got %v", err)
	}
	tr.GetNewAndFinishedRequests()
	// Live duplicate.
	if _, err := tr.AddRequest(&Request{ID: "a"}); !IsDuplicateRequest(err) {
		t.Fatalf("expected duplicate while live, got %v", err)
	}
	if tr.Len() != 1 {
		t.Fatalf("expected one live request, got %d", tr.Len())
	}
}

func TestTrackerAbortIdempotent(t *testing.T) {
	tr, _ := newTestTracker()
	stream, _ := tr.AddRequest(&Request{ID: "a"})
	tr.GetNewAndFinishedRequests()

	tr.AbortRequest("a")
	tr.AbortRequest("a")
	tr.AbortRequest("unknown")

	_, finished := tr.GetNewAndFinishedRequests()
	if len(finished) != 2 {
		t.Fatalf("expected deduplicated finished set of 2, got %v", finished)
	}
	if tr.Contains("a") {
		t.Fatalf("a should be evicted")
	}
	ctx := testCtx(t)
	if _, err := stream.Next(ctx); err != io.EOF {
		t.Fatalf("expected single terminal marker, got %v", err)
	}
	if _, err := stream.Next(ctx); err != io.EOF {
		t.Fatalf("expected EOF again, got %v", err)
	}
}

func TestTrackerProcessOutputFinishes(t *testing.T) {
	tr, pub := newTestTracker()
	stream, _ := tr.AddRequest(&Request{ID: "a"})
	tr.GetNewAndFinishedRequests()

	tr.ProcessOutput(&RequestOutput{RequestID: "a", Text: "x"})
	tr.ProcessOutput(&RequestOutput{RequestID: "a", Text: "xy", Finished: true, FinishReason: "stop"})
	tr.ProcessOutput(&RequestOutput{RequestID: "a", Text: "late"})
	tr.ProcessOutput(&RequestOutput{RequestID: "ghost"})

	var texts []string
	for out, err := range stream.All(testCtx(t)) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		texts = append(texts, out.Text)
	}
	if len(texts) != 2 || texts[1] != "xy" {
		t.Fatalf("unexpected outputs %v", texts)
	}
	_, finished := tr.GetNewAndFinishedRequests()
	if _, ok := finished["a"]; !ok {
		t.Fatalf("finished output should mark request finished")
	}
	if got := pub.Names(); len(got) != 1 || got[0] != "request_finished" {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestTrackerPropagateException(t *testing.T) {
	tr, _ := newTestTracker()
	live, _ := tr.AddRequest(&Request{ID: "live"})
	tr.GetNewAndFinishedRequests()
	queued, _ := tr.AddRequest(&Request{ID: "queued"})

	boom := errors.New("boom")
	tr.PropagateException(boom, "")

	ctx := testCtx(t)
	for name, s := range map[string]*OutputStream{"live": live, "queued": queued} {
		if _, err := s.Next(ctx); !errors.Is(err, boom) {
			t.Fatalf("%s: expected boom, got %v", name, err)
		}
		if _, err := s.Next(ctx); err != io.EOF {
			t.Fatalf("%s: expected EOF, got %v", name, err)
		}
	}
}

func TestTrackerProcessExceptionSingleRequest(t *testing.T) {
	tr, pub := newTestTracker()
	a, _ := tr.AddRequest(&Request{ID: "a"})
	b, _ := tr.AddRequest(&Request{ID: "b"})
	tr.GetNewAndFinishedRequests()

	tr.ProcessException("a", NewValidationError("a", "bad temperature"))
	if _, err := a.Next(testCtx(t)); !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if b.Finished() {
		t.Fatalf("b must not be affected")
	}
	if got := pub.Names(); len(got) != 1 || got[0] != "request_failed" {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestTrackerWaitForNewRequests(t *testing.T) {
	tr, _ := newTestTracker()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := tr.WaitForNewRequests(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- tr.WaitForNewRequests(context.Background()) }()
	time.Sleep(10 * time.Millisecond)
	if _, err := tr.AddRequest(&Request{ID: "a"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("wait did not return after add")
	}

	// Already pending: returns immediately.
	if err := tr.WaitForNewRequests(testCtx(t)); err != nil {
		t.Fatalf("wait with pending: %v", err)
	}
}

func TestTrackerFinishAll(t *testing.T) {
	tr, _ := newTestTracker()
	live, _ := tr.AddRequest(&Request{ID: "live"})
	tr.GetNewAndFinishedRequests()
	queued, _ := tr.AddRequest(&Request{ID: "queued"})

	tr.FinishAll()
	ctx := testCtx(t)
	for _, s := range []*OutputStream{live, queued} {
		if _, err := s.Next(ctx); err != io.EOF {
			t.Fatalf("%s: expected clean EOF, got %v", s.RequestID(), err)
		}
	}
}
