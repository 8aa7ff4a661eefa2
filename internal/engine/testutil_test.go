package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeBackend is an in-memory ComputeBackend. Generate requests emit one
// token per step until MaxTokens; encode requests finish in one step with a
// fixed embedding. Requests are assigned to stages round-robin. Admitting an
// ID that is still live fails like a real scheduler does.
type fakeBackend struct {
	stages int

	mu       sync.Mutex
	seqs     map[string]*fakeSeq
	queues   [][]string
	next     int
	aborted  []string
	added    []string
	batchSeq int

	// addErr, when set, is returned from AddRequest for matching requests.
	addErr func(*Request) error
	// stageErr makes Schedule fail for a stage.
	stageErr map[int]error
	// block makes ExecuteModel for a stage wait until the channel is closed.
	block map[int]chan struct{}
	healthErr error
	// stepDelay slows every ExecuteModel call.
	stepDelay time.Duration
	// beforeAdd and beforeAbort run outside the lock before the call is
	// applied; tests use them to hold a call open.
	beforeAdd   func(*Request)
	beforeAbort func([]string)

	stopIdle atomic.Int64
}

type fakeSeq struct {
	req     *Request
	stage   int
	emitted int
	started bool
}

func newFakeBackend(stages int) *fakeBackend {
	return &fakeBackend{
		stages:   stages,
		seqs:     make(map[string]*fakeSeq),
		queues:   make([][]string, stages),
		stageErr: make(map[int]error),
		block:    make(map[int]chan struct{}),
	}
}

func (b *fakeBackend) Stages() int { return b.stages }

func (b *fakeBackend) AddRequest(_ context.Context, req *Request) error {
	if b.beforeAdd != nil {
		b.beforeAdd(req)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.seqs[req.ID]; ok {
		return fmt.Errorf("request %s is already scheduled", req.ID)
	}
	if b.addErr != nil {
		if err := b.addErr(req); err != nil {
			return err
		}
	}
	stage := b.next % b.stages
	b.next++
	b.seqs[req.ID] = &fakeSeq{req: req, stage: stage}
	b.queues[stage] = append(b.queues[stage], req.ID)
	b.added = append(b.added, req.ID)
	return nil
}

func (b *fakeBackend) AbortRequests(_ context.Context, ids []string) error {
	if b.beforeAbort != nil {
		b.beforeAbort(ids)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range ids {
		b.aborted = append(b.aborted, id)
		b.removeLocked(id)
	}
	return nil
}

func (b *fakeBackend) removeLocked(id string) {
	seq, ok := b.seqs[id]
	if !ok {
		return
	}
	delete(b.seqs, id)
	q := b.queues[seq.stage]
	for i, qid := range q {
		if qid == id {
			b.queues[seq.stage] = append(q[:i:i], q[i+1:]...)
			break
		}
	}
}

func (b *fakeBackend) Schedule(_ context.Context, stage int) (*Batch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.stageErr[stage]; err != nil {
		return nil, err
	}
	b.batchSeq++
	batch := &Batch{ID: fmt.Sprintf("b%d", b.batchSeq), Stage: stage}
	for _, id := range b.queues[stage] {
		seq := b.seqs[id]
		batch.Sequences = append(batch.Sequences, ScheduledSequence{RequestID: id, IsPrompt: !seq.started})
		seq.started = true
	}
	return batch, nil
}

func (b *fakeBackend) ExecuteModel(ctx context.Context, batch *Batch) ([]RawOutput, error) {
	if b.stepDelay > 0 {
		time.Sleep(b.stepDelay)
	}
	b.mu.Lock()
	ch := b.block[batch.Stage]
	b.mu.Unlock()
	if ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	var outs []RawOutput
	for _, s := range batch.Sequences {
		seq, ok := b.seqs[s.RequestID]
		if !ok {
			continue
		}
		if seq.req.Kind() == KindEncode {
			outs = append(outs, RawOutput{RequestID: seq.req.ID, TokenID: -1, Embedding: []float32{1, 0}, Finished: true, FinishReason: "stop"})
			b.removeLocked(seq.req.ID)
			continue
		}
		limit := 1
		if seq.req.Sampling != nil && seq.req.Sampling.MaxTokens > 0 {
			limit = seq.req.Sampling.MaxTokens
		}
		seq.emitted++
		out := RawOutput{RequestID: seq.req.ID, TokenID: seq.emitted, Text: fmt.Sprintf("t%d ", seq.emitted)}
		if seq.emitted >= limit {
			out.Finished = true
			out.FinishReason = "length"
			b.removeLocked(seq.req.ID)
		}
		outs = append(outs, out)
	}
	return outs, nil
}

func (b *fakeBackend) HasUnfinishedRequests(_ context.Context, stage int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[stage]) > 0, nil
}

func (b *fakeBackend) StopIdleWorkers(context.Context) error {
	b.stopIdle.Add(1)
	return nil
}

func (b *fakeBackend) CheckHealth(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.healthErr
}

func (b *fakeBackend) setStageErr(stage int, err error) {
	b.mu.Lock()
	b.stageErr[stage] = err
	b.mu.Unlock()
}

func (b *fakeBackend) abortedIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.aborted...)
}

func (b *fakeBackend) addedIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.added...)
}

func (b *fakeBackend) isLive(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.seqs[id]
	return ok
}

func (b *fakeBackend) liveIDs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.seqs)
}

var errStage = errors.New("stage exploded")

// gate holds a backend call open until released. entered is closed the first
// time the call arrives.
type gate struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) wait() {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
}

// newTestEngine builds an engine over b with short timeouts and stops it when
// the test ends.
func newTestEngine(t *testing.T, b ComputeBackend, mutate ...func(*EngineConfig)) *AsyncEngine {
	t.Helper()
	cfg := EngineConfig{
		Backend:          b,
		IterationTimeout: 2 * time.Second,
		DrainTimeout:     500 * time.Millisecond,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e
}

// collect drains seq and returns outputs and the first error.
func collect(seq iter.Seq2[*RequestOutput, error]) ([]*RequestOutput, error) {
	var outs []*RequestOutput
	var firstErr error
	for out, err := range seq {
		if err != nil {
			firstErr = err
			break
		}
		outs = append(outs, out)
	}
	return outs, firstErr
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
