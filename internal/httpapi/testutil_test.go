package httpapi

import (
	"bytes"
	"context"
	"iter"
	"net/http"
	"net/http/httptest"
	"sync"

	"batchd/internal/engine"
	"batchd/pkg/types"
)

// mockService is a scripted Service. Streams yield outputs, then block until
// ctx is done when block is set, then yield streamErr when set.
type mockService struct {
	outputs   []*engine.RequestOutput
	streamErr error
	submitErr error
	abortErr  error
	healthErr error
	block     bool
	running   bool
	status    types.EngineStatus
	model     engine.ModelConfig
	modelErr  error

	mu          sync.Mutex
	lastID      string
	lastInputs  engine.Inputs
	lastParams  engine.SamplingParams
	lastPooling engine.PoolingParams
	lastAdapter *engine.AdapterRef
	aborted     []string
	ctxErr      error
}

func (m *mockService) record(id string, inputs engine.Inputs, opts []engine.RequestOption) {
	var req engine.Request
	for _, o := range opts {
		o(&req)
	}
	m.mu.Lock()
	m.lastID = id
	m.lastInputs = inputs
	m.lastAdapter = req.Adapter
	m.mu.Unlock()
}

func (m *mockService) stream(ctx context.Context) iter.Seq2[*engine.RequestOutput, error] {
	return func(yield func(*engine.RequestOutput, error) bool) {
		for _, o := range m.outputs {
			if !yield(o, nil) {
				return
			}
		}
		if m.block {
			<-ctx.Done()
			m.mu.Lock()
			m.ctxErr = ctx.Err()
			m.mu.Unlock()
			yield(nil, ctx.Err())
			return
		}
		if m.streamErr != nil {
			yield(nil, m.streamErr)
		}
	}
}

func (m *mockService) Generate(ctx context.Context, id string, inputs engine.Inputs, params engine.SamplingParams, opts ...engine.RequestOption) (iter.Seq2[*engine.RequestOutput, error], error) {
	m.record(id, inputs, opts)
	m.mu.Lock()
	m.lastParams = params
	m.mu.Unlock()
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	return m.stream(ctx), nil
}

func (m *mockService) Encode(ctx context.Context, id string, inputs engine.Inputs, params engine.PoolingParams, opts ...engine.RequestOption) (iter.Seq2[*engine.RequestOutput, error], error) {
	m.record(id, inputs, opts)
	m.mu.Lock()
	m.lastPooling = params
	m.mu.Unlock()
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	return m.stream(ctx), nil
}

func (m *mockService) Abort(id string) error {
	if m.abortErr != nil {
		return m.abortErr
	}
	m.mu.Lock()
	m.aborted = append(m.aborted, id)
	m.mu.Unlock()
	return nil
}

func (m *mockService) CheckHealth(context.Context) error { return m.healthErr }
func (m *mockService) ModelConfig(context.Context) (engine.ModelConfig, error) {
	return m.model, m.modelErr
}
func (m *mockService) Status() types.EngineStatus { return m.status }
func (m *mockService) IsRunning() bool            { return m.running }

type mockHTTPError struct {
	msg  string
	code int
}

func (e mockHTTPError) Error() string   { return e.msg }
func (e mockHTTPError) StatusCode() int { return e.code }

type fakeEventLog struct {
	events []types.JournalEvent
	err    error
	n      int
}

func (f *fakeEventLog) Recent(_ context.Context, n int) ([]types.JournalEvent, error) {
	f.n = n
	return f.events, f.err
}

func postJSON(h http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}
