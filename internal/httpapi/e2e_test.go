package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"batchd/internal/backend/local"
	"batchd/internal/engine"
	"batchd/pkg/types"
)

func newE2EServer(t *testing.T, delay time.Duration) (*httptest.Server, *engine.AsyncEngine) {
	t.Helper()
	b := local.New(local.Config{
		ModelName:   "echo",
		Stages:      2,
		MaxModelLen: 4096,
		Executor:    local.NewSyntheticExecutor(nil, local.SyntheticOptions{Delay: delay}),
	})
	e, err := engine.New(engine.EngineConfig{Backend: b, IterationTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	srv := httptest.NewServer(NewMux(e, Options{Backend: "local", Adapters: b.Adapters()}))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return srv, e
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEndToEndGenerateAndEncode(t *testing.T) {
	srv, e := newE2EServer(t, 0)

	resp, err := http.Post(srv.URL+"/v1/generate", "application/json", strings.NewReader(`{"id":"g1","prompt":"hello","max_tokens":32}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	var text strings.Builder
	var last types.GenerateChunk
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if err := json.Unmarshal(sc.Bytes(), &last); err != nil {
			t.Fatalf("chunk %q: %v", sc.Text(), err)
		}
		text.WriteString(last.Delta)
	}
	if text.String() != "hello" || !last.Done || last.Text != "hello" || last.FinishReason != "stop" {
		t.Fatalf("unexpected stream: text=%q last=%+v", text.String(), last)
	}

	resp2, err := http.Post(srv.URL+"/v1/encode", "application/json", strings.NewReader(`{"input":"abc","normalize":true}`))
	if err != nil {
		t.Fatalf("post encode: %v", err)
	}
	defer resp2.Body.Close()
	var enc types.EncodeResponse
	if err := json.NewDecoder(resp2.Body).Decode(&enc); err != nil || resp2.StatusCode != http.StatusOK || len(enc.Embedding) == 0 {
		t.Fatalf("encode: status=%d resp=%+v err=%v", resp2.StatusCode, enc, err)
	}

	waitFor(t, "finished counters", func() bool { return e.Status().RequestsFinished == 2 })
}

func TestEndToEndValidationIsBadRequest(t *testing.T) {
	srv, _ := newE2EServer(t, 0)
	resp, err := http.Post(srv.URL+"/v1/generate", "application/json", strings.NewReader(`{"prompt":"hi","top_p":3}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}

func TestEndToEndDisconnectAbortsRequest(t *testing.T) {
	srv, e := newE2EServer(t, 2*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	body := `{"id":"long","prompt":"stream me","max_tokens":3000,"ignore_eos":true}`
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/v1/generate", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	sc := bufio.NewScanner(resp.Body)
	if !sc.Scan() {
		t.Fatalf("no first chunk: %v", sc.Err())
	}
	cancel()
	resp.Body.Close()

	waitFor(t, "abort", func() bool { return e.Status().RequestsAborted == 1 })
	if st := e.Status(); st.LiveRequests != 0 {
		t.Fatalf("request still live after disconnect: %+v", st)
	}
}
