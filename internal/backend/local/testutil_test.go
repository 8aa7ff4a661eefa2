package local

import (
	"context"
	"testing"
	"time"

	"batchd/internal/engine"
	"batchd/pkg/types"
)

func newTestBackend(t *testing.T, mutate ...func(*Config)) *Backend {
	t.Helper()
	cfg := Config{ModelName: "echo", Stages: 1, MaxBatchSize: 4, MaxModelLen: 64}
	for _, m := range mutate {
		m(&cfg)
	}
	return New(cfg)
}

func genReq(id, prompt string, sp engine.SamplingParams) *engine.Request {
	return &engine.Request{ID: id, Inputs: engine.Inputs{Prompt: prompt}, Sampling: &sp}
}

// runToCompletion steps stage until no work is left and returns the
// concatenated text and finish reason per request.
func runToCompletion(t *testing.T, b *Backend, stage int) (map[string]string, map[string]string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	texts := map[string]string{}
	reasons := map[string]string{}
	for i := 0; i < 1000; i++ {
		more, err := b.HasUnfinishedRequests(ctx, stage)
		if err != nil {
			t.Fatalf("unfinished: %v", err)
		}
		if !more {
			return texts, reasons
		}
		batch, err := b.Schedule(ctx, stage)
		if err != nil {
			t.Fatalf("schedule: %v", err)
		}
		for _, ig := range batch.Ignored {
			reasons[ig.RequestID] = "ignored:" + ig.Reason
		}
		if batch.IsEmpty() {
			continue
		}
		outs, err := b.ExecuteModel(ctx, batch)
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
		for _, o := range outs {
			texts[o.RequestID] += o.Text
			if o.Finished {
				reasons[o.RequestID] = o.FinishReason
			}
		}
	}
	t.Fatalf("stage %d did not drain", stage)
	return nil, nil
}

var testAdapters = []types.Adapter{
	{Name: "sql-lora", ID: 1, Path: "/adapters/sql-lora.gguf"},
	{Name: "chat-lora", ID: 2, Path: "/adapters/chat-lora.gguf"},
}
