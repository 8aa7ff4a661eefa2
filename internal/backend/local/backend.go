package local

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"batchd/internal/engine"
	"batchd/pkg/types"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultMaxBatchSize = 32
	defaultMaxModelLen  = 2048
)

// Config encapsulates all tunables for Backend construction.
type Config struct {
	ModelName    string
	Stages       int
	MaxBatchSize int
	MaxModelLen  int
	// EnableAdapters allows requests to name one of Adapters.
	EnableAdapters bool
	Adapters       []types.Adapter
	Executor       Executor
	Tokenizer      Tokenizer
	Logger         *zerolog.Logger
}

// Backend is an in-process engine.ComputeBackend.
type Backend struct {
	cfg    Config
	tok    Tokenizer
	exec   Executor
	log    zerolog.Logger
	labels []string

	mu     sync.Mutex
	seqs   map[string]*Sequence
	stages []*stageScheduler
}

var (
	_ engine.ComputeBackend      = (*Backend)(nil)
	_ engine.ModelConfigProvider = (*Backend)(nil)
)

// New returns a Backend. A nil Executor selects the synthetic echo model.
func New(cfg Config) *Backend {
	if cfg.Stages <= 0 {
		cfg.Stages = 1
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = defaultMaxBatchSize
	}
	if cfg.MaxModelLen <= 0 {
		cfg.MaxModelLen = defaultMaxModelLen
	}
	if cfg.Tokenizer == nil {
		cfg.Tokenizer = ByteTokenizer{}
	}
	if cfg.Executor == nil {
		cfg.Executor = NewSyntheticExecutor(cfg.Tokenizer, SyntheticOptions{})
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	b := &Backend{
		cfg:  cfg,
		tok:  cfg.Tokenizer,
		exec: cfg.Executor,
		log:  log.With().Str("component", "local_backend").Logger(),
		seqs: make(map[string]*Sequence),
	}
	for stage := range cfg.Stages {
		b.stages = append(b.stages, newStageScheduler(stage, cfg.MaxBatchSize, cfg.MaxModelLen))
		b.labels = append(b.labels, strconv.Itoa(stage))
	}
	return b
}

func (b *Backend) Stages() int { return len(b.stages) }

func (b *Backend) ModelConfig(context.Context) (engine.ModelConfig, error) {
	return engine.ModelConfig{
		Name:        b.cfg.ModelName,
		MaxModelLen: b.cfg.MaxModelLen,
		Stages:      len(b.stages),
		Adapters:    b.cfg.EnableAdapters,
	}, nil
}

// AddRequest validates req and queues it on the least loaded stage.
func (b *Backend) AddRequest(_ context.Context, req *engine.Request) error {
	sp, adapter, err := b.validate(req)
	if err != nil {
		return err
	}
	prompt := req.Inputs.Prompt
	ids := req.Inputs.PromptTokenIDs
	if len(ids) == 0 {
		ids = b.tok.Encode(prompt)
	} else if prompt == "" {
		prompt = b.tok.Decode(ids)
	}
	seq := &Sequence{
		ID:             req.ID,
		Kind:           req.Kind(),
		Prompt:         prompt,
		PromptTokenIDs: ids,
		Sampling:       sp,
		Adapter:        adapter,
	}
	if req.Pooling != nil {
		seq.Pooling = *req.Pooling
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.seqs[req.ID]; dup {
		return fmt.Errorf("request %s is already scheduled", req.ID)
	}
	sched := b.leastLoaded()
	seq.Stage = sched.stage
	sched.add(seq)
	b.seqs[req.ID] = seq
	b.observeQueues(sched)
	return nil
}

// leastLoaded requires b.mu held.
func (b *Backend) leastLoaded() *stageScheduler {
	best := b.stages[0]
	for _, s := range b.stages[1:] {
		if s.load() < best.load() {
			best = s
		}
	}
	return best
}

func (b *Backend) AbortRequests(_ context.Context, ids []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range ids {
		b.freeLocked(id)
	}
	return nil
}

// freeLocked requires b.mu held.
func (b *Backend) freeLocked(id string) {
	seq, ok := b.seqs[id]
	if !ok {
		return
	}
	delete(b.seqs, id)
	sched := b.stages[seq.Stage]
	sched.remove(id)
	b.exec.Release(id)
	b.observeQueues(sched)
}

func (b *Backend) Schedule(_ context.Context, stage int) (*engine.Batch, error) {
	if stage < 0 || stage >= len(b.stages) {
		return nil, fmt.Errorf("stage %d out of range [0, %d)", stage, len(b.stages))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	sched := b.stages[stage]
	scheduled, ignored := sched.schedule()

	batch := &engine.Batch{ID: ulid.Make().String(), Stage: stage}
	for _, seq := range scheduled {
		batch.Sequences = append(batch.Sequences, engine.ScheduledSequence{RequestID: seq.ID, IsPrompt: !seq.prefilled})
		seq.prefilled = true
	}
	for _, seq := range ignored {
		b.log.Warn().Str("request_id", seq.ID).Int("prompt_tokens", len(seq.PromptTokenIDs)).
			Int("max_model_len", b.cfg.MaxModelLen).Msg("input prompt is too long and exceeds limit")
		batch.Ignored = append(batch.Ignored, engine.IgnoredRequest{RequestID: seq.ID, Reason: "length"})
		delete(b.seqs, seq.ID)
		b.exec.Release(seq.ID)
		ignoredTotal.Inc()
	}
	b.observeQueues(sched)
	return batch, nil
}

// ExecuteModel runs one iteration for batch. Sequences aborted after
// scheduling are skipped.
func (b *Backend) ExecuteModel(ctx context.Context, batch *engine.Batch) ([]engine.RawOutput, error) {
	var gens, encs []*Sequence
	b.mu.Lock()
	for _, s := range batch.Sequences {
		seq, ok := b.seqs[s.RequestID]
		if !ok {
			continue
		}
		if seq.Kind == engine.KindEncode {
			encs = append(encs, seq)
		} else {
			gens = append(gens, seq)
		}
	}
	b.mu.Unlock()

	var samples []Sample
	var vecs [][]float32
	var err error
	if len(gens) > 0 {
		if samples, err = b.exec.Execute(ctx, gens); err != nil {
			return nil, fmt.Errorf("execute: %w", err)
		}
		if len(samples) != len(gens) {
			return nil, fmt.Errorf("executor returned %d samples for %d sequences", len(samples), len(gens))
		}
	}
	if len(encs) > 0 {
		if vecs, err = b.exec.Embed(ctx, encs); err != nil {
			return nil, fmt.Errorf("embed: %w", err)
		}
		if len(vecs) != len(encs) {
			return nil, fmt.Errorf("executor returned %d embeddings for %d sequences", len(vecs), len(encs))
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	outs := make([]engine.RawOutput, 0, len(gens)+len(encs))
	for i, seq := range gens {
		if _, live := b.seqs[seq.ID]; !live {
			continue
		}
		outs = append(outs, b.appendSample(seq, samples[i]))
	}
	for i, seq := range encs {
		if _, live := b.seqs[seq.ID]; !live {
			continue
		}
		v := vecs[i]
		if seq.Pooling.Normalize {
			v = normalize(v)
		}
		outs = append(outs, engine.RawOutput{
			RequestID:    seq.ID,
			TokenID:      -1,
			Embedding:    v,
			PromptTokens: len(seq.PromptTokenIDs),
			Finished:     true,
			FinishReason: "stop",
		})
		b.freeLocked(seq.ID)
	}
	if len(gens) > 0 {
		generatedTokensTotal.WithLabelValues(b.labels[batch.Stage]).Add(float64(len(gens)))
	}
	return outs, nil
}

// appendSample applies one sample to seq and decides whether it is done.
// Text that could be the start of a stop string is held back until it is
// known not to be one, so emitted text never has to be retracted.
// Requires b.mu held.
func (b *Backend) appendSample(seq *Sequence, s Sample) engine.RawOutput {
	out := engine.RawOutput{RequestID: seq.ID, TokenID: s.TokenID, PromptTokens: len(seq.PromptTokenIDs)}
	seq.generated++
	if s.TokenID >= 0 {
		seq.OutputTokenIDs = append(seq.OutputTokenIDs, s.TokenID)
	}
	if !s.EOS {
		seq.text.WriteString(s.Text)
	}

	text := seq.text.String()
	end := len(text)
	switch idx, hit := stopIndex(text, seq.Sampling.Stop); {
	case hit:
		end = idx
		seq.text.Reset()
		seq.text.WriteString(text[:idx])
		out.Finished, out.FinishReason = true, "stop"
	case s.EOS && !seq.Sampling.IgnoreEOS:
		out.Finished, out.FinishReason = true, "stop"
	case seq.generated >= seq.Sampling.MaxTokens || seq.totalLen() >= b.cfg.MaxModelLen:
		out.Finished, out.FinishReason = true, "length"
	}
	if !out.Finished {
		end -= heldBack(text, seq.Sampling.Stop)
	}
	out.Text = text[seq.emitted:end]
	seq.emitted = end

	if out.Finished {
		b.freeLocked(seq.ID)
	}
	return out
}

// stopIndex returns the position of the earliest stop string in text.
func stopIndex(text string, stops []string) (int, bool) {
	best, hit := len(text), false
	for _, s := range stops {
		if i := strings.Index(text, s); i >= 0 && i < best {
			best, hit = i, true
		}
	}
	return best, hit
}

// heldBack returns the length of the longest suffix of text that is a proper
// prefix of a stop string.
func heldBack(text string, stops []string) int {
	n := 0
	for _, s := range stops {
		for k := min(len(s)-1, len(text)); k > n; k-- {
			if strings.HasSuffix(text, s[:k]) {
				n = k
				break
			}
		}
	}
	return n
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	n := float32(math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / n
	}
	return out
}

func (b *Backend) HasUnfinishedRequests(_ context.Context, stage int) (bool, error) {
	if stage < 0 || stage >= len(b.stages) {
		return false, fmt.Errorf("stage %d out of range [0, %d)", stage, len(b.stages))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stages[stage].load() > 0, nil
}

func (b *Backend) StopIdleWorkers(ctx context.Context) error { return b.exec.StopIdleWorkers(ctx) }

func (b *Backend) CheckHealth(ctx context.Context) error { return b.exec.CheckHealth(ctx) }

// observeQueues requires b.mu held.
func (b *Backend) observeQueues(s *stageScheduler) {
	label := b.labels[s.stage]
	queueDepth.WithLabelValues(label, "waiting").Set(float64(len(s.waiting)))
	queueDepth.WithLabelValues(label, "running").Set(float64(len(s.running)))
}

// Adapters returns the adapters this backend accepts.
func (b *Backend) Adapters() []types.Adapter {
	if !b.cfg.EnableAdapters {
		return nil
	}
	out := make([]types.Adapter, len(b.cfg.Adapters))
	copy(out, b.cfg.Adapters)
	return out
}
