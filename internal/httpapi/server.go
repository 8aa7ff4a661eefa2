package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"batchd/internal/engine"
	"batchd/pkg/types"
)

// Service defines the engine methods required by the HTTP API layer.
type Service interface {
	Generate(ctx context.Context, id string, inputs engine.Inputs, params engine.SamplingParams, opts ...engine.RequestOption) (iter.Seq2[*engine.RequestOutput, error], error)
	Encode(ctx context.Context, id string, inputs engine.Inputs, params engine.PoolingParams, opts ...engine.RequestOption) (iter.Seq2[*engine.RequestOutput, error], error)
	Abort(id string) error
	CheckHealth(ctx context.Context) error
	ModelConfig(ctx context.Context) (engine.ModelConfig, error)
	Status() types.EngineStatus
	IsRunning() bool
}

var _ Service = (*engine.AsyncEngine)(nil)

// EventLog exposes recent lifecycle events for /status.
type EventLog interface {
	Recent(ctx context.Context, n int) ([]types.JournalEvent, error)
}

// Options carries the optional data sources of the API.
type Options struct {
	// Backend names the compute backend kind reported by /status.
	Backend  string
	Adapters []types.Adapter
	Journal  EventLog
	// RecentEvents is how many journal rows /status includes (default 20).
	RecentEvents int
}

type server struct {
	svc  Service
	opts Options
}

// NewMux builds the HTTP API router over svc.
func NewMux(svc Service, opts Options) http.Handler {
	if opts.RecentEvents <= 0 {
		opts.RecentEvents = 20
	}
	s := &server{svc: svc, opts: opts}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
			MaxAge:         300,
		}))
	}
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Post("/v1/generate", s.handleGenerate)
	r.Post("/v1/encode", s.handleEncode)
	r.Post("/v1/abort/{id}", s.handleAbort)
	r.Get("/v1/adapters", s.handleAdapters)
	r.Get("/status", s.handleStatus)
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	MountSwagger(r)
	return r
}

// handleGenerate streams NDJSON GenerateChunks.
//
// @Summary      Generate text
// @Description  Streams newline-delimited JSON chunks. Closing the connection aborts the request.
// @Tags         generate
// @Accept       json
// @Produce      application/x-ndjson
// @Param        request  body      types.GenerateRequest  true  "Generation request"
// @Success      200      {object}  types.GenerateChunk
// @Failure      400      {object}  types.ErrorResponse
// @Failure      409      {object}  types.ErrorResponse
// @Failure      503      {object}  types.ErrorResponse
// @Router       /v1/generate [post]
func (s *server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req types.GenerateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ID == "" {
		req.ID = ulid.Make().String()
	}
	lvl := requestLogLevel(r)
	log := requestLogger(r, req.ID)
	start := time.Now()

	ctx, cancel := requestCtx(r)
	defer cancel()
	params := engine.SamplingParams{
		MaxTokens:         req.MaxTokens,
		Temperature:       req.Temperature,
		TopP:              req.TopP,
		TopK:              req.TopK,
		Stop:              req.Stop,
		Seed:              req.Seed,
		IgnoreEOS:         req.IgnoreEOS,
		RepetitionPenalty: req.RepetitionPenalty,
	}
	inputs := engine.Inputs{Prompt: req.Prompt, PromptTokenIDs: req.PromptTokenIDs}
	results, err := s.svc.Generate(ctx, req.ID, inputs, params, adapterOpts(req.Adapter)...)
	if err != nil {
		fail(w, log, lvl, err, start)
		return
	}
	if lvl >= LevelInfo {
		log.Info().Str("path", r.URL.Path).Msg("generate start")
	}

	out := newNDJSONWriter(w, log, lvl)
	done := false
	for res, err := range results {
		if err != nil {
			if interrupted(r) {
				return
			}
			if !out.started {
				fail(w, log, lvl, err, start)
				return
			}
			out.write(types.GenerateChunk{ID: req.ID, Done: true, Error: err.Error()})
			logEnd(log, lvl, http.StatusOK, start, err)
			return
		}
		chunk := chunkFor(res)
		done = chunk.Done
		out.write(chunk)
	}
	if interrupted(r) {
		return
	}
	if !done {
		// The engine shut down before the request finished.
		out.write(types.GenerateChunk{ID: req.ID, Done: true, FinishReason: "abort"})
	}
	logEnd(log, lvl, http.StatusOK, start, nil)
}

// handleEncode returns one embedding.
//
// @Summary      Embed input
// @Tags         encode
// @Accept       json
// @Produce      json
// @Param        request  body      types.EncodeRequest  true  "Encode request"
// @Success      200      {object}  types.EncodeResponse
// @Failure      400      {object}  types.ErrorResponse
// @Failure      503      {object}  types.ErrorResponse
// @Router       /v1/encode [post]
func (s *server) handleEncode(w http.ResponseWriter, r *http.Request) {
	var req types.EncodeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ID == "" {
		req.ID = ulid.Make().String()
	}
	lvl := requestLogLevel(r)
	log := requestLogger(r, req.ID)
	start := time.Now()

	ctx, cancel := requestCtx(r)
	defer cancel()
	inputs := engine.Inputs{Prompt: req.Input, PromptTokenIDs: req.InputTokenIDs}
	results, err := s.svc.Encode(ctx, req.ID, inputs, engine.PoolingParams{Normalize: req.Normalize}, adapterOpts(req.Adapter)...)
	if err != nil {
		fail(w, log, lvl, err, start)
		return
	}
	var last *engine.RequestOutput
	for res, err := range results {
		if err != nil {
			if interrupted(r) {
				return
			}
			fail(w, log, lvl, err, start)
			return
		}
		last = res
	}
	if last == nil || !last.Finished {
		fail(w, log, lvl, &engine.EngineDeadError{Msg: "engine stopped before the request finished"}, start)
		return
	}
	writeJSON(w, http.StatusOK, types.EncodeResponse{ID: req.ID, Embedding: last.Embedding, PromptTokens: last.PromptTokens})
	logEnd(log, lvl, http.StatusOK, start, nil)
}

// handleAbort cancels a request. Unknown IDs are not an error.
//
// @Summary      Abort request
// @Tags         generate
// @Produce      json
// @Param        id   path      string  true  "Request ID"
// @Success      200  {object}  types.AbortResponse
// @Failure      503  {object}  types.ErrorResponse
// @Router       /v1/abort/{id} [post]
func (s *server) handleAbort(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.svc.Abort(id); err != nil {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, types.AbortResponse{ID: id, Aborted: true})
}

// @Summary      List adapters
// @Tags         adapters
// @Produce      json
// @Success      200  {object}  types.AdaptersResponse
// @Router       /v1/adapters [get]
func (s *server) handleAdapters(w http.ResponseWriter, r *http.Request) {
	adapters := s.opts.Adapters
	if adapters == nil {
		adapters = []types.Adapter{}
	}
	writeJSON(w, http.StatusOK, types.AdaptersResponse{Adapters: adapters})
}

// @Summary      Engine status
// @Tags         status
// @Produce      json
// @Success      200  {object}  types.StatusResponse
// @Router       /status [get]
func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := types.StatusResponse{
		Engine:   s.svc.Status(),
		Backend:  s.opts.Backend,
		Adapters: len(s.opts.Adapters),
	}
	if mc, err := s.svc.ModelConfig(r.Context()); err == nil {
		resp.Model = types.ModelStatus{Name: mc.Name, MaxModelLen: mc.MaxModelLen, AdaptersEnabled: mc.Adapters}
	} else {
		zlog.Warn().Err(err).Msg("model config unavailable")
	}
	if s.opts.Journal != nil {
		events, err := s.opts.Journal.Recent(r.Context(), s.opts.RecentEvents)
		if err != nil {
			zlog.Warn().Err(err).Msg("journal query failed")
		}
		resp.RecentEvents = events
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.CheckHealth(r.Context()); err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.svc.IsRunning() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not running"))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// requestCtx joins the request with the server base context and applies the
// configured request timeout.
func requestCtx(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	if requestTimeout <= 0 {
		return ctx, cancel
	}
	tctx, tcancel := context.WithTimeout(ctx, requestTimeout)
	return tctx, func() {
		tcancel()
		cancel()
	}
}

// interrupted reports (and counts) streams cut short by the client or by
// process shutdown. Nothing more can be written in either case.
func interrupted(r *http.Request) bool {
	switch {
	case r.Context().Err() != nil:
		streamInterrupted("client_disconnect")
		return true
	case serverBaseCtx.Err() != nil:
		streamInterrupted("shutdown")
		return true
	}
	return false
}

func adapterOpts(name string) []engine.RequestOption {
	if name == "" {
		return nil
	}
	return []engine.RequestOption{engine.WithAdapter(engine.AdapterRef{Name: name})}
}

func chunkFor(out *engine.RequestOutput) types.GenerateChunk {
	c := types.GenerateChunk{
		ID:           out.RequestID,
		Delta:        out.Delta,
		Tokens:       len(out.TokenIDs),
		PromptTokens: out.PromptTokens,
		Done:         out.Finished,
		FinishReason: out.FinishReason,
	}
	if out.Finished {
		c.Text = out.Text
		m := out.Metrics
		if !m.FirstTokenTime.IsZero() {
			c.TTFTMs = m.FirstTokenTime.Sub(m.ArrivalTime).Milliseconds()
		}
		if !m.FinishedTime.IsZero() {
			c.LatencyMs = m.FinishedTime.Sub(m.ArrivalTime).Milliseconds()
		}
	}
	return c
}

// ndjsonWriter encodes one chunk per line and flushes after each.
type ndjsonWriter struct {
	w       http.ResponseWriter
	enc     *json.Encoder
	started bool
}

func newNDJSONWriter(w http.ResponseWriter, log zerolog.Logger, lvl LogLevel) *ndjsonWriter {
	dst := io.Writer(w)
	if lvl >= LevelDebug {
		dst = io.MultiWriter(w, &loggingLineWriter{log: log})
	}
	return &ndjsonWriter{w: w, enc: json.NewEncoder(dst)}
}

func (n *ndjsonWriter) write(c types.GenerateChunk) {
	if !n.started {
		n.w.Header().Set("Content-Type", "application/x-ndjson")
		n.started = true
	}
	_ = n.enc.Encode(c)
	if f, ok := n.w.(http.Flusher); ok {
		f.Flush()
	}
}

func requestLogger(r *http.Request, id string) zerolog.Logger {
	c := zlog.With().Str("request_id", id)
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		c = c.Str("http_request_id", rid)
	}
	return c.Logger()
}

func fail(w http.ResponseWriter, log zerolog.Logger, lvl LogLevel, err error, start time.Time) {
	status := statusFor(err)
	writeJSONError(w, status, err.Error())
	logEnd(log, lvl, status, start, err)
}

func logEnd(log zerolog.Logger, lvl LogLevel, status int, start time.Time, err error) {
	switch {
	case err != nil && lvl >= LevelError:
		log.Error().Int("status", status).Dur("dur", time.Since(start)).Err(err).Msg("request end")
	case err == nil && lvl >= LevelInfo:
		log.Info().Int("status", status).Dur("dur", time.Since(start)).Msg("request end")
	}
}
