package remote

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"batchd/internal/engine"
)

// maxWorkerBody bounds request bodies; prompts can be large.
const maxWorkerBody = 16 << 20

type worker struct {
	backend engine.ComputeBackend
	log     zerolog.Logger

	mu      sync.Mutex
	batches map[string]*engine.Batch
}

// NewWorkerHandler exposes backend to a remote Client.
func NewWorkerHandler(backend engine.ComputeBackend, log zerolog.Logger) http.Handler {
	w := &worker{
		backend: backend,
		log:     log.With().Str("component", "worker").Logger(),
		batches: make(map[string]*engine.Batch),
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get(pathStages, w.handleStages)
	r.Get(pathModel, w.handleModel)
	r.Post(pathRequests, w.handleAddRequest)
	r.Post(pathAbort, w.handleAbort)
	r.Post(pathSchedule+"{stage}", w.handleSchedule)
	r.Post(pathExecute, w.handleExecute)
	r.Get(pathUnfinished+"{stage}", w.handleUnfinished)
	r.Post(pathStopIdle, w.handleStopIdle)
	r.Get(pathHealth, w.handleHealth)
	return r
}

func (w *worker) handleStages(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, stagesResponse{Stages: w.backend.Stages()})
}

func (w *worker) handleModel(rw http.ResponseWriter, r *http.Request) {
	p, ok := w.backend.(engine.ModelConfigProvider)
	if !ok {
		writeError(rw, http.StatusNotFound, errors.New("backend does not describe its model"))
		return
	}
	mc, err := p.ModelConfig(r.Context())
	if err != nil {
		writeError(rw, http.StatusInternalServerError, err)
		return
	}
	writeJSON(rw, http.StatusOK, mc)
}

func (w *worker) handleAddRequest(rw http.ResponseWriter, r *http.Request) {
	var req engine.Request
	if !decode(rw, r, &req) {
		return
	}
	if err := w.backend.AddRequest(r.Context(), &req); err != nil {
		writeError(rw, http.StatusUnprocessableEntity, err)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (w *worker) handleAbort(rw http.ResponseWriter, r *http.Request) {
	var req abortRequest
	if !decode(rw, r, &req) {
		return
	}
	if err := w.backend.AbortRequests(r.Context(), req.IDs); err != nil {
		writeError(rw, http.StatusInternalServerError, err)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (w *worker) handleSchedule(rw http.ResponseWriter, r *http.Request) {
	stage, ok := stageParam(rw, r)
	if !ok {
		return
	}
	batch, err := w.backend.Schedule(r.Context(), stage)
	if err != nil {
		writeError(rw, http.StatusInternalServerError, err)
		return
	}
	if !batch.IsEmpty() {
		w.mu.Lock()
		w.batches[batch.ID] = batch
		w.mu.Unlock()
	}
	writeJSON(rw, http.StatusOK, batch)
}

func (w *worker) handleExecute(rw http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if !decode(rw, r, &req) {
		return
	}
	w.mu.Lock()
	batch, ok := w.batches[req.BatchID]
	delete(w.batches, req.BatchID)
	w.mu.Unlock()
	if !ok {
		writeError(rw, http.StatusNotFound, errors.New("unknown batch "+req.BatchID))
		return
	}
	outs, err := w.backend.ExecuteModel(r.Context(), batch)
	if err != nil {
		w.log.Error().Err(err).Str("batch_id", batch.ID).Int("stage", batch.Stage).Msg("execute failed")
		writeError(rw, http.StatusInternalServerError, err)
		return
	}
	writeJSON(rw, http.StatusOK, executeResponse{Outputs: outs})
}

func (w *worker) handleUnfinished(rw http.ResponseWriter, r *http.Request) {
	stage, ok := stageParam(rw, r)
	if !ok {
		return
	}
	more, err := w.backend.HasUnfinishedRequests(r.Context(), stage)
	if err != nil {
		writeError(rw, http.StatusInternalServerError, err)
		return
	}
	writeJSON(rw, http.StatusOK, unfinishedResponse{Unfinished: more})
}

func (w *worker) handleStopIdle(rw http.ResponseWriter, r *http.Request) {
	if err := w.backend.StopIdleWorkers(r.Context()); err != nil {
		writeError(rw, http.StatusInternalServerError, err)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (w *worker) handleHealth(rw http.ResponseWriter, r *http.Request) {
	if err := w.backend.CheckHealth(r.Context()); err != nil {
		writeError(rw, http.StatusServiceUnavailable, err)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func stageParam(rw http.ResponseWriter, r *http.Request) (int, bool) {
	stage, err := strconv.Atoi(chi.URLParam(r, "stage"))
	if err != nil || stage < 0 {
		writeError(rw, http.StatusBadRequest, errors.New("invalid stage"))
		return 0, false
	}
	return stage, true
}

func decode(rw http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(rw, r.Body, maxWorkerBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(rw, http.StatusBadRequest, errors.New("invalid JSON body"))
		return false
	}
	return true
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

// writeError encodes err; validation errors keep their kind and request ID.
func writeError(rw http.ResponseWriter, status int, err error) {
	we := workerError{Error: err.Error(), Code: status}
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		we.Kind = errKindValidation
		we.RequestID = ve.RequestID
		we.Error = ve.Msg
	} else if status == http.StatusUnprocessableEntity {
		we.Code = http.StatusInternalServerError
		status = http.StatusInternalServerError
	}
	writeJSON(rw, status, we)
}
