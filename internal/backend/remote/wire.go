package remote

import "batchd/internal/engine"

// Paths served by the worker.
const (
	pathStages     = "/v1/stages"
	pathModel      = "/v1/model"
	pathRequests   = "/v1/requests"
	pathAbort      = "/v1/abort"
	pathSchedule   = "/v1/schedule/"
	pathExecute    = "/v1/execute"
	pathUnfinished = "/v1/unfinished/"
	pathStopIdle   = "/v1/stop-idle"
	pathHealth     = "/v1/health"
)

const errKindValidation = "validation"

type stagesResponse struct {
	Stages int `json:"stages"`
}

type abortRequest struct {
	IDs []string `json:"ids"`
}

type executeRequest struct {
	BatchID string `json:"batch_id"`
}

type executeResponse struct {
	Outputs []engine.RawOutput `json:"outputs"`
}

type unfinishedResponse struct {
	Unfinished bool `json:"unfinished"`
}

// workerError is the error payload of every non-2xx worker response.
type workerError struct {
	Error     string `json:"error"`
	Code      int    `json:"code"`
	Kind      string `json:"kind,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}
