package types

// EngineStatus summarizes the background loop for /status.
type EngineStatus struct {
	// Loop state: new, idle, stepping, draining, dead or stopped.
	// example: idle
	State string `json:"state" example:"idle"`
	// Whether the background loop is active.
	Running bool `json:"running"`
	// Whether the loop died with an error.
	Errored bool `json:"errored"`
	// Terminal error, when errored.
	Error string `json:"error,omitempty"`
	// Number of pipeline stages.
	// example: 2
	Stages int `json:"stages" example:"2"`
	// Requests currently tracked by the loop.
	// example: 3
	LiveRequests int `json:"live_requests" example:"3"`
	// Requests submitted but not yet picked up by a step.
	PendingRequests int `json:"pending_requests"`
	// Lifetime counters.
	RequestsAdded    uint64 `json:"requests_added"`
	RequestsFinished uint64 `json:"requests_finished"`
	RequestsFailed   uint64 `json:"requests_failed"`
	RequestsAborted  uint64 `json:"requests_aborted"`
	// Uptime of the engine in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}

// ModelStatus describes the served model.
type ModelStatus struct {
	// example: tinyllama
	Name string `json:"name" example:"tinyllama"`
	// example: 2048
	MaxModelLen int `json:"max_model_len" example:"2048"`
	// Whether LoRA adapters may be requested.
	AdaptersEnabled bool `json:"adapters_enabled"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Engine EngineStatus `json:"engine"`
	Model  ModelStatus  `json:"model"`
	// Backend kind: local or remote.
	// example: local
	Backend string `json:"backend" example:"local"`
	// Number of adapters known to the registry.
	Adapters int `json:"adapters"`
	// Recent lifecycle events from the journal, newest first. Empty when
	// the journal is disabled.
	RecentEvents []JournalEvent `json:"recent_events,omitempty"`
}

// JournalEvent is a persisted engine lifecycle event.
type JournalEvent struct {
	// Monotonic row identifier.
	Seq int64 `json:"seq"`
	// Unix time in milliseconds.
	TimeUnixMs int64 `json:"time_unix_ms"`
	// example: request_finished
	Name      string `json:"name" example:"request_finished"`
	RequestID string `json:"request_id,omitempty"`
	// JSON-encoded event fields.
	Fields string `json:"fields,omitempty"`
}
