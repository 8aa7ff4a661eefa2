package engine

import (
	"time"

	"batchd/pkg/types"
)

// Status builds the engine section of GET /status.
func (e *AsyncEngine) Status() types.EngineStatus {
	state := e.State()

	e.mu.RLock()
	resp := types.EngineStatus{
		State:   string(state),
		Running: e.running,
		Errored: e.deadErr != nil,
		Stages:  e.cfg.Backend.Stages(),
	}
	if e.deadErr != nil {
		resp.Error = e.deadErr.Error()
	}
	if e.tracker != nil {
		resp.LiveRequests = e.tracker.Len()
		resp.PendingRequests = e.tracker.Pending()
	}
	e.mu.RUnlock()

	now := time.Now()
	resp.RequestsAdded = e.stats.added.Load()
	resp.RequestsFinished = e.stats.finished.Load()
	resp.RequestsFailed = e.stats.failed.Load()
	resp.RequestsAborted = e.stats.aborted.Load()
	resp.UptimeSeconds = int64(now.Sub(e.startTime).Seconds())
	resp.ServerTimeUnix = now.Unix()
	return resp
}
