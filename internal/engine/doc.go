// Package engine provides the asynchronous request orchestration core: it
// multiplexes independent generation and embedding requests onto an
// iteration-based compute backend and streams per-request results back to
// callers. It is structured into small files by concern:
//
//   - engine.go: AsyncEngine facade (Start, AddRequest, Generate, Encode, Abort, CheckHealth).
//   - config.go: EngineConfig and package defaults; New applies defaults.
//   - types.go: request, params, batch and output types shared with backends.
//   - backend.go: ComputeBackend, the capability every compute backend implements.
//   - errors.go: error types and helpers (IsDuplicateRequest, IsEngineDead, IsValidation).
//   - stream.go: OutputStream, the per-request ordered result queue.
//   - tracker.go: RequestTracker, the registry of live streams and pending work.
//   - stepper.go: one pipeline stage step (drain, admit, schedule, execute, route).
//   - output.go: conversion of raw backend samples into cumulative RequestOutputs.
//   - loop.go: the background loop, iteration timeout and lifecycle state machine.
//   - events.go, eventpub_memory.go: lifecycle event publishing.
//   - metrics.go: Prometheus collectors.
//   - status_report.go: Status snapshot for the HTTP layer.
//
// Backends live in internal/backend/local (in-process) and
// internal/backend/remote (remote actor over HTTP). The loop only ever talks
// to the ComputeBackend interface.
package engine
