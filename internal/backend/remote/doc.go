// Package remote runs the compute side of the engine in another process.
//
// A worker process serves any engine.ComputeBackend with NewWorkerHandler;
// the engine process talks to it through Client, which implements
// engine.ComputeBackend over HTTP/JSON. Scheduled batches stay on the
// worker and are executed by ID. Validation errors survive the round trip
// as engine.ValidationError values.
package remote
