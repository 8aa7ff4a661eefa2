// Package local runs the compute side of the engine in-process.
//
// Backend implements engine.ComputeBackend with one FCFS scheduler per
// pipeline stage. Model execution is delegated to an Executor: the
// SyntheticExecutor is a deterministic echo model used for tests and
// development, and LlamaExecutor (build tag 'llama') runs a GGUF model
// through go-llama.cpp.
package local
