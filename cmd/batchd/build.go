package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"batchd/internal/backend/local"
	"batchd/internal/backend/remote"
	"batchd/internal/config"
	"batchd/internal/engine"
	"batchd/internal/registry"
	"batchd/pkg/types"
)

// backendSet is the compute backend plus what the API reports about it.
type backendSet struct {
	backend  engine.ComputeBackend
	adapters []types.Adapter
	close    func() error
}

func buildBackend(ctx context.Context, cfg config.Config, log zerolog.Logger) (*backendSet, error) {
	if cfg.Backend.Kind == config.BackendRemote {
		c, err := remote.Dial(ctx, remote.ClientOptions{
			BaseURL:        cfg.Backend.WorkerURL,
			CallTimeout:    config.Seconds(cfg.Backend.CallTimeoutS),
			ConnectTimeout: config.Seconds(cfg.Backend.ConnectTimeoutS),
			Logger:         &log,
		})
		if err != nil {
			return nil, fmt.Errorf("dial worker: %w", err)
		}
		return &backendSet{backend: c, close: func() error { return nil }}, nil
	}
	b, adapters, closeFn, err := buildLocal(cfg, log)
	if err != nil {
		return nil, err
	}
	return &backendSet{backend: b, adapters: adapters, close: closeFn}, nil
}

func buildLocal(cfg config.Config, log zerolog.Logger) (*local.Backend, []types.Adapter, func() error, error) {
	var adapters []types.Adapter
	if cfg.Backend.AdaptersDir != "" {
		var err error
		adapters, err = registry.LoadDir(cfg.Backend.AdaptersDir)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("load adapters: %w", err)
		}
		log.Info().Int("count", len(adapters)).Str("dir", cfg.Backend.AdaptersDir).Msg("adapters loaded")
	}

	var exec local.Executor
	closeFn := func() error { return nil }
	switch cfg.Backend.Executor {
	case config.ExecutorLlama:
		x, err := local.NewLlamaExecutor(local.LlamaOptions{
			ModelPath: cfg.Backend.ModelPath,
			CtxSize:   cfg.Backend.MaxModelLen,
			Threads:   cfg.Backend.Threads,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("load model: %w", err)
		}
		exec, closeFn = x, x.Close
	default:
		exec = local.NewSyntheticExecutor(nil, local.SyntheticOptions{})
	}

	b := local.New(local.Config{
		ModelName:      cfg.Backend.ModelName,
		Stages:         cfg.Backend.Stages,
		MaxBatchSize:   cfg.Backend.MaxBatchSize,
		MaxModelLen:    cfg.Backend.MaxModelLen,
		EnableAdapters: cfg.Backend.EnableAdapters,
		Adapters:       adapters,
		Executor:       exec,
		Logger:         &log,
	})
	return b, adapters, closeFn, nil
}
